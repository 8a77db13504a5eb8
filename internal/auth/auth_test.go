package auth

import (
	"testing"

	"secretgroup/internal/xcrypto"
)

type actor struct {
	id   MemberID
	priv xcrypto.PrivateKey
}

func newActor(t *testing.T, rng xcrypto.RNG) actor {
	t.Helper()
	pub, priv, err := xcrypto.GenerateSigningKey(rng)
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	return actor{id: xcrypto.FromPublicKey(pub), priv: priv}
}

// sign adapts the raw private key to the signFn shape State.Create,
// State.Prepare, and Operation.sign expect — the same shape
// keystore.Manager.Sign exposes in production.
func (a actor) sign(msg []byte) []byte {
	return xcrypto.Sign(a.priv, msg)
}

func newGroup(t *testing.T) (*State, xcrypto.RNG) {
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(7))
	var group GroupID
	copy(group[:], []byte("test-group-0000000000000000000000"))
	return New(group, nil), rng
}

// Two admins concurrently grant a third member different access levels;
// the resolved access must be the meet (lesser) of the two grants, not
// either one alone and not their join.
func TestConcurrentAddResolvesToMeet(t *testing.T) {
	s, rng := newGroup(t)
	alice := newActor(t, rng)
	bob := newActor(t, rng)
	carol := newActor(t, rng)

	_, err := s.Create(alice.id, alice.sign, []InitialMember{
		{Member: memberOf(alice.id), Access: AccessManage},
		{Member: memberOf(bob.id), Access: AccessManage},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	base := s.Heads()

	opA := &Operation{
		Author:   alice.id,
		GroupID:  s.GroupID,
		Previous: base,
		Action:   Action{Kind: ActionAdd, Member: memberOf(carol.id), Access: AccessWrite},
	}
	opA.sign(alice.sign)

	opB := &Operation{
		Author:   bob.id,
		GroupID:  s.GroupID,
		Previous: base,
		Action:   Action{Kind: ActionAdd, Member: memberOf(carol.id), Access: AccessRead},
	}
	opB.sign(bob.sign)

	if err := s.Process(opA); err != nil {
		t.Fatalf("Process(opA): %v", err)
	}
	if err := s.Process(opB); err != nil {
		t.Fatalf("Process(opB): %v", err)
	}

	members := s.TransitiveMembers()
	if got := members[carol.id]; got != AccessRead {
		t.Fatalf("expected carol to resolve to read (meet of write,read), got %v", got)
	}
}

// A removal concurrent with the removed member's own promote wins: the
// promote is voided because its author was stripped of authority in the
// same bubble, regardless of which member the promote targeted.
func TestConcurrentRemoveBeatsAuthorsPromote(t *testing.T) {
	s, rng := newGroup(t)
	alice := newActor(t, rng)
	bob := newActor(t, rng)
	carol := newActor(t, rng)

	_, err := s.Create(alice.id, alice.sign, []InitialMember{
		{Member: memberOf(alice.id), Access: AccessManage},
		{Member: memberOf(bob.id), Access: AccessManage},
		{Member: memberOf(carol.id), Access: AccessRead},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	base := s.Heads()

	removeBob := &Operation{
		Author:   alice.id,
		GroupID:  s.GroupID,
		Previous: base,
		Action:   Action{Kind: ActionRemove, Remove: memberOf(bob.id)},
	}
	removeBob.sign(alice.sign)

	promoteCarol := &Operation{
		Author:   bob.id,
		GroupID:  s.GroupID,
		Previous: base,
		Action:   Action{Kind: ActionPromote, Member: memberOf(carol.id), Access: AccessManage},
	}
	promoteCarol.sign(bob.sign)

	if err := s.Process(removeBob); err != nil {
		t.Fatalf("Process(removeBob): %v", err)
	}
	if err := s.Process(promoteCarol); err != nil {
		t.Fatalf("Process(promoteCarol): %v", err)
	}

	members := s.TransitiveMembers()
	if _, present := members[bob.id]; present {
		t.Fatalf("expected bob to be removed")
	}
	if got := members[carol.id]; got != AccessRead {
		t.Fatalf("expected carol's promote to be voided, still at read, got %v", got)
	}
}

// Processing the same operation twice is a no-op (idempotence).
func TestProcessIdempotent(t *testing.T) {
	s, rng := newGroup(t)
	alice := newActor(t, rng)

	op, err := s.Create(alice.id, alice.sign, []InitialMember{
		{Member: memberOf(alice.id), Access: AccessManage},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Process(op); err != nil {
		t.Fatalf("re-Process of create: %v", err)
	}
	if len(s.Heads()) != 1 {
		t.Fatalf("expected a single head after idempotent re-processing, got %d", len(s.Heads()))
	}
}

// Two replicas that apply the same set of operations in a different
// order converge to the same resolved access map.
func TestConvergesRegardlessOfDeliveryOrder(t *testing.T) {
	s1, rng := newGroup(t)
	alice := newActor(t, rng)
	bob := newActor(t, rng)
	carol := newActor(t, rng)

	createOp, err := s1.Create(alice.id, alice.sign, []InitialMember{
		{Member: memberOf(alice.id), Access: AccessManage},
		{Member: memberOf(bob.id), Access: AccessManage},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	base := s1.Heads()

	opA := &Operation{Author: alice.id, GroupID: s1.GroupID, Previous: base,
		Action: Action{Kind: ActionAdd, Member: memberOf(carol.id), Access: AccessWrite}}
	opA.sign(alice.sign)
	opB := &Operation{Author: bob.id, GroupID: s1.GroupID, Previous: base,
		Action: Action{Kind: ActionAdd, Member: memberOf(carol.id), Access: AccessRead}}
	opB.sign(bob.sign)

	if err := s1.Process(opA); err != nil {
		t.Fatalf("Process(opA): %v", err)
	}
	if err := s1.Process(opB); err != nil {
		t.Fatalf("Process(opB): %v", err)
	}

	s2 := New(s1.GroupID, nil)
	if err := s2.Process(createOp); err != nil {
		t.Fatalf("s2 Process(create): %v", err)
	}
	if err := s2.Process(opB); err != nil {
		t.Fatalf("s2 Process(opB): %v", err)
	}
	if err := s2.Process(opA); err != nil {
		t.Fatalf("s2 Process(opA): %v", err)
	}

	m1 := s1.TransitiveMembers()
	m2 := s2.TransitiveMembers()
	if len(m1) != len(m2) {
		t.Fatalf("member count diverged: %d vs %d", len(m1), len(m2))
	}
	for id, acc := range m1 {
		if m2[id] != acc {
			t.Fatalf("member %v diverged: %v vs %v", id, acc, m2[id])
		}
	}
}

// Prepare rejects an author who does not currently hold manage access.
func TestPrepareRejectsUnauthorised(t *testing.T) {
	s, rng := newGroup(t)
	alice := newActor(t, rng)
	carol := newActor(t, rng)

	if _, err := s.Create(alice.id, alice.sign, []InitialMember{
		{Member: memberOf(alice.id), Access: AccessManage},
		{Member: memberOf(carol.id), Access: AccessRead},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := s.Prepare(carol.id, carol.sign, Action{Kind: ActionAdd, Member: memberOf(carol.id), Access: AccessWrite})
	if err != ErrNotAuthorised {
		t.Fatalf("expected ErrNotAuthorised, got %v", err)
	}
}

// A tampered signature is rejected by Process.
func TestProcessRejectsInvalidSignature(t *testing.T) {
	s, rng := newGroup(t)
	alice := newActor(t, rng)
	bob := newActor(t, rng)

	createOp, err := s.Create(alice.id, alice.sign, []InitialMember{
		{Member: memberOf(alice.id), Access: AccessManage},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	op := &Operation{
		Author:   alice.id,
		GroupID:  s.GroupID,
		Previous: []OperationID{createOp.ID},
		Action:   Action{Kind: ActionAdd, Member: memberOf(bob.id), Access: AccessRead},
	}
	op.sign(alice.sign)
	op.Signature[0] ^= 0xFF

	if err := s.Process(op); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestProcessRejectsUnknownDependency(t *testing.T) {
	s, rng := newGroup(t)
	alice := newActor(t, rng)
	bob := newActor(t, rng)

	if _, err := s.Create(alice.id, alice.sign, []InitialMember{
		{Member: memberOf(alice.id), Access: AccessManage},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var bogus OperationID
	copy(bogus[:], []byte("not-a-real-operation-id-00000000"))
	op := &Operation{
		Author:   alice.id,
		GroupID:  s.GroupID,
		Previous: []OperationID{bogus},
		Action:   Action{Kind: ActionAdd, Member: memberOf(bob.id), Access: AccessRead},
	}
	op.sign(alice.sign)

	if err := s.Process(op); err != ErrUnknownDependency {
		t.Fatalf("expected ErrUnknownDependency, got %v", err)
	}
}
