package encryption

import (
	"bytes"
	"testing"

	"secretgroup/internal/keystore"
	"secretgroup/internal/xcrypto"
)

type actor struct {
	id  MemberID
	mgr *keystore.Manager
}

func newActor(t *testing.T, rng xcrypto.RNG, reg *keystore.Registry) actor {
	t.Helper()
	mgr, err := keystore.NewManager(rng, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	bundles, err := mgr.PublishBundle(rng, 4)
	if err != nil {
		t.Fatalf("PublishBundle: %v", err)
	}
	if err := reg.Publish(mgr.MemberID(), bundles); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return actor{id: mgr.MemberID(), mgr: mgr}
}

func testGroupID() GroupID {
	var g GroupID
	copy(g[:], []byte("encryption-group-00000000000000"))
	return g
}

func dmFor(msg WireMessage, recipient MemberID) DirectMessage {
	for _, dm := range msg.DirectMessages {
		if dm.Recipient == recipient {
			return dm
		}
	}
	return DirectMessage{}
}

// A creator, a welcomed member, a later add, a message round trip, a
// remove, and a post-remove update all converge to consistent state
// across every still-active participant.
func TestCreateAddRemoveUpdateSendReceive(t *testing.T) {
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(11))
	reg := keystore.NewRegistry(nil)
	group := testGroupID()

	alice := newActor(t, rng, reg)
	bob := newActor(t, rng, reg)
	carol := newActor(t, rng, reg)

	aliceState, err := Init(group, alice.id, alice.mgr, reg, 0, nil)
	if err != nil {
		t.Fatalf("Init(alice): %v", err)
	}

	createMsg, err := aliceState.Create(rng, []MemberID{alice.id, bob.id})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	bobState, err := JoinFromWelcome(group, bob.id, []MemberID{alice.id}, bob.mgr, reg, 0, nil, createMsg.Commit, dmFor(createMsg, bob.id))
	if err != nil {
		t.Fatalf("JoinFromWelcome(bob): %v", err)
	}

	addMsg, err := aliceState.Add(rng, carol.id)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if out, err := bobState.Receive(addMsg, alice.id); err != nil || !out.CommitApplied {
		t.Fatalf("bob Receive(add): out=%+v err=%v", out, err)
	}
	carolState, err := JoinFromWelcome(group, carol.id, []MemberID{alice.id, bob.id}, carol.mgr, reg, 0, nil, addMsg.Commit, dmFor(addMsg, carol.id))
	if err != nil {
		t.Fatalf("JoinFromWelcome(carol): %v", err)
	}

	sendMsg, err := aliceState.Send(rng, []byte("hello group"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	for name, st := range map[string]*State{"bob": bobState, "carol": carolState} {
		out, err := st.Receive(sendMsg, alice.id)
		if err != nil {
			t.Fatalf("%s Receive(send): %v", name, err)
		}
		if !out.HasPlaintext || string(out.Plaintext) != "hello group" {
			t.Fatalf("%s got plaintext %q", name, out.Plaintext)
		}
	}

	removeMsg, err := aliceState.Remove(rng, bob.id)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if out, err := carolState.Receive(removeMsg, alice.id); err != nil || !out.CommitApplied {
		t.Fatalf("carol Receive(remove): out=%+v err=%v", out, err)
	}
	if out, err := bobState.Receive(removeMsg, alice.id); err != nil || !out.Removed {
		t.Fatalf("bob Receive(remove of self): out=%+v err=%v", out, err)
	}
	if _, err := bobState.Send(rng, []byte("still here?")); err != ErrRemoved {
		t.Fatalf("expected ErrRemoved sending after removal, got %v", err)
	}

	updateMsg, err := aliceState.Update(rng)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if out, err := carolState.Receive(updateMsg, alice.id); err != nil || !out.CommitApplied {
		t.Fatalf("carol Receive(update): out=%+v err=%v", out, err)
	}

	postUpdateMsg, err := aliceState.Send(rng, []byte("post-update"))
	if err != nil {
		t.Fatalf("Send (post-update): %v", err)
	}
	out, err := carolState.Receive(postUpdateMsg, alice.id)
	if err != nil {
		t.Fatalf("carol Receive(post-update send): %v", err)
	}
	if string(out.Plaintext) != "post-update" {
		t.Fatalf("carol got %q, want %q", out.Plaintext, "post-update")
	}
}

// A removed member holds the last epoch secret it was ever given, but
// without a direct message addressed to it, a later commit's new
// secret stays out of reach: the public commit alone carries nothing
// the removed member can turn into the next epoch's secret.
func TestRemovedMemberCannotAdvanceWithoutASealedSecret(t *testing.T) {
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(12))
	reg := keystore.NewRegistry(nil)
	group := testGroupID()

	alice := newActor(t, rng, reg)
	bob := newActor(t, rng, reg)

	aliceState, err := Init(group, alice.id, alice.mgr, reg, 0, nil)
	if err != nil {
		t.Fatalf("Init(alice): %v", err)
	}
	createMsg, err := aliceState.Create(rng, []MemberID{alice.id, bob.id})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	bobState, err := JoinFromWelcome(group, bob.id, []MemberID{alice.id}, bob.mgr, reg, 0, nil, createMsg.Commit, dmFor(createMsg, bob.id))
	if err != nil {
		t.Fatalf("JoinFromWelcome(bob): %v", err)
	}

	removeMsg, err := aliceState.Remove(rng, bob.id)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if out, err := bobState.Receive(removeMsg, alice.id); err != nil || !out.Removed {
		t.Fatalf("bob Receive(remove of self): out=%+v err=%v", out, err)
	}

	updateMsg, err := aliceState.Update(rng)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(dmFor(updateMsg, bob.id).Ciphertext) != 0 {
		t.Fatalf("removed member must not receive a direct message in the update fan-out")
	}
	if _, err := bobState.Receive(updateMsg, alice.id); err != ErrNoSealedSecret {
		t.Fatalf("expected ErrNoSealedSecret, got %v", err)
	}
}

// Messages delivered out of order still decrypt: a key skipped ahead
// of the receiver's chain is cached, then retrieved when the earlier
// message eventually arrives.
func TestMessageKeyForHandlesOutOfOrderDelivery(t *testing.T) {
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(13))
	reg := keystore.NewRegistry(nil)
	group := testGroupID()

	alice := newActor(t, rng, reg)
	bob := newActor(t, rng, reg)

	aliceState, err := Init(group, alice.id, alice.mgr, reg, 0, nil)
	if err != nil {
		t.Fatalf("Init(alice): %v", err)
	}
	createMsg, err := aliceState.Create(rng, []MemberID{alice.id, bob.id})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	bobState, err := JoinFromWelcome(group, bob.id, []MemberID{alice.id}, bob.mgr, reg, 0, nil, createMsg.Commit, dmFor(createMsg, bob.id))
	if err != nil {
		t.Fatalf("JoinFromWelcome(bob): %v", err)
	}

	var msgs []WireMessage
	for i, text := range []string{"one", "two", "three"} {
		msg, err := aliceState.Send(rng, []byte(text))
		if err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
		msgs = append(msgs, msg)
	}

	order := []int{2, 0, 1}
	want := []string{"three", "one", "two"}
	for i, idx := range order {
		out, err := bobState.Receive(msgs[idx], alice.id)
		if err != nil {
			t.Fatalf("Receive(out-of-order %d): %v", idx, err)
		}
		if string(out.Plaintext) != want[i] {
			t.Fatalf("Receive(out-of-order %d) = %q, want %q", idx, out.Plaintext, want[i])
		}
	}

	// A key already consumed through the skip/retrieve path cannot be
	// replayed.
	if _, err := bobState.Receive(msgs[0], alice.id); err == nil {
		t.Fatalf("expected an error re-consuming an already-opened generation")
	}
}

// Receive rejects a commit whose signature was tampered with after
// signing.
func TestReceiveRejectsTamperedCommitSignature(t *testing.T) {
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(14))
	reg := keystore.NewRegistry(nil)
	group := testGroupID()

	alice := newActor(t, rng, reg)
	bob := newActor(t, rng, reg)
	carol := newActor(t, rng, reg)

	aliceState, err := Init(group, alice.id, alice.mgr, reg, 0, nil)
	if err != nil {
		t.Fatalf("Init(alice): %v", err)
	}
	createMsg, err := aliceState.Create(rng, []MemberID{alice.id, bob.id})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	bobState, err := JoinFromWelcome(group, bob.id, []MemberID{alice.id}, bob.mgr, reg, 0, nil, createMsg.Commit, dmFor(createMsg, bob.id))
	if err != nil {
		t.Fatalf("JoinFromWelcome(bob): %v", err)
	}

	addMsg, err := aliceState.Add(rng, carol.id)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	tampered := *addMsg.Commit
	tampered.Sig = append([]byte(nil), addMsg.Commit.Sig...)
	tampered.Sig[0] ^= 0xFF
	addMsg.Commit = &tampered

	if _, err := bobState.Receive(addMsg, alice.id); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

// A Create welcome direct message decrypts to the exact root secret and
// transcript the committer adopted locally.
func TestSealEpochSecretRoundTrip(t *testing.T) {
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(15))
	reg := keystore.NewRegistry(nil)
	group := testGroupID()

	alice := newActor(t, rng, reg)
	bob := newActor(t, rng, reg)

	aliceState, err := Init(group, alice.id, alice.mgr, reg, 0, nil)
	if err != nil {
		t.Fatalf("Init(alice): %v", err)
	}
	createMsg, err := aliceState.Create(rng, []MemberID{alice.id, bob.id})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	bobState, err := Init(group, bob.id, bob.mgr, reg, 0, nil)
	if err != nil {
		t.Fatalf("Init(bob): %v", err)
	}
	rootSecret, transcript, err := bobState.openSealedSecret(dmFor(createMsg, bob.id), createMsg.Commit.Epoch)
	if err != nil {
		t.Fatalf("openSealedSecret: %v", err)
	}
	if !bytes.Equal(rootSecret, aliceState.rootSecret) {
		t.Fatalf("root secret mismatch between committer and welcomed member")
	}
	if transcript != aliceState.transcript {
		t.Fatalf("transcript mismatch between committer and welcomed member")
	}
}
