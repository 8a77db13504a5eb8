package coordinator

import (
	"testing"

	"secretgroup/internal/auth"
	"secretgroup/internal/encryption"
	"secretgroup/internal/keystore"
	"secretgroup/internal/xcrypto"
)

func newTestActor(t *testing.T, rng xcrypto.RNG, reg *keystore.Registry) *Actor {
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
	return NewActor(mgr.MemberID(), mgr, reg, rng, nil)
}

func testGroup() GroupID {
	var g GroupID
	copy(g[:], []byte("coordinator-group-000000000000"))
	return g
}

// A creator, a member admitted at genesis, a later add, a message round
// trip, a remove, and a post-remove update all converge across every
// still-active participant's Actor, driven entirely through Deliver.
func TestCreateAddSendRemoveUpdateConverges(t *testing.T) {
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(101))
	reg := keystore.NewRegistry(nil)
	group := testGroup()

	alice := newTestActor(t, rng, reg)
	bob := newTestActor(t, rng, reg)
	carol := newTestActor(t, rng, reg)

	createMsg, err := alice.CreateGroup(group, []auth.InitialMember{
		{Member: auth.Member{Individual: &[]MemberID{alice.id}[0]}, Access: auth.AccessManage},
		{Member: auth.Member{Individual: &[]MemberID{bob.id}[0]}, Access: auth.AccessWrite},
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	if err := bob.Join(group, []*auth.Operation{createMsg.Auth}, createMsg.Enc); err != nil {
		t.Fatalf("bob Join: %v", err)
	}

	addMsg, err := alice.AddMember(group, carol.id, auth.AccessRead)
	if err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if _, err := bob.Deliver(group, addMsg); err != nil {
		t.Fatalf("bob Deliver(add): %v", err)
	}
	if err := carol.Join(group, []*auth.Operation{createMsg.Auth, addMsg.Auth}, addMsg.Enc); err != nil {
		t.Fatalf("carol Join: %v", err)
	}

	sendMsg, err := alice.Send(group, []byte("hello group"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	for name, actor := range map[string]*Actor{"bob": bob, "carol": carol} {
		outs, err := actor.Deliver(group, sendMsg)
		if err != nil {
			t.Fatalf("%s Deliver(send): %v", name, err)
		}
		if len(outs) != 1 || !outs[0].HasPlaintext || string(outs[0].Plaintext) != "hello group" {
			t.Fatalf("%s got outs %+v", name, outs)
		}
	}

	members, err := alice.TransitiveMembers(group)
	if err != nil {
		t.Fatalf("TransitiveMembers: %v", err)
	}
	if members[carol.id] != auth.AccessRead {
		t.Fatalf("expected carol at read access, got %v", members[carol.id])
	}

	removeMsg, err := alice.RemoveMember(group, bob.id)
	if err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	carolOuts, err := carol.Deliver(group, removeMsg)
	if err != nil || len(carolOuts) != 1 || !carolOuts[0].MembershipChanged {
		t.Fatalf("carol Deliver(remove): outs=%+v err=%v", carolOuts, err)
	}
	bobOuts, err := bob.Deliver(group, removeMsg)
	if err != nil || len(bobOuts) != 1 || !bobOuts[0].MemberRemoved {
		t.Fatalf("bob Deliver(remove of self): outs=%+v err=%v", bobOuts, err)
	}

	if _, err := bob.Send(group, []byte("still here?")); err != encryption.ErrRemoved {
		t.Fatalf("expected ErrRemoved, got %v", err)
	}

	updateMsg, err := alice.Update(group)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := carol.Deliver(group, updateMsg); err != nil {
		t.Fatalf("carol Deliver(update): %v", err)
	}

	postUpdateMsg, err := alice.Send(group, []byte("post-update"))
	if err != nil {
		t.Fatalf("Send (post-update): %v", err)
	}
	outs, err := carol.Deliver(group, postUpdateMsg)
	if err != nil || len(outs) != 1 || string(outs[0].Plaintext) != "post-update" {
		t.Fatalf("carol Deliver(post-update): outs=%+v err=%v", outs, err)
	}
}

// A promote/demote carries no Encryption Group payload at all.
func TestPromoteHasNoEncryptionPayload(t *testing.T) {
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(102))
	reg := keystore.NewRegistry(nil)
	group := testGroup()

	alice := newTestActor(t, rng, reg)
	bob := newTestActor(t, rng, reg)

	createMsg, err := alice.CreateGroup(group, []auth.InitialMember{
		{Member: auth.Member{Individual: &[]MemberID{alice.id}[0]}, Access: auth.AccessManage},
		{Member: auth.Member{Individual: &[]MemberID{bob.id}[0]}, Access: auth.AccessRead},
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := bob.Join(group, []*auth.Operation{createMsg.Auth}, createMsg.Enc); err != nil {
		t.Fatalf("bob Join: %v", err)
	}

	promoteMsg, err := alice.PromoteMember(group, bob.id, auth.AccessManage)
	if err != nil {
		t.Fatalf("PromoteMember: %v", err)
	}
	if promoteMsg.Enc.Commit != nil || len(promoteMsg.Enc.Ciphertext) != 0 {
		t.Fatalf("expected no Encryption Group payload on a promote")
	}
	outs, err := bob.Deliver(group, promoteMsg)
	if err != nil || len(outs) != 1 || !outs[0].MembershipChanged {
		t.Fatalf("bob Deliver(promote): outs=%+v err=%v", outs, err)
	}

	members, err := bob.TransitiveMembers(group)
	if err != nil {
		t.Fatalf("TransitiveMembers: %v", err)
	}
	if members[bob.id] != auth.AccessManage {
		t.Fatalf("expected bob promoted to manage, got %v", members[bob.id])
	}
}

// Delivering a control message whose dependency hasn't arrived yet
// produces no output; once the missing link is delivered, both it and
// everything that was buffered behind it are routed in one Deliver call.
func TestDeliverGapFillsThroughOrderer(t *testing.T) {
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(103))
	reg := keystore.NewRegistry(nil)
	group := testGroup()

	alice := newTestActor(t, rng, reg)
	bob := newTestActor(t, rng, reg)
	carol := newTestActor(t, rng, reg)
	dave := newTestActor(t, rng, reg)

	createMsg, err := alice.CreateGroup(group, []auth.InitialMember{
		{Member: auth.Member{Individual: &[]MemberID{alice.id}[0]}, Access: auth.AccessManage},
		{Member: auth.Member{Individual: &[]MemberID{bob.id}[0]}, Access: auth.AccessManage},
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := bob.Join(group, []*auth.Operation{createMsg.Auth}, createMsg.Enc); err != nil {
		t.Fatalf("bob Join: %v", err)
	}

	addCarolMsg, err := alice.AddMember(group, carol.id, auth.AccessRead)
	if err != nil {
		t.Fatalf("AddMember(carol): %v", err)
	}
	addDaveMsg, err := alice.AddMember(group, dave.id, auth.AccessRead)
	if err != nil {
		t.Fatalf("AddMember(dave): %v", err)
	}

	// Bob sees the second add before the first: it names addCarolMsg's
	// auth op as a Previous dependency, which Bob has not seen yet, so
	// it buffers with no output.
	outs, err := bob.Deliver(group, addDaveMsg)
	if err != nil {
		t.Fatalf("bob Deliver(add dave, out of order): %v", err)
	}
	if len(outs) != 0 {
		t.Fatalf("expected no output while the dependency is missing, got %+v", outs)
	}

	// Delivering the already-applied genesis Create again is a harmless
	// idempotent no-op now that Join seeds the replayed history's op ids
	// into Bob's orderer.
	outs, err = bob.Deliver(group, createMsg)
	if err != nil {
		t.Fatalf("bob Deliver(duplicate create): %v", err)
	}
	if len(outs) != 0 {
		t.Fatalf("expected a duplicate already-processed create to emit nothing, got %+v", outs)
	}

	// Delivering the missing first add now releases both it and the
	// buffered second add in the same Deliver call, in causal order.
	outs, err = bob.Deliver(group, addCarolMsg)
	if err != nil {
		t.Fatalf("bob Deliver(add carol): %v", err)
	}
	if len(outs) != 2 || !outs[0].MembershipChanged || !outs[1].MembershipChanged {
		t.Fatalf("expected both buffered adds to release in order, got %+v", outs)
	}

	members, err := bob.TransitiveMembers(group)
	if err != nil {
		t.Fatalf("TransitiveMembers: %v", err)
	}
	if members[carol.id] != auth.AccessRead || members[dave.id] != auth.AccessRead {
		t.Fatalf("expected both carol and dave admitted, got %+v", members)
	}
}
