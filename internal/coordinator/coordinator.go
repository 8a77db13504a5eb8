// Package coordinator composes the Auth CRDT, the Encryption Group, and
// the Causal Orderer into the pipeline an actor actually drives: verify
// a message's signatures, feed any control payload through the Causal
// Orderer, route each op the orderer releases to its owning
// sub-component, and hand the host back whatever plaintext or
// membership-change events fell out.
//
// One Actor holds the per-actor state shared across every group it
// belongs to (the key manager and key registry) plus a per-GroupId
// arena of that group's own Auth CRDT, Encryption Group, and Causal
// Orderer. Arenas never reference each other directly; cross-group
// references are GroupId lookups through the Actor, the same
// arena-over-pointers shape spec.md §9 asks for in place of the
// cyclic manager/group/orderer ownership its source used.
package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"secretgroup/internal/auth"
	"secretgroup/internal/encryption"
	"secretgroup/internal/keystore"
	"secretgroup/internal/orderer"
	"secretgroup/internal/xcrypto"

	"github.com/sirupsen/logrus"
)

// MemberID, GroupID, and OpID are the same comparable digest type used
// throughout the Auth CRDT, Encryption Group, and Causal Orderer, so a
// single id space is shared across all three op streams.
type MemberID = xcrypto.Digest
type GroupID = xcrypto.Digest
type OpID = xcrypto.Digest

// MessageKind classifies a GroupMessage for the host, mirroring the wire
// format's payload_tag groupings without committing to its exact byte
// values — this package never serialises a GroupMessage to bytes itself
// (see DESIGN.md: byte-level wire encoding is out of scope absent a
// transport to carry it over).
type MessageKind uint8

const (
	KindCreate MessageKind = iota
	KindAdd
	KindRemove
	KindPromote
	KindDemote
	KindUpdate
	KindApplication
)

// GroupMessage is a message addressed to one group: an optional Auth
// CRDT control operation, and/or an optional Encryption Group payload
// (a membership commit, an application ciphertext, or both together for
// Create/Add/Remove).
//
// The wire format's "combined auth+encryption messages for the same
// membership change share one op id and one signature" is approximated
// here, not implemented literally: Auth and Enc remain two
// independently-signed payloads carried in the same envelope rather
// than one jointly-signed tuple. See DESIGN.md for why — briefly, the
// two sub-components sign semantically different bytes (an access
// grant vs. a key-schedule commit) and merging their signatures would
// require a new combined canonical encoding neither internal/auth nor
// internal/encryption currently has a reason to support on its own.
type GroupMessage struct {
	Kind   MessageKind
	Sender MemberID
	Auth   *auth.Operation
	Enc    encryption.WireMessage
}

// id returns the identifier the Causal Orderer gates this message
// under: the Auth operation's id when present, else the Encryption
// commit's id. A pure application message (no control payload) has no
// id and never enters the orderer — its ordering is the ratchet's own
// generation counter and skipped-key window.
func (gm *GroupMessage) id() (OpID, bool) {
	if gm.Auth != nil {
		return gm.Auth.ID, true
	}
	if gm.Enc.Commit != nil {
		return gm.Enc.Commit.ID, true
	}
	return OpID{}, false
}

// secondaryID returns the Encryption commit's id when a message carries
// both an Auth operation and an Encryption commit (Add/Remove): the two
// are applied atomically as one unit in route, but a later message's
// deps may reference either this op's Auth.ID (via Previous) or its
// Enc.Commit.ID (via another Enc commit's own Previous chain) — the
// orderer needs to learn both ids are ready together once the unit is
// routed, not just the one id it was gated under.
func (gm *GroupMessage) secondaryID() (OpID, bool) {
	if gm.Auth != nil && gm.Enc.Commit != nil {
		return gm.Enc.Commit.ID, true
	}
	return OpID{}, false
}

// deps returns every id this message's id must wait behind before the
// orderer releases it.
func (gm *GroupMessage) deps() []OpID {
	var deps []OpID
	if gm.Auth != nil {
		deps = append(deps, gm.Auth.Previous...)
		deps = append(deps, gm.Auth.Dependencies...)
	}
	if gm.Enc.Commit != nil {
		deps = append(deps, gm.Enc.Commit.Previous...)
	}
	return deps
}

func (gm *GroupMessage) verify() error {
	if gm.Auth != nil && !gm.Auth.Verify() {
		return auth.ErrInvalidSignature
	}
	if gm.Enc.Commit != nil && !gm.Enc.Commit.Verify() {
		return encryption.ErrInvalidSignature
	}
	return nil
}

// Output is what Deliver hands back to the host for one routed op:
// decrypted application plaintext and/or a membership-change event.
type Output struct {
	HasPlaintext      bool
	Plaintext         []byte
	MembershipChanged bool
	// MemberRemoved reports that this actor itself was removed from the
	// group's Encryption Group by the routed commit.
	MemberRemoved bool
}

// arena is one group's owned state. Its three fields are never shared
// with another arena; the only state reachable from two arenas at once
// is the Actor's own keyManager/keyRegistry.
type arena struct {
	auth *auth.State
	enc  *encryption.State
	ord  *orderer.State

	// buffered holds a GroupMessage queued into ord but not yet released,
	// indexed by the id ord tracks it under, so a later NextReady can be
	// paired back up with its payload.
	buffered map[OpID]*GroupMessage
}

// markReady tells ord that id is already satisfied without going
// through Queue's normal dependency accounting — used whenever this
// arena's own auth/encryption state advances by a path other than
// Deliver (self-authoring an op, or replaying history on Join), so the
// orderer's ready-set never diverges from what the state machines
// actually know. Queue with no Deps always promotes immediately.
func (ar *arena) markReady(id OpID) {
	ar.ord.Queue(orderer.Op{ID: id})
}

// ErrUnknownGroup is returned by any Actor method addressing a group the
// actor has neither created nor joined.
var ErrUnknownGroup = errors.New("coordinator: unknown group")

// ErrAlreadyJoined is returned by Join/CreateGroup when the actor already
// has an arena for group.
var ErrAlreadyJoined = errors.New("coordinator: already a member of this group")

// Actor is one participant's handle: the per-actor key material shared
// across every group it belongs to, plus the per-GroupId arena map.
// KeyManager and KeyRegistry are the only objects shared across groups
// for this actor (spec.md §5); they carry their own internal mutex.
// Everything else here follows the single-threaded-per-group scheduling
// model: callers are expected not to call Actor methods for the same
// group concurrently from two goroutines, the same discipline
// auth.State and orderer.State already assume.
type Actor struct {
	id          MemberID
	keyManager  *keystore.Manager
	keyRegistry *keystore.Registry
	rng         xcrypto.RNG
	log         *logrus.Entry

	mu     sync.Mutex
	arenas map[GroupID]*arena
}

// NewActor creates an Actor backed by km and reg, which it will share
// across every group it subsequently creates or joins.
func NewActor(id MemberID, km *keystore.Manager, reg *keystore.Registry, rng xcrypto.RNG, log *logrus.Entry) *Actor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Actor{
		id:          id,
		keyManager:  km,
		keyRegistry: reg,
		rng:         rng,
		log:         log.WithField("component", "coordinator").WithField("actor", id.String()[:8]),
		arenas:      make(map[GroupID]*arena),
	}
}

func (a *Actor) arena(group GroupID) (*arena, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ar, ok := a.arenas[group]
	if !ok {
		return nil, ErrUnknownGroup
	}
	return ar, nil
}

// CreateGroup authors and locally applies this actor's genesis operation
// for both the Auth CRDT and the Encryption Group, returning the single
// envelope to fan out to every initial individual member. initial may
// also name nested groups (Member.Group); those are recorded in the
// Auth CRDT but have no Encryption Group counterpart of their own here,
// since the Encryption Group only ever admits individuals directly.
func (a *Actor) CreateGroup(group GroupID, initial []auth.InitialMember) (*GroupMessage, error) {
	a.mu.Lock()
	if _, exists := a.arenas[group]; exists {
		a.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	a.mu.Unlock()

	encState, err := encryption.Init(group, a.id, a.keyManager, a.keyRegistry, 0, a.log)
	if err != nil {
		return nil, fmt.Errorf("coordinator: init encryption group: %w", err)
	}
	authState := auth.New(group, a.log)

	authOp, err := authState.Create(a.id, a.keyManager.Sign, initial)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create auth group: %w", err)
	}

	var members []encryption.MemberID
	for _, m := range initial {
		if m.Member.Individual != nil {
			members = append(members, *m.Member.Individual)
		}
	}
	encMsg, err := encState.Create(a.rng, members)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create encryption group: %w", err)
	}

	ar := &arena{auth: authState, enc: encState, ord: orderer.New(a.log), buffered: make(map[OpID]*GroupMessage)}
	ar.markReady(authOp.ID)
	ar.markReady(encMsg.Commit.ID)

	a.mu.Lock()
	a.arenas[group] = ar
	a.mu.Unlock()

	a.log.WithField("group", group.String()[:8]).Info("created group")
	return &GroupMessage{Kind: KindCreate, Sender: a.id, Auth: authOp, Enc: encMsg}, nil
}

// Join admits this actor into an already-existing group: it rebuilds
// the Auth CRDT from history — the ordered sequence of operations up to
// and including whichever op admitted this actor, which the host must
// be able to supply per the wire format's rebuild requirement
// (spec.md §6) — then joins the Encryption Group from the welcome
// message's direct message addressed to this actor.
func (a *Actor) Join(group GroupID, history []*auth.Operation, welcome encryption.WireMessage) error {
	a.mu.Lock()
	if _, exists := a.arenas[group]; exists {
		a.mu.Unlock()
		return ErrAlreadyJoined
	}
	a.mu.Unlock()

	authState := auth.New(group, a.log)
	ord := orderer.New(a.log)
	for _, op := range history {
		if err := authState.Process(op); err != nil {
			return fmt.Errorf("coordinator: rebuild auth history: %w", err)
		}
		ord.Queue(orderer.Op{ID: op.ID})
	}

	var dm encryption.DirectMessage
	for _, d := range welcome.DirectMessages {
		if d.Recipient == a.id {
			dm = d
			break
		}
	}
	roster := make([]encryption.MemberID, 0, len(authState.TransitiveMembers()))
	for id := range authState.TransitiveMembers() {
		roster = append(roster, id)
	}
	encState, err := encryption.JoinFromWelcome(group, a.id, roster, a.keyManager, a.keyRegistry, 0, a.log, welcome.Commit, dm)
	if err != nil {
		return fmt.Errorf("coordinator: join encryption group: %w", err)
	}
	if welcome.Commit != nil {
		ord.Queue(orderer.Op{ID: welcome.Commit.ID})
	}

	a.mu.Lock()
	a.arenas[group] = &arena{auth: authState, enc: encState, ord: ord, buffered: make(map[OpID]*GroupMessage)}
	a.mu.Unlock()

	a.log.WithField("group", group.String()[:8]).Info("joined group")
	return nil
}

// AddMember authors an Auth CRDT grant and an Encryption Group Add for
// member, applies both locally, and returns the envelope to fan out.
//
// Prepare's own doc comment describes the general path (feed through
// the Causal Orderer, then Process) for an op arriving from somewhere
// else; the authoring actor applies its own op immediately instead,
// since it just computed Previous from its own current heads and so can
// never be missing a dependency Process would reject.
func (a *Actor) AddMember(group GroupID, member MemberID, access auth.Access) (*GroupMessage, error) {
	ar, err := a.arena(group)
	if err != nil {
		return nil, err
	}
	authOp, err := ar.auth.Prepare(a.id, a.keyManager.Sign, auth.Action{
		Kind:   auth.ActionAdd,
		Member: auth.Member{Individual: &member},
		Access: access,
	})
	if err != nil {
		return nil, err
	}
	if err := ar.auth.Process(authOp); err != nil {
		return nil, err
	}
	ar.markReady(authOp.ID)
	encMsg, err := ar.enc.Add(a.rng, member)
	if err != nil {
		return nil, err
	}
	ar.markReady(encMsg.Commit.ID)
	return &GroupMessage{Kind: KindAdd, Sender: a.id, Auth: authOp, Enc: encMsg}, nil
}

// RemoveMember authors an Auth CRDT removal and an Encryption Group
// Remove for member, applies both locally, and returns the envelope to
// fan out. After this, member can derive no future epoch secret for the
// group (post-compromise security, spec.md §8 P4).
func (a *Actor) RemoveMember(group GroupID, member MemberID) (*GroupMessage, error) {
	ar, err := a.arena(group)
	if err != nil {
		return nil, err
	}
	authOp, err := ar.auth.Prepare(a.id, a.keyManager.Sign, auth.Action{
		Kind:   auth.ActionRemove,
		Remove: auth.Member{Individual: &member},
	})
	if err != nil {
		return nil, err
	}
	if err := ar.auth.Process(authOp); err != nil {
		return nil, err
	}
	ar.markReady(authOp.ID)
	encMsg, err := ar.enc.Remove(a.rng, member)
	if err != nil {
		return nil, err
	}
	ar.markReady(encMsg.Commit.ID)
	return &GroupMessage{Kind: KindRemove, Sender: a.id, Auth: authOp, Enc: encMsg}, nil
}

// PromoteMember raises member's Auth CRDT access. This has no
// Encryption Group counterpart: the ratchet only cares about
// membership, not access level.
func (a *Actor) PromoteMember(group GroupID, member MemberID, access auth.Access) (*GroupMessage, error) {
	return a.changeAccess(group, auth.ActionPromote, member, access)
}

// DemoteMember lowers member's Auth CRDT access. See PromoteMember.
func (a *Actor) DemoteMember(group GroupID, member MemberID, access auth.Access) (*GroupMessage, error) {
	return a.changeAccess(group, auth.ActionDemote, member, access)
}

func (a *Actor) changeAccess(group GroupID, kind auth.ActionKind, member MemberID, access auth.Access) (*GroupMessage, error) {
	ar, err := a.arena(group)
	if err != nil {
		return nil, err
	}
	authOp, err := ar.auth.Prepare(a.id, a.keyManager.Sign, auth.Action{
		Kind:   kind,
		Member: auth.Member{Individual: &member},
		Access: access,
	})
	if err != nil {
		return nil, err
	}
	if err := ar.auth.Process(authOp); err != nil {
		return nil, err
	}
	ar.markReady(authOp.ID)
	kindOut := KindPromote
	if kind == auth.ActionDemote {
		kindOut = KindDemote
	}
	return &GroupMessage{Kind: kindOut, Sender: a.id, Auth: authOp}, nil
}

// Update rotates the Encryption Group's secret without a membership
// change, giving every active member a forward-secrecy heartbeat. There
// is no Auth CRDT counterpart.
func (a *Actor) Update(group GroupID) (*GroupMessage, error) {
	ar, err := a.arena(group)
	if err != nil {
		return nil, err
	}
	encMsg, err := ar.enc.Update(a.rng)
	if err != nil {
		return nil, err
	}
	ar.markReady(encMsg.Commit.ID)
	return &GroupMessage{Kind: KindUpdate, Sender: a.id, Enc: encMsg}, nil
}

// Send seals plaintext under this actor's current sender chain.
func (a *Actor) Send(group GroupID, plaintext []byte) (*GroupMessage, error) {
	ar, err := a.arena(group)
	if err != nil {
		return nil, err
	}
	encMsg, err := ar.enc.Send(a.rng, plaintext)
	if err != nil {
		return nil, err
	}
	return &GroupMessage{Kind: KindApplication, Sender: a.id, Enc: encMsg}, nil
}

// Deliver runs the verify → queue → route → emit pipeline for an
// incoming GroupMessage (step numbering follows spec.md §4.4):
//
//  1. Verify every signature the message carries, before it ever touches
//     the orderer or either sub-component's state.
//  2. A message with a control payload (Auth and/or an Encryption
//     commit) is queued into the Causal Orderer and the ready stream is
//     drained; a pure application message bypasses the orderer entirely.
//  3. Each op the orderer releases is routed to its owning
//     sub-component(s).
//  4. The resulting plaintext and/or membership-change events are
//     returned to the host, one Output per routed op.
func (a *Actor) Deliver(group GroupID, gm *GroupMessage) ([]Output, error) {
	ar, err := a.arena(group)
	if err != nil {
		return nil, err
	}
	if err := gm.verify(); err != nil {
		return nil, err
	}

	id, hasID := gm.id()
	if !hasID {
		out, err := a.route(ar, gm)
		if err != nil {
			return nil, err
		}
		return []Output{out}, nil
	}

	if ar.ord.IsKnown(id) {
		return nil, nil // AlreadyProcessed: idempotent success, nothing new to emit.
	}
	ar.buffered[id] = gm
	ar.ord.Queue(orderer.Op{ID: id, Deps: gm.deps()})

	var outs []Output
	for {
		readyOp, ok := ar.ord.NextReady()
		if !ok {
			break
		}
		readyMsg, ok := ar.buffered[readyOp.ID]
		if !ok {
			continue
		}
		delete(ar.buffered, readyOp.ID)
		out, err := a.route(ar, readyMsg)
		if err != nil {
			return outs, err
		}
		if secondary, ok := readyMsg.secondaryID(); ok {
			ar.markReady(secondary)
		}
		outs = append(outs, out)
	}
	return outs, nil
}

// route applies a single ready GroupMessage's payload(s) to the arena's
// sub-components and returns what happened.
//
// Atomicity (spec.md §4.4): the Encryption Group payload is applied
// first, but only after ar.auth.CanProcess has confirmed — without
// mutating anything — that the Auth payload would also succeed. The
// only way this ordering still leaves a combined message half-applied
// is a failure inside auth.Process itself after CanProcess already
// approved it, which cannot happen barring a concurrent, disallowed
// second writer on the same arena (see Actor's concurrency note).
func (a *Actor) route(ar *arena, gm *GroupMessage) (Output, error) {
	var out Output

	if gm.Auth != nil {
		if err := ar.auth.CanProcess(gm.Auth); err != nil {
			return Output{}, err
		}
	}

	if gm.Enc.Commit != nil || len(gm.Enc.Ciphertext) != 0 {
		encOut, err := ar.enc.Receive(gm.Enc, gm.Sender)
		if err != nil {
			return Output{}, err
		}
		out.HasPlaintext = encOut.HasPlaintext
		out.Plaintext = encOut.Plaintext
		out.MemberRemoved = encOut.Removed
	}

	if gm.Auth != nil {
		if err := ar.auth.Process(gm.Auth); err != nil {
			return out, fmt.Errorf("coordinator: auth process after a successful CanProcess check: %w", err)
		}
		out.MembershipChanged = true
	}

	return out, nil
}

// Heads returns the Auth CRDT's current causal frontier for group, for a
// caller that is about to author a new control operation.
func (a *Actor) Heads(group GroupID) ([]auth.OperationID, error) {
	ar, err := a.arena(group)
	if err != nil {
		return nil, err
	}
	return ar.auth.Heads(), nil
}

// TransitiveMembers returns group's materialised access map at its
// current heads.
func (a *Actor) TransitiveMembers(group GroupID) (map[MemberID]auth.Access, error) {
	ar, err := a.arena(group)
	if err != nil {
		return nil, err
	}
	return ar.auth.TransitiveMembers(), nil
}

// GroupSnapshot is a persistable copy of one arena: the Auth CRDT's
// full operation log (replayed through auth.State.Process to rebuild
// it exactly) plus the Encryption Group's secret state. The Causal
// Orderer is never snapshotted — a CLI host only ever self-authors
// through this Actor's own methods, which seed the orderer as they go
// (see arena.markReady); it is never the target of someone else's
// Deliver call, so a freshly-built orderer.State on import is already
// correct.
type GroupSnapshot struct {
	AuthOps []*auth.Operation
	Enc     encryption.Snapshot
}

// ExportGroup snapshots group's arena for persistence across a process
// restart.
func (a *Actor) ExportGroup(group GroupID) (GroupSnapshot, error) {
	ar, err := a.arena(group)
	if err != nil {
		return GroupSnapshot{}, err
	}
	return GroupSnapshot{AuthOps: ar.auth.AllOps(), Enc: ar.enc.Export()}, nil
}

// ImportGroup rebuilds group's arena from a previously-exported
// GroupSnapshot, replaying its Auth CRDT history and restoring the
// Encryption Group's secret state.
func (a *Actor) ImportGroup(group GroupID, snap GroupSnapshot) error {
	a.mu.Lock()
	if _, exists := a.arenas[group]; exists {
		a.mu.Unlock()
		return ErrAlreadyJoined
	}
	a.mu.Unlock()

	authState := auth.New(group, a.log)
	ord := orderer.New(a.log)
	for _, op := range snap.AuthOps {
		if err := authState.Process(op); err != nil {
			return fmt.Errorf("coordinator: replay auth history: %w", err)
		}
		ord.Queue(orderer.Op{ID: op.ID})
	}

	encState, err := encryption.Import(snap.Enc, a.keyManager, a.keyRegistry, a.log)
	if err != nil {
		return fmt.Errorf("coordinator: import encryption state: %w", err)
	}

	a.mu.Lock()
	a.arenas[group] = &arena{auth: authState, enc: encState, ord: ord, buffered: make(map[OpID]*GroupMessage)}
	a.mu.Unlock()

	a.log.WithField("group", group.String()[:8]).Info("restored group from snapshot")
	return nil
}
