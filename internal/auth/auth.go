// Package auth implements a decentralised group-membership and
// access-control state machine driven
// by signed control operations that reference each other by hash, forming
// a DAG.
//
// All functions are pure state transitions: they return a new (or
// mutated-in-place, teacher idiom) state plus any emitted
// operation, never silently reaching outside for I/O.
package auth

import (
	"errors"
	"fmt"
	"sort"

	"secretgroup/internal/xcrypto"

	"github.com/sirupsen/logrus"
)

// MemberID identifies an individual's long-term identity.
type MemberID = xcrypto.Digest

// GroupID identifies a group; a group may itself be a member
// of another group (nested groups).
type GroupID = xcrypto.Digest

// OperationID is the hash of an operation's canonical encoding.
type OperationID = xcrypto.Digest

// Access is the lattice pull < read < write < manage.
type Access uint8

const (
	AccessNone Access = iota
	AccessPull
	AccessRead
	AccessWrite
	AccessManage
)

func (a Access) String() string {
	switch a {
	case AccessPull:
		return "pull"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessManage:
		return "manage"
	default:
		return "none"
	}
}

// meet returns the greatest-lower-bound of two access levels, i.e. the
// smaller one — the deterministic, commutative choice the resolver uses
// so concurrent grants never silently elevate privilege.
func meet(a, b Access) Access {
	if a < b {
		return a
	}
	return b
}

// Member is either an individual identity or a nested group.
type Member struct {
	Individual *MemberID
	Group      *GroupID
}

func memberOf(id MemberID) Member      { return Member{Individual: &id} }
func memberOfGroup(id GroupID) Member  { return Member{Group: &id} }

// Key returns a comparable, stable identity for use as a map key,
// distinguishing an individual id from a group id even if their raw
// bytes happened to collide.
func (m Member) Key() string {
	if m.Individual != nil {
		return "i:" + string(m.Individual[:])
	}
	return "g:" + string(m.Group[:])
}

func (m Member) String() string {
	if m.Individual != nil {
		return m.Individual.String()
	}
	return "group:" + m.Group.String()
}

// ActionKind tags which AuthAction variant an operation carries.
type ActionKind uint8

const (
	ActionCreate ActionKind = iota
	ActionAdd
	ActionRemove
	ActionPromote
	ActionDemote
)

// InitialMember pairs a member with the access they start with, used only
// by Create.
type InitialMember struct {
	Member Member
	Access Access
}

// Action is the payload of an Operation.
type Action struct {
	Kind ActionKind

	// Create
	InitialMembers []InitialMember

	// Add / Promote / Demote
	Member Member
	Access Access

	// Remove
	Remove Member

	// Conditions are opaque to the core; only carried for the
	// application's benefit.
	Conditions []byte
}

func (a Action) tag() byte {
	switch a.Kind {
	case ActionCreate:
		return 0x01
	case ActionAdd:
		return 0x02
	case ActionRemove:
		return 0x03
	case ActionPromote:
		return 0x04
	case ActionDemote:
		return 0x05
	default:
		return 0xFF
	}
}

// Operation is a signed, hash-linked control operation.
type Operation struct {
	ID           OperationID
	Author       MemberID
	GroupID      GroupID
	Previous     []OperationID
	Dependencies []OperationID
	Action       Action
	Signature    []byte
}

// canonicalBytes produces the deterministic encoding an Operation's id
// and signature are computed over: ascending-sorted id sets so that two
// replicas that saw the same set in a different arrival order hash the
// same operation.
func (op *Operation) canonicalBytes() []byte {
	prev := sortedIDs(op.Previous)
	deps := sortedIDs(op.Dependencies)

	buf := make([]byte, 0, 256)
	buf = append(buf, op.GroupID[:]...)
	buf = append(buf, op.Author[:]...)
	for _, p := range prev {
		buf = append(buf, p[:]...)
	}
	for _, d := range deps {
		buf = append(buf, d[:]...)
	}
	buf = append(buf, op.Action.tag())
	buf = append(buf, encodeAction(op.Action)...)
	return buf
}

func sortedIDs(ids []OperationID) []OperationID {
	out := append([]OperationID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func encodeAction(a Action) []byte {
	var buf []byte
	switch a.Kind {
	case ActionCreate:
		members := append([]InitialMember(nil), a.InitialMembers...)
		sort.Slice(members, func(i, j int) bool { return members[i].Member.Key() < members[j].Member.Key() })
		for _, m := range members {
			buf = append(buf, []byte(m.Member.Key())...)
			buf = append(buf, byte(m.Access))
		}
	case ActionAdd, ActionPromote, ActionDemote:
		buf = append(buf, []byte(a.Member.Key())...)
		buf = append(buf, byte(a.Access))
	case ActionRemove:
		buf = append(buf, []byte(a.Remove.Key())...)
	}
	buf = append(buf, a.Conditions...)
	return buf
}

// sign finalises op: computes its canonical id and signs it via signFn,
// which signs arbitrary bytes under the author's long-term identity key
// — callers pass keystore.Manager.Sign so this package never touches a
// raw private key directly. The caller must have already set
// Author/GroupID/Previous/Dependencies/Action.
func (op *Operation) sign(signFn func([]byte) []byte) {
	body := op.canonicalBytes()
	op.ID = xcrypto.Hash(body)
	op.Signature = signFn(append(body, op.ID[:]...))
}

// Verify checks op's signature against its claimed author.
func (op *Operation) Verify() bool {
	body := op.canonicalBytes()
	id := xcrypto.Hash(body)
	if id != op.ID {
		return false
	}
	return xcrypto.Verify(op.Author.PublicKey(), append(body, op.ID[:]...), op.Signature)
}

// Errors.
var (
	ErrAlreadyCreated   = errors.New("auth: group already created")
	ErrNotAuthorised    = errors.New("auth: author lacks manage access")
	ErrUnknownDependency = errors.New("auth: unknown dependency")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrAlreadyProcessed = errors.New("auth: operation already processed")
)

// State is the per-group Auth CRDT state: the set
// of processed operations, current heads, and the materialised access
// map as of the last Process call.
type State struct {
	GroupID GroupID

	ops   map[OperationID]*Operation
	heads map[OperationID]struct{}

	// children indexes, for each op, the ops that name it in Previous —
	// used to recompute heads and to find "the view at op.Previous" when
	// checking prepare-time authority.
	children map[OperationID][]OperationID

	created bool

	log *logrus.Entry
}

// New creates an empty Auth CRDT state for a not-yet-created group.
func New(group GroupID, log *logrus.Entry) *State {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &State{
		GroupID:  group,
		ops:      make(map[OperationID]*Operation),
		heads:    make(map[OperationID]struct{}),
		children: make(map[OperationID][]OperationID),
		log:      log.WithField("component", "auth"),
	}
}

// Heads returns the operations with no known successor in this group.
func (s *State) Heads() []OperationID {
	out := make([]OperationID, 0, len(s.heads))
	for id := range s.heads {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// AllOps returns every processed operation in a causal order (each op
// after everything it names in Previous) suitable for replaying into a
// fresh State via New+Process, e.g. to persist and reload this State
// across a process restart without re-deriving any secret material —
// the Auth CRDT's own convergence guarantee makes that replay exact.
func (s *State) AllOps() []*Operation {
	inDegree := make(map[OperationID]int, len(s.ops))
	for id, op := range s.ops {
		inDegree[id] = len(op.Previous)
	}
	var ready []OperationID
	for id, n := range inDegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Less(ready[j]) })

	out := make([]*Operation, 0, len(s.ops))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, s.ops[id])
		var newlyReady []OperationID
		for _, child := range s.children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				newlyReady = append(newlyReady, child)
			}
		}
		sort.Slice(newlyReady, func(i, j int) bool { return newlyReady[i].Less(newlyReady[j]) })
		ready = append(ready, newlyReady...)
	}
	return out
}

// Create produces and processes the group's Create operation. signFn signs
// arbitrary bytes under the author's long-term identity key — callers pass
// keystore.Manager.Sign so this package never touches a raw private key.
// Fails with ErrAlreadyCreated if a create op already exists.
func (s *State) Create(myID MemberID, signFn func([]byte) []byte, initial []InitialMember) (*Operation, error) {
	if s.created {
		return nil, ErrAlreadyCreated
	}
	op := &Operation{
		Author:  myID,
		GroupID: s.GroupID,
		Action: Action{
			Kind:           ActionCreate,
			InitialMembers: initial,
		},
	}
	op.sign(signFn)
	if err := s.Process(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Prepare produces a signed operation whose Previous equals the current
// heads. signFn signs arbitrary bytes under the author's long-term identity
// key — callers pass keystore.Manager.Sign. Prepare does not process the
// operation; callers must feed it through the Causal Orderer then call
// Process.
func (s *State) Prepare(myID MemberID, signFn func([]byte) []byte, action Action) (*Operation, error) {
	view := s.resolve(s.Heads())
	if view[memberOf(myID).Key()] < AccessManage {
		return nil, ErrNotAuthorised
	}
	op := &Operation{
		Author:   myID,
		GroupID:  s.GroupID,
		Previous: s.Heads(),
		Action:   action,
	}
	op.sign(signFn)
	return op, nil
}

// CanProcess reports whether Process(op) would succeed or idempotently
// no-op, without mutating state. The Group Coordinator calls this ahead
// of mutating a combined auth+encryption wire message's encryption half,
// so that an auth failure is caught before anything for that message has
// been applied.
func (s *State) CanProcess(op *Operation) error {
	if _, ok := s.ops[op.ID]; ok {
		return nil
	}
	if !op.Verify() {
		return ErrInvalidSignature
	}
	for _, dep := range op.Previous {
		if _, ok := s.ops[dep]; !ok {
			return ErrUnknownDependency
		}
	}
	if op.Action.Kind == ActionCreate {
		if s.created {
			return ErrAlreadyCreated
		}
	} else if !s.created {
		return fmt.Errorf("auth: %w: group not yet created", ErrUnknownDependency)
	}
	return nil
}

// Process applies op to the state. It is
// idempotent (P7) and fails with ErrUnknownDependency if any entry in
// op.Previous has not been processed yet — the caller (the Group
// Coordinator, via the Causal Orderer) is expected to never let that
// happen because the orderer already gates delivery.
//
// op.Dependencies are not checked here: they may name operations in a
// different group's own Auth CRDT, which this State never
// stores. Ensuring those are already applied before this op is delivered
// is the orderer/coordinator's job, not this state machine's.
func (s *State) Process(op *Operation) error {
	if _, ok := s.ops[op.ID]; ok {
		return nil // idempotent success (AlreadyProcessed)
	}
	if !op.Verify() {
		return ErrInvalidSignature
	}
	for _, dep := range op.Previous {
		if _, ok := s.ops[dep]; !ok {
			return ErrUnknownDependency
		}
	}
	if op.Action.Kind == ActionCreate {
		if s.created {
			return ErrAlreadyCreated
		}
		s.created = true
	} else if !s.created {
		return fmt.Errorf("auth: %w: group not yet created", ErrUnknownDependency)
	}

	s.ops[op.ID] = op
	for _, p := range op.Previous {
		delete(s.heads, p)
		s.children[p] = append(s.children[p], op.ID)
	}
	s.heads[op.ID] = struct{}{}

	s.log.WithFields(logrus.Fields{"op": op.ID.String()[:8], "kind": op.Action.Kind}).Debug("processed operation")
	return nil
}

// TransitiveMembers yields the effective access of every individual
// member of this group at the current heads. Nested groups are not
// flattened: a Group member's own members are not included.
func (s *State) TransitiveMembers() map[MemberID]Access {
	flat := s.resolve(s.Heads())
	out := make(map[MemberID]Access)
	for k, acc := range flat {
		if acc == AccessNone {
			continue
		}
		if k[0] == 'i' {
			var id MemberID
			copy(id[:], []byte(k[2:]))
			if cur, ok := out[id]; !ok || acc > cur {
				out[id] = acc
			}
		}
		// Group members are skipped: this resolver only computes one
		// group's own AuthState, and nothing here looks up the nested
		// group's own State.
	}
	return out
}
