// Package orderer implements a dependency-checked queue that gates every
// operation until its previous ∪ dependencies are already ready, and
// emits a linear ready stream to consumers.
//
// State is per-group; the zero value of State is not ready
// to use, construct one with New.
package orderer

import (
	"secretgroup/internal/xcrypto"

	"github.com/sirupsen/logrus"
)

// OpID identifies an operation by the hash of its canonical encoding.
// The orderer is payload-agnostic: it only needs an operation's id and
// the ids it depends on.
type OpID = xcrypto.Digest

// Op is anything the orderer can gate: an id plus the set of ids that
// must be ready before this one is.
type Op struct {
	ID   OpID
	Deps []OpID
}

// pending tracks one not-yet-ready op waiting on a shrinking set of
// missing dependencies.
type pending struct {
	op      Op
	missing map[OpID]struct{}
}

// State is the orderer's per-group state: which ops are ready, the ready
// FIFO not yet drained by the consumer, and the pending index keyed by
// each missing dependency.
type State struct {
	ready     map[OpID]struct{}
	readyFIFO []Op

	// waiters maps a not-yet-ready dependency to the pending ops that
	// list it as missing, so satisfying one dependency promotes every
	// op blocked on it in one pass (the recursive "promote dependents"
	// step of Queue).
	waiters map[OpID][]*pending
	// byID holds every buffered, not-yet-ready op; together with ready it
	// lets Queue no-op against an op already buffered or already emitted,
	// satisfying O2 (at-most-once ready).
	byID map[OpID]*pending

	log *logrus.Entry
}

// New creates an empty orderer State.
func New(log *logrus.Entry) *State {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &State{
		ready:   make(map[OpID]struct{}),
		waiters: make(map[OpID][]*pending),
		byID:    make(map[OpID]*pending),
		log:     log.WithField("component", "orderer"),
	}
}

// Ready reports whether every id in deps has already been emitted as
// ready.
func (s *State) Ready(deps []OpID) bool {
	for _, d := range deps {
		if _, ok := s.ready[d]; !ok {
			return false
		}
	}
	return true
}

// IsKnown reports whether op has already been queued (ready, pending, or
// previously emitted) so callers can detect duplicate delivery before
// paying for a full Queue call.
func (s *State) IsKnown(id OpID) bool {
	if _, ok := s.ready[id]; ok {
		return true
	}
	_, ok := s.byID[id]
	return ok
}

// Queue records op. If every dependency is already ready, op is appended
// to the ready FIFO immediately and any ops waiting on op are promoted
// recursively; otherwise op is buffered under each of its missing
// dependencies.
//
// Queue is idempotent: queuing the same op id twice is a no-op (O2).
func (s *State) Queue(op Op) {
	if s.IsKnown(op.ID) {
		return
	}

	missing := make(map[OpID]struct{})
	for _, d := range op.Deps {
		if _, ok := s.ready[d]; !ok {
			missing[d] = struct{}{}
		}
	}

	if len(missing) == 0 {
		s.promote(op)
		return
	}

	p := &pending{op: op, missing: missing}
	s.byID[op.ID] = p
	for d := range missing {
		s.waiters[d] = append(s.waiters[d], p)
	}
	s.log.WithField("missing", len(missing)).Debug("op buffered pending dependencies")
}

// promote marks op ready, appends it to the FIFO, and recursively wakes
// any pending ops that were only waiting on op.
func (s *State) promote(op Op) {
	s.ready[op.ID] = struct{}{}
	s.readyFIFO = append(s.readyFIFO, op)
	delete(s.byID, op.ID)

	waiting := s.waiters[op.ID]
	delete(s.waiters, op.ID)

	for _, p := range waiting {
		delete(p.missing, op.ID)
		if len(p.missing) == 0 {
			s.promote(p.op)
		}
	}
}

// NextReady pops the head of the ready FIFO, or returns ok=false if
// nothing is ready yet.
func (s *State) NextReady() (Op, bool) {
	if len(s.readyFIFO) == 0 {
		return Op{}, false
	}
	op := s.readyFIFO[0]
	s.readyFIFO = s.readyFIFO[1:]
	return op, true
}

// PendingCount returns how many ops are currently buffered awaiting
// dependencies, for a host-side back-pressure cap.
func (s *State) PendingCount() int {
	return len(s.byID)
}
