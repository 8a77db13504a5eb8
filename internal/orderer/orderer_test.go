package orderer

import (
	"testing"

	"secretgroup/internal/xcrypto"
)

func id(b byte) OpID {
	return xcrypto.Hash([]byte{b})
}

func TestGapFillOrdering(t *testing.T) {
	// op3 depends on op2, which depends on op1;
	// inject op3 before op1/op2 and confirm nothing is emitted early.
	s := New(nil)

	op1 := Op{ID: id(1)}
	op2 := Op{ID: id(2), Deps: []OpID{id(1)}}
	op3 := Op{ID: id(3), Deps: []OpID{id(2)}}

	s.Queue(op3)
	if _, ok := s.NextReady(); ok {
		t.Fatalf("expected nothing ready before dependencies arrive")
	}

	s.Queue(op1)
	got1, ok := s.NextReady()
	if !ok || got1.ID != op1.ID {
		t.Fatalf("expected op1 ready first")
	}
	if _, ok := s.NextReady(); ok {
		t.Fatalf("expected no further ready ops yet")
	}

	s.Queue(op2)
	got2, ok := s.NextReady()
	if !ok || got2.ID != op2.ID {
		t.Fatalf("expected op2 ready next")
	}
	got3, ok := s.NextReady()
	if !ok || got3.ID != op3.ID {
		t.Fatalf("expected op3 promoted once op2 became ready")
	}
	if _, ok := s.NextReady(); ok {
		t.Fatalf("expected ready queue drained")
	}
}

func TestQueueIdempotent(t *testing.T) {
	s := New(nil)
	op := Op{ID: id(1)}
	s.Queue(op)
	s.Queue(op)

	_, ok := s.NextReady()
	if !ok {
		t.Fatalf("expected op ready")
	}
	if _, ok := s.NextReady(); ok {
		t.Fatalf("op emitted twice, violates O2 (at-most-once ready)")
	}
}

func TestQueueIdempotentWhilePending(t *testing.T) {
	s := New(nil)
	op2 := Op{ID: id(2), Deps: []OpID{id(1)}}
	s.Queue(op2)
	s.Queue(op2) // duplicate delivery while still pending

	if s.PendingCount() != 1 {
		t.Fatalf("expected exactly one pending entry, got %d", s.PendingCount())
	}

	s.Queue(Op{ID: id(1)})
	if _, ok := s.NextReady(); !ok {
		t.Fatalf("expected op1 ready")
	}
	if _, ok := s.NextReady(); !ok {
		t.Fatalf("expected op2 ready exactly once")
	}
	if _, ok := s.NextReady(); ok {
		t.Fatalf("op2 emitted twice despite duplicate Queue call")
	}
}

func TestMultipleDependentsPromoted(t *testing.T) {
	s := New(nil)
	root := Op{ID: id(1)}
	a := Op{ID: id(2), Deps: []OpID{id(1)}}
	b := Op{ID: id(3), Deps: []OpID{id(1)}}

	s.Queue(a)
	s.Queue(b)
	s.Queue(root)

	seen := map[OpID]bool{}
	for i := 0; i < 3; i++ {
		op, ok := s.NextReady()
		if !ok {
			t.Fatalf("expected 3 ready ops, got %d", i)
		}
		seen[op.ID] = true
	}
	if !seen[root.ID] || !seen[a.ID] || !seen[b.ID] {
		t.Fatalf("expected all three ops to become ready")
	}
}

func TestReadyHelper(t *testing.T) {
	s := New(nil)
	s.Queue(Op{ID: id(1)})
	s.NextReady()

	if !s.Ready([]OpID{id(1)}) {
		t.Fatalf("expected id(1) to be ready")
	}
	if s.Ready([]OpID{id(1), id(2)}) {
		t.Fatalf("expected false when one dep is not ready")
	}
}
