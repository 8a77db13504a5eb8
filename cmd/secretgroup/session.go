// Session persistence for the secretgroup CLI: one actor's identity,
// the shared pre-key directory it has seen, and every group arena it
// holds, gob-encoded to a single file between invocations. There is no
// transport in scope (spec.md §1), so relaying the GroupMessage one
// command prints is left to the operator — copy the file, pass it to
// the next command's --in flag.
package main

import (
	"encoding/gob"
	"fmt"
	"os"

	"secretgroup/internal/auth"
	"secretgroup/internal/coordinator"
	"secretgroup/internal/keystore"
)

// Session is the CLI's on-disk state for a single actor.
type Session struct {
	Identity keystore.Identity
	Bundles  map[coordinator.MemberID][]keystore.PreKeyBundle
	Groups   map[coordinator.GroupID]coordinator.GroupSnapshot
}

func newSession(identity keystore.Identity) *Session {
	return &Session{
		Identity: identity,
		Bundles:  make(map[coordinator.MemberID][]keystore.PreKeyBundle),
		Groups:   make(map[coordinator.GroupID]coordinator.GroupSnapshot),
	}
}

func loadSession(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", path, err)
	}
	defer f.Close()
	var s Session
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", path, err)
	}
	if s.Bundles == nil {
		s.Bundles = make(map[coordinator.MemberID][]keystore.PreKeyBundle)
	}
	if s.Groups == nil {
		s.Groups = make(map[coordinator.GroupID]coordinator.GroupSnapshot)
	}
	return &s, nil
}

func saveSession(path string, s *Session) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create session %s: %w", path, err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(s); err != nil {
		return fmt.Errorf("encode session %s: %w", path, err)
	}
	return nil
}

// Envelope is what a control-op or send command writes via --out: the
// GroupMessage to relay, plus — for create/add-member/remove-member —
// the full Auth CRDT history up to and including this op, so a
// recipient who hasn't joined yet can do so from this one file without
// a separate round trip for history (spec.md §6's rebuild requirement).
type Envelope struct {
	Message *coordinator.GroupMessage
	History []*auth.Operation
}

func loadEnvelope(path string) (*Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open message %s: %w", path, err)
	}
	defer f.Close()
	var env Envelope
	if err := gob.NewDecoder(f).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", path, err)
	}
	return &env, nil
}

func saveEnvelope(path string, env *Envelope) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create message %s: %w", path, err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(env); err != nil {
		return fmt.Errorf("encode message %s: %w", path, err)
	}
	return nil
}
