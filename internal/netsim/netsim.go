// Package netsim drives several coordinator.Actor instances over an
// in-memory mailbox network, standing in for a real transport so the
// causal-ordering and membership-convergence properties can be
// exercised end to end: adversarial reordering, duplication, and a
// deterministic RNG so a scenario is exactly reproducible.
package netsim

import (
	"errors"
	"fmt"
	"sync"

	"secretgroup/internal/coordinator"
	"secretgroup/internal/keystore"
	"secretgroup/internal/xcrypto"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Envelope is one GroupMessage in flight, tagged with a correlation id
// for cross-participant log correlation — distinct from the
// content-addressed MemberId/GroupId the core itself uses for
// identity, since an envelope in transit has no identity of its own
// until it is delivered.
type Envelope struct {
	ID      uuid.UUID
	Group   coordinator.GroupID
	From    coordinator.MemberID
	Message *coordinator.GroupMessage
}

// Participant is one simulated actor plus its mailbox: messages queued
// for it in arrival order, addressable by index so a test can simulate
// adversarial reordering or duplication before draining.
type Participant struct {
	ID    coordinator.MemberID
	Actor *coordinator.Actor

	mu      sync.Mutex
	mailbox []Envelope
}

// Enqueue appends env to p's mailbox in arrival order.
func (p *Participant) Enqueue(env Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mailbox = append(p.mailbox, env)
}

// Reorder replaces p's mailbox with the envelopes named by order (each
// an index into the mailbox as it stood before this call), letting a
// test simulate arbitrary network reordering — and, by repeating an
// index, duplication — before anything is drained.
func (p *Participant) Reorder(order []int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make([]Envelope, 0, len(order))
	for _, i := range order {
		if i < 0 || i >= len(p.mailbox) {
			return fmt.Errorf("netsim: reorder index %d out of range (mailbox has %d)", i, len(p.mailbox))
		}
		next = append(next, p.mailbox[i])
	}
	p.mailbox = next
	return nil
}

// DrainOne delivers the head of p's mailbox to its Actor, reporting
// ok=false if the mailbox was empty.
func (p *Participant) DrainOne() (outs []coordinator.Output, ok bool, err error) {
	p.mu.Lock()
	if len(p.mailbox) == 0 {
		p.mu.Unlock()
		return nil, false, nil
	}
	env := p.mailbox[0]
	p.mailbox = p.mailbox[1:]
	p.mu.Unlock()

	outs, err = p.Actor.Deliver(env.Group, env.Message)
	return outs, true, err
}

// DrainAll delivers every currently queued envelope in FIFO order,
// stopping at the first error.
func (p *Participant) DrainAll() ([]coordinator.Output, error) {
	var all []coordinator.Output
	for {
		outs, ok, err := p.DrainOne()
		if err != nil {
			return all, err
		}
		if !ok {
			return all, nil
		}
		all = append(all, outs...)
	}
}

// PendingCount reports how many envelopes are queued for p but not yet
// drained.
func (p *Participant) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mailbox)
}

// ErrUnknownParticipant is returned when a Network operation names a
// member id the Network never added.
var ErrUnknownParticipant = errors.New("netsim: unknown participant")

// Network is a deterministic in-memory message bus fanning
// GroupMessages out to a fixed set of Participants, standing in for a
// real transport (spec.md §2 item 7): every participant shares one RNG
// and one key registry, mirroring a single pre-key directory service
// fronting every actor in a real deployment.
type Network struct {
	rng xcrypto.RNG
	reg *keystore.Registry
	log *logrus.Entry

	mu           sync.Mutex
	participants map[coordinator.MemberID]*Participant
}

// NewNetwork creates an empty Network. Pass a deterministic RNG
// (xcrypto.NewDeterministicRNG) so a scenario built on this Network is
// exactly reproducible from its seed.
func NewNetwork(rng xcrypto.RNG, log *logrus.Entry) *Network {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "netsim")
	return &Network{
		rng:          rng,
		reg:          keystore.NewRegistry(log),
		log:          log,
		participants: make(map[coordinator.MemberID]*Participant),
	}
}

// AddParticipant creates a fresh actor with its own identity key and
// oneTimeCount one-time pre-key bundles (plus a last-resort bundle),
// publishes them to the network's shared registry, and returns the new
// Participant.
func (n *Network) AddParticipant(oneTimeCount int) (*Participant, error) {
	mgr, err := keystore.NewManager(n.rng, n.log)
	if err != nil {
		return nil, fmt.Errorf("netsim: new manager: %w", err)
	}
	bundles, err := mgr.PublishBundle(n.rng, oneTimeCount)
	if err != nil {
		return nil, fmt.Errorf("netsim: publish bundle: %w", err)
	}
	if err := n.reg.Publish(mgr.MemberID(), bundles); err != nil {
		return nil, fmt.Errorf("netsim: publish to registry: %w", err)
	}

	p := &Participant{
		ID:    mgr.MemberID(),
		Actor: coordinator.NewActor(mgr.MemberID(), mgr, n.reg, n.rng, n.log),
	}
	n.mu.Lock()
	n.participants[p.ID] = p
	n.mu.Unlock()
	return p, nil
}

// Participant looks up a previously-added participant by id.
func (n *Network) Participant(id coordinator.MemberID) (*Participant, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.participants[id]
	if !ok {
		return nil, ErrUnknownParticipant
	}
	return p, nil
}

// Send fans msg out to each named recipient's mailbox under one fresh
// correlation id.
func (n *Network) Send(group coordinator.GroupID, from coordinator.MemberID, msg *coordinator.GroupMessage, recipients ...coordinator.MemberID) error {
	env := Envelope{ID: uuid.New(), Group: group, From: from, Message: msg}

	n.mu.Lock()
	targets := make([]*Participant, 0, len(recipients))
	for _, id := range recipients {
		p, ok := n.participants[id]
		if !ok {
			n.mu.Unlock()
			return fmt.Errorf("netsim: send to %w", ErrUnknownParticipant)
		}
		targets = append(targets, p)
	}
	n.mu.Unlock()

	for _, p := range targets {
		p.Enqueue(env)
	}
	n.log.WithFields(logrus.Fields{"envelope": env.ID.String(), "recipients": len(targets)}).Debug("fanned out message")
	return nil
}

// Broadcast fans msg out to every participant except from.
func (n *Network) Broadcast(group coordinator.GroupID, from coordinator.MemberID, msg *coordinator.GroupMessage) error {
	n.mu.Lock()
	recipients := make([]coordinator.MemberID, 0, len(n.participants))
	for id := range n.participants {
		if id != from {
			recipients = append(recipients, id)
		}
	}
	n.mu.Unlock()
	return n.Send(group, from, msg, recipients...)
}
