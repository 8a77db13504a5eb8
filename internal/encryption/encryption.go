// Package encryption implements the Encryption Group: the symmetric
// key schedule that derives and evolves group secrets from membership
// commits, and the per-sender message ratchet used to seal and open
// application payloads.
//
// This is a flat (non-tree) CGKA: each commit reseals the new epoch
// secret to every active member directly via HPKE rather than through
// a TreeKEM update path, trading O(log n) commit fan-out for a simpler
// key schedule closer to a plain double ratchet.
package encryption

import (
	"errors"
	"fmt"
	"sync"

	"secretgroup/internal/keystore"
	"secretgroup/internal/xcrypto"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// MemberID and GroupID reuse the core digest type so they compare
// equal to the corresponding ids in internal/auth without conversion.
type MemberID = xcrypto.Digest
type GroupID = xcrypto.Digest

// OpID identifies a commit by the hash of its canonical encoding,
// shaped the same way internal/orderer and internal/auth derive ids so
// a single Causal Orderer instance can gate all three op streams.
type OpID = xcrypto.Digest

// Epoch counts membership commits; the group secret is constant within
// an epoch and changes on every commit.
type Epoch uint64

// Status is a member's admission state for this group's encryption
// stream, independent of (but synchronised with) Auth CRDT access.
type Status uint8

const (
	StatusInvited Status = iota
	StatusActive
	StatusRemoved
)

// CommitKind tags which membership transition a Commit performs.
type CommitKind uint8

const (
	CommitCreate CommitKind = iota
	CommitAdd
	CommitRemove
	CommitUpdate
)

// Commit is the encryption group's own hash-linked control message,
// analogous to an auth.Operation but carrying epoch-advancing key
// schedule material instead of access grants.
type Commit struct {
	ID       OpID
	GroupID  GroupID
	Author   MemberID
	Epoch    Epoch
	Previous []OpID
	Kind     CommitKind
	Target   *MemberID // the added/removed member, nil for Create/Update
	Nonce    []byte    // anti-collision salt; carries no key material
	Sig      []byte
}

func (c *Commit) canonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, c.GroupID[:]...)
	buf = append(buf, c.Author[:]...)
	buf = append(buf, epochBytes(c.Epoch)...)
	prev := append([]OpID(nil), c.Previous...)
	sortDigests(prev)
	for _, p := range prev {
		buf = append(buf, p[:]...)
	}
	buf = append(buf, byte(c.Kind))
	if c.Target != nil {
		buf = append(buf, c.Target[:]...)
	}
	buf = append(buf, c.Nonce...)
	return buf
}

func epochBytes(e Epoch) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(e >> (8 * i))
	}
	return b[:]
}

func sortDigests(ids []OpID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Less(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// sign finalises the commit's id and signs it using signFn, which signs
// arbitrary bytes under the author's long-term identity key — callers
// pass keystore.Manager.Sign so this package never touches a raw
// private key directly.
func (c *Commit) sign(signFn func([]byte) []byte) {
	body := c.canonicalBytes()
	c.ID = xcrypto.Hash(body)
	c.Sig = signFn(append(body, c.ID[:]...))
}

// Verify checks a commit's signature against its claimed author.
func (c *Commit) Verify() bool {
	body := c.canonicalBytes()
	id := xcrypto.Hash(body)
	if id != c.ID {
		return false
	}
	return xcrypto.Verify(c.Author.PublicKey(), append(body, c.ID[:]...), c.Sig)
}

// DirectMessage is a unicast, HPKE-sealed envelope carrying key
// schedule material to one recipient.
type DirectMessage struct {
	Recipient   MemberID
	PreKeyID    uint64
	UsedOneTime bool
	KemOutput   []byte
	Ciphertext  []byte
}

// WireMessage bundles a commit (or nil, for a pure application message)
// with its direct messages and an optional application ciphertext.
type WireMessage struct {
	Commit         *Commit
	DirectMessages []DirectMessage
	Ciphertext     []byte
	SenderGen      uint64 // ratchet generation the Ciphertext was sealed under
}

var (
	ErrUnknownEpoch     = errors.New("encryption: commit references unknown prior epoch")
	ErrInvalidSignature = errors.New("encryption: invalid commit signature")
	ErrRemoved          = errors.New("encryption: member has been removed from this group")
	ErrNoSealedSecret   = errors.New("encryption: no direct message addressed to this member")
	ErrDecryptionFailed = xcrypto.ErrDecryption

	// ErrInvalidState is returned when a message references a ratchet
	// position this State can no longer reconstruct: a generation older
	// than the current chain position that has already been consumed
	// from (or fallen outside) the skipped-message-key window.
	ErrInvalidState = errors.New("encryption: message key for this generation is no longer available")
)

// chain is one sender's application ratchet within the current epoch.
type chain struct {
	key        []byte
	generation uint64
}

func deriveChainKey0(groupSecret []byte, sender MemberID) ([]byte, error) {
	return xcrypto.HKDF(groupSecret, nil, append([]byte("chain0|"), sender[:]...), 32)
}

func stepChain(key []byte) (messageKey []byte, nextKey []byte, err error) {
	mk, err := xcrypto.HKDF(key, nil, []byte("msg"), 56)
	if err != nil {
		return nil, nil, err
	}
	nk, err := xcrypto.HKDF(key, nil, []byte("step"), 32)
	if err != nil {
		return nil, nil, err
	}
	return mk, nk, nil
}

type skippedKey struct {
	epoch      Epoch
	sender     MemberID
	generation uint64
}

// State is the per-group Encryption Group state held by one actor.
type State struct {
	mu sync.Mutex

	GroupID GroupID
	self    MemberID

	keyManager  *keystore.Manager
	keyRegistry *keystore.Registry

	epoch       Epoch
	rootSecret  []byte
	groupSecret []byte
	transcript  xcrypto.Digest

	status map[MemberID]Status
	chains map[MemberID]*chain

	skipped    *lru.Cache[skippedKey, []byte]
	windowSize int

	heads map[OpID]struct{}

	log *logrus.Entry
}

// Init constructs an Encryption Group state for an actor who is not yet
// part of any epoch; Create admits the creator at epoch 1, and
// JoinFromWelcome admits a joiner at the epoch of the welcoming commit.
// The skipped-message-key window is one LRU cache of windowSize entries
// (1024 when windowSize <= 0) shared by all senders and cleared at every
// epoch change.
func Init(group GroupID, self MemberID, km *keystore.Manager, reg *keystore.Registry, windowSize int, log *logrus.Entry) (*State, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if windowSize <= 0 {
		windowSize = 1024
	}
	cache, err := lru.New[skippedKey, []byte](windowSize)
	if err != nil {
		return nil, fmt.Errorf("encryption: new skipped-key cache: %w", err)
	}
	return &State{
		GroupID:     group,
		self:        self,
		keyManager:  km,
		keyRegistry: reg,
		status:      make(map[MemberID]Status),
		chains:      make(map[MemberID]*chain),
		skipped:     cache,
		windowSize:  windowSize,
		heads:       make(map[OpID]struct{}),
		log:         log.WithField("component", "encryption"),
	}, nil
}

// ChainSnapshot is one sender's ratchet position, exported for
// persistence.
type ChainSnapshot struct {
	Key        []byte
	Generation uint64
}

// Snapshot is a persistable copy of a State's secret material: enough
// to resume sending and receiving for this group across a process
// restart. The skipped-message-key window is
// deliberately not included — it exists only to tolerate reordering
// within a live session, and a restarted host with no messages in
// flight has nothing to skip yet.
type Snapshot struct {
	GroupID     GroupID
	Self        MemberID
	Epoch       Epoch
	RootSecret  []byte
	GroupSecret []byte
	Transcript  xcrypto.Digest
	Status      map[MemberID]Status
	Chains      map[MemberID]ChainSnapshot
	WindowSize  int
	Heads       map[OpID]struct{}
}

// Export snapshots s's current secret state for persistence.
func (s *State) Export() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make(map[MemberID]Status, len(s.status))
	for id, st := range s.status {
		status[id] = st
	}
	chains := make(map[MemberID]ChainSnapshot, len(s.chains))
	for id, c := range s.chains {
		chains[id] = ChainSnapshot{Key: append([]byte(nil), c.key...), Generation: c.generation}
	}
	heads := make(map[OpID]struct{}, len(s.heads))
	for id := range s.heads {
		heads[id] = struct{}{}
	}
	return Snapshot{
		GroupID:     s.GroupID,
		Self:        s.self,
		Epoch:       s.epoch,
		RootSecret:  append([]byte(nil), s.rootSecret...),
		GroupSecret: append([]byte(nil), s.groupSecret...),
		Transcript:  s.transcript,
		Status:      status,
		Chains:      chains,
		WindowSize:  s.windowSize,
		Heads:       heads,
	}
}

// Import rebuilds a State from a previously-exported Snapshot, wiring
// in the live key manager/registry handles (never persisted — they
// hold or reach private key material managed elsewhere) and a fresh,
// empty skipped-message-key window.
func Import(snap Snapshot, km *keystore.Manager, reg *keystore.Registry, log *logrus.Entry) (*State, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	windowSize := snap.WindowSize
	if windowSize <= 0 {
		windowSize = 1024
	}
	cache, err := lru.New[skippedKey, []byte](windowSize)
	if err != nil {
		return nil, fmt.Errorf("encryption: new skipped-key cache: %w", err)
	}

	status := make(map[MemberID]Status, len(snap.Status))
	for id, st := range snap.Status {
		status[id] = st
	}
	chains := make(map[MemberID]*chain, len(snap.Chains))
	for id, c := range snap.Chains {
		chains[id] = &chain{key: append([]byte(nil), c.Key...), generation: c.Generation}
	}
	heads := make(map[OpID]struct{}, len(snap.Heads))
	for id := range snap.Heads {
		heads[id] = struct{}{}
	}

	return &State{
		GroupID:     snap.GroupID,
		self:        snap.Self,
		keyManager:  km,
		keyRegistry: reg,
		epoch:       snap.Epoch,
		rootSecret:  append([]byte(nil), snap.RootSecret...),
		groupSecret: append([]byte(nil), snap.GroupSecret...),
		transcript:  snap.Transcript,
		status:      status,
		chains:      chains,
		skipped:     cache,
		windowSize:  windowSize,
		heads:       heads,
		log:         log.WithField("component", "encryption"),
	}, nil
}

// adoptEpoch sets local state to rootSecret/transcript for commit's
// epoch, rederives GroupSecret_e, and resets every sender's chain and
// the skipped-key window for the new epoch.
//
// rootSecret is never derived from the previous epoch's secret plus
// anything carried on the wire in the clear: it either comes from this
// actor's own fresh randomness (the committer) or from a direct message
// sealed to this actor alone. A removed member sees later commits and
// their public fields but is never handed a direct message again, so
// nothing observable lets them compute a later epoch's secret.
func (s *State) adoptEpoch(commit *Commit, rootSecret []byte, transcript xcrypto.Digest) error {
	s.epoch = commit.Epoch
	s.transcript = transcript
	s.rootSecret = append([]byte(nil), rootSecret...)

	gs, err := xcrypto.HKDF(s.rootSecret, nil, append([]byte("data|"), s.transcript[:]...), 32)
	if err != nil {
		return fmt.Errorf("encryption: derive group secret: %w", err)
	}
	s.groupSecret = gs

	s.chains = make(map[MemberID]*chain)
	s.skipped.Purge()
	return nil
}

// commitEpoch is the committing author's half of adoptEpoch: it draws a
// fresh random root secret (not derived from the old one) and extends
// the transcript with commit's id, then adopts both locally. The
// secret reaches other members only via sealEpochSecretTo, never the
// commit itself.
func (s *State) commitEpoch(rng xcrypto.RNG, commit *Commit) error {
	var root [32]byte
	if _, err := rng.Read(root[:]); err != nil {
		return fmt.Errorf("encryption: read root secret: %w", err)
	}
	transcript := xcrypto.Hash(s.transcript[:], commit.ID[:])
	return s.adoptEpoch(commit, root[:], transcript)
}

// openSealedSecret opens a direct message addressed to this actor and
// returns the root secret and transcript it carries.
func (s *State) openSealedSecret(dm DirectMessage, epoch Epoch) ([]byte, xcrypto.Digest, error) {
	info := []byte("secretgroup-welcome-v1")
	aad := append(append([]byte(nil), s.GroupID[:]...), epochBytes(epoch)...)
	plaintext, err := s.keyManager.Open(dm.PreKeyID, dm.UsedOneTime, dm.KemOutput, info, aad, dm.Ciphertext)
	if err != nil {
		return nil, xcrypto.Digest{}, fmt.Errorf("encryption: open sealed secret: %w", err)
	}
	if len(plaintext) < 64 {
		return nil, xcrypto.Digest{}, errors.New("encryption: malformed sealed secret")
	}
	var transcript xcrypto.Digest
	copy(transcript[:], plaintext[32:64])
	return append([]byte(nil), plaintext[:32]...), transcript, nil
}

func (s *State) activeMembers() []MemberID {
	var out []MemberID
	for id, st := range s.status {
		if st == StatusActive {
			out = append(out, id)
		}
	}
	return out
}

// sealEpochSecretTo HPKE-seals the current root secret and epoch to
// recipient, consuming a pre-key bundle from the key registry.
func (s *State) sealEpochSecretTo(rng xcrypto.RNG, recipient MemberID) (DirectMessage, error) {
	bundle, err := s.keyRegistry.Take(recipient)
	if err != nil {
		return DirectMessage{}, fmt.Errorf("encryption: take pre-key for recipient: %w", err)
	}
	info := []byte("secretgroup-welcome-v1")
	aad := append(append([]byte(nil), s.GroupID[:]...), epochBytes(s.epoch)...)
	plaintext := append(append([]byte(nil), s.rootSecret...), s.transcript[:]...)

	var pub xcrypto.KEMPublicKey
	if bundle.OneTimePK != nil {
		pub = *bundle.OneTimePK
	} else {
		pub = bundle.SignedPreKey
	}
	kemOut, ct, err := xcrypto.HPKESeal(rng, pub, info, aad, plaintext)
	if err != nil {
		return DirectMessage{}, fmt.Errorf("encryption: seal epoch secret: %w", err)
	}
	return DirectMessage{
		Recipient:   recipient,
		PreKeyID:    bundle.OneTimeKeyID,
		UsedOneTime: bundle.OneTimePK != nil,
		KemOutput:   kemOut,
		Ciphertext:  ct,
	}, nil
}

// Create admits secretMembers into a freshly created group at epoch 1,
// sealing the new root secret to each of them.
func (s *State) Create(rng xcrypto.RNG, secretMembers []MemberID) (WireMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.heads) != 0 {
		return WireMessage{}, errors.New("encryption: group already created")
	}

	var nonce [32]byte
	if _, err := rng.Read(nonce[:]); err != nil {
		return WireMessage{}, fmt.Errorf("encryption: read nonce: %w", err)
	}

	commit := &Commit{
		GroupID: s.GroupID,
		Author:  s.self,
		Epoch:   1,
		Kind:    CommitCreate,
		Nonce:   nonce[:],
	}
	commit.sign(s.keyManager.Sign)

	s.status[s.self] = StatusActive
	for _, m := range secretMembers {
		if m != s.self {
			s.status[m] = StatusInvited
		}
	}

	if err := s.commitEpoch(rng, commit); err != nil {
		return WireMessage{}, err
	}
	s.heads = map[OpID]struct{}{commit.ID: {}}

	var dms []DirectMessage
	for _, m := range secretMembers {
		if m == s.self {
			continue
		}
		dm, err := s.sealEpochSecretTo(rng, m)
		if err != nil {
			return WireMessage{}, err
		}
		s.status[m] = StatusActive
		dms = append(dms, dm)
	}

	s.log.WithField("epoch", s.epoch).Info("created encryption group")
	return WireMessage{Commit: commit, DirectMessages: dms}, nil
}

// newCommit builds and signs a commit advancing the epoch, called by
// Add/Remove/Update. The caller has already locked s.mu.
func (s *State) newCommit(rng xcrypto.RNG, kind CommitKind, target *MemberID) (*Commit, error) {
	var nonce [32]byte
	if _, err := rng.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("encryption: read nonce: %w", err)
	}
	heads := make([]OpID, 0, len(s.heads))
	for id := range s.heads {
		heads = append(heads, id)
	}
	commit := &Commit{
		GroupID:  s.GroupID,
		Author:   s.self,
		Epoch:    s.epoch + 1,
		Previous: heads,
		Kind:     kind,
		Target:   target,
		Nonce:    nonce[:],
	}
	commit.sign(s.keyManager.Sign)
	return commit, nil
}

// fanOutUpdatePath seals the (already advanced) epoch secret to every
// active member except exclude, substituting for a TreeKEM update path.
func (s *State) fanOutUpdatePath(rng xcrypto.RNG, exclude MemberID) ([]DirectMessage, error) {
	var dms []DirectMessage
	for _, m := range s.activeMembers() {
		if m == s.self || m == exclude {
			continue
		}
		dm, err := s.sealEpochSecretTo(rng, m)
		if err != nil {
			return nil, err
		}
		dms = append(dms, dm)
	}
	return dms, nil
}

// Add admits newMember into the group: advances the epoch, seals the
// new root secret to newMember (welcome), and fans the new secret out
// to every already-active member.
func (s *State) Add(rng xcrypto.RNG, newMember MemberID) (WireMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status[s.self] == StatusRemoved {
		return WireMessage{}, ErrRemoved
	}

	commit, err := s.newCommit(rng, CommitAdd, &newMember)
	if err != nil {
		return WireMessage{}, err
	}
	if err := s.commitEpoch(rng, commit); err != nil {
		return WireMessage{}, err
	}
	s.heads = map[OpID]struct{}{commit.ID: {}}
	s.status[newMember] = StatusActive

	dms, err := s.fanOutUpdatePath(rng, newMember)
	if err != nil {
		return WireMessage{}, err
	}
	welcome, err := s.sealEpochSecretTo(rng, newMember)
	if err != nil {
		return WireMessage{}, err
	}
	dms = append(dms, welcome)

	s.log.WithFields(logrus.Fields{"epoch": s.epoch, "member": newMember.String()[:8]}).Info("added member")
	return WireMessage{Commit: commit, DirectMessages: dms}, nil
}

// Remove advances the epoch so member can derive no future secrets.
func (s *State) Remove(rng xcrypto.RNG, member MemberID) (WireMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status[s.self] == StatusRemoved {
		return WireMessage{}, ErrRemoved
	}

	commit, err := s.newCommit(rng, CommitRemove, &member)
	if err != nil {
		return WireMessage{}, err
	}
	if err := s.commitEpoch(rng, commit); err != nil {
		return WireMessage{}, err
	}
	s.heads = map[OpID]struct{}{commit.ID: {}}
	s.status[member] = StatusRemoved

	dms, err := s.fanOutUpdatePath(rng, member)
	if err != nil {
		return WireMessage{}, err
	}

	s.log.WithFields(logrus.Fields{"epoch": s.epoch, "member": member.String()[:8]}).Info("removed member")
	return WireMessage{Commit: commit, DirectMessages: dms}, nil
}

// Update rotates the group secret without a membership change, giving
// every active member a forward-secrecy heartbeat.
func (s *State) Update(rng xcrypto.RNG) (WireMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status[s.self] == StatusRemoved {
		return WireMessage{}, ErrRemoved
	}

	commit, err := s.newCommit(rng, CommitUpdate, nil)
	if err != nil {
		return WireMessage{}, err
	}
	if err := s.commitEpoch(rng, commit); err != nil {
		return WireMessage{}, err
	}
	s.heads = map[OpID]struct{}{commit.ID: {}}

	dms, err := s.fanOutUpdatePath(rng, xcrypto.Digest{})
	if err != nil {
		return WireMessage{}, err
	}

	s.log.WithField("epoch", s.epoch).Debug("rotated group secret")
	return WireMessage{Commit: commit, DirectMessages: dms}, nil
}

// splitMessageKey derives the AEAD key+nonce from a 56-byte message
// key: the first 32 bytes are the key, the remaining 24 the XChaCha20
// nonce.
func splitMessageKey(mk []byte) (key, nonce []byte) {
	return mk[:32], mk[32:56]
}

// Send AEAD-encrypts plaintext under the caller's current sender chain,
// advancing its generation by one.
func (s *State) Send(rng xcrypto.RNG, plaintext []byte) (WireMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status[s.self] == StatusRemoved {
		return WireMessage{}, ErrRemoved
	}

	c := s.chains[s.self]
	if c == nil {
		ck0, err := deriveChainKey0(s.groupSecret, s.self)
		if err != nil {
			return WireMessage{}, err
		}
		c = &chain{key: ck0}
		s.chains[s.self] = c
	}

	mk, nextKey, err := stepChain(c.key)
	if err != nil {
		return WireMessage{}, err
	}
	gen := c.generation
	c.key = nextKey
	c.generation++

	key, nonce := splitMessageKey(mk)
	aad := append(append([]byte(nil), s.GroupID[:]...), epochBytes(s.epoch)...)
	ct, err := xcrypto.Seal(key, nonce, aad, plaintext)
	if err != nil {
		return WireMessage{}, err
	}

	return WireMessage{Ciphertext: ct, SenderGen: gen}, nil
}

// Output is what Receive hands back to the caller.
type Output struct {
	CommitApplied bool
	Plaintext     []byte
	HasPlaintext  bool
	Removed       bool
}

// messageKeyFor returns the message key for (epoch, sender, generation),
// either by fast-forwarding the sender's current chain or by pulling a
// previously cached out-of-order key from the skipped window.
func (s *State) messageKeyFor(sender MemberID, generation uint64) ([]byte, error) {
	c := s.chains[sender]
	if c == nil {
		ck0, err := deriveChainKey0(s.groupSecret, sender)
		if err != nil {
			return nil, err
		}
		c = &chain{key: ck0}
		s.chains[sender] = c
	}

	if generation < c.generation {
		key := skippedKey{epoch: s.epoch, sender: sender, generation: generation}
		if mk, ok := s.skipped.Get(key); ok {
			s.skipped.Remove(key)
			return mk, nil
		}
		return nil, fmt.Errorf("generation %d: %w", generation, ErrInvalidState)
	}

	for c.generation < generation {
		mk, nextKey, err := stepChain(c.key)
		if err != nil {
			return nil, err
		}
		s.skipped.Add(skippedKey{epoch: s.epoch, sender: sender, generation: c.generation}, mk)
		c.key = nextKey
		c.generation++
	}

	mk, nextKey, err := stepChain(c.key)
	if err != nil {
		return nil, err
	}
	c.key = nextKey
	c.generation++
	return mk, nil
}

// Receive applies an incoming commit (if any) and/or decrypts an
// attached application ciphertext (if any).
func (s *State) Receive(msg WireMessage, sender MemberID) (Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Output

	if msg.Commit != nil {
		if !msg.Commit.Verify() {
			return Output{}, ErrInvalidSignature
		}
		var dmForSelf *DirectMessage
		for i := range msg.DirectMessages {
			if msg.DirectMessages[i].Recipient == s.self {
				dmForSelf = &msg.DirectMessages[i]
				break
			}
		}
		if err := s.applyCommit(msg.Commit, dmForSelf); err != nil {
			return Output{}, err
		}
		out.CommitApplied = true
		if msg.Commit.Kind == CommitRemove && msg.Commit.Target != nil && *msg.Commit.Target == s.self {
			out.Removed = true
			return out, nil
		}
	}

	if s.status[s.self] == StatusRemoved {
		return out, ErrRemoved
	}

	if len(msg.Ciphertext) > 0 {
		mk, err := s.messageKeyFor(sender, msg.SenderGen)
		if err != nil {
			return out, err
		}
		key, nonce := splitMessageKey(mk)
		aad := append(append([]byte(nil), s.GroupID[:]...), epochBytes(s.epoch)...)
		pt, err := xcrypto.Open(key, nonce, aad, msg.Ciphertext)
		if err != nil {
			return out, ErrDecryptionFailed
		}
		out.Plaintext = pt
		out.HasPlaintext = true
	}

	return out, nil
}

// applyCommit advances local state to match a verified incoming commit.
// The caller has already locked s.mu.
//
// If this actor authored commit, it has already adopted the new epoch
// via commitEpoch when it produced the commit, so the heads check below
// makes this a no-op; otherwise dmForSelf must be the direct message
// this commit's sender addressed to this actor, carrying the new root
// secret — without one, this actor cannot advance (ErrNoSealedSecret)
// rather than guessing at a secret it was never given. The one
// exception is a Remove commit targeting this actor itself: Remove
// never seals a secret to the member it removes, but that member must
// still be able to accept the commit and observe their own removal.
func (s *State) applyCommit(commit *Commit, dmForSelf *DirectMessage) error {
	if _, ok := s.heads[commit.ID]; ok {
		return nil // idempotent
	}
	if commit.Epoch != s.epoch+1 && len(s.heads) != 0 {
		return ErrUnknownEpoch
	}

	// Remove never addresses a direct message to the member it removes
	// (fanOutUpdatePath excludes them), so the target must be accepted
	// here without a sealed secret — they can't advance the key
	// schedule any further, but they still need to observe the commit
	// that removed them rather than erroring on it.
	if commit.Kind == CommitRemove && commit.Target != nil && *commit.Target == s.self {
		s.status[s.self] = StatusRemoved
		s.epoch = commit.Epoch
		s.heads = map[OpID]struct{}{commit.ID: {}}
		return nil
	}

	if dmForSelf == nil {
		return ErrNoSealedSecret
	}

	rootSecret, _, err := s.openSealedSecret(*dmForSelf, commit.Epoch)
	if err != nil {
		return err
	}
	transcript := xcrypto.Hash(s.transcript[:], commit.ID[:])
	if err := s.adoptEpoch(commit, rootSecret, transcript); err != nil {
		return err
	}
	s.heads = map[OpID]struct{}{commit.ID: {}}

	switch commit.Kind {
	case CommitAdd:
		if commit.Target != nil {
			s.status[*commit.Target] = StatusActive
		}
	case CommitRemove:
		if commit.Target != nil {
			s.status[*commit.Target] = StatusRemoved
		}
	}
	return nil
}

// JoinFromWelcome admits self into a group using the commit and the
// direct message sealed to one of their pre-keys, as produced alongside
// one another by Create or Add. Unlike an already-tracked member
// catching up via Receive, a fresh joiner has no prior transcript to
// extend, so the welcome conveys the transcript directly rather than
// just the root secret.
//
// roster lists every member the joiner already knows to be active in
// the group (typically the Auth CRDT's rebuilt membership), aside from
// self. Without it, a joiner's own status map would only ever contain
// itself, so the first Add/Remove/Update it authors would seal the new
// epoch secret to nobody but its own excluded self via fanOutUpdatePath,
// silently locking every other member out of the next epoch.
func JoinFromWelcome(group GroupID, self MemberID, roster []MemberID, km *keystore.Manager, reg *keystore.Registry, windowSize int, log *logrus.Entry, commit *Commit, dm DirectMessage) (*State, error) {
	st, err := Init(group, self, km, reg, windowSize, log)
	if err != nil {
		return nil, err
	}
	rootSecret, transcript, err := st.openSealedSecret(dm, commit.Epoch)
	if err != nil {
		return nil, fmt.Errorf("encryption: open welcome: %w", err)
	}
	if err := st.adoptEpoch(commit, rootSecret, transcript); err != nil {
		return nil, err
	}
	st.heads = map[OpID]struct{}{commit.ID: {}}
	for _, m := range roster {
		if m != self {
			st.status[m] = StatusActive
		}
	}
	st.status[self] = StatusActive
	return st, nil
}
