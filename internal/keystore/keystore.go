// Package keystore implements the Key Material Store from
// item 2: long-term identity keys, pre-key bundles (one-time and
// last-resort), and a registry mapping member ids to published bundles.
package keystore

import (
	"errors"
	"fmt"
	"sync"

	"secretgroup/internal/xcrypto"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// registryCapacity bounds how many distinct members' bundles the Registry
// keeps at once. Evicting the least-recently-touched member caps memory
// for a long-lived registry (e.g. across a large simulation run) rather
// than growing with every actor that has ever published.
const registryCapacity = 4096

// ErrKeyExhausted is returned when a member has no one-time pre-key left
// and no last-resort bundle published either.
var ErrKeyExhausted = errors.New("keystore: one-time pre-key exhausted")

// ErrNoBundle is returned when the registry has no bundle at all for a
// member id.
var ErrNoBundle = errors.New("keystore: no pre-key bundle for member")

// MemberID is a 32-byte public identity key. It is a
// fixed-size digest rather than the raw ed25519.PublicKey slice so it is
// comparable and usable as a map key throughout the core.
type MemberID = xcrypto.Digest

// oneTimeKey keeps a one-time KEM key pair together so the public half
// never needs to be re-derived when opening an HPKE envelope.
type oneTimeKey struct {
	priv xcrypto.KEMPrivateKey
	pub  xcrypto.KEMPublicKey
}

// PreKeyBundle is a member's advertised key material usable to admit them
// without an online handshake.
type PreKeyBundle struct {
	IdentityPK    MemberID
	SignedPreKey  xcrypto.KEMPublicKey
	OneTimePK     *xcrypto.KEMPublicKey
	OneTimeKeyID  uint64
	LastResort    bool
	Signature     []byte
}

// signedBytes returns the bytes the bundle's signature is computed
// over: the identity key commits to the KEM keys it vouches for.
func (b PreKeyBundle) signedBytes() []byte {
	buf := make([]byte, 0, len(b.IdentityPK)+32+32+1)
	buf = append(buf, b.IdentityPK[:]...)
	buf = append(buf, b.SignedPreKey[:]...)
	if b.OneTimePK != nil {
		buf = append(buf, b.OneTimePK[:]...)
	}
	return buf
}

// Sign signs the bundle under the owning member's long-term identity key.
func (b *PreKeyBundle) Sign(priv xcrypto.PrivateKey) {
	b.Signature = xcrypto.Sign(priv, b.signedBytes())
}

// Verify checks the bundle's signature against its own IdentityPK.
func (b PreKeyBundle) Verify() bool {
	return xcrypto.Verify(b.IdentityPK.PublicKey(), b.signedBytes(), b.Signature)
}

// Manager owns one actor's long-term identity and the private halves of
// whatever pre-key bundles that actor has published. It is the per-actor
// shared, interior-mutable handle
// serialised behind a mutex since multiple groups on an actor may touch
// it concurrently.
type Manager struct {
	mu sync.Mutex

	identityPub  MemberID
	identityPriv xcrypto.PrivateKey

	signedPreKeyPub  xcrypto.KEMPublicKey
	signedPreKeyPriv xcrypto.KEMPrivateKey

	oneTime     map[uint64]oneTimeKey
	nextOneTime uint64

	log *logrus.Entry
}

// NewManager creates a Manager for an actor, generating a fresh identity
// key pair and signed pre-key from rng.
func NewManager(rng xcrypto.RNG, log *logrus.Entry) (*Manager, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	pub, priv, err := xcrypto.GenerateSigningKey(rng)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate identity key: %w", err)
	}
	spPub, spPriv, err := xcrypto.GenerateKEMKey(rng)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate signed pre-key: %w", err)
	}
	return &Manager{
		identityPub:      xcrypto.FromPublicKey(pub),
		identityPriv:     priv,
		signedPreKeyPub:  spPub,
		signedPreKeyPriv: spPriv,
		oneTime:          make(map[uint64]oneTimeKey),
		log:              log.WithField("component", "keystore"),
	}, nil
}

// MemberID returns the actor's public identity, i.e. their MemberId.
func (m *Manager) MemberID() MemberID {
	return m.identityPub
}

// Identity is the long-term, persistable half of a Manager: the
// identity and signed pre-key pairs a CLI host saves to its
// identity file so the same actor survives a process restart.
// One-time pre-keys are deliberately excluded — they are
// consume-once by design, so a restarted host just republishes a
// fresh batch via PublishBundle.
type Identity struct {
	IdentityPub      MemberID
	IdentityPriv     xcrypto.PrivateKey
	SignedPreKeyPub  xcrypto.KEMPublicKey
	SignedPreKeyPriv xcrypto.KEMPrivateKey
}

// Export snapshots m's long-term key material for persistence.
func (m *Manager) Export() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Identity{
		IdentityPub:      m.identityPub,
		IdentityPriv:     append(xcrypto.PrivateKey(nil), m.identityPriv...),
		SignedPreKeyPub:  m.signedPreKeyPub,
		SignedPreKeyPriv: m.signedPreKeyPriv,
	}
}

// FromIdentity rebuilds a Manager around previously-exported long-term
// keys, with an empty one-time pre-key pool.
func FromIdentity(id Identity, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		identityPub:      id.IdentityPub,
		identityPriv:     id.IdentityPriv,
		signedPreKeyPub:  id.SignedPreKeyPub,
		signedPreKeyPriv: id.SignedPreKeyPriv,
		oneTime:          make(map[uint64]oneTimeKey),
		log:              log.WithField("component", "keystore"),
	}
}

// Sign signs msg under the actor's long-term identity key.
func (m *Manager) Sign(msg []byte) []byte {
	return xcrypto.Sign(m.identityPriv, msg)
}

// PublishBundle generates count fresh one-time pre-keys and returns a
// signed PreKeyBundle per key, ready to hand to a key registry. The last
// bundle returned (or the only one if count==0) carries no one-time key
// and is marked LastResort so admission never fully stalls.
func (m *Manager) PublishBundle(rng xcrypto.RNG, count int) ([]PreKeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bundles := make([]PreKeyBundle, 0, count+1)
	for i := 0; i < count; i++ {
		pub, priv, err := xcrypto.GenerateKEMKey(rng)
		if err != nil {
			return nil, fmt.Errorf("keystore: generate one-time key: %w", err)
		}
		id := m.nextOneTime
		m.nextOneTime++
		m.oneTime[id] = oneTimeKey{priv: priv, pub: pub}

		b := PreKeyBundle{
			IdentityPK:   m.identityPub,
			SignedPreKey: m.signedPreKeyPub,
			OneTimePK:    &pub,
			OneTimeKeyID: id,
		}
		b.Sign(m.identityPriv)
		bundles = append(bundles, b)
	}

	lastResort := PreKeyBundle{
		IdentityPK:   m.identityPub,
		SignedPreKey: m.signedPreKeyPub,
		LastResort:   true,
	}
	lastResort.Sign(m.identityPriv)
	bundles = append(bundles, lastResort)

	m.log.WithField("count", len(bundles)).Debug("published pre-key bundles")
	return bundles, nil
}

// Open uses the private half of the consumed one-time (or signed/
// last-resort) pre-key referenced by a DirectMessage to HPKE-open material
// sealed to this actor.
func (m *Manager) Open(oneTimeKeyID uint64, usedOneTime bool, kemOutput, info, aad, ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	var priv xcrypto.KEMPrivateKey
	var pub xcrypto.KEMPublicKey
	if usedOneTime {
		k, ok := m.oneTime[oneTimeKeyID]
		if !ok {
			m.mu.Unlock()
			return nil, ErrKeyExhausted
		}
		priv, pub = k.priv, k.pub
		delete(m.oneTime, oneTimeKeyID)
	} else {
		priv, pub = m.signedPreKeyPriv, m.signedPreKeyPub
	}
	m.mu.Unlock()

	return xcrypto.HPKEOpen(priv, pub, kemOutput, info, aad, ciphertext)
}

// Registry maps member ids to the pre-key bundles they have published.
// Guarded by a single mutex protecting the cache, no separate read/write
// path. The cache is a bounded LRU rather than a plain map so a registry
// that outlives many short-lived actors (e.g. across a long simulation
// run) does not grow without limit.
type Registry struct {
	mu      sync.Mutex
	bundles *lru.Cache[string, []PreKeyBundle]
	log     *logrus.Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache, err := lru.New[string, []PreKeyBundle](registryCapacity)
	if err != nil {
		// Only returned for a non-positive capacity, which registryCapacity
		// never is.
		panic(fmt.Sprintf("keystore: new bundle cache: %v", err))
	}
	return &Registry{
		bundles: cache,
		log:     log.WithField("component", "keystore.registry"),
	}
}

func memberKey(id MemberID) string { return string(id[:]) }

// Publish records bundles for a member, replacing any bundles previously
// published under the same identity key.
func (r *Registry) Publish(id MemberID, bundles []PreKeyBundle) error {
	for _, b := range bundles {
		if !b.Verify() {
			return fmt.Errorf("keystore: invalid bundle signature for member")
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles.Add(memberKey(id), append([]PreKeyBundle(nil), bundles...))
	r.log.WithField("bundles", len(bundles)).Debug("published bundles to registry")
	return nil
}

// Take consumes one pre-key bundle for admitting id: prefers a one-time
// bundle, falling back to the last-resort bundle, and returns
// ErrKeyExhausted if neither is available — the host must then re-publish.
func (r *Registry) Take(id MemberID) (PreKeyBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := memberKey(id)
	list, ok := r.bundles.Get(key)
	if !ok || len(list) == 0 {
		return PreKeyBundle{}, ErrNoBundle
	}

	for i, b := range list {
		if b.OneTimePK != nil {
			r.bundles.Add(key, append(list[:i:i], list[i+1:]...))
			return b, nil
		}
	}
	// fall back to last-resort, never consumed
	for _, b := range list {
		if b.LastResort {
			return b, nil
		}
	}
	return PreKeyBundle{}, ErrKeyExhausted
}

// Snapshot returns every currently-published member's bundle list,
// keyed by MemberID, for persistence across a process restart.
func (r *Registry) Snapshot() map[MemberID][]PreKeyBundle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[MemberID][]PreKeyBundle, r.bundles.Len())
	for _, key := range r.bundles.Keys() {
		list, ok := r.bundles.Peek(key)
		if !ok {
			continue
		}
		var id MemberID
		copy(id[:], key)
		out[id] = append([]PreKeyBundle(nil), list...)
	}
	return out
}

// Restore re-publishes a previously-snapshotted set of bundles into r.
func (r *Registry) Restore(snapshot map[MemberID][]PreKeyBundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, bundles := range snapshot {
		r.bundles.Add(memberKey(id), append([]PreKeyBundle(nil), bundles...))
	}
}
