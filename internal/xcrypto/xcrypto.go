// Package xcrypto composes the primitives the secret group core treats as
// a black-box collaborator: signatures, content-addressed hashing, AEAD,
// HKDF, an HPKE-style sealed envelope, and a seedable RNG.
//
// All schemes come from Go's standard library or golang.org/x/crypto plus
// a single BLAKE3 implementation; nothing here is novel cryptography, only
// the wiring between them.
package xcrypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

// DigestSize is the width, in bytes, of every content-addressed id in this
// module: MemberId, GroupId, OperationId, and GroupSecretId are all this
// shape.
const DigestSize = 32

// Digest is a content-addressed identifier.
type Digest [DigestSize]byte

// IsZero reports whether d is the zero digest (never a valid id).
func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// FromPublicKey reinterprets a 32-byte Ed25519 public key as a Digest, so
// it can serve as a MemberId: a comparable, fixed-size map key, unlike the
// underlying ed25519.PublicKey slice type.
func FromPublicKey(pub PublicKey) Digest {
	var d Digest
	copy(d[:], pub)
	return d
}

// PublicKey reinterprets a Digest back into an ed25519.PublicKey for
// signature verification.
func (d Digest) PublicKey() PublicKey {
	return PublicKey(append([]byte(nil), d[:]...))
}

// Bytes returns a copy of the digest's bytes.
func (d Digest) Bytes() []byte {
	return append([]byte(nil), d[:]...)
}

// Less provides the ascending-by-byte-value ordering
// for canonicalising sorted sets of ids (previous/dependencies).
func (d Digest) Less(other Digest) bool {
	for i := range d {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// Hash returns the BLAKE3-256 digest of data.
func Hash(data ...[]byte) Digest {
	h := blake3.New(DigestSize, nil)
	for _, b := range data {
		_, _ = h.Write(b)
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// PrivateKey is a long-term Ed25519 signing key.
type PrivateKey = ed25519.PrivateKey

// PublicKey is a long-term Ed25519 verification key, and doubles as the
// 32-byte MemberId.
type PublicKey = ed25519.PublicKey

// GenerateSigningKey creates a fresh Ed25519 identity key pair using rng
// as its entropy source.
func GenerateSigningKey(rng io.Reader) (PublicKey, PrivateKey, error) {
	return ed25519.GenerateKey(rng)
}

// Sign signs msg under priv.
func Sign(priv PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature over msg under pub.
func Verify(pub PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// ErrDecryption is returned when an AEAD open or HPKE open fails
// authentication. Callers should map this to the InvalidState/
// DecryptionFailed error kinds, never retrying.
var ErrDecryption = errors.New("xcrypto: decryption failed")

// Seal encrypts and authenticates plaintext with XChaCha20-Poly1305 under
// key (32 bytes) and nonce (24 bytes), authenticating aad.
func Seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xcrypto: new aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("xcrypto: nonce must be %d bytes", aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts and authenticates ciphertext sealed by Seal.
func Open(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xcrypto: new aead: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryption
	}
	return pt, nil
}

// HKDF derives outLen pseudorandom bytes from secret, salt, and info using
// HKDF-SHA256.
func HKDF(secret, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("xcrypto: hkdf: %w", err)
	}
	return out, nil
}

// KEMPrivateKey and KEMPublicKey are X25519 key-exchange keys, used for
// HPKE admission/update sealing (distinct from the long-term Ed25519
// signing identity).
type KEMPrivateKey [32]byte
type KEMPublicKey [32]byte

// GenerateKEMKey creates a fresh X25519 key pair from rng.
func GenerateKEMKey(rng io.Reader) (KEMPublicKey, KEMPrivateKey, error) {
	var priv KEMPrivateKey
	if _, err := io.ReadFull(rng, priv[:]); err != nil {
		return KEMPublicKey{}, KEMPrivateKey{}, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KEMPublicKey{}, KEMPrivateKey{}, err
	}
	var pk KEMPublicKey
	copy(pk[:], pub)
	return pk, priv, nil
}

func dh(priv KEMPrivateKey, pub KEMPublicKey) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}
