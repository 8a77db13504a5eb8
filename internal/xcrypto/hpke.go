package xcrypto

import (
	"fmt"
)

// HPKE implements base-mode hybrid public-key encryption: DHKEM(X25519,
// HKDF-SHA256) + XChaCha20-Poly1305, with the 12-byte HPKE nonce
// zero-extended to 24 bytes. It does not use the 12-byte-nonce
// ChaCha20-Poly1305 AEAD. It is used to seal
// welcome/update material to a specific recipient's pre-key.

const (
	hpkeKDFInfo  = "secretgroup-hpke-v1"
	hpkeKeySize  = chacha20KeySize
	hpkeNonceLen = 12
)

// chacha20KeySize mirrors chacha20poly1305.KeySize without importing the
// package just for a constant used only in documentation-adjacent code.
const chacha20KeySize = 32

// HPKESeal encrypts plaintext to recipientPub, authenticating aad and
// info (the application-supplied context, e.g. the epoch transcript
// hash). It returns the ephemeral KEM output (recipient derives the same
// shared secret from it) and the ciphertext.
func HPKESeal(rng RNG, recipientPub KEMPublicKey, info, aad, plaintext []byte) (kemOutput []byte, ciphertext []byte, err error) {
	ephPub, ephPriv, err := GenerateKEMKey(rng)
	if err != nil {
		return nil, nil, fmt.Errorf("xcrypto: hpke generate ephemeral: %w", err)
	}
	shared, err := dh(ephPriv, recipientPub)
	if err != nil {
		return nil, nil, fmt.Errorf("xcrypto: hpke dh: %w", err)
	}
	key, nonce, err := hpkeKeySchedule(shared, ephPub, recipientPub, info)
	if err != nil {
		return nil, nil, err
	}
	ct, err := sealWithShortNonce(key, nonce, aad, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return ephPub[:], ct, nil
}

// HPKEOpen decrypts a message produced by HPKESeal. recipientPriv is the
// recipient's KEM private key; kemOutput is the sender's ephemeral public
// key as returned by HPKESeal.
func HPKEOpen(recipientPriv KEMPrivateKey, recipientPub KEMPublicKey, kemOutput, info, aad, ciphertext []byte) ([]byte, error) {
	if len(kemOutput) != 32 {
		return nil, fmt.Errorf("xcrypto: hpke: invalid kem output length %d", len(kemOutput))
	}
	var ephPub KEMPublicKey
	copy(ephPub[:], kemOutput)
	shared, err := dh(recipientPriv, ephPub)
	if err != nil {
		return nil, fmt.Errorf("xcrypto: hpke dh: %w", err)
	}
	key, nonce, err := hpkeKeySchedule(shared, ephPub, recipientPub, info)
	if err != nil {
		return nil, err
	}
	return openWithShortNonce(key, nonce, aad, ciphertext)
}

// hpkeKeySchedule derives the AEAD key and base nonce from the DH shared
// secret and the (ephemeral, recipient) public key pair, per the DHKEM
// "extract-and-expand" pattern.
func hpkeKeySchedule(shared []byte, ephPub, recipientPub KEMPublicKey, info []byte) (key, nonce []byte, err error) {
	salt := append(append([]byte{}, ephPub[:]...), recipientPub[:]...)
	ctx := append(append([]byte(hpkeKDFInfo), byte(0)), info...)
	secret, err := HKDF(shared, salt, ctx, hpkeKeySize+hpkeNonceLen)
	if err != nil {
		return nil, nil, err
	}
	return secret[:hpkeKeySize], secret[hpkeKeySize:], nil
}

// sealWithShortNonce pads/derives a 24-byte XChaCha20-Poly1305 nonce from
// the 12-byte HPKE base nonce so it can reuse the Seal primitive above.
func sealWithShortNonce(key, nonce12, aad, plaintext []byte) ([]byte, error) {
	nonce24 := expandNonce(nonce12)
	return Seal(key, nonce24, aad, plaintext)
}

func openWithShortNonce(key, nonce12, aad, ciphertext []byte) ([]byte, error) {
	nonce24 := expandNonce(nonce12)
	return Open(key, nonce24, aad, ciphertext)
}

// expandNonce stretches a 12-byte HPKE base nonce to the 24 bytes
// XChaCha20-Poly1305 requires; the extra bytes are zero since the key
// schedule output is already unique per message.
func expandNonce(n []byte) []byte {
	out := make([]byte, 24)
	copy(out, n)
	return out
}
