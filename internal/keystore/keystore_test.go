package keystore

import (
	"bytes"
	"testing"

	"secretgroup/internal/xcrypto"
)

func TestPublishAndTakeOneTimePreferred(t *testing.T) {
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(1))
	mgr, err := NewManager(rng, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	bundles, err := mgr.PublishBundle(rng, 2)
	if err != nil {
		t.Fatalf("PublishBundle: %v", err)
	}
	if len(bundles) != 3 {
		t.Fatalf("expected 2 one-time + 1 last-resort bundle, got %d", len(bundles))
	}

	reg := NewRegistry(nil)
	if err := reg.Publish(mgr.MemberID(), bundles); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	b1, err := reg.Take(mgr.MemberID())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if b1.OneTimePK == nil {
		t.Fatalf("expected a one-time bundle first")
	}

	b2, err := reg.Take(mgr.MemberID())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if b2.OneTimePK == nil {
		t.Fatalf("expected second one-time bundle")
	}

	b3, err := reg.Take(mgr.MemberID())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if !b3.LastResort {
		t.Fatalf("expected last-resort bundle once one-time keys are exhausted")
	}

	// Last-resort is never consumed.
	b4, err := reg.Take(mgr.MemberID())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if !b4.LastResort {
		t.Fatalf("expected last-resort bundle to remain available")
	}
}

func TestTakeUnknownMember(t *testing.T) {
	reg := NewRegistry(nil)
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(2))
	pub, _, _ := xcrypto.GenerateSigningKey(rng)
	id := xcrypto.FromPublicKey(pub)
	if _, err := reg.Take(id); err != ErrNoBundle {
		t.Fatalf("expected ErrNoBundle, got %v", err)
	}
}

func TestPublishRejectsInvalidSignature(t *testing.T) {
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(3))
	mgr, _ := NewManager(rng, nil)
	bundles, _ := mgr.PublishBundle(rng, 1)
	bundles[0].Signature = append([]byte(nil), bundles[0].Signature...)
	bundles[0].Signature[0] ^= 0xFF

	reg := NewRegistry(nil)
	if err := reg.Publish(mgr.MemberID(), bundles); err == nil {
		t.Fatalf("expected error publishing a tampered bundle")
	}
}

func TestManagerOpenRoundTrip(t *testing.T) {
	rng := xcrypto.NewDeterministicRNG(xcrypto.SeedFromUint64(4))
	mgr, _ := NewManager(rng, nil)
	bundles, _ := mgr.PublishBundle(rng, 1)

	reg := NewRegistry(nil)
	_ = reg.Publish(mgr.MemberID(), bundles)
	bundle, err := reg.Take(mgr.MemberID())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	info := []byte("welcome")
	aad := []byte("group-1")
	pt := []byte("epoch secret")
	kemOut, ct, err := xcrypto.HPKESeal(rng, *bundle.OneTimePK, info, aad, pt)
	if err != nil {
		t.Fatalf("HPKESeal: %v", err)
	}

	got, err := mgr.Open(bundle.OneTimeKeyID, true, kemOut, info, aad, ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, pt)
	}

	// The one-time key is consumed: opening again must fail.
	if _, err := mgr.Open(bundle.OneTimeKeyID, true, kemOut, info, aad, ct); err != ErrKeyExhausted {
		t.Fatalf("expected ErrKeyExhausted on reuse, got %v", err)
	}
}
