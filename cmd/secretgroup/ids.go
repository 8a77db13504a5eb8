package main

import (
	"encoding/hex"
	"fmt"

	"secretgroup/internal/coordinator"
	"secretgroup/internal/xcrypto"
)

// groupIDFromName derives a stable GroupID from an operator-chosen
// name, so a scenario file or a command line can name a space by a
// human-readable string instead of a raw digest.
func groupIDFromName(name string) coordinator.GroupID {
	return xcrypto.Hash([]byte(name))
}

func digestFromHex(s string) (xcrypto.Digest, error) {
	var d xcrypto.Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid hex id %q: %w", s, err)
	}
	if len(b) != xcrypto.DigestSize {
		return d, fmt.Errorf("id %q is %d bytes, want %d", s, len(b), xcrypto.DigestSize)
	}
	copy(d[:], b)
	return d, nil
}
