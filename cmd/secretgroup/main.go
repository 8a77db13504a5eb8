// Command secretgroup hosts the CLI surface for a secret-group actor:
// create an identity, create or join a space (a group under both the
// Auth CRDT and the Encryption Group), send and receive messages, and
// drive the Test Harness against a scripted scenario file. Adapted
// from the teacher's cmd/cli command-tree idiom (one cobra.Command per
// concern, wired together in main), trimmed to the actor and space
// command groups — there is no relay transport in scope (spec.md §1), so
// every command that produces a message writes it to a file for the
// operator to carry to the next command by hand.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"secretgroup/cmd/config"
	pkgconfig "secretgroup/pkg/config"

	"github.com/spf13/cobra"
)

var configEnvFlag string

var rootCmd = &cobra.Command{
	Use:   "secretgroup",
	Short: "Secret Group Core: auth CRDT + encryption group CLI",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configEnvFlag, "env", "", "config environment overlay (e.g. sim)")
	rootCmd.AddCommand(actorCmd)
	rootCmd.AddCommand(spaceCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadHostConfig loads cmd/config/default.yaml, merged with the
// --env overlay if one was given, via the shared config package.
func loadHostConfig() (pkgconfig.Config, error) {
	config.LoadConfig(configEnvFlag)
	return config.AppConfig, nil
}

// seedFromHex turns a hex-encoded seed string into the 32-byte seed
// xcrypto.NewDeterministicRNG wants, padding with zero bytes (or
// truncating) to fit — a scenario file's seed is free to supply fewer
// than 64 hex digits.
func seedFromHex(s string) [32]byte {
	var seed [32]byte
	if s == "" {
		return seed
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return seed
	}
	copy(seed[:], b)
	return seed
}
