package main

import (
	"fmt"

	"secretgroup/internal/keystore"
	"secretgroup/internal/xcrypto"
	pkgconfig "secretgroup/pkg/config"

	"github.com/spf13/cobra"
)

var (
	actorSessionFlag  string
	actorPreKeysFlag  int
	actorIdentityFlag string
)

func actorCreateRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadHostConfig()
	if err != nil {
		return err
	}
	if actorPreKeysFlag <= 0 {
		actorPreKeysFlag = cfg.Actor.OneTimePreKeyCount
	}
	rng := hostRNG(cfg)

	mgr, err := keystore.NewManager(rng, nil)
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	bundles, err := mgr.PublishBundle(rng, actorPreKeysFlag)
	if err != nil {
		return fmt.Errorf("publish pre-key bundles: %w", err)
	}

	session := newSession(mgr.Export())
	session.Bundles[mgr.MemberID()] = bundles
	if err := saveSession(actorSessionFlag, session); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "actor %s created, session saved to %s\n", mgr.MemberID().String()[:16], actorSessionFlag)
	return nil
}

func actorWhoamiRun(cmd *cobra.Command, _ []string) error {
	session, err := loadSession(actorSessionFlag)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), session.Identity.IdentityPub.String())
	return nil
}

func actorBundleRun(cmd *cobra.Command, _ []string) error {
	session, err := loadSession(actorSessionFlag)
	if err != nil {
		return err
	}
	bundles, ok := session.Bundles[session.Identity.IdentityPub]
	if !ok {
		return fmt.Errorf("no published bundles for this actor in %s", actorSessionFlag)
	}
	if err := gobEncodeFile(actorIdentityFlag, bundles); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d pre-key bundles to %s\n", len(bundles), actorIdentityFlag)
	return nil
}

func actorImportBundleRun(cmd *cobra.Command, _ []string) error {
	session, err := loadSession(actorSessionFlag)
	if err != nil {
		return err
	}
	var bundles []keystore.PreKeyBundle
	if err := gobDecodeFile(actorIdentityFlag, &bundles); err != nil {
		return err
	}
	if len(bundles) == 0 {
		return fmt.Errorf("%s contains no bundles", actorIdentityFlag)
	}
	owner := bundles[0].IdentityPK
	session.Bundles[owner] = bundles
	if err := saveSession(actorSessionFlag, session); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d pre-key bundles for %s\n", len(bundles), owner.String()[:16])
	return nil
}

var actorCmd = &cobra.Command{
	Use:   "actor",
	Short: "Manage a local actor identity",
}

func init() {
	actorCmd.PersistentFlags().StringVar(&actorSessionFlag, "session", "actor.session", "path to this actor's session file")

	create := &cobra.Command{
		Use:   "create",
		Short: "Generate a new actor identity and pre-key bundles",
		RunE:  actorCreateRun,
	}
	create.Flags().IntVar(&actorPreKeysFlag, "one-time-prekeys", 0, "one-time pre-key count (0 = use config default)")
	actorCmd.AddCommand(create)

	actorCmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Print this actor's member id",
		RunE:  actorWhoamiRun,
	})

	bundle := &cobra.Command{
		Use:   "export-bundle",
		Short: "Write this actor's pre-key bundles to a file, for another actor to publish into their own registry view",
		RunE:  actorBundleRun,
	}
	bundle.Flags().StringVar(&actorIdentityFlag, "out", "bundle.gob", "output path for the pre-key bundle file")
	actorCmd.AddCommand(bundle)

	importBundle := &cobra.Command{
		Use:   "import-bundle",
		Short: "Publish another actor's exported pre-key bundles into this actor's local registry view",
		RunE:  actorImportBundleRun,
	}
	importBundle.Flags().StringVar(&actorIdentityFlag, "in", "bundle.gob", "input path for the pre-key bundle file")
	actorCmd.AddCommand(importBundle)
}

// hostRNG returns a deterministic RNG when the loaded config asks for
// one (cmd/config/sim.yaml does, for reproducible scenario runs),
// otherwise the system CSPRNG.
func hostRNG(cfg pkgconfig.Config) xcrypto.RNG {
	if cfg.RNG.Deterministic {
		return xcrypto.NewDeterministicRNG(seedFromHex(cfg.RNG.Seed))
	}
	return xcrypto.SystemRNG()
}
