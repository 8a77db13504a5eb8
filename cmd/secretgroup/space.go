package main

import (
	"fmt"

	"secretgroup/internal/auth"
	"secretgroup/internal/coordinator"
	"secretgroup/internal/keystore"

	"github.com/spf13/cobra"
)

var (
	spaceSessionFlag string
	spaceGroupFlag   string
	spaceOutFlag     string
	spaceInFlag      string
	spaceMemberFlag  string
	spaceAccessFlag  string
	spaceMembersFlag []string
)

// openActor loads session, rebuilds this actor's keystore.Manager and
// every group arena it already holds, and returns a coordinator.Actor
// ready to author or receive for this process's lifetime. Callers that
// mutate an arena must call persistActor afterwards to write the new
// arena snapshot back to the session file.
func openActor() (*coordinator.Actor, *Session, *keystore.Registry, error) {
	session, err := loadSession(spaceSessionFlag)
	if err != nil {
		return nil, nil, nil, err
	}
	mgr := keystore.FromIdentity(session.Identity, nil)
	reg := keystore.NewRegistry(nil)
	reg.Restore(session.Bundles)

	hcfg, err := loadHostConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	a := coordinator.NewActor(mgr.MemberID(), mgr, reg, hostRNG(hcfg), nil)

	for group, snap := range session.Groups {
		if err := a.ImportGroup(group, snap); err != nil {
			return nil, nil, nil, fmt.Errorf("restore group %s: %w", group.String()[:8], err)
		}
	}
	return a, session, reg, nil
}

// persistActor re-exports group's arena from a, snapshots reg (one-time
// pre-keys it consumed this run must not be handed out again on the
// next invocation), and saves the session.
func persistActor(a *coordinator.Actor, session *Session, reg *keystore.Registry, group coordinator.GroupID) error {
	snap, err := a.ExportGroup(group)
	if err != nil {
		return err
	}
	session.Groups[group] = snap
	session.Bundles = reg.Snapshot()
	return saveSession(spaceSessionFlag, session)
}

func spaceCreateRun(cmd *cobra.Command, _ []string) error {
	a, session, reg, err := openActor()
	if err != nil {
		return err
	}
	group := groupIDFromName(spaceGroupFlag)

	self := session.Identity.IdentityPub
	initial := []auth.InitialMember{
		{Member: auth.Member{Individual: &self}, Access: auth.AccessManage},
	}
	for _, spec := range spaceMembersFlag {
		id, access, err := parseMemberSpec(spec)
		if err != nil {
			return err
		}
		initial = append(initial, auth.InitialMember{Member: auth.Member{Individual: &id}, Access: access})
	}

	msg, err := a.CreateGroup(group, initial)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	if err := persistActor(a, session, reg, group); err != nil {
		return err
	}
	if err := saveEnvelope(spaceOutFlag, &Envelope{Message: msg, History: session.Groups[group].AuthOps}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "space %q created, envelope written to %s\n", spaceGroupFlag, spaceOutFlag)
	return nil
}

func spaceJoinRun(cmd *cobra.Command, _ []string) error {
	a, session, reg, err := openActor()
	if err != nil {
		return err
	}
	group := groupIDFromName(spaceGroupFlag)
	env, err := loadEnvelope(spaceInFlag)
	if err != nil {
		return err
	}
	if err := a.Join(group, env.History, env.Message.Enc); err != nil {
		return fmt.Errorf("join space: %w", err)
	}
	if err := persistActor(a, session, reg, group); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "joined space %q\n", spaceGroupFlag)
	return nil
}

func spaceAddMemberRun(cmd *cobra.Command, _ []string) error {
	a, session, reg, err := openActor()
	if err != nil {
		return err
	}
	group := groupIDFromName(spaceGroupFlag)
	member, err := parseMemberID(spaceMemberFlag)
	if err != nil {
		return err
	}
	access, err := parseAccess(spaceAccessFlag)
	if err != nil {
		return err
	}
	msg, err := a.AddMember(group, member, access)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	if err := persistActor(a, session, reg, group); err != nil {
		return err
	}
	if err := saveEnvelope(spaceOutFlag, &Envelope{Message: msg, History: session.Groups[group].AuthOps}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %s to %q, envelope written to %s\n", member.String()[:16], spaceGroupFlag, spaceOutFlag)
	return nil
}

func spaceRemoveMemberRun(cmd *cobra.Command, _ []string) error {
	a, session, reg, err := openActor()
	if err != nil {
		return err
	}
	group := groupIDFromName(spaceGroupFlag)
	member, err := parseMemberID(spaceMemberFlag)
	if err != nil {
		return err
	}
	msg, err := a.RemoveMember(group, member)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if err := persistActor(a, session, reg, group); err != nil {
		return err
	}
	if err := saveEnvelope(spaceOutFlag, &Envelope{Message: msg, History: session.Groups[group].AuthOps}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %q, envelope written to %s\n", member.String()[:16], spaceGroupFlag, spaceOutFlag)
	return nil
}

func spaceSendRun(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("send requires exactly one plaintext argument")
	}
	a, session, reg, err := openActor()
	if err != nil {
		return err
	}
	group := groupIDFromName(spaceGroupFlag)
	msg, err := a.Send(group, []byte(args[0]))
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := persistActor(a, session, reg, group); err != nil {
		return err
	}
	if err := saveEnvelope(spaceOutFlag, &Envelope{Message: msg}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent, envelope written to %s\n", spaceOutFlag)
	return nil
}

func spaceDeliverRun(cmd *cobra.Command, _ []string) error {
	a, session, reg, err := openActor()
	if err != nil {
		return err
	}
	group := groupIDFromName(spaceGroupFlag)
	env, err := loadEnvelope(spaceInFlag)
	if err != nil {
		return err
	}
	outs, err := a.Deliver(group, env.Message)
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	if err := persistActor(a, session, reg, group); err != nil {
		return err
	}
	for _, out := range outs {
		if out.HasPlaintext {
			fmt.Fprintf(cmd.OutOrStdout(), "plaintext: %s\n", out.Plaintext)
		}
		if out.MembershipChanged {
			fmt.Fprintln(cmd.OutOrStdout(), "membership changed")
		}
		if out.MemberRemoved {
			fmt.Fprintln(cmd.OutOrStdout(), "this actor was removed from the encryption group")
		}
	}
	return nil
}

func parseMemberSpec(spec string) (auth.MemberID, auth.Access, error) {
	idPart, accessPart, ok := cutLast(spec, ':')
	if !ok {
		return auth.MemberID{}, 0, fmt.Errorf("member spec %q must be <hex-id>:<access>", spec)
	}
	id, err := digestFromHex(idPart)
	if err != nil {
		return auth.MemberID{}, 0, err
	}
	access, err := parseAccess(accessPart)
	if err != nil {
		return auth.MemberID{}, 0, err
	}
	return id, access, nil
}

func cutLast(s string, sep byte) (before, after string, ok bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

var spaceCmd = &cobra.Command{
	Use:   "space",
	Short: "Create, join, and operate a secret group space",
}

func init() {
	spaceCmd.PersistentFlags().StringVar(&spaceSessionFlag, "session", "actor.session", "path to this actor's session file")

	create := &cobra.Command{Use: "create", Short: "Create a new space with this actor as its first manager", RunE: spaceCreateRun}
	create.Flags().StringVar(&spaceGroupFlag, "group", "", "space name")
	create.Flags().StringVar(&spaceOutFlag, "out", "create.envelope", "output path for the create envelope")
	create.Flags().StringSliceVar(&spaceMembersFlag, "members", nil, "additional genesis members as <hex-id>:<access>")
	create.MarkFlagRequired("group")
	spaceCmd.AddCommand(create)

	join := &cobra.Command{Use: "join", Short: "Join a space from a create/add envelope addressed to this actor", RunE: spaceJoinRun}
	join.Flags().StringVar(&spaceGroupFlag, "group", "", "space name")
	join.Flags().StringVar(&spaceInFlag, "in", "create.envelope", "input envelope that admitted this actor")
	join.MarkFlagRequired("group")
	spaceCmd.AddCommand(join)

	add := &cobra.Command{Use: "add-member", Short: "Add a member to a space", RunE: spaceAddMemberRun}
	add.Flags().StringVar(&spaceGroupFlag, "group", "", "space name")
	add.Flags().StringVar(&spaceMemberFlag, "member", "", "new member's hex member id")
	add.Flags().StringVar(&spaceAccessFlag, "access", "read", "access level: none|pull|read|write|manage")
	add.Flags().StringVar(&spaceOutFlag, "out", "add.envelope", "output path for the add envelope")
	add.MarkFlagRequired("group")
	add.MarkFlagRequired("member")
	spaceCmd.AddCommand(add)

	remove := &cobra.Command{Use: "remove-member", Short: "Remove a member from a space", RunE: spaceRemoveMemberRun}
	remove.Flags().StringVar(&spaceGroupFlag, "group", "", "space name")
	remove.Flags().StringVar(&spaceMemberFlag, "member", "", "member's hex member id to remove")
	remove.Flags().StringVar(&spaceOutFlag, "out", "remove.envelope", "output path for the remove envelope")
	remove.MarkFlagRequired("group")
	remove.MarkFlagRequired("member")
	spaceCmd.AddCommand(remove)

	send := &cobra.Command{Use: "send <text>", Short: "Send an application message to a space", Args: cobra.ExactArgs(1), RunE: spaceSendRun}
	send.Flags().StringVar(&spaceGroupFlag, "group", "", "space name")
	send.Flags().StringVar(&spaceOutFlag, "out", "send.envelope", "output path for the send envelope")
	send.MarkFlagRequired("group")
	spaceCmd.AddCommand(send)

	deliver := &cobra.Command{Use: "deliver", Short: "Deliver a received envelope to this actor's local state", RunE: spaceDeliverRun}
	deliver.Flags().StringVar(&spaceGroupFlag, "group", "", "space name")
	deliver.Flags().StringVar(&spaceInFlag, "in", "", "input envelope to deliver")
	deliver.MarkFlagRequired("group")
	deliver.MarkFlagRequired("in")
	spaceCmd.AddCommand(deliver)

	simulate := &cobra.Command{Use: "simulate <scenario.yaml>", Short: "Drive the in-memory network simulator against a scripted scenario", Args: cobra.ExactArgs(1), RunE: spaceSimulateRun}
	spaceCmd.AddCommand(simulate)
}
