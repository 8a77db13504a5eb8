package main

import (
	"fmt"
	"os"

	"secretgroup/internal/auth"
	"secretgroup/internal/coordinator"
	"secretgroup/internal/netsim"
	"secretgroup/internal/xcrypto"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Scenario is the YAML shape a space simulate run parses: a fixed cast
// of actors sharing one deterministic network, driven step by step
// through the same operations the space subcommands expose one at a
// time. Adapted from the teacher's table-driven simulation configs
// (core/bft_simulation.go's parameter struct) to this module's
// multi-actor, multi-step shape.
type Scenario struct {
	Seed           string   `yaml:"seed"`
	OneTimePreKeys int      `yaml:"one_time_prekeys"`
	Group          string   `yaml:"group"`
	Actors         []string `yaml:"actors"`
	Steps          []Step   `yaml:"steps"`
}

// Step is one scripted action by one named actor.
type Step struct {
	Actor string `yaml:"actor"`
	Op    string `yaml:"op"` // create|add|remove|promote|demote|update|join|send|drain|reorder

	Members []string `yaml:"members"` // create: "<actor-name>:<access>"
	Member  string   `yaml:"member"`  // add/remove/promote/demote: actor name
	Access  string   `yaml:"access"`

	Text      string   `yaml:"text"` // send
	To        []string `yaml:"to"`
	Broadcast bool     `yaml:"broadcast"`

	Order []int `yaml:"order"` // reorder
}

func spaceSimulateRun(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return fmt.Errorf("parse scenario: %w", err)
	}
	if sc.OneTimePreKeys <= 0 {
		sc.OneTimePreKeys = 4
	}

	out := cmd.OutOrStdout()
	rng := xcrypto.NewDeterministicRNG(seedFromHex(sc.Seed))
	net := netsim.NewNetwork(rng, nil)
	group := groupIDFromName(sc.Group)

	byName := make(map[string]*netsim.Participant, len(sc.Actors))
	for _, name := range sc.Actors {
		p, err := net.AddParticipant(sc.OneTimePreKeys)
		if err != nil {
			return fmt.Errorf("add participant %s: %w", name, err)
		}
		byName[name] = p
	}
	resolve := func(name string) (*netsim.Participant, error) {
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown actor %q", name)
		}
		return p, nil
	}

	// admit tracks, per actor name, the envelope and auth history that
	// let them join the space — set when a create or add names them.
	type admission struct {
		history []*auth.Operation
		welcome *coordinator.GroupMessage
	}
	admit := make(map[string]admission)

	for i, step := range sc.Steps {
		actor, err := resolve(step.Actor)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		switch step.Op {
		case "create":
			self := actor.ID
			initial := []auth.InitialMember{{Member: auth.Member{Individual: &self}, Access: auth.AccessManage}}
			for _, spec := range step.Members {
				name, access, err := parseScenarioMemberSpec(spec)
				if err != nil {
					return fmt.Errorf("step %d: %w", i, err)
				}
				member, err := resolve(name)
				if err != nil {
					return fmt.Errorf("step %d: %w", i, err)
				}
				id := member.ID
				initial = append(initial, auth.InitialMember{Member: auth.Member{Individual: &id}, Access: access})
			}
			msg, err := actor.Actor.CreateGroup(group, initial)
			if err != nil {
				return fmt.Errorf("step %d create: %w", i, err)
			}
			snap, err := actor.Actor.ExportGroup(group)
			if err != nil {
				return fmt.Errorf("step %d create: %w", i, err)
			}
			for _, spec := range step.Members {
				name, _, _ := parseScenarioMemberSpec(spec)
				admit[name] = admission{history: snap.AuthOps, welcome: msg}
			}
			fmt.Fprintf(out, "[%d] %s created %s\n", i, step.Actor, sc.Group)

		case "add":
			target, err := resolve(step.Member)
			if err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			access, err := parseAccess(step.Access)
			if err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			msg, err := actor.Actor.AddMember(group, target.ID, access)
			if err != nil {
				return fmt.Errorf("step %d add: %w", i, err)
			}
			snap, err := actor.Actor.ExportGroup(group)
			if err != nil {
				return fmt.Errorf("step %d add: %w", i, err)
			}
			admit[step.Member] = admission{history: snap.AuthOps, welcome: msg}
			if err := net.Broadcast(group, actor.ID, msg); err != nil {
				return fmt.Errorf("step %d add broadcast: %w", i, err)
			}
			fmt.Fprintf(out, "[%d] %s added %s at %s\n", i, step.Actor, step.Member, step.Access)

		case "remove":
			target, err := resolve(step.Member)
			if err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			msg, err := actor.Actor.RemoveMember(group, target.ID)
			if err != nil {
				return fmt.Errorf("step %d remove: %w", i, err)
			}
			if err := net.Broadcast(group, actor.ID, msg); err != nil {
				return fmt.Errorf("step %d remove broadcast: %w", i, err)
			}
			fmt.Fprintf(out, "[%d] %s removed %s\n", i, step.Actor, step.Member)

		case "promote", "demote":
			target, err := resolve(step.Member)
			if err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			access, err := parseAccess(step.Access)
			if err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			var msg *coordinator.GroupMessage
			if step.Op == "promote" {
				msg, err = actor.Actor.PromoteMember(group, target.ID, access)
			} else {
				msg, err = actor.Actor.DemoteMember(group, target.ID, access)
			}
			if err != nil {
				return fmt.Errorf("step %d %s: %w", i, step.Op, err)
			}
			if err := net.Broadcast(group, actor.ID, msg); err != nil {
				return fmt.Errorf("step %d %s broadcast: %w", i, step.Op, err)
			}
			fmt.Fprintf(out, "[%d] %s %sd %s to %s\n", i, step.Actor, step.Op, step.Member, step.Access)

		case "update":
			msg, err := actor.Actor.Update(group)
			if err != nil {
				return fmt.Errorf("step %d update: %w", i, err)
			}
			if err := net.Broadcast(group, actor.ID, msg); err != nil {
				return fmt.Errorf("step %d update broadcast: %w", i, err)
			}
			fmt.Fprintf(out, "[%d] %s ratcheted the group key\n", i, step.Actor)

		case "join":
			adm, ok := admit[step.Actor]
			if !ok {
				return fmt.Errorf("step %d: %s has no pending admission to join from", i, step.Actor)
			}
			if err := actor.Actor.Join(group, adm.history, adm.welcome.Enc); err != nil {
				return fmt.Errorf("step %d join: %w", i, err)
			}
			fmt.Fprintf(out, "[%d] %s joined %s\n", i, step.Actor, sc.Group)

		case "send":
			msg, err := actor.Actor.Send(group, []byte(step.Text))
			if err != nil {
				return fmt.Errorf("step %d send: %w", i, err)
			}
			if step.Broadcast {
				err = net.Broadcast(group, actor.ID, msg)
			} else {
				recipients := make([]coordinator.MemberID, 0, len(step.To))
				for _, name := range step.To {
					target, rerr := resolve(name)
					if rerr != nil {
						return fmt.Errorf("step %d: %w", i, rerr)
					}
					recipients = append(recipients, target.ID)
				}
				err = net.Send(group, actor.ID, msg, recipients...)
			}
			if err != nil {
				return fmt.Errorf("step %d send: %w", i, err)
			}
			fmt.Fprintf(out, "[%d] %s sent %q\n", i, step.Actor, step.Text)

		case "reorder":
			if err := actor.Reorder(step.Order); err != nil {
				return fmt.Errorf("step %d reorder: %w", i, err)
			}
			fmt.Fprintf(out, "[%d] %s reordered its mailbox to %v\n", i, step.Actor, step.Order)

		case "drain":
			outs, err := actor.DrainAll()
			if err != nil {
				return fmt.Errorf("step %d drain: %w", i, err)
			}
			for _, o := range outs {
				if o.HasPlaintext {
					fmt.Fprintf(out, "[%d] %s received %q\n", i, step.Actor, o.Plaintext)
				}
				if o.MembershipChanged {
					fmt.Fprintf(out, "[%d] %s observed a membership change\n", i, step.Actor)
				}
				if o.MemberRemoved {
					fmt.Fprintf(out, "[%d] %s was removed from the space\n", i, step.Actor)
				}
			}

		default:
			return fmt.Errorf("step %d: unknown op %q", i, step.Op)
		}
	}

	fmt.Fprintln(out, "--- convergence report ---")
	var reference []auth.OperationID
	for _, name := range sc.Actors {
		p := byName[name]
		heads, err := p.Actor.Heads(group)
		if err != nil {
			continue // no arena for this group (never joined)
		}
		members, err := p.Actor.TransitiveMembers(group)
		if err != nil {
			continue
		}
		converged := reference == nil || headsMatch(reference, heads)
		if reference == nil {
			reference = heads
		}
		fmt.Fprintf(out, "%-12s heads=%d members=%d converged=%v\n", name, len(heads), len(members), converged)
	}
	return nil
}

func headsMatch(a, b []auth.OperationID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func parseScenarioMemberSpec(spec string) (name string, access auth.Access, err error) {
	before, after, ok := cutLast(spec, ':')
	if !ok {
		return "", 0, fmt.Errorf("member spec %q must be <actor-name>:<access>", spec)
	}
	access, err = parseAccess(after)
	if err != nil {
		return "", 0, err
	}
	return before, access, nil
}
