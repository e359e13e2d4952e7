package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Hibari/internal/hibari/store"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the per-conversation block lists and on/off switch",
	}
	cmd.AddCommand(
		newPolicyUpdateCmd("block", true),
		newPolicyUpdateCmd("unblock", false),
		newPolicySwitchCmd("enable", "on", true),
		newPolicySwitchCmd("disable", "off", false),
		newPolicyShowCmd(),
	)
	return cmd
}

func parsePolicyField(s string) (store.PolicyField, error) {
	switch s {
	case "user", "users":
		return store.PolicyUsers, nil
	case "keyword", "keywords":
		return store.PolicyKeywords, nil
	}
	return 0, fmt.Errorf("unknown list %q: want user or keyword", s)
}

func newPolicyUpdateCmd(verb string, block bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <user|keyword> <conversation> <value>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a user or keyword in a conversation",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			field, err := parsePolicyField(args[0])
			if err != nil {
				return err
			}
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := db.UpdatePolicy(cmd.Context(), args[1], field, args[2], block)
			if err != nil {
				return err
			}
			printPolicy(cmd, args[1], p)
			return nil
		},
	}
}

// newPolicySwitchCmd writes the on/off flag straight to the database. A
// running server applies it to new sessions at once and to live ones on its
// next maintenance tick; "conversation disable" acts immediately.
func newPolicySwitchCmd(verb, state string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <conversation>",
		Short: "Switch the assistant " + state + " in a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := db.SetEnabled(cmd.Context(), args[0], enabled)
			if err != nil {
				return err
			}
			printPolicy(cmd, args[0], p)
			return nil
		},
	}
}

func newPolicyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation>",
		Short: "Print the block lists of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := db.LoadPolicy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printPolicy(cmd, args[0], p)
			return nil
		},
	}
}

func printPolicy(cmd *cobra.Command, conversation string, p store.ChatPolicy) {
	state := "on"
	if p.Disabled {
		state = "off"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n  assistant:        %s\n  blocked users:    %s\n  blocked keywords: %s\n",
		conversation, state, strings.Join(p.BlockedUsers, ", "), strings.Join(p.BlockedKeywords, ", "))
}
