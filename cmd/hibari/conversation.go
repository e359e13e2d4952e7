package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Hibari/internal/hibari/control"
)

// newConversationCmd talks to the control API of a running server.
func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversation",
		Short: "Inspect and steer live conversations of a running server",
		Long: `Commands under conversation call the control API of "hibari serve".
The server is found through control.url, or control.addr, in the
configuration (HIBARI_CONTROL_URL / HIBARI_CONTROL_ADDR) and authenticated
with control.token (HIBARI_CONTROL_TOKEN).`,
	}
	cmd.AddCommand(
		newConversationListCmd(),
		newConversationStatusCmd("status", "Print a conversation's reply desire", (*control.Client).Conversation),
		newConversationStatusCmd("mute", "Mute the assistant in a conversation", (*control.Client).Mute),
		newConversationStatusCmd("unmute", "Lift a mute early", (*control.Client).Unmute),
		newConversationResetCmd(),
		newConversationSwitchCmd("enable", "on", true),
		newConversationSwitchCmd("disable", "off", false),
	)
	return cmd
}

// controlClient builds a client from the configuration.
func controlClient(cmd *cobra.Command) (*control.Client, error) {
	cfg, err := readConfig(cmd)
	if err != nil {
		return nil, err
	}
	if !cfg.Control.Enabled() && cfg.Control.URL == "" {
		return nil, errors.New("control API not configured: set control.addr or control.url")
	}
	return control.NewClient(cfg.Control.BaseURL(), cfg.Control.Token), nil
}

func newConversationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := controlClient(cmd)
			if err != nil {
				return err
			}
			list, err := c.Conversations(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(w, "no live conversations")
				return nil
			}
			for _, st := range list {
				fmt.Fprintf(w, "%-40s %-8s %-8s p=%.3f\n", st.ID, st.Kind, st.State, st.Probability)
			}
			return nil
		},
	}
}

// statusCall is a client method answering with a conversation status.
type statusCall func(*control.Client, context.Context, string) (*control.ConversationStatus, error)

func newConversationStatusCmd(verb, short string, call statusCall) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <conversation>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controlClient(cmd)
			if err != nil {
				return err
			}
			st, err := call(c, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(cmd, st)
			return nil
		},
	}
}

func newConversationResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <conversation>",
		Short: "Stop a conversation's session and forget its message window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controlClient(cmd)
			if err != nil {
				return err
			}
			if err := c.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reset\n", args[0])
			return nil
		},
	}
}

func newConversationSwitchCmd(verb, state string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <conversation>",
		Short: "Switch the assistant " + state + " in a conversation now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controlClient(cmd)
			if err != nil {
				return err
			}
			if err := c.SetEnabled(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s switched %s\n", args[0], state)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, st *control.ConversationStatus) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s (%s)\n", st.ID, st.Kind)
	fmt.Fprintf(w, "  state:          %s\n", st.State)
	if st.MuteUntil != nil {
		fmt.Fprintf(w, "  muted until:    %s\n", st.MuteUntil.Local().Format(time.DateTime))
	}
	fmt.Fprintf(w, "  accumulated:    %d\n", st.Accumulated)
	fmt.Fprintf(w, "  hotness:        %.2f\n", st.Hotness)
	fmt.Fprintf(w, "  probability:    %.3f\n", st.Probability)
	fmt.Fprintf(w, "  pending timers: %d\n", st.Timers)
	fmt.Fprintf(w, "  window entries: %d\n", st.Window)
}
