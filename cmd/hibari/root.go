package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Hibari/common/version"
	"github.com/bdobrica/Hibari/internal/hibari/config"
	"github.com/bdobrica/Hibari/internal/hibari/store"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hibari",
		Short: "Hibari - a chat assistant for Matrix and Discord",
		Long: `Hibari keeps one session per conversation, remembers what was said and
replies when a message is addressed to it or the conversation is lively.

Examples:
  hibari serve --config hibari.yaml
  hibari memory forget --ratio 0.2
  hibari policy block user matrix:!room:example.org @spam:example.org
  hibari conversation status discord:1234567890`,
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(),
		newVersionCmd(),
		newMemoryCmd(),
		newPolicyCmd(),
		newConversationCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}

// readConfig loads the file named by --config without validating it.
func readConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Read(path)
}

// openStore opens the database named in the configuration.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	cfg, err := readConfig(cmd)
	if err != nil {
		return nil, err
	}
	return store.New(cfg.Database.Path)
}
