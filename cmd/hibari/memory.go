package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Hibari/internal/hibari/memory"
	"github.com/bdobrica/Hibari/internal/hibari/scheduler"
)

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Maintain the stored memory graphs",
	}
	cmd.AddCommand(newMemoryForgetCmd())
	return cmd
}

func newMemoryForgetCmd() *cobra.Command {
	var ratio float64
	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Run one memory decay pass over every stored graph",
		Long: `Forget removes stale memories from every stored graph, each eligible
one with probability --ratio. Stop the server first: a running server keeps
its own copy of the graphs and would write them back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ratio < 0 || ratio > 1 {
				return fmt.Errorf("--ratio must be within [0, 1], got %v", ratio)
			}
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := scheduler.Forget(cmd.Context(), nil, db, ratio, time.Now(), memory.Options{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %d memories\n", n)
			return nil
		},
	}
	cmd.Flags().Float64Var(&ratio, "ratio", 0.1, "probability that an eligible memory is forgotten")
	return cmd
}
