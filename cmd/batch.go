package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

var (
	batchUser   string
	batchSize   int
	batchBudget time.Duration
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Process one batch of pending emails without fetching",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Coord.RunBatch(ctx, batchUser, model.BatchOptions{
			BatchSize: batchSize,
			Budget:    batchBudget,
		})
		if err != nil {
			return eris.Wrap(err, "batch")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchUser, "user", "", "user ID (required)")
	batchCmd.Flags().IntVar(&batchSize, "size", 0, "batch size (default sized from backlog)")
	batchCmd.Flags().DurationVar(&batchBudget, "budget", 0, "wall-clock budget, e.g. 45s (default from config)")
	_ = batchCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(batchCmd)
}
