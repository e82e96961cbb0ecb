package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

var statusUser string

// statusReport is the CLI/API view of a user's pipeline state.
type statusReport struct {
	model.PipelineStatus
	PendingEmails int `json:"pending_emails"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline status and backlog for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		st, pending, err := env.Coord.Status(ctx, statusUser)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statusReport{PipelineStatus: st, PendingEmails: pending})
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusUser, "user", "", "user ID (required)")
	_ = statusCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(statusCmd)
}
