package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

var (
	syncUser     string
	syncForce    bool
	syncDaysBack int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync: fetch newsletters, extract companies, persist",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Coord.RunSync(ctx, syncUser, model.SyncOptions{
			ForceRefresh: syncForce,
			DaysBack:     syncDaysBack,
		})
		if err != nil {
			return eris.Wrap(err, "sync")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncUser, "user", "", "user ID to sync (required)")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "bypass the freshness check")
	syncCmd.Flags().IntVar(&syncDaysBack, "days-back", 0, "first-sync fetch horizon in days (default from config)")
	_ = syncCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(syncCmd)
}
