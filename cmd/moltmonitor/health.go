package main

import (
	"encoding/json"
	"fmt"
	"moltmonitor/internal/api"
	"moltmonitor/internal/client"
	"moltmonitor/internal/config"
	"moltmonitor/internal/models"
	"moltmonitor/internal/storage"
	"os"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check storage and proxy once",
		Long:  "Runs the daemon's health probes without starting it. Exits 1 when unhealthy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			store, err := storage.NewFactory().Create(cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()

			checker := api.NewHealthChecker(store, client.New(client.ConfigFrom(cfg.Upstream)))
			resp := checker.Check(cmd.Context())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(resp); err != nil {
				return fmt.Errorf("failed to encode health report: %w", err)
			}
			if resp.Status == models.StatusUnhealthy {
				os.Exit(1)
			}
			return nil
		},
	}
}
