package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gtriggiano/netwatchz/pkg/engine"
)

func init() {
	rootCmd.AddCommand(syncListsCmd)
}

var syncListsCmd = &cobra.Command{
	Use:   "sync-lists",
	Short: "Run every IP list fetch job once and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfigAndLogger("")
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		if !cfg.IPList.Enabled || len(cfg.IPList.FetchJobs) == 0 {
			logger.Info("no ip list fetch job is configured")
			return nil
		}

		ctx := context.Background()
		eng, err := engine.New(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		if err := eng.SyncLists(ctx); err != nil {
			logger.Error("ip list sync failed", zap.Error(err))
			return err
		}
		logger.Info("ip lists synced", zap.Int("jobs", len(cfg.IPList.FetchJobs)))
		return nil
	},
}
