package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/docsync/internal/app"
	"github.com/kimhsiao/docsync/internal/config"
	"github.com/kimhsiao/docsync/internal/logging"
)

func newDaemonCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled sync and backups in the foreground",
		Long: `Run the sync scheduler and the backup scheduler until interrupted.
Edits to the config file are applied without a restart: sync intervals,
backup settings and the log level.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cfg, err := f.resolve()
			if err != nil {
				return err
			}
			if closer := app.SetupLogging(cfg.Log, os.Stdout); closer != nil {
				defer closer.Close()
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			mgr.Watch(func(old, updated *config.Config) {
				a.Reconfigure(ctx, old, updated)
			})

			fmt.Fprintf(cmd.ErrOrStderr(), "%s docsync daemon running (remote: %s, every %v); Ctrl-C to stop\n",
				renderAccent("●"), cfg.Remote.Kind, cfg.Sync.Interval)
			logging.Info("Daemon started", map[string]interface{}{
				"data_dir":        cfg.DataDir,
				"remote":          cfg.Remote.Kind,
				"sync_interval":   cfg.Sync.Interval.String(),
				"backup_interval": cfg.Backup.Interval,
			})
			err = a.Run(ctx, nil)
			logging.Info("Daemon stopped")
			return err
		},
	}
}
