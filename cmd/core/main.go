// Command docsync is the command-line front end of the sync engine: one-shot
// sync passes, status, backups and a foreground daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/docsync/internal/app"
	"github.com/kimhsiao/docsync/internal/config"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	root := &cobra.Command{
		Use:           "docsync",
		Short:         "Offline-first document store with background sync",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "configuration file (default: ./docsync.yaml if present)")
	root.PersistentFlags().StringVar(&flags.envFile, "env", "", "dotenv file (default: ./.env if present)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level")

	root.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "backup", Title: "Backup:"},
	)
	root.AddCommand(
		newSyncCmd(&flags),
		newUploadCmd(&flags),
		newDownloadCmd(&flags),
		newStatusCmd(&flags),
		newLogCmd(&flags),
		newRetryCmd(&flags),
		newCompactCmd(&flags),
		newConflictsCmd(&flags),
		newExportCmd(&flags),
		newImportCmd(&flags),
		newBackupsCmd(&flags),
		newDaemonCmd(&flags),
	)
	return root
}

// resolve loads the configuration without opening anything.
func (f *globalFlags) resolve() (*config.Manager, *config.Config, error) {
	mgr, err := config.Load(config.Options{ConfigFile: f.configFile, EnvFile: f.envFile})
	if err != nil {
		return nil, nil, err
	}
	cfg := *mgr.Config()
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return mgr, &cfg, nil
}

// withApp loads the configuration, builds the app and runs fn against it.
// Logs go to stderr so command output stays clean.
func (f *globalFlags) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	_, cfg, err := f.resolve()
	if err != nil {
		return err
	}
	if closer := app.SetupLogging(cfg.Log, cmd.ErrOrStderr()); closer != nil {
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
	return fn(ctx, a)
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
