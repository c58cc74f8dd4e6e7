package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/docsync/internal/app"
	"github.com/kimhsiao/docsync/internal/export"
	backupscheduler "github.com/kimhsiao/docsync/internal/export/scheduler"
)

func printExport(w io.Writer, r *export.ExportResult) {
	kind := "plain"
	if r.Encrypted {
		kind = "encrypted"
	}
	fmt.Fprintf(w, "%s Backup written to %s\n", renderPass("✓"), r.FilePath)
	fmt.Fprintf(w, "   %s, %d item(s), %s in %v\n",
		humanize.Bytes(uint64(r.SizeBytes)), r.ItemCount, kind, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "   sha256 %s\n", renderMuted(r.Checksum))
}

func newExportCmd(f *globalFlags) *cobra.Command {
	var (
		output   string
		password string
	)
	cmd := &cobra.Command{
		Use:     "export",
		GroupID: "backup",
		Short:   "Write a backup of every table and setting",
		Long: `Write a backup of all live records and local settings.

Without --output the backup goes to backup.dir with a timestamped name,
is encrypted with backup.password when one is configured, and the oldest
backups beyond backup.retention are removed. With --output the backup is
written exactly there, encrypted only when --password is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password != "" && output == "" {
				return errors.New("--password requires --output; scheduled backups use backup.password")
			}
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var (
					result *export.ExportResult
					err    error
				)
				if output == "" {
					result, err = a.BackupScheduler.RunNow(ctx)
				} else {
					result, err = a.Backups.ExportToFile(ctx, output, password)
				}
				if err != nil {
					return err
				}
				printExport(out(cmd), result)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "backup file to write")
	cmd.Flags().StringVarP(&password, "password", "p", "", "encrypt the backup with this password")
	return cmd
}

func newImportCmd(f *globalFlags) *cobra.Command {
	var (
		password string
		force    bool
	)
	cmd := &cobra.Command{
		Use:     "import <file>",
		GroupID: "backup",
		Short:   "Replace all local data with a backup",
		Long: `Replace every table and setting with the content of a backup.

Local changes that were never synced are lost, and the next sync downloads
the whole remote again. The import is all-or-nothing: a damaged backup
leaves the local data untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return errors.New("import replaces all local data; pass --force to continue")
			}
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				result, err := a.Backups.ImportFromFile(ctx, args[0], password)
				if err != nil {
					return err
				}
				w := out(cmd)
				fmt.Fprintf(w, "%s Restored %s in %v\n", renderPass("✓"), args[0], result.Duration.Round(time.Millisecond))
				tables := make([]string, 0, len(result.Tables))
				for name := range result.Tables {
					tables = append(tables, name)
				}
				sort.Strings(tables)
				for _, name := range tables {
					fmt.Fprintf(w, "   %-14s %d\n", name+":", result.Tables[name])
				}
				fmt.Fprintf(w, "   %-14s %d\n", "settings:", result.Settings)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password of an encrypted backup")
	cmd.Flags().BoolVar(&force, "force", false, "confirm that local data may be replaced")
	return cmd
}

func newBackupsCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "backups",
		GroupID: "backup",
		Short:   "List backups in the backup directory",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := f.resolve()
			if err != nil {
				return err
			}
			archives, err := backupscheduler.ListArchives(cfg.Backup.Dir)
			if err != nil {
				return err
			}
			w := out(cmd)
			if len(archives) == 0 {
				fmt.Fprintf(w, "No backups in %s\n", cfg.Backup.Dir)
				return nil
			}
			for i := len(archives) - 1; i >= 0; i-- {
				arc := archives[i]
				lock := " "
				if arc.Encrypted {
					lock = "🔒"
				}
				fmt.Fprintf(w, "%s %-9s %-16s %s\n", lock, humanize.Bytes(uint64(arc.SizeBytes)),
					humanize.Time(arc.CreatedAt), arc.Path)
			}
			return nil
		},
	}
}
