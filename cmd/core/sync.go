package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/docsync/internal/app"
	"github.com/kimhsiao/docsync/internal/db"
	"github.com/kimhsiao/docsync/internal/models"
	syncpkg "github.com/kimhsiao/docsync/internal/sync"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult reports a pass. A failed pass still prints what it managed.
func printResult(w io.Writer, kind string, res *syncpkg.SyncResult, err error) {
	if res == nil {
		return
	}
	mark, verb := renderPass("✓"), "complete"
	if err != nil {
		mark, verb = renderFail("✗"), "failed"
	} else if res.Failed > 0 || res.DeadLettered > 0 {
		mark, verb = renderWarn("⚠"), "finished with failures"
	}
	fmt.Fprintf(w, "%s %s %s in %v\n", mark, kind, verb, res.Duration.Round(time.Millisecond))
	if kind != "Download" {
		fmt.Fprintf(w, "   Uploaded: %d  Deferred: %d  Skipped: %d  Failed: %d  Dead-lettered: %d\n",
			res.Uploaded, res.Deferred, res.Skipped, res.Failed, res.DeadLettered)
	}
	if kind != "Upload" {
		fmt.Fprintf(w, "   Downloaded: %d  Deleted: %d  Unchanged: %d  Conflicts: %d\n",
			res.Downloaded, res.Deleted, res.Unchanged, res.Conflicts)
	}
}

type passFunc func(ctx context.Context, a *app.App) (*syncpkg.SyncResult, error)

func newPassCmd(f *globalFlags, use, kind, short string, pass passFunc) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     use,
		GroupID: "sync",
		Short:   short,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := pass(ctx, a)
				if asJSON && res != nil {
					if jerr := writeJSON(out(cmd), res); jerr != nil {
						return jerr
					}
				} else {
					printResult(out(cmd), kind, res, err)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newSyncCmd(f *globalFlags) *cobra.Command {
	cmd := newPassCmd(f, "sync", "Sync", "Upload pending changes, then download remote changes",
		func(ctx context.Context, a *app.App) (*syncpkg.SyncResult, error) {
			return a.Scheduler.SyncNow(ctx)
		})
	cmd.Long = `Run one full sync pass: every pending local change is pushed to the
remote, then remote changes since the last download are applied locally.
Concurrent edits are resolved with the configured conflict strategy.`
	return cmd
}

func newUploadCmd(f *globalFlags) *cobra.Command {
	return newPassCmd(f, "upload", "Upload", "Push pending local changes only",
		func(ctx context.Context, a *app.App) (*syncpkg.SyncResult, error) {
			return a.Engine.UploadPendingChanges(ctx)
		})
}

func newDownloadCmd(f *globalFlags) *cobra.Command {
	return newPassCmd(f, "download", "Download", "Apply remote changes only",
		func(ctx context.Context, a *app.App) (*syncpkg.SyncResult, error) {
			return a.Engine.DownloadRemoteChanges(ctx)
		})
}

// StatusReport is the machine-readable form of `docsync status`.
type StatusReport struct {
	Remote         string              `json:"remote"`
	PendingRecords int                 `json:"pending_records"`
	FailedRecords  int                 `json:"failed_records"`
	Log            models.SyncLogStats `json:"log"`
	LastSync       *time.Time          `json:"last_sync,omitempty"`
	Watermark      *time.Time          `json:"download_watermark,omitempty"`
	DatabasePath   string              `json:"database_path"`
	DatabaseBytes  int64               `json:"database_bytes"`
}

func buildStatus(ctx context.Context, a *app.App) (*StatusReport, error) {
	report := &StatusReport{
		Remote:         a.Config.Remote.Kind,
		PendingRecords: a.Engine.PendingChanges(),
		DatabasePath:   a.DB.Path(),
	}

	stats, err := a.Engine.Stats(ctx)
	if err != nil {
		return nil, err
	}
	report.Log = stats

	failed := db.Query{Filters: db.NewFilterBuilder().SyncStatus(models.SyncStatusFailed).Filters()}
	for _, t := range db.Tables() {
		n, err := a.Store.Count(ctx, t.Name, failed)
		if err != nil {
			return nil, err
		}
		report.FailedRecords += n
	}

	settings := a.Store.Settings()
	if t, err := settings.GetTime(ctx, db.SettingLastSync); err != nil {
		return nil, err
	} else if !t.IsZero() {
		report.LastSync = &t
	}
	if t, err := settings.GetTime(ctx, db.SettingDownloadWatermark); err != nil {
		return nil, err
	} else if !t.IsZero() {
		report.Watermark = &t
	}

	if info, err := os.Stat(report.DatabasePath); err == nil {
		report.DatabaseBytes = info.Size()
	}
	return report, nil
}

func ago(t *time.Time) string {
	if t == nil {
		return renderMuted("never")
	}
	return fmt.Sprintf("%s %s", humanize.Time(*t), renderMuted("("+t.Local().Format(time.DateTime)+")"))
}

func printStatus(w io.Writer, r *StatusReport) {
	fmt.Fprintln(w, renderHeader("Sync status"))
	fmt.Fprintln(w, field("Remote:", renderAccent(r.Remote)))

	pending := fmt.Sprintf("%d record(s)", r.PendingRecords)
	if r.PendingRecords > 0 {
		pending = renderWarn(pending)
	}
	fmt.Fprintln(w, field("Pending:", pending))

	failed := fmt.Sprintf("%d record(s)", r.FailedRecords)
	if r.FailedRecords > 0 {
		failed = renderFail(failed)
	}
	fmt.Fprintln(w, field("Failed:", failed))
	fmt.Fprintln(w, field("Last sync:", ago(r.LastSync)))
	fmt.Fprintln(w, field("Downloaded to:", ago(r.Watermark)))
	fmt.Fprintln(w, field("Sync log:", fmt.Sprintf("%s pending, %s completed, %s failed, %s dead letter",
		humanize.Comma(int64(r.Log.Pending)), humanize.Comma(int64(r.Log.Completed)),
		humanize.Comma(int64(r.Log.Failed)), humanize.Comma(int64(r.Log.DeadLetter)))))
	fmt.Fprintln(w, field("Database:", fmt.Sprintf("%s %s",
		humanize.Bytes(uint64(r.DatabaseBytes)), renderMuted(r.DatabasePath))))
}

func newStatusCmd(f *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "sync",
		Short:   "Show pending changes, failures and the last sync",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := buildStatus(ctx, a)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out(cmd), report)
				}
				printStatus(out(cmd), report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func newLogCmd(f *globalFlags) *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "log",
		GroupID: "sync",
		Short:   "List sync log entries",
		Long: `List sync log entries with the given status, oldest first.
Statuses: pending, completed, failed, dead_letter.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := models.EntryStatus(status)
			switch st {
			case models.EntryStatusPending, models.EntryStatusCompleted,
				models.EntryStatusFailed, models.EntryStatusDeadLetter:
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Store.SyncLog().ListByStatus(ctx, st, limit)
				if err != nil {
					return err
				}
				if asJSON {
					if entries == nil {
						entries = []*models.SyncLogEntry{}
					}
					return writeJSON(out(cmd), entries)
				}
				printLog(out(cmd), st, entries)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", string(models.EntryStatusPending), "entry status to list")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func printLog(w io.Writer, status models.EntryStatus, entries []*models.SyncLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintf(w, "No %s entries\n", strings.ReplaceAll(string(status), "_", " "))
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("#%-6d %-6s %s/%d  %s", e.ID, e.OperationType, e.TableName, e.RecordID,
			renderMuted(humanize.Time(e.CreatedAt)))
		if e.RetryCount > 0 {
			line += fmt.Sprintf("  retries=%d", e.RetryCount)
			if e.Status == models.EntryStatusFailed {
				line += "  next " + humanize.Time(e.NextAttemptAt)
			}
		}
		fmt.Fprintln(w, line)
		if e.ErrorMessage != nil && *e.ErrorMessage != "" {
			fmt.Fprintf(w, "        %s\n", renderFail(*e.ErrorMessage))
		}
	}
}

func newRetryCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "retry",
		GroupID: "sync",
		Short:   "Requeue dead-lettered changes for another upload",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.RetryDeadLetters(ctx)
				if err != nil {
					return err
				}
				if n == 0 {
					fmt.Fprintln(out(cmd), "No dead-lettered changes")
					return nil
				}
				fmt.Fprintf(out(cmd), "%s Requeued %d change(s); they upload on the next sync\n", renderPass("✓"), n)
				return nil
			})
		},
	}
}

func newCompactCmd(f *globalFlags) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:     "compact",
		GroupID: "sync",
		Short:   "Remove old delete markers from the remote",
		Long: `Remove delete markers (tombstones) from the remote once they are older
than --older-than. A device that has not synced within that window keeps its
copy of the deleted record.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive, got %v", olderThan)
			}
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.CompactRemote(ctx, olderThan)
				if err != nil {
					return err
				}
				if n == 0 {
					fmt.Fprintln(out(cmd), "No tombstones to remove")
					return nil
				}
				fmt.Fprintf(out(cmd), "%s Removed %s tombstone(s)\n", renderPass("✓"), humanize.Comma(int64(n)))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of a tombstone")
	return cmd
}

func newConflictsCmd(f *globalFlags) *cobra.Command {
	var (
		since  string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "conflicts",
		GroupID: "sync",
		Short:   "List resolved conflicts with both versions",
		Example: `  docsync conflicts --since yesterday
  docsync conflicts --since 2h --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				conflicts, err := a.Store.Conflicts().List(ctx, from, limit)
				if err != nil {
					return err
				}
				if asJSON {
					if conflicts == nil {
						conflicts = []*models.ConflictLog{}
					}
					return writeJSON(out(cmd), conflicts)
				}
				printConflicts(out(cmd), conflicts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", `only conflicts detected after this time ("yesterday", "2h", RFC 3339)`)
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum conflicts to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print conflicts as JSON, snapshots included")
	return cmd
}

func printConflicts(w io.Writer, conflicts []*models.ConflictLog) {
	if len(conflicts) == 0 {
		fmt.Fprintln(w, "No conflicts")
		return
	}
	for _, c := range conflicts {
		fmt.Fprintf(w, "%s %s/%d %s  %s wins (%s)\n",
			renderWarn("⚡"), c.TableName, c.RecordID, renderMuted(string(c.RemoteID)),
			c.Winner, renderMuted(humanize.Time(c.DetectedAt)))
		fmt.Fprintf(w, "   local  %s\n   remote %s\n",
			c.LocalUpdatedAt.Local().Format(time.DateTime+".000"),
			c.RemoteUpdatedAt.Local().Format(time.DateTime+".000"))
	}
}
