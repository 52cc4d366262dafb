package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tempo/backend/internal/models"
	syncpkg "github.com/kimhsiao/tempo/backend/internal/sync"
	"github.com/kimhsiao/tempo/backend/internal/sync/queue"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Silent bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push local changes, then pull remote changes",
		Long: `Run one sync: push every pending record, then pull the server delta
since the last cursor.

Exit codes:
  0 - Sync completed, or was skipped (no user, already running)
  1 - Sync failed
  2 - Command error (bad config, unreadable store)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Silent, "silent", false, "background sync: only auth failures are reported")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	s, err := opts.open()
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.Engine.Sync(cmd.Context(), opts.Silent)
	if result != nil {
		if outErr := output(cmd.OutOrStdout(), opts.Format, result, func(w io.Writer) { printSyncResult(w, result) }); outErr != nil {
			return outErr
		}
	}
	if err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}
	return nil
}

func printSyncResult(w io.Writer, r *syncpkg.SyncResult) {
	fmt.Fprintf(w, "Outcome: %s (%s)\n", r.Outcome, r.Duration.Round(time.Millisecond))
	if p := r.Push; p != nil {
		fmt.Fprintf(w, "Pushed: %d created, %d updated, %d deleted, %d conflicts, %d failed\n",
			p.Created, p.Updated, p.Deleted, p.Conflicts, p.Failed)
		for _, f := range p.Failures {
			fmt.Fprintf(w, "  %s %s: %s\n", f.Kind, f.ID, f.Error)
		}
	}
	if p := r.Pull; p != nil {
		fmt.Fprintf(w, "Pulled: %d changed, %d deleted, %d skipped\n", p.Changed, p.Deleted, p.Skipped)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
	}
}

// StatusReport is the output of the status command.
type StatusReport struct {
	Counts *syncpkg.Counts `json:"counts"`
	Queue  *queue.Stats    `json:"queue"`
	Cursor *time.Time      `json:"cursor,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending changes, failures and queued actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			report := &StatusReport{}
			if report.Counts, err = s.Engine.Counts(ctx); err != nil {
				return err
			}
			if report.Queue, err = s.Queue.Stats(ctx); err != nil {
				return err
			}
			if report.Cursor, err = s.Repo.GetCursor(ctx); err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), opts.Format, report, func(w io.Writer) { printStatus(w, report) })
		},
	}
}

func printStatus(w io.Writer, r *StatusReport) {
	fmt.Fprintf(w, "Pending: %d\nFailed: %d\n", r.Counts.Pending, r.Counts.Failed)
	for _, kind := range models.Kinds() {
		byStatus := r.Counts.ByKind[kind]
		if len(byStatus) == 0 {
			continue
		}
		statuses := make([]string, 0, len(byStatus))
		for status := range byStatus {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)
		fmt.Fprintf(w, "  %s:", kind)
		for _, status := range statuses {
			fmt.Fprintf(w, " %s=%d", status, byStatus[status])
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Queued actions: %d (%d retrying)\n", r.Queue.Total, r.Queue.Retrying)
	if r.Cursor != nil {
		fmt.Fprintf(w, "Last pull: %s\n", r.Cursor.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "Last pull: never")
	}
}

// NewRetryFailedCommand creates the retry-failed command.
func NewRetryFailedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Return sync_failed records to the push set",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.Engine.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), opts.Format, map[string]int{"requeued": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Requeued %d failed records\n", n)
			})
		},
	}
}
