package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tempo/backend/internal/logging"
	"github.com/kimhsiao/tempo/backend/internal/sync/queue"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay the offline action queue",
	}

	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueReplayCommand(opts))
	cmd.AddCommand(newQueueClearCommand(opts))
	cmd.AddCommand(newQueueWatchCommand(opts))

	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued actions in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			items, err := s.Queue.List(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), opts.Format, items, func(w io.Writer) {
				if len(items) == 0 {
					fmt.Fprintln(w, "Queue is empty")
					return
				}
				for _, item := range items {
					fmt.Fprintf(w, "%s  %-14s retries=%d  %s\n",
						item.Timestamp.Format(time.RFC3339), item.Kind, item.RetryCount, item.Payload)
				}
			})
		},
	}
}

func newQueueReplayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay every queued action now",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.Queue.Replay(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "replay failed", err)
			}
			return output(cmd.OutOrStdout(), opts.Format, report, func(w io.Writer) { printReplay(w, report) })
		},
	}
}

func printReplay(w io.Writer, r *queue.ReplayReport) {
	fmt.Fprintf(w, "Replayed %d actions: %d succeeded, %d failed, %d evicted, %d deferred, %d remaining\n",
		r.Attempted, r.Succeeded, r.Failed, r.Evicted, r.Deferred, r.Remaining)
	for _, e := range r.Evictions {
		fmt.Fprintf(w, "  evicted %s %s: %s\n", e.Kind, e.ID, e.Reason)
	}
}

func newQueueClearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued action",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.Queue.Size(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.Queue.Clear(cmd.Context()); err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), opts.Format, map[string]int{"cleared": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Cleared %d queued actions\n", n)
			})
		},
	}
}

func newQueueWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Probe connectivity and replay the queue on every reconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			if s.Config.ProbeURL == "" {
				return WrapExitError(ExitCommandError, "queue watch needs probe_url", nil)
			}
			logging.Info("Watching connectivity", map[string]interface{}{"probe_url": s.Config.ProbeURL})

			// Drain once if already online; Listen only fires on transitions.
			if s.Monitor.Probe(ctx) {
				if report, err := s.Queue.Replay(ctx); err == nil {
					printReplay(cmd.OutOrStdout(), report)
				}
			}
			go s.Monitor.Run(ctx)
			s.Queue.Listen(ctx, s.Monitor)
			return nil
		},
	}
}
