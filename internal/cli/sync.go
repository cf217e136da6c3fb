package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "sync",
		Short:        "Reconcile pending records and replay queued writes now",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			report, err := client.Sync(cmd.Context())
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd.OutOrStdout()).Print(report, func(w io.Writer) error {
				if report.Skipped {
					_, err := fmt.Fprintln(w, "offline, nothing was sent")
					return err
				}
				_, err := fmt.Fprintf(w, "synced %d, failed %d, deferred %d, retry %d\nqueue: replayed %d, rejected %d, expired %d, left %d\n",
					report.Synced, report.Failed, report.Deferred, report.Retry,
					report.Queue.Replayed, report.Queue.Rejected, report.Queue.Expired, report.Queue.Left)
				return err
			})
		},
	}
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "queue",
		Short:        "List writes captured by the caching transport while offline",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			writes, err := client.ListQueued(cmd.Context())
			if err != nil {
				return err
			}
			views := make([]queuedView, 0, len(writes))
			for _, write := range writes {
				views = append(views, queuedView{ID: write.ID.String(), Method: write.Method, URL: write.URL, EnqueuedAt: write.EnqueuedAt})
			}
			return newFormatter(rootOpts, cmd.OutOrStdout()).Print(views, func(w io.Writer) error {
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					rows = append(rows, []string{v.ID, v.Method, v.URL, v.EnqueuedAt.Format(time.RFC3339)})
				}
				return table(w, []string{"ID", "METHOD", "URL", "ENQUEUED"}, rows)
			})
		},
	}
}

// NewLogsCommand creates the logs command.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	var level string
	var limit int

	cmd := &cobra.Command{
		Use:          "logs",
		Short:        "Show persisted engine log entries",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			logs, err := client.Logs(cmd.Context())
			if err != nil {
				return err
			}
			views := make([]logView, 0, len(logs))
			for _, log := range logs {
				if level != "" && !strings.EqualFold(log.Level, level) {
					continue
				}
				views = append(views, logView{
					Timestamp: log.Timestamp,
					Level:     log.Level,
					Message:   log.Message,
					Kind:      log.Kind,
					RecordID:  log.RecordID,
					Context:   log.Context,
				})
			}
			if limit > 0 && len(views) > limit {
				views = views[len(views)-limit:]
			}

			return newFormatter(rootOpts, cmd.OutOrStdout()).Print(views, func(w io.Writer) error {
				for _, v := range views {
					if _, err := fmt.Fprintf(w, "%s %-5s %s\n", v.Timestamp.Format(time.RFC3339), v.Level, v.Message); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "only show entries of this level (DEBUG, INFO, WARN, ERROR)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "only show the last n entries")
	return cmd
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "config",
		Short:        "Show the configuration, or change one key with config set",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			cfg := client.Config
			format := rootOpts.Format
			if format == "text" {
				format = "yaml"
			}
			return (&OutputFormatter{Format: format, Writer: cmd.OutOrStdout()}).Print(cfg, nil)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:          "set <key> <value>",
		Short:        "Persist one configuration key, for example: config set backend_url http://10.0.0.2/api",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Config.Set(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	})
	return cmd
}
