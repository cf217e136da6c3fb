package cli

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/leafymarket/leafsync"
	"github.com/leafymarket/leafsync/domain"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var maxSize, maxBackups int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Monitor connectivity and reconcile on every reconnect until interrupted",
		Long: `Run the connectivity monitor and the reconciliation engine in the foreground.

Engine activity is written to the rotated log file named by log_file in the config dir,
and mirrored to stderr with --verbose. Edits to config.yaml change the log level live.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var rotator *lumberjack.Logger
			level := zerolog.InfoLevel
			options := []func(*leafsync.Client) error{
				func(client *leafsync.Client) error {
					parsed, err := parseLevel(client.Config.LogLevel)
					if err != nil {
						return err
					}
					level = parsed

					rotator = &lumberjack.Logger{
						Filename:   client.Config.Path(client.Config.LogFile),
						MaxSize:    maxSize,
						MaxBackups: maxBackups,
						Compress:   true,
					}
					var out io.Writer = rotator
					if rootOpts.Verbose {
						out = zerolog.MultiLevelWriter(rotator, zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: "15:04:05"})
					}
					logger := zerolog.New(out).With().Timestamp().Str("component", "leafsync").Logger()
					return leafsync.WithLogger(&logger)(client)
				},
				leafsync.WithSyncFailedHandler(func(rec *domain.Record) error {
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "sync failed: %s %s : %s\n", rec.Kind, rec.ID, rec.SyncError)
					return err
				}),
				leafsync.WithReconcileHandler(func(report *leafsync.Report) error {
					if report.Synced == 0 && report.Failed == 0 {
						return nil
					}
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "reconciled: synced %d, failed %d, deferred %d\n", report.Synced, report.Failed, report.Deferred)
					return err
				}),
			}

			// The daemon installs its own logger, the one-shot stderr logger stays off.
			client, err := openClient(ctx, &RootOptions{ConfigDir: rootOpts.ConfigDir, Format: rootOpts.Format}, cmd, options...)
			if err != nil {
				return err
			}
			defer client.Close()
			defer rotator.Close()
			// Filtered globally so a config edit reaches the monitor and backend loggers too.
			zerolog.SetGlobalLevel(level)

			err = client.Config.Watch(func(cfg *leafsync.Config, err error) {
				if err != nil {
					client.Logger.Error().Err(err).Msg("reloading config")
					return
				}
				next, err := parseLevel(cfg.LogLevel)
				if err != nil {
					client.Logger.Error().Err(err).Msg("reloading config")
					return
				}
				zerolog.SetGlobalLevel(next)
				client.Logger.Info().Stringer("level", next).Msg("config reloaded")
			})
			if err != nil {
				return err
			}

			client.Logger.Info().
				Str("backend", client.Config.BackendURL).
				Bool("online", client.Monitor.Online()).
				Msg("watching")

			go client.Monitor.Run(ctx)
			if _, err := client.Sync(ctx); err != nil {
				client.Logger.Error().Err(err).Msg("initial sync")
			}
			client.Engine.Start(ctx)

			client.Logger.Info().Msg("stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&maxSize, "log-max-size", 10, "size in megabytes before the log file is rotated")
	cmd.Flags().IntVar(&maxBackups, "log-max-backups", 3, "number of rotated log files to keep")
	return cmd
}
