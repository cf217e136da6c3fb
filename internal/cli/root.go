// Package cli implements the leafsync command line: inspection of the local store,
// manual mutations and reconciliation, and the watch daemon.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leafymarket/leafsync"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigDir string
	Format    string // "text" | "json" | "yaml"
	Verbose   bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// DefaultConfigDir is the user config directory joined with "leafsync", or ".leafsync" when
// the platform has none.
func DefaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".leafsync"
	}
	return filepath.Join(dir, "leafsync")
}

// NewRootCommand creates the root command for the leafsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "leafsync",
		Short:         "leafsync - offline-first marketplace sync",
		Long:          "Inspect and drive the local store that mirrors marketplace products and orders while the backend is unreachable.",
		SilenceErrors: true, // main prints the error once
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config-dir", DefaultConfigDir(), "directory holding config.yaml and the database")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log engine activity to stderr")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewFailedCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewDiscardCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewLogsCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openClient creates a client from the config dir. One-shot commands only log to stderr
// with --verbose, extra options are applied after the config is loaded.
func openClient(ctx context.Context, opts *RootOptions, cmd *cobra.Command, options ...func(*leafsync.Client) error) (*leafsync.Client, error) {
	base := []func(*leafsync.Client) error{
		leafsync.WithConfigDir(opts.ConfigDir),
		func(client *leafsync.Client) error {
			if !opts.Verbose {
				return nil
			}
			level, err := parseLevel(client.Config.LogLevel)
			if err != nil {
				return err
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: "15:04:05"}).
				Level(level).With().Timestamp().Logger()
			return leafsync.WithLogger(&logger)(client)
		},
		leafsync.WithDatabase(),
	}
	return leafsync.New(ctx, append(base, options...)...)
}

func parseLevel(level string) (zerolog.Level, error) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parsing log level %q : %w", level, err)
	}
	if parsed == zerolog.NoLevel {
		return zerolog.InfoLevel, nil
	}
	return parsed, nil
}
