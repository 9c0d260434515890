// Package cli implements the civisyncctl diagnostics commands. Every
// command works on queue metadata only; payloads are never decrypted here.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/civisync/civisync/internal/config"
	"github.com/civisync/civisync/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the civisyncctl CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "civisyncctl",
		Short: "CiviSync queue diagnostics",
		Long:  "Inspect and maintain the offline request queue without exposing payload data.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "civisync.yaml", "path to the daemon config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQuarantinedCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openStore opens the queue database for metadata-only access. No cipher
// or verifier is wired in, so decrypting reads are impossible from the CLI.
func openStore(opts *RootOptions) (*store.Store, *config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	st, err := store.Open(cfg.Store.Path, nil, nil, store.Options{
		MaxQueueBytes:   cfg.Queue.MaxQueueBytes,
		RetentionWindow: cfg.Queue.RetentionWindow,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open queue database: %w", err)
	}
	return st, cfg, nil
}
