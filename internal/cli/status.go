package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/civisync/civisync/internal/domain"
)

// StatusResult is the machine-readable form of the status command output.
type StatusResult struct {
	Counts      map[string]int64 `json:"counts"`
	Quarantined int64            `json:"quarantined"`
	UsedBytes   int64            `json:"used_bytes"`
	MaxBytes    int64            `json:"max_bytes,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show per-status queue counts and storage usage",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	st, _, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("read queue stats: %w", err)
	}

	result := StatusResult{
		Counts:      make(map[string]int64),
		Quarantined: stats.Quarantined,
		UsedBytes:   stats.UsedBytes,
		MaxBytes:    stats.MaxBytes,
	}
	for status, count := range stats.ByStatus {
		result.Counts[string(status)] = count
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	order := []domain.Status{
		domain.StatusPending, domain.StatusInFlight,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusExpired,
	}
	for _, status := range order {
		fmt.Fprintf(out, "%-10s %d\n", status, stats.ByStatus[status])
	}
	fmt.Fprintf(out, "%-10s %d\n", "QUARANTINE", stats.Quarantined)
	fmt.Fprintf(out, "storage: %s", formatBytes(stats.UsedBytes))
	if stats.MaxBytes > 0 {
		fmt.Fprintf(out, " of %s", formatBytes(stats.MaxBytes))
	}
	fmt.Fprintln(out)
	return nil
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
