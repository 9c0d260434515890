package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// PurgeResult reports how many terminal records were removed.
type PurgeResult struct {
	Purged int64 `json:"purged"`
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "purge",
		Short:        "Delete completed, failed, and expired records past retention",
		Long:         "Delete terminal records whose retention window has elapsed. Pending and in-flight requests are never touched.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(rootOpts, cmd)
		},
	}
}

func runPurge(opts *RootOptions, cmd *cobra.Command) error {
	st, _, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	purged, err := st.PurgeExpired(cmd.Context(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("purge records: %w", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		encoder := json.NewEncoder(out)
		return encoder.Encode(PurgeResult{Purged: purged})
	}

	fmt.Fprintf(out, "purged %d record(s)\n", purged)
	return nil
}
