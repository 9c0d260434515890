package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// QuarantinedRecord describes one quarantined row without payload data.
type QuarantinedRecord struct {
	ID          string    `json:"id"`
	ServiceType string    `json:"service_type"`
	Status      string    `json:"status"`
	RetryCount  int       `json:"retry_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewQuarantinedCommand creates the quarantined command.
func NewQuarantinedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "quarantined",
		Short:        "List records excluded from the queue due to corruption",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuarantined(rootOpts, cmd)
		},
	}
}

func runQuarantined(opts *RootOptions, cmd *cobra.Command) error {
	st, _, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := st.Quarantined(cmd.Context())
	if err != nil {
		return fmt.Errorf("list quarantined records: %w", err)
	}

	records := make([]QuarantinedRecord, 0, len(rows))
	for _, req := range rows {
		records = append(records, QuarantinedRecord{
			ID:          req.ID.String(),
			ServiceType: req.ServiceType,
			Status:      string(req.Status),
			RetryCount:  req.RetryCount,
			CreatedAt:   req.CreatedAt,
		})
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "no quarantined records")
		return nil
	}
	for _, rec := range records {
		fmt.Fprintf(out, "%s  %-20s %s  created %s\n",
			rec.ID, rec.ServiceType, rec.Status, rec.CreatedAt.Format(time.RFC3339))
	}
	return nil
}
