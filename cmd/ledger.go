package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/trialkey-cli/api/schemas"
	"github.com/xkilldash9x/trialkey-cli/internal/ledger"
	"github.com/xkilldash9x/trialkey-cli/internal/observability"
	"github.com/xkilldash9x/trialkey-cli/internal/store"
)

// statusOrder fixes the print order of the well-known statuses.
var statusOrder = []schemas.KeyStatus{
	schemas.KeyStatusAvailable,
	schemas.KeyStatusClaimed,
	schemas.KeyStatusUnused,
	schemas.KeyStatusActive,
	schemas.KeyStatusExhausted,
	schemas.KeyStatusAbandoned,
}

func newLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger",
		Short: "Print ledger row counts by key status.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			l, err := ledger.New(cfg.Ledger.Path, observability.GetLogger())
			if err != nil {
				return err
			}
			rows, err := l.LoadAll(cmd.Context())
			if err != nil {
				return err
			}

			stats := ledger.Stats(rows)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "LEDGER\t%s\n", l.Path())
			fmt.Fprintf(w, "total\t%d\n", len(rows))
			for _, status := range sortedStatuses(stats) {
				fmt.Fprintf(w, "%s\t%d\n", statusLabel(status), stats[status])
			}
			return w.Flush()
		},
	}
}

// sortedStatuses lists the well-known statuses first, then any others by name.
func sortedStatuses(stats map[schemas.KeyStatus]int) []schemas.KeyStatus {
	out := make([]schemas.KeyStatus, 0, len(stats))
	known := make(map[schemas.KeyStatus]bool, len(statusOrder))
	for _, s := range statusOrder {
		known[s] = true
		out = append(out, s)
	}
	var extra []schemas.KeyStatus
	for s := range stats {
		if !known[s] {
			extra = append(extra, s)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

func statusLabel(s schemas.KeyStatus) string {
	if s == schemas.KeyStatusAvailable {
		return "available"
	}
	return string(s)
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent provisioning runs from the run journal.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return &schemas.ConfigurationError{Key: "database.url", Reason: "set TRIALKEY_DATABASE_URL to use the run journal"}
			}

			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			s, err := store.New(ctx, pool, observability.GetLogger())
			if err != nil {
				return err
			}
			runs, err := s.RecentRuns(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tRUN\tEMAIL\tSTATUS\tDURATION\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.StartedAt.Format("2006-01-02 15:04:05Z07:00"), r.ID, r.Email, r.Status, r.Duration, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}
