package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/ptyhandoff/internal/activation"
	"github.com/zjrosen/ptyhandoff/internal/journal"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent registrations and deliveries",
	RunE:  runHistory,
}

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries to show")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is not set")
	}
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No history yet")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tIDENTITY\tONCE\tOUTCOME\tSTATUS\tDURATION")
	for _, e := range entries {
		id := e.ActivationID
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime),
			e.Kind, id, e.Once, e.Outcome,
			activation.Status(e.Status), e.Duration.Round(time.Microsecond),
		)
	}
	return w.Flush()
}
