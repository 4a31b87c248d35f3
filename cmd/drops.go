package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/halcyon-data/weather-relay/internal/store"
)

var dropsCmd = &cobra.Command{
	Use:   "drops",
	Short: "Inspect the dead-letter journal",
	Long:  "Commands for listing and viewing batches the shipper dropped.",
}

// -- drops list --

var dropsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dropped batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		j, err := store.NewSQLite(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close() //nolint:errcheck
		if err := j.Migrate(ctx); err != nil {
			return err
		}

		reason, _ := cmd.Flags().GetString("reason")
		limit, _ := cmd.Flags().GetInt("limit")

		drops, err := j.ListDrops(ctx, store.DropFilter{Reason: reason, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "drops list")
		}

		if len(drops) == 0 {
			fmt.Fprintln(os.Stderr, "No dropped batches.")
			return nil
		}

		formatDropsList(os.Stdout, drops)
		return nil
	},
}

// -- drops show --

var dropsShowCmd = &cobra.Command{
	Use:   "show <drop-id>",
	Short: "Show a dropped batch with its records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		j, err := store.NewSQLite(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close() //nolint:errcheck
		if err := j.Migrate(ctx); err != nil {
			return err
		}

		drop, err := j.GetDrop(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "drops show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(drop)
	},
}

func init() {
	dropsListCmd.Flags().String("reason", "", "filter by drop reason (retries_exhausted, permanent, too_large, abandoned)")
	dropsListCmd.Flags().Int("limit", 50, "max number of batches to display")

	dropsCmd.AddCommand(dropsListCmd)
	dropsCmd.AddCommand(dropsShowCmd)
	rootCmd.AddCommand(dropsCmd)
}

// formatDropsList writes a tabular list of dropped batches to w.
func formatDropsList(out io.Writer, drops []store.DroppedBatch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCYCLE\tRECORDS\tREASON\tATTEMPTS\tDROPPED")
	_, _ = fmt.Fprintln(w, "--\t-----\t-------\t------\t--------\t-------")

	for _, d := range drops {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%d\t%s\n",
			truncateID(d.ID),
			d.Cycle,
			len(d.Records),
			d.Reason,
			d.Attempts,
			d.DroppedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
