package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halcyon-data/weather-relay/internal/model"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single fetch-and-ship cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initRelay(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		started := time.Now()
		tasks := env.Fetcher.Tasks(cfg.Cities)
		outcomes := env.Fetcher.Run(ctx, tasks)
		records, failures := model.Partition(outcomes)

		if len(records) > 0 {
			if err := env.Shipper.Enqueue(model.NewShipBatch(1, records)); err != nil {
				return err
			}
		}

		byKind := make(map[string]int)
		for _, f := range failures {
			byKind[string(f.Kind)]++
		}

		zap.L().Info("cycle complete",
			zap.Int("tasks", len(tasks)),
			zap.Int("records", len(records)),
			zap.Int("failures", len(failures)),
			zap.Duration("elapsed", time.Since(started)),
		)

		summary := cycleSummary{
			Tasks:     len(tasks),
			Records:   len(records),
			Failures:  byKind,
			ElapsedMS: time.Since(started).Milliseconds(),
		}

		// Print cycle summary JSON to stdout
		return writeCycleSummary(os.Stdout, summary)
	},
}

// cycleSummary is the JSON document printed after a single cycle.
type cycleSummary struct {
	Tasks     int            `json:"tasks"`
	Records   int            `json:"records"`
	Failures  map[string]int `json:"failures,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms"`
}

func writeCycleSummary(w io.Writer, s cycleSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func init() {
	rootCmd.AddCommand(onceCmd)
}
