package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halcyon-data/weather-relay/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "weather-relay",
	Short: "Weather observation relay",
	Long:  "Polls weather sources on a fixed interval, normalizes observations into flat records, and ships them in batches to a Logz.io bulk listener with retries and a dead-letter journal.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
