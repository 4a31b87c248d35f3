package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halcyon-data/weather-relay/internal/ops"
	"github.com/halcyon-data/weather-relay/internal/poll"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll sources continuously and ship observations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		env, err := initRelay(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		poller, err := poll.New(env.Fetcher, env.Shipper, poll.Options{
			Interval: time.Duration(cfg.Poll.IntervalSecs) * time.Second,
			Cities:   cfg.Cities,
		})
		if err != nil {
			return err
		}

		// Ops endpoint (optional)
		opsErr := make(chan error, 1)
		if cfg.Ops.Enabled {
			srv := ops.NewServer(fmt.Sprintf(":%d", cfg.Ops.Port), ops.Deps{
				Poller:  poller,
				Shipper: env.Shipper,
				Fetcher: env.Fetcher,
				Journal: env.Journal,
			})
			go func() { opsErr <- srv.Run(ctx) }()
		}

		pollDone := make(chan struct{})
		go func() {
			poller.Run(ctx)
			close(pollDone)
		}()

		select {
		case <-pollDone:
			return nil
		case err := <-env.Shipper.Fatal():
			zap.L().Error("shutting down, shipping cannot recover", zap.Error(err))
			cancel()
			<-pollDone
			return err
		case err := <-opsErr:
			cancel()
			<-pollDone
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
