package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/protean/internal/app"
	"github.com/yungbote/protean/internal/events"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "health-check providers on an interval and serve metrics",
	Long: `Pings every provider on an interval and serves provider health,
session usage and commit metrics in Prometheus text format. With
--follow, events committed by other processes on the redis channel are
printed as they arrive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		addr, _ := cmd.Flags().GetString("metrics-addr")
		follow, _ := cmd.Flags().GetBool("follow")

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.Hooks.StartServer(ctx, a.Log, addr)
			if follow {
				out := cmd.OutOrStdout()
				err := a.Subscribe(ctx, func(e events.Envelope) {
					fmt.Fprintf(out, "%s %s %s/%s unit=%s seq=%d\n",
						e.RaisedAt.Format(time.RFC3339), e.Name, e.AggregateType, e.AggregateID, e.UnitID, e.Sequence)
				})
				if err != nil {
					if errors.Is(err, app.ErrNoEventStream) {
						return fmt.Errorf("--follow: %w", err)
					}
					return err
				}
			}
			a.Log.Info("monitoring providers", "interval", interval.String(), "metrics_addr", addr)
			a.Monitor(ctx, interval)
			return nil
		})
	},
}

func init() {
	monitorCmd.Flags().Duration("interval", 30*time.Second, "time between health checks")
	monitorCmd.Flags().String("metrics-addr", ":9464", "listen address for the metrics endpoint; empty disables it")
	monitorCmd.Flags().Bool("follow", false, "print events published on the redis event channel")
	rootCmd.AddCommand(monitorCmd)
}
