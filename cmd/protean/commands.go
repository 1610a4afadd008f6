package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/protean/internal/app"
)

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print the protean version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "protean %s\n", app.Version)
		},
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "validate the configuration without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration ok: %d provider(s), events=%s, migrate=%t\n", len(cfg.Providers), cfg.Events.Sink, cfg.Migrate)
			return nil
		},
	}

	providersCmd = &cobra.Command{
		Use:   "providers",
		Short: "connect every provider and list its family and capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tFAMILY\tCAPABILITIES")
				for _, name := range a.Pool.Names() {
					prov, err := a.Pool.Provider(name)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", name, prov.Family(), prov.Capabilities())
				}
				return w.Flush()
			})
		},
	}

	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "check connectivity of every provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				failures := a.Pool.Health(ctx)
				names := a.Pool.Names()
				sort.Strings(names)
				out := cmd.OutOrStdout()
				for _, name := range names {
					if err := failures[name]; err != nil {
						fmt.Fprintf(out, "%-20s FAIL %v\n", name, err)
						continue
					}
					fmt.Fprintf(out, "%-20s ok\n", name)
				}
				if len(failures) > 0 {
					return fmt.Errorf("%d provider(s) unreachable", len(failures))
				}
				return nil
			})
		},
	}

	smokeCmd = &cobra.Command{
		Use:   "smoke [provider...]",
		Short: "write, update and remove a smoke-test record on each provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				names := args
				if len(names) == 0 {
					names = a.Pool.Names()
				}
				var failed int
				out := cmd.OutOrStdout()
				for _, name := range names {
					start := time.Now()
					if err := smoke(ctx, a, name); err != nil {
						failed++
						fmt.Fprintf(out, "%-20s FAIL %v\n", name, err)
						continue
					}
					fmt.Fprintf(out, "%-20s ok %s\n", name, time.Since(start).Round(time.Millisecond))
				}
				if failed > 0 {
					return fmt.Errorf("%d smoke test(s) failed", failed)
				}
				return nil
			})
		},
	}
)

func init() {
	pingCmd.Flags().Duration("timeout", 10*time.Second, "overall deadline for the health check")
}

// withApp loads configuration, builds the app and closes it after fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
