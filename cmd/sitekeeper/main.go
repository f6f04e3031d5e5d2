package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/semmidev/sitekeeper/internal/app"
	"github.com/semmidev/sitekeeper/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sitekeeper",
	Short: "Scheduled backups for site content",
	Long: `sitekeeper snapshots the site's content tables into compressed archives,
runs them on a schedule, prunes old archives and restores them on request.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("api", func(ctx context.Context, a *app.App) error {
			return a.Serve(ctx)
		})
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the backup scheduler loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("scheduler", func(ctx context.Context, a *app.App) error {
			return a.RunScheduler(ctx)
		})
	},
}

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Keep the scheduler process alive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("supervisor", func(ctx context.Context, a *app.App) error {
			return a.RunSupervisor(ctx)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/config.yaml", "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(superviseCmd)
}

// withApp loads the configuration, wires the application and runs fn until
// SIGINT or SIGTERM.
func withApp(name string, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, err := app.New(ctx, cfg, name)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer application.Close()

	return fn(ctx, application)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
