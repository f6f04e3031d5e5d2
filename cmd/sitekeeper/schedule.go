package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/semmidev/sitekeeper/internal/app"
	"github.com/semmidev/sitekeeper/internal/domain"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show or change the backup schedule",
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the backup schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("cli", func(ctx context.Context, a *app.App) error {
			sched, err := a.Schedules().Get(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(sched)
			}
			printSchedule(sched)
			return nil
		})
	},
}

var (
	scheduleEnabled   bool
	scheduleFrequency string
	scheduleTime      string
	scheduleRetention int
)

var scheduleSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the backup schedule",
	Long:  `Change the given fields of the schedule. The next run is recomputed from now.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if !flags.Changed("enabled") && !flags.Changed("frequency") &&
			!flags.Changed("time") && !flags.Changed("retention-days") {
			return fmt.Errorf("nothing to change: pass --enabled, --frequency, --time or --retention-days")
		}

		return withApp("cli", func(ctx context.Context, a *app.App) error {
			sched, err := a.Schedules().Get(ctx)
			if err != nil {
				return err
			}

			in := *sched
			if flags.Changed("enabled") {
				in.Enabled = scheduleEnabled
			}
			if flags.Changed("frequency") {
				in.Frequency = domain.Frequency(strings.ToUpper(scheduleFrequency))
			}
			if flags.Changed("time") {
				in.TimeOfDay = scheduleTime
			}
			if flags.Changed("retention-days") {
				in.RetentionDays = scheduleRetention
			}

			updated, err := a.Schedules().Update(ctx, in)
			if err != nil {
				return err
			}
			printSchedule(updated)
			return nil
		})
	},
}

func printSchedule(s *domain.BackupSchedule) {
	fmt.Printf("Enabled: %t\n", s.Enabled)
	fmt.Printf("Frequency: %s at %s\n", s.Frequency, s.TimeOfDay)
	fmt.Printf("Retention: %d day(s)\n", s.RetentionDays)
	fmt.Printf("Last run: %s\n", formatTime(s.LastRun))
	fmt.Printf("Next run: %s\n", formatTime(s.NextRun))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func init() {
	scheduleShowCmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	scheduleSetCmd.Flags().BoolVar(&scheduleEnabled, "enabled", false, "enable or disable scheduled backups")
	scheduleSetCmd.Flags().StringVar(&scheduleFrequency, "frequency", "", "HOURLY, DAILY, WEEKLY or MONTHLY")
	scheduleSetCmd.Flags().StringVar(&scheduleTime, "time", "", "time of day as HH:MM")
	scheduleSetCmd.Flags().IntVar(&scheduleRetention, "retention-days", 0, "days to keep completed backups")

	scheduleCmd.AddCommand(scheduleShowCmd)
	scheduleCmd.AddCommand(scheduleSetCmd)
	rootCmd.AddCommand(scheduleCmd)
}
