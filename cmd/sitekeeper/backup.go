package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/semmidev/sitekeeper/internal/app"
	"github.com/semmidev/sitekeeper/internal/domain"
)

var jsonOutput bool

// backup flags
var (
	backupTables      []string
	backupName        string
	backupDescription string
	backupActor       string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a backup now",
	Long:  `Snapshot the configured content tables, or the ones given with --table, into a new archive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("cli", func(ctx context.Context, a *app.App) error {
			b, err := a.Executor().Run(ctx, domain.BackupRequest{
				Tables:      backupTables,
				Type:        domain.BackupTypeManual,
				Actor:       backupActor,
				Name:        backupName,
				Description: backupDescription,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(b)
			}
			fmt.Printf("Backup created: %s\n", b.ID)
			fmt.Printf("Archive: %s\n", a.Archives().GetPath(b.FilePath))
			fmt.Printf("Size: %s\n", formatSize(b.FileSizeBytes))
			fmt.Printf("Checksum: %s\n", b.Checksum)
			fmt.Printf("Tables: %s\n", strings.Join(b.Tables, ", "))
			return nil
		})
	},
}

var restoreActor string

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore the content tables from a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("cli", func(ctx context.Context, a *app.App) error {
			rec, err := a.Restore().Restore(ctx, args[0], restoreActor)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rec)
			}
			fmt.Printf("Restore %s: %s\n", rec.ID, rec.Status)
			return nil
		})
	},
}

var (
	listStatus string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("cli", func(ctx context.Context, a *app.App) error {
			backups, err := a.Store().ListBackups(ctx, domain.BackupFilter{
				Status: domain.BackupStatus(strings.ToUpper(listStatus)),
				Limit:  listLimit,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(backups)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tTYPE\tSTATUS\tSIZE\tBY\tNAME")
			for _, b := range backups {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					b.ID, b.CreatedAt.Format(time.DateTime), b.Type, b.Status,
					formatSize(b.FileSizeBytes), b.CreatedBy, b.Name)
			}
			return tw.Flush()
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a backup and its archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("cli", func(ctx context.Context, a *app.App) error {
			if err := a.Retention().Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted backup %s\n", args[0])
			return nil
		})
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract <backup-id|archive> <output.json>",
	Short: "Decompress an archive into its JSON document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("cli", func(ctx context.Context, a *app.App) error {
			source := args[0]
			if _, err := os.Stat(source); err != nil {
				b, err := a.Store().GetBackup(ctx, args[0])
				if err != nil {
					return fmt.Errorf("%s is neither a file nor a known backup: %w", args[0], err)
				}
				if b.Status != domain.BackupStatusCompleted {
					return fmt.Errorf("%w: backup %s is %s", domain.ErrNotRestorable, b.ID, b.Status)
				}
				source = a.Archives().GetPath(b.FilePath)
			}

			if err := a.Compressor().Decompress(source, args[1]); err != nil {
				return err
			}
			fmt.Printf("Extracted %s to %s\n", source, args[1])
			return nil
		})
	},
}

func init() {
	backupCmd.Flags().StringSliceVar(&backupTables, "table", nil, "table to include (repeatable, default all configured)")
	backupCmd.Flags().StringVar(&backupName, "name", "", "backup name")
	backupCmd.Flags().StringVar(&backupDescription, "description", "", "backup description")
	backupCmd.Flags().StringVar(&backupActor, "actor", "cli", "actor recorded as creator")

	restoreCmd.Flags().StringVar(&restoreActor, "actor", "cli", "actor recorded as requester")

	listCmd.Flags().StringVar(&listStatus, "status", "", "only show backups with this status")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of backups to show")

	for _, c := range []*cobra.Command{backupCmd, restoreCmd, listCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	}

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(extractCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
