package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ledgerly/ledgerly/internal/ui"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the data directory",
	Long:  `Archive the data directory into a new timestamped package in the backups directory.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg, err := engine.CreateBackup(cmd.Context())
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("%s Backup created at %s %s\n", ui.Success.Sprint("✓"),
			ui.Path.Sprint(pkg.Path), ui.Muted.Sprint(ui.FormatSize(pkg.Size)))
		return nil
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List backup packages, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		packages, err := engine.ListBackups()
		if err != nil {
			return fmt.Errorf("failed to list backups: %w", err)
		}
		if len(packages) == 0 {
			fmt.Printf("No backups in %s. Create one with %s\n", ui.Path.Sprint(engine.BackupDir()), ui.Code.Sprint("ledgerly backup"))
			return nil
		}
		for i, p := range packages {
			label := ""
			if p.IsSafety() {
				label = " " + ui.Info.Sprint("[safety]")
			}
			fmt.Printf("  %d. %s%s\n", i+1, p.Name, label)
			fmt.Printf("     Created: %s  Size: %s\n", p.ModTime.Format("2006-01-02 15:04:05"), ui.FormatSize(p.Size))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd, backupsCmd)
}
