package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ledgerly/ledgerly/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show key protection, vault and backup status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := keyManager.GetOrCreateKey(cmd.Context()); err != nil {
			return err
		}

		protection := ui.Success.Sprint("OS secure storage")
		if !keyManager.EncryptionAvailable() {
			protection = ui.Warning.Sprint("unprotected file (OS secure storage unavailable)")
		}
		fmt.Printf("Root:        %s\n", ui.Path.Sprint(cfg.Root))
		fmt.Printf("Master key:  %s %s\n", protection, ui.Muted.Sprint(keyManager.Backend()))

		if !localStore.Exists() {
			fmt.Println("Vault:       empty")
		} else if doc, err := localStore.LoadEncryptedVault(); err != nil {
			fmt.Printf("Vault:       %s %s\n", ui.Error.Sprint("unreadable"), ui.Muted.Sprint(err.Error()))
		} else {
			keys, err := secrets.Keys(cmd.Context())
			if err != nil {
				return err
			}
			modified := ui.Muted.Sprint("unknown")
			if at, err := doc.GetModifiedAtTime(); err == nil {
				modified = at.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("Vault:       %d secrets, version %d, modified %s\n", len(keys), doc.Version, modified)
		}

		packages, err := engine.ListBackups()
		if err != nil {
			return err
		}
		if len(packages) == 0 {
			fmt.Println("Backups:     none")
		} else {
			fmt.Printf("Backups:     %d, latest %s\n", len(packages), packages[0].Name)
		}

		if cfg.MirrorEnabled() {
			fmt.Printf("Mirror:      DynamoDB table %s\n", cfg.MirrorTable)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
