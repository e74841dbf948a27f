package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ledgerly/ledgerly/internal/mirror"
	"github.com/ledgerly/ledgerly/internal/storage"
	"github.com/ledgerly/ledgerly/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the encrypted vault with DynamoDB",
	Long: `Sync the local encrypted vault document with the copy in DynamoDB.
Only ciphertext is transferred; the master key never leaves this machine,
so a pulled vault is readable only where the same key is installed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.MirrorEnabled() {
			return fmt.Errorf("DynamoDB mirror not configured: set mirror_table in %s", cfg.ConfigPath)
		}

		ctx := cmd.Context()
		remote, err := mirror.NewDynamoDBMirror(ctx, mirror.Options{
			Table:  cfg.MirrorTable,
			UserID: cfg.UserID,
			Region: cfg.AWSRegion,
			Logger: log,
		})
		if err != nil {
			return err
		}

		local, err := secrets.Document()
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to load local vault: %w", err)
		}

		result, err := remote.Sync(ctx, local)
		if err != nil {
			if errors.Is(err, mirror.ErrNotFound) {
				fmt.Println("Nothing to sync: no vault locally or remotely.")
				return nil
			}
			return fmt.Errorf("failed to sync vault: %w", err)
		}

		switch result.Action {
		case mirror.ActionPulled:
			if err := secrets.ReplaceDocument(ctx, result.Document); err != nil {
				return fmt.Errorf("failed to install remote vault: %w", err)
			}
			fmt.Printf("%s Pulled remote vault (version %d)\n", ui.Success.Sprint("✓"), result.Document.Version)
		case mirror.ActionPushed:
			fmt.Printf("%s Pushed local vault (version %d)\n", ui.Success.Sprint("✓"), result.Document.Version)
		default:
			fmt.Printf("%s Vault already in sync (version %d)\n", ui.Success.Sprint("✓"), result.Document.Version)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
