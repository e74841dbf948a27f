package cmd

import (
	"context"
	"errors"

	"github.com/ledgerly/ledgerly/internal/backup"
	"github.com/ledgerly/ledgerly/internal/masterkey"
	"github.com/ledgerly/ledgerly/internal/mirror"
	"github.com/ledgerly/ledgerly/internal/ui"
	"github.com/ledgerly/ledgerly/internal/vault"
)

// describeError turns engine errors into guidance the user can act on. The
// underlying error text is kept so nothing is hidden.
func describeError(err error) string {
	switch {
	case errors.Is(err, masterkey.ErrKeyUnrecoverable):
		return "The vault key cannot be recovered. Nothing was changed.\n" +
			"  Check that you are logged in as the user who created it and that the system keychain is unlocked.\n" +
			"  Do not delete master.key: doing so makes every stored secret unreadable.\n  " +
			ui.Muted.Sprint(err.Error())

	case errors.Is(err, vault.ErrVaultCorrupted):
		return "The secrets vault could not be decrypted.\n" +
			"  Restore secrets.vault from a backup, or set corruption_policy to \"reset\" to start an empty vault.\n  " +
			ui.Muted.Sprint(err.Error())

	case errors.Is(err, backup.ErrSafetyBackupFailed):
		return "Restore aborted because the safety backup could not be written. Your data was not touched.\n  " +
			ui.Muted.Sprint(err.Error())

	case errors.Is(err, backup.ErrInconsistentState):
		return "Restore failed part way and the data directory could not be put back.\n" +
			"  Recover by restoring the pre-restore safety package named below.\n  " +
			ui.Muted.Sprint(err.Error())

	case errors.Is(err, backup.ErrExtractFailed), errors.Is(err, backup.ErrSwapFailed):
		return "Restore failed. Your data directory is unchanged.\n  " +
			ui.Muted.Sprint(err.Error())

	case errors.Is(err, mirror.ErrVersionConflict):
		return "The remote vault changed independently. Resolve by restoring one side before syncing again.\n  " +
			ui.Muted.Sprint(err.Error())

	case errors.Is(err, context.Canceled):
		return "Interrupted."

	default:
		return err.Error()
	}
}
