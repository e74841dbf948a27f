package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ledgerly/ledgerly/internal/backup"
	"github.com/ledgerly/ledgerly/internal/config"
	"github.com/ledgerly/ledgerly/internal/keystore"
	"github.com/ledgerly/ledgerly/internal/logging"
	"github.com/ledgerly/ledgerly/internal/masterkey"
	"github.com/ledgerly/ledgerly/internal/storage"
	"github.com/ledgerly/ledgerly/internal/ui"
	"github.com/ledgerly/ledgerly/internal/vault"
)

var (
	rootDir string
	verbose bool
	debug   bool

	cfg        *config.Config
	log        *logrus.Logger
	keyManager *masterkey.Manager
	localStore *storage.LocalStorage
	secrets    *vault.Store
	engine     *backup.Engine
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ledgerly",
	Short: "Local secrets vault and data backups for ledgerly",
	Long: `ledgerly manages the local trust store of the ledgerly desktop app.
Secrets are kept in an encrypted vault whose key is protected by the
operating system's secure storage when one is available. The data
directory can be backed up and restored; every restore first writes a
safety backup of the current data.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the command tree and prints a user-facing message for any error
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", ui.Error.Sprint("✗"), describeError(err))
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "application directory (default $LEDGERLY_ROOT or ~/.ledgerly)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show informational log messages")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "show debug log messages")
}

func resolveRoot() string {
	if rootDir != "" {
		return rootDir
	}
	return config.DefaultRoot()
}

// setup loads configuration and wires the engine packages for every command
func setup(cmd *cobra.Command, args []string) error {
	root := resolveRoot()

	var err error
	cfg, err = config.LoadConfig(root)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err = logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Verbose: verbose,
		Debug:   debug,
		JSON:    cfg.LogFormat == "json",
	})
	if err != nil {
		return err
	}

	policy, err := vault.ParseCorruptionPolicy(cfg.CorruptionPolicy)
	if err != nil {
		return err
	}

	protector := keystore.Probe(keystore.Options{
		ServiceName: cfg.KeyringService,
		AllowFile:   cfg.AllowFileKeyring,
		FileDir:     root,
		Logger:      log,
	})

	keyManager = masterkey.New(masterkey.Options{
		KeyFilePath:       cfg.KeyFilePath(),
		LegacyKeyFilePath: cfg.LegacyKeyFilePath(),
		Protector:         protector,
		Logger:            log,
	})

	localStore = storage.NewLocalStorage(cfg.VaultPath())
	secrets = vault.New(keyManager, localStore,
		vault.WithCorruptionPolicy(policy),
		vault.WithLogger(log),
	)

	engine = backup.NewEngine(backup.Options{
		DataDir:   cfg.DataDir,
		BackupDir: cfg.BackupDir,
		Logger:    log,
	})
	return nil
}
