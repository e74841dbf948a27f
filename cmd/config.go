package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ledgerly/ledgerly/internal/config"
	"github.com/ledgerly/ledgerly/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change settings in config.json",
	// Settings must stay editable when the current file does not validate,
	// so only the raw file is loaded here.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.ReadConfig(resolveRoot())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		fmt.Println(ui.Muted.Sprintf("# %s", cfg.ConfigPath))
		fmt.Println(string(data))
		if err := cfg.Validate(); err != nil {
			fmt.Printf("%s %v\n", ui.Warning.Sprint("!"), err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Change one setting and save config.json",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.Keys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Set(args[0], args[1]); err != nil {
			return err
		}
		if err := cfg.SaveConfig(); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", ui.Success.Sprint("✓"), ui.Code.Sprintf("%s = %s", args[0], args[1]))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
