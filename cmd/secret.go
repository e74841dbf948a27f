package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ledgerly/ledgerly/internal/ui"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Read and write secrets in the encrypted vault",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a secret",
	Long: `Store a secret under key. A value that parses as JSON is stored as that
JSON value; anything else is stored as a string.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := secrets.Set(cmd.Context(), args[0], parseValue(args[1])); err != nil {
			return fmt.Errorf("failed to store %s: %w", args[0], err)
		}
		fmt.Printf("%s Stored %s\n", ui.Success.Sprint("✓"), ui.Info.Sprint(args[0]))
		warnUnwrapped(cmd)
		return nil
	},
}

var secretGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, ok, err := secrets.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		if !ok {
			return fmt.Errorf("secret not found: %s", args[0])
		}

		var s string
		if json.Unmarshal(raw, &s) == nil {
			fmt.Println(s)
			return nil
		}
		fmt.Println(string(raw))
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Aliases: []string{"rm"},
	Short:   "Delete a secret",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := secrets.Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to delete %s: %w", args[0], err)
		}
		fmt.Printf("%s Deleted %s\n", ui.Success.Sprint("✓"), ui.Info.Sprint(args[0]))
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List secret names",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := secrets.Keys(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list secrets: %w", err)
		}
		if len(keys) == 0 {
			fmt.Println("No secrets stored.")
			return nil
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

// parseValue keeps valid JSON as-is and treats anything else as a string
func parseValue(arg string) any {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	return arg
}

func warnUnwrapped(cmd *cobra.Command) {
	if secrets.IsEncryptionAvailable() {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s OS secure storage is unavailable; the vault key is stored unprotected in %s\n",
		ui.Warning.Sprint("⚠"), ui.Path.Sprint(cfg.KeyFilePath()))
}

func init() {
	secretCmd.AddCommand(secretSetCmd, secretGetCmd, secretDeleteCmd, secretListCmd)
	rootCmd.AddCommand(secretCmd)
}
