package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ledgerly/ledgerly/internal/backup"
	"github.com/ledgerly/ledgerly/internal/ui"
)

var restoreYes bool

var restoreCmd = &cobra.Command{
	Use:   "restore [package]",
	Short: "Replace the data directory with a backup",
	Long: `Restore the data directory from a backup package, given by name or path.
If no package is given, lists available backups for selection.

A pre-restore safety package of the current data directory is always written
first. The package is extracted into a staging directory and only swapped in
once extraction has succeeded.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		reader := bufio.NewReader(cmd.InOrStdin())

		var pkg *backup.Package
		var err error
		if len(args) > 0 {
			pkg, err = engine.ResolvePackage(args[0])
		} else {
			if !interactive {
				return errors.New("no backup package given and stdin is not a terminal; pass a package name or path")
			}
			pkg, err = selectPackage(reader, cmd.OutOrStdout())
		}
		if err != nil {
			return err
		}

		if !restoreYes {
			if !interactive {
				return errors.New("refusing to restore without confirmation; pass --yes")
			}
			fmt.Printf("Replace %s with %s? (y/n): ", ui.Path.Sprint(engine.DataDir()), pkg.Name)
			if !confirmed(reader) {
				fmt.Println("Restore cancelled.")
				return nil
			}
		}

		result, err := engine.Restore(cmd.Context(), pkg.Path)
		if result != nil && result.SafetyPackage != nil {
			fmt.Printf("Safety backup: %s\n", ui.Path.Sprint(result.SafetyPackage.Path))
		}
		if err != nil {
			return err
		}

		fmt.Printf("%s Restored %s from %s\n", ui.Success.Sprint("✓"), ui.Path.Sprint(engine.DataDir()), pkg.Name)
		return nil
	},
}

// selectPackage lists packages and reads a 1-based choice
func selectPackage(reader *bufio.Reader, out io.Writer) (*backup.Package, error) {
	packages, err := engine.ListBackups()
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	if len(packages) == 0 {
		return nil, fmt.Errorf("no backup packages found in %s. Create one first with 'ledgerly backup'", engine.BackupDir())
	}

	fmt.Fprintln(out, "Available backups:")
	fmt.Fprintln(out)
	for i, p := range packages {
		fmt.Fprintf(out, "  %d. %s\n", i+1, p.Name)
		fmt.Fprintf(out, "     Created: %s\n", p.ModTime.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "     Size: %s\n", ui.FormatSize(p.Size))
		fmt.Fprintln(out)
	}

	fmt.Fprint(out, "Select backup to restore (enter number): ")
	input, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	input = strings.TrimSpace(input)
	selection, err := strconv.Atoi(input)
	if err != nil || selection < 1 || selection > len(packages) {
		return nil, fmt.Errorf("invalid selection: %s", input)
	}
	return &packages[selection-1], nil
}

func confirmed(reader *bufio.Reader) bool {
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func init() {
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "skip the confirmation prompt")
	rootCmd.AddCommand(restoreCmd)
}
