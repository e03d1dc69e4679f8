package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/osqgate/internal/policy"
	"github.com/ppiankov/osqgate/internal/policydiff"
)

var diffFormat string

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().StringVarP(&diffFormat, "format", "f", "text", "Output format (text|json)")
}

var diffCmd = &cobra.Command{
	Use:   "diff <old.yaml> <new.yaml>",
	Short: "Compare two policy files and show changes",
	Long: "Loads two policy YAML files and shows what changed in human-readable terms:\n" +
		"policies and roles added/removed, tools and tables granted or revoked,\n" +
		"forbidden patterns, limits, compliance settings and subject assignments.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDiff(cmd.OutOrStdout(), args[0], args[1], diffFormat)
	},
}

func runDiff(w io.Writer, oldPath, newPath, format string) error {
	oldCfg, err := loadPolicyFile(oldPath)
	if err != nil {
		return fmt.Errorf("load old policy: %w", err)
	}
	newCfg, err := loadPolicyFile(newPath)
	if err != nil {
		return fmt.Errorf("load new policy: %w", err)
	}

	result := policydiff.Diff(oldCfg, newCfg)
	result.OldPath = oldPath
	result.NewPath = newPath

	switch format {
	case "json":
		out, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, out)
	default:
		fmt.Fprint(w, policydiff.FormatText(result))
	}
	return nil
}

// loadPolicyFile requires the file to exist; LoadConfig alone would fall
// back to defaults.
func loadPolicyFile(path string) (*policy.PolicyConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return policy.LoadConfig(path)
}
