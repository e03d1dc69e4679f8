package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/osqgate/internal/config"
	"github.com/ppiankov/osqgate/internal/policy"
	"github.com/ppiankov/osqgate/internal/ratelimit"
)

var (
	initMode  string
	initForce bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.osqgate) or system (/etc/osqgate)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default configuration, policy and rate limits",
	Long: `Creates the config directory with commented defaults:

  config.yaml   server settings (subject, role, mode, audit, osquery)
  policy.yaml   roles, table scopes and forbidden query patterns
  limits.yaml   per-scope rate limits
  audit/        hash-chained audit logs

User mode (default):  writes to ~/.osqgate/
System mode:          writes to /etc/osqgate/ (requires root)`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return err
	}
	var out io.Writer = os.Stdout
	if cmd != nil {
		out = cmd.OutOrStdout()
	}

	var created []string

	auditPath := filepath.Join(configDir, config.AuditDir)
	if err := os.MkdirAll(auditPath, 0o700); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}

	files := []struct {
		name    string
		content string
	}{
		{config.ConfigFile, config.DefaultConfigYAML()},
		{config.PolicyFile, policy.DefaultConfigYAML()},
		{config.LimitsFile, ratelimit.DefaultConfigYAML()},
	}
	for _, f := range files {
		path := filepath.Join(configDir, f.name)
		wrote, err := writeIfMissing(path, f.content)
		if err != nil {
			return err
		}
		if wrote {
			created = append(created, path)
		}
	}

	fmt.Fprintln(out, "osqgate init complete.")
	fmt.Fprintln(out)
	if len(created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, path := range created {
			fmt.Fprintf(out, "  %s\n", path)
		}
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, "All files already exist (use --force to overwrite).")
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "Check the policy:")
	fmt.Fprintln(out, "  osqgate check --subject alice --role user --tool processes")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Serve an agent over MCP:")
	fmt.Fprintln(out, "  osqgate serve --subject <name> --role <role>")
	return nil
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/osqgate", nil
	case "user", "":
		return config.Dir()
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
