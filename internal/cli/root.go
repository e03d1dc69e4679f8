package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/osqgate/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "osqgate",
	Short: "Policy-enforcing gateway for osquery host inspection",
	Long: "Exposes osquery host inspection to AI agents over MCP. Every call passes\n" +
		"role-based policy, SQL inspection and rate limits before it reaches\n" +
		"osqueryi, and every decision lands in a hash-chained audit log.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default ~/.osqgate/config.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the --config file, or ~/.osqgate/config.yaml when unset.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if dir, err := config.Dir(); err == nil {
			path = filepath.Join(dir, config.ConfigFile)
		}
	}
	return config.Load(path)
}
