package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/osqgate/internal/logging"
	"github.com/ppiankov/osqgate/internal/mcp"
)

var (
	serveSubject string
	serveRole    string
	serveMode    string
	serveAgent   string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveSubject, "subject", "", "Identity of the MCP client (overrides config)")
	serveCmd.Flags().StringVar(&serveRole, "role", "", "Role granted to the subject (overrides config)")
	serveCmd.Flags().StringVar(&serveMode, "mode", "", "Admission mode: enforce or monitor (overrides config)")
	serveCmd.Flags().StringVar(&serveAgent, "agent", "", "Client description recorded on the audit session")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server on stdio",
	Long: "Runs osqgate as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes osquery host inspection tools and security_status. Every call\n" +
		"is checked against policy and rate limits and written to the audit log.\n" +
		"The policy file is reloaded when it changes.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveSubject != "" {
		cfg.Subject = serveSubject
	}
	if serveRole != "" {
		cfg.Role = serveRole
	}
	if serveMode != "" {
		cfg.Mode = serveMode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gw, err := newGateway(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start gate: %w", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down mcp server")
		cancel()
	}()

	gw.start(ctx)

	srv := mcp.New(gw.gate, mcp.Config{
		Subject: cfg.Subject,
		Agent:   serveAgent,
		Version: version,
	}, logger)

	err = srv.Run(ctx)

	if sum, ok := gw.events.SessionSummary(srv.SessionID()); ok {
		logger.Info("session summary",
			zap.String("session_id", sum.ID),
			zap.String("subject", sum.Subject),
			zap.Int("events", sum.EventCount),
			zap.Int("violations", sum.Violations),
			zap.Int("errors", sum.Errors),
			zap.Any("tool_counts", sum.ToolCounts),
			zap.Any("denied_counts", sum.DeniedCounts),
		)
	}

	if ctx.Err() != nil {
		return nil
	}
	return err
}
