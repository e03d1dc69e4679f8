package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/osqgate/internal/gate"
	"github.com/ppiankov/osqgate/internal/osquery"
	"github.com/ppiankov/osqgate/internal/policy"
)

// DefaultRecentViolations is how many violations security_status lists.
const DefaultRecentViolations = 10

// Config holds MCP server configuration.
type Config struct {
	// Subject is the identity every call from this stdio client runs as.
	Subject string
	// Agent describes the client, recorded on the session.
	Agent            string
	Version          string
	RecentViolations int
}

// Server exposes the osquery tool catalogue over MCP. Every call goes
// through the admission gate.
type Server struct {
	mcpServer *mcpsdk.Server
	gate      *gate.Gate
	subject   string
	sessionID string
	recent    int
	logger    *zap.Logger
}

// New creates an MCP server and opens an audit session for the client.
func New(g *gate.Gate, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	recent := cfg.RecentViolations
	if recent <= 0 {
		recent = DefaultRecentViolations
	}

	s := &Server{
		gate:    g,
		subject: cfg.Subject,
		recent:  recent,
		logger:  logger,
	}
	s.sessionID = g.Events().CreateSession(cfg.Subject, "stdio", cfg.Agent)

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "osqgate",
			Version: version,
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server starting",
		zap.String("subject", s.subject),
		zap.String("session_id", s.sessionID),
		zap.String("mode", string(s.gate.Mode())),
	)
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// SessionID returns the audit session opened for this client.
func (s *Server) SessionID() string { return s.sessionID }

// registerTools adds the host query tools and security_status.
func (s *Server) registerTools() {
	for _, t := range osquery.Tools() {
		tool := &mcpsdk.Tool{Name: t.Name, Description: t.Description}
		switch t.Name {
		case "processes", "network_connections":
			mcpsdk.AddTool(s.mcpServer, tool, s.handleLimit(t.Name))
		case "open_files":
			mcpsdk.AddTool(s.mcpServer, tool, s.handleOpenFiles)
		case osquery.CustomQuery:
			mcpsdk.AddTool(s.mcpServer, tool, s.handleCustomQuery)
		default:
			mcpsdk.AddTool(s.mcpServer, tool, s.handleNoArgs(t.Name))
		}
	}

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        policy.StatusTool,
		Description: "Report the caller's role, permissions, rate limit state and recent security violations.",
	}, s.handleStatus)
}
