package mcp

import (
	"context"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/osqgate/internal/audit"
	"github.com/ppiankov/osqgate/internal/gate"
	"github.com/ppiankov/osqgate/internal/logging"
	"github.com/ppiankov/osqgate/internal/model"
	"github.com/ppiankov/osqgate/internal/osquery"
	"github.com/ppiankov/osqgate/internal/policy"
)

// --- Input/Output types ---

// NoInput is the input of tools without parameters.
type NoInput struct{}

// LimitInput defines parameters for tools returning a bounded row set.
type LimitInput struct {
	Limit *int `json:"limit,omitempty" jsonschema:"number of rows to return"`
}

// OpenFilesInput defines parameters for the open_files tool.
type OpenFilesInput struct {
	PID *int `json:"pid,omitempty" jsonschema:"process id, omit for all processes"`
}

// CustomQueryInput defines parameters for the custom_query tool.
type CustomQueryInput struct {
	SQL string `json:"sql" jsonschema:"osquery SQL query to execute"`
}

// QueryOutput contains query rows or denial details.
type QueryOutput struct {
	Tool              string            `json:"tool"`
	Rows              []map[string]any  `json:"rows,omitempty"`
	RowCount          int               `json:"row_count"`
	Decision          string            `json:"decision,omitempty"`
	Denied            bool              `json:"denied,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	Violations        []model.Violation `json:"violations,omitempty"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
	Error             string            `json:"error,omitempty"`
	EventID           string            `json:"event_id,omitempty"`
}

// StatusOutput wraps the gate's security status. Status holds a
// *gate.SecurityStatus; it is untyped so the output schema stays open.
type StatusOutput struct {
	Status            any               `json:"status,omitempty"`
	Denied            bool              `json:"denied,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	Violations        []model.Violation `json:"violations,omitempty"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// --- Handlers ---

func (s *Server) handleNoArgs(tool string) func(context.Context, *mcpsdk.CallToolRequest, NoInput) (*mcpsdk.CallToolResult, QueryOutput, error) {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, _ NoInput) (*mcpsdk.CallToolResult, QueryOutput, error) {
		return s.query(ctx, tool, map[string]any{})
	}
}

func (s *Server) handleLimit(tool string) func(context.Context, *mcpsdk.CallToolRequest, LimitInput) (*mcpsdk.CallToolResult, QueryOutput, error) {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, input LimitInput) (*mcpsdk.CallToolResult, QueryOutput, error) {
		params := map[string]any{}
		if input.Limit != nil {
			params["limit"] = *input.Limit
		}
		return s.query(ctx, tool, params)
	}
}

func (s *Server) handleOpenFiles(ctx context.Context, _ *mcpsdk.CallToolRequest, input OpenFilesInput) (*mcpsdk.CallToolResult, QueryOutput, error) {
	params := map[string]any{}
	if input.PID != nil {
		params["pid"] = *input.PID
	}
	return s.query(ctx, "open_files", params)
}

func (s *Server) handleCustomQuery(ctx context.Context, _ *mcpsdk.CallToolRequest, input CustomQueryInput) (*mcpsdk.CallToolResult, QueryOutput, error) {
	return s.query(ctx, osquery.CustomQuery, map[string]any{"sql": input.SQL})
}

func (s *Server) handleStatus(ctx context.Context, _ *mcpsdk.CallToolRequest, _ NoInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	req := gate.Request{
		Subject:   s.subject,
		SessionID: s.sessionID,
		Tool:      policy.StatusTool,
		Params:    map[string]any{},
	}
	out, err := s.gate.Run(ctx, req, func(context.Context, *audit.ToolScope) (any, error) {
		st := s.gate.Status(s.subject, s.sessionID, s.recent)
		return &st, nil
	})
	if err != nil {
		var denied *gate.DeniedError
		if errors.As(err, &denied) {
			return &mcpsdk.CallToolResult{IsError: true}, StatusOutput{
				Denied:            true,
				Reason:            string(denied.Reason),
				Violations:        denied.Violations,
				RetryAfterSeconds: denied.RetryAfterSeconds(),
			}, nil
		}
		return &mcpsdk.CallToolResult{IsError: true}, StatusOutput{Error: err.Error()}, nil
	}
	return nil, StatusOutput{Status: out.Result}, nil
}

// query builds the tool's SQL, admits it through the gate and executes it.
// Parameter errors are still admitted and audited so that malformed or
// hostile parameters leave a trace.
func (s *Server) query(ctx context.Context, tool string, params map[string]any) (*mcpsdk.CallToolResult, QueryOutput, error) {
	sql, buildErr := osquery.BuildSQL(tool, params)
	req := gate.Request{
		Subject:   s.subject,
		SessionID: s.sessionID,
		Tool:      tool,
		Params:    params,
		SQL:       sql,
	}

	var (
		out *gate.Outcome
		err error
	)
	if buildErr != nil {
		out, err = s.gate.Run(ctx, req, func(context.Context, *audit.ToolScope) (any, error) {
			return nil, buildErr
		})
	} else {
		out, err = s.gate.Execute(ctx, req)
	}

	if err != nil {
		return s.failure(tool, err)
	}

	rows, _ := out.Result.([]gate.Row)
	result := QueryOutput{
		Tool:       tool,
		Rows:       rows,
		RowCount:   len(rows),
		Decision:   string(out.Decision),
		Violations: out.Violations,
		EventID:    out.Event.EventID,
	}
	if result.Rows == nil {
		result.Rows = []map[string]any{}
	}
	return nil, result, nil
}

func (s *Server) failure(tool string, err error) (*mcpsdk.CallToolResult, QueryOutput, error) {
	var denied *gate.DeniedError
	if errors.As(err, &denied) {
		return &mcpsdk.CallToolResult{IsError: true}, QueryOutput{
			Tool:              tool,
			Denied:            true,
			Decision:          string(model.Deny),
			Reason:            string(denied.Reason),
			Violations:        denied.Violations,
			RetryAfterSeconds: denied.RetryAfterSeconds(),
			EventID:           denied.EventID,
		}, nil
	}
	s.logger.Warn("tool execution failed",
		zap.String("tool", tool),
		zap.String("error", logging.SanitizeString(err.Error())),
	)
	return &mcpsdk.CallToolResult{IsError: true}, QueryOutput{Tool: tool, Error: err.Error()}, nil
}
