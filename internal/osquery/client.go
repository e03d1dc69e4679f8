// Package osquery runs SQL against the host through the osqueryi binary.
package osquery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single osqueryi invocation.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when a query exceeds the client timeout.
var ErrTimeout = errors.New("osquery: query timed out")

// Row is one result record, column name to value.
type Row = map[string]any

var commonPaths = []string{
	"/usr/local/bin/osqueryi",
	"/opt/osquery/bin/osqueryi",
	"/usr/bin/osqueryi",
}

// Locate returns the osqueryi path from PATH or a well-known install
// location, falling back to the bare name.
func Locate() string {
	if p, err := exec.LookPath("osqueryi"); err == nil {
		return p
	}
	for _, p := range commonPaths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return "osqueryi"
}

// Client executes queries with osqueryi --json.
type Client struct {
	path    string
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the operator logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client. An empty path is resolved with Locate.
func New(path string, opts ...Option) *Client {
	if path == "" {
		path = Locate()
	}
	c := &Client{path: path, timeout: DefaultTimeout, logger: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Path returns the osqueryi binary in use.
func (c *Client) Path() string { return c.path }

// Query runs sql and decodes the JSON rows. Cancelling ctx kills the process.
func (c *Client) Query(ctx context.Context, sql string) ([]Row, error) {
	stdout, stderr, err := c.run(ctx, "--json", sql)
	if err != nil {
		return nil, err
	}

	out := bytes.TrimSpace(stdout)
	if len(out) == 0 {
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			return nil, fmt.Errorf("osquery: %s", msg)
		}
		return []Row{}, nil
	}

	var rows []Row
	if err := json.Unmarshal(out, &rows); err != nil {
		return nil, fmt.Errorf("osquery: parse output: %w", err)
	}
	return rows, nil
}

// Version returns the osqueryi version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	stdout, _, err := c.run(ctx, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(stdout)), nil
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.logger.Debug("osqueryi",
		zap.String("path", c.path),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// parent deadline or our own timeout
		return nil, nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, nil, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = exitErr.Error()
		}
		return nil, nil, fmt.Errorf("osquery: exit %d: %s", exitErr.ExitCode(), msg)
	}
	return nil, nil, fmt.Errorf("osquery: run %s: %w", c.path, err)
}
