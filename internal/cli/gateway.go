package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/osqgate/internal/alert"
	"github.com/ppiankov/osqgate/internal/audit"
	"github.com/ppiankov/osqgate/internal/config"
	"github.com/ppiankov/osqgate/internal/gate"
	"github.com/ppiankov/osqgate/internal/integrity"
	"github.com/ppiankov/osqgate/internal/model"
	"github.com/ppiankov/osqgate/internal/osquery"
	"github.com/ppiankov/osqgate/internal/policy"
	"github.com/ppiankov/osqgate/internal/ratelimit"
)

// gateway holds the components behind osqgate serve.
type gateway struct {
	cfg      *config.Config
	logger   *zap.Logger
	engine   *policy.Engine
	limiter  *ratelimit.Limiter
	events   *audit.Logger
	gate     *gate.Gate
	reloader *policy.Reloader
}

// newGateway wires policy, limits, audit, executor and gate from cfg.
func newGateway(cfg *config.Config, logger *zap.Logger) (*gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	polCfg, polHash, err := policy.LoadConfigWithHash(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	engine, err := policy.NewEngine(polCfg, policy.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	engine.SetHash(polHash)
	if cfg.Role != "" {
		if err := engine.AssignRole(cfg.Subject, cfg.Role, cfg.Policy); err != nil {
			return nil, fmt.Errorf("assign %s: %w", cfg.Subject, err)
		}
	}

	limits, limitsHash, err := ratelimit.LoadConfigWithHash(cfg.LimitsFile)
	if err != nil {
		return nil, fmt.Errorf("load limits: %w", err)
	}
	limiter, err := ratelimit.New(limits, ratelimit.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("limits: %w", err)
	}

	opts := []audit.Option{
		audit.WithZap(logger),
		audit.WithBufferSize(cfg.Audit.BufferSize),
		audit.WithSlowThreshold(cfg.Audit.SlowThreshold),
	}
	if len(cfg.Alerts) > 0 {
		opts = append(opts, audit.WithAlerts(alert.NewDispatcher(cfg.Alerts, logger)))
	}
	var index *audit.Index
	if cfg.Audit.IndexPath != "" {
		index, err = audit.OpenIndex(cfg.Audit.IndexPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, audit.WithIndex(index))
	}
	dir := cfg.Audit.Dir
	if cfg.Audit.MemoryOnly() {
		dir = ""
	}
	events, err := audit.NewLogger(dir, opts...)
	if err != nil {
		if index != nil {
			index.Close()
		}
		return nil, err
	}

	mode, err := gate.ParseMode(cfg.Mode)
	if err != nil {
		events.Close()
		return nil, err
	}
	exec := osquery.New(cfg.Osquery.Path,
		osquery.WithTimeout(cfg.Osquery.Timeout),
		osquery.WithLogger(logger),
	)
	pin, err := verifyOsquery(events, exec.Path(), cfg.Osquery.SHA256)
	if err != nil {
		events.Close()
		return nil, err
	}
	g := gate.New(engine, limiter, events, exec, gate.WithMode(mode), gate.WithLogger(logger))

	rt := &gateway{
		cfg:     cfg,
		logger:  logger,
		engine:  engine,
		limiter: limiter,
		events:  events,
		gate:    g,
	}
	if !cfg.DisableReload {
		reloader, err := policy.NewReloader([]string{cfg.PolicyFile}, func() error {
			return engine.ReloadFile(cfg.PolicyFile)
		}, logger)
		if err != nil {
			logger.Warn("policy hot-reload disabled", zap.Error(err))
		} else {
			rt.reloader = reloader
		}
	}

	events.LogEvent(audit.Entry{
		Type:     audit.SystemEvent,
		Severity: model.SevLow,
		Extra: map[string]any{
			"message":     "gate started",
			"mode":        string(mode),
			"policy_hash": polHash,
			"limits_hash": limitsHash,
			"osquery":     exec.Path(),
			"pinned":      pin.Verified,
		},
	})
	return rt, nil
}

// verifyOsquery checks the osqueryi pin and records a critical violation on
// mismatch.
func verifyOsquery(events *audit.Logger, path, pin string) (integrity.Result, error) {
	res, err := integrity.Verify(path, pin)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, integrity.ErrMismatch) {
		events.LogEvent(audit.Entry{
			Type:     audit.SecurityViolation,
			Severity: model.SevCritical,
			Error:    err.Error(),
			Extra: map[string]any{
				"message":       "osqueryi checksum mismatch",
				"binary":        res.Path,
				"expected_hash": res.Expected,
				"actual_hash":   res.Actual,
			},
		})
	}
	return res, fmt.Errorf("refusing to start: %w", err)
}

// start launches background watchers.
func (rt *gateway) start(ctx context.Context) {
	if rt.reloader == nil {
		return
	}
	go func() {
		if err := rt.reloader.Run(ctx); err != nil {
			rt.logger.Warn("policy watcher stopped", zap.Error(err))
		}
	}()
}

// Close records shutdown and closes the audit files.
func (rt *gateway) Close() error {
	rt.events.LogEvent(audit.Entry{
		Type:     audit.SystemEvent,
		Severity: model.SevLow,
		Extra:    map[string]any{"message": "gate stopped", "stats": rt.events.Stats()},
	})
	if err := rt.events.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	return nil
}
