package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ppiankov/osqgate/internal/model"
)

// ToolCall identifies a tool execution being audited.
type ToolCall struct {
	Subject   string
	SessionID string
	Tool      string
	Params    map[string]any
	// Extra is copied into the terminal event's additional data.
	Extra map[string]any
}

// ToolScope tracks one tool execution and emits exactly one terminal event.
type ToolScope struct {
	l     *Logger
	call  ToolCall
	start time.Time
	once  sync.Once
	mu    sync.Mutex
	extra map[string]any
	event Event
}

// BeginToolExecution starts timing a tool call. The caller must call Finish.
func (l *Logger) BeginToolExecution(call ToolCall) *ToolScope {
	extra := make(map[string]any, len(call.Extra))
	for k, v := range call.Extra {
		extra[k] = v
	}
	return &ToolScope{
		l:     l,
		call:  call,
		start: l.now(),
		extra: extra,
	}
}

// AddExtra attaches context to the terminal event. Ignored after Finish.
func (s *ToolScope) AddExtra(key string, value any) {
	s.mu.Lock()
	s.extra[key] = value
	s.mu.Unlock()
}

// Finish records the terminal event. Only the first call has effect; later
// calls return the already recorded event.
//
// Failed executions are type error; failures and executions slower than the
// slow threshold are medium severity, everything else low.
func (s *ToolScope) Finish(result any, err error) Event {
	s.once.Do(func() {
		elapsed := s.l.now().Sub(s.start)

		s.mu.Lock()
		extra := make(map[string]any, len(s.extra)+2)
		for k, v := range s.extra {
			extra[k] = v
		}
		s.mu.Unlock()

		entry := Entry{
			Type:       ToolExecution,
			Severity:   model.SevLow,
			Subject:    s.call.Subject,
			SessionID:  s.call.SessionID,
			Tool:       s.call.Tool,
			Parameters: s.call.Params,
			Result:     result,
			Duration:   elapsed,
			Extra:      extra,
		}
		if elapsed > s.l.slow {
			entry.Severity = model.SevMedium
			extra["slow_query"] = true
		}
		if err != nil {
			entry.Type = ErrorEvent
			entry.Severity = model.SevMedium
			entry.Error = err.Error()
			entry.Result = nil
			extra["status"] = "error"
		} else {
			extra["status"] = "success"
		}
		s.event = s.l.LogEvent(entry)
	})
	return s.event
}

// TrackToolExecution runs fn inside a tool scope. Exactly one terminal event
// is recorded whether fn returns a value, an error, is cancelled through ctx
// or panics; a panic is recorded and then re-raised. fn may attach context
// to the terminal event through the scope.
func (l *Logger) TrackToolExecution(ctx context.Context, call ToolCall, fn func(context.Context, *ToolScope) (any, error)) (result any, err error) {
	scope := l.BeginToolExecution(call)
	defer func() {
		if r := recover(); r != nil {
			scope.Finish(nil, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		scope.Finish(result, err)
	}()
	result, err = fn(ctx, scope)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return result, err
}
