package gate

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ppiankov/osqgate/internal/model"
)

// ErrDenied is matched by every admission denial.
var ErrDenied = errors.New("gate: request denied")

// DenyReason says which stage rejected a request.
type DenyReason string

const (
	ReasonPolicy    DenyReason = "policy"
	ReasonRateLimit DenyReason = "rate_limit"
)

// DeniedError is returned when admission rejects a request. The executor was
// not invoked.
type DeniedError struct {
	Reason     DenyReason
	Subject    string
	Tool       string
	Violations []model.Violation
	RetryAfter time.Duration
	EventID    string
}

func (e *DeniedError) Error() string {
	kinds := make([]string, 0, len(e.Violations))
	for _, k := range model.Kinds(e.Violations) {
		kinds = append(kinds, string(k))
	}
	msg := fmt.Sprintf("gate: %s denied %s for %q: %s", e.Reason, e.Tool, e.Subject, strings.Join(kinds, ", "))
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %ds)", e.RetryAfterSeconds())
	}
	return msg
}

// Unwrap makes errors.Is(err, ErrDenied) hold.
func (e *DeniedError) Unwrap() error { return ErrDenied }

// RetryAfterSeconds returns the retry hint rounded up to whole seconds.
func (e *DeniedError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}
