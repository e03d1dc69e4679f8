package gate

import (
	"fmt"
	"strings"
)

// Mode controls how policy violations are handled.
type Mode string

const (
	// ModeEnforce rejects requests with policy violations.
	ModeEnforce Mode = "enforce"
	// ModeMonitor records policy violations and admits the request.
	// Rate limits and caller identity are enforced in both modes.
	ModeMonitor Mode = "monitor"
)

// ParseMode parses a mode name. Empty means enforce.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeEnforce:
		return ModeEnforce, nil
	case ModeMonitor:
		return ModeMonitor, nil
	default:
		return "", fmt.Errorf("gate: unknown mode %q (want enforce or monitor)", s)
	}
}
