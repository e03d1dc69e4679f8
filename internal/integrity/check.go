// Package integrity pins executables to known SHA-256 digests.
// The gateway refuses to start when the configured osqueryi binary does not
// match its pinned checksum.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrMismatch is returned by Verify when the file hash differs from the pin.
var ErrMismatch = errors.New("integrity: checksum mismatch")

// Result describes one verification.
type Result struct {
	Path     string `json:"path"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	// Verified is false when no pin was configured.
	Verified bool `json:"verified"`
}

// Normalize accepts "<hex>" or "sha256:<hex>" and returns lowercase hex.
func Normalize(pin string) (string, error) {
	pin = strings.ToLower(strings.TrimSpace(pin))
	pin = strings.TrimPrefix(pin, "sha256:")
	if len(pin) != sha256.Size*2 || !isHex(pin) {
		return "", fmt.Errorf("integrity: %q is not a sha256 hex digest", pin)
	}
	return pin, nil
}

// Verify hashes path and compares it with pin. An empty pin skips the check.
// On mismatch the returned error wraps ErrMismatch and Result carries both
// digests.
func Verify(path, pin string) (Result, error) {
	res := Result{Path: path}
	if strings.TrimSpace(pin) == "" {
		return res, nil
	}
	expected, err := Normalize(pin)
	if err != nil {
		return res, err
	}
	res.Expected = expected

	actual, err := HashFile(path)
	if err != nil {
		return res, fmt.Errorf("integrity: cannot hash %s: %w", path, err)
	}
	res.Actual = actual
	if actual != expected {
		return res, fmt.Errorf("%w: %s (expected %s, got %s)", ErrMismatch, path, expected, actual)
	}
	res.Verified = true
	return res, nil
}

// HashSelf returns the SHA-256 hex digest of the running binary.
func HashSelf() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("integrity: cannot resolve executable path: %w", err)
	}
	return HashFile(exePath)
}

// HashFile returns the SHA-256 hex digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
