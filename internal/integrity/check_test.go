package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeBinary(t *testing.T, content string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "osqueryi")
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	h := sha256.Sum256([]byte(content))
	return path, hex.EncodeToString(h[:])
}

func TestVerifySkipsWithoutPin(t *testing.T) {
	res, err := Verify("/nonexistent/osqueryi", "")
	if err != nil {
		t.Fatalf("expected nil error for empty pin, got %v", err)
	}
	if res.Verified {
		t.Error("unpinned binary reported as verified")
	}
}

func TestVerifyPassesWithCorrectHash(t *testing.T) {
	path, sum := writeBinary(t, "osquery 5.12")

	res, err := Verify(path, sum)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified || res.Actual != sum {
		t.Errorf("result = %+v", res)
	}

	// prefixed and upper-case pins are accepted
	if _, err := Verify(path, "sha256:"+strings.ToUpper(sum)); err != nil {
		t.Errorf("prefixed pin: %v", err)
	}
}

func TestVerifyFailsWithWrongHash(t *testing.T) {
	path, _ := writeBinary(t, "osquery 5.12")
	_, other := writeBinary(t, "tampered")

	res, err := Verify(path, other)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("err = %v, want ErrMismatch", err)
	}
	if res.Verified || res.Expected != other || res.Actual == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestVerifyMissingBinary(t *testing.T) {
	_, sum := writeBinary(t, "x")
	_, err := Verify(filepath.Join(t.TempDir(), "missing"), sum)
	if err == nil || errors.Is(err, ErrMismatch) {
		t.Errorf("err = %v, want hash error", err)
	}
}

func TestNormalize(t *testing.T) {
	_, sum := writeBinary(t, "x")
	tests := []struct {
		in string
		ok bool
	}{
		{sum, true},
		{"sha256:" + sum, true},
		{"  " + strings.ToUpper(sum) + "\n", true},
		{"deadbeef", false},
		{strings.Repeat("z", 64), false},
		{"", false},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if tt.ok {
			if err != nil || got != sum {
				t.Errorf("Normalize(%q) = %q, %v", tt.in, got, err)
			}
		} else if err == nil {
			t.Errorf("Normalize(%q) expected error", tt.in)
		}
	}
}

func TestHashSelf(t *testing.T) {
	sum, err := HashSelf()
	if err != nil {
		t.Fatal(err)
	}
	if len(sum) != 64 {
		t.Errorf("hash length = %d", len(sum))
	}
}
