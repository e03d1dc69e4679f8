package osquery

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubOsqueryi writes an executable shell script standing in for osqueryi.
func stubOsqueryi(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "osqueryi")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestQueryDecodesRows(t *testing.T) {
	path := stubOsqueryi(t, `[ "$1" = "--json" ] || { echo "missing --json" >&2; exit 2; }
echo '[{"pid":"1","name":"init"},{"pid":"2","name":"kthreadd"}]'`)

	rows, err := New(path).Query(context.Background(), "SELECT pid, name FROM processes LIMIT 2;")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "init", rows[0]["name"])
	assert.Equal(t, "2", rows[1]["pid"])
}

func TestQueryPassesSQLVerbatim(t *testing.T) {
	path := stubOsqueryi(t, `printf '[{"sql":"%s"}]' "$2"`)

	rows, err := New(path).Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "SELECT 1", rows[0]["sql"])
}

func TestQueryEmptyOutput(t *testing.T) {
	path := stubOsqueryi(t, `exit 0`)

	rows, err := New(path).Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NotNil(t, rows)
}

func TestQueryStderrWithoutRows(t *testing.T) {
	path := stubOsqueryi(t, `echo "Error: no such table: bogus" >&2`)

	_, err := New(path).Query(context.Background(), "SELECT * FROM bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table")
}

func TestQueryNonZeroExit(t *testing.T) {
	path := stubOsqueryi(t, `echo "boom" >&2; exit 1`)

	_, err := New(path).Query(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit 1")
	assert.Contains(t, err.Error(), "boom")
}

func TestQueryBadJSON(t *testing.T) {
	path := stubOsqueryi(t, `echo 'not json'`)

	_, err := New(path).Query(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse output")
}

func TestQueryTimeout(t *testing.T) {
	path := stubOsqueryi(t, `exec sleep 5`)

	start := time.Now()
	_, err := New(path, WithTimeout(100*time.Millisecond)).Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestQueryCancelled(t *testing.T) {
	path := stubOsqueryi(t, `exec sleep 5`)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := New(path).Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueryMissingBinary(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope")).Query(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestVersion(t *testing.T) {
	path := stubOsqueryi(t, `echo "osqueryi version 5.12.1"`)

	v, err := New(path).Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "osqueryi version 5.12.1", v)
}

func TestNewDefaults(t *testing.T) {
	c := New("/opt/custom/osqueryi")
	assert.Equal(t, "/opt/custom/osqueryi", c.Path())
	assert.Equal(t, DefaultTimeout, c.timeout)

	assert.NotEmpty(t, New("").Path())
	assert.True(t, strings.HasSuffix(Locate(), "osqueryi"))
}
