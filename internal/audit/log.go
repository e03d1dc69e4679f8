package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// GenesisHash chains the first event of audit.jsonl and security.jsonl.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// maxLineSize bounds one event line when recovering the tail.
const maxLineSize = 4 << 20

// Log is one durable sink of the gateway. Logger keeps two: GeneralFile for
// every event and SecurityFile for violations and rate-limit denials. Each
// line carries the hash of the line before it so Verify can detect edits.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
	tail string
}

// Open appends to path, creating it and its directory if needed.
// A restarted gateway continues the existing chain instead of starting over.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	tail, err := chainTail(path)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", filepath.Base(path), err)
	}
	return &Log{path: path, file: file, tail: tail}, nil
}

// chainTail hashes the last non-empty line of path, or returns GenesisHash
// when the file is missing or empty.
func chainTail(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	tail := GenesisHash
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			tail = HashLine(sc.Bytes())
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("audit: scan %s: %w", filepath.Base(path), err)
	}
	return tail, nil
}

// Path returns the sink's file path.
func (l *Log) Path() string {
	return l.path
}

// Record writes ev chained to the current tail and fsyncs before returning,
// so a denial is on disk before the client sees it.
func (l *Log) Record(ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.PrevHash = l.tail
	line, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("audit: marshal %s event: %w", ev.Type, err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return ev, fmt.Errorf("audit: write %s: %w", filepath.Base(l.path), err)
	}
	if err := l.file.Sync(); err != nil {
		return ev, fmt.Errorf("audit: sync %s: %w", filepath.Base(l.path), err)
	}
	l.tail = HashLine(line)
	return ev, nil
}

// Close closes the sink. Records after Close fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine is the chain link stored in the next event's prev_hash.
func HashLine(line []byte) string {
	sum := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(sum[:])
}
