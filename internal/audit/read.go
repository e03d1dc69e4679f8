package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ReadEvents scans a JSONL event log and returns events whose timestamp is
// in [from, to]. Zero bounds are open. Malformed lines are skipped; a
// missing file yields no events and no error.
func ReadEvents(path string, from, to time.Time) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var out []Event
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if inRange(ev.Timestamp, from, to) {
			out = append(out, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("audit: scan %s: %w", path, err)
	}
	return out, nil
}

// ReadDir reads the general and security logs of an audit directory and
// merges them in timestamp order.
func ReadDir(dir string, from, to time.Time) ([]Event, error) {
	var all []Event
	for _, name := range []string{GeneralFile, SecurityFile} {
		events, err := ReadEvents(filepath.Join(dir, name), from, to)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all, nil
}

// StoredCoverage describes a report built from durable files or the index,
// which hold every event recorded since the first one. events must be
// sorted oldest first.
func StoredCoverage(source string, events []Event) Coverage {
	cov := Coverage{Source: source, Complete: true}
	if len(events) > 0 {
		cov.OldestAvailable = events[0].Timestamp
	}
	return cov
}
