package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS events (
    event_id    TEXT PRIMARY KEY,
    ts          INTEGER NOT NULL,
    event_type  TEXT NOT NULL,
    severity    TEXT NOT NULL,
    subject     TEXT NOT NULL DEFAULT '',
    tool        TEXT NOT NULL DEFAULT '',
    session_id  TEXT NOT NULL DEFAULT '',
    body        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_ts ON events (ts);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type, ts);
CREATE INDEX IF NOT EXISTS idx_events_subject ON events (subject, ts);
`

// Index mirrors audit events into SQLite for time-range reporting.
// The JSONL logs remain the source of truth.
type Index struct {
	db *sql.DB
}

// OpenIndex opens or creates the index database at path.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create index directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open index: %w", err)
	}
	// single writer; sqlite serialises anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate index: %w", err)
	}
	return &Index{db: db}, nil
}

// Insert stores an event. Re-inserting an event id is a no-op.
func (x *Index) Insert(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	_, err = x.db.Exec(`INSERT OR IGNORE INTO events
		(event_id, ts, event_type, severity, subject, tool, session_id, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.Timestamp.UnixNano(), string(ev.Type), string(ev.Severity),
		ev.Subject, ev.Tool, ev.SessionID, string(body))
	if err != nil {
		return fmt.Errorf("audit: index insert: %w", err)
	}
	return nil
}

// Range returns events with timestamps in [from, to], oldest first.
// Zero bounds are open.
func (x *Index) Range(from, to time.Time) ([]Event, error) {
	lo := int64(0)
	if !from.IsZero() {
		lo = from.UnixNano()
	}
	hi := int64(1<<63 - 1)
	if !to.IsZero() {
		hi = to.UnixNano()
	}

	rows, err := x.db.Query(`SELECT body FROM events WHERE ts >= ? AND ts <= ? ORDER BY ts, event_id`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("audit: index range: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("audit: index scan: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Oldest returns the timestamp of the earliest indexed event.
func (x *Index) Oldest() (time.Time, bool, error) {
	var ts sql.NullInt64
	if err := x.db.QueryRow(`SELECT MIN(ts) FROM events`).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("audit: index oldest: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ts.Int64).UTC(), true, nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}
