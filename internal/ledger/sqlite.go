package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	task_id     TEXT,
	type        TEXT NOT NULL,
	source      TEXT NOT NULL,
	status      TEXT NOT NULL,
	message     TEXT NOT NULL,
	metadata    TEXT,
	emitted_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

// SQLiteLedger persists events in a local SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Append inserts one event. Rows are never updated or deleted.
func (l *SQLiteLedger) Append(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}

	var meta any
	if len(ev.Metadata) > 0 {
		data, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		meta = string(data)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events(id, task_id, type, source, status, message, metadata, emitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, nullable(ev.TaskID), ev.Type, ev.Source, string(ev.Status),
		ev.Message, meta, ev.EmittedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Search returns records whose type or message contains the query text,
// newest first. Matching is plain case-insensitive containment; the ledger
// contract is keyword search, not semantic search.
func (l *SQLiteLedger) Search(ctx context.Context, query string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"

	rows, err := l.db.QueryContext(ctx,
		`SELECT task_id, type, message, emitted_at FROM events
		 WHERE lower(type) LIKE ? OR lower(message) LIKE ? OR lower(task_id) LIKE ?
		 ORDER BY emitted_at DESC LIMIT ?`,
		pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var taskID sql.NullString
		var typ, message, emittedAt string
		if err := rows.Scan(&taskID, &typ, &message, &emittedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		rec := Record{
			Title:   typ,
			Message: message,
			Kind:    KindNote,
		}
		if taskID.Valid && taskID.String != "" {
			rec.VTID = taskID.String
			rec.Kind = KindVTID
		}
		if t, err := time.Parse(time.RFC3339Nano, emittedAt); err == nil {
			rec.CreatedAt = t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
