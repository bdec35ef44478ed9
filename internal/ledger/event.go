// Package ledger provides the append-only event ledger collaborator:
// event types, a SQLite store, an optional NATS mirror, and the
// non-blocking Emitter used by skills and the verification pipeline.
//
// The ledger is append-only by contract: no component updates or deletes
// existing rows, which is why concurrent readers need no locking.
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Status classifies an event.
type Status string

const (
	StatusInfo    Status = "info"
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Event is one audit record.
type Event struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	// Type is dot-namespaced: "<domain>.<skill>.<stage>".
	Type string `json:"type"`

	Source   string         `json:"source"`
	Status   Status         `json:"status"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`

	EmittedAt time.Time `json:"emitted_at"`
}

// EventType builds the dot-namespaced event type.
func EventType(domain, skill, stage string) string {
	return fmt.Sprintf("%s.%s.%s", domain, skill, stage)
}

// Record is a historical ledger entry as seen by searching skills.
type Record struct {
	// VTID is the task id the record belongs to; empty for untracked notes.
	VTID string `json:"vtid,omitempty"`

	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
	Message string `json:"message,omitempty"`

	// Kind is "vtid" for task-linked records, "note" otherwise.
	Kind string `json:"kind"`

	CreatedAt time.Time `json:"created_at"`
}

// Kinds of ledger records.
const (
	KindVTID = "vtid"
	KindNote = "note"
)

// Ledger is the external append-only event store. Rows are only ever
// appended and read, never mutated.
type Ledger interface {
	// Append writes one event.
	Append(ctx context.Context, ev Event) error

	// Search returns records whose title or message contains the query,
	// newest first, up to limit.
	Search(ctx context.Context, query string, limit int) ([]Record, error)

	Close() error
}

// Searcher is the read-only slice of Ledger used by analysis skills.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Record, error)
}
