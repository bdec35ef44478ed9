package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// Mirror publishes appended events to NATS for live consumers. It is an
// optional side channel: publish failures are reported to the caller
// (the Emitter counts and logs them) but never block the write path.
type Mirror struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewMirror connects to NATS and returns a mirror publishing under
// subjectPrefix (e.g. "verify.events").
func NewMirror(url, subjectPrefix string, opts ...nats.Option) (*Mirror, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "verify.events"
	}
	return &Mirror{conn: conn, subjectPrefix: subjectPrefix}, nil
}

// Publish sends the event as JSON to "<prefix>.<event type>".
func (m *Mirror) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := m.subjectPrefix + "." + sanitizeSubject(ev.Type)
	if err := m.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish event to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (m *Mirror) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

// sanitizeSubject strips characters NATS treats as wildcards or separators.
func sanitizeSubject(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '*', '>':
			return '_'
		}
		return r
	}, s)
}
