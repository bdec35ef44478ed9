package ledger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/logging"
)

// Emitter fires audit events without ever failing the caller. A broken or
// absent ledger degrades to counted drops, not errors: telemetry must never
// abort verification.
type Emitter struct {
	ledger  Ledger
	mirror  *Mirror
	log     *logging.Logger
	metrics *Metrics

	dropped atomic.Int64
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithMirror attaches a NATS mirror.
func WithMirror(m *Mirror) EmitterOption {
	return func(e *Emitter) { e.mirror = m }
}

// NewEmitter creates an emitter over the given ledger. A nil ledger is
// valid and turns emission into a counted no-op.
func NewEmitter(l Ledger, log *logging.Logger, opts ...EmitterOption) *Emitter {
	if log == nil {
		log = logging.NewNop()
	}
	e := &Emitter{
		ledger:  l,
		log:     log.Named("emitter"),
		metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit appends the event, filling in ID and timestamp. It never returns an
// error; failures are counted and logged at warn.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	if ev.Status == "" {
		ev.Status = StatusInfo
	}

	e.metrics.EventsEmittedTotal.WithLabelValues(string(ev.Status)).Inc()

	if e.ledger != nil {
		if err := e.ledger.Append(ctx, ev); err != nil {
			e.dropped.Add(1)
			e.metrics.EmitFailuresTotal.Inc()
			e.log.Warn(ctx, "dropped ledger event",
				zap.String("event_type", ev.Type),
				zap.Error(err),
			)
		}
	}

	if e.mirror != nil {
		if err := e.mirror.Publish(ev); err != nil {
			e.metrics.MirrorDropsTotal.Inc()
			e.log.Warn(ctx, "dropped mirrored event",
				zap.String("event_type", ev.Type),
				zap.Error(err),
			)
		}
	}
}

// Dropped reports how many events failed to reach the ledger since start.
// A steadily climbing value means the ledger connection is broken.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}
