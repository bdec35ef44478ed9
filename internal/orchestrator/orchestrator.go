// Package orchestrator drives the task lifecycle: dispatch to an agent
// adapter, verify the completion claim through the stage gate, and retry
// or escalate within a bounded attempt budget. It is the only component
// that writes terminal events to the ledger.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/chain"
	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/gate"
	"github.com/fyrsmithlabs/verifyd/internal/ledger"
	"github.com/fyrsmithlabs/verifyd/internal/logging"
	"github.com/fyrsmithlabs/verifyd/internal/task"
)

var tracer = otel.Tracer("verifyd.orchestrator")

// TaskState is the orchestrator's view of one task.
type TaskState string

const (
	StateCreated         TaskState = "created"
	StateDispatched      TaskState = "dispatched"
	StateAwaitingClaim   TaskState = "awaiting_claim"
	StateVerifying       TaskState = "verifying"
	StateRetryDispatch   TaskState = "retry_dispatch"
	StateEscalated       TaskState = "escalated"
	StateTerminalSuccess TaskState = "terminal_success"
	StateTerminalFailure TaskState = "terminal_failure"
	StateCancelled       TaskState = "cancelled"
)

// Terminal reports whether a state ends the task.
func (s TaskState) Terminal() bool {
	switch s {
	case StateEscalated, StateTerminalSuccess, StateTerminalFailure, StateCancelled:
		return true
	}
	return false
}

// Briefing is the context handed to the adapter on each dispatch.
// PriorFailures carries every earlier attempt's failure reason so the
// agent sees the full history, not just the last verdict.
type Briefing struct {
	Attempt       int      `json:"attempt"`
	PriorFailures []string `json:"prior_failures,omitempty"`
}

// Adapter dispatches a task to an agent and blocks until it claims
// completion.
type Adapter interface {
	Dispatch(ctx context.Context, t task.Task, briefing Briefing) (task.Claim, error)
}

// Attempt records one verification attempt.
type Attempt struct {
	Number int          `json:"number"`
	Result *gate.Result `json:"result,omitempty"`
	At     time.Time    `json:"at"`
}

// Outcome is the final disposition of one task run.
type Outcome struct {
	State    TaskState `json:"state"`
	Reason   string    `json:"reason"`
	Attempts []Attempt `json:"attempts"`
}

// Orchestrator runs tasks to a terminal state.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	chains   *chain.Runner
	gate     *gate.Gate
	adapter  Adapter
	fallback Adapter
	emitter  *ledger.Emitter
	log      *logging.Logger

	// finalized guards the exactly-once terminal write per task id.
	finalized sync.Map

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFallbackAdapter sets the adapter used when the primary dispatch
// errors.
func WithFallbackAdapter(a Adapter) Option {
	return func(o *Orchestrator) { o.fallback = a }
}

// WithPreflight enables the preflight chain before the first dispatch.
func WithPreflight(chains *chain.Runner) Option {
	return func(o *Orchestrator) { o.chains = chains }
}

// New builds an orchestrator.
func New(cfg config.OrchestratorConfig, g *gate.Gate, adapter Adapter, emitter *ledger.Emitter, log *logging.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logging.NewNop()
	}
	o := &Orchestrator{
		cfg:     cfg,
		gate:    g,
		adapter: adapter,
		emitter: emitter,
		log:     log.Named("orchestrator"),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives one task to a terminal state. It returns an error only for
// invalid input; verification failures are Outcome states, not errors.
func (o *Orchestrator) Run(ctx context.Context, t task.Task) (*Outcome, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	ctx, span := tracer.Start(ctx, "orchestrator.Run",
		oteltrace.WithAttributes(
			attribute.String("task.id", t.VTID),
			attribute.String("task.domain", string(t.Domain)),
		))
	defer span.End()

	ctx = logging.WithTaskID(ctx, t.VTID)
	o.log.Info(ctx, "task accepted", zap.String("state", string(StateCreated)))

	if o.chains != nil {
		pre, err := o.chains.Run(ctx, chain.PhasePreflight, t.Domain, t.VTID, chain.Input{
			Query:       t.Objective,
			TargetPaths: t.TargetPaths,
		})
		if err != nil {
			return nil, fmt.Errorf("preflight chain: %w", err)
		}
		if !pre.Proceed {
			outcome := &Outcome{
				State:  StateTerminalFailure,
				Reason: "preflight chain blocked dispatch",
			}
			o.finalize(ctx, t, outcome)
			return outcome, nil
		}
	}

	outcome := &Outcome{}
	var reasons []string
	delay := o.cfg.RetryDelay.Duration()

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return o.cancel(ctx, t, outcome, reasons), nil
		}
		ctx := logging.WithAttempt(ctx, attempt)
		o.log.Info(ctx, "dispatching", zap.String("state", string(StateDispatched)))

		claim, err := o.dispatch(ctx, t, Briefing{Attempt: attempt, PriorFailures: reasons})
		if err != nil {
			if ctx.Err() != nil {
				return o.cancel(ctx, t, outcome, reasons), nil
			}
			reasons = append(reasons, fmt.Sprintf("attempt %d: dispatch failed: %v", attempt, err))
			outcome.Attempts = append(outcome.Attempts, Attempt{Number: attempt, At: time.Now()})
			if attempt == o.cfg.MaxAttempts {
				break
			}
			if err := o.sleep(ctx, delay); err != nil {
				return o.cancel(ctx, t, outcome, reasons), nil
			}
			delay = o.nextDelay(delay)
			continue
		}

		o.log.Info(ctx, "claim received, verifying",
			zap.String("state", string(StateVerifying)),
			zap.Int("changed_files", len(claim.ChangedFiles)),
		)
		result, err := o.gate.Verify(ctx, t, claim)
		if err != nil {
			return nil, fmt.Errorf("verification attempt %d: %w", attempt, err)
		}
		outcome.Attempts = append(outcome.Attempts, Attempt{Number: attempt, Result: result, At: time.Now()})

		if result.Passed {
			outcome.State = StateTerminalSuccess
			outcome.Reason = result.Reason
			o.finalize(ctx, t, outcome)
			return outcome, nil
		}

		reasons = append(reasons, fmt.Sprintf("attempt %d: %s", attempt, result.Reason))

		// Budget exhaustion overrides the gate's own recommendation.
		action := result.RecommendedAction
		if attempt == o.cfg.MaxAttempts {
			action = gate.ActionEscalate
		}
		if action == gate.ActionEscalate {
			outcome.State = StateEscalated
			outcome.Reason = joinReasons(reasons)
			o.finalize(ctx, t, outcome)
			return outcome, nil
		}

		o.log.Info(ctx, "retrying after failed verification",
			zap.String("state", string(StateRetryDispatch)),
			zap.Duration("delay", delay),
		)
		if err := o.sleep(ctx, delay); err != nil {
			return o.cancel(ctx, t, outcome, reasons), nil
		}
		delay = o.nextDelay(delay)
	}

	outcome.State = StateEscalated
	outcome.Reason = joinReasons(reasons)
	o.finalize(ctx, t, outcome)
	return outcome, nil
}

// dispatch tries the primary adapter, then the fallback.
func (o *Orchestrator) dispatch(ctx context.Context, t task.Task, briefing Briefing) (task.Claim, error) {
	claim, err := o.adapter.Dispatch(ctx, t, briefing)
	if err == nil || o.fallback == nil {
		return claim, err
	}
	o.log.Warn(ctx, "primary adapter failed, using fallback", zap.Error(err))
	return o.fallback.Dispatch(ctx, t, briefing)
}

func (o *Orchestrator) nextDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * o.cfg.RetryMultiplier)
	if next < d {
		next = d
	}
	return next
}

func (o *Orchestrator) cancel(ctx context.Context, t task.Task, outcome *Outcome, reasons []string) *Outcome {
	outcome.State = StateCancelled
	outcome.Reason = joinReasons(append(reasons, "task cancelled"))
	o.finalize(ctx, t, outcome)
	return outcome
}

// finalize writes the terminal ledger event at most once per task id.
// A second terminal transition for the same task (e.g. a cancellation
// racing a success) is logged and dropped, never written.
func (o *Orchestrator) finalize(ctx context.Context, t task.Task, outcome *Outcome) {
	if _, already := o.finalized.LoadOrStore(t.VTID, outcome.State); already {
		o.log.Warn(ctx, "terminal event already written, skipping",
			zap.String("state", string(outcome.State)),
		)
		return
	}
	if o.emitter == nil {
		return
	}

	status := ledger.StatusError
	if outcome.State == StateTerminalSuccess {
		status = ledger.StatusSuccess
	} else if outcome.State == StateCancelled {
		status = ledger.StatusWarning
	}
	o.emitter.Emit(ctx, ledger.Event{
		TaskID:  t.VTID,
		Type:    ledger.EventType(string(t.Domain), "orchestrator", string(outcome.State)),
		Source:  "orchestrator",
		Status:  status,
		Message: outcome.Reason,
		Metadata: map[string]any{
			"attempts": len(outcome.Attempts),
		},
	})
	o.log.Info(ctx, "task finalized",
		zap.String("state", string(outcome.State)),
		zap.Int("attempts", len(outcome.Attempts)),
	)
}

// Finalized reports whether a terminal event was already written for a
// task id.
func (o *Orchestrator) Finalized(taskID string) bool {
	_, ok := o.finalized.Load(taskID)
	return ok
}

func joinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}
