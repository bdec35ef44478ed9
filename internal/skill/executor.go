package skill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/ledger"
	"github.com/fyrsmithlabs/verifyd/internal/logging"
)

var tracer = otel.Tracer("verifyd.skill")

// Executor errors.
var (
	// ErrUnknownSkill indicates an unregistered skill id: a configuration
	// error that fails loudly instead of being silently skipped.
	ErrUnknownSkill = errors.New("unknown skill")

	// ErrTimeout indicates the handler exceeded its budget.
	ErrTimeout = errors.New("skill execution timed out")
)

// Error wraps an execution failure with the same metadata shape success
// carries, so callers can inspect duration and timed_out either way.
type Error struct {
	Execution Execution
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("skill %s: %v", e.Execution.SkillID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a skill timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Executor invokes one skill by id under its configured timeout.
type Executor struct {
	registry *Registry
	emitter  *ledger.Emitter
	log      *logging.Logger
	metrics  *ExecMetrics
}

// NewExecutor creates an executor over an injected registry.
func NewExecutor(registry *Registry, emitter *ledger.Emitter, log *logging.Logger) *Executor {
	if log == nil {
		log = logging.NewNop()
	}
	return &Executor{
		registry: registry,
		emitter:  emitter,
		log:      log.Named("executor"),
		metrics:  NewExecMetrics(),
	}
}

// Execute runs skill skillID with the given params for (taskID, runID).
// An empty runID gets a fresh UUID. The handler races against the skill's
// timeout; on timeout a "timeout" event is emitted and the returned error
// is an *Error with TimedOut set.
func (e *Executor) Execute(ctx context.Context, skillID string, params Params, taskID, runID string) (*Invocation, error) {
	def, ok := e.registry.Get(skillID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, skillID)
	}
	if runID == "" {
		runID = uuid.New().String()
	}

	ctx, span := tracer.Start(ctx, "skill.Execute",
		oteltrace.WithAttributes(
			attribute.String("skill.id", def.ID),
			attribute.String("task.id", taskID),
			attribute.String("run.id", runID),
		))
	defer span.End()

	sc := NewContext(taskID, runID, def.Domain, def.ID, e.emitter)
	sc.EmitEvent(ctx, "start", ledger.StatusInfo, fmt.Sprintf("%s starting", def.Name), nil)

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	hctx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	start := time.Now()
	go func() {
		result, err := def.Handler(hctx, sc, params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		exec := Execution{SkillID: def.ID, Duration: time.Since(start)}
		if out.err != nil {
			sc.EmitEvent(ctx, "failed", ledger.StatusError, out.err.Error(), nil)
			e.metrics.ExecutionsTotal.WithLabelValues(def.ID, "failed").Inc()
			span.RecordError(out.err)
			return nil, &Error{Execution: exec, Err: out.err}
		}
		sc.EmitEvent(ctx, "success", ledger.StatusSuccess, fmt.Sprintf("%s completed", def.Name), map[string]any{
			"ok":          out.result.OK(),
			"duration_ms": exec.Duration.Milliseconds(),
		})
		e.metrics.ExecutionsTotal.WithLabelValues(def.ID, "success").Inc()
		e.metrics.Duration.WithLabelValues(def.ID).Observe(exec.Duration.Seconds())
		return &Invocation{Result: out.result, Execution: exec}, nil

	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.Canceled) {
			// Caller cancellation, not a budget overrun.
			exec := Execution{SkillID: def.ID, Duration: time.Since(start)}
			return nil, &Error{Execution: exec, Err: hctx.Err()}
		}
		exec := Execution{SkillID: def.ID, Duration: time.Since(start), TimedOut: true}
		err := fmt.Errorf("%w after %s", ErrTimeout, def.Timeout)
		sc.EmitEvent(ctx, "timeout", ledger.StatusError, err.Error(), map[string]any{
			"timeout_ms": def.Timeout.Milliseconds(),
		})
		e.metrics.ExecutionsTotal.WithLabelValues(def.ID, "timeout").Inc()
		e.log.Warn(ctx, "skill timed out",
			zap.String("skill_id", def.ID),
			zap.Duration("timeout", def.Timeout),
		)
		span.RecordError(err)
		return nil, &Error{Execution: exec, Err: err}
	}
}
