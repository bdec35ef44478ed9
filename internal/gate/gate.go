// Package gate is the postflight verification authority: it decides
// whether an agent's completion claim is real.
package gate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/chain"
	"github.com/fyrsmithlabs/verifyd/internal/ledger"
	"github.com/fyrsmithlabs/verifyd/internal/logging"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
	"github.com/fyrsmithlabs/verifyd/internal/skills"
	"github.com/fyrsmithlabs/verifyd/internal/task"
)

var tracer = otel.Tracer("verifyd.gate")

// State tracks one verification attempt.
type State string

const (
	StatePending   State = "pending"
	StateVerifying State = "verifying"
	StatePassed    State = "passed"
	StateFailed    State = "failed"
)

// Action is the gate's recommendation to the orchestrator.
type Action string

const (
	// ActionRetry covers transient-looking failures: the agent likely
	// forgot something and another attempt can fix it.
	ActionRetry Action = "retry"

	// ActionEscalate covers content failures: the change itself is wrong
	// and retrying the same approach will not help.
	ActionEscalate Action = "escalate"

	ActionNone Action = "none"
)

// Result is one verification verdict. Produced once per attempt, never
// mutated.
type Result struct {
	Passed            bool          `json:"passed"`
	Reason            string        `json:"reason"`
	RecommendedAction Action        `json:"recommended_action"`
	Chain             *chain.Result `json:"chain,omitempty"`
}

// TestRunner runs the project's tests after the chain passes. A nil
// error means the tests passed.
type TestRunner interface {
	Run(ctx context.Context) error
}

// Gate verifies completion claims.
type Gate struct {
	chains  *chain.Runner
	tests   TestRunner
	emitter *ledger.Emitter
	log     *logging.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithTestRunner attaches a test runner as the gate's final check.
func WithTestRunner(tr TestRunner) Option {
	return func(g *Gate) { g.tests = tr }
}

// New builds a verification gate over the chain runner.
func New(chains *chain.Runner, emitter *ledger.Emitter, log *logging.Logger, opts ...Option) *Gate {
	if log == nil {
		log = logging.NewNop()
	}
	g := &Gate{
		chains:  chains,
		emitter: emitter,
		log:     log.Named("gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Verify checks a completion claim in order: claimed files exist, files
// were modified after the task started, the domain's postflight chain
// proceeds, and the configured tests pass. The first failing check
// short-circuits with a reason naming it.
func (g *Gate) Verify(ctx context.Context, t task.Task, claim task.Claim) (*Result, error) {
	ctx, span := tracer.Start(ctx, "gate.Verify",
		oteltrace.WithAttributes(
			attribute.String("task.id", t.VTID),
			attribute.String("task.domain", string(t.Domain)),
		))
	defer span.End()

	g.emitStage(ctx, t, "start", ledger.StatusInfo, "verifying completion claim")

	if result := g.checkFiles(t, claim); result != nil {
		return g.finish(ctx, t, result), nil
	}

	chainResult, err := g.chains.Run(ctx, chain.PhasePostflight, t.Domain, t.VTID, chain.Input{
		Query:       t.Objective,
		TargetPaths: claim.ChangedFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("postflight chain: %w", err)
	}
	if !chainResult.Proceed {
		return g.finish(ctx, t, &Result{
			Reason:            "postflight chain blocked: " + blockingSummary(chainResult),
			RecommendedAction: ActionEscalate,
			Chain:             chainResult,
		}), nil
	}

	if g.tests != nil {
		if err := g.tests.Run(ctx); err != nil {
			return g.finish(ctx, t, &Result{
				Reason:            "tests failed: " + err.Error(),
				RecommendedAction: ActionRetry,
				Chain:             chainResult,
			}), nil
		}
	}

	return g.finish(ctx, t, &Result{
		Passed:            true,
		Reason:            "all verification checks passed",
		RecommendedAction: ActionNone,
		Chain:             chainResult,
	}), nil
}

// checkFiles validates the claim's changed files: existence first, then
// modification time against the task start. Both failures look like the
// agent forgot to do the work, so they recommend retry.
func (g *Gate) checkFiles(t task.Task, claim task.Claim) *Result {
	if len(claim.ChangedFiles) == 0 {
		return &Result{
			Reason:            "claim lists no changed files",
			RecommendedAction: ActionRetry,
		}
	}
	for _, path := range claim.ChangedFiles {
		info, err := os.Stat(path)
		if err != nil {
			return &Result{
				Reason:            fmt.Sprintf("claimed file missing: %s", path),
				RecommendedAction: ActionRetry,
			}
		}
		if !t.StartedAt.IsZero() && info.ModTime().Before(t.StartedAt) {
			return &Result{
				Reason:            fmt.Sprintf("claimed file not modified since task start: %s", path),
				RecommendedAction: ActionRetry,
			}
		}
	}
	return nil
}

// finish emits the verdict event and logs it.
func (g *Gate) finish(ctx context.Context, t task.Task, result *Result) *Result {
	stage, status := "passed", ledger.StatusSuccess
	if !result.Passed {
		stage, status = "failed", ledger.StatusError
	}
	g.emitStage(ctx, t, stage, status, result.Reason)

	g.log.Info(ctx, "verification verdict",
		zap.String("task_id", t.VTID),
		zap.Bool("passed", result.Passed),
		zap.String("reason", result.Reason),
		zap.String("recommended_action", string(result.RecommendedAction)),
	)
	return result
}

func (g *Gate) emitStage(ctx context.Context, t task.Task, stage string, status ledger.Status, msg string) {
	if g.emitter == nil {
		return
	}
	g.emitter.Emit(ctx, ledger.Event{
		TaskID:  t.VTID,
		Type:    ledger.EventType(string(t.Domain), "gate", stage),
		Source:  "gate",
		Status:  status,
		Message: msg,
	})
}

// blockingSummary names the steps responsible for the block.
func blockingSummary(cr *chain.Result) string {
	var parts []string
	for _, step := range cr.Steps {
		critical := 0
		for _, f := range step.Findings {
			if f.Severity == skill.SeverityCritical {
				critical++
			}
		}
		switch {
		case step.Recommendation == skills.RecDuplicate:
			parts = append(parts, step.SkillID+" detected duplicate work")
		case critical > 0:
			parts = append(parts, fmt.Sprintf("%s reported %d critical finding(s)", step.SkillID, critical))
		}
	}
	if len(parts) == 0 {
		return "blocking findings present"
	}
	return strings.Join(parts, "; ")
}
