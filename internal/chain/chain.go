// Package chain runs ordered skill sequences per domain and aggregates
// their results into one proceed/block decision.
package chain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/ledger"
	"github.com/fyrsmithlabs/verifyd/internal/logging"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
	"github.com/fyrsmithlabs/verifyd/internal/skills"
	"github.com/fyrsmithlabs/verifyd/internal/task"
)

var tracer = otel.Tracer("verifyd.chain")

// Phase distinguishes the two chain positions around the agent's work.
type Phase string

const (
	PhasePreflight  Phase = "preflight"
	PhasePostflight Phase = "postflight"
)

// Input is the shared context every step's params derive from.
type Input struct {
	Query       string
	TargetPaths []string
}

// Binding pairs a skill id with its mechanical param builder. A nil
// params return marks the step not applicable for this input; it is
// recorded as skipped, never silently dropped.
type Binding struct {
	SkillID     string
	BuildParams func(Input) skill.Params
}

// StepResult is the outcome of one chain step.
type StepResult struct {
	SkillID        string          `json:"skill_id"`
	OK             bool            `json:"ok"`
	Skipped        bool            `json:"skipped,omitempty"`
	Recommendation string          `json:"recommendation,omitempty"`
	Findings       []skill.Finding `json:"findings,omitempty"`
	Error          string          `json:"error,omitempty"`
	TimedOut       bool            `json:"timed_out,omitempty"`
	Duration       time.Duration   `json:"duration"`
}

// Result aggregates a full chain run.
type Result struct {
	OK      bool         `json:"ok"`
	Proceed bool         `json:"proceed"`
	Steps   []StepResult `json:"steps"`
}

// Runner executes domain chains through the skill executor.
type Runner struct {
	exec    *skill.Executor
	emitter *ledger.Emitter
	log     *logging.Logger

	chains map[Phase]map[task.Domain][]Binding
}

// NewRunner builds a chain runner with the default domain chains.
func NewRunner(exec *skill.Executor, emitter *ledger.Emitter, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.NewNop()
	}
	return &Runner{
		exec:    exec,
		emitter: emitter,
		log:     log.Named("chain"),
		chains:  defaultChains(),
	}
}

// defaultChains wires the fixed per-domain sequences. Every preflight
// begins with the memory-first dedup check.
func defaultChains() map[Phase]map[task.Domain][]Binding {
	return map[Phase]map[task.Domain][]Binding{
		PhasePreflight: {
			task.DomainFrontend: {memoryBinding()},
			task.DomainBackend:  {memoryBinding(), servicesBinding(), securityBinding()},
			task.DomainMemory:   {memoryBinding(), rlsBinding(), migrationBinding()},
			task.DomainCommon:   {memoryBinding()},
		},
		PhasePostflight: {
			task.DomainFrontend: {securityBinding(), accessibilityBinding()},
			task.DomainBackend:  {securityBinding()},
			task.DomainMemory:   {rlsBinding(), migrationBinding()},
			task.DomainCommon:   {securityBinding()},
		},
	}
}

func memoryBinding() Binding {
	return Binding{
		SkillID: skills.SkillMemoryFirst,
		BuildParams: func(in Input) skill.Params {
			return skill.Params{"query": in.Query, "paths": in.TargetPaths}
		},
	}
}

func securityBinding() Binding {
	return Binding{
		SkillID: skills.SkillSecurity,
		BuildParams: func(in Input) skill.Params {
			paths := existingPaths(in.TargetPaths)
			if len(paths) == 0 {
				return nil
			}
			return skill.Params{"paths": paths}
		},
	}
}

func servicesBinding() Binding {
	return Binding{
		SkillID: skills.SkillServices,
		BuildParams: func(in Input) skill.Params {
			return skill.Params{"query": in.Query}
		},
	}
}

func rlsBinding() Binding {
	return Binding{
		SkillID: skills.SkillRLS,
		BuildParams: func(in Input) skill.Params {
			paths := sqlPaths(in.TargetPaths)
			if len(paths) == 0 {
				return nil
			}
			return skill.Params{"paths": paths}
		},
	}
}

func migrationBinding() Binding {
	return Binding{
		SkillID: skills.SkillMigration,
		BuildParams: func(in Input) skill.Params {
			paths := sqlPaths(in.TargetPaths)
			if len(paths) == 0 {
				return nil
			}
			return skill.Params{"paths": paths}
		},
	}
}

func accessibilityBinding() Binding {
	return Binding{
		SkillID: skills.SkillAccessibility,
		BuildParams: func(in Input) skill.Params {
			paths := markupPaths(in.TargetPaths)
			if len(paths) == 0 {
				return nil
			}
			return skill.Params{"paths": paths}
		},
	}
}

// sqlPaths keeps SQL-suffixed paths that exist on disk.
func sqlPaths(paths []string) []string {
	var out []string
	for _, p := range existingPaths(paths) {
		if strings.EqualFold(filepath.Ext(p), ".sql") {
			out = append(out, p)
		}
	}
	return out
}

var markupExts = map[string]bool{
	".tsx": true, ".jsx": true, ".html": true, ".vue": true, ".svelte": true, ".css": true,
}

func markupPaths(paths []string) []string {
	var out []string
	for _, p := range existingPaths(paths) {
		if markupExts[strings.ToLower(filepath.Ext(p))] {
			out = append(out, p)
		}
	}
	return out
}

func existingPaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			out = append(out, p)
		}
	}
	return out
}

// Bindings returns the configured chain for a phase and domain. Unknown
// domains get the common chain.
func (r *Runner) Bindings(phase Phase, domain task.Domain) []Binding {
	byDomain := r.chains[phase]
	if bindings, ok := byDomain[domain]; ok {
		return bindings
	}
	return byDomain[task.DomainCommon]
}

// Run executes the phase chain for a domain. Steps run in declared
// order; a timed-out or failed step is recorded and the chain continues,
// so the proceed decision is evaluated over every step's outcome.
func (r *Runner) Run(ctx context.Context, phase Phase, domain task.Domain, taskID string, in Input) (*Result, error) {
	ctx, span := tracer.Start(ctx, "chain.Run",
		oteltrace.WithAttributes(
			attribute.String("chain.phase", string(phase)),
			attribute.String("chain.domain", string(domain)),
			attribute.String("task.id", taskID),
		))
	defer span.End()

	bindings := r.Bindings(phase, domain)
	result := &Result{OK: true, Proceed: true, Steps: make([]StepResult, 0, len(bindings))}

	r.emitStage(ctx, domain, taskID, phase, "start", ledger.StatusInfo,
		string(phase)+" chain starting")

	for _, binding := range bindings {
		result.Steps = append(result.Steps, r.runStep(ctx, binding, taskID, in))
	}

	for _, step := range result.Steps {
		if !step.OK {
			result.OK = false
		}
		if blocksChain(step) {
			result.Proceed = false
		}
	}

	status := ledger.StatusSuccess
	msg := string(phase) + " chain passed"
	if !result.Proceed {
		status = ledger.StatusError
		msg = string(phase) + " chain blocked"
	} else if !result.OK {
		status = ledger.StatusWarning
		msg = string(phase) + " chain passed with failed steps"
	}
	r.emitStage(ctx, domain, taskID, phase, "complete", status, msg)

	r.log.Info(ctx, "chain complete",
		zap.String("phase", string(phase)),
		zap.String("domain", string(domain)),
		zap.Bool("ok", result.OK),
		zap.Bool("proceed", result.Proceed),
		zap.Int("steps", len(result.Steps)),
	)
	return result, nil
}

// runStep invokes one binding through the executor. Executor errors
// (including timeouts) become failed steps, never chain errors.
func (r *Runner) runStep(ctx context.Context, binding Binding, taskID string, in Input) StepResult {
	params := binding.BuildParams(in)
	if params == nil {
		return StepResult{SkillID: binding.SkillID, OK: true, Skipped: true}
	}

	inv, err := r.exec.Execute(ctx, binding.SkillID, params, taskID, "")
	if err != nil {
		step := StepResult{SkillID: binding.SkillID, Error: err.Error()}
		var skillErr *skill.Error
		if errors.As(err, &skillErr) {
			step.TimedOut = skillErr.Execution.TimedOut
			step.Duration = skillErr.Execution.Duration
		}
		r.log.Warn(ctx, "chain step failed",
			zap.String("skill_id", binding.SkillID),
			zap.Error(err),
		)
		return step
	}

	step := StepResult{
		SkillID:        binding.SkillID,
		OK:             inv.Result.OK(),
		Recommendation: inv.Result.Recommendation(),
		Findings:       inv.Result.Findings(),
		Error:          inv.Result.ErrMessage(),
		Duration:       inv.Execution.Duration,
	}
	return step
}

// blocksChain reports whether a step outcome forbids proceeding: a
// memory-first duplicate or any critical finding.
func blocksChain(step StepResult) bool {
	if step.Recommendation == skills.RecDuplicate {
		return true
	}
	for _, f := range step.Findings {
		if f.Severity == skill.SeverityCritical {
			return true
		}
	}
	return false
}

func (r *Runner) emitStage(ctx context.Context, domain task.Domain, taskID string, phase Phase, stage string, status ledger.Status, msg string) {
	if r.emitter == nil {
		return
	}
	r.emitter.Emit(ctx, ledger.Event{
		TaskID:  taskID,
		Type:    ledger.EventType(string(domain), "chain", string(phase)+"_"+stage),
		Source:  "chain",
		Status:  status,
		Message: msg,
	})
}
