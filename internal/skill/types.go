// Package skill defines the verification skill model: definitions, the
// read-mostly registry, the per-invocation context, and the executor that
// runs one skill under a hard timeout.
package skill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/verifyd/internal/task"
)

// Severity grades a finding. The vocabulary varies per skill but is always
// totally ordered with critical/error highest.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityHigh     Severity = "high"
	SeverityWarning  Severity = "warning"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityRank orders severities, highest first.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityError:    1,
	SeverityHigh:     2,
	SeverityWarning:  3,
	SeverityMedium:   4,
	SeverityLow:      5,
	SeverityInfo:     6,
}

// Rank returns the sort order of the severity (0 = most severe).
// Unknown severities rank last.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// Blocking reports whether findings at this severity participate in
// chain-level blocking decisions. Only the top tier blocks; everything
// below is surfaced, not enforced.
func (s Severity) Blocking() bool {
	switch s {
	case SeverityCritical, SeverityError, SeverityHigh:
		return true
	}
	return false
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() <= min.Rank()
}

// Finding is the shared shape of issues, violations, warnings and blockers
// across all skills.
type Finding struct {
	ID          string   `json:"id"`
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	File        string   `json:"file,omitempty"`
	Line        int      `json:"line,omitempty"`
	Description string   `json:"description"`
	Remediation string   `json:"remediation,omitempty"`
}

// Summary counts findings by severity.
type Summary map[Severity]int

// Summarize builds a severity summary from findings.
func Summarize(findings []Finding) Summary {
	s := make(Summary)
	for _, f := range findings {
		s[f.Severity]++
	}
	return s
}

// Blocking reports whether the summary contains any blocking-severity count.
func (s Summary) Blocking() bool {
	for sev, n := range s {
		if n > 0 && sev.Blocking() {
			return true
		}
	}
	return false
}

// Result is the common surface of all six concrete skill results.
// OK is false when the handler ran but hit a caveat (missing file, partial
// input); "could not run at all" is an error return, never a Result.
type Result interface {
	// OK reports whether the handler executed without a fatal problem.
	OK() bool

	// ErrMessage returns the caveat description when OK is false.
	ErrMessage() string

	// Findings returns the typed issues the skill produced, if any.
	Findings() []Finding

	// Recommendation returns the skill's recommendation string, or "".
	Recommendation() string
}

// Params carries skill-specific invocation parameters.
type Params map[string]any

// ErrMissingParam indicates a required parameter was absent: a
// configuration error, surfaced loudly to the caller.
var ErrMissingParam = errors.New("missing required parameter")

// String returns a required string parameter.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s: expected string, got %T", key, v)
	}
	return s, nil
}

// OptString returns an optional string parameter, "" when absent.
func (p Params) OptString(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Strings returns an optional string-slice parameter. Both []string and
// []any of strings are accepted (the latter survives JSON round-trips).
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Handler is a skill's analysis function. Handlers are pure over their
// inputs apart from read-only filesystem and ledger access; they report
// problems as Result fields and reserve error returns for "could not run".
type Handler func(ctx context.Context, sc *Context, params Params) (Result, error)

// Definition binds a stable skill id to its handler, owning domain and
// execution budget.
type Definition struct {
	ID      string
	Name    string
	Domain  task.Domain
	Timeout time.Duration
	Handler Handler
}

// Info is the registry listing shape.
type Info struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Domain task.Domain `json:"domain"`
}

// Execution is the metadata attached to every skill invocation, success or
// failure, so callers can always inspect duration and timeout state.
type Execution struct {
	SkillID  string        `json:"skill_id"`
	Duration time.Duration `json:"duration_ms"`
	TimedOut bool          `json:"timed_out"`
}

// Invocation pairs a skill result with its execution metadata.
type Invocation struct {
	Result    Result
	Execution Execution
}
