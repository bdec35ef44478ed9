// Package task defines the unit of verified work and its completion claim.
package task

import (
	"errors"
	"fmt"
	"time"
)

// Domain identifies which verification chain applies to a task.
type Domain string

const (
	DomainFrontend Domain = "frontend"
	DomainBackend  Domain = "backend"
	DomainMemory   Domain = "memory"
	DomainCommon   Domain = "common"
)

// ErrInvalidDomain indicates an unrecognized domain string.
var ErrInvalidDomain = errors.New("invalid domain")

// ParseDomain validates and converts a domain string.
func ParseDomain(s string) (Domain, error) {
	switch Domain(s) {
	case DomainFrontend, DomainBackend, DomainMemory, DomainCommon:
		return Domain(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDomain, s)
}

// Task is one unit of tracked work. Immutable once dispatched; retry
// accounting lives in the orchestrator, not here.
type Task struct {
	// VTID is the globally unique, stable identifier for this work.
	VTID string `json:"vtid"`

	Domain    Domain `json:"domain"`
	Objective string `json:"objective"`

	// TargetPaths are the files the task is expected to touch.
	TargetPaths []string `json:"target_paths,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at"`
}

// Validate checks required fields.
func (t Task) Validate() error {
	if t.VTID == "" {
		return errors.New("task vtid is required")
	}
	if _, err := ParseDomain(string(t.Domain)); err != nil {
		return err
	}
	if t.Objective == "" {
		return errors.New("task objective is required")
	}
	return nil
}

// Claim is an agent's assertion that the task is complete. The stage gate
// decides whether to believe it.
type Claim struct {
	TaskID string `json:"task_id"`

	// ChangedFiles are the paths the agent says it created or modified.
	ChangedFiles []string `json:"changed_files"`

	Summary   string    `json:"summary,omitempty"`
	ClaimedAt time.Time `json:"claimed_at"`
}
