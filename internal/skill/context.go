package skill

import (
	"context"

	"github.com/fyrsmithlabs/verifyd/internal/ledger"
	"github.com/fyrsmithlabs/verifyd/internal/task"
)

// Context is the per-invocation environment handed to a skill handler.
// Its event methods are the only path from a skill to the ledger; every
// event is automatically tagged with the skill id and domain.
type Context struct {
	TaskID string
	RunID  string
	Domain task.Domain

	skillID string
	emitter *ledger.Emitter
}

// NewContext builds an invocation context bound to one (task, run, skill).
func NewContext(taskID, runID string, domain task.Domain, skillID string, emitter *ledger.Emitter) *Context {
	return &Context{
		TaskID:  taskID,
		RunID:   runID,
		Domain:  domain,
		skillID: skillID,
		emitter: emitter,
	}
}

// EmitEvent fires an audit event for this invocation. The event type is
// derived as "<domain>.<skill>.<stage>"; emission never fails the skill.
func (c *Context) EmitEvent(ctx context.Context, stage string, status ledger.Status, message string, metadata map[string]any) {
	if c.emitter == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["run_id"] = c.RunID

	c.emitter.Emit(ctx, ledger.Event{
		TaskID:   c.TaskID,
		Type:     ledger.EventType(string(c.Domain), c.skillID, stage),
		Source:   c.skillID,
		Status:   status,
		Message:  message,
		Metadata: metadata,
	})
}
