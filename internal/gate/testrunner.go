package gate

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrNoTestCommand indicates a CommandTestRunner built without a command.
var ErrNoTestCommand = errors.New("no test command configured")

// CommandTestRunner executes a configured shell command as the gate's
// test step. A non-zero exit is a test failure.
type CommandTestRunner struct {
	Command []string
	Timeout time.Duration
	WorkDir string
}

// Run executes the test command under its timeout.
func (r *CommandTestRunner) Run(ctx context.Context) error {
	if len(r.Command) == 0 {
		return ErrNoTestCommand
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = r.WorkDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("test command timed out after %s", r.Timeout)
		}
		return fmt.Errorf("%w: %s", err, truncate(string(out), 2048))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
