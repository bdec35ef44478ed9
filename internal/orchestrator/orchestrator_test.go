package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/verifyd/internal/chain"
	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/gate"
	"github.com/fyrsmithlabs/verifyd/internal/ledger"
	"github.com/fyrsmithlabs/verifyd/internal/logging"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
	"github.com/fyrsmithlabs/verifyd/internal/skills"
	"github.com/fyrsmithlabs/verifyd/internal/task"
)

type memLedger struct {
	events []ledger.Event
}

func (m *memLedger) Append(_ context.Context, ev ledger.Event) error {
	m.events = append(m.events, ev)
	return nil
}
func (m *memLedger) Search(context.Context, string, int) ([]ledger.Record, error) {
	return nil, nil
}
func (m *memLedger) Close() error { return nil }

func (m *memLedger) eventsBySource(source string) []ledger.Event {
	var out []ledger.Event
	for _, ev := range m.events {
		if ev.Source == source {
			out = append(out, ev)
		}
	}
	return out
}

type adapterFunc func(ctx context.Context, t task.Task, b Briefing) (task.Claim, error)

func (f adapterFunc) Dispatch(ctx context.Context, t task.Task, b Briefing) (task.Claim, error) {
	return f(ctx, t, b)
}

type fixture struct {
	orch  *Orchestrator
	store *memLedger
}

func newFixture(t *testing.T, adapter Adapter, opts ...Option) *fixture {
	t.Helper()
	store := &memLedger{}
	emitter := ledger.NewEmitter(store, logging.NewNop())
	reg := skill.NewRegistry()
	require.NoError(t, skills.RegisterDefaults(reg, config.Default().Skills, store))
	exec := skill.NewExecutor(reg, emitter, logging.NewNop())
	runner := chain.NewRunner(exec, emitter, logging.NewNop())
	g := gate.New(runner, emitter, logging.NewNop())

	cfg := config.Default().Orchestrator
	cfg.RetryDelay = config.Duration(time.Millisecond)

	orch := New(cfg, g, adapter, emitter, logging.NewNop(), opts...)
	orch.sleep = func(context.Context, time.Duration) error { return nil }
	return &fixture{orch: orch, store: store}
}

func newTask(vtid string) task.Task {
	return task.Task{
		VTID:      vtid,
		Domain:    task.DomainBackend,
		Objective: "add invoice export endpoint",
		CreatedAt: time.Now().Add(-time.Minute),
		StartedAt: time.Now().Add(-time.Minute),
	}
}

// goodClaim writes a clean source file and claims it.
func goodClaim(t *testing.T) task.Claim {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "export.go")
	require.NoError(t, os.WriteFile(path, []byte("package export\n"), 0o600))
	return task.Claim{ChangedFiles: []string{path}, ClaimedAt: time.Now()}
}

func TestRunTerminalSuccess(t *testing.T) {
	claim := goodClaim(t)
	fx := newFixture(t, adapterFunc(func(_ context.Context, tk task.Task, _ Briefing) (task.Claim, error) {
		claim.TaskID = tk.VTID
		return claim, nil
	}))

	outcome, err := fx.orch.Run(context.Background(), newTask("VT-20"))
	require.NoError(t, err)

	assert.Equal(t, StateTerminalSuccess, outcome.State)
	require.Len(t, outcome.Attempts, 1)
	assert.True(t, outcome.Attempts[0].Result.Passed)

	terminal := fx.store.eventsBySource("orchestrator")
	require.Len(t, terminal, 1)
	assert.Equal(t, "backend.orchestrator.terminal_success", terminal[0].Type)
	assert.Equal(t, ledger.StatusSuccess, terminal[0].Status)
}

func TestRunRetryBudgetEscalates(t *testing.T) {
	// The agent never creates the claimed file, so every verification
	// fails with a retry recommendation. Budget 3 means exactly three
	// attempts and then escalation, not a fourth dispatch.
	var dispatches atomic.Int32
	fx := newFixture(t, adapterFunc(func(_ context.Context, tk task.Task, b Briefing) (task.Claim, error) {
		dispatches.Add(1)
		assert.Equal(t, int(dispatches.Load()), b.Attempt)
		return task.Claim{TaskID: tk.VTID, ChangedFiles: []string{"/nonexistent/file.go"}}, nil
	}))

	outcome, err := fx.orch.Run(context.Background(), newTask("VT-21"))
	require.NoError(t, err)

	assert.Equal(t, StateEscalated, outcome.State)
	assert.Equal(t, int32(3), dispatches.Load())
	assert.Len(t, outcome.Attempts, 3)

	// The escalation reason accumulates every attempt, not just the last.
	assert.Contains(t, outcome.Reason, "attempt 1:")
	assert.Contains(t, outcome.Reason, "attempt 2:")
	assert.Contains(t, outcome.Reason, "attempt 3:")

	terminal := fx.store.eventsBySource("orchestrator")
	require.Len(t, terminal, 1)
	assert.Equal(t, "backend.orchestrator.escalated", terminal[0].Type)
}

func TestRunEscalatesImmediatelyOnContentFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lookup.ts")
	require.NoError(t, os.WriteFile(path,
		[]byte("const q = `SELECT * FROM users WHERE id = ${userId}`\n"), 0o600))

	var dispatches atomic.Int32
	fx := newFixture(t, adapterFunc(func(_ context.Context, tk task.Task, _ Briefing) (task.Claim, error) {
		dispatches.Add(1)
		return task.Claim{TaskID: tk.VTID, ChangedFiles: []string{path}}, nil
	}))

	outcome, err := fx.orch.Run(context.Background(), newTask("VT-22"))
	require.NoError(t, err)

	assert.Equal(t, StateEscalated, outcome.State)
	assert.Equal(t, int32(1), dispatches.Load(), "critical findings skip the retry budget")
}

func TestRunPriorFailuresReachTheAdapter(t *testing.T) {
	claim := goodClaim(t)
	var secondBriefing Briefing
	fx := newFixture(t, adapterFunc(func(_ context.Context, tk task.Task, b Briefing) (task.Claim, error) {
		if b.Attempt == 1 {
			return task.Claim{TaskID: tk.VTID, ChangedFiles: []string{"/nonexistent/file.go"}}, nil
		}
		secondBriefing = b
		claim.TaskID = tk.VTID
		return claim, nil
	}))

	outcome, err := fx.orch.Run(context.Background(), newTask("VT-23"))
	require.NoError(t, err)

	assert.Equal(t, StateTerminalSuccess, outcome.State)
	require.Len(t, secondBriefing.PriorFailures, 1)
	assert.Contains(t, secondBriefing.PriorFailures[0], "claimed file missing")
}

func TestRunFallbackAdapter(t *testing.T) {
	claim := goodClaim(t)
	primary := adapterFunc(func(context.Context, task.Task, Briefing) (task.Claim, error) {
		return task.Claim{}, errors.New("agent unavailable")
	})
	fallback := adapterFunc(func(_ context.Context, tk task.Task, _ Briefing) (task.Claim, error) {
		claim.TaskID = tk.VTID
		return claim, nil
	})

	fx := newFixture(t, primary, WithFallbackAdapter(fallback))
	outcome, err := fx.orch.Run(context.Background(), newTask("VT-24"))
	require.NoError(t, err)
	assert.Equal(t, StateTerminalSuccess, outcome.State)
}

func TestRunPreflightBlockStopsDispatch(t *testing.T) {
	var dispatches atomic.Int32
	adapter := adapterFunc(func(_ context.Context, tk task.Task, _ Briefing) (task.Claim, error) {
		dispatches.Add(1)
		return task.Claim{TaskID: tk.VTID}, nil
	})

	// A prior ledger record with the same objective makes memory-first
	// report a duplicate, which blocks the preflight chain.
	store := &memLedger{}
	emitter := ledger.NewEmitter(store, logging.NewNop())
	searcher := searcherFunc(func(context.Context, string, int) ([]ledger.Record, error) {
		return []ledger.Record{{VTID: "VT-OLD", Title: "add invoice export endpoint", Kind: ledger.KindVTID}}, nil
	})
	reg := skill.NewRegistry()
	require.NoError(t, skills.RegisterDefaults(reg, config.Default().Skills, searcher))
	exec := skill.NewExecutor(reg, emitter, logging.NewNop())
	runner := chain.NewRunner(exec, emitter, logging.NewNop())
	g := gate.New(runner, emitter, logging.NewNop())

	orch := New(config.Default().Orchestrator, g, adapter, emitter, logging.NewNop(),
		WithPreflight(runner))
	orch.sleep = func(context.Context, time.Duration) error { return nil }

	outcome, err := orch.Run(context.Background(), newTask("VT-25"))
	require.NoError(t, err)

	assert.Equal(t, StateTerminalFailure, outcome.State)
	assert.Zero(t, dispatches.Load(), "no agent dispatch after a preflight block")
}

type searcherFunc func(ctx context.Context, query string, limit int) ([]ledger.Record, error)

func (f searcherFunc) Search(ctx context.Context, query string, limit int) ([]ledger.Record, error) {
	return f(ctx, query, limit)
}

func TestRunTerminalWriteIsExactlyOnce(t *testing.T) {
	claim := goodClaim(t)
	fx := newFixture(t, adapterFunc(func(_ context.Context, tk task.Task, _ Briefing) (task.Claim, error) {
		claim.TaskID = tk.VTID
		return claim, nil
	}))

	tk := newTask("VT-26")
	_, err := fx.orch.Run(context.Background(), tk)
	require.NoError(t, err)
	_, err = fx.orch.Run(context.Background(), tk)
	require.NoError(t, err)

	assert.True(t, fx.orch.Finalized("VT-26"))
	assert.Len(t, fx.store.eventsBySource("orchestrator"), 1)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	fx := newFixture(t, adapterFunc(func(ctx context.Context, tk task.Task, _ Briefing) (task.Claim, error) {
		cancel()
		return task.Claim{}, ctx.Err()
	}))

	outcome, err := fx.orch.Run(ctx, newTask("VT-27"))
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, outcome.State)

	terminal := fx.store.eventsBySource("orchestrator")
	require.Len(t, terminal, 1)
	assert.Equal(t, "backend.orchestrator.cancelled", terminal[0].Type)
}

func TestRunInvalidTask(t *testing.T) {
	fx := newFixture(t, adapterFunc(func(_ context.Context, tk task.Task, _ Briefing) (task.Claim, error) {
		return task.Claim{TaskID: tk.VTID}, nil
	}))
	_, err := fx.orch.Run(context.Background(), task.Task{})
	assert.Error(t, err)
}

func TestBackoffDelayGrows(t *testing.T) {
	var delays []time.Duration
	fx := newFixture(t, adapterFunc(func(_ context.Context, tk task.Task, _ Briefing) (task.Claim, error) {
		return task.Claim{TaskID: tk.VTID, ChangedFiles: []string{"/nonexistent/file.go"}}, nil
	}))
	fx.orch.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := fx.orch.Run(context.Background(), newTask("VT-28"))
	require.NoError(t, err)

	require.Len(t, delays, 2, "budget 3 sleeps twice")
	assert.Greater(t, delays[1], delays[0])
}
