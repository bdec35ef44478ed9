package chain

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/verifyd/internal/config"
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

func newTestRunner(t *testing.T) (*Runner, *memLedger) {
	t.Helper()
	store := &memLedger{}
	emitter := ledger.NewEmitter(store, logging.NewNop())
	reg := skill.NewRegistry()
	require.NoError(t, skills.RegisterDefaults(reg, config.Default().Skills, store))
	exec := skill.NewExecutor(reg, emitter, logging.NewNop())
	return NewRunner(exec, emitter, logging.NewNop()), store
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunPreflightOrder(t *testing.T) {
	runner, _ := newTestRunner(t)

	res, err := runner.Run(context.Background(), PhasePreflight, task.DomainBackend, "VT-1", Input{
		Query: "add invoice export",
	})
	require.NoError(t, err)

	var ids []string
	for _, step := range res.Steps {
		ids = append(ids, step.SkillID)
	}
	assert.Equal(t, []string{
		skills.SkillMemoryFirst,
		skills.SkillServices,
		skills.SkillSecurity,
	}, ids)
	assert.True(t, res.Proceed)
}

func TestRunBlocksOnCriticalFinding(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "handler.ts",
		"const q = `SELECT * FROM users WHERE id = ${userId}`\n")

	runner, _ := newTestRunner(t)
	res, err := runner.Run(context.Background(), PhasePostflight, task.DomainBackend, "VT-2", Input{
		Query:       "user lookup endpoint",
		TargetPaths: []string{path},
	})
	require.NoError(t, err)

	assert.False(t, res.Proceed)
	require.Len(t, res.Steps, 1)
	assert.True(t, res.Steps[0].OK, "the scan ran; the content is what blocks")
}

func TestRunBlocksOnDuplicateRecommendation(t *testing.T) {
	store := &memLedger{}
	emitter := ledger.NewEmitter(store, logging.NewNop())
	reg := skill.NewRegistry()

	// Search returns a verbatim match so memory-first reports a duplicate.
	searcher := searcherFunc(func(context.Context, string, int) ([]ledger.Record, error) {
		return []ledger.Record{{
			VTID:  "VT-OLD",
			Title: "add invoice export",
			Kind:  ledger.KindVTID,
		}}, nil
	})
	require.NoError(t, skills.RegisterDefaults(reg, config.Default().Skills, searcher))
	exec := skill.NewExecutor(reg, emitter, logging.NewNop())
	runner := NewRunner(exec, emitter, logging.NewNop())

	res, err := runner.Run(context.Background(), PhasePreflight, task.DomainCommon, "VT-3", Input{
		Query: "add invoice export",
	})
	require.NoError(t, err)

	assert.False(t, res.Proceed)
	assert.Equal(t, skills.RecDuplicate, res.Steps[0].Recommendation)
}

type searcherFunc func(ctx context.Context, query string, limit int) ([]ledger.Record, error)

func (f searcherFunc) Search(ctx context.Context, query string, limit int) ([]ledger.Record, error) {
	return f(ctx, query, limit)
}

func TestRunMemoryDomainSQLSteps(t *testing.T) {
	dir := t.TempDir()
	sql := writeFile(t, dir, "20260831_drop_users.sql", "DROP TABLE users;\n")

	runner, _ := newTestRunner(t)
	res, err := runner.Run(context.Background(), PhasePostflight, task.DomainMemory, "VT-4", Input{
		Query:       "remove users table",
		TargetPaths: []string{sql},
	})
	require.NoError(t, err)

	require.Len(t, res.Steps, 2)
	assert.Equal(t, skills.SkillRLS, res.Steps[0].SkillID)
	assert.Equal(t, skills.SkillMigration, res.Steps[1].SkillID)

	// The unconditional drop is critical and blocks.
	assert.False(t, res.Proceed)
}

func TestRunSkipsInapplicableSteps(t *testing.T) {
	runner, _ := newTestRunner(t)

	// Memory-domain postflight with no SQL paths: both steps are recorded
	// as skipped rather than dropped or failed.
	res, err := runner.Run(context.Background(), PhasePostflight, task.DomainMemory, "VT-5", Input{
		Query: "documentation update",
	})
	require.NoError(t, err)

	require.Len(t, res.Steps, 2)
	for _, step := range res.Steps {
		assert.True(t, step.Skipped)
		assert.True(t, step.OK)
	}
	assert.True(t, res.OK)
	assert.True(t, res.Proceed)
}

func TestRunTimeoutRecordedChainContinues(t *testing.T) {
	store := &memLedger{}
	emitter := ledger.NewEmitter(store, logging.NewNop())
	reg := skill.NewRegistry()

	reg.MustRegister(skill.Definition{
		ID:      "stall",
		Name:    "Stall",
		Domain:  task.DomainCommon,
		Timeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context, _ *skill.Context, _ skill.Params) (skill.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, skills.RegisterDefaults(reg, config.Default().Skills, nil))

	exec := skill.NewExecutor(reg, emitter, logging.NewNop())
	runner := NewRunner(exec, emitter, logging.NewNop())
	runner.chains[PhasePreflight][task.DomainCommon] = []Binding{
		{SkillID: "stall", BuildParams: func(Input) skill.Params { return skill.Params{} }},
		memoryBinding(),
	}

	res, err := runner.Run(context.Background(), PhasePreflight, task.DomainCommon, "VT-6", Input{
		Query: "anything",
	})
	require.NoError(t, err)

	require.Len(t, res.Steps, 2)
	assert.False(t, res.Steps[0].OK)
	assert.True(t, res.Steps[0].TimedOut)
	assert.True(t, res.Steps[1].OK, "chain continued past the timeout")

	assert.False(t, res.OK)
	assert.True(t, res.Proceed, "a timeout alone does not block")
}

func TestRunMonotonicity(t *testing.T) {
	dir := t.TempDir()
	sql := writeFile(t, dir, "20260831_drop_users.sql", "DROP TABLE users;\n")
	in := Input{Query: "remove users table", TargetPaths: []string{sql}}

	runner, _ := newTestRunner(t)
	short, err := runner.Run(context.Background(), PhasePostflight, task.DomainMemory, "VT-7", in)
	require.NoError(t, err)
	require.False(t, short.Proceed)

	// Appending a benign step never un-blocks the chain.
	runner.chains[PhasePostflight][task.DomainMemory] = append(
		runner.chains[PhasePostflight][task.DomainMemory], memoryBinding())
	long, err := runner.Run(context.Background(), PhasePostflight, task.DomainMemory, "VT-7", in)
	require.NoError(t, err)
	assert.False(t, long.Proceed)
	assert.Len(t, long.Steps, len(short.Steps)+1)
}

func TestRunEmitsStageEvents(t *testing.T) {
	runner, store := newTestRunner(t)
	_, err := runner.Run(context.Background(), PhasePreflight, task.DomainCommon, "VT-8", Input{
		Query: "anything",
	})
	require.NoError(t, err)

	var types []string
	for _, ev := range store.events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, "common.chain.preflight_start")
	assert.Contains(t, types, "common.chain.preflight_complete")
}

func TestRunUnknownDomainFallsBackToCommon(t *testing.T) {
	runner, _ := newTestRunner(t)
	bindings := runner.Bindings(PhasePreflight, task.Domain("mobile"))
	require.Len(t, bindings, 1)
	assert.Equal(t, skills.SkillMemoryFirst, bindings[0].SkillID)
}
