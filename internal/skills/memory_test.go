package skills

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/ledger"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
)

// stubSearcher returns canned ledger records.
type stubSearcher struct {
	records []ledger.Record
	err     error
}

func (s stubSearcher) Search(context.Context, string, int) ([]ledger.Record, error) {
	return s.records, s.err
}

func runMemory(t *testing.T, searcher ledger.Searcher, params skill.Params) *MemoryResult {
	t.Helper()
	def := NewMemoryFirst(config.Default().Skills, searcher)
	res, err := def.Handler(context.Background(), nil, params)
	require.NoError(t, err)
	mr, ok := res.(*MemoryResult)
	require.True(t, ok)
	return mr
}

func TestMemoryFirstZeroHits(t *testing.T) {
	t.Run("nil searcher", func(t *testing.T) {
		mr := runMemory(t, nil, skill.Params{"query": "add payment webhooks"})
		assert.True(t, mr.OK())
		assert.Equal(t, RecProceed, mr.Rec)
		assert.Zero(t, mr.Confidence)
		assert.Empty(t, mr.References)
	})

	t.Run("empty ledger", func(t *testing.T) {
		mr := runMemory(t, stubSearcher{}, skill.Params{"query": "add payment webhooks"})
		assert.Equal(t, RecProceed, mr.Rec)
		assert.Zero(t, mr.Confidence)
	})

	t.Run("searcher error degrades to no results", func(t *testing.T) {
		mr := runMemory(t, stubSearcher{err: assert.AnError}, skill.Params{"query": "add payment webhooks"})
		assert.True(t, mr.OK())
		assert.Equal(t, RecProceed, mr.Rec)
	})
}

func TestMemoryFirstRecommendationLadder(t *testing.T) {
	now := time.Now()

	t.Run("verbatim objective match is a duplicate", func(t *testing.T) {
		mr := runMemory(t, stubSearcher{records: []ledger.Record{
			{VTID: "VT-100", Title: "add payment webhooks handler", Kind: ledger.KindVTID, CreatedAt: now},
		}}, skill.Params{"query": "add payment webhooks"})
		assert.Equal(t, RecDuplicate, mr.Rec)
		assert.Equal(t, 1.0, mr.Confidence)
	})

	t.Run("strong vtid hit consults prior work", func(t *testing.T) {
		// Three of four terms present: 0.75, above consult, below duplicate.
		mr := runMemory(t, stubSearcher{records: []ledger.Record{
			{VTID: "VT-101", Title: "payment webhook retries for stripe", Kind: ledger.KindVTID, CreatedAt: now},
		}}, skill.Params{"query": "payment webhook retries backoff"})
		assert.Equal(t, RecConsultVTID, mr.Rec)
		assert.InDelta(t, 0.75, mr.Confidence, 0.001)
	})

	t.Run("weak vtid hit reviews prior work", func(t *testing.T) {
		mr := runMemory(t, stubSearcher{records: []ledger.Record{
			{VTID: "VT-102", Title: "payment reconciliation notes extra words", Kind: ledger.KindVTID, CreatedAt: now},
		}}, skill.Params{"query": "payment webhook retries backoff"})
		assert.Equal(t, RecReviewPrior, mr.Rec)
	})

	t.Run("note-only hits proceed", func(t *testing.T) {
		mr := runMemory(t, stubSearcher{records: []ledger.Record{
			{Title: "payment design discussion", Kind: ledger.KindNote, CreatedAt: now},
		}}, skill.Params{"query": "payment webhook retries backoff"})
		assert.Equal(t, RecProceed, mr.Rec)
		assert.Greater(t, mr.Confidence, 0.0)
	})
}

func TestMemoryFirstConfidenceIsMaxRelevance(t *testing.T) {
	mr := runMemory(t, stubSearcher{records: []ledger.Record{
		{VTID: "VT-1", Title: "payment service cleanup", Kind: ledger.KindVTID},
		{VTID: "VT-2", Title: "payment webhook retries backoff done", Kind: ledger.KindVTID},
	}}, skill.Params{"query": "payment webhook retries backoff"})

	var max float64
	for _, ref := range mr.References {
		assert.GreaterOrEqual(t, ref.Relevance, 0.0)
		assert.LessOrEqual(t, ref.Relevance, 1.0)
		if ref.Relevance > max {
			max = ref.Relevance
		}
	}
	assert.Equal(t, max, mr.Confidence)
}

func TestMemoryFirstPatternReferences(t *testing.T) {
	mr := runMemory(t, nil, skill.Params{
		"query": "add user settings page",
		"paths": []string{"src/components/Settings.tsx", "api/settings.go"},
	})

	var kinds []string
	for _, ref := range mr.References {
		kinds = append(kinds, ref.Kind)
		assert.Zero(t, ref.Relevance, "pattern references carry no relevance")
	}
	assert.Equal(t, []string{KindPattern, KindPattern}, kinds)

	// Pattern hints alone never raise confidence.
	assert.Zero(t, mr.Confidence)
	assert.Equal(t, RecProceed, mr.Rec)
}

func TestMemoryFirstMissingQuery(t *testing.T) {
	def := NewMemoryFirst(config.Default().Skills, nil)
	_, err := def.Handler(context.Background(), nil, skill.Params{})
	require.Error(t, err)
	assert.ErrorIs(t, err, skill.ErrMissingParam)
}
