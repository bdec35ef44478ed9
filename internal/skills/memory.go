package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/ledger"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
	"github.com/fyrsmithlabs/verifyd/internal/task"
)

// SkillMemoryFirst is the registered id of the memory-first dedup check.
const SkillMemoryFirst = "memory-first"

// Memory-first recommendations, ordered by decreasing urgency. The chain
// runner blocks only on RecDuplicate.
const (
	RecDuplicate   = "duplicate_detected"
	RecConsultVTID = "consult_prior_vtid"
	RecReviewPrior = "review_prior_work"
	RecProceed     = "proceed"
)

// Reference is one piece of prior work surfaced by the memory-first check.
type Reference struct {
	VTID      string  `json:"vtid,omitempty"`
	Title     string  `json:"title"`
	Excerpt   string  `json:"excerpt,omitempty"`
	Relevance float64 `json:"relevance"`

	// Kind is "vtid" or "note" for ledger hits, "pattern" for the static
	// per-domain hints.
	Kind string `json:"kind"`
}

// MemoryResult is the memory-first skill output.
type MemoryResult struct {
	base
	References []Reference `json:"references"`

	// Confidence is the maximum relevance among references, 0 when none.
	Confidence float64 `json:"confidence"`
	Rec        string  `json:"recommendation"`
}

func (r *MemoryResult) Findings() []skill.Finding { return nil }
func (r *MemoryResult) Recommendation() string    { return r.Rec }

// KindPattern marks static per-domain hint references.
const KindPattern = "pattern"

// domainPatterns are the fixed hints appended per detected path domain.
var domainPatterns = map[task.Domain]string{
	task.DomainFrontend: "Reuse existing component and hook conventions before adding new ones",
	task.DomainBackend:  "Check existing route handlers and service modules for overlapping endpoints",
	task.DomainMemory:   "Review prior schema and policy migrations touching the same tables",
}

// NewMemoryFirst builds the memory-first skill. The searcher may be nil,
// in which case every query degrades to zero ledger hits and the skill
// recommends proceeding.
func NewMemoryFirst(cfg config.SkillsConfig, searcher ledger.Searcher) skill.Definition {
	mf := cfg.MemoryFirst
	return skill.Definition{
		ID:      SkillMemoryFirst,
		Name:    "Memory-First Check",
		Domain:  task.DomainCommon,
		Timeout: cfg.TimeoutFor(SkillMemoryFirst),
		Handler: func(ctx context.Context, _ *skill.Context, params skill.Params) (skill.Result, error) {
			query, err := params.String("query")
			if err != nil {
				return nil, err
			}
			paths := params.Strings("paths")

			refs := searchLedger(ctx, searcher, query, mf.SearchLimit)
			for _, d := range detectDomains(paths) {
				refs = append(refs, Reference{
					Title:     fmt.Sprintf("%s pattern", d),
					Excerpt:   domainPatterns[d],
					Relevance: 0,
					Kind:      KindPattern,
				})
			}

			result := &MemoryResult{
				base:       base{Ok: true},
				References: refs,
			}
			result.Confidence, result.Rec = recommend(refs, mf)
			return result, nil
		},
	}
}

// searchLedger queries prior ledger records and scores each by keyword
// containment against its title, summary and message. An absent or
// failing ledger degrades to no results.
func searchLedger(ctx context.Context, searcher ledger.Searcher, query string, limit int) []Reference {
	if searcher == nil {
		return nil
	}
	records, err := searcher.Search(ctx, query, limit)
	if err != nil {
		return nil
	}

	terms := keywords(query)
	lowerQuery := strings.ToLower(strings.TrimSpace(query))

	var refs []Reference
	for _, rec := range records {
		score := relevance(rec, terms, lowerQuery)
		if score <= 0 {
			continue
		}
		excerpt := rec.Summary
		if excerpt == "" {
			excerpt = rec.Message
		}
		refs = append(refs, Reference{
			VTID:      rec.VTID,
			Title:     rec.Title,
			Excerpt:   excerpt,
			Relevance: score,
			Kind:      rec.Kind,
		})
	}
	return refs
}

// relevance scores a record in [0,1]: the fraction of query terms
// contained in the record's text, promoted to 1 when the whole query
// appears verbatim.
func relevance(rec ledger.Record, terms []string, lowerQuery string) float64 {
	text := strings.ToLower(rec.Title + " " + rec.Summary + " " + rec.Message)
	if lowerQuery != "" && strings.Contains(text, lowerQuery) {
		return 1
	}
	if len(terms) == 0 {
		return 0
	}
	matched := 0
	for _, term := range terms {
		if strings.Contains(text, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// recommend derives (confidence, recommendation) from the gathered
// references. The ladder ordering is the dedup-avoidance contract and
// must not be reordered: duplicate beats consult beats review beats
// proceed.
func recommend(refs []Reference, mf config.MemoryFirstConfig) (float64, string) {
	var max float64
	vtidHit := false
	for _, ref := range refs {
		if ref.Relevance > max {
			max = ref.Relevance
		}
		if ref.Kind == ledger.KindVTID {
			vtidHit = true
		}
	}

	switch {
	case len(refs) == 0:
		return 0, RecProceed
	case max > mf.DuplicateThreshold:
		return max, RecDuplicate
	case vtidHit && max > mf.ConsultThreshold:
		return max, RecConsultVTID
	case vtidHit:
		return max, RecReviewPrior
	default:
		return max, RecProceed
	}
}
