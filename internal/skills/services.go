package skills

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
	"github.com/fyrsmithlabs/verifyd/internal/task"
)

// SkillServices is the registered id of the service/duplicate analyzer.
const SkillServices = "service-analysis"

// Duplicate-risk levels derived from the best relevance score.
const (
	RiskNone   = "none"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Implementation-location recommendations.
const (
	RecExtendExisting = "extend_existing"
	RecCreateNew      = "create_new"
)

// maxScanSize caps per-file reads during directory walks.
const maxScanSize = 512 * 1024

var sourceExts = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".py": true,
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true, "build": true,
}

var (
	routeRe = regexp.MustCompile(
		`(?m)(?:\w+)\.(?:GET|POST|PUT|DELETE|PATCH|Get|Post|Put|Delete|Patch|Handle|HandleFunc|get|post|put|delete|patch|use)\s*\(\s*["'` + "`" + `]([/\w:{}.-]+)`)
	goHandlerRe = regexp.MustCompile(`(?m)^func\s+(?:\(\w+\s+\*?\w+\)\s+)?([A-Z]\w*)\s*\(`)
	jsHandlerRe = regexp.MustCompile(`(?m)^export\s+(?:default\s+)?(?:async\s+)?function\s+(\w+)`)
)

// codePatterns is the fixed catalogue of structural patterns reported for
// highly relevant files.
var codePatterns = []struct {
	Name   string
	Marker *regexp.Regexp
}{
	{"http-handler", regexp.MustCompile(`http\.ResponseWriter|echo\.Context|express\.Request`)},
	{"middleware", regexp.MustCompile(`next\s+(?:echo\.HandlerFunc|http\.Handler)|\bnext\s*\(\s*\)`)},
	{"repository", regexp.MustCompile(`(?i)\b(?:db|pool|conn)\.(?:Query|Exec|QueryRow|Get|Select)\b`)},
	{"service-struct", regexp.MustCompile(`(?m)^type\s+\w*Service\s+struct`)},
	{"validation", regexp.MustCompile(`(?i)\bvalidate\w*\s*\(|\.Validate\(\)`)},
}

// ServiceMatch is one existing source file scored against the feature
// description.
type ServiceMatch struct {
	Path     string   `json:"path"`
	Score    float64  `json:"score"`
	Routes   []string `json:"routes,omitempty"`
	Handlers []string `json:"handlers,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
}

// ServicesResult is the service-analysis skill output.
type ServicesResult struct {
	base
	Matches       []ServiceMatch `json:"matches"`
	DuplicateRisk string         `json:"duplicate_risk"`
	Rec           string         `json:"recommendation"`

	// RecTarget names the file to extend when Rec is extend_existing.
	RecTarget string `json:"recommendation_target,omitempty"`
}

func (r *ServicesResult) Findings() []skill.Finding { return nil }
func (r *ServicesResult) Recommendation() string    { return r.Rec }

// NewServices builds the service/duplicate analyzer. The "dirs" param
// overrides the configured source directories per invocation.
func NewServices(cfg config.SkillsConfig) skill.Definition {
	svc := cfg.Services
	return skill.Definition{
		ID:      SkillServices,
		Name:    "Service Analysis",
		Domain:  task.DomainBackend,
		Timeout: cfg.TimeoutFor(SkillServices),
		Handler: func(_ context.Context, _ *skill.Context, params skill.Params) (skill.Result, error) {
			query, err := params.String("query")
			if err != nil {
				return nil, err
			}
			dirs := params.Strings("dirs")
			if len(dirs) == 0 {
				dirs = svc.SourceDirs
			}

			terms := keywords(query)
			matches := scanServices(dirs, terms, svc.HighRelevance)

			sort.SliceStable(matches, func(i, j int) bool {
				if matches[i].Score != matches[j].Score {
					return matches[i].Score > matches[j].Score
				}
				return matches[i].Path < matches[j].Path
			})
			if len(matches) > svc.TopN {
				matches = matches[:svc.TopN]
			}

			result := &ServicesResult{
				base:    base{Ok: true},
				Matches: matches,
			}
			var best float64
			if len(matches) > 0 {
				best = matches[0].Score
			}
			switch {
			case best > svc.HighRiskOver:
				result.DuplicateRisk = RiskHigh
			case best > svc.MediumRiskOver:
				result.DuplicateRisk = RiskMedium
			default:
				result.DuplicateRisk = RiskNone
			}
			if best > svc.HighRelevance {
				result.Rec = RecExtendExisting
				result.RecTarget = matches[0].Path
			} else {
				result.Rec = RecCreateNew
			}
			return result, nil
		},
	}
}

// scanServices walks the source directories and scores every code file
// against the query terms. Unreadable directories contribute nothing.
func scanServices(dirs, terms []string, highRelevance float64) []ServiceMatch {
	var matches []ServiceMatch
	for _, dir := range dirs {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if !sourceExts[filepath.Ext(path)] || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.Size() > maxScanSize {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			content := string(data)

			score := relevanceScore(path, content, terms)
			if score <= 0 {
				return nil
			}
			m := ServiceMatch{
				Path:     path,
				Score:    score,
				Routes:   extractRoutes(content),
				Handlers: extractHandlers(content),
			}
			if score > highRelevance {
				m.Patterns = detectPatterns(content)
			}
			matches = append(matches, m)
			return nil
		})
	}
	return matches
}

// relevanceScore weighs keyword containment: a path hit counts full, a
// content-only hit counts half. The result is clamped to [0,1].
func relevanceScore(path, content string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lowerPath := strings.ToLower(path)
	lowerContent := strings.ToLower(content)

	var total float64
	for _, term := range terms {
		switch {
		case strings.Contains(lowerPath, term):
			total += 1
		case strings.Contains(lowerContent, term):
			total += 0.5
		}
	}
	score := total / float64(len(terms))
	if score > 1 {
		score = 1
	}
	return score
}

func extractRoutes(content string) []string {
	var routes []string
	seen := make(map[string]bool)
	for _, m := range routeRe.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			routes = append(routes, m[1])
		}
	}
	return routes
}

func extractHandlers(content string) []string {
	var handlers []string
	seen := make(map[string]bool)
	for _, re := range []*regexp.Regexp{goHandlerRe, jsHandlerRe} {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				handlers = append(handlers, m[1])
			}
		}
	}
	return handlers
}

func detectPatterns(content string) []string {
	var patterns []string
	for _, p := range codePatterns {
		if p.Marker.MatchString(content) {
			patterns = append(patterns, p.Name)
		}
	}
	return patterns
}
