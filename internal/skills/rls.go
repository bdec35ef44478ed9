package skills

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
	"github.com/fyrsmithlabs/verifyd/internal/task"
)

// SkillRLS is the registered id of the tenant-isolation policy validator.
const SkillRLS = "rls-validation"

// RLS violation categories.
const (
	CategoryMissingIsolation = "missing_isolation"
	CategoryOpenWriteCheck   = "open_write_check"
)

var policyRe = regexp.MustCompile(
	`(?is)CREATE\s+POLICY\s+"?(\w+)"?\s+ON\s+(?:"?\w+"?\.)?"?(\w+)"?`)

var policyForRe = regexp.MustCompile(`(?is)\bFOR\s+(SELECT|INSERT|UPDATE|DELETE|ALL)\b`)

// Policy is one parsed CREATE POLICY statement.
type Policy struct {
	Name      string `json:"name"`
	Table     string `json:"table"`
	Command   string `json:"command"`
	Using     string `json:"using,omitempty"`
	WithCheck string `json:"with_check,omitempty"`
	Line      int    `json:"line"`
}

// RLSResult is the policy-validator skill output.
type RLSResult struct {
	base
	Policies   []Policy        `json:"policies"`
	Violations []skill.Finding `json:"violations"`
	Valid      bool            `json:"valid"`
}

func (r *RLSResult) Findings() []skill.Finding { return r.Violations }
func (r *RLSResult) Recommendation() string    { return "" }

// NewRLS builds the tenant-isolation policy validator.
func NewRLS(cfg config.SkillsConfig) skill.Definition {
	rls := cfg.RLS
	return skill.Definition{
		ID:      SkillRLS,
		Name:    "RLS Policy Validation",
		Domain:  task.DomainMemory,
		Timeout: cfg.TimeoutFor(SkillRLS),
		Handler: func(_ context.Context, _ *skill.Context, params skill.Params) (skill.Result, error) {
			sources, failure, err := loadSources(params, "policy.sql")
			if err != nil {
				return nil, err
			}
			if failure != "" {
				return &RLSResult{base: base{Err: failure}}, nil
			}

			var policies []Policy
			var violations []skill.Finding
			for _, src := range sources {
				ps := parsePolicies(src.Content)
				policies = append(policies, ps...)
				violations = append(violations, validatePolicies(src.Name, ps, rls)...)
			}

			valid := true
			for _, v := range violations {
				if v.Severity == skill.SeverityCritical {
					valid = false
					break
				}
			}
			return &RLSResult{
				base:       base{Ok: true},
				Policies:   policies,
				Violations: violations,
				Valid:      valid,
			}, nil
		},
	}
}

// parsePolicies extracts CREATE POLICY statements from SQL text.
func parsePolicies(sql string) []Policy {
	var policies []Policy
	for _, loc := range policyRe.FindAllStringSubmatchIndex(sql, -1) {
		stmt := statementAt(sql, loc[0])
		p := Policy{
			Name:    sql[loc[2]:loc[3]],
			Table:   strings.ToLower(sql[loc[4]:loc[5]]),
			Command: "ALL",
			Line:    lineStart(sql, loc[0]),
		}
		if m := policyForRe.FindStringSubmatch(stmt); m != nil {
			p.Command = strings.ToUpper(m[1])
		}
		p.Using = clauseExpr(stmt, "USING")
		p.WithCheck = clauseExpr(stmt, "WITH CHECK")
		policies = append(policies, p)
	}
	return policies
}

// statementAt returns the statement starting at offset, up to the
// terminating semicolon or end of input.
func statementAt(sql string, offset int) string {
	rest := sql[offset:]
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// clauseExpr extracts the parenthesized expression following the given
// keyword, balancing nested parentheses. Empty when the clause is absent.
func clauseExpr(stmt, keyword string) string {
	upper := strings.ToUpper(stmt)
	idx := strings.Index(upper, keyword+" (")
	width := len(keyword) + 1
	if idx < 0 {
		idx = strings.Index(upper, keyword+"(")
		width = len(keyword)
	}
	if idx < 0 {
		return ""
	}
	depth := 0
	start := -1
	for i := idx + width; i < len(stmt); i++ {
		switch stmt[i] {
		case '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ')':
			depth--
			if depth == 0 {
				return strings.TrimSpace(stmt[start:i])
			}
		}
	}
	return ""
}

// validatePolicies applies the isolation rules to parsed policies.
// Exempt tables are skipped entirely.
func validatePolicies(file string, policies []Policy, rls config.RLSConfig) []skill.Finding {
	var violations []skill.Finding
	for _, p := range policies {
		if tableExempt(p.Table, rls.ExemptTables) {
			continue
		}

		writeCapable := p.Command == "INSERT" || p.Command == "UPDATE" || p.Command == "ALL"

		// INSERT policies carry no USING clause in SQL; isolation for
		// them is judged on WITH CHECK alone.
		if p.Command != "INSERT" && !containsIdiom(p.Using, rls.IsolationIdioms) {
			violations = append(violations, skill.Finding{
				ID:          fmt.Sprintf("rls-open-using:%s:%s", p.Table, p.Name),
				Severity:    skill.SeverityCritical,
				Category:    CategoryMissingIsolation,
				File:        file,
				Line:        p.Line,
				Description: fmt.Sprintf("policy %q on table %q has no tenant-isolation condition in USING", p.Name, p.Table),
				Remediation: "Scope the USING expression to the caller's tenant, e.g. tenant_id = auth.uid()",
			})
			continue
		}

		if writeCapable && p.WithCheck != "" && !containsIdiom(p.WithCheck, rls.IsolationIdioms) {
			violations = append(violations, skill.Finding{
				ID:          fmt.Sprintf("rls-open-check:%s:%s", p.Table, p.Name),
				Severity:    skill.SeverityWarning,
				Category:    CategoryOpenWriteCheck,
				File:        file,
				Line:        p.Line,
				Description: fmt.Sprintf("policy %q on table %q has a WITH CHECK clause without tenant isolation", p.Name, p.Table),
				Remediation: "Mirror the USING isolation condition in WITH CHECK",
			})
		}
	}
	return violations
}

func tableExempt(table string, exempt []string) bool {
	for _, e := range exempt {
		if strings.EqualFold(table, e) {
			return true
		}
	}
	return false
}

func containsIdiom(expr string, idioms []string) bool {
	if expr == "" {
		return false
	}
	lower := strings.ToLower(expr)
	for _, idiom := range idioms {
		if strings.Contains(lower, strings.ToLower(idiom)) {
			return true
		}
	}
	return false
}
