package skills

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
	"github.com/fyrsmithlabs/verifyd/internal/task"
)

// SkillSecurity is the registered id of the security scanner.
const SkillSecurity = "security-scan"

// Security finding categories.
const (
	CategoryInjection     = "injection"
	CategoryAuth          = "auth"
	CategoryInput         = "input_validation"
	CategorySecrets       = "secrets"
	CategoryLogging       = "sensitive_logging"
	CategoryDOM           = "dom_sink"
	CategoryPathTraversal = "path_traversal"
)

// secRule is one vulnerability signature. Patterns are matched per line.
type secRule struct {
	ID          string
	Category    string
	Severity    skill.Severity
	Pattern     *regexp.Regexp
	Description string
	Remediation string
}

// securityRules is the fixed signature catalogue.
var securityRules = []secRule{
	// Injection
	{
		ID:          "sql-template-interpolation",
		Category:    CategoryInjection,
		Severity:    skill.SeverityCritical,
		Pattern:     regexp.MustCompile(`(?i)(?:SELECT|INSERT|UPDATE|DELETE)\b[^\n]*\$\{`),
		Description: "SQL statement built with template-literal interpolation",
		Remediation: "Use parameterized queries instead of string interpolation",
	},
	{
		ID:          "sql-string-concat",
		Category:    CategoryInjection,
		Severity:    skill.SeverityCritical,
		Pattern:     regexp.MustCompile(`(?i)["'](?:SELECT|INSERT|UPDATE|DELETE)\b[^"']*["']\s*\+`),
		Description: "SQL statement built with string concatenation",
		Remediation: "Use parameterized queries instead of concatenation",
	},
	{
		ID:          "command-injection",
		Category:    CategoryInjection,
		Severity:    skill.SeverityCritical,
		Pattern:     regexp.MustCompile(`(?i)(?:execSync|exec|spawn|system|popen)\s*\([^)\n]*(?:\$\{|\+\s*\w)`),
		Description: "Shell command built from dynamic input",
		Remediation: "Pass arguments as an array, never interpolate into a shell string",
	},
	{
		ID:          "eval-usage",
		Category:    CategoryInjection,
		Severity:    skill.SeverityCritical,
		Pattern:     regexp.MustCompile(`\beval\s*\(`),
		Description: "eval() on potentially attacker-controlled input",
		Remediation: "Remove eval; use explicit parsing or dispatch",
	},

	// Auth bypass smells
	{
		ID:          "auth-bypass",
		Category:    CategoryAuth,
		Severity:    skill.SeverityHigh,
		Pattern:     regexp.MustCompile(`(?i)(?:auth|authenticated|authorization|verify)\w*\s*(?:=\s*true|==\s*true\s*\|\||\s*=\s*false|Check\s*=\s*false)`),
		Description: "Authentication check forced or short-circuited",
		Remediation: "Never hardcode auth outcomes; gate on the real check",
	},
	{
		ID:          "auth-skip",
		Category:    CategoryAuth,
		Severity:    skill.SeverityHigh,
		Pattern:     regexp.MustCompile(`(?i)skip[_-]?(?:auth|authz|authentication|verification)`),
		Description: "Explicit auth skip flag",
		Remediation: "Remove the bypass or restrict it to test builds",
	},

	// Unvalidated request input
	{
		ID:          "unvalidated-request-input",
		Category:    CategoryInput,
		Severity:    skill.SeverityHigh,
		Pattern:     regexp.MustCompile(`req(?:uest)?\.(?:body|params|query)\.[A-Za-z_]\w*`),
		Description: "Request input used without validation",
		Remediation: "Validate and type request input before use",
	},

	// Hardcoded secrets
	{
		ID:          "hardcoded-secret",
		Category:    CategorySecrets,
		Severity:    skill.SeverityCritical,
		Pattern:     regexp.MustCompile(`(?i)(?:password|passwd|secret|api[_-]?key|token)\s*(?::=|[:=])\s*["'][^"']{8,}["']`),
		Description: "Credential literal embedded in source",
		Remediation: "Load credentials from configuration or a secret store",
	},

	// Sensitive data in logs
	{
		ID:          "sensitive-logging",
		Category:    CategoryLogging,
		Severity:    skill.SeverityHigh,
		Pattern:     regexp.MustCompile(`(?i)(?:console\.log|log(?:ger)?\.\w+|print(?:ln)?)\s*\([^)\n]*(?:password|token|secret|ssn|credit[_-]?card)`),
		Description: "Sensitive value written to a log sink",
		Remediation: "Redact or drop sensitive fields before logging",
	},

	// Unsafe DOM sinks
	{
		ID:          "unsafe-dom-sink",
		Category:    CategoryDOM,
		Severity:    skill.SeverityHigh,
		Pattern:     regexp.MustCompile(`(?:innerHTML|outerHTML|dangerouslySetInnerHTML)\s*[=:({]|document\.write\s*\(`),
		Description: "Raw HTML injected into the DOM",
		Remediation: "Use text assignment or a sanitizer",
	},

	// Path traversal
	{
		ID:          "path-traversal",
		Category:    CategoryPathTraversal,
		Severity:    skill.SeverityHigh,
		Pattern:     regexp.MustCompile(`(?i)(?:readFileSync|readFile|createReadStream|sendFile|os\.Open)\s*\([^)\n]*(?:\$\{|\+\s*\w|\.\./)`),
		Description: "File path built from dynamic input",
		Remediation: "Resolve against a fixed root and reject traversal segments",
	},
}

// SecurityResult is the security-scan skill output.
type SecurityResult struct {
	base
	Items  []skill.Finding `json:"findings"`
	Counts skill.Summary   `json:"counts"`
	Passed bool            `json:"passed"`
}

func (r *SecurityResult) Findings() []skill.Finding { return r.Items }
func (r *SecurityResult) Recommendation() string    { return "" }

// NewSecurity builds the security scanner.
func NewSecurity(cfg config.SkillsConfig) skill.Definition {
	return skill.Definition{
		ID:      SkillSecurity,
		Name:    "Security Scan",
		Domain:  task.DomainCommon,
		Timeout: cfg.TimeoutFor(SkillSecurity),
		Handler: func(_ context.Context, _ *skill.Context, params skill.Params) (skill.Result, error) {
			sources, failure, err := loadSources(params, "inline")
			if err != nil {
				return nil, err
			}
			if failure != "" {
				return &SecurityResult{base: base{Err: failure}}, nil
			}

			findings := scanSecurity(sources)
			counts := skill.Summarize(findings)
			return &SecurityResult{
				base:   base{Ok: true},
				Items:  findings,
				Counts: counts,
				Passed: counts[skill.SeverityCritical] == 0 && counts[skill.SeverityHigh] == 0,
			}, nil
		},
	}
}

// scanSecurity applies every rule to every line of every source,
// deduplicates by (category, file, line), and sorts critical-first.
func scanSecurity(sources []source) []skill.Finding {
	type key struct {
		category string
		file     string
		line     int
	}
	seen := make(map[key]bool)
	var findings []skill.Finding

	for _, src := range sources {
		for lineNo, line := range splitLines(src.Content) {
			for _, rule := range securityRules {
				if !rule.Pattern.MatchString(line) {
					continue
				}
				k := key{rule.Category, src.Name, lineNo + 1}
				if seen[k] {
					continue
				}
				seen[k] = true
				findings = append(findings, skill.Finding{
					ID:          fmt.Sprintf("%s:%s:%d", rule.ID, src.Name, lineNo+1),
					Severity:    rule.Severity,
					Category:    rule.Category,
					File:        src.Name,
					Line:        lineNo + 1,
					Description: rule.Description,
					Remediation: rule.Remediation,
				})
			}
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return findings[i].Severity.Rank() < findings[j].Severity.Rank()
		}
		if findings[i].File != findings[j].File {
			return findings[i].File < findings[j].File
		}
		return findings[i].Line < findings[j].Line
	})
	return findings
}
