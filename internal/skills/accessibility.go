package skills

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
	"github.com/fyrsmithlabs/verifyd/internal/task"
)

// SkillAccessibility is the registered id of the accessibility validator.
const SkillAccessibility = "accessibility"

// Accessibility categories.
const (
	CatAriaLabels       = "aria_labels"
	CatKeyboardNav      = "keyboard_nav"
	CatSemanticElements = "semantic_elements"
	CatTabOrder         = "tab_order"
	CatFocusVisible     = "focus_visible"
	CatAltText          = "alt_text"
	CatHeadingOrder     = "heading_order"
	CatFormLabels       = "form_labels"
)

// a11yRule flags a line matching Bad unless Mitigation also matches it.
type a11yRule struct {
	ID          string
	Category    string
	Severity    skill.Severity
	Bad         *regexp.Regexp
	Mitigation  *regexp.Regexp
	Description string
	Remediation string
}

var a11yRules = []a11yRule{
	{
		ID:          "icon-button-no-label",
		Category:    CatAriaLabels,
		Severity:    skill.SeverityError,
		Bad:         regexp.MustCompile(`<button[^>]*>\s*<(?:i|svg|span)\b`),
		Mitigation:  regexp.MustCompile(`<button[^>]*aria-label(?:ledby)?\s*=`),
		Description: "icon-only button without an accessible name",
		Remediation: `Add aria-label describing the action, e.g. aria-label="Delete item"`,
	},
	{
		ID:          "click-without-keyboard",
		Category:    CatKeyboardNav,
		Severity:    skill.SeverityWarning,
		Bad:         regexp.MustCompile(`<(?:div|span)\b[^>]*onClick\s*=`),
		Mitigation:  regexp.MustCompile(`onKey(?:Down|Up|Press)\s*=`),
		Description: "click handler on a non-interactive element without keyboard support",
		Remediation: "Use a <button> or add an onKeyDown handler and tabIndex",
	},
	{
		ID:          "div-as-button",
		Category:    CatSemanticElements,
		Severity:    skill.SeverityWarning,
		Bad:         regexp.MustCompile(`<div\b[^>]*role\s*=\s*["']button["']`),
		Mitigation:  regexp.MustCompile(`tabIndex\s*=`),
		Description: "div styled as a button is unreachable by keyboard",
		Remediation: "Prefer a semantic <button>, or add tabIndex and key handlers",
	},
	{
		ID:          "positive-tabindex",
		Category:    CatTabOrder,
		Severity:    skill.SeverityWarning,
		Bad:         regexp.MustCompile(`tab[Ii]ndex\s*=\s*["'{]?\s*[1-9]`),
		Description: "positive tabindex overrides natural focus order",
		Remediation: "Use tabIndex 0 or -1 and let document order drive focus",
	},
	{
		ID:          "outline-removed",
		Category:    CatFocusVisible,
		Severity:    skill.SeverityWarning,
		Bad:         regexp.MustCompile(`outline\s*:\s*(?:none|0)\b`),
		Mitigation:  regexp.MustCompile(`:focus(?:-visible)?`),
		Description: "focus outline removed without a visible replacement",
		Remediation: "Provide a :focus-visible style when removing the default outline",
	},
	{
		ID:          "img-no-alt",
		Category:    CatAltText,
		Severity:    skill.SeverityError,
		Bad:         regexp.MustCompile(`<img\b`),
		Mitigation:  regexp.MustCompile(`\balt\s*=`),
		Description: "image without alt text",
		Remediation: `Add alt describing the image, or alt="" when decorative`,
	},
	{
		ID:          "input-no-label",
		Category:    CatFormLabels,
		Severity:    skill.SeverityError,
		Bad:         regexp.MustCompile(`<input\b[^>]*type\s*=\s*["'](?:text|email|password|search|tel|number)["']`),
		Mitigation:  regexp.MustCompile(`aria-label(?:ledby)?\s*=|\bid\s*=`),
		Description: "form input without an associated label",
		Remediation: "Associate a <label for=...> or add aria-label",
	},
}

var headingRe = regexp.MustCompile(`<h([1-6])\b`)

// AccessibilityResult is the accessibility skill output.
type AccessibilityResult struct {
	base
	Issues []skill.Finding `json:"issues"`
	Passed bool            `json:"passed"`
}

func (r *AccessibilityResult) Findings() []skill.Finding { return r.Issues }
func (r *AccessibilityResult) Recommendation() string    { return "" }

// NewAccessibility builds the accessibility validator. Rules are filtered
// by the configured category set and minimum severity before matching;
// params "categories" narrows further per invocation.
func NewAccessibility(cfg config.SkillsConfig) skill.Definition {
	acc := cfg.Accessibility
	minSeverity := skill.Severity(acc.MinSeverity)
	if minSeverity == "" {
		minSeverity = skill.SeverityInfo
	}
	return skill.Definition{
		ID:      SkillAccessibility,
		Name:    "Accessibility Check",
		Domain:  task.DomainFrontend,
		Timeout: cfg.TimeoutFor(SkillAccessibility),
		Handler: func(_ context.Context, _ *skill.Context, params skill.Params) (skill.Result, error) {
			sources, failure, err := loadSources(params, "diff")
			if err != nil {
				return nil, err
			}
			if failure != "" {
				return &AccessibilityResult{base: base{Err: failure}}, nil
			}

			categories := categoryFilter(acc.Categories, params.Strings("categories"))
			rules := filterRules(categories, minSeverity)

			var issues []skill.Finding
			for _, src := range sources {
				issues = append(issues, scanAccessibility(src, rules)...)
				if categoryEnabled(categories, CatHeadingOrder) && skill.SeverityWarning.AtLeast(minSeverity) {
					issues = append(issues, checkHeadingOrder(src)...)
				}
			}

			passed := true
			for _, issue := range issues {
				if issue.Severity.AtLeast(skill.SeverityError) {
					passed = false
					break
				}
			}
			return &AccessibilityResult{
				base:   base{Ok: true},
				Issues: issues,
				Passed: passed,
			}, nil
		},
	}
}

// categoryFilter intersects the configured categories with a per-call
// narrowing; either side empty means "all".
func categoryFilter(configured, requested []string) map[string]bool {
	set := make(map[string]bool)
	for _, c := range configured {
		set[c] = true
	}
	if len(requested) > 0 {
		narrowed := make(map[string]bool)
		for _, c := range requested {
			if len(set) == 0 || set[c] {
				narrowed[c] = true
			}
		}
		return narrowed
	}
	return set
}

func categoryEnabled(set map[string]bool, category string) bool {
	return len(set) == 0 || set[category]
}

func filterRules(categories map[string]bool, minSeverity skill.Severity) []a11yRule {
	var out []a11yRule
	for _, rule := range a11yRules {
		if categoryEnabled(categories, rule.Category) && rule.Severity.AtLeast(minSeverity) {
			out = append(out, rule)
		}
	}
	return out
}

func scanAccessibility(src source, rules []a11yRule) []skill.Finding {
	var issues []skill.Finding
	for lineNo, line := range splitLines(src.Content) {
		for _, rule := range rules {
			if !rule.Bad.MatchString(line) {
				continue
			}
			if rule.Mitigation != nil && rule.Mitigation.MatchString(line) {
				continue
			}
			issues = append(issues, skill.Finding{
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
	return issues
}

// checkHeadingOrder flags heading levels that skip more than one step
// down from the previous heading. This needs document state, so it runs
// outside the per-line rule table.
func checkHeadingOrder(src source) []skill.Finding {
	var issues []skill.Finding
	prev := 0
	for lineNo, line := range splitLines(src.Content) {
		for _, m := range headingRe.FindAllStringSubmatch(line, -1) {
			level, _ := strconv.Atoi(m[1])
			if prev > 0 && level > prev+1 {
				issues = append(issues, skill.Finding{
					ID:          fmt.Sprintf("heading-skip:%s:%d", src.Name, lineNo+1),
					Severity:    skill.SeverityWarning,
					Category:    CatHeadingOrder,
					File:        src.Name,
					Line:        lineNo + 1,
					Description: fmt.Sprintf("heading level h%d skips from h%d", level, prev),
					Remediation: "Keep heading levels sequential so screen readers can outline the page",
				})
			}
			prev = level
		}
	}
	return issues
}
