package skills

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
)

func runA11y(t *testing.T, params skill.Params) *AccessibilityResult {
	t.Helper()
	def := NewAccessibility(config.Default().Skills)
	res, err := def.Handler(context.Background(), nil, params)
	require.NoError(t, err)
	ar, ok := res.(*AccessibilityResult)
	require.True(t, ok)
	return ar
}

func TestA11yIconButtonNeedsLabel(t *testing.T) {
	t.Run("unlabeled icon button fails", func(t *testing.T) {
		ar := runA11y(t, skill.Params{
			"content": `<button><i class="fa-trash"></i></button>`,
		})
		require.True(t, ar.OK())
		assert.False(t, ar.Passed)
		require.Len(t, ar.Issues, 1)
		assert.Equal(t, CatAriaLabels, ar.Issues[0].Category)
		assert.Equal(t, skill.SeverityError, ar.Issues[0].Severity)
	})

	t.Run("aria-label removes the issue", func(t *testing.T) {
		ar := runA11y(t, skill.Params{
			"content": `<button aria-label="Delete item"><i class="fa-trash"></i></button>`,
		})
		assert.True(t, ar.Passed)
		assert.Empty(t, ar.Issues)
	})
}

func TestA11yRuleTable(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		category string
		severity skill.Severity
	}{
		{"div onClick no keyboard", `<div onClick={save}>Save</div>`, CatKeyboardNav, skill.SeverityWarning},
		{"div role button", `<div role="button">Go</div>`, CatSemanticElements, skill.SeverityWarning},
		{"positive tabindex", `<input type="text" id="q" tabIndex="3" />`, CatTabOrder, skill.SeverityWarning},
		{"outline none", `button { outline: none; }`, CatFocusVisible, skill.SeverityWarning},
		{"img without alt", `<img src="/logo.png" />`, CatAltText, skill.SeverityError},
		{"input without label", `<input type="email" />`, CatFormLabels, skill.SeverityError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ar := runA11y(t, skill.Params{"content": tt.content})
			var found bool
			for _, issue := range ar.Issues {
				if issue.Category == tt.category {
					found = true
					assert.Equal(t, tt.severity, issue.Severity)
				}
			}
			assert.True(t, found, "expected a %s issue in %v", tt.category, ar.Issues)
		})
	}
}

func TestA11yMitigations(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"keyboard handler", `<div onClick={save} onKeyDown={save}>Save</div>`},
		{"role button with tabindex", `<div role="button" tabIndex={0}>Go</div>`},
		{"focus style kept", `button:focus-visible { outline: none; box-shadow: 0 0 0 2px; }`},
		{"img with alt", `<img src="/logo.png" alt="Company logo" />`},
		{"labeled input", `<input type="email" id="email" />`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ar := runA11y(t, skill.Params{"content": tt.content})
			assert.Empty(t, ar.Issues)
			assert.True(t, ar.Passed)
		})
	}
}

func TestA11yHeadingOrder(t *testing.T) {
	t.Run("skipped level warns", func(t *testing.T) {
		ar := runA11y(t, skill.Params{
			"content": "<h1>Title</h1>\n<h3>Details</h3>",
		})
		require.Len(t, ar.Issues, 1)
		assert.Equal(t, CatHeadingOrder, ar.Issues[0].Category)
		assert.Equal(t, 2, ar.Issues[0].Line)
		assert.True(t, ar.Passed, "warnings alone still pass")
	})

	t.Run("sequential levels are clean", func(t *testing.T) {
		ar := runA11y(t, skill.Params{
			"content": "<h1>Title</h1>\n<h2>Section</h2>\n<h3>Details</h3>",
		})
		assert.Empty(t, ar.Issues)
	})
}

func TestA11yCategoryFilter(t *testing.T) {
	content := `<img src="/logo.png" /><button><i class="x"></i></button>`

	ar := runA11y(t, skill.Params{
		"content":    content,
		"categories": []string{CatAltText},
	})
	require.Len(t, ar.Issues, 1)
	assert.Equal(t, CatAltText, ar.Issues[0].Category)
}

func TestA11ySeverityThreshold(t *testing.T) {
	cfg := config.Default().Skills
	cfg.Accessibility.MinSeverity = string(skill.SeverityError)
	def := NewAccessibility(cfg)

	// Warning-level rules are filtered out before matching.
	res, err := def.Handler(context.Background(), nil, skill.Params{
		"content": `<div onClick={save}>Save</div>`,
	})
	require.NoError(t, err)
	ar := res.(*AccessibilityResult)
	assert.Empty(t, ar.Issues)
	assert.True(t, ar.Passed)
}
