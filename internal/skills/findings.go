// Package skills contains the six built-in verification analyzers:
// memory-first dedup lookup, security scan, tenant-isolation policy
// validation, migration preview, service/duplicate analysis, and
// accessibility checks.
//
// All six are pure over their inputs: read-only filesystem access to the
// paths handed in, plus read-only ledger queries for the memory-first
// skill. "Found a problem" is a result, never an error return; errors are
// reserved for "could not run" (missing required params).
package skills

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/verifyd/internal/skill"
	"github.com/fyrsmithlabs/verifyd/internal/task"
)

// base carries the two fields every skill result shares.
type base struct {
	Ok  bool   `json:"ok"`
	Err string `json:"error,omitempty"`
}

func (b base) OK() bool           { return b.Ok }
func (b base) ErrMessage() string { return b.Err }

// source is one unit of analyzable text, either inline content or a read
// file.
type source struct {
	Name    string
	Content string

	// Inline marks content passed directly rather than read from a file,
	// so file-level checks (naming conventions) do not apply.
	Inline bool
}

// loadSources resolves the common content/paths parameter pair into
// analyzable sources. Inline content is always included when present.
// A path that cannot be read yields a failure message (the skill returns
// a well-formed ok=false result) rather than an error; an error is
// returned only when neither content nor paths were supplied at all.
func loadSources(params skill.Params, inlineName string) ([]source, string, error) {
	var sources []source

	if content := params.OptString("content"); content != "" {
		sources = append(sources, source{Name: inlineName, Content: content, Inline: true})
	}

	paths := params.Strings("paths")
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, "cannot read " + p + ": " + err.Error(), nil
		}
		sources = append(sources, source{Name: p, Content: string(data)})
	}

	if len(sources) == 0 {
		if _, err := params.String("content"); err != nil {
			return nil, "", err
		}
	}
	return sources, "", nil
}

// keywords tokenizes free text into lowercase search terms, dropping
// short tokens and filler words.
func keywords(text string) []string {
	var stopwords = map[string]bool{
		"the": true, "and": true, "for": true, "with": true, "that": true,
		"this": true, "from": true, "into": true, "add": true, "new": true,
	}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var out []string
	seen := make(map[string]bool)
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// detectDomains infers which domains a set of target paths touches, in
// the stable order frontend, backend, memory.
func detectDomains(paths []string) []task.Domain {
	var frontend, backend, memory bool
	for _, p := range paths {
		lower := strings.ToLower(p)
		ext := filepath.Ext(lower)
		switch {
		case ext == ".tsx" || ext == ".jsx" || ext == ".css" || ext == ".html" ||
			strings.Contains(lower, "components/"):
			frontend = true
		case ext == ".sql" || strings.Contains(lower, "migrations/") ||
			strings.Contains(lower, "policies/"):
			memory = true
		case ext == ".go" || ext == ".ts" || ext == ".js" || ext == ".py" ||
			strings.Contains(lower, "api/") || strings.Contains(lower, "services/"):
			backend = true
		}
	}
	var out []task.Domain
	if frontend {
		out = append(out, task.DomainFrontend)
	}
	if backend {
		out = append(out, task.DomainBackend)
	}
	if memory {
		out = append(out, task.DomainMemory)
	}
	return out
}

// splitLines splits content on newlines without dropping empty lines,
// so indices stay aligned with editor line numbers.
func splitLines(content string) []string {
	return strings.Split(content, "\n")
}

// lineStart returns the 1-indexed line number of byte offset in s.
func lineStart(s string, offset int) int {
	if offset > len(s) {
		offset = len(s)
	}
	return strings.Count(s[:offset], "\n") + 1
}
