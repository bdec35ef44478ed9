package skills

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
	"github.com/fyrsmithlabs/verifyd/internal/task"
)

// SkillMigration is the registered id of the migration previewer.
const SkillMigration = "migration-preview"

// Migration operation types.
const (
	OpDropTable    = "DROP_TABLE"
	OpDropColumn   = "DROP_COLUMN"
	OpDropDatabase = "DROP_DATABASE"
	OpDropSchema   = "DROP_SCHEMA"
	OpDropFunction = "DROP_FUNCTION"
	OpTruncate     = "TRUNCATE"
	OpCreateTable  = "CREATE_TABLE"
)

// Operation is one detected migration statement of interest.
type Operation struct {
	Type          string `json:"type"`
	Object        string `json:"object,omitempty"`
	Line          int    `json:"line"`
	IsDestructive bool   `json:"is_destructive"`

	// Guarded reports an IF EXISTS / IF NOT EXISTS clause.
	Guarded bool `json:"guarded"`
}

// MigrationResult is the migration-preview skill output.
type MigrationResult struct {
	base
	Operations  []Operation     `json:"operations_detected"`
	Blockers    []skill.Finding `json:"blockers"`
	Warnings    []skill.Finding `json:"warnings"`
	SafeToApply bool            `json:"safe_to_apply"`
}

func (r *MigrationResult) Findings() []skill.Finding {
	return append(append([]skill.Finding{}, r.Blockers...), r.Warnings...)
}
func (r *MigrationResult) Recommendation() string { return "" }

var (
	dropTableRe    = regexp.MustCompile(`(?i)\bDROP\s+TABLE\s+(IF\s+EXISTS\s+)?"?([\w.]+)"?`)
	dropDatabaseRe = regexp.MustCompile(`(?i)\bDROP\s+DATABASE\s+(IF\s+EXISTS\s+)?"?([\w.]+)"?`)
	dropSchemaRe   = regexp.MustCompile(`(?i)\bDROP\s+SCHEMA\s+(IF\s+EXISTS\s+)?"?([\w.]+)"?`)
	dropColumnRe   = regexp.MustCompile(`(?i)\bDROP\s+COLUMN\s+(IF\s+EXISTS\s+)?"?(\w+)"?`)
	dropFunctionRe = regexp.MustCompile(`(?i)\bDROP\s+FUNCTION\s+(IF\s+EXISTS\s+)?"?([\w.]+)"?`)
	truncateRe     = regexp.MustCompile(`(?i)\bTRUNCATE\s+(?:TABLE\s+)?"?([\w.]+)"?`)
	createTableRe  = regexp.MustCompile(`(?i)\bCREATE\s+TABLE\s+(IF\s+NOT\s+EXISTS\s+)?"?([\w.]+)"?`)
	txnGuardRe     = regexp.MustCompile(`(?i)\b(?:BEGIN|START\s+TRANSACTION|COMMIT)\b`)
	filenameRe     = regexp.MustCompile(`^\d{8,14}_[a-z0-9_]+\.sql$`)
	commentRe      = regexp.MustCompile(`--|/\*`)
)

// NewMigration builds the migration previewer.
func NewMigration(cfg config.SkillsConfig) skill.Definition {
	return skill.Definition{
		ID:      SkillMigration,
		Name:    "Migration Preview",
		Domain:  task.DomainMemory,
		Timeout: cfg.TimeoutFor(SkillMigration),
		Handler: func(_ context.Context, _ *skill.Context, params skill.Params) (skill.Result, error) {
			sources, failure, err := loadSources(params, "migration.sql")
			if err != nil {
				return nil, err
			}
			if failure != "" {
				return &MigrationResult{base: base{Err: failure}}, nil
			}

			result := &MigrationResult{base: base{Ok: true}}
			for _, src := range sources {
				previewMigration(src, result)
			}
			result.SafeToApply = len(result.Blockers) == 0
			return result, nil
		},
	}
}

// previewMigration scans one migration source and appends its operations,
// blockers and warnings to result.
func previewMigration(src source, result *MigrationResult) {
	lines := splitLines(src.Content)
	destructive := false

	for i, line := range lines {
		lineNo := i + 1

		if m := dropTableRe.FindStringSubmatch(line); m != nil {
			guarded := m[1] != ""
			result.Operations = append(result.Operations, Operation{
				Type: OpDropTable, Object: m[2], Line: lineNo, IsDestructive: true, Guarded: guarded,
			})
			destructive = true
			if guarded {
				result.Warnings = append(result.Warnings, migrationFinding(
					skill.SeverityWarning, "destructive_drop", src.Name, lineNo,
					fmt.Sprintf("guarded DROP TABLE %s still destroys data when the table exists", m[2]),
					"Confirm a backup or archival path exists before applying"))
			} else {
				result.Blockers = append(result.Blockers, migrationFinding(
					skill.SeverityCritical, "destructive_drop", src.Name, lineNo,
					fmt.Sprintf("unconditional DROP TABLE %s destroys data irrecoverably", m[2]),
					"Add IF EXISTS and an archival step, or split into a deprecation migration"))
			}
			continue
		}

		if m := dropDatabaseRe.FindStringSubmatch(line); m != nil {
			recordDrop(result, src.Name, lineNo, OpDropDatabase, m[2], m[1] != "", "DROP DATABASE")
			destructive = true
			continue
		}
		if m := dropSchemaRe.FindStringSubmatch(line); m != nil {
			recordDrop(result, src.Name, lineNo, OpDropSchema, m[2], m[1] != "", "DROP SCHEMA")
			destructive = true
			continue
		}

		if m := dropColumnRe.FindStringSubmatch(line); m != nil {
			destructive = true
			result.Operations = append(result.Operations, Operation{
				Type: OpDropColumn, Object: m[2], Line: lineNo, IsDestructive: true, Guarded: m[1] != "",
			})
			// An adjacent comment explaining the drop downgrades it to a
			// warning: the author has shown intent.
			if hasAdjacentComment(lines, i) {
				result.Warnings = append(result.Warnings, migrationFinding(
					skill.SeverityWarning, "destructive_drop", src.Name, lineNo,
					fmt.Sprintf("DROP COLUMN %s removes data; documented by adjacent comment", m[2]),
					"Verify dependent queries no longer read this column"))
			} else {
				result.Blockers = append(result.Blockers, migrationFinding(
					skill.SeverityHigh, "destructive_drop", src.Name, lineNo,
					fmt.Sprintf("DROP COLUMN %s removes data with no explanatory comment", m[2]),
					"Add a comment stating why the column is safe to drop"))
			}
			continue
		}

		if m := truncateRe.FindStringSubmatch(line); m != nil {
			destructive = true
			result.Operations = append(result.Operations, Operation{
				Type: OpTruncate, Object: m[1], Line: lineNo, IsDestructive: true,
			})
			result.Blockers = append(result.Blockers, migrationFinding(
				skill.SeverityHigh, "destructive_truncate", src.Name, lineNo,
				fmt.Sprintf("TRUNCATE %s deletes all rows", m[1]),
				"Archive the table contents first or scope the deletion"))
			continue
		}

		if m := dropFunctionRe.FindStringSubmatch(line); m != nil {
			result.Operations = append(result.Operations, Operation{
				Type: OpDropFunction, Object: m[2], Line: lineNo, IsDestructive: true, Guarded: m[1] != "",
			})
			result.Warnings = append(result.Warnings, migrationFinding(
				skill.SeverityWarning, "destructive_drop", src.Name, lineNo,
				fmt.Sprintf("DROP FUNCTION %s may break dependent triggers or policies", m[2]),
				"Check for dependent objects before dropping"))
			continue
		}

		if m := createTableRe.FindStringSubmatch(line); m != nil {
			guarded := m[1] != ""
			result.Operations = append(result.Operations, Operation{
				Type: OpCreateTable, Object: m[2], Line: lineNo, Guarded: guarded,
			})
			if !guarded {
				result.Warnings = append(result.Warnings, migrationFinding(
					skill.SeverityInfo, "idempotency", src.Name, lineNo,
					fmt.Sprintf("CREATE TABLE %s without IF NOT EXISTS fails on re-apply", m[2]),
					"Add IF NOT EXISTS so the migration is idempotent"))
			}
		}
	}

	if !src.Inline && strings.HasSuffix(src.Name, ".sql") {
		if !filenameRe.MatchString(filepath.Base(src.Name)) {
			result.Warnings = append(result.Warnings, migrationFinding(
				skill.SeverityWarning, "naming", src.Name, 0,
				"migration filename does not follow <timestamp>_<description>.sql",
				"Rename to e.g. 20260831_add_users_table.sql"))
		}
	}

	if destructive && !txnGuardRe.MatchString(src.Content) {
		result.Warnings = append(result.Warnings, migrationFinding(
			skill.SeverityWarning, "transaction_guard", src.Name, 0,
			"destructive operations without an enclosing transaction",
			"Wrap the migration in BEGIN/COMMIT so a failure rolls back cleanly"))
	}
}

func recordDrop(result *MigrationResult, file string, line int, opType, object string, guarded bool, stmt string) {
	result.Operations = append(result.Operations, Operation{
		Type: opType, Object: object, Line: line, IsDestructive: true, Guarded: guarded,
	})
	if guarded {
		result.Warnings = append(result.Warnings, migrationFinding(
			skill.SeverityWarning, "destructive_drop", file, line,
			fmt.Sprintf("guarded %s %s still destroys everything it contains", stmt, object),
			"Confirm this environment teardown is intentional"))
		return
	}
	result.Blockers = append(result.Blockers, migrationFinding(
		skill.SeverityCritical, "destructive_drop", file, line,
		fmt.Sprintf("unconditional %s %s destroys all contained objects", stmt, object),
		"Never drop a database or schema in an application migration"))
}

func migrationFinding(sev skill.Severity, category, file string, line int, desc, remediation string) skill.Finding {
	return skill.Finding{
		ID:          fmt.Sprintf("%s:%s:%d", category, file, line),
		Severity:    sev,
		Category:    category,
		File:        file,
		Line:        line,
		Description: desc,
		Remediation: remediation,
	}
}

// hasAdjacentComment reports a comment on the same line or either
// neighboring line.
func hasAdjacentComment(lines []string, i int) bool {
	if commentRe.MatchString(lines[i]) {
		return true
	}
	if i > 0 && commentRe.MatchString(lines[i-1]) {
		return true
	}
	if i+1 < len(lines) && commentRe.MatchString(lines[i+1]) {
		return true
	}
	return false
}
