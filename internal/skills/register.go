package skills

import (
	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/ledger"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
)

// RegisterDefaults registers the six built-in analyzers with timeouts
// from configuration. The searcher feeds the memory-first check and may
// be nil.
func RegisterDefaults(reg *skill.Registry, cfg config.SkillsConfig, searcher ledger.Searcher) error {
	defs := []skill.Definition{
		NewMemoryFirst(cfg, searcher),
		NewSecurity(cfg),
		NewRLS(cfg),
		NewMigration(cfg),
		NewServices(cfg),
		NewAccessibility(cfg),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
