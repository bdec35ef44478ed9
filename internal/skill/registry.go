package skill

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Registry errors.
var (
	ErrDuplicateSkill = errors.New("skill already registered")
	ErrInvalidSkill   = errors.New("invalid skill definition")
)

// Registry maps skill ids to definitions. It is populated once at process
// start and read-only afterwards, so concurrent lookups need no locking.
// It is an explicit injected object, never a package-level map.
type Registry struct {
	skills map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Definition)}
}

// Register adds a skill definition. Duplicate ids are a configuration
// error: registration fails loudly rather than silently replacing.
func (r *Registry) Register(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidSkill)
	}
	if def.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidSkill, def.ID)
	}
	if def.Timeout <= 0 {
		def.Timeout = 30 * time.Second
	}
	if _, exists := r.skills[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSkill, def.ID)
	}
	r.skills[def.ID] = def
	return nil
}

// MustRegister registers a definition, panicking on error. For startup
// wiring where a duplicate id is a programming mistake.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition for a skill id.
func (r *Registry) Get(id string) (Definition, bool) {
	def, ok := r.skills[id]
	return def, ok
}

// List returns all registered skills, sorted by id.
func (r *Registry) List() []Info {
	infos := make([]Info, 0, len(r.skills))
	for _, def := range r.skills {
		infos = append(infos, Info{ID: def.ID, Name: def.Name, Domain: def.Domain})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
