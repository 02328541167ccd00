package runtime

import (
	"fmt"
	"live-hub/domain/action"
	"live-hub/errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// ActionRegistry maps action types to their definitions.
// Registration happens at startup, lookups are safe from any goroutine.
type ActionRegistry struct {
	mu      sync.RWMutex
	log     *slog.Logger
	actions map[string]action.Definition
}

func NewActionRegistry(log *slog.Logger) *ActionRegistry {
	return &ActionRegistry{log: log, actions: make(map[string]action.Definition)}
}

// Register adds a definition. A type can only be registered once.
func (r *ActionRegistry) Register(def action.Definition) error {
	if def.Type == "" || def.Handler == nil {
		return fmt.Errorf("%w: type %q", errors.ErrInvalidDefinition, def.Type)
	}
	if def.Endpoint != nil && (def.Endpoint.Method == "" || def.Endpoint.Path == "") {
		return fmt.Errorf("%w: endpoint of %s needs a method and a path", errors.ErrInvalidDefinition, def.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[def.Type]; ok {
		return fmt.Errorf("%w: %s", errors.ErrDuplicateActionType, def.Type)
	}
	r.actions[def.Type] = def
	r.log.Info("Action registered", "type", def.Type, "entity_type", def.EntityType)
	return nil
}

func (r *ActionRegistry) Lookup(actionType string) (action.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.actions[actionType]
	if !ok {
		return action.Definition{}, fmt.Errorf("%w: %s", errors.ErrUnknownActionType, actionType)
	}
	return def, nil
}

// List returns every definition sorted by type.
func (r *ActionRegistry) List() []action.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := lo.Values(r.actions)
	sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })
	return defs
}

// Bound returns the definitions exposed on an HTTP endpoint.
func (r *ActionRegistry) Bound() []action.Definition {
	return lo.Filter(r.List(), func(def action.Definition, _ int) bool {
		return def.Endpoint != nil
	})
}

// ByEntityType groups action types by entity type, top-level actions excluded.
func (r *ActionRegistry) ByEntityType() map[string][]string {
	res := make(map[string][]string)
	for _, def := range r.List() {
		if def.EntityType == "" {
			continue
		}
		res[def.EntityType] = append(res[def.EntityType], def.Type)
	}
	return res
}

func (r *ActionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}
