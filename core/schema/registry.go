package schema

import (
	"sort"
	"sync/atomic"

	"github.com/apiforge-io/apiforge/core"
)

// Registry holds the compiled models of one definition. Lookups read an
// immutable snapshot; Reload swaps the whole snapshot atomically so
// in-flight requests keep the models they started with.
type Registry struct {
	models atomic.Value // map[string]*Model
}

// NewRegistry compiles a definition into a registry.
func NewRegistry(def *Definition) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(def); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload compiles the definition and swaps the model snapshot. On compile
// error the previous snapshot stays in place.
func (r *Registry) Reload(def *Definition) error {
	models := make(map[string]*Model, len(def.Entities))
	for code, entity := range def.Entities {
		model, err := compileModel(code, entity, def.Collations)
		if err != nil {
			return err
		}
		models[model.Code] = model
	}
	r.models.Store(models)
	return nil
}

func (r *Registry) snapshot() map[string]*Model {
	models, _ := r.models.Load().(map[string]*Model)
	return models
}

// Lookup returns the model for an entity code.
func (r *Registry) Lookup(code string) (*Model, error) {
	if model, ok := r.snapshot()[code]; ok {
		return model, nil
	}
	return nil, core.InvalidArgumentf("unknown entity: %s", code)
}

// Models returns all models, sorted by entity code.
func (r *Registry) Models() []*Model {
	snapshot := r.snapshot()
	models := make([]*Model, 0, len(snapshot))
	for _, model := range snapshot {
		models = append(models, model)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Code < models[j].Code })
	return models
}
