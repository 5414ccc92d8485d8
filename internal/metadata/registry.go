package metadata

import (
	"sort"
	"sync"
)

type Registry struct {
	mu                sync.RWMutex
	entities          map[string]*Entity
	machines          map[string][]*StateMachine // keyed by entity name
	relationsBySource map[string][]*Relation     // keyed by source entity name
}

func NewRegistry() *Registry {
	return &Registry{
		entities:          make(map[string]*Entity),
		machines:          make(map[string][]*StateMachine),
		relationsBySource: make(map[string][]*Relation),
	}
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// AllEntities returns all registered entities sorted by name.
func (r *Registry) AllEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	return entities
}

// GetStateMachinesForEntity returns the state machines guarding entityName.
func (r *Registry) GetStateMachinesForEntity(entityName string) []*StateMachine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.machines[entityName]
}

// GetStateMachine returns the machine guarding entity.field, or nil.
func (r *Registry) GetStateMachine(entityName, field string) *StateMachine {
	for _, sm := range r.GetStateMachinesForEntity(entityName) {
		if sm.Field == field {
			return sm
		}
	}
	return nil
}

// GetRelationsForSource returns all relations where source matches the given entity.
func (r *Registry) GetRelationsForSource(entityName string) []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsBySource[entityName]
}

// Load replaces all entities, state machines and relations in the registry.
func (r *Registry) Load(entities []*Entity, machines []*StateMachine, relations []*Relation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entities = make(map[string]*Entity, len(entities))
	for _, e := range entities {
		r.entities[e.Name] = e
	}

	r.machines = make(map[string][]*StateMachine)
	for _, sm := range machines {
		r.machines[sm.Entity] = append(r.machines[sm.Entity], sm)
	}

	r.relationsBySource = make(map[string][]*Relation)
	for _, rel := range relations {
		r.relationsBySource[rel.Source] = append(r.relationsBySource[rel.Source], rel)
	}
}
