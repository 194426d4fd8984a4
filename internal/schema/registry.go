package schema

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
)

// Registry holds the entity definitions of one schema. A registry is passed
// explicitly to every component; definitions are never mutated after
// registration.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*EntityDefinition
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*EntityDefinition)}
}

// Register validates def and adds it to the registry.
func (r *Registry) Register(def EntityDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return errs.New(errs.KindInvalidData, "", "entity name cannot be empty").WithOperation("registerEntity")
	}

	normalized, err := normalizeEntity(def)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entities[def.Name]; exists {
		return errs.New(errs.KindDuplicateEntity, def.Name, "entity already registered").WithOperation("registerEntity")
	}
	r.entities[def.Name] = normalized
	r.order = append(r.order, def.Name)
	return nil
}

// Entity returns the definition registered under name.
func (r *Registry) Entity(name string) (*EntityDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.entities[name]
	if !ok {
		return nil, errs.New(errs.KindUnknownEntity, name, "entity is not registered").WithOperation("getEntity")
	}
	return def, nil
}

// Entities returns every definition in registration order.
func (r *Registry) Entities() []*EntityDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*EntityDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entities[name])
	}
	return defs
}

// Validate cross-checks relations between entities. It must be called once
// every entity of the schema has been registered.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		def := r.entities[name]
		for _, rel := range def.Relations {
			target, ok := r.entities[rel.Target]
			if !ok {
				return errs.New(errs.KindUnknownEntity, rel.Target, "relation %s.%s targets an unknown entity", def.Name, rel.Name)
			}
			for _, ref := range rel.References {
				if _, ok := target.Field(ref); !ok {
					return errs.New(errs.KindUnknownField, target.Name, "relation %s.%s references unknown field", def.Name, rel.Name).WithFields(ref)
				}
			}
			if rel.Owner && rel.OnDelete == SetNull {
				for _, f := range rel.Fields {
					field, _ := def.Field(f)
					if !field.Nullable {
						return errs.New(errs.KindInvalidData, def.Name, "relation %s uses SetNull on a required foreign key", rel.Name).WithFields(f)
					}
				}
			}
		}
	}
	return nil
}

// ResolveUnique returns the unique field set identified by where.
func (r *Registry) ResolveUnique(entity string, where map[string]any) ([]string, error) {
	def, err := r.Entity(entity)
	if err != nil {
		return nil, err
	}
	matched := MatchUniqueSets(def, where)
	if len(matched) != 1 {
		return nil, errs.New(errs.KindAmbiguousOrInvalidUniqueInput, entity,
			"input matches %d unique constraints, expected exactly one", len(matched)).
			WithOperation("resolveUniqueConstraint").WithFields(sortedKeys(where)...)
	}
	return matched[0], nil
}

// MatchUniqueSets returns the unique constraints of def whose fields are all
// present with non-nil values in where.
func MatchUniqueSets(def *EntityDefinition, where map[string]any) [][]string {
	var matched [][]string
	seen := make(map[string]bool)
	for _, set := range def.UniqueSets() {
		complete := len(set) > 0
		for _, f := range set {
			if v, ok := where[f]; !ok || v == nil {
				complete = false
				break
			}
		}
		key := strings.Join(set, "\x00")
		if complete && !seen[key] {
			seen[key] = true
			matched = append(matched, set)
		}
	}
	return matched
}

// Dependent is an owning relation that points at another entity.
type Dependent struct {
	Entity   *EntityDefinition
	Relation RelationDefinition
}

// Dependents lists the owning relations of every entity that target entity.
func (r *Registry) Dependents(entity string) []Dependent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var deps []Dependent
	for _, name := range r.order {
		def := r.entities[name]
		for _, rel := range def.Relations {
			if rel.Owner && rel.Target == entity {
				deps = append(deps, Dependent{Entity: def, Relation: rel})
			}
		}
	}
	return deps
}

// InverseRelation finds the relation on the target side that mirrors rel.
func (r *Registry) InverseRelation(owner string, rel RelationDefinition) (RelationDefinition, bool) {
	target, err := r.Entity(rel.Target)
	if err != nil {
		return RelationDefinition{}, false
	}
	for _, candidate := range target.Relations {
		if candidate.Target == owner && candidate.Owner != rel.Owner &&
			equalFields(candidate.Fields, rel.References) && equalFields(candidate.References, rel.Fields) {
			return candidate, true
		}
	}
	return RelationDefinition{}, false
}

// TopologicalOrder returns entities so that every relation target precedes
// the entities owning a foreign key to it. Cycles fall back to name order.
func (r *Registry) TopologicalOrder() []*EntityDefinition {
	defs := r.Entities()
	byName := make(map[string]*EntityDefinition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}

	visited := make(map[string]int)
	var out []*EntityDefinition
	var visit func(d *EntityDefinition)
	visit = func(d *EntityDefinition) {
		switch visited[d.Name] {
		case 1, 2:
			return
		}
		visited[d.Name] = 1
		for _, rel := range d.Relations {
			if rel.Owner && rel.Target != d.Name {
				if target, ok := byName[rel.Target]; ok {
					visit(target)
				}
			}
		}
		visited[d.Name] = 2
		out = append(out, d)
	}
	for _, d := range defs {
		visit(d)
	}
	return out
}

// Levels groups TopologicalOrder into dependency levels. Entities of one
// level own no foreign key into the same or a later level, so a level can be
// loaded in parallel once the levels before it are complete. Naming entities
// restricts the result to them; levels left empty are dropped.
func (r *Registry) Levels(only ...string) [][]*EntityDefinition {
	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		wanted[name] = true
	}

	order := r.TopologicalOrder()
	level := make(map[string]int, len(order))
	var all [][]*EntityDefinition
	for _, d := range order {
		n := 0
		for _, rel := range d.Relations {
			if !rel.Owner || rel.Target == d.Name {
				continue
			}
			if l, ok := level[rel.Target]; ok && l+1 > n {
				n = l + 1
			}
		}
		level[d.Name] = n
		for len(all) <= n {
			all = append(all, nil)
		}
		all[n] = append(all[n], d)
	}
	if len(only) == 0 {
		return all
	}

	var out [][]*EntityDefinition
	for _, defs := range all {
		var kept []*EntityDefinition
		for _, d := range defs {
			if wanted[d.Name] {
				kept = append(kept, d)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out
}

func normalizeEntity(def EntityDefinition) (*EntityDefinition, error) {
	out := def
	out.PrimaryKey = slices.Clone(def.PrimaryKey)
	out.Uniques = slices.Clone(def.Uniques)
	for i, set := range out.Uniques {
		out.Uniques[i] = slices.Clone(set)
	}
	out.Fields = make([]FieldDefinition, len(def.Fields))
	names := make(map[string]bool, len(def.Fields))

	if len(def.Fields) == 0 {
		return nil, errs.New(errs.KindInvalidData, def.Name, "entity declares no fields").WithOperation("registerEntity")
	}

	for i, f := range def.Fields {
		if names[f.Name] {
			return nil, errs.New(errs.KindInvalidData, def.Name, "duplicate field").WithOperation("registerEntity").WithFields(f.Name)
		}
		names[f.Name] = true
		kind, err := ParseKind(string(f.Kind))
		if err != nil {
			return nil, errs.New(errs.KindInvalidData, def.Name, "%v", err).WithOperation("registerEntity").WithFields(f.Name)
		}
		f.Kind = kind
		if f.Default != nil {
			rule := *f.Default
			if err := checkDefault(f, &rule); err != nil {
				return nil, errs.New(errs.KindInvalidData, def.Name, "%v", err).WithOperation("registerEntity").WithFields(f.Name)
			}
			f.Default = &rule
		}
		out.Fields[i] = f
	}

	if len(def.PrimaryKey) == 0 {
		return nil, errs.New(errs.KindInvalidData, def.Name, "entity declares no primary key").WithOperation("registerEntity")
	}
	for _, set := range out.UniqueSets() {
		if len(set) == 0 {
			return nil, errs.New(errs.KindInvalidData, def.Name, "empty unique constraint").WithOperation("registerEntity")
		}
		for _, f := range set {
			if !names[f] {
				return nil, errs.New(errs.KindUnknownField, def.Name, "unique constraint references unknown field").WithOperation("registerEntity").WithFields(f)
			}
		}
	}

	out.Relations = make([]RelationDefinition, len(def.Relations))
	for i, rel := range def.Relations {
		if names[rel.Name] {
			return nil, errs.New(errs.KindInvalidData, def.Name, "relation name clashes with a field").WithOperation("registerEntity").WithFields(rel.Name)
		}
		if rel.Cardinality != One && rel.Cardinality != Many {
			return nil, errs.New(errs.KindInvalidData, def.Name, "relation %s has invalid cardinality %q", rel.Name, rel.Cardinality).WithOperation("registerEntity")
		}
		if len(rel.Fields) == 0 || len(rel.Fields) != len(rel.References) {
			return nil, errs.New(errs.KindInvalidData, def.Name, "relation %s must pair fields with references", rel.Name).WithOperation("registerEntity")
		}
		nullable := false
		for _, f := range rel.Fields {
			field, ok := out.Field(f)
			if !ok {
				return nil, errs.New(errs.KindUnknownField, def.Name, "relation %s uses unknown field", rel.Name).WithOperation("registerEntity").WithFields(f)
			}
			nullable = nullable || field.Nullable
		}
		if rel.Owner {
			rel.Nullable = nullable
			if rel.OnDelete == "" {
				rel.OnDelete = Restrict
				if nullable {
					rel.OnDelete = SetNull
				}
			}
		}
		rel.Fields = slices.Clone(rel.Fields)
		rel.References = slices.Clone(rel.References)
		out.Relations[i] = rel
	}

	return &out, nil
}

func checkDefault(f FieldDefinition, rule *DefaultRule) error {
	switch rule.Kind {
	case DefaultStatic:
		v, err := Coerce(f.Kind, rule.Value)
		if err != nil {
			return fmt.Errorf("invalid default: %w", err)
		}
		rule.Value = v
	case DefaultNow:
		if f.Kind != KindDateTime {
			return fmt.Errorf("now() default requires a datetime field")
		}
	case DefaultAutoincrement:
		if f.Kind != KindInt && f.Kind != KindBigInt {
			return fmt.Errorf("autoincrement() default requires an integer field")
		}
	case DefaultUUID:
		if f.Kind != KindString {
			return fmt.Errorf("uuid() default requires a string field")
		}
	default:
		return fmt.Errorf("unknown default rule %q", rule.Kind)
	}
	return nil
}

func equalFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
