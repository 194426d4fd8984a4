package schema

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type fileSchema struct {
	Entities []fileEntity `yaml:"entities"`
}

type fileEntity struct {
	Name       string         `yaml:"name"`
	Table      string         `yaml:"table,omitempty"`
	PrimaryKey []string       `yaml:"primary_key,flow"`
	Unique     [][]string     `yaml:"unique,omitempty,flow"`
	Fields     []fileField    `yaml:"fields"`
	Relations  []fileRelation `yaml:"relations,omitempty"`
}

type fileField struct {
	Name     string       `yaml:"name"`
	Kind     string       `yaml:"kind"`
	Nullable bool         `yaml:"nullable,omitempty"`
	Default  *fileDefault `yaml:"default,omitempty"`
}

type fileRelation struct {
	Name        string   `yaml:"name"`
	Target      string   `yaml:"target"`
	Cardinality string   `yaml:"cardinality"`
	Owner       bool     `yaml:"owner,omitempty"`
	Fields      []string `yaml:"fields,flow"`
	References  []string `yaml:"references,flow"`
	OnDelete    string   `yaml:"on_delete,omitempty"`
}

// fileDefault accepts `autoincrement()`, `now()`, `uuid()` or a literal.
type fileDefault struct {
	rule DefaultRule
}

func (d *fileDefault) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: default must be a scalar", node.Line)
	}
	switch strings.TrimSpace(node.Value) {
	case "autoincrement()":
		d.rule = DefaultRule{Kind: DefaultAutoincrement}
		return nil
	case "now()":
		d.rule = DefaultRule{Kind: DefaultNow}
		return nil
	case "uuid()":
		d.rule = DefaultRule{Kind: DefaultUUID}
		return nil
	}
	var value any
	if err := node.Decode(&value); err != nil {
		return err
	}
	d.rule = DefaultRule{Kind: DefaultStatic, Value: value}
	return nil
}

func (d fileDefault) MarshalYAML() (any, error) {
	switch d.rule.Kind {
	case DefaultStatic:
		if t, ok := d.rule.Value.(time.Time); ok {
			return t.Format(time.RFC3339Nano), nil
		}
		return d.rule.Value, nil
	default:
		return string(d.rule.Kind) + "()", nil
	}
}

// LoadFile reads a YAML schema file and returns a validated registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return Load(data)
}

// Load parses a YAML schema document.
func Load(data []byte) (*Registry, error) {
	var doc fileSchema
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	registry := NewRegistry()
	for _, entity := range doc.Entities {
		def, err := entity.definition()
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", entity.Name, err)
		}
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}

	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return registry, nil
}

func (e fileEntity) definition() (EntityDefinition, error) {
	def := EntityDefinition{
		Name:       e.Name,
		Table:      e.Table,
		PrimaryKey: e.PrimaryKey,
		Uniques:    e.Unique,
	}

	for _, f := range e.Fields {
		kind, err := ParseKind(f.Kind)
		if err != nil {
			return def, fmt.Errorf("field %s: %w", f.Name, err)
		}
		field := FieldDefinition{Name: f.Name, Kind: kind, Nullable: f.Nullable}
		if f.Default != nil {
			rule := f.Default.rule
			field.Default = &rule
		}
		def.Fields = append(def.Fields, field)
	}

	for _, r := range e.Relations {
		def.Relations = append(def.Relations, RelationDefinition{
			Name:        r.Name,
			Target:      r.Target,
			Cardinality: Cardinality(strings.ToLower(r.Cardinality)),
			Owner:       r.Owner,
			Fields:      r.Fields,
			References:  r.References,
			OnDelete:    OnDelete(r.OnDelete),
		})
	}
	return def, nil
}

// Marshal renders the registry in the YAML schema format understood by Load.
func Marshal(registry *Registry) ([]byte, error) {
	var doc fileSchema
	for _, def := range registry.Entities() {
		entity := fileEntity{
			Name:       def.Name,
			Table:      def.Table,
			PrimaryKey: def.PrimaryKey,
			Unique:     def.Uniques,
		}
		for _, f := range def.Fields {
			field := fileField{Name: f.Name, Kind: string(f.Kind), Nullable: f.Nullable}
			if f.Default != nil {
				field.Default = &fileDefault{rule: *f.Default}
			}
			entity.Fields = append(entity.Fields, field)
		}
		for _, r := range def.Relations {
			rel := fileRelation{
				Name:        r.Name,
				Target:      r.Target,
				Cardinality: string(r.Cardinality),
				Owner:       r.Owner,
				Fields:      r.Fields,
				References:  r.References,
			}
			if r.Owner {
				rel.OnDelete = string(r.OnDelete)
			}
			entity.Relations = append(entity.Relations, rel)
		}
		doc.Entities = append(doc.Entities, entity)
	}
	return yaml.Marshal(doc)
}
