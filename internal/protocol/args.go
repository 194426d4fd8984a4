package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/filter"
)

// args wraps the raw argument object of a request and records the first
// decoding failure.
type args struct {
	raw map[string]any
	err error
}

func (a *args) fail(key, format string, v ...any) {
	if a.err == nil {
		a.err = fmt.Errorf("%s: %s", key, fmt.Sprintf(format, v...))
	}
}

// check rejects keys the operation does not understand.
func (a *args) check(allowed ...string) {
	known := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		known[k] = true
	}
	for _, k := range sortedKeys(a.raw) {
		if !known[k] {
			a.fail(k, "not accepted by this operation")
		}
	}
}

func (a *args) object(key string) map[string]any {
	v, ok := a.raw[key]
	if !ok || v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		a.fail(key, "expected an object, got %T", v)
	}
	return m
}

func (a *args) objects(key string) []map[string]any {
	v, ok := a.raw[key]
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		a.fail(key, "expected a list, got %T", v)
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			a.fail(key, "expected objects, got %T", item)
			return nil
		}
		out = append(out, m)
	}
	return out
}

func (a *args) names(key string) []string {
	v, ok := a.raw[key]
	if !ok || v == nil {
		return nil
	}
	switch x := v.(type) {
	case string:
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				a.fail(key, "expected field names, got %T", item)
				return nil
			}
			out = append(out, s)
		}
		return out
	}
	a.fail(key, "expected a list of field names, got %T", v)
	return nil
}

func (a *args) boolean(key string) bool {
	v, ok := a.raw[key]
	if !ok || v == nil {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		a.fail(key, "expected a boolean, got %T", v)
	}
	return b
}

func (a *args) integer(key string) (int, bool) {
	v, ok := a.raw[key]
	if !ok || v == nil {
		return 0, false
	}
	n, err := toInt(v)
	if err != nil {
		a.fail(key, "%v", err)
		return 0, false
	}
	return n, true
}

func (a *args) where(key string) filter.Expr {
	m := a.object(key)
	if m == nil {
		return nil
	}
	expr, err := filter.Parse(m)
	if err != nil && a.err == nil {
		a.err = err
	}
	return expr
}

func (a *args) unique(key string) engine.WhereUnique {
	m := a.object(key)
	if m == nil {
		return nil
	}
	return engine.WhereUnique(m)
}

func (a *args) take() *int {
	n, ok := a.integer("take")
	if !ok {
		return nil
	}
	return engine.Int(n)
}

func (a *args) skip() int {
	n, _ := a.integer("skip")
	return n
}

// selection reads {"field": true, ...} into a field list.
func (a *args) selection() []string {
	m := a.object("select")
	var out []string
	for _, k := range sortedKeys(m) {
		switch v := m[k].(type) {
		case bool:
			if v {
				out = append(out, k)
			}
		default:
			a.fail("select", "%s: expected a boolean, got %T", k, v)
		}
	}
	return out
}

// include reads {"relation": true | {findMany args}}.
func (a *args) include() map[string]*engine.FindManyArgs {
	m := a.object("include")
	if m == nil {
		return nil
	}
	out := make(map[string]*engine.FindManyArgs, len(m))
	for _, name := range sortedKeys(m) {
		switch v := m[name].(type) {
		case bool:
			if v {
				out[name] = nil
			}
		case map[string]any:
			nested := &args{raw: v}
			nested.check("where", "orderBy", "cursor", "take", "skip", "distinct", "select", "include")
			fm := nested.findMany()
			if nested.err != nil {
				a.fail("include", "%s: %v", name, nested.err)
				return nil
			}
			out[name] = &fm
		default:
			a.fail("include", "%s: expected a boolean or an object, got %T", name, v)
		}
	}
	return out
}

// orderBy accepts one object or a list of objects, each naming one field:
// {"name": "asc"}, {"score": {"sort": "desc", "nulls": "last"}} or, for
// groupBy, {"_sum": {"cases": "desc"}}.
func (a *args) orderBy() []engine.OrderBy {
	v, ok := a.raw["orderBy"]
	if !ok || v == nil {
		return nil
	}
	var items []map[string]any
	switch x := v.(type) {
	case map[string]any:
		items = []map[string]any{x}
	case []any:
		for _, item := range x {
			m, ok := item.(map[string]any)
			if !ok {
				a.fail("orderBy", "expected objects, got %T", item)
				return nil
			}
			items = append(items, m)
		}
	default:
		a.fail("orderBy", "expected an object or a list, got %T", v)
		return nil
	}

	var out []engine.OrderBy
	for _, item := range items {
		if len(item) != 1 {
			a.fail("orderBy", "each entry names exactly one field; use a list to sort by several")
			return nil
		}
		for field, spec := range item {
			if strings.HasPrefix(field, "_") {
				inner, ok := spec.(map[string]any)
				if !ok {
					a.fail("orderBy", "%s expects an object", field)
					return nil
				}
				for _, sub := range sortedKeys(inner) {
					o, err := orderSpec(field+"."+sub, inner[sub])
					if err != nil {
						a.fail("orderBy", "%v", err)
						return nil
					}
					out = append(out, o)
				}
				continue
			}
			o, err := orderSpec(field, spec)
			if err != nil {
				a.fail("orderBy", "%v", err)
				return nil
			}
			out = append(out, o)
		}
	}
	return out
}

func orderSpec(field string, spec any) (engine.OrderBy, error) {
	switch s := spec.(type) {
	case string:
		return engine.OrderBy{Field: field, Direction: engine.Direction(s)}, nil
	case map[string]any:
		o := engine.OrderBy{Field: field}
		if dir, ok := s["sort"].(string); ok {
			o.Direction = engine.Direction(dir)
		}
		if nulls, ok := s["nulls"].(string); ok {
			o.Nulls = engine.NullsOrder(nulls)
		}
		return o, nil
	}
	return engine.OrderBy{}, fmt.Errorf("%s: expected a direction, got %T", field, spec)
}

func (a *args) findMany() engine.FindManyArgs {
	return engine.FindManyArgs{
		Where:    a.where("where"),
		OrderBy:  a.orderBy(),
		Cursor:   a.unique("cursor"),
		Take:     a.take(),
		Skip:     a.skip(),
		Distinct: a.names("distinct"),
		Select:   a.selection(),
		Include:  a.include(),
	}
}

// aggregations reads _count, _avg, _sum, _min and _max selections. _count
// also accepts true as a shorthand for {"_all": true}.
func (a *args) aggregations() engine.Aggregations {
	var out engine.Aggregations
	if v, ok := a.raw["_count"]; ok {
		if b, isBool := v.(bool); isBool {
			if b {
				out.Count = []string{"_all"}
			}
		} else {
			out.Count = a.flags("_count")
		}
	}
	out.Avg = a.flags("_avg")
	out.Sum = a.flags("_sum")
	out.Min = a.flags("_min")
	out.Max = a.flags("_max")
	return out
}

func (a *args) flags(key string) []string {
	m := a.object(key)
	var out []string
	for _, k := range sortedKeys(m) {
		if b, ok := m[k].(bool); ok && b {
			out = append(out, k)
		}
	}
	return out
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
