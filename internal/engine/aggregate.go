package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/filter"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
)

const countAll = "_all"

// Aggregations selects the aggregates to compute. Count accepts "_all" for
// the number of records and field names for their non-null counts.
type Aggregations struct {
	Count []string
	Avg   []string
	Sum   []string
	Min   []string
	Max   []string
}

type AggregateArgs struct {
	Where   filter.Expr
	OrderBy []OrderBy
	Cursor  WhereUnique
	Take    *int
	Skip    int
	Aggregations
}

// AggregateResult holds the requested aggregates keyed by field. Avg, Sum,
// Min and Max are nil for a field with no non-null values.
type AggregateResult struct {
	Count map[string]int64 `json:"_count,omitempty"`
	Avg   map[string]any   `json:"_avg,omitempty"`
	Sum   map[string]any   `json:"_sum,omitempty"`
	Min   map[string]any   `json:"_min,omitempty"`
	Max   map[string]any   `json:"_max,omitempty"`
}

// Flatten returns the aggregates as dotted keys such as "_count._all" and
// "_sum.cases", the names having and orderBy refer to.
func (r AggregateResult) Flatten() schema.Record {
	out := make(schema.Record)
	for f, v := range r.Count {
		out["_count."+f] = v
	}
	for prefix, m := range map[string]map[string]any{"_avg": r.Avg, "_sum": r.Sum, "_min": r.Min, "_max": r.Max} {
		for f, v := range m {
			out[prefix+"."+f] = v
		}
	}
	return out
}

type GroupByArgs struct {
	By      []string
	Where   filter.Expr
	Having  filter.Expr
	OrderBy []OrderBy
	Take    *int
	Skip    int
	Aggregations
}

// Group is one groupBy bucket: the values of the By fields and the
// aggregates over its records.
type Group struct {
	Key schema.Record
	AggregateResult
}

// Record merges the key and the flattened aggregates.
func (g Group) Record() schema.Record {
	out := g.Flatten()
	for k, v := range g.Key {
		out[k] = v
	}
	return out
}

func (d *Delegate) Aggregate(ctx context.Context, args AggregateArgs) (AggregateResult, error) {
	var q *compiledQuery
	err := d.prepare("aggregate", func() error {
		if err := checkAggregations(d.def, args.Aggregations); err != nil {
			return err
		}
		var err error
		q, err = d.client.compileQuery(d.def, FindManyArgs{
			Where: args.Where, OrderBy: args.OrderBy, Cursor: args.Cursor, Take: args.Take, Skip: args.Skip,
		})
		return err
	})
	if err != nil {
		return AggregateResult{}, err
	}

	var result AggregateResult
	err = d.run(ctx, "aggregate", false, func(s *session) error {
		rows, err := s.findMany(ctx, d.def, q)
		if err != nil {
			return err
		}
		result, err = aggregate(d.def, rows, args.Aggregations)
		return err
	})
	return result, err
}

// GroupBy partitions the filtered records by the By fields. Groups keep the
// order in which their first record was seen unless OrderBy says otherwise;
// Having is evaluated against Group.Record.
func (d *Delegate) GroupBy(ctx context.Context, args GroupByArgs) ([]Group, error) {
	var (
		where  filter.Expr
		having filter.Expr
		order  []OrderBy
		aggs   Aggregations
	)
	err := d.prepare("groupBy", func() error {
		var err error
		if where, err = filter.Compile(d.client.registry, d.def, args.Where); err != nil {
			return err
		}
		if err := checkGroupBy(d.def, args.By); err != nil {
			return err
		}
		if err := checkAggregations(d.def, args.Aggregations); err != nil {
			return err
		}
		if args.Skip < 0 {
			return errs.New(errs.KindInvalidData, d.def.Name, "skip must not be negative")
		}
		synthetic := groupDefinition(d.def, args.By)
		if having, err = compileHaving(d.client.registry, d.def, synthetic, args.By, args.Having); err != nil {
			return err
		}
		if order, err = groupOrder(d.def, synthetic, args.By, args.OrderBy); err != nil {
			return err
		}
		aggs = withReferenced(args.Aggregations, filter.LeafFields(having), order)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var groups []Group
	err = d.run(ctx, "groupBy", false, func(s *session) error {
		rows, err := s.scan(ctx, d.def, where)
		if err != nil {
			return err
		}

		var keys []string
		buckets := make(map[string][]schema.Record)
		for _, row := range rows {
			k := schema.KeyString(row.Key(args.By))
			if _, ok := buckets[k]; !ok {
				keys = append(keys, k)
			}
			buckets[k] = append(buckets[k], row)
		}

		synthetic := groupDefinition(d.def, args.By)
		evaluator := filter.NewEvaluator(d.client.registry, nil)
		var records []schema.Record
		for _, k := range keys {
			members := buckets[k]
			agg, err := aggregate(d.def, members, aggs)
			if err != nil {
				return err
			}
			g := Group{Key: members[0].Pick(args.By), AggregateResult: agg}
			record := g.Record()
			ok, err := evaluator.Match(ctx, synthetic, having, record)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			groups = append(groups, g)
			records = append(records, record)
		}

		if len(order) > 0 {
			idx := make([]int, len(groups))
			for i := range idx {
				idx[i] = i
			}
			sort.SliceStable(idx, func(a, b int) bool {
				return compareRecords(records[idx[a]], records[idx[b]], order) < 0
			})
			sorted := make([]Group, len(groups))
			for i, j := range idx {
				sorted[i] = groups[j]
			}
			groups = sorted
		}

		groups = windowGroups(groups, args.Skip, args.Take)
		for i := range groups {
			groups[i].AggregateResult = requested(groups[i].AggregateResult, args.Aggregations)
		}
		return nil
	})
	return groups, err
}

func windowGroups(groups []Group, skip int, take *int) []Group {
	if take != nil && *take < 0 {
		end := len(groups) - skip
		if end <= 0 {
			return nil
		}
		start := end + *take
		if start < 0 {
			start = 0
		}
		return groups[start:end]
	}
	if skip >= len(groups) {
		return nil
	}
	groups = groups[skip:]
	if take != nil && *take < len(groups) {
		groups = groups[:*take]
	}
	return groups
}

func checkGroupBy(def *schema.EntityDefinition, by []string) error {
	if len(by) == 0 {
		return errs.New(errs.KindInvalidGroupBy, def.Name, "groupBy needs at least one field")
	}
	seen := make(map[string]bool, len(by))
	for _, f := range by {
		if _, ok := def.Field(f); !ok {
			return errs.New(errs.KindInvalidGroupBy, def.Name, "groupBy references an undeclared field").WithFields(f)
		}
		if seen[f] {
			return errs.New(errs.KindInvalidGroupBy, def.Name, "field %s is listed twice", f).WithFields(f)
		}
		seen[f] = true
	}
	return nil
}

func checkAggregations(def *schema.EntityDefinition, a Aggregations) error {
	for _, f := range a.Count {
		if f == countAll {
			continue
		}
		if _, ok := def.Field(f); !ok {
			return errs.New(errs.KindInvalidAggregateField, def.Name, "_count references an undeclared field").WithFields(f)
		}
	}
	for name, fields := range map[string][]string{"_avg": a.Avg, "_sum": a.Sum} {
		for _, f := range fields {
			field, ok := def.Field(f)
			if !ok {
				return errs.New(errs.KindInvalidAggregateField, def.Name, "%s references an undeclared field", name).WithFields(f)
			}
			if !field.Kind.Numeric() {
				return errs.New(errs.KindInvalidAggregateField, def.Name, "%s requires a numeric field, %s is %s", name, f, field.Kind).WithFields(f)
			}
		}
	}
	for name, fields := range map[string][]string{"_min": a.Min, "_max": a.Max} {
		for _, f := range fields {
			if _, ok := def.Field(f); !ok {
				return errs.New(errs.KindInvalidAggregateField, def.Name, "%s references an undeclared field", name).WithFields(f)
			}
		}
	}
	return nil
}

// groupDefinition describes the synthetic group record: the By fields plus
// every aggregate that can be computed over def.
func groupDefinition(def *schema.EntityDefinition, by []string) *schema.EntityDefinition {
	synthetic := &schema.EntityDefinition{Name: def.Name}
	for _, f := range by {
		field, _ := def.Field(f)
		synthetic.Fields = append(synthetic.Fields, field)
	}
	synthetic.Fields = append(synthetic.Fields, schema.FieldDefinition{Name: "_count." + countAll, Kind: schema.KindBigInt})
	for _, f := range def.Fields {
		synthetic.Fields = append(synthetic.Fields,
			schema.FieldDefinition{Name: "_count." + f.Name, Kind: schema.KindBigInt},
			schema.FieldDefinition{Name: "_min." + f.Name, Kind: f.Kind, Nullable: true},
			schema.FieldDefinition{Name: "_max." + f.Name, Kind: f.Kind, Nullable: true},
		)
		if f.Kind.Numeric() {
			synthetic.Fields = append(synthetic.Fields,
				schema.FieldDefinition{Name: "_sum." + f.Name, Kind: f.Kind, Nullable: true},
				schema.FieldDefinition{Name: "_avg." + f.Name, Kind: schema.KindFloat, Nullable: true},
			)
		}
	}
	return synthetic
}

func compileHaving(registry *schema.Registry, def, synthetic *schema.EntityDefinition, by []string, having filter.Expr) (filter.Expr, error) {
	if having == nil {
		return nil, nil
	}
	if err := checkGroupReferences(def, synthetic, by, "having", havingFields(having)); err != nil {
		return nil, err
	}
	compiled, err := filter.Compile(registry, synthetic, having)
	if err != nil {
		return nil, err
	}
	return compiled, nil
}

// havingFields lists leaf fields and fails relation filters by returning
// their names, which never resolve on the synthetic record.
func havingFields(expr filter.Expr) []string {
	var out []string
	var walk func(e filter.Expr)
	walk = func(e filter.Expr) {
		switch x := e.(type) {
		case *filter.Leaf:
			out = append(out, x.Field)
		case filter.And:
			for _, c := range x {
				walk(c)
			}
		case filter.Or:
			for _, c := range x {
				walk(c)
			}
		case *filter.Not:
			walk(x.Expr)
		case *filter.Relation:
			out = append(out, x.Name)
		}
	}
	walk(expr)
	return out
}

func groupOrder(def, synthetic *schema.EntityDefinition, by []string, orderBy []OrderBy) ([]OrderBy, error) {
	fields := make([]string, len(orderBy))
	for i, o := range orderBy {
		fields[i] = o.Field
	}
	if err := checkGroupReferences(def, synthetic, by, "orderBy", fields); err != nil {
		return nil, err
	}
	out := make([]OrderBy, 0, len(orderBy))
	for _, o := range orderBy {
		normalized, err := normalizeOrder(def.Name, o)
		if err != nil {
			return nil, err
		}
		out = append(out, normalized)
	}
	return out, nil
}

// checkGroupReferences rejects plain fields outside by and aggregates over
// undeclared or non-numeric fields.
func checkGroupReferences(def, synthetic *schema.EntityDefinition, by []string, clause string, fields []string) error {
	inBy := make(map[string]bool, len(by))
	for _, f := range by {
		inBy[f] = true
	}
	for _, f := range fields {
		if strings.HasPrefix(f, "_") && strings.Contains(f, ".") {
			if _, ok := synthetic.Field(f); !ok {
				return errs.New(errs.KindInvalidAggregateField, def.Name, "%s references an unknown aggregate", clause).WithFields(f)
			}
			continue
		}
		if !inBy[f] {
			return errs.New(errs.KindInvalidGroupBy, def.Name,
				"%s references %s, which is not part of the groupBy fields", clause, f).WithFields(f)
		}
	}
	return nil
}

// withReferenced extends a with the aggregates that having and orderBy refer
// to, so they are available on the group record.
func withReferenced(a Aggregations, having []string, order []OrderBy) Aggregations {
	refs := append([]string(nil), having...)
	for _, o := range order {
		refs = append(refs, o.Field)
	}
	out := Aggregations{
		Count: append([]string(nil), a.Count...),
		Avg:   append([]string(nil), a.Avg...),
		Sum:   append([]string(nil), a.Sum...),
		Min:   append([]string(nil), a.Min...),
		Max:   append([]string(nil), a.Max...),
	}
	for _, ref := range refs {
		prefix, field, ok := strings.Cut(ref, ".")
		if !ok {
			continue
		}
		switch prefix {
		case "_count":
			out.Count = append(out.Count, field)
		case "_avg":
			out.Avg = append(out.Avg, field)
		case "_sum":
			out.Sum = append(out.Sum, field)
		case "_min":
			out.Min = append(out.Min, field)
		case "_max":
			out.Max = append(out.Max, field)
		}
	}
	return out
}

// requested drops aggregates that were only computed for having or orderBy.
func requested(r AggregateResult, a Aggregations) AggregateResult {
	pick := func(m map[string]any, fields []string) map[string]any {
		if len(fields) == 0 {
			return nil
		}
		out := make(map[string]any, len(fields))
		for _, f := range fields {
			out[f] = m[f]
		}
		return out
	}
	var count map[string]int64
	if len(a.Count) > 0 {
		count = make(map[string]int64, len(a.Count))
		for _, f := range a.Count {
			count[f] = r.Count[f]
		}
	}
	return AggregateResult{
		Count: count,
		Avg:   pick(r.Avg, a.Avg),
		Sum:   pick(r.Sum, a.Sum),
		Min:   pick(r.Min, a.Min),
		Max:   pick(r.Max, a.Max),
	}
}

func aggregate(def *schema.EntityDefinition, rows []schema.Record, a Aggregations) (AggregateResult, error) {
	var result AggregateResult

	if len(a.Count) > 0 {
		result.Count = make(map[string]int64, len(a.Count))
		for _, f := range a.Count {
			if f == countAll {
				result.Count[f] = int64(len(rows))
				continue
			}
			var n int64
			for _, row := range rows {
				if row[f] != nil {
					n++
				}
			}
			result.Count[f] = n
		}
	}

	if len(a.Sum) > 0 {
		result.Sum = make(map[string]any, len(a.Sum))
		for _, f := range a.Sum {
			total, err := sum(def, rows, f)
			if err != nil {
				return result, err
			}
			result.Sum[f] = total
		}
	}
	if len(a.Avg) > 0 {
		result.Avg = make(map[string]any, len(a.Avg))
		for _, f := range a.Avg {
			result.Avg[f] = avg(rows, f)
		}
	}
	if len(a.Min) > 0 {
		result.Min = make(map[string]any, len(a.Min))
		for _, f := range a.Min {
			result.Min[f] = extreme(rows, f, -1)
		}
	}
	if len(a.Max) > 0 {
		result.Max = make(map[string]any, len(a.Max))
		for _, f := range a.Max {
			result.Max[f] = extreme(rows, f, 1)
		}
	}
	return result, nil
}

func sum(def *schema.EntityDefinition, rows []schema.Record, f string) (any, error) {
	field, _ := def.Field(f)
	var (
		seen bool
		ints int64
		flts float64
	)
	for _, row := range rows {
		switch v := row[f].(type) {
		case int64:
			if field.Kind != schema.KindFloat {
				var ok bool
				if ints, ok = addInt64(ints, v); !ok {
					return nil, errs.New(errs.KindInvalidData, def.Name, "sum overflows the integer range").WithFields(f)
				}
			}
			flts += float64(v)
			seen = true
		case float64:
			flts += v
			seen = true
		}
	}
	if !seen {
		return nil, nil
	}
	if field.Kind == schema.KindFloat {
		return flts, nil
	}
	return ints, nil
}

func avg(rows []schema.Record, f string) any {
	var (
		n     int
		total float64
	)
	for _, row := range rows {
		switch v := row[f].(type) {
		case int64:
			total += float64(v)
			n++
		case float64:
			total += v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return total / float64(n)
}

// extreme returns the minimum (sign -1) or maximum (sign 1) non-null value.
func extreme(rows []schema.Record, f string, sign int) any {
	var best any
	for _, row := range rows {
		v := row[f]
		if v == nil {
			continue
		}
		if best == nil || schema.Compare(v, best)*sign > 0 {
			best = v
		}
	}
	return best
}
