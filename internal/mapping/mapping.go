// Package mapping compiles declarative column mapping rules into a static
// row mapper. Rules are validated once at startup; mapping a row never
// consults configuration again.
package mapping

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrSchemaMismatch is returned when a file lacks a column the rules read.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrTransform is returned for a row whose values cannot be transformed.
	ErrTransform = errors.New("transform error")

	// ErrInvalidRule is returned when rules fail validation.
	ErrInvalidRule = errors.New("invalid mapping rule")
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Rule maps one source column onto one destination column.
type Rule struct {
	Source    string `yaml:"source"`
	Dest      string `yaml:"dest"`
	Transform string `yaml:"transform,omitempty"`
	// Type is the destination SQL type, used when the sink creates the table.
	Type     string `yaml:"type,omitempty"`
	Required bool   `yaml:"required,omitempty"`
}

// Unpivot turns each source row into one output row per listed column,
// naming the value after the column it came from.
type Unpivot struct {
	NameColumn  string `yaml:"name_column"`
	ValueColumn string `yaml:"value_column"`
	NamePrefix  string `yaml:"name_prefix,omitempty"`
	// Columns maps source column to signal name. An empty name means
	// NamePrefix + source column.
	Columns map[string]string `yaml:"columns"`
}

// Row is one mapped destination row, aligned with Mapper.Columns.
type Row []any

// Column describes a destination column.
type Column struct {
	Name string
	Type string
}

type compiledRule struct {
	Rule
	transform *Transform
}

type unpivotColumn struct {
	source string
	name   string
}

// Mapper is a compiled, validated rule set.
type Mapper struct {
	rules   []compiledRule
	unpivot []unpivotColumn
	columns []Column
}

// Compile validates rules and builds a Mapper. unpivot may be nil.
func Compile(rules []Rule, unpivot *Unpivot) (*Mapper, error) {
	if len(rules) == 0 && unpivot == nil {
		return nil, fmt.Errorf("%w: no column rules", ErrInvalidRule)
	}

	m := &Mapper{}
	seen := make(map[string]bool)
	addColumn := func(name, typ string) error {
		if !identPattern.MatchString(name) {
			return fmt.Errorf("%w: destination column %q is not a plain identifier", ErrInvalidRule, name)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return fmt.Errorf("%w: destination column %q mapped twice", ErrInvalidRule, name)
		}
		seen[key] = true
		m.columns = append(m.columns, Column{Name: name, Type: typ})
		return nil
	}

	for i, r := range rules {
		t, err := ParseTransform(r.Transform)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Dest, err)
		}
		if r.Dest == "" {
			r.Dest = r.Source
		}
		if r.Source == "" && !t.Constant() {
			return nil, fmt.Errorf("%w: rule %d (%s) has no source column and no const transform", ErrInvalidRule, i, r.Dest)
		}
		typ := r.Type
		if typ == "" {
			typ = t.ResultType()
		}
		if err := addColumn(r.Dest, typ); err != nil {
			return nil, err
		}
		m.rules = append(m.rules, compiledRule{Rule: r, transform: t})
	}

	if unpivot != nil {
		if len(unpivot.Columns) == 0 {
			return nil, fmt.Errorf("%w: unpivot lists no columns", ErrInvalidRule)
		}
		if err := addColumn(unpivot.NameColumn, TypeText); err != nil {
			return nil, fmt.Errorf("unpivot name column: %w", err)
		}
		if err := addColumn(unpivot.ValueColumn, TypeDouble); err != nil {
			return nil, fmt.Errorf("unpivot value column: %w", err)
		}
		for src, name := range unpivot.Columns {
			if name == "" {
				name = unpivot.NamePrefix + src
			}
			m.unpivot = append(m.unpivot, unpivotColumn{source: src, name: name})
		}
		sort.Slice(m.unpivot, func(i, j int) bool { return m.unpivot[i].source < m.unpivot[j].source })
	}

	return m, nil
}

// Columns returns destination column names in row order.
func (m *Mapper) Columns() []string {
	out := make([]string, len(m.columns))
	for i, c := range m.columns {
		out[i] = c.Name
	}
	return out
}

// ColumnTypes returns destination columns with their SQL types. Types may
// be empty when neither the rule nor its transform fixes one.
func (m *Mapper) ColumnTypes() []Column {
	return append([]Column(nil), m.columns...)
}

// SourceColumns returns every source column the mapper reads.
func (m *Mapper) SourceColumns() []string {
	var out []string
	for _, r := range m.rules {
		if r.Source != "" && !r.transform.Constant() {
			out = append(out, r.Source)
		}
	}
	for _, u := range m.unpivot {
		out = append(out, u.source)
	}
	return out
}

// Bind resolves source columns against a file schema. A missing column
// fails with ErrSchemaMismatch.
func (m *Mapper) Bind(schema []string) (*Binding, error) {
	pos := make(map[string]int, len(schema))
	for i, name := range schema {
		pos[name] = i
	}

	var missing []string
	lookup := func(name string) int {
		i, ok := pos[name]
		if !ok {
			missing = append(missing, name)
			return -1
		}
		return i
	}

	b := &Binding{m: m, width: len(schema)}
	for _, r := range m.rules {
		if r.Source == "" || r.transform.Constant() {
			b.ruleIdx = append(b.ruleIdx, -1)
			continue
		}
		b.ruleIdx = append(b.ruleIdx, lookup(r.Source))
	}
	for _, u := range m.unpivot {
		b.unpivotIdx = append(b.unpivotIdx, lookup(u.source))
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing source column(s) %s", ErrSchemaMismatch, strings.Join(missing, ", "))
	}
	return b, nil
}

// Binding is a Mapper bound to one file's column positions.
type Binding struct {
	m          *Mapper
	width      int
	ruleIdx    []int
	unpivotIdx []int
}

// Map transforms one source record into zero or more destination rows.
// Each returned error wraps ErrTransform and stands for one skipped row.
func (b *Binding) Map(values []any) ([]Row, []error) {
	if len(values) != b.width {
		return nil, []error{fmt.Errorf("%w: record has %d values, schema has %d", ErrTransform, len(values), b.width)}
	}

	base := make(Row, 0, len(b.m.columns))
	for i, r := range b.m.rules {
		var in any
		if idx := b.ruleIdx[i]; idx >= 0 {
			in = values[idx]
		}
		out, err := r.transform.Apply(in)
		if err != nil {
			return nil, []error{fmt.Errorf("%w: column %s: %v", ErrTransform, r.Dest, err)}
		}
		if out == nil && r.Required {
			return nil, []error{fmt.Errorf("%w: column %s: null value in required column", ErrTransform, r.Dest)}
		}
		base = append(base, out)
	}

	if len(b.m.unpivot) == 0 {
		return []Row{base}, nil
	}

	var (
		rows []Row
		errs []error
	)
	for i, u := range b.m.unpivot {
		v := values[b.unpivotIdx[i]]
		if v == nil {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: unpivot column %s: %v", ErrTransform, u.source, err))
			continue
		}
		row := make(Row, len(base), len(base)+2)
		copy(row, base)
		rows = append(rows, append(row, u.name, f))
	}
	return rows, errs
}
