package store

import (
	"fmt"
	"math"
	"regexp"
)

// validIdentifier matches table and column names. They are interpolated
// into SQL by sqlstore, so nothing outside this set is accepted.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ColumnType is the type of a column's values.
type ColumnType string

const (
	ColumnInt  ColumnType = "int"
	ColumnText ColumnType = "text"
)

// Column describes one column of a table. The row id is implicit and never
// listed as a column.
type Column struct {
	Name string     `yaml:"name"`
	Type ColumnType `yaml:"type"`
}

// Table is the fixed schema every snapshot of a table is validated against.
type Table struct {
	Name    string   `yaml:"name"`
	Columns []Column `yaml:"columns"`
}

// Validate checks identifiers, column types and duplicate columns.
func (t Table) Validate() error {
	if !validIdentifier.MatchString(t.Name) {
		return fmt.Errorf("invalid table name %q", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if !validIdentifier.MatchString(c.Name) {
			return fmt.Errorf("table %s: invalid column name %q", t.Name, c.Name)
		}
		if c.Name == "id" {
			return fmt.Errorf("table %s: column name %q is reserved for the row id", t.Name, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
		if c.Type != ColumnInt && c.Type != ColumnText {
			return fmt.Errorf("table %s: column %s: unknown type %q (want int or text)", t.Name, c.Name, c.Type)
		}
	}
	return nil
}

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// CheckValues normalizes values against the schema. Every key must be a
// known column with a value of the column's type. When complete is set,
// every column must be present.
func (t Table) CheckValues(values map[string]any, complete bool) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for name, v := range values {
		col, ok := t.Column(name)
		if !ok {
			return nil, fmt.Errorf("table %s: unknown column %q", t.Name, name)
		}
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("table %s: column %s: %w", t.Name, name, err)
		}
		if !col.Accepts(nv) {
			return nil, fmt.Errorf("table %s: column %s: value %v is not %s", t.Name, name, v, col.Type)
		}
		out[name] = nv
	}
	if complete {
		for _, c := range t.Columns {
			if _, ok := out[c.Name]; !ok {
				return nil, fmt.Errorf("table %s: missing column %q", t.Name, c.Name)
			}
		}
	}
	return out, nil
}

// Accepts reports whether a normalized value has the column's type.
func (c Column) Accepts(v any) bool {
	switch v.(type) {
	case int64:
		return c.Type == ColumnInt
	case string:
		return c.Type == ColumnText
	}
	return false
}

// NormalizeValue converts a decoded scalar into int64 or string.
// YAML and database drivers hand back several integer widths, and []byte
// for text columns.
func NormalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return int64(val), nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("non-integral number %v", val)
		}
		return int64(val), nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case nil:
		return nil, fmt.Errorf("null values are not supported")
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
