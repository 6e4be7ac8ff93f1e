// Package schema describes what a valid row looks like.
//
// A Schema is either header-based (the first row names the columns and
// FieldSpecs refer to them by name) or positional (no header, FieldSpecs
// apply to columns in order). Schemas are registered by key at init time
// and picked per submission.
package schema

import (
	"strings"
)

// FieldType represents the expected data type for a column.
type FieldType int

const (
	FieldText FieldType = iota
	FieldEnum
	FieldDate
	FieldNumeric
	FieldBool
	FieldInteger
)

func (t FieldType) String() string {
	switch t {
	case FieldText:
		return "text"
	case FieldEnum:
		return "enum"
	case FieldDate:
		return "date"
	case FieldNumeric:
		return "numeric"
	case FieldBool:
		return "bool"
	case FieldInteger:
		return "integer"
	default:
		return "value"
	}
}

// FieldSpec defines validation rules for a single column.
type FieldSpec struct {
	Name       string              // Header name (header schemas) or label (positional)
	Type       FieldType           // Expected data type
	Required   bool                // Column must exist and cells must be non-empty
	AllowEmpty bool                // Empty cells are allowed even when Required
	EnumValues []string            // Valid values for FieldEnum
	Normalizer func(string) string // Optional transformation applied before type checks
}

// Rule is a row-level CEL expression that must evaluate to true.
//
// The expression sees `row` (map of lowercase column name to the coerced
// cell value, null when empty) and `row_number` (1-based data row index).
type Rule struct {
	Name    string
	Expr    string
	Message string
}

// Schema is a named row contract.
type Schema struct {
	Key         string
	Description string
	HeaderRow   bool        // first row is a header
	FieldSpecs  []FieldSpec // by name (HeaderRow) or by position
	Rules       []Rule
	MinRows     int // minimum number of data rows

	compiled []compiledRule
}

// Columns returns the declared column names in order.
func (s Schema) Columns() []string {
	cols := make([]string, len(s.FieldSpecs))
	for i, f := range s.FieldSpecs {
		cols[i] = f.Name
	}
	return cols
}

// HeaderIndex maps lowercase column names to their position in a row.
type HeaderIndex map[string]int

// MakeHeaderIndex builds a HeaderIndex from a header row.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := strings.ToLower(CleanCell(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

// positionalIndex maps spec names to their column position.
func positionalIndex(specs []FieldSpec) HeaderIndex {
	idx := make(HeaderIndex, len(specs))
	for i, s := range specs {
		idx[strings.ToLower(s.Name)] = i
	}
	return idx
}
