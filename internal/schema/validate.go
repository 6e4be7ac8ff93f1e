package schema

// validate.go checks data rows against a Schema.
//
// Validation happens at three levels:
//  1. Header: required columns must be present (header schemas only)
//  2. Cell: each cell is checked against its FieldSpec (type, format, enum values)
//  3. Rule: CEL rules see the coerced row and must return true
//
// Rules only run on rows whose cells all passed, so a rule never sees a
// half-coerced row.

import (
	"fmt"
	"strings"

	"github.com/JonMunkholm/fileflow/internal/core"
)

// Validator validates the data rows of one file.
type Validator struct {
	schema Schema
	index  HeaderIndex
}

// NewValidator prepares validation for a file. header is the file's first
// row for header schemas and ignored for positional ones.
func NewValidator(s Schema, header []string) (*Validator, error) {
	if !s.HeaderRow {
		return &Validator{schema: s, index: positionalIndex(s.FieldSpecs)}, nil
	}

	idx, err := ValidateHeaders(header, s.FieldSpecs)
	if err != nil {
		return nil, err
	}
	return &Validator{schema: s, index: idx}, nil
}

// ValidateHeaders checks that all required columns exist in the header row.
// Returns a mapping from column name to index.
func ValidateHeaders(header []string, specs []FieldSpec) (HeaderIndex, error) {
	idx := MakeHeaderIndex(header)
	var missing []string

	for _, spec := range specs {
		if spec.Required {
			if _, ok := idx[strings.ToLower(spec.Name)]; !ok {
				missing = append(missing, spec.Name)
			}
		}
	}

	if len(missing) > 0 {
		return nil, core.NewValidationError("header", "missing required column: %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

// ValidateRow returns every problem found in a data row. dataRow is the
// 1-based index among data rows, line the physical line in the file.
func (v *Validator) ValidateRow(dataRow, line int, cells []string) []core.RowError {
	var errs []core.RowError
	values := make(map[string]any, len(v.schema.FieldSpecs))

	for _, spec := range v.schema.FieldSpecs {
		key := strings.ToLower(spec.Name)
		raw := ""
		if pos, ok := v.index[key]; ok && pos < len(cells) {
			raw = CleanCell(cells[pos])
		}

		if raw == "" {
			if spec.Required && !spec.AllowEmpty {
				errs = append(errs, core.RowError{
					Row:     dataRow,
					Line:    line,
					Field:   spec.Name,
					Message: "required field is empty",
				})
			}
			values[key] = nil
			continue
		}

		if spec.Normalizer != nil {
			raw = spec.Normalizer(raw)
		}

		val, err := coerce(raw, spec)
		if err != nil {
			errs = append(errs, core.RowError{
				Row:     dataRow,
				Line:    line,
				Field:   spec.Name,
				Value:   raw,
				Message: err.Error(),
			})
			continue
		}
		values[key] = val
	}

	if len(errs) > 0 || len(v.schema.compiled) == 0 {
		return errs
	}

	if v.schema.HeaderRow {
		for name, pos := range v.index {
			if _, known := values[name]; !known && pos < len(cells) {
				values[name] = CleanCell(cells[pos])
			}
		}
	}

	for _, r := range v.schema.compiled {
		if msg := r.eval(values, dataRow); msg != "" {
			errs = append(errs, core.RowError{
				Row:     dataRow,
				Line:    line,
				Field:   r.field(),
				Message: msg,
			})
		}
	}
	return errs
}

// CheckRowCount enforces the schema's minimum number of data rows.
func (s Schema) CheckRowCount(n int) error {
	if n == 0 {
		return core.NewValidationError("file", "empty file: no data rows")
	}
	if n < s.MinRows {
		return core.NewValidationError("file", "invalid row count: need at least %d data rows, got %d", s.MinRows, n)
	}
	return nil
}

// coerce converts a non-empty cell into the value rules see.
func coerce(value string, spec FieldSpec) (any, error) {
	switch spec.Type {
	case FieldNumeric:
		n, ok := ParseNumeric(value)
		if !ok {
			return nil, fmt.Errorf("invalid number format")
		}
		return NumericFloat(n), nil
	case FieldInteger:
		i, ok := ParseInteger(value)
		if !ok {
			return nil, fmt.Errorf("invalid integer")
		}
		return i, nil
	case FieldDate:
		t, ok := ParseDate(value)
		if !ok {
			return nil, fmt.Errorf("invalid date format (use YYYY-MM-DD or similar)")
		}
		return t, nil
	case FieldBool:
		b, ok := ParseBool(value)
		if !ok {
			return nil, fmt.Errorf("must be yes/no, true/false, or 1/0")
		}
		return b, nil
	case FieldEnum:
		for _, ev := range spec.EnumValues {
			if strings.EqualFold(ev, value) {
				return ev, nil
			}
		}
		if len(spec.EnumValues) > 0 {
			return nil, fmt.Errorf("value must be one of: %s", strings.Join(spec.EnumValues, ", "))
		}
		return value, nil
	default:
		return value, nil
	}
}
