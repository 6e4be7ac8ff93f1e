package schema

import "strings"

// Built-in schema keys.
const (
	Generic = "generic"
	Ledger  = "ledger"
)

func init() {
	// Any sheet with at least two rows whose first three cells are filled.
	Register(Schema{
		Key:         Generic,
		Description: "headerless sheet; first three columns required on every row",
		FieldSpecs: []FieldSpec{
			{Name: "column_1", Type: FieldText, Required: true},
			{Name: "column_2", Type: FieldText, Required: true},
			{Name: "column_3", Type: FieldText, Required: true},
		},
		MinRows: 2,
	})

	Register(Schema{
		Key:         Ledger,
		Description: "ledger entries with id, date, amount and currency",
		HeaderRow:   true,
		FieldSpecs: []FieldSpec{
			{Name: "id", Type: FieldText, Required: true},
			{Name: "date", Type: FieldDate, Required: true},
			{Name: "amount", Type: FieldNumeric, Required: true},
			{Name: "currency", Type: FieldEnum, Required: true, EnumValues: []string{"USD", "EUR", "GBP"}, Normalizer: strings.ToUpper},
			{Name: "memo", Type: FieldText},
		},
		Rules: []Rule{
			{Name: "amount", Expr: `double(row.amount) != 0.0`, Message: "amount must not be zero"},
		},
		MinRows: 1,
	})
}
