package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"io"

	"github.com/JonMunkholm/fileflow/internal/core"
)

// CSV extracts rows from comma-separated text.
//
// Quoting is strict and every record must have as many fields as the first
// one; violations are parse errors.
type CSV struct {
	Comma rune // field delimiter, ',' when zero
}

func (CSV) Format() core.Format { return core.FormatCSV }

// Open starts reading r. Nothing is read until the first Next.
func (c CSV) Open(ctx context.Context, r io.Reader) (Rows, error) {
	cr := csv.NewReader(normalizeText(r))
	if c.Comma != 0 {
		cr.Comma = c.Comma
	}
	cr.FieldsPerRecord = 0
	cr.LazyQuotes = false
	return &csvRows{ctx: ctx, r: cr}, nil
}

type csvRows struct {
	ctx context.Context
	r   *csv.Reader
	row Row
	n   int
	err error
}

func (c *csvRows) Next() bool {
	if c.err != nil {
		return false
	}
	if err := c.ctx.Err(); err != nil {
		c.err = core.Transient(err)
		return false
	}

	rec, err := c.r.Read()
	if err == io.EOF {
		return false
	}
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			c.err = &core.ParseError{Line: pe.StartLine, Err: pe.Err}
		} else {
			c.err = core.Transient(err)
		}
		return false
	}

	line, _ := c.r.FieldPos(0)
	c.n++
	c.row = Row{Number: c.n, Line: line, Cells: rec}
	return true
}

func (c *csvRows) Row() Row     { return c.row }
func (c *csvRows) Err() error   { return c.err }
func (c *csvRows) Close() error { return nil }
