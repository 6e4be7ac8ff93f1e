package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/fileflow/internal/core"
)

// XLSX extracts rows from the first worksheet of an Office Open XML workbook.
// Rows whose cells are all blank are skipped.
type XLSX struct {
	Sheet string // worksheet name, first sheet when empty
}

func (XLSX) Format() core.Format { return core.FormatXLSX }

// Open parses the workbook container. A corrupt or non-xlsx archive is a
// parse error.
func (x XLSX) Open(ctx context.Context, r io.Reader) (Rows, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, core.Transient(err)
		}
		return nil, &core.ParseError{Err: fmt.Errorf("open workbook: %w", err)}
	}

	sheet := x.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			f.Close()
			return nil, &core.ParseError{Err: errors.New("workbook has no sheets")}
		}
		sheet = sheets[0]
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, &core.ParseError{Err: fmt.Errorf("read sheet %q: %w", sheet, err)}
	}
	return &xlsxRows{ctx: ctx, file: f, rows: rows}, nil
}

type xlsxRows struct {
	ctx  context.Context
	file *excelize.File
	rows *excelize.Rows
	line int
	n    int
	row  Row
	err  error
}

func (x *xlsxRows) Next() bool {
	if x.err != nil {
		return false
	}
	for x.rows.Next() {
		if err := x.ctx.Err(); err != nil {
			x.err = core.Transient(err)
			return false
		}
		x.line++
		cells, err := x.rows.Columns()
		if err != nil {
			x.err = &core.ParseError{Line: x.line, Err: err}
			return false
		}
		if blank(cells) {
			continue
		}
		x.n++
		x.row = Row{Number: x.n, Line: x.line, Cells: cells}
		return true
	}
	if err := x.rows.Error(); err != nil {
		x.err = &core.ParseError{Line: x.line, Err: err}
	}
	return false
}

func (x *xlsxRows) Row() Row   { return x.row }
func (x *xlsxRows) Err() error { return x.err }

func (x *xlsxRows) Close() error {
	rerr := x.rows.Close()
	ferr := x.file.Close()
	return errors.Join(rerr, ferr)
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
