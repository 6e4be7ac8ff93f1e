// Package extract turns stored file bytes into a lazy sequence of rows.
//
// An extractor is the pipeline's only knowledge of file formats. It reports
// malformed content as *core.ParseError (terminal) and read failures of the
// underlying stream as core.Transient errors (retryable).
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/fileflow/internal/core"
)

// Row is one non-empty record of a file.
type Row struct {
	Number int      // 1-based position among non-empty records, header included
	Line   int      // physical line (CSV) or sheet row (XLSX)
	Cells  []string // cell text, untrimmed
}

// Rows is a finite, forward-only row sequence. It cannot be restarted.
//
//	rows, err := ex.Open(ctx, r)
//	defer rows.Close()
//	for rows.Next() {
//	    row := rows.Row()
//	}
//	if err := rows.Err(); err != nil { ... }
type Rows interface {
	Next() bool
	Row() Row
	Err() error
	Close() error
}

// Extractor opens a row sequence over a file's bytes.
type Extractor interface {
	Format() core.Format
	Open(ctx context.Context, r io.Reader) (Rows, error)
}

// For returns the extractor for a format.
func For(format core.Format) (Extractor, error) {
	switch format {
	case core.FormatCSV:
		return CSV{}, nil
	case core.FormatXLSX:
		return XLSX{}, nil
	default:
		return nil, fmt.Errorf("no extractor for format %q", format)
	}
}

var zipMagic = []byte("PK\x03\x04")

// Detect decides the format of an upload from its name and leading bytes.
// The extension must agree with the content; a name without a known
// extension is classified by content alone.
func Detect(name string, head []byte) (core.Format, error) {
	isZip := bytes.HasPrefix(head, zipMagic)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))

	switch ext {
	case "xlsx":
		if !isZip {
			return "", fmt.Errorf("unsupported format: %q is not a valid xlsx workbook", name)
		}
		return core.FormatXLSX, nil
	case "csv", "txt":
		if isZip || !looksLikeText(head) {
			return "", fmt.Errorf("unsupported format: %q is not a text file", name)
		}
		return core.FormatCSV, nil
	case "":
		if isZip {
			return core.FormatXLSX, nil
		}
		if looksLikeText(head) {
			return core.FormatCSV, nil
		}
		return "", fmt.Errorf("unsupported format: cannot determine type of %q", name)
	default:
		return "", fmt.Errorf("unsupported format %q", ext)
	}
}

// looksLikeText rejects content with NUL bytes, which never appear in CSV.
func looksLikeText(head []byte) bool {
	return bytes.IndexByte(head, 0) < 0
}
