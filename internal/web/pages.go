package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/fileflow/internal/core"
	"github.com/JonMunkholm/fileflow/internal/status"
)

const pageStyle = `body{font-family:system-ui,sans-serif;margin:2rem;color:#1f2937}
table{border-collapse:collapse}td,th{padding:.3rem .8rem;border-bottom:1px solid #e5e7eb;text-align:left}
.submitted,.processing{color:#2563eb}.completed{color:#15803d}.failed{color:#b91c1c}
code{background:#f3f4f6;padding:0 .2rem}`

// handleStatusPage renders one file's status as HTML.
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	view, err := s.lookup(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	render(w, r, layout("File "+view.FileID, statusBody(view)))
}

// handleRecentPage renders the most recently updated files.
func (s *Server) handleRecentPage(w http.ResponseWriter, r *http.Request) {
	recs, err := s.status.List(r.Context(), status.ListFilter{Limit: 50})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	render(w, r, layout("Recent files", recentBody(recs)))
}

func render(w http.ResponseWriter, r *http.Request, c templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := c.Render(r.Context(), w); err != nil {
		fmt.Fprintf(w, "<!-- render error: %s -->", templ.EscapeString(err.Error()))
	}
}

func layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>%s</title><style>%s</style></head><body><h1>%s</h1>",
			templ.EscapeString(title), pageStyle, templ.EscapeString(title)); err != nil {
			return err
		}
		if err := body.Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, "</body></html>")
		return err
	})
}

func statusBody(v fileView) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		row := func(label, value string) {
			fmt.Fprintf(w, "<tr><th>%s</th><td>%s</td></tr>", label, templ.EscapeString(value))
		}

		fmt.Fprintf(w, `<p>State: <strong class="%s">%s</strong></p><table>`, v.State, v.State)
		row("File name", v.FileName)
		row("Schema", v.Schema)
		row("Format", string(v.Format))
		row("Size", fmt.Sprintf("%d bytes", v.SizeBytes))
		row("Submitter", v.Submitter)
		if v.SubmittedAt != nil {
			row("Submitted", v.SubmittedAt.Format(time.RFC3339))
		}
		row("Updated", v.UpdatedAt.Format(time.RFC3339))
		row("Generation", fmt.Sprint(v.Generation))
		row("Checksum", v.Checksum)
		io.WriteString(w, "</table>")

		if v.Result != nil {
			fmt.Fprintf(w, "<h2>Result</h2><p>%d rows processed with schema <code>%s</code>.</p>",
				v.Result.RowsProcessed, templ.EscapeString(v.Result.Schema))
		}
		if v.Error != nil {
			fmt.Fprintf(w, `<h2 class="failed">%s</h2><p>%s <code>%s</code></p>`,
				templ.EscapeString(string(v.Error.Reason)),
				templ.EscapeString(v.Error.Message),
				templ.EscapeString(v.Error.Code))
			if len(v.Error.RowErrors) > 0 {
				io.WriteString(w, "<table><tr><th>Row</th><th>Line</th><th>Field</th><th>Problem</th></tr>")
				for _, re := range v.Error.RowErrors {
					fmt.Fprintf(w, "<tr><td>%d</td><td>%d</td><td>%s</td><td>%s</td></tr>",
						re.Row, re.Line, templ.EscapeString(re.Field), templ.EscapeString(re.Message))
				}
				io.WriteString(w, "</table>")
			}
			if v.State == core.StateFailed {
				fmt.Fprintf(w, "<p>Retry with <code>POST /api/files/%s/retry</code>.</p>", templ.EscapeString(v.FileID))
			}
		}
		return nil
	})
}

func recentBody(recs []core.StatusRecord) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if len(recs) == 0 {
			_, err := io.WriteString(w, "<p>No files yet.</p>")
			return err
		}
		io.WriteString(w, "<table><tr><th>File</th><th>State</th><th>Updated</th></tr>")
		for _, rec := range recs {
			id := templ.EscapeString(rec.FileID)
			fmt.Fprintf(w, `<tr><td><a href="/files/%s">%s</a></td><td class="%s">%s</td><td>%s</td></tr>`,
				id, id, rec.State, rec.State, rec.UpdatedAt.Format(time.RFC3339))
		}
		_, err := io.WriteString(w, "</table>")
		return err
	})
}
