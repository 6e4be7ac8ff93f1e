package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/fileflow/internal/core"
	"github.com/JonMunkholm/fileflow/internal/intake"
	"github.com/JonMunkholm/fileflow/internal/logging"
	"github.com/JonMunkholm/fileflow/internal/schema"
	"github.com/JonMunkholm/fileflow/internal/status"
)

// multipartOverhead is the slack allowed above MaxFileSize for form
// boundaries and the other fields.
const multipartOverhead = 1 << 20

// submitResponse is returned for an accepted upload.
type submitResponse struct {
	FileID   string     `json:"file_id"`
	State    core.State `json:"state"`
	Checksum string     `json:"checksum"`
	Location string     `json:"location"`
}

// fileView is a status record joined with its submission.
type fileView struct {
	FileID      string              `json:"file_id"`
	State       core.State          `json:"state"`
	Version     int64               `json:"version"`
	Generation  int                 `json:"generation"`
	UpdatedAt   time.Time           `json:"updated_at"`
	FileName    string              `json:"file_name,omitempty"`
	Format      core.Format         `json:"format,omitempty"`
	Schema      string              `json:"schema,omitempty"`
	SizeBytes   int64               `json:"size_bytes,omitempty"`
	Checksum    string              `json:"checksum,omitempty"`
	Submitter   string              `json:"submitter,omitempty"`
	SubmittedAt *time.Time          `json:"submitted_at,omitempty"`
	Error       *core.ErrorDetail   `json:"error,omitempty"`
	Result      *core.ResultSummary `json:"result,omitempty"`
}

func newFileView(rec core.StatusRecord, sub *core.FileSubmission) fileView {
	v := fileView{
		FileID:     rec.FileID,
		State:      rec.State,
		Version:    rec.Version,
		Generation: rec.Generation,
		UpdatedAt:  rec.UpdatedAt,
		Error:      rec.Error,
		Result:     rec.Result,
	}
	if sub != nil {
		v.FileName = sub.FileName
		v.Format = sub.Format
		v.Schema = sub.Schema
		v.SizeBytes = sub.SizeBytes
		v.Checksum = sub.Checksum
		v.Submitter = sub.Submitter
		at := sub.SubmittedAt
		v.SubmittedAt = &at
	}
	return v
}

// handleSubmit accepts a multipart upload with a "file" part and an
// optional "schema" field. It answers 202 once the file is stored and
// dispatched; processing happens later.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.intake == nil {
		s.respondError(w, r, errIntakeDisabled)
		return
	}

	maxSize := s.cfg.Upload.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, r, core.NewValidationError("file", "file too large: exceeds limit of %d bytes", maxSize))
			return
		}
		s.respondError(w, r, fmt.Errorf("%w: %v", errNoFile, err))
		return
	}
	defer file.Close()

	// One byte past the limit is enough for intake to reject it.
	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		s.respondError(w, r, core.Transient(fmt.Errorf("read upload: %w", err)))
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	res, err := s.intake.Submit(ctx, intake.SubmitRequest{
		FileName:  header.Filename,
		Data:      data,
		Submitter: core.SubmitterFromContext(ctx),
		Schema:    r.FormValue("schema"),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	logging.WithFields(ctx, "file_id", res.FileID).Info("upload accepted",
		"state", res.State,
		"size_bytes", len(data),
	)
	w.Header().Set("Location", "/api/files/"+res.FileID)
	writeJSON(w, http.StatusAccepted, submitResponse{
		FileID:   res.FileID,
		State:    res.State,
		Checksum: res.Checksum,
		Location: "/api/files/" + res.FileID,
	})
}

// handleGetFile returns the current status of one file.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	view, err := s.lookup(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) lookup(ctx context.Context, fileID string) (fileView, error) {
	rec, err := s.status.Read(ctx, fileID)
	if err != nil {
		return fileView{}, err
	}
	sub, err := s.status.GetSubmission(ctx, fileID)
	if err != nil {
		return fileView{}, err
	}
	return newFileView(rec, &sub), nil
}

// handleListFiles lists status records filtered by ?state=, ?checksum= and
// ?limit=.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	recs, err := s.status.List(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	files := make([]fileView, 0, len(recs))
	for _, rec := range recs {
		files = append(files, newFileView(rec, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
	})
}

func parseListFilter(r *http.Request) (status.ListFilter, error) {
	q := r.URL.Query()
	var f status.ListFilter

	if v := q.Get("state"); v != "" {
		st, ok := core.ParseState(v)
		if !ok {
			return f, core.NewValidationError("state", "unknown state %q", v)
		}
		f.State = st
	}
	f.Checksum = q.Get("checksum")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return f, core.NewValidationError("limit", "limit must be between 1 and 1000")
		}
		f.Limit = n
	}
	return f, nil
}

// handleRetry moves a Failed file back to Submitted and dispatches it.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if s.intake == nil {
		s.respondError(w, r, errIntakeDisabled)
		return
	}

	fileID := chi.URLParam(r, "fileID")
	ctx := WithRequestMetadata(r.Context(), r)
	rec, err := s.intake.Retry(ctx, fileID, core.SubmitterFromContext(ctx))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newFileView(rec, nil))
}

type schemaInfo struct {
	Key         string   `json:"key"`
	Description string   `json:"description"`
	HeaderRow   bool     `json:"header_row"`
	Columns     []string `json:"columns"`
	MinRows     int      `json:"min_rows"`
}

// handleListSchemas lists the row schemas a submission may name.
func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	keys := schema.Keys()
	out := make([]schemaInfo, 0, len(keys))
	for _, k := range keys {
		sch, ok := schema.Get(k)
		if !ok {
			continue
		}
		out = append(out, schemaInfo{
			Key:         sch.Key,
			Description: sch.Description,
			HeaderRow:   sch.HeaderRow,
			Columns:     sch.Columns(),
			MinRows:     sch.MinRows,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schemas": out,
		"default": s.cfg.Upload.DefaultSchema,
	})
}

// handleHealth runs every registered check with a short deadline.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	code, state := http.StatusOK, "ok"
	if !healthy {
		code, state = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status": state,
		"roles":  s.cfg.App.Roles,
		"checks": checks,
	})
}
