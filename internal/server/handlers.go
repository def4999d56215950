package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/swiftai/cv-pipeline/internal/common"
	"github.com/swiftai/cv-pipeline/internal/repository"
)

type jobView struct {
	JobID            string     `json:"job_id"`
	DocumentHash     string     `json:"document_hash"`
	TemplateID       string     `json:"template_id"`
	State            string     `json:"state"`
	Attempts         int        `json:"attempts"`
	LastStage        string     `json:"last_stage,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ErrorSummary     string     `json:"error_summary,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	RenderedChecksum string     `json:"rendered_checksum,omitempty"`
}

func toJobView(j *repository.Job) jobView {
	v := jobView{
		JobID:            j.ID.String(),
		DocumentHash:     j.DocumentHash,
		TemplateID:       j.TemplateID,
		State:            string(j.State),
		Attempts:         j.Attempts,
		LastStage:        j.LastStage,
		ErrorCode:        j.ErrorCode,
		ErrorSummary:     j.ErrorSummary,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		RenderedChecksum: j.RenderedChecksum,
	}
	if j.NextRetryAt.UnixMilli() > 0 {
		t := j.NextRetryAt
		v.NextRetryAt = &t
	}
	return v
}

// handleSubmit accepts raw document bytes and returns the job receipt.
// The template is chosen with ?template=; identical bytes reuse an
// existing job and answer 200 instead of 202.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "INVALID_INPUT", "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "reading request body failed")
		return
	}

	// The declared filename is logged for traceability but never drives
	// format detection; that is done on the bytes.
	if name := r.URL.Query().Get("filename"); name != "" {
		s.logger.Info("upload received", "declared_filename", name,
			"bytes", len(data), "request_id", middleware.GetReqID(r.Context()))
	}

	ctx := common.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
	res, err := s.orch.Submit(ctx, data, r.URL.Query().Get("template"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.orch.Poll(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	pdf, job, err := s.orch.Artifact(r.Context(), id)
	if err != nil {
		if job != nil && errors.Is(err, common.ErrInvalidInput) {
			writeError(w, http.StatusConflict, "NOT_READY", "job is "+string(job.State))
			return
		}
		s.writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.RenderedChecksum[:12]+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

// handleCancel acknowledges with 202 when the cancel request can still
// take effect, 409 when the job is past the point of no return.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	accepted, err := s.orch.Cancel(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if !accepted {
		writeError(w, http.StatusConflict, "NOT_CANCELABLE", "job already ran past the cancelable stages")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id.String(), "cancel_requested": true})
}

func (s *Server) handleJobsReport(w http.ResponseWriter, r *http.Request) {
	var from, to *time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "from must be YYYY-MM-DD")
			return
		}
		from = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "to must be YYYY-MM-DD")
			return
		}
		to = &t
	}

	raw, err := s.export.JobsReportXLSX(r.Context(), from, to)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="jobs.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "job id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

// writeAppError maps the failure taxonomy onto HTTP statuses.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	code := common.ErrorCode(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrUnsupportedFormat):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, common.ErrTemplateNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, common.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error_code": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
