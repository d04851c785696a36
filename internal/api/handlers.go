package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/noteservice"
)

// Handler holds API route handlers.
type Handler struct {
	svc *noteservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service) *Handler {
	return &Handler{svc: svc}
}

// noteID extracts the numeric note id from the URL.
func noteID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "noteID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case apperr.KindOf(err) == apperr.KindMissingField:
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
	case apperr.Systemic(err):
		slog.Warn(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// Summary handles GET /api/summary.
//
//	@Summary		Ledger summary with per-status counts
//	@Tags			ledger
//	@Produce		json
//	@Success		200	{object}	SummaryResponse
//	@Security		BearerAuth
//	@Router			/summary [get]
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Summary(r.Context())
	if err != nil {
		writeError(w, "summary", err)
		return
	}
	w.Header().Set("ETag", `"`+sum.Checksum+`"`)
	writeJSON(w, http.StatusOK, sum)
}

// Task handles GET /api/task.
//
//	@Summary		Active task definition
//	@Tags			task
//	@Produce		json
//	@Success		200	{object}	TaskResponse
//	@Security		BearerAuth
//	@Router			/task [get]
func (h *Handler) Task(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newTaskResponse(h.svc.Task()))
}

// Contract handles GET /api/task/contract.
//
//	@Summary		Task contract as Markdown, or HTML with format=html
//	@Tags			task
//	@Produce		text/markdown
//	@Produce		html
//	@Param			format	query		string	false	"Output format"	Enums(markdown, html)
//	@Success		200		{string}	string
//	@Security		BearerAuth
//	@Router			/task/contract [get]
func (h *Handler) Contract(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") != "html" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(h.svc.Contract()))
		return
	}
	body, err := h.svc.ContractHTML()
	if err != nil {
		writeError(w, "render contract", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// ListRecords handles GET /api/records.
//
//	@Summary		List ledger records with optional status filter
//	@Tags			ledger
//	@Produce		json
//	@Param			status	query		string	false	"Filter by status"	Enums(pending, success, skipped, failed)
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	RecordListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records [get]
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	status, err := noteservice.ParseStatus(q.Get("status"))
	if err != nil {
		writeError(w, "list records", err)
		return
	}

	recs, total, err := h.svc.ListRecords(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, "list records", err)
		return
	}
	writeJSON(w, http.StatusOK, RecordListResponse{Records: recs, Total: total})
}

// GetRecord handles GET /api/records/{noteID}.
//
//	@Summary		Get the ledger record of one note
//	@Tags			ledger
//	@Produce		json
//	@Param			noteID	path		int	true	"Note id"
//	@Success		200		{object}	models.Record
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{noteID} [get]
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid note id"))
		return
	}
	rec, err := h.svc.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PreviewPrompt handles GET /api/records/{noteID}/prompt.
//
//	@Summary		Render the prompt for one note without running inference
//	@Tags			task
//	@Produce		json
//	@Param			noteID	path		int	true	"Note id"
//	@Success		200		{object}	PreviewResponse
//	@Failure		404		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{noteID}/prompt [get]
func (h *Handler) PreviewPrompt(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid note id"))
		return
	}
	p, err := h.svc.PreviewPrompt(r.Context(), id)
	if err != nil {
		writeError(w, "preview prompt", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
