package admission

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doublewordai/batchctl/internal/httpserver"
	"github.com/doublewordai/batchctl/internal/reqctx"
	"github.com/doublewordai/batchctl/pkg/catalog"
	"github.com/doublewordai/batchctl/pkg/reservation"
)

// UpdateStreamer serves a batch's request-update feed over SSE. Implemented
// by pkg/request.StreamHandler; declared here to avoid an import cycle.
type UpdateStreamer interface {
	Stream(w http.ResponseWriter, r *http.Request, batchID uuid.UUID) error
}

// Handler provides HTTP handlers for the batches API.
type Handler struct {
	service *Service
	results *ResultsHandler
	updates UpdateStreamer
}

// NewHandler creates a batches Handler.
func NewHandler(service *Service, results *ResultsHandler, updates UpdateStreamer) *Handler {
	return &Handler{service: service, results: results, updates: updates}
}

// Routes returns a chi.Router with all batch routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/cancel", h.handleCancel)
	r.Get("/{id}/results", h.handleResults)
	r.Get("/{id}/stream", h.handleStream)
	return r
}

type createBatchRequestBody struct {
	InputFileID      string            `json:"input_file_id" validate:"required,uuid"`
	Endpoint         string            `json:"endpoint" validate:"required"`
	CompletionWindow string            `json:"completion_window" validate:"required"`
	Metadata         map[string]string `json:"metadata"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBatchRequestBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}

	inputFileID, err := uuid.Parse(body.InputFileID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid input_file_id")
		return
	}

	caller, _ := reqctx.FromContext(r.Context())

	batch, err := h.service.CreateBatch(r.Context(), CreateBatchRequest{
		InputFileID:      inputFileID,
		Endpoint:         body.Endpoint,
		CompletionWindow: body.CompletionWindow,
		Metadata:         body.Metadata,
	}, caller.ID, caller.Source)
	if err != nil {
		h.respondCreateError(w, err)
		return
	}

	pending, err := h.service.requests.CountPendingAndInProgress(r.Context(), batch.ID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read created batch")
		return
	}

	httpserver.Respond(w, http.StatusOK, ToBatchResponse(batch, pending))
}

func (h *Handler) respondCreateError(w http.ResponseWriter, err error) {
	var insufficient *reservation.InsufficientCapacity
	var unknownAlias catalog.ErrUnknownAlias

	switch {
	case errors.Is(err, ErrUnsupportedCompletionWindow), errors.Is(err, ErrUnsupportedEndpoint):
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.As(err, &unknownAlias):
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, pgx.ErrNoRows):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "input file not found")
	case errors.As(err, &insufficient):
		httpserver.RespondError(w, http.StatusTooManyRequests, "insufficient_capacity", err.Error())
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create batch")
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid batch ID")
		return
	}

	batch, pendingCount, err := h.service.GetBatchWithStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "batch not found")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get batch")
		return
	}

	httpserver.Respond(w, http.StatusOK, ToBatchResponse(batch, pendingCount))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid batch ID")
		return
	}

	if err := h.service.CancelBatch(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "batch not found")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to cancel batch")
		return
	}

	httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleResults serves the merged per-template results stream for a batch,
// per §4.7: each request template's input paired with its latest outcome.
func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid batch ID")
		return
	}

	q := ResultsQuery{
		Search: r.URL.Query().Get("search"),
		Status: r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "skip must be a non-negative integer")
			return
		}
		q.Skip = n
	}

	if err := h.results.StreamResults(w, r, id, q); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "batch not found")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to stream batch results")
		return
	}
}

// handleStream exposes a batch's request-state updates as Server-Sent Events,
// the get_request_updates feed scoped to one batch.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid batch ID")
		return
	}

	if err := h.updates.Stream(w, r, id); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to stream batch updates")
		return
	}
}
