package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doublewordai/batchctl/internal/httpserver"
	"github.com/doublewordai/batchctl/internal/reqctx"
)

// maxUploadBytes bounds an input file upload. A batch line is small; this
// caps the whole file, not any single line.
const maxUploadBytes = 200 << 20 // 200 MiB

// ResultsStreamer streams the content of a file. Implemented by
// pkg/admission.ResultsHandler; declared here to avoid an import cycle.
type ResultsStreamer interface {
	StreamFile(w http.ResponseWriter, r *http.Request, fileID uuid.UUID, limit int) error
}

// Handler provides HTTP handlers for the files API: uploading batch input
// files, fetching file metadata, streaming file content, and deletion.
type Handler struct {
	pool    *pgxpool.Pool
	results ResultsStreamer
}

// NewHandler creates a files Handler.
func NewHandler(pool *pgxpool.Pool, results ResultsStreamer) *Handler {
	return &Handler{pool: pool, results: results}
}

// Routes returns a chi.Router with all file routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleUpload)
	r.Get("/{id}", h.handleGet)
	r.Get("/{id}/content", h.handleContent)
	r.Delete("/{id}", h.handleDelete)
	return r
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "missing multipart field \"file\"")
		return
	}
	defer file.Close()

	purpose := r.FormValue("purpose")
	if purpose == "" {
		purpose = string(PurposeBatchInput)
	}
	if Purpose(purpose) != PurposeBatchInput {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "purpose must be \"batch_input\"")
		return
	}

	caller, _ := reqctx.FromContext(r.Context())

	tx, err := h.pool.Begin(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "starting transaction")
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	store := NewStore(tx)

	created, err := store.CreateInput(r.Context(), CreateInputParams{
		Filename:  header.Filename,
		SizeBytes: header.Size,
		CreatedBy: caller.ID,
	})
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "registering file")
		return
	}

	lineNumber, err := ingestJSONL(r.Context(), store, created.ID, file)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("line %d: %v", lineNumber, err))
		return
	}

	if err := tx.Commit(r.Context()); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "committing file upload")
		return
	}

	httpserver.Respond(w, http.StatusOK, created)
}

// batchLine is the shape of one JSONL line in a batch input file: an
// OpenAI-compatible batch request.
type batchLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// ingestJSONL reads file line by line, validating and inserting each as a
// request template. It batches inserts to keep memory bounded on large
// files. The returned line number identifies where a validation error
// occurred, 1-indexed, or 0 on success.
func ingestJSONL(ctx context.Context, store *Store, fileID uuid.UUID, r io.Reader) (int, error) {
	const batchSize = 1000

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10<<20) // allow lines up to 10 MiB

	var batch []CreateTemplateParams
	lineNumber := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.CreateTemplates(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		lineNumber++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line batchLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return lineNumber, fmt.Errorf("invalid JSON: %w", err)
		}
		if line.CustomID == "" {
			return lineNumber, fmt.Errorf("missing custom_id")
		}
		if line.Method == "" {
			return lineNumber, fmt.Errorf("missing method")
		}
		if line.URL == "" {
			return lineNumber, fmt.Errorf("missing url")
		}

		batch = append(batch, CreateTemplateParams{
			FileID:     fileID,
			LineNumber: lineNumber,
			CustomID:   line.CustomID,
			Method:     line.Method,
			URL:        line.URL,
			Body:       []byte(line.Body),
		})
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return lineNumber, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return lineNumber, fmt.Errorf("reading file: %w", err)
	}
	if err := flush(); err != nil {
		return lineNumber, err
	}
	if lineNumber == 0 {
		return 0, fmt.Errorf("file is empty")
	}
	return 0, nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid file id")
		return
	}

	store := NewStore(h.pool)
	f, err := store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "file not found")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "fetching file")
		return
	}

	httpserver.Respond(w, http.StatusOK, f)
}

func (h *Handler) handleContent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid file id")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	if err := h.results.StreamFile(w, r, id, limit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "file not found")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "streaming file content")
		return
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid file id")
		return
	}

	store := NewStore(h.pool)
	if err := store.SoftDelete(r.Context(), id); err != nil {
		if err == pgx.ErrNoRows {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "file not found")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "deleting file")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"id": id, "deleted": true, "deleted_at": time.Now()})
}
