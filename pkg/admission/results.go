package admission

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doublewordai/batchctl/internal/httpserver"
	"github.com/doublewordai/batchctl/pkg/filestore"
	"github.com/doublewordai/batchctl/pkg/request"
)

// ResultsHandler streams a batch's output or error file content as
// newline-delimited JSON.
type ResultsHandler struct {
	pool *pgxpool.Pool
}

// NewResultsHandler creates a ResultsHandler.
func NewResultsHandler(pool *pgxpool.Pool) *ResultsHandler {
	return &ResultsHandler{pool: pool}
}

// StreamFile writes a file's content as application/x-ndjson. When limit > 0
// it buffers up to limit+1 lines so it can report whether more remain via
// X-Incomplete and the ID of the last line returned via X-Last-Line, without
// reading the whole file into memory for an unlimited request. An unlimited
// request (limit == 0) streams directly to the response as pages are read,
// never materializing more than one page at a time.
func (h *ResultsHandler) StreamFile(w http.ResponseWriter, r *http.Request, fileID uuid.UUID, limit int) error {
	ctx := r.Context()
	fileStore := filestore.NewStore(h.pool)
	file, err := fileStore.Get(ctx, fileID)
	if err != nil {
		return fmt.Errorf("getting file %s: %w", fileID, err)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")

	if limit > 0 {
		return h.streamLimited(ctx, w, file, limit)
	}
	return h.streamUnlimited(ctx, w, file)
}

func (h *ResultsHandler) streamLimited(ctx context.Context, w http.ResponseWriter, file filestore.File, limit int) error {
	var cursor *httpserver.Cursor
	var lastID uuid.UUID
	written := 0
	incomplete := false

	var bw bytes.Buffer
	for written < limit {
		pageLimit := limit - written + 1
		lines, next, err := filestore.GetContentPage(ctx, h.pool, file, cursor, pageLimit)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			break
		}
		for _, line := range lines {
			if written >= limit {
				incomplete = true
				break
			}
			if _, err := bw.Write(line.Body); err != nil {
				return fmt.Errorf("writing streamed line: %w", err)
			}
			if _, err := bw.Write([]byte("\n")); err != nil {
				return err
			}
			lastID = line.ID
			written++
		}
		if next == nil {
			break
		}
		cursor = next
	}

	w.Header().Set("X-Incomplete", boolHeader(incomplete))
	if written > 0 {
		w.Header().Set("X-Last-Line", lastID.String())
	}
	_, err := bw.WriteTo(w)
	return err
}

func (h *ResultsHandler) streamUnlimited(ctx context.Context, w http.ResponseWriter, file filestore.File) error {
	const pageSize = 500
	var cursor *httpserver.Cursor

	bw := bufio.NewWriter(w)
	for {
		lines, next, err := filestore.GetContentPage(ctx, h.pool, file, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if _, err := bw.Write(line.Body); err != nil {
				return fmt.Errorf("writing streamed line: %w", err)
			}
			if _, err := bw.Write([]byte("\n")); err != nil {
				return err
			}
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		if next == nil || len(lines) == 0 {
			return nil
		}
		cursor = next
	}
}

func boolHeader(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// ResultsQuery holds the parsed query parameters for GET /batches/{id}/results.
type ResultsQuery struct {
	Skip   int
	Limit  int // 0 means unlimited
	Search string
	Status string
}

// resultLine is the JSONL wire shape of one merged input+output result, per
// §6.3: the template body, the latest terminal response or error, and the
// per-template status.
type resultLine struct {
	CustomID     string          `json:"custom_id"`
	InputBody    json.RawMessage `json:"input_body"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`
	Error        *string         `json:"error,omitempty"`
	Status       string          `json:"status"`
}

// StreamResults writes a batch's merged input+output results as
// application/x-ndjson: one line per request template in the owning file, in
// template order, with escalation-superseded requests collapsed to the
// latest attempt per template.
func (h *ResultsHandler) StreamResults(w http.ResponseWriter, r *http.Request, batchID uuid.UUID, q ResultsQuery) error {
	ctx := r.Context()

	batch, err := filestore.GetBatch(ctx, h.pool, batchID)
	if err != nil {
		return fmt.Errorf("getting batch %s: %w", batchID, err)
	}

	requests := request.NewStore(h.pool)
	pendingAndInProgress, err := requests.CountPendingAndInProgress(ctx, batchID)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/x-ndjson")

	if q.Limit > 0 {
		return h.streamResultsLimited(ctx, w, batch.InputFileID, q, pendingAndInProgress)
	}
	return h.streamResultsUnlimited(ctx, w, batch.InputFileID, q, pendingAndInProgress)
}

func (h *ResultsHandler) streamResultsLimited(ctx context.Context, w http.ResponseWriter, fileID uuid.UUID, q ResultsQuery, pendingAndInProgress int64) error {
	rows, err := filestore.ListMergedResults(ctx, h.pool, fileID, q.Search, q.Status, q.Limit+1, q.Skip)
	if err != nil {
		return err
	}

	morePages := len(rows) > q.Limit
	if morePages {
		rows = rows[:q.Limit]
	}

	w.Header().Set("X-Incomplete", boolHeader(morePages || pendingAndInProgress > 0))
	w.Header().Set("X-Last-Line", strconv.Itoa(q.Skip+len(rows)))

	bw := bufio.NewWriter(w)
	for _, m := range rows {
		if err := writeResultLine(bw, m); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// streamResultsUnlimited derives the exact number of items it expects to
// return up front (so X-Last-Line is accurate and headers can be written
// before the body starts), then streams in fixed-size pages without
// materializing the whole result set. When a search filter is active the
// expected count is unknown, so X-Last-Line is omitted and the stream runs
// until a page comes back short.
func (h *ResultsHandler) streamResultsUnlimited(ctx context.Context, w http.ResponseWriter, fileID uuid.UUID, q ResultsQuery, pendingAndInProgress int64) error {
	const pageSize = 500

	hasSearch := q.Search != ""
	var expected int64
	if !hasSearch {
		total, err := filestore.CountMergedResults(ctx, h.pool, fileID, q.Search, q.Status)
		if err != nil {
			return err
		}
		expected = total - int64(q.Skip)
		if expected < 0 {
			expected = 0
		}
	}

	w.Header().Set("X-Incomplete", boolHeader(pendingAndInProgress > 0))
	if !hasSearch {
		w.Header().Set("X-Last-Line", strconv.FormatInt(int64(q.Skip)+expected, 10))
	}

	offset := q.Skip
	var returned int64
	for hasSearch || returned < expected {
		limit := pageSize
		if !hasSearch {
			if remaining := expected - returned; remaining < int64(pageSize) {
				limit = int(remaining)
			}
			if limit <= 0 {
				break
			}
		}

		rows, err := filestore.ListMergedResults(ctx, h.pool, fileID, q.Search, q.Status, limit, offset)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		bw := bufio.NewWriter(w)
		for _, m := range rows {
			if err := writeResultLine(bw, m); err != nil {
				return err
			}
		}
		if err := bw.Flush(); err != nil {
			return err
		}

		returned += int64(len(rows))
		offset += len(rows)
		if len(rows) < limit {
			break
		}
	}
	return nil
}

func writeResultLine(bw *bufio.Writer, m filestore.MergedResult) error {
	line, err := json.Marshal(resultLine{
		CustomID:     m.CustomID,
		InputBody:    m.InputBody,
		ResponseBody: m.ResponseBody,
		Error:        m.Error,
		Status:       m.Status,
	})
	if err != nil {
		return fmt.Errorf("encoding result line: %w", err)
	}
	if _, err := bw.Write(line); err != nil {
		return fmt.Errorf("writing result line: %w", err)
	}
	_, err = bw.Write([]byte("\n"))
	return err
}
