package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doublewordai/batchctl/internal/httpserver"
)

// ContentLine is one line of a file's content stream, in the JSONL shape the
// OpenAI-compatible batch API returns for output and error files.
type ContentLine struct {
	ID       uuid.UUID
	SortedAt httpserver.Cursor
	Body     []byte
}

// GetContentPage returns one page of a file's content, dispatching on the
// file's purpose: batch_output and batch_error files are ordered by
// (completed_at/failed_at, id) since that's when a line's content became
// available, while input/template files are ordered by line_number. Every
// page, the first included, uses cursor (keyset) pagination: a nil cursor
// starts from the beginning of the file, and there is no skip/offset
// parameter. New rows appended after the stream started don't shift
// already-returned pages.
func GetContentPage(ctx context.Context, pool *pgxpool.Pool, file File, cursor *httpserver.Cursor, limit int) ([]ContentLine, *httpserver.Cursor, error) {
	switch file.Purpose {
	case PurposeBatchOutput:
		return pageRequestsByBatch(ctx, pool, *file.BatchID, "completed_at", cursor, limit)
	case PurposeBatchError:
		return pageRequestsByBatch(ctx, pool, *file.BatchID, "failed_at", cursor, limit)
	default:
		return pageTemplates(ctx, pool, file.ID, cursor, limit)
	}
}

// batchOutputLine is the OpenAI-compatible wire shape of one line of a
// batch's output or error file, per spec §6.3: a synthesized batch_req_ id,
// the originating template's custom_id, and either a response or an error.
type batchOutputLine struct {
	ID       string          `json:"id"`
	CustomID string          `json:"custom_id"`
	Response *batchResponse  `json:"response,omitempty"`
	Error    *batchLineError `json:"error,omitempty"`
}

type batchResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

type batchLineError struct {
	Code    *int   `json:"code,omitempty"`
	Message string `json:"message"`
}

func pageRequestsByBatch(ctx context.Context, pool *pgxpool.Pool, batchID uuid.UUID, timestampColumn string, cursor *httpserver.Cursor, limit int) ([]ContentLine, *httpserver.Cursor, error) {
	state := "completed"
	if timestampColumn == "failed_at" {
		state = "failed"
	}

	query := fmt.Sprintf(`
		SELECT r.id, r.%s, rt.custom_id, r.response_body, r.status_code, r.error_message
		FROM requests r
		JOIN request_templates rt ON rt.id = r.template_id
		WHERE r.batch_id = $1 AND r.state = $2`, timestampColumn)
	args := []any{batchID, state}

	if cursor != nil {
		query += fmt.Sprintf(" AND (r.%s, r.id) > ($3, $4)", timestampColumn)
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(" ORDER BY r.%s, r.id LIMIT %d", timestampColumn, limit)

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("paging requests for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []ContentLine
	var last httpserver.Cursor
	for rows.Next() {
		var id uuid.UUID
		var ts time.Time
		var customID string
		var responseBody []byte
		var statusCode *int
		var errMsg *string
		if err := rows.Scan(&id, &ts, &customID, &responseBody, &statusCode, &errMsg); err != nil {
			return nil, nil, fmt.Errorf("scanning content row: %w", err)
		}
		body, err := encodeBatchOutputLine(id, customID, statusCode, responseBody, errMsg)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, ContentLine{ID: id, Body: body})
		last = httpserver.Cursor{CreatedAt: ts, ID: id}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating content rows: %w", err)
	}
	if len(out) == 0 {
		return out, nil, nil
	}
	return out, &last, nil
}

func encodeBatchOutputLine(requestID uuid.UUID, customID string, statusCode *int, responseBody []byte, errMsg *string) ([]byte, error) {
	line := batchOutputLine{
		ID:       "batch_req_" + requestID.String(),
		CustomID: customID,
	}
	if errMsg != nil {
		line.Error = &batchLineError{Message: *errMsg, Code: statusCode}
	} else {
		code := 0
		if statusCode != nil {
			code = *statusCode
		}
		line.Response = &batchResponse{StatusCode: code, Body: json.RawMessage(responseBody)}
	}
	body, err := json.Marshal(line)
	if err != nil {
		return nil, fmt.Errorf("encoding batch output line: %w", err)
	}
	return body, nil
}

// pageTemplates pages an input file's request_templates in line_number
// order. Templates have no meaningful created_at ordering for this purpose
// (bulk-inserted in one transaction, so many rows share a timestamp), so the
// cursor's CreatedAt field is reused to carry the last line_number returned
// rather than a real timestamp; its ID field is unused for this branch.
func pageTemplates(ctx context.Context, pool *pgxpool.Pool, fileID uuid.UUID, cursor *httpserver.Cursor, limit int) ([]ContentLine, *httpserver.Cursor, error) {
	afterLine := 0
	if cursor != nil {
		afterLine = int(cursor.CreatedAt.Unix())
	}

	store := NewStore(pool)
	templates, err := store.ListTemplatesAfter(ctx, fileID, afterLine, limit)
	if err != nil {
		return nil, nil, err
	}
	if len(templates) == 0 {
		return nil, nil, nil
	}

	out := make([]ContentLine, 0, len(templates))
	var lastLine int
	for _, t := range templates {
		out = append(out, ContentLine{ID: t.ID, Body: t.Body})
		lastLine = t.LineNumber
	}
	next := httpserver.Cursor{CreatedAt: time.Unix(int64(lastLine), 0)}
	return out, &next, nil
}
