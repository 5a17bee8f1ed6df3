package filestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MergedResult is one line of a batch's merged input+output result stream: a
// request template's body paired with the outcome of the latest
// non-superseded request issued for it (escalation retries create a new
// request per template, so the newest by created_at wins).
type MergedResult struct {
	CustomID     string
	InputBody    json.RawMessage
	ResponseBody json.RawMessage
	Error        *string
	Status       string
}

const mergedResultsSource = `
	FROM request_templates rt
	LEFT JOIN LATERAL (
		SELECT state, response_body, error_message
		FROM requests
		WHERE requests.template_id = rt.id
		ORDER BY requests.created_at DESC
		LIMIT 1
	) r ON true
	WHERE rt.file_id = $1
	  AND ($2 = '' OR rt.custom_id ILIKE '%' || $2 || '%')
	  AND ($3 = '' OR COALESCE(r.state, 'pending') = $3)`

// ListMergedResults returns one merged result per request template of
// fileID's owning file, ordered by line number.
func ListMergedResults(ctx context.Context, pool *pgxpool.Pool, fileID uuid.UUID, search, status string, limit, offset int) ([]MergedResult, error) {
	query := `SELECT rt.custom_id, rt.body, r.response_body, r.error_message, COALESCE(r.state, 'pending') AS status` +
		mergedResultsSource + ` ORDER BY rt.line_number LIMIT $4 OFFSET $5`

	rows, err := pool.Query(ctx, query, fileID, search, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing merged results for file %s: %w", fileID, err)
	}
	defer rows.Close()

	var out []MergedResult
	for rows.Next() {
		var m MergedResult
		var responseBody []byte
		if err := rows.Scan(&m.CustomID, &m.InputBody, &responseBody, &m.Error, &m.Status); err != nil {
			return nil, fmt.Errorf("scanning merged result row: %w", err)
		}
		if len(responseBody) > 0 {
			m.ResponseBody = responseBody
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating merged result rows: %w", err)
	}
	return out, nil
}

// CountMergedResults counts the templates ListMergedResults would return for
// the same search/status filter, used to compute an unlimited stream's
// expected item count before it starts writing.
func CountMergedResults(ctx context.Context, pool *pgxpool.Pool, fileID uuid.UUID, search, status string) (int64, error) {
	query := `SELECT count(*)` + mergedResultsSource
	var count int64
	if err := pool.QueryRow(ctx, query, fileID, search, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting merged results for file %s: %w", fileID, err)
	}
	return count, nil
}
