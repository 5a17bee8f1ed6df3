package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ValidationError describes why a single line of an uploaded file could not
// be parsed into a request template. The whole upload is rejected atomically
// when this occurs — a batch input file is all-or-nothing.
type ValidationError struct {
	LineNumber int
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("line %d: %s", e.LineNumber, e.Reason)
}

// jsonlLine is the shape of one line of a batch input file.
type jsonlLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// CreateFileStream reads r as newline-delimited JSON, validating and
// inserting one request_template row per line inside a single transaction,
// then finalizes the file record with its size in bytes. Any line that fails to
// parse rolls the whole transaction back and returns a *ValidationError: a
// partially-ingested file is worse than no file, since a batch created
// against it would silently run fewer requests than the caller uploaded.
func CreateFileStream(ctx context.Context, pool *pgxpool.Pool, r io.Reader, p CreateInputParams, allowedURLPaths map[string]bool) (File, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return File{}, fmt.Errorf("beginning file ingest transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fileStore := NewStore(tx)
	stub, err := fileStore.CreateInput(ctx, p)
	if err != nil {
		return File{}, err
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var templates []CreateTemplateParams
	lineNumber := 0
	var sizeBytes int64
	for scanner.Scan() {
		lineNumber++
		line := scanner.Bytes()
		sizeBytes += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}

		var parsed jsonlLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			return File{}, &ValidationError{LineNumber: lineNumber, Reason: "invalid JSON: " + err.Error()}
		}
		if parsed.CustomID == "" {
			return File{}, &ValidationError{LineNumber: lineNumber, Reason: "missing custom_id"}
		}
		if parsed.Method != "POST" {
			return File{}, &ValidationError{LineNumber: lineNumber, Reason: "unsupported method: " + parsed.Method}
		}
		if allowedURLPaths != nil && !allowedURLPaths[parsed.URL] {
			return File{}, &ValidationError{LineNumber: lineNumber, Reason: "unsupported url: " + parsed.URL}
		}

		templates = append(templates, CreateTemplateParams{
			FileID:     stub.ID,
			LineNumber: lineNumber,
			CustomID:   parsed.CustomID,
			Method:     parsed.Method,
			URL:        parsed.URL,
			Body:       parsed.Body,
		})
	}
	if err := scanner.Err(); err != nil {
		return File{}, fmt.Errorf("reading uploaded file: %w", err)
	}
	if len(templates) == 0 {
		return File{}, &ValidationError{LineNumber: 0, Reason: "file contains no request lines"}
	}

	if err := fileStore.CreateTemplates(ctx, templates); err != nil {
		return File{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE files SET size_bytes = $2, updated_at = now() WHERE id = $1`, stub.ID, sizeBytes); err != nil {
		return File{}, fmt.Errorf("finalizing file size: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return File{}, fmt.Errorf("committing file ingest transaction: %w", err)
	}

	stub.SizeBytes = sizeBytes
	return stub, nil
}
