package filestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doublewordai/batchctl/internal/db"
)

// Store provides file persistence.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a filestore Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const fileColumns = `id, filename, purpose, size_bytes, status, error_message,
	expires_at, deleted_at, created_by, batch_id, created_at, updated_at`

func scanFile(row pgx.Row) (File, error) {
	var f File
	err := row.Scan(
		&f.ID, &f.Filename, &f.Purpose, &f.SizeBytes, &f.Status, &f.ErrorMessage,
		&f.ExpiresAt, &f.DeletedAt, &f.CreatedBy, &f.BatchID, &f.CreatedAt, &f.UpdatedAt,
	)
	return f, err
}

// Get returns a file by ID. A missing file comes back as a wrapped
// pgx.ErrNoRows. Get makes no ownership check: any caller can read any
// file by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`
	f, err := scanFile(s.dbtx.QueryRow(ctx, query, id))
	if err != nil {
		return File{}, fmt.Errorf("getting file %s: %w", id, err)
	}
	return f, nil
}

// CreateInputParams holds the fields needed to register an uploaded input file.
type CreateInputParams struct {
	Filename  string
	SizeBytes int64
	CreatedBy string
	ExpiresAt *time.Time
}

// CreateInput inserts a new batch_input file row.
func (s *Store) CreateInput(ctx context.Context, p CreateInputParams) (File, error) {
	query := `INSERT INTO files (filename, purpose, size_bytes, status, created_by, expires_at)
		VALUES ($1, 'batch_input', $2, 'processed', $3, $4)
		RETURNING ` + fileColumns
	f, err := scanFile(s.dbtx.QueryRow(ctx, query, p.Filename, p.SizeBytes, p.CreatedBy, p.ExpiresAt))
	if err != nil {
		return File{}, fmt.Errorf("creating input file: %w", err)
	}
	return f, nil
}

// CreateVirtual inserts a batch_output or batch_error file, linked to batchID.
func (s *Store) CreateVirtual(ctx context.Context, purpose Purpose, batchID uuid.UUID, filename, createdBy string) (File, error) {
	query := `INSERT INTO files (filename, purpose, size_bytes, status, created_by, batch_id)
		VALUES ($1, $2, 0, 'processed', $3, $4)
		RETURNING ` + fileColumns
	f, err := scanFile(s.dbtx.QueryRow(ctx, query, filename, purpose, createdBy, batchID))
	if err != nil {
		return File{}, fmt.Errorf("creating virtual %s file for batch %s: %w", purpose, batchID, err)
	}
	return f, nil
}

// MarkExpired transitions a processed file to expired, if its expiry has passed.
func (s *Store) MarkExpired(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx,
		`UPDATE files SET status = 'expired', updated_at = now() WHERE id = $1 AND status = 'processed'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("marking file %s expired: %w", id, err)
	}
	return nil
}

// SoftDelete marks a file deleted.
func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx,
		`UPDATE files SET status = 'deleted', deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("deleting file %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CreateTemplateParams holds one parsed JSONL line destined for request_templates.
type CreateTemplateParams struct {
	FileID     uuid.UUID
	LineNumber int
	CustomID   string
	Method     string
	URL        string
	Body       []byte
}

// CreateTemplates bulk-inserts request templates for a file within the
// caller's transaction (see CreateFileStream).
func (s *Store) CreateTemplates(ctx context.Context, templates []CreateTemplateParams) error {
	for _, t := range templates {
		_, err := s.dbtx.Exec(ctx, `
			INSERT INTO request_templates (file_id, line_number, custom_id, method, url, body)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			t.FileID, t.LineNumber, t.CustomID, t.Method, t.URL, t.Body,
		)
		if err != nil {
			return fmt.Errorf("inserting request template line %d: %w", t.LineNumber, err)
		}
	}
	return nil
}

// ListTemplatesAfter returns up to limit templates for a file with
// line_number > afterLine, ordered by line number — the keyset-pagination
// counterpart to ListTemplates' offset pagination, used for every page of a
// content stream (starting from afterLine 0).
func (s *Store) ListTemplatesAfter(ctx context.Context, fileID uuid.UUID, afterLine, limit int) ([]RequestTemplate, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id, file_id, line_number, custom_id, method, url, body, created_at
		FROM request_templates WHERE file_id = $1 AND line_number > $2 ORDER BY line_number LIMIT $3`,
		fileID, afterLine, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing templates for file %s after line %d: %w", fileID, afterLine, err)
	}
	defer rows.Close()

	var out []RequestTemplate
	for rows.Next() {
		var t RequestTemplate
		if err := rows.Scan(&t.ID, &t.FileID, &t.LineNumber, &t.CustomID, &t.Method, &t.URL, &t.Body, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning request template row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request template rows: %w", err)
	}
	return out, nil
}

// CountTemplates returns how many templates were parsed out of a file.
func (s *Store) CountTemplates(ctx context.Context, fileID uuid.UUID) (int64, error) {
	var count int64
	err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM request_templates WHERE file_id = $1`, fileID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting templates for file %s: %w", fileID, err)
	}
	return count, nil
}

// ListTemplates returns templates for a file ordered by line number, with
// offset pagination — used for rehydrating a batch's requests at creation
// time.
func (s *Store) ListTemplates(ctx context.Context, fileID uuid.UUID, limit, offset int) ([]RequestTemplate, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id, file_id, line_number, custom_id, method, url, body, created_at
		FROM request_templates WHERE file_id = $1 ORDER BY line_number LIMIT $2 OFFSET $3`,
		fileID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing templates for file %s: %w", fileID, err)
	}
	defer rows.Close()

	var out []RequestTemplate
	for rows.Next() {
		var t RequestTemplate
		if err := rows.Scan(&t.ID, &t.FileID, &t.LineNumber, &t.CustomID, &t.Method, &t.URL, &t.Body, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning request template row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request template rows: %w", err)
	}
	return out, nil
}
