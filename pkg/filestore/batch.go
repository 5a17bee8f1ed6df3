package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const batchColumns = `id, input_file_id, endpoint, completion_window, metadata, output_file_id,
	error_file_id, created_by, request_source, requests_started_at, cancelling_at,
	cancelled_at, failed_at, created_at, updated_at`

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	var metadata []byte
	err := row.Scan(
		&b.ID, &b.InputFileID, &b.Endpoint, &b.CompletionWindow, &metadata, &b.OutputFileID,
		&b.ErrorFileID, &b.CreatedBy, &b.RequestSource, &b.RequestsStartedAt, &b.CancellingAt,
		&b.CancelledAt, &b.FailedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return Batch{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &b.Metadata); err != nil {
			return Batch{}, fmt.Errorf("decoding batch metadata: %w", err)
		}
	}
	return b, nil
}

// BatchTemplate is one request template, resolved to its model deployment,
// feeding CreateBatch's per-request insert.
type BatchTemplate struct {
	TemplateID uuid.UUID
	ModelID    uuid.UUID
	ModelAlias string
	CustomID   string
	Method     string
	URL        string
	Body       []byte
	APIKey     string
}

// CreateBatchParams holds everything needed to atomically create a batch and
// its requests.
type CreateBatchParams struct {
	InputFileID      uuid.UUID
	Endpoint         string
	CompletionWindow string
	Metadata         map[string]string
	CreatedBy        string
	RequestSource    string
	Templates        []BatchTemplate
}

// CreateBatch inserts the batch row, its virtual output/error files, and one
// request row per template, all in a single transaction — matching the
// all-or-nothing guarantee a batch input file gets at upload time: either
// every line becomes a dispatchable request, or the batch is never created.
func CreateBatch(ctx context.Context, pool *pgxpool.Pool, p CreateBatchParams) (Batch, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("beginning batch creation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return Batch{}, fmt.Errorf("encoding batch metadata: %w", err)
	}

	var batchID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO batches (input_file_id, endpoint, completion_window, metadata, created_by, request_source)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		p.InputFileID, p.Endpoint, p.CompletionWindow, metadata, p.CreatedBy, p.RequestSource,
	).Scan(&batchID)
	if err != nil {
		return Batch{}, fmt.Errorf("inserting batch: %w", err)
	}

	fileStore := NewStore(tx)
	outputFile, err := fileStore.CreateVirtual(ctx, PurposeBatchOutput, batchID, fmt.Sprintf("batch_%s_output.jsonl", batchID), p.CreatedBy)
	if err != nil {
		return Batch{}, err
	}
	errorFile, err := fileStore.CreateVirtual(ctx, PurposeBatchError, batchID, fmt.Sprintf("batch_%s_errors.jsonl", batchID), p.CreatedBy)
	if err != nil {
		return Batch{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE batches SET output_file_id = $2, error_file_id = $3 WHERE id = $1`,
		batchID, outputFile.ID, errorFile.ID,
	); err != nil {
		return Batch{}, fmt.Errorf("linking batch output/error files: %w", err)
	}

	for _, t := range p.Templates {
		_, err := tx.Exec(ctx, `
			INSERT INTO requests (batch_id, template_id, endpoint, method, path, body, model, model_id, api_key, state)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')`,
			batchID, t.TemplateID, p.Endpoint, t.Method, t.URL, t.Body, t.ModelAlias, t.ModelID, t.APIKey,
		)
		if err != nil {
			return Batch{}, fmt.Errorf("inserting request for template %s: %w", t.TemplateID, err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE batches SET requests_started_at = now() WHERE id = $1`, batchID); err != nil {
		return Batch{}, fmt.Errorf("marking batch requests started: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Batch{}, fmt.Errorf("committing batch creation transaction: %w", err)
	}

	return GetBatch(ctx, pool, batchID)
}

// GetBatch returns a batch by ID.
func GetBatch(ctx context.Context, dbtx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, id uuid.UUID) (Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	b, err := scanBatch(dbtx.QueryRow(ctx, query, id))
	if err != nil {
		return Batch{}, fmt.Errorf("getting batch %s: %w", id, err)
	}
	return b, nil
}

// CancelBatch marks a batch as cancelling and transitions its pending and
// claimed requests to canceled. Requests already processing are left alone:
// their outcome is decided by whichever of PersistCompleted/PersistFailed or
// the drain check in pkg/notify.Poller observes them finish first. The batch
// only reaches cancelled_at once its drain check finds no pending, claimed,
// or processing requests left — see Poller.finalizeCancellations.
func CancelBatch(ctx context.Context, pool *pgxpool.Pool, id uuid.UUID, canceledAt time.Time) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning batch cancel transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE batches SET cancelling_at = now() WHERE id = $1 AND cancelling_at IS NULL AND cancelled_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("marking batch %s cancelling: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	if _, err := tx.Exec(ctx, `
		UPDATE requests SET state = 'canceled', canceled_at = $2
		WHERE batch_id = $1 AND state IN ('pending', 'claimed')`,
		id, canceledAt,
	); err != nil {
		return fmt.Errorf("canceling requests for batch %s: %w", id, err)
	}

	return tx.Commit(ctx)
}
