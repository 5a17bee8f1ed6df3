package request

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doublewordai/batchctl/internal/db"
	"github.com/doublewordai/batchctl/internal/telemetry"
)

// Store provides request persistence, including the round-robin claim
// algorithm dispatchers use to pull work.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a request Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// UnclaimStale resets requests stuck in claimed or processing past their
// respective timeouts back to pending, preserving retry_attempt. This is the
// self-healing path for a daemon that crashed mid-dispatch; it runs at the
// start of every ClaimRequests call.
func (s *Store) UnclaimStale(ctx context.Context, claimTimeout, processingTimeout time.Duration) (int64, error) {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE requests
		SET state = 'pending', daemon_id = NULL, claimed_at = NULL, started_at = NULL
		WHERE (state = 'claimed' AND claimed_at < now() - $1::interval)
		   OR (state = 'processing' AND started_at < now() - $2::interval)`,
		claimTimeout.String(), processingTimeout.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("unclaiming stale requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimRequests claims up to limit pending requests for daemonID, reclaiming
// stale claims first. Claims are interleaved round-robin across models by
// partitioning candidate rows on model and ranking by created_at within each
// partition, so one saturated model can't starve the others out of a shared
// claim batch.
func (s *Store) ClaimRequests(ctx context.Context, limit int, daemonID uuid.UUID, claimTimeout, processingTimeout time.Duration) ([]Claimed, error) {
	reclaimed, err := s.UnclaimStale(ctx, claimTimeout, processingTimeout)
	if err != nil {
		return nil, err
	}
	telemetry.StaleClaimsReclaimedTotal.Add(float64(reclaimed))

	now := time.Now()
	rows, err := s.dbtx.Query(ctx, `
		WITH locked_requests AS (
			SELECT id, model, created_at
			FROM requests
			WHERE state = 'pending'
			  AND (not_before IS NULL OR not_before <= $2)
			FOR UPDATE SKIP LOCKED
		),
		ranked AS (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY model ORDER BY created_at) AS model_rn, created_at
			FROM locked_requests
		),
		to_claim AS (
			SELECT id FROM ranked ORDER BY model_rn, created_at ASC LIMIT $3
		)
		UPDATE requests
		SET state = 'claimed', daemon_id = $1, claimed_at = $2
		FROM to_claim
		WHERE requests.id = to_claim.id
		RETURNING requests.id, requests.batch_id, requests.template_id, requests.endpoint,
		          requests.method, requests.path, requests.body, requests.model,
		          requests.api_key, requests.retry_attempt`,
		daemonID, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming requests: %w", err)
	}
	defer rows.Close()

	var claimed []Claimed
	for rows.Next() {
		var c Claimed
		if err := rows.Scan(
			&c.ID, &c.BatchID, &c.TemplateID, &c.Endpoint,
			&c.Method, &c.Path, &c.Body, &c.Model,
			&c.APIKey, &c.RetryAttempt,
		); err != nil {
			return nil, fmt.Errorf("scanning claimed request: %w", err)
		}
		c.DaemonID = daemonID
		c.ClaimedAt = now
		claimed = append(claimed, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimed requests: %w", err)
	}
	return claimed, nil
}

// ErrRequestNotFound is returned by PersistProcessing and PersistPending when
// the targeted request row doesn't exist or isn't in the expected prior state.
// The terminal transitions (PersistCompleted, PersistFailed) report that case
// as false with a nil error instead.
var ErrRequestNotFound = pgx.ErrNoRows

// PersistProcessing transitions a claimed request into processing.
func (s *Store) PersistProcessing(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	tag, err := s.dbtx.Exec(ctx,
		`UPDATE requests SET state = 'processing', started_at = $2 WHERE id = $1 AND state = 'claimed'`,
		id, startedAt,
	)
	if err != nil {
		return fmt.Errorf("persisting processing state for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// PersistPending returns a request to pending for retry, preserving the
// bumped retry_attempt and a not_before delay from backoff.
func (s *Store) PersistPending(ctx context.Context, id uuid.UUID, retryAttempt int, notBefore time.Time) error {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE requests SET
			state = 'pending', retry_attempt = $2, not_before = $3,
			daemon_id = NULL, claimed_at = NULL, started_at = NULL
		WHERE id = $1`,
		id, retryAttempt, notBefore,
	)
	if err != nil {
		return fmt.Errorf("persisting pending state for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// PersistCompleted transitions a request to completed. The WHERE clause is
// conditioned on state = 'processing' so a request that was concurrently
// canceled (moved straight to 'canceled' by the batch-cancel path) doesn't
// get silently overwritten back to completed by a dispatcher that hadn't
// noticed yet; affecting zero rows in that case is expected, not an error.
func (s *Store) PersistCompleted(ctx context.Context, id uuid.UUID, statusCode int, responseBody []byte, completedAt time.Time) (bool, error) {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE requests SET state = 'completed', status_code = $2, response_body = $3, completed_at = $4
		WHERE id = $1 AND state = 'processing'`,
		id, statusCode, responseBody, completedAt,
	)
	if err != nil {
		return false, fmt.Errorf("persisting completed state for %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// PersistFailed transitions a request to failed, terminally. Same
// concurrent-cancel caveat as PersistCompleted applies.
func (s *Store) PersistFailed(ctx context.Context, id uuid.UUID, statusCode *int, errMsg string, failedAt time.Time) (bool, error) {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE requests SET state = 'failed', status_code = $2, error_message = $3, failed_at = $4
		WHERE id = $1 AND state = 'processing'`,
		id, statusCode, errMsg, failedAt,
	)
	if err != nil {
		return false, fmt.Errorf("persisting failed state for %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountActiveByModelWindow counts requests that are pending or in flight
// (not yet terminal) for the given models, used as the second, fail-safe
// capacity read in pkg/reservation. It intentionally ignores completion
// window — committed requests don't carry one; the window only scopes
// reservations still being negotiated.
func (s *Store) CountActiveByModelWindow(ctx context.Context, modelIDs []uuid.UUID, _ string) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(modelIDs))
	if len(modelIDs) == 0 {
		return out, nil
	}
	rows, err := s.dbtx.Query(ctx, `
		SELECT model_id, count(*)
		FROM requests
		WHERE model_id = ANY($1) AND state NOT IN ('completed', 'failed', 'canceled')
		GROUP BY model_id`,
		modelIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("counting active requests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var modelID uuid.UUID
		var count int64
		if err := rows.Scan(&modelID, &count); err != nil {
			return nil, fmt.Errorf("scanning active request count row: %w", err)
		}
		out[modelID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating active request count rows: %w", err)
	}
	return out, nil
}

// CountPendingAndInProgress returns the number of a batch's requests that
// have not yet reached a terminal state, used to decide whether a batch has
// finished (see pkg/admission's status derivation).
func (s *Store) CountPendingAndInProgress(ctx context.Context, batchID uuid.UUID) (int64, error) {
	var count int64
	err := s.dbtx.QueryRow(ctx,
		`SELECT count(*) FROM requests WHERE batch_id = $1 AND state NOT IN ('completed', 'failed', 'canceled')`,
		batchID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending/in-progress requests for batch %s: %w", batchID, err)
	}
	return count, nil
}

// GetByIDs returns requests matching ids, in no particular order; callers
// that need input order preserved (e.g. results streaming) re-key by ID.
func (s *Store) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]Request, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id, batch_id, template_id, endpoint, method, path, body, model, api_key,
		       state, retry_attempt, not_before, daemon_id, claimed_at, started_at,
		       completed_at, failed_at, canceled_at, response_body, status_code,
		       error_message, created_at
		FROM requests WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("getting requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(
			&r.ID, &r.BatchID, &r.TemplateID, &r.Endpoint, &r.Method, &r.Path, &r.Body, &r.Model, &r.APIKey,
			&r.State, &r.RetryAttempt, &r.NotBefore, &r.DaemonID, &r.ClaimedAt, &r.StartedAt,
			&r.CompletedAt, &r.FailedAt, &r.CanceledAt, &r.ResponseBody, &r.StatusCode,
			&r.ErrorMessage, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning request row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request rows: %w", err)
	}
	return out, nil
}
