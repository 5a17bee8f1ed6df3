package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/doublewordai/batchctl/internal/db"
)

// Store provides reservation persistence. Locking and reserving run against
// an open transaction (see Service.ReserveCapacityForBatch) so that the
// advisory locks it takes are released deterministically on commit or
// rollback; Service.ReleaseReservations runs Release directly on the pool.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a reservation Store backed by the given transaction or pool.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// LockModelWindow takes a transaction-scoped advisory lock for a
// (model, completion_window) pair. Callers must acquire these locks in a
// deterministic order (sorted by model ID) across every model touched by a
// batch, to avoid deadlocking against a concurrent batch that reserves the
// same models in a different order.
func (s *Store) LockModelWindow(ctx context.Context, modelID uuid.UUID, completionWindow string) error {
	_, err := s.dbtx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`,
		modelID.String(), completionWindow,
	)
	if err != nil {
		return fmt.Errorf("locking reservation for model %s window %s: %w", modelID, completionWindow, err)
	}
	return nil
}

// SumActiveByModelWindow returns, for each of the given models, the total
// request count reserved (and not yet released or expired) for the given
// completion window.
func (s *Store) SumActiveByModelWindow(ctx context.Context, modelIDs []uuid.UUID, completionWindow string) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(modelIDs))
	if len(modelIDs) == 0 {
		return out, nil
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT model_id, COALESCE(SUM(request_count), 0)
		FROM batch_capacity_reservations
		WHERE model_id = ANY($1)
		  AND completion_window = $2
		  AND released_at IS NULL
		  AND expires_at > now()
		GROUP BY model_id`,
		modelIDs, completionWindow,
	)
	if err != nil {
		return nil, fmt.Errorf("summing active reservations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var modelID uuid.UUID
		var sum int64
		if err := rows.Scan(&modelID, &sum); err != nil {
			return nil, fmt.Errorf("scanning reservation sum row: %w", err)
		}
		out[modelID] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reservation sum rows: %w", err)
	}
	return out, nil
}

// InsertRow is a single reservation to be created in InsertReservations.
type InsertRow struct {
	ModelID          uuid.UUID
	CompletionWindow string
	RequestCount     int64
	ExpiresAt        time.Time
}

// InsertReservations creates one reservation row per InsertRow and returns
// their IDs in the same order.
func (s *Store) InsertReservations(ctx context.Context, rows []InsertRow) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		var id uuid.UUID
		err := s.dbtx.QueryRow(ctx, `
			INSERT INTO batch_capacity_reservations (model_id, completion_window, request_count, expires_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			r.ModelID, r.CompletionWindow, r.RequestCount, r.ExpiresAt,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("inserting reservation for model %s: %w", r.ModelID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Release marks the given reservations as released, making their capacity
// immediately available to other admission attempts.
func (s *Store) Release(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.dbtx.Exec(ctx,
		`UPDATE batch_capacity_reservations SET released_at = now() WHERE id = ANY($1) AND released_at IS NULL`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("releasing reservations: %w", err)
	}
	return nil
}

// ReleaseExpired releases reservations whose TTL has lapsed without ever
// being explicitly released — the cleanup path for admission attempts that
// crashed between reserving and releasing.
func (s *Store) ReleaseExpired(ctx context.Context) (int64, error) {
	tag, err := s.dbtx.Exec(ctx,
		`UPDATE batch_capacity_reservations SET released_at = now() WHERE released_at IS NULL AND expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("releasing expired reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}
