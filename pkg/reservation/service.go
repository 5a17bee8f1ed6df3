package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doublewordai/batchctl/internal/telemetry"
)

// PendingCounter reads committed pending+in-flight request counts by model
// for a completion window. It is satisfied by pkg/request's Store, kept as
// an interface here to avoid a reservation -> request import cycle.
type PendingCounter interface {
	CountActiveByModelWindow(ctx context.Context, modelIDs []uuid.UUID, completionWindow string) (map[uuid.UUID]int64, error)
}

// Service orchestrates capacity reservation across two independent
// connection pools. primaryPool hosts the advisory lock and the reservation
// table; pendingReader (backed by the secondary pool) serves the
// pending-count read, which does not run inside the lock transaction. Using two pools is deliberate: see
// ReserveCapacityForBatch for why, and why the read order matters.
type Service struct {
	primaryPool   *pgxpool.Pool
	pendingReader PendingCounter
	ttl           time.Duration
	logger        *slog.Logger
}

// NewService creates a reservation Service.
func NewService(primaryPool *pgxpool.Pool, pendingReader PendingCounter, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{primaryPool: primaryPool, pendingReader: pendingReader, ttl: ttl, logger: logger}
}

// ModelDemand is one model's contribution to a batch: how many requests it
// will receive and its configured throughput.
type ModelDemand struct {
	Alias      string
	ModelID    uuid.UUID
	Count      int64
	Throughput float64
}

// ReserveCapacityForBatch reserves capacity for every model in demand against
// completionWindow, returning the IDs of the reservations created.
//
// Three phases happen around this call in the admission flow: this function
// is phase one (reserve), the caller's batch-creation transaction is phase
// two, and ReleaseReservations is phase three, called once the batch is
// durably committed or admission is abandoned.
//
// Locks are acquired per (model, window) in ascending model-ID order so that
// two batches reserving overlapping model sets never deadlock against each
// other.
//
// The pending-request count is read from a second, independent pool after
// the advisory locks are held and the active-reservation sum has been read.
// Reading reservations first and pending counts second means a batch that is
// exactly mid-transition — its reservation not yet released, its requests
// not yet committed — gets counted in both reads rather than neither. That
// double-counts load, which biases the decision towards rejecting a
// borderline batch rather than accepting one that shouldn't fit. The inverse
// ordering would risk the opposite: a window where neither read sees the
// in-flight batch, making the system look falsely idle.
func (s *Service) ReserveCapacityForBatch(ctx context.Context, completionWindow string, demand []ModelDemand, relaxationFactor float64) ([]uuid.UUID, error) {
	if len(demand) == 0 {
		return nil, nil
	}

	sorted := make([]ModelDemand, len(demand))
	copy(sorted, demand)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ModelID.String() < sorted[j].ModelID.String()
	})

	tx, err := s.primaryPool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning reservation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	store := NewStore(tx)

	modelIDs := make([]uuid.UUID, 0, len(sorted))
	for _, d := range sorted {
		if err := store.LockModelWindow(ctx, d.ModelID, completionWindow); err != nil {
			return nil, err
		}
		modelIDs = append(modelIDs, d.ModelID)
	}

	reserved, err := store.SumActiveByModelWindow(ctx, modelIDs, completionWindow)
	if err != nil {
		return nil, err
	}

	pending, err := s.pendingReader.CountActiveByModelWindow(ctx, modelIDs, completionWindow)
	if err != nil {
		return nil, fmt.Errorf("counting pending requests: %w", err)
	}

	overloaded := make(map[string]int64)
	for _, d := range sorted {
		capacity, err := EffectiveCapacity(d.Throughput, completionWindow, relaxationFactor)
		if err != nil {
			return nil, err
		}
		inFlight := reserved[d.ModelID] + pending[d.ModelID]
		if inFlight+d.Count > capacity {
			overloaded[d.Alias] = inFlight + d.Count - capacity
			telemetry.ReservationCapacityDeficit.WithLabelValues(d.Alias, completionWindow).Set(float64(overloaded[d.Alias]))
		}
	}

	if len(overloaded) > 0 {
		s.logger.Warn("batch rejected for insufficient capacity",
			"completion_window", completionWindow, "overloaded", overloaded)
		return nil, &InsufficientCapacity{CompletionWindow: completionWindow, Overloaded: overloaded}
	}

	expiresAt := time.Now().Add(s.ttl)
	var rows []InsertRow
	for _, d := range sorted {
		if d.Count <= 0 {
			continue
		}
		rows = append(rows, InsertRow{
			ModelID:          d.ModelID,
			CompletionWindow: completionWindow,
			RequestCount:     d.Count,
			ExpiresAt:        expiresAt,
		})
	}

	ids, err := store.InsertReservations(ctx, rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing reservation transaction: %w", err)
	}

	return ids, nil
}

// ReleaseReservations releases previously created reservations. Failures are
// logged rather than returned: by the time this runs the batch itself has
// already committed (or admission has already failed for an unrelated
// reason), and an unreleased reservation only self-heals late via its TTL —
// it never blocks correctness.
func (s *Service) ReleaseReservations(ctx context.Context, ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	store := NewStore(s.primaryPool)
	if err := store.Release(ctx, ids); err != nil {
		s.logger.Error("releasing capacity reservations", "reservation_ids", ids, "error", err)
	}
}
