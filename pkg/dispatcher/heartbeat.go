package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DaemonState mirrors a dispatcher's lifecycle as recorded in the daemons table.
type DaemonState string

const (
	DaemonInitializing DaemonState = "initializing"
	DaemonRunning      DaemonState = "running"
	DaemonDead         DaemonState = "dead"
)

// HeartbeatStore persists daemon lifecycle and periodic stats.
type HeartbeatStore struct {
	pool *pgxpool.Pool
}

// NewHeartbeatStore creates a HeartbeatStore.
func NewHeartbeatStore(pool *pgxpool.Pool) *HeartbeatStore {
	return &HeartbeatStore{pool: pool}
}

// Register inserts a daemon row in the initializing state.
func (h *HeartbeatStore) Register(ctx context.Context, id uuid.UUID, hostname string) error {
	_, err := h.pool.Exec(ctx, `
		INSERT INTO daemons (id, hostname, state, started_at, last_heartbeat_at)
		VALUES ($1, $2, 'initializing', now(), now())
		ON CONFLICT (id) DO UPDATE SET hostname = $2, state = 'initializing', started_at = now(), last_heartbeat_at = now()`,
		id, hostname,
	)
	if err != nil {
		return fmt.Errorf("registering daemon %s: %w", id, err)
	}
	return nil
}

// Beat records a liveness heartbeat with the given in-flight request count.
func (h *HeartbeatStore) Beat(ctx context.Context, id uuid.UUID, inFlight int64) error {
	_, err := h.pool.Exec(ctx, `
		UPDATE daemons SET state = 'running', last_heartbeat_at = now(), in_flight_requests = $2
		WHERE id = $1`,
		id, inFlight,
	)
	if err != nil {
		return fmt.Errorf("recording heartbeat for daemon %s: %w", id, err)
	}
	return nil
}

// MarkDead records a graceful shutdown.
func (h *HeartbeatStore) MarkDead(ctx context.Context, id uuid.UUID) error {
	_, err := h.pool.Exec(ctx, `UPDATE daemons SET state = 'dead', stopped_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking daemon %s dead: %w", id, err)
	}
	return nil
}

// RunHeartbeatLoop records a heartbeat every interval until ctx is done, then
// marks the daemon dead on the way out.
func RunHeartbeatLoop(ctx context.Context, store *HeartbeatStore, id uuid.UUID, interval time.Duration, inFlight func() int64, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			markCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.MarkDead(markCtx, id); err != nil {
				logger.Error("marking daemon dead", "daemon_id", id, "error", err)
			}
			return
		case <-ticker.C:
			if err := store.Beat(ctx, id, inFlight()); err != nil {
				logger.Error("recording heartbeat", "daemon_id", id, "error", err)
			}
		}
	}
}
