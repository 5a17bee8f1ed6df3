// Package leader implements single-holder leader election over a PostgreSQL
// session-scoped advisory lock, so that exactly one batchctl worker process
// runs the dispatcher in a multi-replica deployment.
package leader

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doublewordai/batchctl/internal/telemetry"
)

// DefaultLockID identifies the advisory lock batchctl uses for dispatcher
// leader election when the configured key is 0 (see New). Unlike
// reservation locks (derived via hashtext per model/window), there is
// exactly one of these per deployment, so a stable, greppable default is
// worth more than avoiding a magic number — but it is configurable, since
// two batchctl clusters sharing one Postgres instance must not collide.
const DefaultLockID int64 = 0x4243_544c_4541_4421 // "BCTLEAD!" in hex

// Mode controls whether a worker requires leadership before dispatching.
type Mode string

const (
	// ModeAlways runs the dispatcher regardless of leadership, for
	// deployments with exactly one worker replica.
	ModeAlways Mode = "always"
	// ModeLeader runs the dispatcher only while this process holds the
	// advisory lock.
	ModeLeader Mode = "leader"
	// ModeNever never runs the dispatcher in this process (API-only nodes).
	ModeNever Mode = "never"
)

// Elector attempts to acquire and hold lockID on a dedicated connection,
// invoking onGained/onLost as leadership transitions.
type Elector struct {
	pool         *pgxpool.Pool
	lockID       int64
	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates an Elector that polls for leadership every pollInterval. A
// lockID of 0 falls back to DefaultLockID.
func New(pool *pgxpool.Pool, lockID int64, pollInterval time.Duration, logger *slog.Logger) *Elector {
	if lockID == 0 {
		lockID = DefaultLockID
	}
	return &Elector{pool: pool, lockID: lockID, pollInterval: pollInterval, logger: logger}
}

// Run polls for leadership until ctx is canceled. onGained is called with a
// context scoped to the leadership session (canceled the moment the lock is
// lost or Run returns) and should block until that context is done.
// onLost is called after onGained returns, whether leadership was lost or
// Run is shutting down.
func (e *Elector) Run(ctx context.Context, onGained func(context.Context), onLost func()) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		conn, acquired, err := e.tryAcquire(ctx)
		if err != nil {
			e.logger.Error("attempting leader election", "error", err)
			continue
		}
		if !acquired {
			continue
		}

		e.logger.Info("acquired dispatcher leadership", "lock_id", e.lockID)
		telemetry.LeadershipState.Set(1)
		e.holdLeadership(ctx, conn, onGained, onLost)
		telemetry.LeadershipState.Set(0)
	}
}

func (e *Elector) tryAcquire(ctx context.Context) (*pgxpool.Conn, bool, error) {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", e.lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	return conn, true, nil
}

// holdLeadership runs onGained under a session context that is canceled
// either when the caller's ctx is done or when the held connection is lost
// (which silently releases the advisory lock on the Postgres side too,
// since advisory locks are tied to the session).
func (e *Elector) holdLeadership(ctx context.Context, conn *pgxpool.Conn, onGained func(context.Context), onLost func()) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		onGained(sessionCtx)
		close(done)
	}()

	healthTicker := time.NewTicker(e.pollInterval)
	defer healthTicker.Stop()

	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", e.lockID); err != nil {
			e.logger.Warn("releasing leadership lock", "error", err)
		}
		conn.Release()
		onLost()
		e.logger.Info("released dispatcher leadership", "lock_id", e.lockID)
	}()

	for {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			return
		case <-done:
			return
		case <-healthTicker.C:
			if err := conn.Conn().Ping(ctx); err != nil {
				e.logger.Warn("lost connection holding leadership lock", "error", err)
				cancel()
				<-done
				return
			}
		}
	}
}

// Dispatch reports whether mode requires running the dispatcher given the
// current leadership state.
func Dispatch(mode Mode, isLeader bool) bool {
	switch mode {
	case ModeAlways:
		return true
	case ModeLeader:
		return isLeader
	default:
		return false
	}
}
