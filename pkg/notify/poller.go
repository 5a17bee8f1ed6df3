package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PollerConfig tunes the notification poller's cadence.
type PollerConfig struct {
	Interval time.Duration
}

// Poller periodically scans for batches that have reached a terminal state
// and not yet been notified on, and posts a Slack message for each.
type Poller struct {
	pool     *pgxpool.Pool
	notifier *Notifier
	cfg      PollerConfig
	logger   *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(pool *pgxpool.Pool, notifier *Notifier, cfg PollerConfig, logger *slog.Logger) *Poller {
	return &Poller{pool: pool, notifier: notifier, cfg: cfg, logger: logger}
}

// Run polls on cfg.Interval until ctx is done. Every tick runs both the
// cancellation drain-check and the completion/failure pass, which records
// failed_at and notified_at; when the notifier is disabled only the Slack
// post itself is skipped.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.finalizeCancellations(ctx); err != nil {
				p.logger.Error("finalizing cancelled batches", "error", err)
			}
			if err := p.tick(ctx); err != nil {
				p.logger.Error("polling for batch notifications", "error", err)
			}
		}
	}
}

// finalizeCancellations sets cancelled_at on every batch that has been
// cancelling and has finished draining: no request left pending, claimed, or
// processing. CancelBatch only forces pending/claimed requests to canceled
// immediately, so a batch with in-flight processing requests stays visibly
// "cancelling" until those requests reach a terminal state on their own.
func (p *Poller) finalizeCancellations(ctx context.Context) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE batches b
		SET cancelled_at = now()
		WHERE b.cancelling_at IS NOT NULL
		  AND b.cancelled_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM requests
			WHERE requests.batch_id = b.id AND requests.state IN ('pending', 'claimed', 'processing')
		  )`,
	)
	if err != nil {
		return fmt.Errorf("finalizing cancelled batches: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		p.logger.Info("finalized cancelled batches", "count", n)
	}
	return nil
}

type finalizedBatch struct {
	BatchEvent
	Status string
}

// tick finds batches that have finished all their requests (and were never
// cancelled) and are not yet notified on, marks failed_at when every request
// failed, marks notified_at, and posts the corresponding Slack message.
// Cancelling/cancelled batches are excluded: their terminal notification, if
// any is ever added, belongs to finalizeCancellations, not here.
func (p *Poller) tick(ctx context.Context) error {
	rows, err := p.pool.Query(ctx, `
		WITH candidates AS (
			SELECT b.id, b.endpoint, b.completion_window, b.created_by,
				count(r.id) AS total,
				count(r.id) FILTER (WHERE r.state = 'failed') AS failed
			FROM batches b
			JOIN requests r ON r.batch_id = b.id
			WHERE b.notified_at IS NULL
			  AND b.cancelling_at IS NULL
			  AND b.cancelled_at IS NULL
			  AND b.requests_started_at IS NOT NULL
			GROUP BY b.id
			HAVING count(r.id) FILTER (WHERE r.state IN ('pending', 'claimed', 'processing')) = 0
		),
		updated AS (
			UPDATE batches
			SET notified_at = now(),
				failed_at = CASE WHEN c.failed = c.total AND c.total > 0 THEN now() ELSE batches.failed_at END
			FROM candidates c
			WHERE batches.id = c.id
			RETURNING batches.id, c.endpoint, c.completion_window, c.created_by, c.total, c.failed,
				(c.failed = c.total AND c.total > 0) AS all_failed
		)
		SELECT id, endpoint, completion_window, created_by, total, failed, all_failed FROM updated`,
	)
	if err != nil {
		return fmt.Errorf("selecting finalized batches: %w", err)
	}
	defer rows.Close()

	var batches []finalizedBatch
	for rows.Next() {
		var fb finalizedBatch
		var allFailed bool
		if err := rows.Scan(&fb.BatchID, &fb.Endpoint, &fb.CompletionWindow, &fb.CreatedBy, &fb.TotalRequests, &fb.FailedRequests, &allFailed); err != nil {
			return fmt.Errorf("scanning finalized batch: %w", err)
		}
		if allFailed {
			fb.Status = "failed"
		} else {
			fb.Status = "completed"
		}
		batches = append(batches, fb)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating finalized batches: %w", err)
	}

	for _, fb := range batches {
		if fb.Status == "failed" {
			p.notifier.NotifyFailed(ctx, fb.BatchEvent)
		} else {
			p.notifier.NotifyCompleted(ctx, fb.BatchEvent)
		}
	}
	return nil
}
