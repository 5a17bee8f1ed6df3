package request

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Update is the payload published on the request_updates channel whenever a
// request's state changes, via a trigger on the requests table.
type Update struct {
	ID        uuid.UUID `json:"id"`
	BatchID   uuid.UUID `json:"batch_id"`
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Listener streams request state changes via Postgres LISTEN/NOTIFY, for
// callers (result streaming, batch status polling) that want to react to
// changes rather than poll the table.
type Listener struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewListener creates a Listener against pool.
func NewListener(pool *pgxpool.Pool, logger *slog.Logger) *Listener {
	return &Listener{pool: pool, logger: logger}
}

// Listen holds a dedicated connection LISTENing on request_updates and sends
// decoded updates to the returned channel until ctx is canceled. The channel
// is closed on return. Decode failures are logged and skipped rather than
// terminating the stream, since a single malformed notification shouldn't
// take down an otherwise-healthy subscriber.
func (l *Listener) Listen(ctx context.Context) (<-chan Update, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN request_updates"); err != nil {
		conn.Release()
		return nil, fmt.Errorf("issuing LISTEN: %w", err)
	}

	updates := make(chan Update)
	go func() {
		defer conn.Release()
		defer close(updates)
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Error("waiting for request_updates notification", "error", err)
				return
			}

			var u Update
			if err := json.Unmarshal([]byte(notification.Payload), &u); err != nil {
				l.logger.Warn("decoding request_updates payload", "payload", notification.Payload, "error", err)
				continue
			}

			select {
			case updates <- u:
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, nil
}
