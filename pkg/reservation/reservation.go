// Package reservation implements admission-time capacity accounting for
// batches: before a batch is allowed to commit, it reserves enough of each
// target model's throughput budget to cover its completion window, so two
// batches admitted concurrently can't jointly oversubscribe a model.
package reservation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reservation is a provisional hold against a model's throughput budget for
// a completion window, created while a batch is being admitted and released
// once the batch's requests are durably committed (or the admission fails).
type Reservation struct {
	ID                uuid.UUID
	ModelID           uuid.UUID
	CompletionWindow  string
	RequestCount      int64
	ExpiresAt         time.Time
	ReleasedAt        *time.Time
	CreatedAt         time.Time
}

// InsufficientCapacity is returned when one or more models in a batch don't
// have enough free throughput budget for the requested completion window.
type InsufficientCapacity struct {
	CompletionWindow string
	Overloaded       map[string]int64 // alias -> additional capacity units needed
}

func (e *InsufficientCapacity) Error() string {
	names := make([]string, 0, len(e.Overloaded))
	for alias := range e.Overloaded {
		names = append(names, alias)
	}
	return fmt.Sprintf(
		"insufficient capacity for %s completion window: at capacity for %s",
		e.CompletionWindow, strings.Join(names, ", "),
	)
}

// windowSeconds parses a completion window token ("1h", "24h", "1w") into
// seconds. Unrecognized tokens fall back to time.ParseDuration, which covers
// any Go-style duration string an operator configures.
func windowSeconds(window string) (int64, error) {
	switch window {
	case "1w":
		return 7 * 24 * 3600, nil
	}
	d, err := time.ParseDuration(window)
	if err != nil {
		return 0, fmt.Errorf("parsing completion window %q: %w", window, err)
	}
	return int64(d.Seconds()), nil
}

// EffectiveCapacity returns how many requests a model can absorb within the
// given completion window, given its steady-state throughput (requests/sec)
// and the window's relaxation factor. A relaxation factor > 1 lets a model
// burst above its steady-state rate for that window (e.g. overnight batches
// can run hotter than the model's live-traffic budget allows); a factor of 0
// closes the window to batch traffic entirely.
func EffectiveCapacity(throughput float64, window string, relaxationFactor float64) (int64, error) {
	seconds, err := windowSeconds(window)
	if err != nil {
		return 0, err
	}
	return int64(throughput * float64(seconds) * relaxationFactor), nil
}
