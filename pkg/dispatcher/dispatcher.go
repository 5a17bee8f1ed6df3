// Package dispatcher implements the daemon loop that claims pending
// requests and executes them against their target model endpoint, retrying
// transient failures with backoff and respecting both a global and a
// per-model concurrency ceiling.
package dispatcher

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/doublewordai/batchctl/internal/telemetry"
	"github.com/doublewordai/batchctl/pkg/request"
)

// Config holds the dispatcher's tunables.
type Config struct {
	DaemonID             uuid.UUID
	GlobalConcurrency    int
	DefaultModelLimit    int
	PollInterval         time.Duration
	ClaimTimeout         time.Duration
	ProcessingTimeout    time.Duration
	MaxRetries           int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	HTTPRequestTimeout   time.Duration
	MaxResponseBodyBytes int64
}

// Dispatcher claims and executes requests until its context is canceled.
type Dispatcher struct {
	cfg     Config
	store   *request.Store
	client  *http.Client
	logger  *slog.Logger
	inFlight int64

	mu          sync.Mutex
	modelLimits map[string]int
	modelInUse  map[string]int
}

// New creates a Dispatcher.
func New(cfg Config, store *request.Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.HTTPRequestTimeout},
		logger: logger,
		modelLimits: make(map[string]int),
		modelInUse:  make(map[string]int),
	}
}

// SetModelLimit overrides the per-model concurrency ceiling for model. A
// limit of 0 falls back to Config.DefaultModelLimit. Callers (e.g. a catalog
// refresh loop) may call this concurrently with Run; reads tolerate a
// momentarily stale value, since a claimed-but-over-limit request is simply
// released back to pending on its next pass rather than executed.
func (d *Dispatcher) SetModelLimit(model string, limit int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modelLimits[model] = limit
}

// InFlight returns the current number of requests being executed, for the
// heartbeat loop to report alongside liveness.
func (d *Dispatcher) InFlight() int64 {
	return atomic.LoadInt64(&d.inFlight)
}

// Run claims and dispatches requests on cfg.PollInterval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	freeSlots := d.cfg.GlobalConcurrency - int(atomic.LoadInt64(&d.inFlight))
	if freeSlots <= 0 {
		return
	}

	claimed, err := d.store.ClaimRequests(ctx, freeSlots, d.cfg.DaemonID, d.cfg.ClaimTimeout, d.cfg.ProcessingTimeout)
	if err != nil {
		d.logger.Error("claiming requests", "error", err)
		return
	}

	for _, c := range claimed {
		if !d.tryReserveModelSlot(c.Model) {
			// Per-model limit already saturated by the rest of this batch;
			// release this claim back to pending immediately rather than
			// holding it until ClaimTimeout expires.
			if err := d.store.PersistPending(ctx, c.ID, c.RetryAttempt, time.Now()); err != nil {
				d.logger.Error("releasing over-limit claim", "request_id", c.ID, "error", err)
			}
			continue
		}

		atomic.AddInt64(&d.inFlight, 1)
		telemetry.InFlightRequests.WithLabelValues(c.Model).Inc()
		telemetry.RequestsClaimedTotal.WithLabelValues(c.Model).Inc()

		go func(claimed request.Claimed) {
			defer func() {
				atomic.AddInt64(&d.inFlight, -1)
				telemetry.InFlightRequests.WithLabelValues(claimed.Model).Dec()
				d.releaseModelSlot(claimed.Model)
			}()
			d.execute(ctx, claimed)
		}(c)
	}
}

func (d *Dispatcher) tryReserveModelSlot(model string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	limit := d.modelLimitLocked(model)
	if d.modelInUse[model] >= limit {
		return false
	}
	d.modelInUse[model]++
	return true
}

func (d *Dispatcher) modelLimitLocked(model string) int {
	if limit, ok := d.modelLimits[model]; ok && limit > 0 {
		return limit
	}
	return d.cfg.DefaultModelLimit
}

func (d *Dispatcher) releaseModelSlot(model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.modelInUse[model] > 0 {
		d.modelInUse[model]--
	}
}
