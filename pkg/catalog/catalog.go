// Package catalog resolves model aliases to the deployment metadata the
// admission and dispatcher layers need: which model a batch targets, and how
// much sustained throughput it can absorb. The catalog itself is owned by
// another service; this package only reads it, through a read-through cache.
package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Deployment describes a deployed model as seen by the control plane. Per
// alias there is exactly one upstream URL and key: batchctl does not
// schedule across heterogeneous backends for the same deployment.
type Deployment struct {
	ID        uuid.UUID
	Alias     string
	ModelName string
	BaseURL   string
	APIKey    string
	// RequestsPerSecond is nil when the catalog has no throughput configured
	// for this deployment. A configured value of exactly 0 is a deliberate
	// "admit nothing" setting and must not fall back to the default.
	RequestsPerSecond *float64
	Deleted           bool
}

// EffectiveThroughput returns the deployment's configured steady-state
// throughput, falling back to defaultThroughput only when the catalog has no
// value configured at all.
func (d Deployment) EffectiveThroughput(defaultThroughput float64) float64 {
	if d.RequestsPerSecond == nil {
		return defaultThroughput
	}
	return *d.RequestsPerSecond
}

// ErrUnknownAlias is returned when a model alias does not resolve to any
// deployment in the catalog.
type ErrUnknownAlias struct {
	Alias string
}

func (e ErrUnknownAlias) Error() string {
	return "unknown model alias: " + e.Alias
}

const cacheTTL = 30 * time.Second
