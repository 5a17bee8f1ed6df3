// Package request implements the per-request lifecycle store and claim
// algorithm that sits underneath a batch: each line of a batch's input file
// becomes one Request, which moves through Pending, Claimed, Processing, and
// a terminal state (Completed, Failed, or Canceled) as the dispatcher works
// it.
package request

import (
	"time"

	"github.com/google/uuid"
)

// State names a request's position in its lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateClaimed    State = "claimed"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCanceled   State = "canceled"
)

// IsTerminal reports whether a request in this state will never transition again.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// Request is a single HTTP call to be dispatched against a model endpoint,
// one per line of a batch's input file.
type Request struct {
	ID            uuid.UUID
	BatchID       uuid.UUID
	TemplateID    uuid.UUID
	Endpoint      string
	Method        string
	Path          string
	Body          []byte
	Model         string
	APIKey        string
	State         State
	RetryAttempt  int
	NotBefore     *time.Time
	DaemonID      *uuid.UUID
	ClaimedAt     *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
	CanceledAt    *time.Time
	ResponseBody  []byte
	StatusCode    *int
	ErrorMessage  *string
	CreatedAt     time.Time
}

// Claimed is a request that has just been claimed by a daemon and is ready
// to be dispatched. It carries exactly the fields the dispatcher's HTTP
// executor needs, independent of the row's full lifecycle history.
type Claimed struct {
	ID           uuid.UUID
	BatchID      uuid.UUID
	TemplateID   uuid.UUID
	Endpoint     string
	Method       string
	Path         string
	Body         []byte
	Model        string
	APIKey       string
	DaemonID     uuid.UUID
	ClaimedAt    time.Time
	RetryAttempt int
}

// Outcome classifies how a dispatch attempt ended, for metrics and retry logic.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetried   Outcome = "retried"
	OutcomeCanceled  Outcome = "canceled"
)
