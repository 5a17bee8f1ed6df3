// Package admission implements the batch create/get/cancel API, the batch
// results stream, and the derived status the REST surface exposes for a
// batch; it has no endpoint for retrying failed requests. It is the façade that
// decides whether an incoming batch is allowed to run, reserves the
// capacity it needs, and commits it atomically.
package admission

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/doublewordai/batchctl/pkg/filestore"
)

// ErrUnsupportedCompletionWindow is returned when a batch requests a
// completion window the deployment doesn't allow.
var ErrUnsupportedCompletionWindow = errors.New("unsupported completion window")

// ErrUnsupportedEndpoint is returned when a batch targets a URL path that
// isn't in the configured allow-list.
var ErrUnsupportedEndpoint = errors.New("unsupported endpoint")

// CreateBatchRequest is the validated input to creating a batch.
type CreateBatchRequest struct {
	InputFileID      uuid.UUID
	Endpoint         string
	CompletionWindow string
	Metadata         map[string]string
}

// Status is the externally-visible lifecycle stage of a batch, derived from
// its stored fields rather than persisted directly.
type Status string

const (
	StatusValidating  Status = "validating"
	StatusInProgress  Status = "in_progress"
	StatusFinalizing  Status = "finalizing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelling  Status = "cancelling"
	StatusCancelled   Status = "cancelled"
)

// DeriveStatus computes a batch's externally-visible status from its stored
// timestamps and outstanding request count, checked in this order:
// cancelled_at, cancelling_at, then failed_at (written by the notify poller
// once every request of a finished batch has failed); otherwise validating
// while requests_started_at is unset, in_progress while any request is
// pending or in progress, and completed once none is. StatusFinalizing is
// declared but never returned.
func DeriveStatus(b filestore.Batch, pendingAndInProgress int64) Status {
	if b.CancelledAt != nil {
		return StatusCancelled
	}
	if b.CancellingAt != nil {
		return StatusCancelling
	}
	if b.FailedAt != nil {
		return StatusFailed
	}
	if b.RequestsStartedAt == nil {
		return StatusValidating
	}
	if pendingAndInProgress > 0 {
		return StatusInProgress
	}
	return StatusCompleted
}

// BatchResponse is the REST representation of a batch.
type BatchResponse struct {
	ID               uuid.UUID         `json:"id"`
	Status           Status            `json:"status"`
	InputFileID      uuid.UUID         `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	OutputFileID     *uuid.UUID        `json:"output_file_id,omitempty"`
	ErrorFileID      *uuid.UUID        `json:"error_file_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// ToBatchResponse derives the REST shape of a batch.
func ToBatchResponse(b filestore.Batch, pendingAndInProgress int64) BatchResponse {
	return BatchResponse{
		ID:               b.ID,
		Status:           DeriveStatus(b, pendingAndInProgress),
		InputFileID:      b.InputFileID,
		Endpoint:         b.Endpoint,
		CompletionWindow: b.CompletionWindow,
		Metadata:         b.Metadata,
		OutputFileID:     b.OutputFileID,
		ErrorFileID:      b.ErrorFileID,
		CreatedAt:        b.CreatedAt,
	}
}
