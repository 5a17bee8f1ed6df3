// Package filestore holds uploaded input files, the per-line request
// templates parsed out of them, batches, and the virtual output/error files
// a batch produces once its requests complete.
package filestore

import (
	"time"

	"github.com/google/uuid"
)

// Purpose distinguishes an uploaded input file from the virtual files a
// batch generates once it runs.
type Purpose string

const (
	PurposeBatchInput Purpose = "batch_input"
	PurposeBatchOutput Purpose = "batch_output"
	PurposeBatchError  Purpose = "batch_error"
)

// FileStatus mirrors the lifecycle of an uploaded or generated file.
type FileStatus string

const (
	FileStatusProcessed FileStatus = "processed"
	FileStatusError     FileStatus = "error"
	FileStatusDeleted   FileStatus = "deleted"
	FileStatusExpired   FileStatus = "expired"
)

// File is a row in the files table: either something a caller uploaded
// (batch_input) or something this service produced (batch_output/batch_error).
type File struct {
	ID           uuid.UUID
	Filename     string
	Purpose      Purpose
	SizeBytes    int64
	Status       FileStatus
	ErrorMessage *string
	ExpiresAt    *time.Time
	DeletedAt    *time.Time
	CreatedBy    string
	BatchID      *uuid.UUID // set for batch_output/batch_error virtual files
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsExpired reports whether the file's expiry has passed.
func (f File) IsExpired(now time.Time) bool {
	return f.ExpiresAt != nil && now.After(*f.ExpiresAt)
}

// RequestTemplate is one parsed JSONL line of an input file: the request a
// batch will eventually issue against a model endpoint.
type RequestTemplate struct {
	ID         uuid.UUID
	FileID     uuid.UUID
	LineNumber int
	CustomID   string
	Method     string
	URL        string
	Body       []byte
	CreatedAt  time.Time
}

// Batch groups a set of request templates under one admission decision, a
// shared completion window, and output/error files created along with it.
type Batch struct {
	ID                 uuid.UUID
	InputFileID        uuid.UUID
	Endpoint           string
	CompletionWindow   string
	Metadata           map[string]string
	OutputFileID       *uuid.UUID
	ErrorFileID        *uuid.UUID
	CreatedBy          string
	RequestSource      string
	RequestsStartedAt  *time.Time
	CancellingAt       *time.Time
	CancelledAt        *time.Time
	FailedAt           *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
