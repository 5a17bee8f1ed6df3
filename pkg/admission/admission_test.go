package admission

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/doublewordai/batchctl/pkg/filestore"
)

func TestDeriveStatus(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name    string
		batch   filestore.Batch
		pending int64
		want    Status
	}{
		{"not yet started", filestore.Batch{}, 0, StatusValidating},
		{"started with pending work", filestore.Batch{RequestsStartedAt: &now}, 3, StatusInProgress},
		{"started with nothing pending", filestore.Batch{RequestsStartedAt: &now}, 0, StatusCompleted},
		{"failed takes priority over in progress", filestore.Batch{RequestsStartedAt: &now, FailedAt: &now}, 1, StatusFailed},
		{"cancelling in flight", filestore.Batch{RequestsStartedAt: &now, CancellingAt: &now}, 1, StatusCancelling},
		{"cancelled takes priority over everything", filestore.Batch{RequestsStartedAt: &now, CancellingAt: &now, CancelledAt: &now, FailedAt: &now}, 0, StatusCancelled},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := DeriveStatus(c.batch, c.pending); got != c.want {
				t.Errorf("DeriveStatus() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestToBatchResponse(t *testing.T) {
	id := uuid.New()
	inputFileID := uuid.New()
	batch := filestore.Batch{
		ID:               id,
		InputFileID:      inputFileID,
		Endpoint:         "/v1/chat/completions",
		CompletionWindow: "24h",
	}

	resp := ToBatchResponse(batch, 0)
	if resp.ID != id {
		t.Errorf("ID = %v, want %v", resp.ID, id)
	}
	if resp.Status != StatusValidating {
		t.Errorf("Status = %v, want %v", resp.Status, StatusValidating)
	}
	if resp.Endpoint != batch.Endpoint {
		t.Errorf("Endpoint = %v, want %v", resp.Endpoint, batch.Endpoint)
	}
}
