package dispatcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/doublewordai/batchctl/internal/telemetry"
	"github.com/doublewordai/batchctl/pkg/request"
)

// execute dispatches a single claimed request and persists its outcome.
func (d *Dispatcher) execute(ctx context.Context, c request.Claimed) {
	start := time.Now()
	if err := d.store.PersistProcessing(ctx, c.ID, start); err != nil {
		d.logger.Error("persisting processing state", "request_id", c.ID, "error", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.HTTPRequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, c.Method, c.Path, bytes.NewReader(c.Body))
	if err != nil {
		d.finishFailed(ctx, c, nil, "building request: "+err.Error(), start)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := d.client.Do(httpReq)
	telemetry.RequestExecutionDuration.WithLabelValues(c.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		d.handleOutcome(ctx, c, 0, nil, err.Error(), start, classifyNetworkError())
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxResponseBodyBytes))
	if err != nil {
		d.handleOutcome(ctx, c, resp.StatusCode, nil, "reading response body: "+err.Error(), start, classifyStatus(resp.StatusCode))
		return
	}

	d.handleOutcome(ctx, c, resp.StatusCode, body, "", start, classifyStatus(resp.StatusCode))
}

type classification int

const (
	classSuccess classification = iota
	classRetryable
	classTerminal
)

func classifyStatus(statusCode int) classification {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return classSuccess
	case statusCode == 429 || statusCode >= 500:
		return classRetryable
	default:
		return classTerminal
	}
}

func classifyNetworkError() classification {
	return classRetryable
}

func (d *Dispatcher) handleOutcome(ctx context.Context, c request.Claimed, statusCode int, body []byte, errMsg string, start time.Time, class classification) {
	switch class {
	case classSuccess:
		d.finishCompleted(ctx, c, statusCode, body, start)
	case classRetryable:
		if c.RetryAttempt >= d.cfg.MaxRetries {
			code := &statusCode
			d.finishFailed(ctx, c, code, "max retries exceeded: "+errMsg, start)
			return
		}
		d.retry(ctx, c, start)
	default:
		code := statusCode
		d.finishFailed(ctx, c, &code, errMsg, start)
	}
}

func (d *Dispatcher) finishCompleted(ctx context.Context, c request.Claimed, statusCode int, body []byte, start time.Time) {
	ok, err := d.store.PersistCompleted(ctx, c.ID, statusCode, body, time.Now())
	if err != nil {
		d.logger.Error("persisting completed state", "request_id", c.ID, "error", err)
		return
	}
	if !ok {
		d.logger.Info("request completed but was concurrently canceled", "request_id", c.ID)
		return
	}
	telemetry.RequestsCompletedTotal.WithLabelValues(c.Model, string(request.OutcomeCompleted)).Inc()
}

func (d *Dispatcher) finishFailed(ctx context.Context, c request.Claimed, statusCode *int, errMsg string, start time.Time) {
	ok, err := d.store.PersistFailed(ctx, c.ID, statusCode, errMsg, time.Now())
	if err != nil {
		d.logger.Error("persisting failed state", "request_id", c.ID, "error", err)
		return
	}
	if !ok {
		d.logger.Info("request failed but was concurrently canceled", "request_id", c.ID)
		return
	}
	telemetry.RequestsCompletedTotal.WithLabelValues(c.Model, string(request.OutcomeFailed)).Inc()
}

func (d *Dispatcher) retry(ctx context.Context, c request.Claimed, start time.Time) {
	nextAttempt := c.RetryAttempt + 1
	delay := BackoffDelay(nextAttempt, d.cfg.BackoffBase, d.cfg.BackoffMax)
	if err := d.store.PersistPending(ctx, c.ID, nextAttempt, time.Now().Add(delay)); err != nil {
		d.logger.Error("persisting retry state", "request_id", c.ID, "error", err)
		return
	}
	telemetry.RequestsCompletedTotal.WithLabelValues(c.Model, string(request.OutcomeRetried)).Inc()
}
