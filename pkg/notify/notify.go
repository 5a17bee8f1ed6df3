// Package notify posts batch lifecycle notifications to Slack. It is a
// best-effort side channel: a failed or disabled notifier never blocks or
// fails the batch operation it's reporting on.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// BatchEvent describes a batch state transition worth notifying about.
type BatchEvent struct {
	BatchID          string
	Endpoint         string
	CompletionWindow string
	TotalRequests    int64
	FailedRequests   int64
	CreatedBy        string
}

// Notifier posts batch completion and failure notifications to a configured
// Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken or channel is empty, the notifier is
// a noop that only logs.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled returns true if the notifier has a usable Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// NotifyCompleted posts a success notification for a finished batch.
func (n *Notifier) NotifyCompleted(ctx context.Context, ev BatchEvent) {
	n.post(ctx, ev, completionBlocks(ev))
}

// NotifyFailed posts a failure notification for a batch that landed in the
// failed state.
func (n *Notifier) NotifyFailed(ctx context.Context, ev BatchEvent) {
	n.post(ctx, ev, failureBlocks(ev))
}

func (n *Notifier) post(ctx context.Context, ev BatchEvent, blocks []goslack.Block) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping batch notification", "batch_id", ev.BatchID)
		return
	}

	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fmt.Sprintf("Batch %s finished", ev.BatchID), false),
	}

	if _, _, err := n.client.PostMessageContext(ctx, n.channel, opts...); err != nil {
		n.logger.Error("posting batch notification to slack", "batch_id", ev.BatchID, "error", err)
		return
	}
	n.logger.Info("posted batch notification to slack", "batch_id", ev.BatchID)
}

func completionBlocks(ev BatchEvent) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType, "✅ Batch completed", true, false),
	)
	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Batch:* %s", ev.BatchID), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Endpoint:* %s", ev.Endpoint), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Requests:* %d (%d failed)", ev.TotalRequests, ev.FailedRequests), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Created by:* %s", ev.CreatedBy), false, false),
	}
	return []goslack.Block{header, goslack.NewSectionBlock(nil, fields, nil)}
}

func failureBlocks(ev BatchEvent) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType, "🔴 Batch failed", true, false),
	)
	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Batch:* %s", ev.BatchID), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Endpoint:* %s", ev.Endpoint), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Completion window:* %s", ev.CompletionWindow), false, false),
	}
	return []goslack.Block{header, goslack.NewSectionBlock(nil, fields, nil)}
}
