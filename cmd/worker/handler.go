package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-storefront-payments/internal/webhook"
)

// Processor is the webhook reconciliation the worker runs per message.
type Processor interface {
	Process(ctx context.Context, n webhook.Notification) (webhook.Result, error)
}

// Handler consumes notifications queued by the API webhook endpoint.
type Handler struct {
	receiver Processor
	logger   *slog.Logger
}

func NewHandler(receiver Processor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{receiver: receiver, logger: logger}
}

// Handle processes a batch and reports only the retryable failures, so a
// single bad record does not redeliver the whole batch. Bodies that cannot
// be decoded are logged and dropped; retrying them cannot succeed.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		var n webhook.Notification
		if err := json.Unmarshal([]byte(rec.Body), &n); err != nil {
			h.logger.ErrorContext(ctx, "dropping undecodable notification",
				"message_id", rec.MessageId, "error", err)
			continue
		}
		res, err := h.receiver.Process(ctx, n)
		if err != nil {
			h.logger.WarnContext(ctx, "notification failed, will retry",
				"message_id", rec.MessageId, "resource_id", n.ResourceID, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			continue
		}
		h.logger.InfoContext(ctx, "notification processed",
			"message_id", rec.MessageId,
			"resource_id", n.ResourceID,
			"outcome", res.Outcome,
			"order_id", res.OrderID)
	}
	return resp, nil
}
