package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-delivery/internal/notifier"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

// BatchSender is the part of the notification service the processor drives.
type BatchSender interface {
	SendTo(ctx context.Context, recipients []string, n dispatch.Notification) notifier.BatchResult
}

// NewProcessor hands each job to the sender. Per-recipient failures are
// already recorded in the delivery log, so the message is always acked:
// redelivering it would notify the recipients that did succeed a second time.
func NewProcessor(sender BatchSender, logger *slog.Logger) messagepipeline.StreamProcessor[NotificationJob] {
	return func(ctx context.Context, original messagepipeline.Message, job *NotificationJob) error {
		procLogger := logger.With("pubsub_msg_id", original.ID, "recipients", len(job.Recipients))

		batch := sender.SendTo(ctx, job.Recipients, job.Notification)

		if len(batch.Failed) > 0 {
			procLogger.Warn("Notification job finished with failures", "sent", len(batch.Sent), "failed", len(batch.Failed))
			for _, f := range batch.Failed {
				procLogger.Debug("Recipient failed", "recipient_id", f.RecipientID, "class", f.Outcome.Class)
			}
			return nil
		}
		procLogger.Info("Notification job delivered", "sent", len(batch.Sent))
		return nil
	}
}
