// --- File: internal/pipeline/transformer.go ---
// Package pipeline contains the message processing components that feed
// inbound notification jobs into the delivery service.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

// NotificationJob is one notification addressed to a set of recipients.
type NotificationJob struct {
	Recipients   []string
	Notification dispatch.Notification
}

// jobMessage is the wire format published to the requests topic.
type jobMessage struct {
	Recipients []string       `json:"recipients"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	Platform   string         `json:"platform"`
}

// NotificationJobTransformer is a dataflow Transformer that unmarshals and
// validates a raw payload into a NotificationJob. Invalid payloads are
// skipped so the StreamingService can handle the Nack/DLQ logic.
func NotificationJobTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*NotificationJob, bool, error) {
	var wire jobMessage
	if err := json.Unmarshal(msg.Payload, &wire); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal notification job from message %s: %w", msg.ID, err)
	}
	if len(wire.Recipients) == 0 {
		return nil, true, fmt.Errorf("notification job in message %s has no recipients", msg.ID)
	}

	recipients := make([]string, 0, len(wire.Recipients))
	seen := make(map[string]bool, len(wire.Recipients))
	for _, r := range wire.Recipients {
		id, err := urn.Parse(r)
		if err != nil {
			return nil, true, fmt.Errorf("invalid recipient %q in message %s: %w", r, msg.ID, err)
		}
		if key := id.String(); !seen[key] {
			seen[key] = true
			recipients = append(recipients, key)
		}
	}

	platform, err := dispatch.ParsePlatform(wire.Platform)
	if err != nil {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	n, err := dispatch.NewNotification(wire.Title, wire.Body, wire.Type, wire.Data, platform)
	if err != nil {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, err)
	}

	return &NotificationJob{Recipients: recipients, Notification: n}, false, nil
}
