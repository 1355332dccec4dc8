package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

const deliveryLogCollection = "delivery_log"

// DeliveryLogStore implements dispatch.DeliveryLogStore. Documents are created
// once under the record ID and never updated.
type DeliveryLogStore struct {
	client *firestore.Client
}

func NewDeliveryLogStore(client *firestore.Client) *DeliveryLogStore {
	return &DeliveryLogStore{client: client}
}

type deliveryDoc struct {
	RecipientID string            `firestore:"recipient_id"`
	DeviceToken string            `firestore:"device_token,omitempty"`
	Platform    string            `firestore:"platform,omitempty"`
	Title       string            `firestore:"title"`
	Body        string            `firestore:"body"`
	Type        string            `firestore:"type"`
	Data        map[string]string `firestore:"data,omitempty"`
	Class       string            `firestore:"classification"`
	Success     bool              `firestore:"success"`
	MessageID   string            `firestore:"message_id,omitempty"`
	Error       string            `firestore:"error,omitempty"`
	Attempts    int               `firestore:"attempts"`
	CreatedAt   time.Time         `firestore:"created_at"`
}

func (s *DeliveryLogStore) Append(ctx context.Context, rec dispatch.DeliveryRecord) error {
	doc := deliveryDoc{
		RecipientID: rec.RecipientID,
		DeviceToken: rec.DeviceToken,
		Platform:    string(rec.Platform),
		Title:       rec.Title,
		Body:        rec.Body,
		Type:        rec.Type,
		Data:        rec.Data,
		Class:       string(rec.Class),
		Success:     rec.Success,
		MessageID:   rec.MessageID,
		Error:       rec.Error,
		Attempts:    rec.Attempts,
		CreatedAt:   rec.CreatedAt,
	}
	_, err := s.client.Collection(deliveryLogCollection).Doc(rec.ID).Create(ctx, doc)
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("delivery record %s already exists", rec.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to append delivery record %s: %w", rec.ID, err)
	}
	return nil
}

// Query returns records newest first. Filtering by recipient together with a
// time range needs the (recipient_id, created_at desc) composite index.
func (s *DeliveryLogStore) Query(ctx context.Context, filter dispatch.LogFilter) ([]dispatch.DeliveryRecord, error) {
	q := s.client.Collection(deliveryLogCollection).Query
	if filter.RecipientID != "" {
		q = q.Where("recipient_id", "==", filter.RecipientID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at", ">=", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		q = q.Where("created_at", "<", filter.Until.UTC())
	}
	q = q.OrderBy("created_at", firestore.Desc)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	records := make([]dispatch.DeliveryRecord, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		var doc deliveryDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decoding delivery record %s: %w", snap.Ref.ID, err)
		}
		records = append(records, dispatch.DeliveryRecord{
			ID:          snap.Ref.ID,
			RecipientID: doc.RecipientID,
			DeviceToken: doc.DeviceToken,
			Platform:    dispatch.Platform(doc.Platform),
			Title:       doc.Title,
			Body:        doc.Body,
			Type:        doc.Type,
			Data:        doc.Data,
			Class:       dispatch.Classification(doc.Class),
			Success:     doc.Success,
			MessageID:   doc.MessageID,
			Error:       doc.Error,
			Attempts:    doc.Attempts,
			CreatedAt:   doc.CreatedAt,
		})
	}
	return records, nil
}
