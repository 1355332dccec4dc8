// Package firestore persists device registrations and the delivery log in Cloud Firestore.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

// RegistrationStore implements dispatch.RegistrationStore using Google Cloud Firestore.
type RegistrationStore struct {
	client *firestore.Client
	now    func() time.Time
}

func NewRegistrationStore(client *firestore.Client) *RegistrationStore {
	return &RegistrationStore{client: client, now: time.Now}
}

// deviceRecord is the internal DB representation.
type deviceRecord struct {
	Platform  string    `firestore:"platform"`
	Token     string    `firestore:"token"`
	Valid     bool      `firestore:"valid"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (s *RegistrationStore) Register(ctx context.Context, reg dispatch.DeviceRegistration) error {
	if reg.RecipientID == "" || reg.Token == "" {
		return fmt.Errorf("%w: recipient and token are required", dispatch.ErrInvalidArgument)
	}
	updatedAt := reg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	record := deviceRecord{
		Platform:  string(reg.Platform),
		Token:     reg.Token,
		Valid:     true,
		UpdatedAt: updatedAt.UTC(),
	}

	// Use hash of token as Doc ID to prevent duplicates and hot-spotting
	if _, err := s.deviceRef(reg.RecipientID, reg.Token).Set(ctx, record); err != nil {
		return fmt.Errorf("failed to register device for %s: %w", reg.RecipientID, err)
	}
	return nil
}

func (s *RegistrationStore) Unregister(ctx context.Context, recipientID, token string) error {
	if _, err := s.deviceRef(recipientID, token).Delete(ctx); err != nil {
		return fmt.Errorf("failed to unregister device for %s: %w", recipientID, err)
	}
	return nil
}

// Lookup scans the recipient's devices and returns the newest valid one.
// Recipients hold a handful of devices, so the scan avoids a composite index.
func (s *RegistrationStore) Lookup(ctx context.Context, recipientID string) (*dispatch.DeviceRegistration, error) {
	iter := s.devicesCollection(recipientID).Documents(ctx)
	defer iter.Stop()

	var newest *dispatch.DeviceRegistration
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil {
			// Corrupt rows are skipped.
			continue
		}
		if !record.Valid || record.Token == "" {
			continue
		}
		if newest == nil || record.UpdatedAt.After(newest.UpdatedAt) {
			newest = &dispatch.DeviceRegistration{
				RecipientID: recipientID,
				Token:       record.Token,
				Platform:    dispatch.Platform(record.Platform),
				Valid:       true,
				UpdatedAt:   record.UpdatedAt,
			}
		}
	}

	if newest == nil {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrNoDevice, recipientID)
	}
	return newest, nil
}

// MarkInvalid flags the registration so Lookup no longer returns it.
// A registration that was already removed is not an error.
func (s *RegistrationStore) MarkInvalid(ctx context.Context, reg dispatch.DeviceRegistration) error {
	_, err := s.deviceRef(reg.RecipientID, reg.Token).Update(ctx, []firestore.Update{
		{Path: "valid", Value: false},
		{Path: "updated_at", Value: s.now().UTC()},
	})
	if status.Code(err) == codes.NotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to invalidate device for %s: %w", reg.RecipientID, err)
	}
	return nil
}

// ListActive queries the devices collection group; the recipient is the
// parent user document.
func (s *RegistrationStore) ListActive(ctx context.Context) ([]dispatch.DeviceRegistration, error) {
	iter := s.client.CollectionGroup("devices").Where("valid", "==", true).Documents(ctx)
	defer iter.Stop()

	newest := make(map[string]dispatch.DeviceRegistration)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		user := doc.Ref.Parent.Parent
		if user == nil {
			continue
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil || record.Token == "" {
			continue
		}
		if cur, ok := newest[user.ID]; ok && !record.UpdatedAt.After(cur.UpdatedAt) {
			continue
		}
		newest[user.ID] = dispatch.DeviceRegistration{
			RecipientID: user.ID,
			Token:       record.Token,
			Platform:    dispatch.Platform(record.Platform),
			Valid:       true,
			UpdatedAt:   record.UpdatedAt,
		}
	}

	regs := slices.Collect(maps.Values(newest))
	slices.SortFunc(regs, func(a, b dispatch.DeviceRegistration) int {
		return strings.Compare(a.RecipientID, b.RecipientID)
	})
	return regs, nil
}

// deviceRef: users/{recipientID}/devices/{tokenHash}
func (s *RegistrationStore) deviceRef(recipientID, token string) *firestore.DocumentRef {
	return s.devicesCollection(recipientID).Doc(hashToken(token))
}

func (s *RegistrationStore) devicesCollection(recipientID string) *firestore.CollectionRef {
	return s.client.Collection("users").Doc(recipientID).Collection("devices")
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
