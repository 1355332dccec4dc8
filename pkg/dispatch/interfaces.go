// --- File: pkg/dispatch/interfaces.go ---
package dispatch

import (
	"context"
	"time"
)

// RegistrationStore defines the contract for managing recipient device registrations.
// It allows the service to remember "where" to send notifications for a recipient.
type RegistrationStore interface {
	// Register adds or replaces the active device for a recipient.
	Register(ctx context.Context, reg DeviceRegistration) error

	// Unregister removes a device token from a recipient.
	Unregister(ctx context.Context, recipientID, token string) error

	// Lookup returns the most recently registered valid device for a recipient.
	// It returns ErrNoDevice when none exists.
	Lookup(ctx context.Context, recipientID string) (*DeviceRegistration, error)

	// MarkInvalid flags a registration as rejected by the gateway.
	MarkInvalid(ctx context.Context, reg DeviceRegistration) error

	// ListActive returns the active device of every recipient that has one,
	// ordered by recipient ID.
	ListActive(ctx context.Context) ([]DeviceRegistration, error)
}

// DeliveryLogStore is the append-only persistence behind the delivery log.
// Records are never updated or deleted.
type DeliveryLogStore interface {
	Append(ctx context.Context, rec DeliveryRecord) error
	Query(ctx context.Context, filter LogFilter) ([]DeliveryRecord, error)
}

// LogFilter narrows a delivery log query. Zero values mean "no constraint".
type LogFilter struct {
	RecipientID string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Matches reports whether rec satisfies the filter. Since is inclusive, Until exclusive.
func (f LogFilter) Matches(rec DeliveryRecord) bool {
	if f.RecipientID != "" && rec.RecipientID != f.RecipientID {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}
