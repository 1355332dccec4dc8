// Package dispatch contains the public domain model and store contracts of the
// push delivery pipeline.
package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Platform is the closed set of device families the gateway can target.
type Platform string

const (
	PlatformUnspecified Platform = ""
	PlatformAndroid     Platform = "android"
	PlatformIOS         Platform = "ios"
	PlatformWeb         Platform = "web"
)

// ParsePlatform accepts the wire spelling of a platform. Empty means unspecified.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformUnspecified, PlatformAndroid, PlatformIOS, PlatformWeb:
		return p, nil
	}
	return PlatformUnspecified, fmt.Errorf("%w: unknown platform %q", ErrInvalidArgument, s)
}

// DefaultNotificationType is used when a request carries no type tag.
const DefaultNotificationType = "system_notification"

// Notification is the recipient-independent content of a push.
// Fields are unexported so a validated value cannot be altered afterwards.
type Notification struct {
	title    string
	body     string
	kind     string
	data     map[string]any
	platform Platform
}

// NewNotification validates and freezes notification content. The data map is
// deep copied, so nested maps and slices are not shared with the caller.
func NewNotification(title, body, kind string, data map[string]any, platform Platform) (Notification, error) {
	if strings.TrimSpace(title) == "" {
		return Notification{}, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	if _, err := ParsePlatform(string(platform)); err != nil {
		return Notification{}, err
	}
	if kind == "" {
		kind = DefaultNotificationType
	}
	return Notification{
		title:    title,
		body:     body,
		kind:     kind,
		data:     cloneData(data),
		platform: platform,
	}, nil
}

func (n Notification) Title() string      { return n.title }
func (n Notification) Body() string       { return n.body }
func (n Notification) Type() string       { return n.kind }
func (n Notification) Platform() Platform { return n.platform }

// Data returns a copy of the structured payload.
func (n Notification) Data() map[string]any { return cloneData(n.data) }

// For binds the content to a single recipient.
func (n Notification) For(recipientID string) NotificationRequest {
	return NotificationRequest{recipientID: recipientID, Notification: n}
}

// NotificationRequest is one fully formed notification for one recipient.
type NotificationRequest struct {
	Notification
	recipientID string
}

func (r NotificationRequest) RecipientID() string { return r.recipientID }

// DeviceRegistration associates a recipient with the token of an installed client.
type DeviceRegistration struct {
	RecipientID string    `json:"recipient_id"`
	Token       string    `json:"token"`
	Platform    Platform  `json:"platform"`
	Valid       bool      `json:"valid"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Classification is the fixed set of dispatch results callers branch on.
type Classification string

const (
	ClassSuccess         Classification = "success"
	ClassInvalidArgument Classification = "invalid_argument"
	ClassAuth            Classification = "auth_failure"
	ClassUnregistered    Classification = "unregistered_token"
	ClassRateLimited     Classification = "rate_limited"
	ClassTransient       Classification = "transient"
	ClassNoDevice        Classification = "no_device"
	ClassTimeout         Classification = "timeout"
)

var failureClasses = []Classification{
	ClassInvalidArgument, ClassAuth, ClassUnregistered, ClassRateLimited,
	ClassTransient, ClassNoDevice, ClassTimeout,
}

// Retryable reports whether the class is retried with backoff.
func (c Classification) Retryable() bool {
	return c == ClassRateLimited || c == ClassTransient
}

// Sentinel returns the error value errors.Is matches for the class.
func (c Classification) Sentinel() error {
	switch c {
	case ClassInvalidArgument:
		return ErrInvalidArgument
	case ClassAuth:
		return ErrAuth
	case ClassUnregistered:
		return ErrUnregisteredToken
	case ClassRateLimited:
		return ErrRateLimited
	case ClassNoDevice:
		return ErrNoDevice
	case ClassTimeout:
		return ErrTimeout
	case ClassSuccess:
		return nil
	}
	return ErrTransient
}

// Outcome is the result of one dispatch, including any retries it performed.
type Outcome struct {
	Class      Classification
	MessageID  string
	StatusCode int
	Attempts   int
	Backoffs   []time.Duration
	Err        error
}

func (o Outcome) Succeeded() bool { return o.Class == ClassSuccess }

// DeliveryRecord is the immutable log entry for one dispatch.
type DeliveryRecord struct {
	ID          string            `json:"id"`
	RecipientID string            `json:"recipient_id"`
	DeviceToken string            `json:"device_token,omitempty"`
	Platform    Platform          `json:"platform,omitempty"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Type        string            `json:"type"`
	Data        map[string]string `json:"data,omitempty"`
	Class       Classification    `json:"classification"`
	Success     bool              `json:"success"`
	MessageID   string            `json:"message_id,omitempty"`
	Error       string            `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewDeliveryRecord snapshots a request and its outcome.
func NewDeliveryRecord(req NotificationRequest, device *DeviceRegistration, out Outcome, at time.Time) DeliveryRecord {
	rec := DeliveryRecord{
		ID:          uuid.NewString(),
		RecipientID: req.RecipientID(),
		Title:       req.Title(),
		Body:        req.Body(),
		Type:        req.Type(),
		Data:        StringifyData(req.Data()),
		Class:       out.Class,
		Success:     out.Succeeded(),
		MessageID:   out.MessageID,
		Attempts:    out.Attempts,
		CreatedAt:   at.UTC(),
	}
	if device != nil {
		rec.DeviceToken = device.Token
		rec.Platform = device.Platform
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	return rec
}
