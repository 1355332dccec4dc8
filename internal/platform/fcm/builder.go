// --- File: internal/platform/fcm/builder.go ---
package fcm

import (
	"encoding/json"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

const (
	// DefaultMaxDataBytes is the gateway limit for the data section of a message.
	DefaultMaxDataBytes = 4096

	androidChannelID = "high_importance_channel"
	defaultSound     = "default"
	webIcon          = "/favicon.ico"
	apnsPriorityHigh = "10"
)

// Keys the gateway reserves in the data section.
var reservedDataKeys = map[string]bool{
	"from":         true,
	"notification": true,
	"message_type": true,
}

// Builder maps a notification request onto the gateway's v1 message envelope.
type Builder struct {
	maxDataBytes int
}

func NewBuilder(maxDataBytes int) *Builder {
	if maxDataBytes <= 0 {
		maxDataBytes = DefaultMaxDataBytes
	}
	return &Builder{maxDataBytes: maxDataBytes}
}

// Build produces a new message for one device. The request is never modified.
// Oversized or reserved data is rejected rather than truncated.
func (b *Builder) Build(req dispatch.NotificationRequest, device dispatch.DeviceRegistration) (*messaging.Message, error) {
	if strings.TrimSpace(device.Token) == "" {
		return nil, fmt.Errorf("%w: empty device token", dispatch.ErrInvalidArgument)
	}

	data := dispatch.StringifyData(req.Data())
	if data == nil {
		data = make(map[string]string, 3)
	}
	for k := range data {
		if reservedDataKeys[k] || strings.HasPrefix(k, "google.") || strings.HasPrefix(k, "gcm.") {
			return nil, fmt.Errorf("%w: data key %q is reserved by the gateway", dispatch.ErrInvalidArgument, k)
		}
	}
	setDefault(data, "type", req.Type())
	setDefault(data, "title", req.Title())
	setDefault(data, "body", req.Body())

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding data: %w", dispatch.ErrInvalidArgument, err)
	}
	if len(encoded) > b.maxDataBytes {
		return nil, fmt.Errorf("%w: data section is %d bytes, limit is %d", dispatch.ErrInvalidArgument, len(encoded), b.maxDataBytes)
	}

	msg := &messaging.Message{
		Token: device.Token,
		Data:  data,
		Notification: &messaging.Notification{
			Title: req.Title(),
			Body:  req.Body(),
		},
	}

	platform := req.Platform()
	if platform == dispatch.PlatformUnspecified {
		platform = device.Platform
	}
	switch platform {
	case dispatch.PlatformAndroid:
		msg.Android = androidConfig()
	case dispatch.PlatformIOS:
		msg.APNS = apnsConfig()
	case dispatch.PlatformWeb:
		msg.Webpush = webpushConfig(req, data)
	default:
		msg.Android = androidConfig()
		msg.APNS = apnsConfig()
	}
	return msg, nil
}

func setDefault(m map[string]string, key, value string) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func androidConfig() *messaging.AndroidConfig {
	return &messaging.AndroidConfig{
		Priority: "high",
		Notification: &messaging.AndroidNotification{
			Sound:     defaultSound,
			ChannelID: androidChannelID,
		},
	}
}

func apnsConfig() *messaging.APNSConfig {
	badge := 1
	return &messaging.APNSConfig{
		Headers: map[string]string{"apns-priority": apnsPriorityHigh},
		Payload: &messaging.APNSPayload{
			Aps: &messaging.Aps{
				Sound: defaultSound,
				Badge: &badge,
			},
		},
	}
}

func webpushConfig(req dispatch.NotificationRequest, data map[string]string) *messaging.WebpushConfig {
	link := data["link"]
	if link == "" {
		link = "/"
	}
	return &messaging.WebpushConfig{
		Notification: &messaging.WebpushNotification{
			Title: req.Title(),
			Body:  req.Body(),
			Icon:  webIcon,
			Badge: webIcon,
		},
		FCMOptions: &messaging.WebpushFCMOptions{Link: link},
	}
}
