package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-push-delivery/internal/notifier"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

const (
	defaultTestTitle   = "Test Notification"
	defaultTestMessage = "This is a test notification from the API"
	defaultTestType    = "test"
	tokenPreviewLen    = 12
)

// TestSender sends a single notification and reports its outcome.
type TestSender interface {
	SendNotification(ctx context.Context, recipientID, title, message, kind string, data map[string]any) (notifier.RecipientResult, error)
}

// AdminAPI holds operator-only routes. Callers must be listed as admins.
type AdminAPI struct {
	Sender  TestSender
	Devices dispatch.RegistrationStore
	Logger  *slog.Logger
	admins  map[string]struct{}
}

func NewAdminAPI(sender TestSender, devices dispatch.RegistrationStore, admins []string, logger *slog.Logger) *AdminAPI {
	set := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		set[a] = struct{}{}
	}
	return &AdminAPI{
		Sender:  sender,
		Devices: devices,
		Logger:  logger,
		admins:  set,
	}
}

type TestNotificationRequest struct {
	// RecipientID defaults to the caller.
	RecipientID string         `json:"recipient_id"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Type        string         `json:"type"`
	Data        map[string]any `json:"data"`
}

type TestNotificationResponse struct {
	Success        bool                    `json:"success"`
	RecipientID    string                  `json:"recipient_id"`
	Classification dispatch.Classification `json:"classification"`
	MessageID      string                  `json:"message_id,omitempty"`
	Attempts       int                     `json:"attempts"`
	Error          string                  `json:"error,omitempty"`
}

type ActiveDevice struct {
	RecipientID  string            `json:"recipient_id"`
	Platform     dispatch.Platform `json:"platform"`
	TokenPreview string            `json:"token_preview"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type ActiveDevicesResponse struct {
	Count   int            `json:"count"`
	Devices []ActiveDevice `json:"devices"`
}

// SendTest delivers a notification through the full send path and reports the
// outcome. Undeliverable recipients answer 400, gateway failures 502.
func (api *AdminAPI) SendTest(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.requireAdmin(w, r)
	if !ok {
		return
	}

	var req TestNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	recipient := caller
	if req.RecipientID != "" {
		parsed, err := urn.Parse(req.RecipientID)
		if err != nil {
			response.WriteJSONError(w, http.StatusBadRequest, "invalid recipient_id")
			return
		}
		recipient = parsed.String()
	}
	title := valueOr(req.Title, defaultTestTitle)
	message := valueOr(req.Message, defaultTestMessage)
	kind := valueOr(req.Type, defaultTestType)

	res, err := api.Sender.SendNotification(r.Context(), recipient, title, message, kind, req.Data)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidArgument) {
			response.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		api.Logger.Error("test notification failed", "recipient", recipient, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "send failed")
		return
	}

	out := TestNotificationResponse{
		Success:        res.Outcome.Succeeded(),
		RecipientID:    recipient,
		Classification: res.Outcome.Class,
		MessageID:      res.Outcome.MessageID,
		Attempts:       res.Outcome.Attempts,
	}
	if res.Outcome.Err != nil {
		out.Error = res.Outcome.Err.Error()
	}

	status := http.StatusOK
	switch {
	case out.Success:
	case res.Outcome.Class == dispatch.ClassNoDevice:
		status = http.StatusBadRequest
	default:
		status = http.StatusBadGateway
	}
	api.Logger.Info("Test notification sent", "admin", caller, "recipient", recipient, "class", out.Classification)
	writeJSON(w, status, out, api.Logger)
}

// ListDevices lists every recipient with an active device. Tokens are truncated.
func (api *AdminAPI) ListDevices(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.requireAdmin(w, r); !ok {
		return
	}

	regs, err := api.Devices.ListActive(r.Context())
	if err != nil {
		api.Logger.Error("failed to list devices", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	devices := make([]ActiveDevice, 0, len(regs))
	for _, reg := range regs {
		devices = append(devices, ActiveDevice{
			RecipientID:  reg.RecipientID,
			Platform:     reg.Platform,
			TokenPreview: tokenPreview(reg.Token),
			UpdatedAt:    reg.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, ActiveDevicesResponse{Count: len(devices), Devices: devices}, api.Logger)
}

func (api *AdminAPI) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	userURN, ok := callerURN(w, r)
	if !ok {
		return "", false
	}
	caller := userURN.String()
	if _, admin := api.admins[caller]; !admin {
		response.WriteJSONError(w, http.StatusForbidden, "admin only")
		return "", false
	}
	return caller, true
}

func tokenPreview(token string) string {
	if len(token) <= tokenPreviewLen {
		return token
	}
	return token[:tokenPreviewLen] + "..."
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", "err", err)
	}
}
