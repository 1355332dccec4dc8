package fcm

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

// errorBody is the google.rpc.Status envelope returned by the send endpoint.
type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// Classify maps a non-200 gateway response to a classification and a human
// readable detail. Anything it cannot place is Transient; a 404 only means an
// unregistered token when the body says so.
func Classify(status int, body []byte) (dispatch.Classification, string) {
	var eb errorBody
	detail := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		detail = eb.Error.Message
	}

	var fcmCode string
	for _, d := range eb.Error.Details {
		if strings.HasSuffix(d.Type, "FcmError") && d.ErrorCode != "" {
			fcmCode = d.ErrorCode
			break
		}
	}

	switch fcmCode {
	case "UNREGISTERED", "SENDER_ID_MISMATCH":
		return dispatch.ClassUnregistered, detail
	case "INVALID_ARGUMENT":
		return dispatch.ClassInvalidArgument, detail
	case "QUOTA_EXCEEDED":
		return dispatch.ClassRateLimited, detail
	case "THIRD_PARTY_AUTH_ERROR":
		return dispatch.ClassAuth, detail
	case "UNAVAILABLE", "INTERNAL":
		return dispatch.ClassTransient, detail
	}

	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return dispatch.ClassInvalidArgument, detail
	case http.StatusUnauthorized, http.StatusForbidden:
		return dispatch.ClassAuth, detail
	case http.StatusTooManyRequests:
		return dispatch.ClassRateLimited, detail
	}
	if status >= 500 {
		return dispatch.ClassTransient, detail
	}

	switch eb.Error.Status {
	case "INVALID_ARGUMENT":
		return dispatch.ClassInvalidArgument, detail
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return dispatch.ClassAuth, detail
	case "NOT_FOUND":
		return dispatch.ClassUnregistered, detail
	case "RESOURCE_EXHAUSTED":
		return dispatch.ClassRateLimited, detail
	}
	return dispatch.ClassTransient, detail
}

// parseRetryAfter reads a Retry-After header in either seconds or HTTP-date form.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
