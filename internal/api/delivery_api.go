package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// DeliveryQuerier reads the delivery log.
type DeliveryQuerier interface {
	QueryDeliveryLog(ctx context.Context, filter dispatch.LogFilter) ([]dispatch.DeliveryRecord, error)
}

// DeliveryAPI exposes the delivery log read-only. Users only see their own deliveries.
type DeliveryAPI struct {
	Log    DeliveryQuerier
	Logger *slog.Logger
}

func NewDeliveryAPI(log DeliveryQuerier, logger *slog.Logger) *DeliveryAPI {
	return &DeliveryAPI{
		Log:    log,
		Logger: logger,
	}
}

type DeliveryListResponse struct {
	Deliveries []dispatch.DeliveryRecord `json:"deliveries"`
}

// List handles GET ?recipient=&since=&until=&limit= with RFC3339 times.
func (api *DeliveryAPI) List(w http.ResponseWriter, r *http.Request) {
	userURN, ok := callerURN(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := dispatch.LogFilter{RecipientID: userURN.String(), Limit: defaultQueryLimit}

	if recipient := q.Get("recipient"); recipient != "" && recipient != filter.RecipientID {
		response.WriteJSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	var err error
	if filter.Since, err = parseTimeParam(q.Get("since")); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid since")
		return
	}
	if filter.Until, err = parseTimeParam(q.Get("until")); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid until")
		return
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			response.WriteJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = min(limit, maxQueryLimit)
	}

	records, err := api.Log.QueryDeliveryLog(r.Context(), filter)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidArgument) {
			response.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		api.Logger.Error("failed to query delivery log", "user", filter.RecipientID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(DeliveryListResponse{Deliveries: records}); err != nil {
		api.Logger.Warn("failed to write delivery list", "err", err)
	}
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
