// Package deliverylog records the outcome of every dispatch in an append-only store.
package deliverylog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

// DefaultWriteTimeout bounds how long a dispatch waits on the log store.
const DefaultWriteTimeout = 2 * time.Second

// Logger writes delivery records without letting storage latency leak into
// the dispatch path.
type Logger struct {
	store        dispatch.DeliveryLogStore
	writeTimeout time.Duration
	logger       *slog.Logger
}

func NewLogger(store dispatch.DeliveryLogStore, writeTimeout time.Duration, logger *slog.Logger) *Logger {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Logger{
		store:        store,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "DeliveryLogger"),
	}
}

// Record appends rec. The write is detached from ctx cancellation so that a
// record is still attempted for a dispatch abandoned at the batch deadline,
// but it never takes longer than the write timeout.
// The returned error is informational; callers must not let it replace the
// delivery outcome.
func (l *Logger) Record(ctx context.Context, rec dispatch.DeliveryRecord) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- l.store.Append(writeCtx, rec)
	}()

	var err error
	select {
	case err = <-done:
	case <-writeCtx.Done():
		err = writeCtx.Err()
	}
	if err != nil {
		l.logger.Error("Failed to record delivery", "record_id", rec.ID, "recipient", rec.RecipientID, "class", rec.Class, "err", err)
		return fmt.Errorf("recording delivery %s: %w", rec.ID, err)
	}
	l.logger.Debug("Delivery recorded", "record_id", rec.ID, "recipient", rec.RecipientID, "class", rec.Class)
	return nil
}

// Query returns records matching filter, newest first.
func (l *Logger) Query(ctx context.Context, filter dispatch.LogFilter) ([]dispatch.DeliveryRecord, error) {
	if !filter.Since.IsZero() && !filter.Until.IsZero() && filter.Until.Before(filter.Since) {
		return nil, fmt.Errorf("%w: until is before since", dispatch.ErrInvalidArgument)
	}
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", dispatch.ErrInvalidArgument)
	}
	records, err := l.store.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("querying delivery log: %w", err)
	}

	// Backends may over-fetch; the filter is authoritative.
	kept := make([]dispatch.DeliveryRecord, 0, len(records))
	for _, rec := range records {
		if filter.Matches(rec) {
			kept = append(kept, rec)
		}
	}
	if dropped := len(records) - len(kept); dropped > 0 {
		l.logger.Warn("Store returned records outside the filter", "dropped", dropped)
	}
	if filter.Limit > 0 && len(kept) > filter.Limit {
		kept = kept[:filter.Limit]
	}
	return kept, nil
}
