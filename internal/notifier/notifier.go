// Package notifier drives the per-recipient delivery pipeline: registration
// lookup, message build, token, dispatch, delivery log and invalidation.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxInFlight  = 8
	DefaultBatchTimeout = 60 * time.Second

	invalidateTimeout = 5 * time.Second
)

// MessageBuilder turns a request into a gateway message for one device.
type MessageBuilder interface {
	Build(req dispatch.NotificationRequest, device dispatch.DeviceRegistration) (*messaging.Message, error)
}

// TokenSource hands out the current bearer token.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// Sender performs one dispatch, retries included.
type Sender interface {
	Send(ctx context.Context, msg *messaging.Message, tok *oauth2.Token) dispatch.Outcome
}

// DeliveryLog records and reads back delivery outcomes.
type DeliveryLog interface {
	Record(ctx context.Context, rec dispatch.DeliveryRecord) error
	Query(ctx context.Context, filter dispatch.LogFilter) ([]dispatch.DeliveryRecord, error)
}

type Config struct {
	// MaxInFlight bounds concurrent dispatches within one batch.
	MaxInFlight int
	// BatchTimeout is the overall deadline of SendTo.
	BatchTimeout time.Duration
}

// RecipientResult is the accounted outcome for one recipient of a batch.
type RecipientResult struct {
	RecipientID string
	Outcome     dispatch.Outcome
	Record      dispatch.DeliveryRecord
	// Invalidated is set when the registration was marked invalid after an
	// unregistered-token rejection.
	Invalidated bool
}

type BatchResult struct {
	Sent   []RecipientResult
	Failed []RecipientResult
}

func (b BatchResult) Total() int { return len(b.Sent) + len(b.Failed) }

type Service struct {
	registrations dispatch.RegistrationStore
	builder       MessageBuilder
	tokens        TokenSource
	sender        Sender
	deliveries    DeliveryLog
	cfg           Config
	now           func() time.Time
	logger        *slog.Logger
}

func New(
	cfg Config,
	registrations dispatch.RegistrationStore,
	builder MessageBuilder,
	tokens TokenSource,
	sender Sender,
	deliveries DeliveryLog,
	logger *slog.Logger,
) *Service {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	return &Service{
		registrations: registrations,
		builder:       builder,
		tokens:        tokens,
		sender:        sender,
		deliveries:    deliveries,
		cfg:           cfg,
		now:           time.Now,
		logger:        logger.With("component", "NotificationService"),
	}
}

// SendTo delivers n to every recipient concurrently, bounded by MaxInFlight
// and the batch deadline. A failure for one recipient never stops the others;
// every recipient ends up in exactly one of Sent or Failed, in input order.
func (s *Service) SendTo(ctx context.Context, recipients []string, n dispatch.Notification) BatchResult {
	batchCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	results := make([]RecipientResult, len(recipients))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxInFlight)
	for i, recipientID := range recipients {
		g.Go(func() error {
			results[i] = s.deliver(batchCtx, n.For(recipientID))
			return nil
		})
	}
	_ = g.Wait()

	var batch BatchResult
	for _, res := range results {
		if res.Outcome.Succeeded() {
			batch.Sent = append(batch.Sent, res)
		} else {
			batch.Failed = append(batch.Failed, res)
		}
	}
	s.logger.Info("Batch complete", "recipients", len(recipients), "sent", len(batch.Sent), "failed", len(batch.Failed))
	return batch
}

// SendNotification sends a single notification to one recipient.
// Only invalid content is returned as an error; delivery failures are in the result.
func (s *Service) SendNotification(ctx context.Context, recipientID, title, message, kind string, data map[string]any) (RecipientResult, error) {
	n, err := dispatch.NewNotification(title, message, kind, data, dispatch.PlatformUnspecified)
	if err != nil {
		return RecipientResult{}, err
	}
	batch := s.SendTo(ctx, []string{recipientID}, n)
	if len(batch.Sent) == 1 {
		return batch.Sent[0], nil
	}
	return batch.Failed[0], nil
}

// GetAccessToken exposes the shared bearer token.
func (s *Service) GetAccessToken(ctx context.Context) (*oauth2.Token, error) {
	return s.tokens.Token(ctx)
}

// QueryDeliveryLog returns recorded deliveries, newest first.
func (s *Service) QueryDeliveryLog(ctx context.Context, filter dispatch.LogFilter) ([]dispatch.DeliveryRecord, error) {
	return s.deliveries.Query(ctx, filter)
}

func (s *Service) deliver(ctx context.Context, req dispatch.NotificationRequest) RecipientResult {
	log := s.logger.With("recipient_id", req.RecipientID())

	device, out := s.prepareAndSend(ctx, req)
	// Interrupted work past the deadline is a timeout; definitive verdicts stand.
	if ctx.Err() != nil && (out.Class.Retryable() || out.Class == dispatch.ClassAuth) {
		out = failure(dispatch.ClassTimeout, fmt.Sprintf("batch deadline exceeded: %v", out.Err), out)
	}

	rec := dispatch.NewDeliveryRecord(req, device, out, s.now())
	// Logging failures are reported by the delivery log and never replace the outcome.
	_ = s.deliveries.Record(ctx, rec)

	res := RecipientResult{RecipientID: req.RecipientID(), Outcome: out, Record: rec}

	if out.Class == dispatch.ClassUnregistered && device != nil {
		invCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
		defer cancel()
		if err := s.registrations.MarkInvalid(invCtx, *device); err != nil {
			log.Error("Failed to invalidate device registration", "err", err)
		} else {
			res.Invalidated = true
			log.Info("Device registration invalidated")
		}
	}

	if out.Succeeded() {
		log.Debug("Notification delivered", "message_id", out.MessageID, "attempts", out.Attempts)
	} else {
		log.Warn("Notification not delivered", "class", out.Class, "attempts", out.Attempts, "err", out.Err)
	}
	return res
}

func (s *Service) prepareAndSend(ctx context.Context, req dispatch.NotificationRequest) (*dispatch.DeviceRegistration, dispatch.Outcome) {
	if err := ctx.Err(); err != nil {
		return nil, failure(dispatch.ClassTimeout, "batch deadline exceeded before dispatch", dispatch.Outcome{})
	}

	device, err := s.registrations.Lookup(ctx, req.RecipientID())
	if err != nil {
		if errors.Is(err, dispatch.ErrNoDevice) {
			return nil, failure(dispatch.ClassNoDevice, err.Error(), dispatch.Outcome{})
		}
		return nil, failure(dispatch.ClassTransient, fmt.Sprintf("registration lookup: %v", err), dispatch.Outcome{})
	}

	msg, err := s.builder.Build(req, *device)
	if err != nil {
		return device, failure(dispatch.ClassInvalidArgument, err.Error(), dispatch.Outcome{})
	}

	tok, err := s.mintToken(ctx)
	if err != nil {
		return device, failure(dispatch.ClassAuth, err.Error(), dispatch.Outcome{})
	}

	return device, s.sender.Send(ctx, msg, tok)
}

// mintToken asks for the bearer token, trying a second time if the first
// exchange fails. Only a repeated failure is an auth failure.
func (s *Service) mintToken(ctx context.Context) (*oauth2.Token, error) {
	tok, err := s.tokens.Token(ctx)
	if err == nil {
		return tok, nil
	}
	s.logger.Warn("Access token unavailable, retrying once", "err", err)
	if ctx.Err() != nil {
		return nil, err
	}
	return s.tokens.Token(ctx)
}

// failure builds a terminal outcome of class, keeping any attempt accounting from prev.
func failure(class dispatch.Classification, detail string, prev dispatch.Outcome) dispatch.Outcome {
	return dispatch.Outcome{
		Class:      class,
		StatusCode: prev.StatusCode,
		Attempts:   prev.Attempts,
		Backoffs:   prev.Backoffs,
		Err:        &dispatch.DeliveryError{Class: class, StatusCode: prev.StatusCode, Detail: detail},
	}
}
