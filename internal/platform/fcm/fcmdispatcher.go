// --- File: internal/platform/fcm/fcmdispatcher.go ---
// Package fcm builds gateway messages and delivers them over the HTTP v1 send API.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/cenkalti/backoff/v4"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
	"golang.org/x/oauth2"
)

// DefaultEndpoint is the production gateway host.
const DefaultEndpoint = "https://fcm.googleapis.com"

// TokenSource is the subset of the token provider the dispatcher needs.
// Refresh is called with a token the gateway rejected.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
	Refresh(ctx context.Context, stale *oauth2.Token) (*oauth2.Token, error)
}

// Config holds the gateway location and retry behaviour.
type Config struct {
	Endpoint       string
	ProjectID      string
	AttemptTimeout time.Duration
	Retry          RetryPolicy
}

type Dispatcher struct {
	sendURL        string
	tokens         TokenSource
	httpClient     *http.Client
	attemptTimeout time.Duration
	policy         RetryPolicy
	newTimer       func() backoff.Timer
	now            func() time.Time
	logger         *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithTimer replaces the wall-clock timer used between retries.
func WithTimer(newTimer func() backoff.Timer) DispatcherOption {
	return func(d *Dispatcher) { d.newTimer = newTimer }
}

func NewDispatcher(cfg Config, tokens TokenSource, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		sendURL:        fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(endpoint, "/"), url.PathEscape(cfg.ProjectID)),
		tokens:         tokens,
		httpClient:     &http.Client{},
		attemptTimeout: cfg.AttemptTimeout,
		policy:         cfg.Retry.normalized(),
		now:            time.Now,
		logger:         logger.With("component", "FCMDispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type sendRequest struct {
	Message *messaging.Message `json:"message"`
}

type sendResponse struct {
	Name string `json:"name"`
}

type attemptResult struct {
	class      dispatch.Classification
	status     int
	messageID  string
	retryAfter time.Duration
	err        error
}

// Send delivers one message, retrying per the classification of each response.
// It never returns an error; the outcome carries the terminal classification.
func (d *Dispatcher) Send(ctx context.Context, msg *messaging.Message, tok *oauth2.Token) dispatch.Outcome {
	var out dispatch.Outcome

	body, err := json.Marshal(sendRequest{Message: msg})
	if err != nil {
		out.Class = dispatch.ClassInvalidArgument
		out.Err = &dispatch.DeliveryError{Class: dispatch.ClassInvalidArgument, Detail: err.Error()}
		return out
	}

	if tok == nil {
		if tok, err = d.tokens.Token(ctx); err != nil {
			d.logger.Warn("Access token unavailable, retrying once", "err", err)
			if tok, err = d.tokens.Token(ctx); err != nil {
				out.Class = dispatch.ClassAuth
				out.Err = err
				return out
			}
		}
	}

	sched := newJitterBackOff(d.policy)
	authRetried := false

	operation := func() error {
		if out.Attempts > 0 {
			// Pick up a token refreshed by another dispatch while we backed off.
			if t, err := d.tokens.Token(ctx); err == nil {
				tok = t
			}
		}
		res := d.attempt(ctx, body, tok)
		out.Attempts++

		if res.class == dispatch.ClassAuth && !authRetried {
			authRetried = true
			d.logger.Info("Gateway rejected token, refreshing once", "status", res.status)
			fresh, err := d.tokens.Refresh(ctx, tok)
			if err != nil {
				res = attemptResult{class: dispatch.ClassAuth, err: err}
			} else {
				tok = fresh
				res = d.attempt(ctx, body, tok)
				out.Attempts++
			}
		}

		out.Class = res.class
		out.StatusCode = res.status
		out.MessageID = res.messageID
		out.Err = res.err

		switch {
		case res.class == dispatch.ClassSuccess:
			return nil
		case res.class.Retryable():
			sched.floor = res.retryAfter
			return res.err
		default:
			return backoff.Permanent(res.err)
		}
	}

	notify := func(err error, wait time.Duration) {
		out.Backoffs = append(out.Backoffs, wait)
		d.logger.Warn("Dispatch failed, backing off", "class", out.Class, "attempt", out.Attempts, "wait", wait, "err", err)
	}

	var timer backoff.Timer
	if d.newTimer != nil {
		timer = d.newTimer()
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(sched, uint64(d.policy.MaxAttempts-1)), ctx)
	_ = backoff.RetryNotifyWithTimer(operation, policy, notify, timer)

	// A deadline only overrides outcomes that were still open to retry.
	if ctx.Err() != nil && (out.Class.Retryable() || out.Class == dispatch.ClassAuth) {
		out.Class = dispatch.ClassTimeout
		out.Err = &dispatch.DeliveryError{Class: dispatch.ClassTimeout, StatusCode: out.StatusCode, Detail: errorDetail(out.Err, ctx.Err())}
	}
	return out
}

func (d *Dispatcher) attempt(ctx context.Context, body []byte, tok *oauth2.Token) attemptResult {
	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.sendURL, bytes.NewReader(body))
	if err != nil {
		return attemptResult{class: dispatch.ClassInvalidArgument, err: &dispatch.DeliveryError{Class: dispatch.ClassInvalidArgument, Detail: err.Error()}}
	}
	req.Header.Set("Content-Type", "application/json")
	tok.SetAuthHeader(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		// Network failures and per-attempt timeouts are transient.
		return attemptResult{class: dispatch.ClassTransient, err: &dispatch.DeliveryError{Class: dispatch.ClassTransient, Detail: err.Error()}}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return attemptResult{class: dispatch.ClassTransient, status: resp.StatusCode, err: &dispatch.DeliveryError{Class: dispatch.ClassTransient, StatusCode: resp.StatusCode, Detail: err.Error()}}
	}

	if resp.StatusCode == http.StatusOK {
		var sr sendResponse
		if err := json.Unmarshal(raw, &sr); err != nil {
			d.logger.Warn("Gateway accepted message with unreadable body", "err", err)
		}
		return attemptResult{class: dispatch.ClassSuccess, status: resp.StatusCode, messageID: sr.Name}
	}

	class, detail := Classify(resp.StatusCode, raw)
	return attemptResult{
		class:      class,
		status:     resp.StatusCode,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), d.now()),
		err:        &dispatch.DeliveryError{Class: class, StatusCode: resp.StatusCode, Detail: detail},
	}
}

func errorDetail(last, ctxErr error) string {
	if last == nil || errors.Is(last, ctxErr) {
		return ctxErr.Error()
	}
	return fmt.Sprintf("%v (last error: %v)", ctxErr, last)
}
