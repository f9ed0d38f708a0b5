// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.mau.fi/util/retryafter"
	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/id"
)

// CallRequest describes one outbound Client-Server API call made as a
// virtual identity. It is ephemeral and exists only while in flight.
type CallRequest struct {
	// UserID is the identity to impersonate via the user_id query parameter.
	// Leave empty to call as the appservice bot itself.
	UserID id.UserID
	Method string
	Path   string
	Query  url.Values
	// Body is JSON-encoded when non-nil.
	Body any
}

// CallResponse is the decoded-enough result of a successful outbound call.
type CallResponse struct {
	StatusCode int
	Body       json.RawMessage
}

// Decode unmarshals the response body into out.
func (r *CallResponse) Decode(out any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, out)
}

// matrixErrBody is the standard Matrix error response shape, including the
// rate-limit wait hint.
type matrixErrBody struct {
	ErrCode      string `json:"errcode"`
	Error        string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

// CallGate mediates every call the appservice makes back to the homeserver.
// It bounds global concurrency, honors rate-limit waits, and retries
// transient failures with exponential backoff and jitter, surfacing the
// small CallError taxonomy instead of raw transport errors.
//
// The gate does not deduplicate outbound calls; retries are only safe when
// the underlying homeserver call is idempotent, which is the caller's
// responsibility.
type CallGate struct {
	homeserver     *url.URL
	asToken        string
	http           *http.Client
	sem            *semaphore.Weighted
	maxAttempts    int
	initialBackoff time.Duration
	requestTimeout time.Duration
	log            zerolog.Logger
	metrics        *Metrics

	// sleep is swappable so tests can observe waits instead of serving them.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCallGate creates a gate for the given homeserver base URL,
// authenticating with the appservice token.
func NewCallGate(homeserverAddress, asToken string, cfg OutboundConfig, log zerolog.Logger, metrics *Metrics) (*CallGate, error) {
	base, err := url.Parse(homeserverAddress)
	if err != nil {
		return nil, &ConfigError{Field: "homeserver.address", Err: err}
	}
	return &CallGate{
		homeserver:     base,
		asToken:        asToken,
		http:           &http.Client{},
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: time.Duration(cfg.InitialBackoffMS) * time.Millisecond,
		requestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		log:            log.With().Str("component", "call_gate").Logger(),
		metrics:        metrics,
		sleep:          sleepCtx,
	}, nil
}

// SetHTTPClient replaces the underlying HTTP client, e.g. to route calls
// through a test server transport.
func (g *CallGate) SetHTTPClient(client *http.Client) {
	g.http = client
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call executes the request with the gate's retry policy:
//
//   - 429: wait the server-specified duration (retry_after_ms or the
//     Retry-After header), retry up to the attempt budget, then surface a
//     rate-limited CallError.
//   - 5xx and network failures: exponential backoff with jitter up to the
//     attempt budget, then an unavailable CallError.
//   - other 4xx: a rejected CallError immediately, no retry.
//
// The context is the overall deadline; each attempt additionally gets the
// configured per-request timeout.
func (g *CallGate) Call(ctx context.Context, req CallRequest) (*CallResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.initialBackoff
	bo.MaxElapsedTime = 0

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		resp, retryIn, err := g.attempt(ctx, req)
		if err == nil && resp != nil {
			if g.metrics != nil {
				g.metrics.OutboundCallDuration.Observe(time.Since(start).Seconds())
			}
			return resp, nil
		}
		lastErr = err

		var callErr *CallError
		if asCallErr(err, &callErr) && callErr.Kind == CallRejected {
			callErr.Attempts = attempt
			return nil, callErr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == g.maxAttempts {
			break
		}

		wait := retryIn
		if wait <= 0 {
			wait = bo.NextBackOff()
		}
		if g.metrics != nil {
			g.metrics.OutboundRetries.Inc()
		}
		g.log.Debug().Err(err).
			Str("method", req.Method).
			Str("path", req.Path).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Retrying outbound call")
		if err := g.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	var callErr *CallError
	if asCallErr(lastErr, &callErr) {
		callErr.Attempts = g.maxAttempts
		return nil, callErr
	}
	return nil, &CallError{
		Kind:     CallUnavailable,
		Method:   req.Method,
		Path:     req.Path,
		Attempts: g.maxAttempts,
		Err:      lastErr,
	}
}

// attempt performs a single HTTP round trip under the concurrency bound.
// retryIn is the server-requested wait, non-zero only for rate limits.
func (g *CallGate) attempt(ctx context.Context, req CallRequest) (resp *CallResponse, retryIn time.Duration, err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer g.sem.Release(1)

	attemptCtx := ctx
	if g.requestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, g.requestTimeout)
		defer cancel()
	}

	httpReq, err := g.buildRequest(attemptCtx, req)
	if err != nil {
		return nil, 0, &CallError{Kind: CallRejected, Method: req.Method, Path: req.Path, Err: err}
	}
	if g.metrics != nil {
		g.metrics.OutboundCalls.Inc()
	}
	httpResp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, 0, &CallError{Kind: CallUnavailable, Method: req.Method, Path: req.Path, Err: err}
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, 0, &CallError{Kind: CallUnavailable, Method: req.Method, Path: req.Path, Err: err}
	}

	switch {
	case httpResp.StatusCode < 300:
		return &CallResponse{StatusCode: httpResp.StatusCode, Body: body}, 0, nil
	case httpResp.StatusCode == http.StatusTooManyRequests:
		var errBody matrixErrBody
		_ = json.Unmarshal(body, &errBody)
		wait := time.Duration(errBody.RetryAfterMS) * time.Millisecond
		if wait <= 0 {
			wait = retryafter.Parse(httpResp.Header.Get("Retry-After"), g.initialBackoff)
		}
		return nil, wait, &CallError{
			Kind:       CallRateLimited,
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: httpResp.StatusCode,
			ErrCode:    errBody.ErrCode,
		}
	case httpResp.StatusCode >= 500:
		return nil, 0, &CallError{
			Kind:       CallUnavailable,
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: httpResp.StatusCode,
		}
	default:
		var errBody matrixErrBody
		_ = json.Unmarshal(body, &errBody)
		return nil, 0, &CallError{
			Kind:       CallRejected,
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: httpResp.StatusCode,
			ErrCode:    errBody.ErrCode,
			Err:        fmt.Errorf("%s", errBody.Error),
		}
	}
}

func (g *CallGate) buildRequest(ctx context.Context, req CallRequest) (*http.Request, error) {
	target := *g.homeserver
	target.Path = strings.TrimSuffix(target.Path, "/") + req.Path

	query := url.Values{}
	for key, values := range req.Query {
		query[key] = values
	}
	if req.UserID != "" {
		query.Set("user_id", string(req.UserID))
	}
	target.RawQuery = query.Encode()

	var bodyReader io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.asToken)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

func asCallErr(err error, target **CallError) bool {
	if err == nil {
		return false
	}
	callErr, ok := err.(*CallError)
	if ok {
		*target = callErr
	}
	return ok
}
