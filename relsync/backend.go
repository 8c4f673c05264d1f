// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Backend is the remote RPC boundary. Each mutation name maps to one
// idempotent-or-tolerant remote write; the engine only requires that a
// retried call does not corrupt state and that failures are classifiable as
// transient versus rejected.
type Backend interface {
	ApplyMutation(ctx context.Context, call MutationCall) error
	SendTelemetry(ctx context.Context, event TelemetryEvent) error
}

// BackendError is a classified backend failure.
type BackendError struct {
	Kind       FailureKind
	HTTPStatus int
	Reason     string
	Err        error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s (status %d): %v", e.Kind, e.HTTPStatus, e.Err)
	}
	if e.Reason != "" {
		return fmt.Sprintf("backend %s (status %d): %s", e.Kind, e.HTTPStatus, e.Reason)
	}
	return fmt.Sprintf("backend %s (status %d)", e.Kind, e.HTTPStatus)
}

func (e *BackendError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status to a retry class. Timeouts, rate limits
// and server errors are transient; the remaining 4xx are application
// rejections that must not be retried automatically.
func ClassifyStatus(status int) FailureKind {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return FailureTransient
	case status >= 500:
		return FailureTransient
	default:
		return FailureRejected
	}
}

// IsTransient reports whether err should abort the current flush cycle and be
// retried on the next trigger. Unclassified errors (transport failures,
// timeouts, cancellations) count as transient: retrying is the safe default
// for a queue that must never lose intents.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind == FailureTransient
	}
	return true
}

const defaultBackendTimeout = 30 * time.Second

// HTTPBackend talks to the backend over HTTP: POST {base}/rpc/{mutationName}
// for writes (Idempotency-Key = intent id) and POST {base}/telemetry for
// events. Token, when set, is attached as a bearer credential.
type HTTPBackend struct {
	BaseURL string
	HTTP    *http.Client
	Token   func(ctx context.Context) (string, error)
	Logger  *slog.Logger
}

// NewHTTPBackend creates a backend client with sane defaults.
func NewHTTPBackend(baseURL string, httpClient *http.Client, logger *slog.Logger) *HTTPBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultBackendTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPBackend{BaseURL: baseURL, HTTP: httpClient, Logger: logger}
}

// errorBody is the JSON error shape the backend answers failures with.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (b *HTTPBackend) ApplyMutation(ctx context.Context, call MutationCall) error {
	if call.MutationName == "" {
		return &BackendError{Kind: FailureRejected, Reason: "empty mutation name"}
	}
	body := call.Payload
	if body == nil {
		body = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.BaseURL+"/rpc/"+call.MutationName, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create mutation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if call.ID != "" {
		req.Header.Set("Idempotency-Key", call.ID)
	}
	if err := b.attachToken(ctx, req); err != nil {
		return err
	}

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return &BackendError{Kind: FailureTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return b.responseError(resp)
}

func (b *HTTPBackend) SendTelemetry(ctx context.Context, event TelemetryEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode telemetry event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.BaseURL+"/telemetry", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := b.attachToken(ctx, req); err != nil {
		return err
	}

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return &BackendError{Kind: FailureTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return b.responseError(resp)
}

func (b *HTTPBackend) attachToken(ctx context.Context, req *http.Request) error {
	if b.Token == nil {
		return nil
	}
	token, err := b.Token(ctx)
	if err != nil {
		// No credential means no request can be made right now; treat like a
		// transient condition so the intent survives.
		return &BackendError{Kind: FailureTransient, Reason: "token", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (b *HTTPBackend) responseError(resp *http.Response) error {
	kind := ClassifyStatus(resp.StatusCode)
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb errorBody
	reason := ""
	if json.Unmarshal(raw, &eb) == nil {
		reason = eb.Error
		if eb.Message != "" {
			reason = eb.Error + ": " + eb.Message
		}
	}
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	b.Logger.Debug("backend call failed",
		"status", resp.StatusCode, "kind", string(kind), "reason", reason)
	return &BackendError{Kind: kind, HTTPStatus: resp.StatusCode, Reason: reason}
}
