// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Envelope is the narrow message format between the background worker and
// windows. Only the fields relevant to a given Type are set.
type Envelope struct {
	Type    string          `json:"type"`
	Tag     string          `json:"tag,omitempty"`
	Route   string          `json:"route,omitempty"`
	BuildID string          `json:"buildId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrMalformedEnvelope reports an undecodable or typeless bridge message.
var ErrMalformedEnvelope = errors.New("malformed bridge envelope")

// ActivateResult is the worker's verdict on an ACTIVATE_WAITING request. It
// travels in the Data field of an ACTIVATE_RESULT envelope whose Tag echoes
// the request's.
type ActivateResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Encode serializes the envelope for transport.
func (e Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode bridge envelope: %w", err)
	}
	return raw, nil
}

// DecodeEnvelope parses a bridge message. Malformed input yields
// ErrMalformedEnvelope, never a panic; callers drop and log.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}

// Dispatcher is one side's dispatch table: exactly one handler per message
// type. Unknown and malformed messages are dropped with a debug log.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]func(Envelope)
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, handlers: make(map[string]func(Envelope))}
}

// Handle registers the handler for a message type, replacing any previous
// one.
func (d *Dispatcher) Handle(msgType string, fn func(Envelope)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType] = fn
}

// Dispatch decodes and routes one raw message.
func (d *Dispatcher) Dispatch(raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		d.logger.Debug("dropping malformed bridge message", "error", err)
		return
	}
	d.DispatchEnvelope(env)
}

// DispatchEnvelope routes an already decoded envelope.
func (d *Dispatcher) DispatchEnvelope(env Envelope) {
	d.mu.RLock()
	fn := d.handlers[env.Type]
	d.mu.RUnlock()
	if fn == nil {
		d.logger.Debug("dropping bridge message with no handler", "type", env.Type)
		return
	}
	fn(env)
}
