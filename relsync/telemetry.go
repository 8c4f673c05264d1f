// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// telemetryQueue mirrors the intent queue mechanics for observability events.
// Best-effort throughout: at capacity the oldest event is shed, a delivery
// failure drops the event after that one attempt, and callers never see an
// error.
type telemetryQueue struct {
	store  Store
	logger *slog.Logger
	max    int
	now    func() time.Time

	mu sync.Mutex
}

func newTelemetryQueue(store Store, max int, logger *slog.Logger, now func() time.Time) *telemetryQueue {
	if max <= 0 {
		max = DefaultMaxQueuedTelemetry
	}
	return &telemetryQueue{store: store, logger: logger, max: max, now: now}
}

// Track normalizes and appends the event. Severity defaults to info, missing
// identity and timestamp are filled in.
func (q *telemetryQueue) Track(ctx context.Context, event TelemetryEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.Severity = NormalizeSeverity(event.Severity)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.store.List(ctx, QueueTelemetryEvents)
	if err != nil {
		return fmt.Errorf("list telemetry events: %w", err)
	}
	if len(existing) >= q.max {
		// Shed the oldest event; telemetry may lose data, intents may not.
		oldest := existing[0]
		if err := q.store.RemoveByID(ctx, QueueTelemetryEvents, oldest.ID); err != nil {
			return fmt.Errorf("shed oldest telemetry event: %w", err)
		}
		q.logger.Debug("telemetry queue at capacity, dropped oldest", "dropped", oldest.ID)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode telemetry event: %w", err)
	}
	if err := q.store.Append(ctx, QueueTelemetryEvents, StoredItem{ID: event.ID, Payload: payload}); err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}
	return nil
}

func (q *telemetryQueue) List(ctx context.Context) []TelemetryEvent {
	items, err := q.store.List(ctx, QueueTelemetryEvents)
	if err != nil {
		q.logger.Warn("listing telemetry events failed", "error", err)
		return nil
	}
	out := make([]TelemetryEvent, 0, len(items))
	for _, item := range items {
		var event TelemetryEvent
		if err := json.Unmarshal(item.Payload, &event); err != nil {
			q.logger.Debug("skipping malformed telemetry event", "id", item.ID, "error", err)
			continue
		}
		out = append(out, event)
	}
	return out
}

func (q *telemetryQueue) Count(ctx context.Context) int {
	items, err := q.store.List(ctx, QueueTelemetryEvents)
	if err != nil {
		return 0
	}
	return len(items)
}

// removeByID drops one event once its delivery attempt has run. Events
// tracked while a flush cycle runs are untouched and keep their attempt.
func (q *telemetryQueue) removeByID(ctx context.Context, id string) {
	if err := q.store.RemoveByID(ctx, QueueTelemetryEvents, id); err != nil {
		q.logger.Warn("removing telemetry event failed", "id", id, "error", err)
	}
}
