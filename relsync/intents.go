// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrIntentQueueFull is returned by EnqueueIntent at the configured capacity.
// This is the only condition under which a local enqueue fails; the bound
// exists so the queue cannot grow without limit on a permanently broken link.
var ErrIntentQueueFull = errors.New("offline intent queue is full")

// intentQueue is the typed FIFO of pending backend writes over the queue
// store. Mutating entry points are serialized so the capacity check and the
// append are one step.
type intentQueue struct {
	store  Store
	logger *slog.Logger
	max    int
	now    func() time.Time

	mu sync.Mutex
}

func newIntentQueue(store Store, max int, logger *slog.Logger, now func() time.Time) *intentQueue {
	if max <= 0 {
		max = DefaultMaxQueuedIntents
	}
	return &intentQueue{store: store, logger: logger, max: max, now: now}
}

// Enqueue validates, assigns identity, and appends. No network call happens
// here; flushes are driven separately.
func (q *intentQueue) Enqueue(ctx context.Context, mutationName string, payload any, opts EnqueueOptions) (QueuedIntent, error) {
	if mutationName == "" {
		return QueuedIntent{}, errors.New("mutation name is required")
	}
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return QueuedIntent{}, fmt.Errorf("intent payload is not serializable: %w", err)
		}
		raw = encoded
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.store.List(ctx, QueueOfflineIntents)
	if err != nil {
		return QueuedIntent{}, fmt.Errorf("list offline intents: %w", err)
	}
	if len(existing) >= q.max {
		return QueuedIntent{}, fmt.Errorf("%w (%d queued)", ErrIntentQueueFull, len(existing))
	}

	intent := QueuedIntent{
		ID:                  uuid.NewString(),
		MutationName:        mutationName,
		Payload:             raw,
		Label:               opts.Label,
		FormDraftKey:        opts.FormDraftKey,
		ClearDraftOnSuccess: opts.ClearDraftOnSuccess,
		EnqueuedAt:          q.now(),
	}
	item, err := encodeIntent(intent)
	if err != nil {
		return QueuedIntent{}, err
	}
	if err := q.store.Append(ctx, QueueOfflineIntents, item); err != nil {
		return QueuedIntent{}, fmt.Errorf("append offline intent: %w", err)
	}
	q.logger.Debug("intent enqueued",
		"id", intent.ID, "mutation", intent.MutationName, "label", intent.Label)
	return intent, nil
}

// List decodes the queue in FIFO order. Entries that fail to decode are
// skipped with a warning; a malformed stored value must never break the
// session.
func (q *intentQueue) List(ctx context.Context) []QueuedIntent {
	items, err := q.store.List(ctx, QueueOfflineIntents)
	if err != nil {
		q.logger.Warn("listing offline intents failed", "error", err)
		return nil
	}
	out := make([]QueuedIntent, 0, len(items))
	for _, item := range items {
		var intent QueuedIntent
		if err := json.Unmarshal(item.Payload, &intent); err != nil {
			q.logger.Warn("skipping malformed queued intent", "id", item.ID, "error", err)
			continue
		}
		out = append(out, intent)
	}
	return out
}

// Count returns the number of stored entries including undecodable ones;
// malformed entries are skipped on read but still occupy capacity.
func (q *intentQueue) Count(ctx context.Context) int {
	items, err := q.store.List(ctx, QueueOfflineIntents)
	if err != nil {
		return 0
	}
	return len(items)
}

func (q *intentQueue) removeByID(ctx context.Context, id string) {
	if err := q.store.RemoveByID(ctx, QueueOfflineIntents, id); err != nil {
		q.logger.Warn("removing flushed intent failed", "id", id, "error", err)
	}
}

// update rewrites one queued intent in place, keeping its FIFO position. The
// flusher uses it to persist attempt counts and errors on items that stay
// queued; intents enqueued while a cycle runs are never written by the cycle.
func (q *intentQueue) update(ctx context.Context, intent QueuedIntent) {
	item, err := encodeIntent(intent)
	if err != nil {
		q.logger.Warn("encoding updated intent failed", "id", intent.ID, "error", err)
		return
	}
	if err := q.store.Update(ctx, QueueOfflineIntents, item); err != nil {
		q.logger.Warn("updating queued intent failed", "id", intent.ID, "error", err)
	}
}

func encodeIntent(intent QueuedIntent) (StoredItem, error) {
	payload, err := json.Marshal(intent)
	if err != nil {
		return StoredItem{}, fmt.Errorf("encode queued intent: %w", err)
	}
	return StoredItem{ID: intent.ID, Payload: payload}, nil
}
