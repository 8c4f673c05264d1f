// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// StoredItem is one serialized queue entry. Payload is opaque JSON; ordering
// is owned by the store.
type StoredItem struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// QueueStore is the append/remove/list contract over an ordered durable
// collection, scoped per logical queue name.
type QueueStore interface {
	// Append stores the item at the tail of the named queue.
	Append(ctx context.Context, queue string, item StoredItem) error
	// RemoveByID is idempotent; removing a missing id is a no-op.
	RemoveByID(ctx context.Context, queue, id string) error
	// Update rewrites the payload of the item with the same id, keeping its
	// queue position. Updating a missing id is a no-op.
	Update(ctx context.Context, queue string, item StoredItem) error
	// List returns items in FIFO order.
	List(ctx context.Context, queue string) ([]StoredItem, error)
	// ReplaceAll atomically replaces the queue contents in one write.
	ReplaceAll(ctx context.Context, queue string, items []StoredItem) error
}

// RecordStore holds single JSON values under flat keys (claims, update
// status, form drafts).
type RecordStore interface {
	GetRecord(ctx context.Context, key string) (json.RawMessage, bool, error)
	SetRecord(ctx context.Context, key string, value json.RawMessage) error
	DeleteRecord(ctx context.Context, key string) error
}

// Store combines the queue and record contracts; implementations must be safe
// for concurrent use.
type Store interface {
	QueueStore
	RecordStore
}

// KeyChange notifies that a stored key (queue name or record key) was written
// by some tab, possibly this one.
type KeyChange struct {
	Key string
}

// KeySignal is the storage-change notification: the only way one tab learns
// of another tab's write. Subscriptions end when ctx is done.
type KeySignal interface {
	Subscribe(ctx context.Context, prefix string) (<-chan KeyChange, error)
}

// MemoryStore is the in-process Store. It backs tests, single-tab sessions
// without durable storage, and the degraded mode of FallbackStore.
type MemoryStore struct {
	mu      sync.Mutex
	queues  map[string][]StoredItem
	records map[string]json.RawMessage
	signal  *MemorySignal
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues:  make(map[string][]StoredItem),
		records: make(map[string]json.RawMessage),
	}
}

// NotifyOn publishes a KeyChange to sig after every successful write, keyed
// by queue name or record key.
func (s *MemoryStore) NotifyOn(sig *MemorySignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signal = sig
}

func (s *MemoryStore) publish(key string) {
	if s.signal != nil {
		s.signal.Publish(key)
	}
}

func (s *MemoryStore) Append(_ context.Context, queue string, item StoredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[queue] = append(s.queues[queue], item)
	s.publish(queue)
	return nil
}

func (s *MemoryStore) RemoveByID(_ context.Context, queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.queues[queue]
	for i, it := range items {
		if it.ID == id {
			s.queues[queue] = append(items[:i:i], items[i+1:]...)
			s.publish(queue)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Update(_ context.Context, queue string, item StoredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.queues[queue]
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item
			s.publish(queue)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, queue string) ([]StoredItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.queues[queue]
	out := make([]StoredItem, len(items))
	copy(out, items)
	return out, nil
}

func (s *MemoryStore) ReplaceAll(_ context.Context, queue string, items []StoredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := make([]StoredItem, len(items))
	copy(replaced, items)
	s.queues[queue] = replaced
	s.publish(queue)
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *MemoryStore) SetRecord(_ context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	s.records[key] = stored
	s.publish(key)
	return nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	s.publish(key)
	return nil
}

// snapshotAll copies the full store state, used by FallbackStore to re-seed a
// recovered primary.
func (s *MemoryStore) snapshotAll() (map[string][]StoredItem, map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queues := make(map[string][]StoredItem, len(s.queues))
	for q, items := range s.queues {
		cp := make([]StoredItem, len(items))
		copy(cp, items)
		queues[q] = cp
	}
	records := make(map[string]json.RawMessage, len(s.records))
	for k, v := range s.records {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		records[k] = cp
	}
	return queues, records
}

const memorySignalBuffer = 16

// MemorySignal is an in-process KeySignal for tests and deployments where all
// tabs share one process.
type MemorySignal struct {
	mu   sync.Mutex
	subs []*memorySub
}

type memorySub struct {
	prefix string
	ch     chan KeyChange
	done   <-chan struct{}
}

// NewMemorySignal creates an empty signal hub.
func NewMemorySignal() *MemorySignal {
	return &MemorySignal{}
}

func (m *MemorySignal) Subscribe(ctx context.Context, prefix string) (<-chan KeyChange, error) {
	sub := &memorySub{prefix: prefix, ch: make(chan KeyChange, memorySignalBuffer), done: ctx.Done()}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, s := range m.subs {
			if s == sub {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

// Publish fans the change out to matching subscribers. Slow subscribers drop
// the notification rather than block the writer.
func (m *MemorySignal) Publish(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.prefix != "" && !strings.HasPrefix(key, sub.prefix) {
			continue
		}
		select {
		case <-sub.done:
		case sub.ch <- KeyChange{Key: key}:
		default:
		}
	}
}

// fallbackRetryInterval limits how often a degraded FallbackStore retries
// its primary.
const fallbackRetryInterval = 10 * time.Second

// FallbackStore wraps a durable Store and guarantees callers never see a
// storage failure: on the first write error it logs, flips to an in-memory
// mirror of the last observed state, and keeps serving. While degraded, each
// write opportunistically retries the primary (rate limited); once a full
// re-sync succeeds the primary becomes the source of truth again.
type FallbackStore struct {
	primary Store
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	degraded  bool
	lastRetry time.Time
	mirror    *MemoryStore
}

// NewFallbackStore wraps primary. A nil logger falls back to slog.Default().
func NewFallbackStore(primary Store, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{
		primary: primary,
		logger:  logger,
		now:     time.Now,
		mirror:  NewMemoryStore(),
	}
}

// Degraded reports whether the store is currently serving from memory.
func (f *FallbackStore) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *FallbackStore) degrade(op string, err error) {
	f.mu.Lock()
	already := f.degraded
	f.degraded = true
	f.lastRetry = f.now()
	f.mu.Unlock()
	if !already {
		f.logger.Warn("durable store unavailable, serving queues from memory",
			"op", op, "error", err)
	}
}

// tryRecover pushes the mirror back into the primary. Called with a write in
// flight while degraded; rate limited so a dead disk is not hammered.
func (f *FallbackStore) tryRecover(ctx context.Context) bool {
	f.mu.Lock()
	if !f.degraded || f.now().Sub(f.lastRetry) < fallbackRetryInterval {
		f.mu.Unlock()
		return false
	}
	f.lastRetry = f.now()
	f.mu.Unlock()

	queues, records := f.mirror.snapshotAll()
	for q, items := range queues {
		if err := f.primary.ReplaceAll(ctx, q, items); err != nil {
			return false
		}
	}
	for k, v := range records {
		if err := f.primary.SetRecord(ctx, k, v); err != nil {
			return false
		}
	}

	f.mu.Lock()
	f.degraded = false
	f.mu.Unlock()
	f.logger.Info("durable store recovered, re-synced from memory",
		"queues", len(queues), "records", len(records))
	return true
}

func (f *FallbackStore) healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.degraded
}

func (f *FallbackStore) Append(ctx context.Context, queue string, item StoredItem) error {
	_ = f.mirror.Append(ctx, queue, item)
	if f.healthy() {
		if err := f.primary.Append(ctx, queue, item); err != nil {
			f.degrade("append", err)
		}
		return nil
	}
	f.tryRecover(ctx)
	return nil
}

func (f *FallbackStore) RemoveByID(ctx context.Context, queue, id string) error {
	_ = f.mirror.RemoveByID(ctx, queue, id)
	if f.healthy() {
		if err := f.primary.RemoveByID(ctx, queue, id); err != nil {
			f.degrade("remove", err)
		}
		return nil
	}
	f.tryRecover(ctx)
	return nil
}

func (f *FallbackStore) Update(ctx context.Context, queue string, item StoredItem) error {
	_ = f.mirror.Update(ctx, queue, item)
	if f.healthy() {
		if err := f.primary.Update(ctx, queue, item); err != nil {
			f.degrade("update", err)
		}
		return nil
	}
	f.tryRecover(ctx)
	return nil
}

func (f *FallbackStore) ReplaceAll(ctx context.Context, queue string, items []StoredItem) error {
	_ = f.mirror.ReplaceAll(ctx, queue, items)
	if f.healthy() {
		if err := f.primary.ReplaceAll(ctx, queue, items); err != nil {
			f.degrade("replace_all", err)
		}
		return nil
	}
	f.tryRecover(ctx)
	return nil
}

func (f *FallbackStore) List(ctx context.Context, queue string) ([]StoredItem, error) {
	if f.healthy() {
		items, err := f.primary.List(ctx, queue)
		if err == nil {
			// Keep the mirror warm so a later degradation starts from the
			// last observed durable state.
			_ = f.mirror.ReplaceAll(ctx, queue, items)
			return items, nil
		}
		f.degrade("list", err)
	}
	return f.mirror.List(ctx, queue)
}

func (f *FallbackStore) SetRecord(ctx context.Context, key string, value json.RawMessage) error {
	_ = f.mirror.SetRecord(ctx, key, value)
	if f.healthy() {
		if err := f.primary.SetRecord(ctx, key, value); err != nil {
			f.degrade("set_record", err)
		}
		return nil
	}
	f.tryRecover(ctx)
	return nil
}

func (f *FallbackStore) GetRecord(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if f.healthy() {
		v, ok, err := f.primary.GetRecord(ctx, key)
		if err == nil {
			if ok {
				_ = f.mirror.SetRecord(ctx, key, v)
			}
			return v, ok, nil
		}
		f.degrade("get_record", err)
	}
	return f.mirror.GetRecord(ctx, key)
}

func (f *FallbackStore) DeleteRecord(ctx context.Context, key string) error {
	_ = f.mirror.DeleteRecord(ctx, key)
	if f.healthy() {
		if err := f.primary.DeleteRecord(ctx, key); err != nil {
			f.degrade("delete_record", err)
		}
		return nil
	}
	f.tryRecover(ctx)
	return nil
}
