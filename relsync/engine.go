// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package relsync is the reliability and synchronization engine of an
// offline-capable finance dashboard: a durable offline-intent queue with a
// flush/retry protocol, a best-effort telemetry queue, cross-tab toast claim
// deduplication, the background-worker update lifecycle, and push/click
// notification routing.
//
// The engine is an explicit instance constructed once per tab and passed by
// reference; there is no package-level state.
package relsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Config carries the per-tab engine settings. Zero values fall back to the
// defaults in constants.go.
type Config struct {
	// TabID identifies this tab in cross-tab claims. Generated when empty.
	TabID string

	// MaxQueuedIntents bounds the offline intent queue; EnqueueIntent fails
	// with ErrIntentQueueFull at the bound.
	MaxQueuedIntents int
	// MaxQueuedTelemetry bounds the telemetry queue; the oldest event is shed
	// at the bound.
	MaxQueuedTelemetry int

	// ClaimTTL is the toast claim lifetime used by the update controller.
	ClaimTTL time.Duration
	// RecheckInterval paces the periodic update re-check while visible.
	RecheckInterval time.Duration

	// ReleaseMetadataURL is the release descriptor endpoint; empty disables
	// metadata fetching (generic summaries only).
	ReleaseMetadataURL string
	// RunningRelease is the release name of the running build, used to spot
	// stale release metadata.
	RunningRelease string

	// Navigate handles NOTIFICATION_CLICK routes from the worker.
	Navigate func(route string)
	// ShowToast displays a user-facing toast in this tab (claim winners
	// only). Defaults to a log line.
	ShowToast func(severity, message string)
	// Reload restarts this tab under the newly activated version.
	Reload func()

	Logger  *slog.Logger
	Metrics FlushRecorder
	// Clock overrides time.Now for deterministic tests.
	Clock func() time.Time
}

// DefaultConfig returns the settings a dashboard tab runs with.
func DefaultConfig() *Config {
	return &Config{
		TabID:              uuid.NewString(),
		MaxQueuedIntents:   DefaultMaxQueuedIntents,
		MaxQueuedTelemetry: DefaultMaxQueuedTelemetry,
		ClaimTTL:           DefaultClaimTTL,
		RecheckInterval:    DefaultRecheckInterval,
	}
}

// Engine composes the queues, the flusher, the claim registry, the draft
// store, and the update controller behind the single facade UI code consumes.
type Engine struct {
	cfg     *Config
	store   Store
	signal  KeySignal
	backend Backend
	logger  *slog.Logger
	metrics FlushRecorder
	now     func() time.Time

	intents      *intentQueue
	telemetry    *telemetryQueue
	claims       *claimRegistry
	drafts       *draftStore
	updates      *UpdateController
	connectivity *connectivity

	flights  singleflight.Group
	flushing atomic.Bool
	visible  atomic.Bool

	mu        sync.Mutex
	lastFlush *FlushResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	navigate func(route string)
}

// New wires an engine around the given durable store, cross-tab signal, and
// backend client. The store is wrapped so storage failures degrade to memory
// instead of surfacing; signal may be nil when no other tab can exist.
func New(cfg *Config, store Store, signal KeySignal, backend Backend) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TabID == "" {
		cfg.TabID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tab", cfg.TabID)
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if _, ok := store.(*FallbackStore); !ok {
		store = NewFallbackStore(store, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:          cfg,
		store:        store,
		signal:       signal,
		backend:      backend,
		logger:       logger,
		metrics:      cfg.Metrics,
		now:          now,
		connectivity: newConnectivity(),
		ctx:          ctx,
		cancel:       cancel,
		navigate:     cfg.Navigate,
	}
	e.visible.Store(true)

	e.intents = newIntentQueue(store, cfg.MaxQueuedIntents, logger, now)
	e.telemetry = newTelemetryQueue(store, cfg.MaxQueuedTelemetry, logger, now)
	e.claims = newClaimRegistry(store, cfg.TabID, logger, now)
	e.drafts = newDraftStore(store, logger, now)

	toast := cfg.ShowToast
	if toast == nil {
		toast = func(severity, message string) {
			logger.Info("toast", "severity", severity, "message", message)
		}
	}
	e.updates = newUpdateController(
		store,
		e.claims,
		nil,
		cfg.ReleaseMetadataURL,
		cfg.RunningRelease,
		cfg.ClaimTTL,
		logger,
		now,
		func(ctx context.Context, event TelemetryEvent) { e.TrackEvent(ctx, event) },
		toast,
		cfg.Reload,
	)

	// Connectivity restoration drains the queue and re-checks for updates.
	e.connectivity.onChange(func(online bool) {
		if !online {
			return
		}
		e.goAsync(func() {
			e.FlushQueues(e.ctx, TriggerConnectivity)
			e.updates.Recheck(e.ctx, "online")
		})
	})

	if signal != nil {
		e.watchSharedKeys()
	}
	if cfg.RecheckInterval > 0 {
		e.runRecheckLoop()
	}
	return e, nil
}

// TabID returns the identity this engine claims toasts under.
func (e *Engine) TabID() string { return e.cfg.TabID }

// IsOnline reports the current connectivity flag.
func (e *Engine) IsOnline() bool { return e.connectivity.IsOnline() }

// SetOnline records a connectivity transition observed by the host
// environment. An offline-to-online edge triggers a flush and an update
// re-check.
func (e *Engine) SetOnline(online bool) {
	if e.connectivity.SetOnline(online) {
		e.logger.Info("connectivity changed", "online", online)
	}
}

// EnqueueIntent appends a pending backend write. No network call happens
// here; the call fails only on invalid input or a full queue.
func (e *Engine) EnqueueIntent(ctx context.Context, mutationName string, payload any, opts EnqueueOptions) (QueuedIntent, error) {
	return e.intents.Enqueue(ctx, mutationName, payload, opts)
}

// TrackEvent queues a telemetry event. Best-effort: problems are logged,
// never returned.
func (e *Engine) TrackEvent(ctx context.Context, event TelemetryEvent) {
	if err := e.telemetry.Track(ctx, event); err != nil {
		e.logger.Warn("tracking telemetry event failed", "type", event.EventType, "error", err)
	}
}

// ClaimSharedToastKey returns true iff this tab now owns the claim and should
// render the toast for key.
func (e *Engine) ClaimSharedToastKey(ctx context.Context, key string, ttl time.Duration) bool {
	return e.claims.Claim(ctx, key, ttl)
}

// SaveDraft stores in-progress form state under the given draft key.
func (e *Engine) SaveDraft(ctx context.Context, key string, fields map[string]json.RawMessage) error {
	return e.drafts.Save(ctx, key, fields)
}

// LoadDraft returns the draft and true when one exists.
func (e *Engine) LoadDraft(ctx context.Context, key string) (FormDraft, bool) {
	return e.drafts.Load(ctx, key)
}

// DiscardDraft removes a draft, e.g. when the user abandons the form.
func (e *Engine) DiscardDraft(ctx context.Context, key string) {
	e.drafts.Discard(ctx, key)
}

// Updates exposes the update lifecycle controller.
func (e *Engine) Updates() *UpdateController { return e.updates }

// Snapshot derives the current reliability view for the UI.
func (e *Engine) Snapshot(ctx context.Context) ReliabilitySnapshot {
	e.mu.Lock()
	last := e.lastFlush
	e.mu.Unlock()
	return ReliabilitySnapshot{
		IsOnline:            e.connectivity.IsOnline(),
		IsFlushing:          e.flushing.Load(),
		OfflineIntents:      e.intents.List(ctx),
		TelemetryQueueCount: e.telemetry.Count(ctx),
		LastFlush:           last,
	}
}

// BindWorker attaches the background worker registration and kicks the
// initial update check.
func (e *Engine) BindWorker(reg WorkerRegistration) {
	e.updates.Bind(e.ctx, reg)
}

// BindBridge registers this window's handlers on the worker bridge dispatch
// table.
func (e *Engine) BindBridge(d *Dispatcher) {
	d.Handle(MsgBackgroundSyncFlush, func(env Envelope) {
		e.logger.Debug("background sync flush requested", "tag", env.Tag)
		e.goAsync(func() { e.FlushQueues(e.ctx, TriggerBackgroundSync) })
	})
	d.Handle(MsgUpdateWaiting, func(env Envelope) {
		buildID := env.BuildID
		e.goAsync(func() { e.updates.HandleWaiting(e.ctx, buildID) })
	})
	d.Handle(MsgNotificationClick, func(env Envelope) {
		if e.navigate != nil {
			e.navigate(env.Route)
		}
	})
}

// NotifyVisibility records visibility; regaining it re-checks for updates and
// flushes anything queued.
func (e *Engine) NotifyVisibility(visible bool) {
	was := e.visible.Swap(visible)
	if visible && !was {
		e.goAsync(func() {
			e.FlushQueues(e.ctx, TriggerVisibility)
			e.updates.Recheck(e.ctx, "visibility")
		})
	}
}

// NotifyFocus re-checks for updates on window focus.
func (e *Engine) NotifyFocus() {
	e.goAsync(func() { e.updates.Recheck(e.ctx, "focus") })
}

// StorageDegraded reports whether the durable store is currently bypassed in
// favor of the in-memory mirror.
func (e *Engine) StorageDegraded() bool {
	if fs, ok := e.store.(*FallbackStore); ok {
		return fs.Degraded()
	}
	return false
}

// Close stops background goroutines and waits for in-flight work. The engine
// normally lives for the tab's lifetime; Close exists for hosts and tests
// that tear tabs down.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) goAsync(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// watchSharedKeys adopts other tabs' writes to the shared update status.
func (e *Engine) watchSharedKeys() {
	ch, err := e.signal.Subscribe(e.ctx, RecordKeyUpdateStatus)
	if err != nil {
		e.logger.Warn("subscribing to storage changes failed", "error", err)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for range ch {
			e.updates.refreshFromStore(e.ctx)
		}
	}()
}

// runRecheckLoop asks the worker for new versions on a fixed cadence while
// the tab is visible.
func (e *Engine) runRecheckLoop() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			if err := sleepWithContext(e.ctx, e.cfg.RecheckInterval); err != nil {
				return
			}
			if !e.visible.Load() {
				continue
			}
			e.updates.Recheck(e.ctx, "interval")
		}
	}()
}
