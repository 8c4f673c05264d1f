// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/philh4420/Finance-OS-sub001/relsync"
)

// VersionSource reports the newest deployed build id.
type VersionSource interface {
	LatestBuild(ctx context.Context) (string, error)
}

// Notifier is the host's notification display surface.
type Notifier interface {
	Show(n relsync.Notification) error
}

// WindowOpener focuses or opens dashboard windows on notification clicks.
type WindowOpener interface {
	Focus(windowID string) error
	Open(url string) error
}

// Config carries the worker settings.
type Config struct {
	// Origin is the canonical dashboard origin used to match windows on
	// notification clicks.
	Origin string
	// ActiveBuild is the build currently served to windows.
	ActiveBuild string
	// PollInterval paces the background deployment checks; zero disables
	// polling and leaves checks to window requests.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Worker is the background half of the reliability bridge. It owns the
// installed/waiting build state, relays sync wakeups, displays push payloads,
// and routes notification clicks to a window.
type Worker struct {
	cfg      Config
	hub      *Hub
	versions VersionSource
	notifier Notifier
	opener   WindowOpener
	logger   *slog.Logger

	mu      sync.Mutex
	active  string
	waiting string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the worker to the hub and starts deployment polling when
// configured.
func New(cfg Config, hub *Hub, versions VersionSource, notifier Notifier, opener WindowOpener) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:      cfg,
		hub:      hub,
		versions: versions,
		notifier: notifier,
		opener:   opener,
		logger:   logger,
		active:   cfg.ActiveBuild,
		ctx:      ctx,
		cancel:   cancel,
	}
	hub.OnInbound(w.handleInbound)
	if cfg.PollInterval > 0 {
		w.wg.Add(1)
		go w.pollLoop()
	}
	return w
}

// Close stops the poll loop. The hub is owned by the caller.
func (w *Worker) Close() {
	w.cancel()
	w.wg.Wait()
}

// ActiveBuild returns the build currently served to windows.
func (w *Worker) ActiveBuild() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// WaitingBuild returns the installed-but-not-activated build, if any.
func (w *Worker) WaitingBuild() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waiting
}

// TriggerSync wakes every window for a queue flush, the replay path for
// flushes that were requested while no window was open.
func (w *Worker) TriggerSync(tag string) error {
	return w.hub.Broadcast(relsync.Envelope{Type: relsync.MsgBackgroundSyncFlush, Tag: tag})
}

// CheckNow asks the version source for the newest build. A build that is
// neither active nor already waiting becomes the waiting build and is
// announced to every window.
func (w *Worker) CheckNow(ctx context.Context) error {
	latest, err := w.versions.LatestBuild(ctx)
	if err != nil {
		return fmt.Errorf("check latest build: %w", err)
	}
	if latest == "" {
		return nil
	}

	w.mu.Lock()
	if latest == w.active || latest == w.waiting {
		w.mu.Unlock()
		return nil
	}
	w.waiting = latest
	w.mu.Unlock()

	w.logger.Info("new build installed and waiting", "build", latest)
	return w.hub.Broadcast(relsync.Envelope{Type: relsync.MsgUpdateWaiting, BuildID: latest})
}

// ActivateWaiting promotes the waiting build. Windows reload themselves after
// requesting activation.
func (w *Worker) ActivateWaiting() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.waiting == "" {
		return fmt.Errorf("no build is waiting")
	}
	w.active = w.waiting
	w.waiting = ""
	w.logger.Info("waiting build activated", "build", w.active)
	return nil
}

// HandlePush turns a raw push payload into a displayed notification and
// returns what was shown.
func (w *Worker) HandlePush(raw []byte) relsync.Notification {
	n := relsync.ParsePushPayload(raw)
	if w.notifier != nil {
		if err := w.notifier.Show(n); err != nil {
			w.logger.Warn("showing notification failed", "tag", n.Tag, "error", err)
		}
	}
	return n
}

// HandleNotificationClick routes a click on a displayed notification: focus
// the first window on our origin and hand it the route, or open a fresh
// window when none exists.
func (w *Worker) HandleNotificationClick(n relsync.Notification) error {
	target := relsync.ResolveClickTarget(w.hub.Windows(), w.cfg.Origin, n.Route)
	if target.FocusWindowID != "" {
		if w.opener != nil {
			if err := w.opener.Focus(target.FocusWindowID); err != nil {
				return fmt.Errorf("focus window: %w", err)
			}
		}
		return w.hub.SendTo(target.FocusWindowID, relsync.Envelope{
			Type:  relsync.MsgNotificationClick,
			Route: target.Route,
		})
	}
	if w.opener == nil {
		return fmt.Errorf("no window opener configured")
	}
	if err := w.opener.Open(target.OpenURL); err != nil {
		return fmt.Errorf("open window: %w", err)
	}
	return nil
}

func (w *Worker) handleInbound(windowID string, env relsync.Envelope) {
	switch env.Type {
	case relsync.MsgUpdateCheck:
		if err := w.CheckNow(w.ctx); err != nil {
			w.logger.Warn("window-requested update check failed", "window", windowID, "error", err)
		}
	case relsync.MsgActivateWaiting:
		err := w.ActivateWaiting()
		if err != nil {
			w.logger.Warn("activation request failed", "window", windowID, "error", err)
		}
		w.sendActivateResult(windowID, env.Tag, err)
	default:
		w.logger.Debug("ignoring window message", "window", windowID, "type", env.Type)
	}
}

// sendActivateResult answers the requesting window so its pending activation
// call resolves with the worker's verdict.
func (w *Worker) sendActivateResult(windowID, tag string, activateErr error) {
	verdict := relsync.ActivateResult{OK: activateErr == nil}
	if activateErr != nil {
		verdict.Error = activateErr.Error()
	}
	data, err := json.Marshal(verdict)
	if err != nil {
		w.logger.Warn("encoding activation verdict failed", "window", windowID, "error", err)
		return
	}
	if err := w.hub.SendTo(windowID, relsync.Envelope{
		Type: relsync.MsgActivateResult,
		Tag:  tag,
		Data: data,
	}); err != nil {
		w.logger.Warn("sending activation verdict failed", "window", windowID, "error", err)
	}
}

func (w *Worker) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.CheckNow(w.ctx); err != nil {
				w.logger.Warn("scheduled update check failed", "error", err)
			}
		}
	}
}
