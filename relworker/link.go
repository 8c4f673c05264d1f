// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/philh4420/Finance-OS-sub001/relsync"
)

// WindowLink is the window side of the bridge: a websocket connection to the
// worker hub that satisfies relsync.WorkerRegistration and feeds inbound
// envelopes into a dispatcher an engine can bind to.
type WindowLink struct {
	conn       *websocket.Conn
	dispatcher *relsync.Dispatcher
	logger     *slog.Logger

	writeMu sync.Mutex

	// waiters holds the pending activation requests by tag until the worker's
	// verdict arrives.
	waiterMu sync.Mutex
	waiters  map[string]chan relsync.ActivateResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ relsync.WorkerRegistration = (*WindowLink)(nil)

// Dial connects to the worker hub at url (ws:// or wss://) and starts the
// read loop.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*WindowLink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial worker hub: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	l := &WindowLink{
		conn:       conn,
		dispatcher: relsync.NewDispatcher(logger),
		logger:     logger,
		waiters:    make(map[string]chan relsync.ActivateResult),
		ctx:        linkCtx,
		cancel:     cancel,
	}
	l.dispatcher.Handle(relsync.MsgActivateResult, l.resolveActivate)
	l.wg.Add(1)
	go l.readLoop()
	return l, nil
}

// Dispatcher exposes the inbound dispatch table so an engine can register its
// bridge handlers.
func (l *WindowLink) Dispatcher() *relsync.Dispatcher { return l.dispatcher }

// CheckForUpdate asks the worker to look for a newer deployment.
func (l *WindowLink) CheckForUpdate(ctx context.Context) error {
	return l.send(ctx, relsync.Envelope{Type: relsync.MsgUpdateCheck})
}

// ActivateWaiting asks the worker to promote the waiting build and waits for
// its verdict, so a refusal reaches the caller instead of vanishing in the
// worker's log. The wait is bounded by ctx and ends when the link closes.
func (l *WindowLink) ActivateWaiting(ctx context.Context) error {
	tag := uuid.NewString()
	ch := make(chan relsync.ActivateResult, 1)
	l.waiterMu.Lock()
	l.waiters[tag] = ch
	l.waiterMu.Unlock()
	defer func() {
		l.waiterMu.Lock()
		delete(l.waiters, tag)
		l.waiterMu.Unlock()
	}()

	if err := l.send(ctx, relsync.Envelope{Type: relsync.MsgActivateWaiting, Tag: tag}); err != nil {
		return err
	}

	select {
	case verdict := <-ch:
		if verdict.OK {
			return nil
		}
		if verdict.Error == "" {
			verdict.Error = "unspecified failure"
		}
		return fmt.Errorf("worker refused activation: %s", verdict.Error)
	case <-ctx.Done():
		return fmt.Errorf("awaiting activation verdict: %w", ctx.Err())
	case <-l.ctx.Done():
		return errors.New("worker link closed")
	}
}

// resolveActivate completes the pending activation request the verdict's tag
// names. A verdict that cannot be decoded counts as a refusal.
func (l *WindowLink) resolveActivate(env relsync.Envelope) {
	var verdict relsync.ActivateResult
	if err := json.Unmarshal(env.Data, &verdict); err != nil {
		l.logger.Debug("undecodable activation verdict", "error", err)
		verdict = relsync.ActivateResult{Error: "undecodable activation verdict"}
	}
	l.waiterMu.Lock()
	ch, ok := l.waiters[env.Tag]
	if ok {
		delete(l.waiters, env.Tag)
	}
	l.waiterMu.Unlock()
	if ok {
		ch <- verdict
	}
}

// OnWaiting registers the handler for the worker's installed-and-waiting
// announcement.
func (l *WindowLink) OnWaiting(fn func(buildID string)) {
	l.dispatcher.Handle(relsync.MsgUpdateWaiting, func(env relsync.Envelope) {
		fn(env.BuildID)
	})
}

// Close shuts the connection down and waits for the read loop.
func (l *WindowLink) Close() error {
	l.cancel()
	err := l.conn.Close()
	l.wg.Wait()
	return err
}

func (l *WindowLink) send(ctx context.Context, env relsync.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("send %s to worker: %w", env.Type, err)
	}
	return nil
}

func (l *WindowLink) readLoop() {
	defer l.wg.Done()
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.ctx.Done():
			default:
				l.logger.Debug("worker link closed", "error", err)
			}
			return
		}
		l.dispatcher.Dispatch(raw)
	}
}
