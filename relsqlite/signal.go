// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsqlite

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/philh4420/Finance-OS-sub001/relsync"
)

const (
	debounceDelay   = 50 * time.Millisecond
	eventBufferSize = 100
	signalExt       = ".key"
)

// Signal broadcasts storage key changes between tabs, including tabs in other
// processes. Announce touches one file per key in a shared directory; every
// process watches the directory with fsnotify and fans matching keys out to
// its subscribers. SQLite gives no change notification of its own, so this
// side channel is what keeps idle tabs current.
type Signal struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu       sync.Mutex
	subs     []*signalSub
	debounce map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type signalSub struct {
	prefix string
	ch     chan relsync.KeyChange
}

var _ relsync.KeySignal = (*Signal)(nil)

// NewSignal creates the signal directory if needed and starts watching it.
func NewSignal(dir string, logger *slog.Logger) (*Signal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create signal directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create signal watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch signal directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Signal{
		dir:      dir,
		watcher:  watcher,
		logger:   logger,
		debounce: make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Announce marks key as changed for every watching process, this one
// included. Delivery to in-process subscribers also goes through the watcher
// so one code path serves both cases.
func (s *Signal) Announce(key string) error {
	name := filepath.Join(s.dir, hex.EncodeToString([]byte(key))+signalExt)
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := os.WriteFile(name, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("touch signal file for %s: %w", key, err)
	}
	return nil
}

// Subscribe returns a channel of changes to keys starting with prefix. The
// subscription ends when ctx is done.
func (s *Signal) Subscribe(ctx context.Context, prefix string) (<-chan relsync.KeyChange, error) {
	sub := &signalSub{prefix: prefix, ch: make(chan relsync.KeyChange, eventBufferSize)}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.unsubscribe(sub)
		case <-s.ctx.Done():
			// Close() shuts every channel.
		}
	}()
	return sub.ch, nil
}

// Close stops the watcher and closes all subscriber channels.
func (s *Signal) Close() error {
	s.cancel()

	s.mu.Lock()
	for _, timer := range s.debounce {
		timer.Stop()
	}
	for _, sub := range s.subs {
		close(sub.ch)
	}
	s.subs = nil
	s.mu.Unlock()

	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *Signal) unsubscribe(sub *signalSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.subs {
		if candidate == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (s *Signal) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("signal watcher error", "error", err)
		}
	}
}

func (s *Signal) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, signalExt) {
		return
	}
	decoded, err := hex.DecodeString(strings.TrimSuffix(name, signalExt))
	if err != nil {
		return
	}
	key := string(decoded)

	// Coalesce the burst of events one write produces.
	s.mu.Lock()
	if timer, exists := s.debounce[key]; exists {
		timer.Stop()
	}
	s.debounce[key] = time.AfterFunc(debounceDelay, func() {
		s.notify(key)
	})
	s.mu.Unlock()
}

func (s *Signal) notify(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.debounce, key)
	for _, sub := range s.subs {
		if sub.prefix != "" && !strings.HasPrefix(key, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- relsync.KeyChange{Key: key}:
		default:
			// The watcher loop must not block on a slow subscriber.
		}
	}
}
