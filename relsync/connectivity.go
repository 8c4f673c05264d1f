// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"sync"
	"sync/atomic"
)

// connectivity tracks the online flag and fires listeners on edges. The flag
// is an externally observed signal (the host environment's online/offline
// events) plus the flusher's own transient-failure detection.
type connectivity struct {
	online atomic.Bool

	mu        sync.Mutex
	listeners []func(online bool)
}

func newConnectivity() *connectivity {
	c := &connectivity{}
	// Assume online until the environment says otherwise.
	c.online.Store(true)
	return c
}

func (c *connectivity) IsOnline() bool {
	return c.online.Load()
}

// SetOnline stores the flag and, on an actual transition, notifies listeners
// synchronously in registration order. Returns true when the value changed.
func (c *connectivity) SetOnline(online bool) bool {
	if !c.online.CompareAndSwap(!online, online) {
		return false
	}
	c.mu.Lock()
	listeners := make([]func(bool), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(online)
	}
	return true
}

func (c *connectivity) onChange(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}
