// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresStoreAndBackend(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil, newScriptedBackend())
	require.Error(t, err)

	_, err = New(DefaultConfig(), NewMemoryStore(), nil, nil)
	require.Error(t, err)
}

func TestNewGeneratesTabID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TabID = ""
	cfg.Logger = discardLogger()
	cfg.RecheckInterval = 0

	eng, err := New(cfg, NewMemoryStore(), nil, newScriptedBackend())
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	require.NotEmpty(t, eng.TabID())
}

func TestSnapshotReflectsQueueState(t *testing.T) {
	eng := newTestEngine(t, newScriptedBackend())
	ctx := context.Background()

	snap := eng.Snapshot(ctx)
	require.True(t, snap.IsOnline)
	require.False(t, snap.IsFlushing)
	require.Empty(t, snap.OfflineIntents)
	require.Zero(t, snap.TelemetryQueueCount)
	require.Nil(t, snap.LastFlush)

	_, err := eng.EnqueueIntent(ctx, "bill.create", nil, EnqueueOptions{})
	require.NoError(t, err)
	eng.TrackEvent(ctx, TelemetryEvent{Category: "sync", EventType: "t"})

	snap = eng.Snapshot(ctx)
	require.Len(t, snap.OfflineIntents, 1)
	require.Equal(t, 1, snap.TelemetryQueueCount)
}

func TestOnlineEdgeTriggersFlushAndRecheck(t *testing.T) {
	backend := newScriptedBackend()
	eng := newTestEngine(t, backend)
	ctx := context.Background()
	worker := &fakeWorker{}
	eng.BindWorker(worker)
	bindChecks := worker.checkCount()

	eng.SetOnline(false)
	intent, err := eng.EnqueueIntent(ctx, "bill.create", nil, EnqueueOptions{})
	require.NoError(t, err)

	eng.SetOnline(true)

	require.Eventually(t, func() bool {
		return backend.appliedCount(intent.ID) == 1
	}, 2*time.Second, 10*time.Millisecond, "restoring connectivity must drain the queue")
	require.Eventually(t, func() bool {
		return worker.checkCount() == bindChecks+1
	}, 2*time.Second, 10*time.Millisecond, "restoring connectivity must re-check for updates")
}

func TestRepeatedOnlineSignalIsNotAnEdge(t *testing.T) {
	backend := newScriptedBackend()
	eng := newTestEngine(t, backend)
	ctx := context.Background()

	eng.SetOnline(false)
	_, err := eng.EnqueueIntent(ctx, "bill.create", nil, EnqueueOptions{})
	require.NoError(t, err)
	eng.SetOnline(false)

	// Still offline, nothing may have been attempted.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, backend.attemptOrder())
}

func TestBindBridgeBackgroundSyncFlush(t *testing.T) {
	backend := newScriptedBackend()
	eng := newTestEngine(t, backend)
	ctx := context.Background()

	intent, err := eng.EnqueueIntent(ctx, "bill.create", nil, EnqueueOptions{})
	require.NoError(t, err)

	bridge := NewDispatcher(discardLogger())
	eng.BindBridge(bridge)
	raw, err := Envelope{Type: MsgBackgroundSyncFlush, Tag: "retry-queued"}.Encode()
	require.NoError(t, err)
	bridge.Dispatch(raw)

	require.Eventually(t, func() bool {
		return backend.appliedCount(intent.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBindBridgeUpdateWaiting(t *testing.T) {
	eng := newTestEngine(t, newScriptedBackend())

	bridge := NewDispatcher(discardLogger())
	eng.BindBridge(bridge)
	bridge.DispatchEnvelope(Envelope{Type: MsgUpdateWaiting, BuildID: "build-7"})

	require.Eventually(t, func() bool {
		return eng.Updates().State() == UpdateReady
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "build-7", eng.Updates().Status().BuildID)
}

func TestBindBridgeNotificationClick(t *testing.T) {
	var mu sync.Mutex
	var route string
	cfg := DefaultConfig()
	cfg.TabID = "tab-test"
	cfg.Logger = discardLogger()
	cfg.RecheckInterval = 0
	cfg.Navigate = func(r string) {
		mu.Lock()
		defer mu.Unlock()
		route = r
	}
	eng, err := New(cfg, NewMemoryStore(), nil, newScriptedBackend())
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	bridge := NewDispatcher(discardLogger())
	eng.BindBridge(bridge)
	bridge.DispatchEnvelope(Envelope{Type: MsgNotificationClick, Route: "/bills/42"})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "/bills/42", route)
}

func TestNotifyVisibilityRegainFlushes(t *testing.T) {
	backend := newScriptedBackend()
	eng := newTestEngine(t, backend)
	ctx := context.Background()

	eng.NotifyVisibility(false)
	intent, err := eng.EnqueueIntent(ctx, "bill.create", nil, EnqueueOptions{})
	require.NoError(t, err)
	eng.NotifyVisibility(true)

	require.Eventually(t, func() bool {
		return backend.appliedCount(intent.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyFocusRechecks(t *testing.T) {
	eng := newTestEngine(t, newScriptedBackend())
	worker := &fakeWorker{}
	eng.BindWorker(worker)
	bindChecks := worker.checkCount()

	eng.NotifyFocus()

	require.Eventually(t, func() bool {
		return worker.checkCount() == bindChecks+1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSharedSignalPropagatesUpdateStatus(t *testing.T) {
	store := NewMemoryStore()
	sig := NewMemorySignal()
	store.NotifyOn(sig)
	backend := newScriptedBackend()

	mkEngine := func(tab string) *Engine {
		cfg := DefaultConfig()
		cfg.TabID = tab
		cfg.Logger = discardLogger()
		cfg.RecheckInterval = 0
		eng, err := New(cfg, store, sig, backend)
		require.NoError(t, err)
		t.Cleanup(eng.Close)
		return eng
	}
	a := mkEngine("tab-a")
	b := mkEngine("tab-b")

	a.Updates().HandleWaiting(context.Background(), "build-9")

	require.Eventually(t, func() bool {
		return b.Updates().State() == UpdateReady
	}, 2*time.Second, 10*time.Millisecond, "the waiting banner must reach every tab")
	require.Equal(t, "build-9", b.Updates().Status().BuildID)
}

func TestStorageDegradationIsInvisibleToCallers(t *testing.T) {
	primary := newFlakyStore()
	cfg := DefaultConfig()
	cfg.TabID = "tab-test"
	cfg.Logger = discardLogger()
	cfg.RecheckInterval = 0
	eng, err := New(cfg, primary, nil, newScriptedBackend())
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	ctx := context.Background()

	require.False(t, eng.StorageDegraded())
	primary.setFailWrites(true)

	// The enqueue itself must still succeed.
	intent, err := eng.EnqueueIntent(ctx, "bill.create", nil, EnqueueOptions{})
	require.NoError(t, err)
	require.True(t, eng.StorageDegraded())

	snap := eng.Snapshot(ctx)
	require.Len(t, snap.OfflineIntents, 1)
	require.Equal(t, intent.ID, snap.OfflineIntents[0].ID)
}
