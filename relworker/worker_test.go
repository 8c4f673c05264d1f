// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relworker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/philh4420/Finance-OS-sub001/relsync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeVersions struct {
	mu    sync.Mutex
	build string
	err   error
	calls int
}

func (f *fakeVersions) LatestBuild(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.build, f.err
}

func (f *fakeVersions) set(build string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.build = build
}

func (f *fakeVersions) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu    sync.Mutex
	shown []relsync.Notification
}

func (f *fakeNotifier) Show(n relsync.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, n)
	return nil
}

func (f *fakeNotifier) last() (relsync.Notification, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.shown) == 0 {
		return relsync.Notification{}, false
	}
	return f.shown[len(f.shown)-1], true
}

type fakeOpener struct {
	mu      sync.Mutex
	focused []string
	opened  []string
}

func (f *fakeOpener) Focus(windowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = append(f.focused, windowID)
	return nil
}

func (f *fakeOpener) Open(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, url)
	return nil
}

func newTestBridge(t *testing.T, cfg Config, versions VersionSource, notifier Notifier, opener WindowOpener) (*Worker, *Hub, *httptest.Server) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	hub := NewHub(testLogger())
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	worker := New(cfg, hub, versions, notifier, opener)
	t.Cleanup(func() {
		worker.Close()
		server.Close()
		hub.Close()
	})
	return worker, hub, server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialLink(t *testing.T, server *httptest.Server) *WindowLink {
	t.Helper()
	link, err := Dial(context.Background(), wsURL(server), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })
	return link
}

func waitForWindows(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.WindowCount() == n
	}, 2*time.Second, 10*time.Millisecond, "expected %d connected windows", n)
}

func TestTriggerSyncReachesEveryWindow(t *testing.T) {
	worker, hub, server := newTestBridge(t, Config{ActiveBuild: "build-1"}, &fakeVersions{}, nil, nil)

	tags := make(chan string, 4)
	for i := 0; i < 2; i++ {
		link := dialLink(t, server)
		link.Dispatcher().Handle(relsync.MsgBackgroundSyncFlush, func(env relsync.Envelope) {
			tags <- env.Tag
		})
	}
	waitForWindows(t, hub, 2)

	require.NoError(t, worker.TriggerSync("retry-queued"))

	for i := 0; i < 2; i++ {
		select {
		case tag := <-tags:
			require.Equal(t, "retry-queued", tag)
		case <-time.After(2 * time.Second):
			t.Fatal("window did not receive the sync wakeup")
		}
	}
}

func TestUpdateCheckRoundTrip(t *testing.T) {
	versions := &fakeVersions{build: "build-7"}
	worker, hub, server := newTestBridge(t, Config{ActiveBuild: "build-1"}, versions, nil, nil)

	link := dialLink(t, server)
	waiting := make(chan string, 1)
	link.OnWaiting(func(buildID string) { waiting <- buildID })
	waitForWindows(t, hub, 1)

	require.NoError(t, link.CheckForUpdate(context.Background()))

	select {
	case buildID := <-waiting:
		require.Equal(t, "build-7", buildID)
	case <-time.After(2 * time.Second):
		t.Fatal("window never learned about the waiting build")
	}
	require.Equal(t, "build-7", worker.WaitingBuild())
	require.Equal(t, "build-1", worker.ActiveBuild())
}

func TestCheckNowIgnoresKnownBuilds(t *testing.T) {
	versions := &fakeVersions{build: "build-1"}
	worker, hub, server := newTestBridge(t, Config{ActiveBuild: "build-1"}, versions, nil, nil)

	link := dialLink(t, server)
	var announcements atomic.Int32
	link.OnWaiting(func(string) { announcements.Add(1) })
	waitForWindows(t, hub, 1)

	// Same as active: nothing waiting, nothing announced.
	require.NoError(t, worker.CheckNow(context.Background()))
	require.Empty(t, worker.WaitingBuild())

	// New build announces once; a repeat check of the same build is quiet.
	versions.set("build-2")
	require.NoError(t, worker.CheckNow(context.Background()))
	require.NoError(t, worker.CheckNow(context.Background()))
	require.Equal(t, "build-2", worker.WaitingBuild())

	require.Eventually(t, func() bool {
		return announcements.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), announcements.Load(), "repeat checks must not re-announce")
}

func TestCheckNowPropagatesSourceError(t *testing.T) {
	versions := &fakeVersions{err: errors.New("deploy api down")}
	worker, _, _ := newTestBridge(t, Config{ActiveBuild: "build-1"}, versions, nil, nil)

	err := worker.CheckNow(context.Background())
	require.Error(t, err)
	require.Empty(t, worker.WaitingBuild())
}

func TestActivateWaitingRoundTrip(t *testing.T) {
	versions := &fakeVersions{build: "build-7"}
	worker, hub, server := newTestBridge(t, Config{ActiveBuild: "build-1"}, versions, nil, nil)

	link := dialLink(t, server)
	waitForWindows(t, hub, 1)
	require.NoError(t, worker.CheckNow(context.Background()))
	require.Equal(t, "build-7", worker.WaitingBuild())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, link.ActivateWaiting(ctx))

	// The call resolves on the worker's verdict, so the swap is already done.
	require.Equal(t, "build-7", worker.ActiveBuild())
	require.Empty(t, worker.WaitingBuild())
}

func TestActivateWaitingRefusalReachesWindow(t *testing.T) {
	worker, hub, server := newTestBridge(t, Config{ActiveBuild: "build-1"}, &fakeVersions{}, nil, nil)

	link := dialLink(t, server)
	waitForWindows(t, hub, 1)

	// Nothing is waiting, so the worker must refuse and the refusal must
	// travel back over the bridge instead of dying in the worker's log.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := link.ActivateWaiting(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no build is waiting")
	require.Equal(t, "build-1", worker.ActiveBuild())
}

func TestActivateWaitingWithoutWaitingBuild(t *testing.T) {
	worker, _, _ := newTestBridge(t, Config{ActiveBuild: "build-1"}, &fakeVersions{}, nil, nil)
	require.Error(t, worker.ActivateWaiting())
}

func TestHandlePushShowsParsedNotification(t *testing.T) {
	notifier := &fakeNotifier{}
	worker, _, _ := newTestBridge(t, Config{ActiveBuild: "build-1"}, &fakeVersions{}, notifier, nil)

	worker.HandlePush([]byte(`{"title":"Bill due","body":"Rent due Mar 1","route":"/bills/7"}`))

	shown, ok := notifier.last()
	require.True(t, ok)
	require.Equal(t, "Bill due", shown.Title)
	require.Equal(t, "/bills/7", shown.Route)
}

func TestHandlePushMalformedPayloadStillDisplays(t *testing.T) {
	notifier := &fakeNotifier{}
	worker, _, _ := newTestBridge(t, Config{ActiveBuild: "build-1"}, &fakeVersions{}, notifier, nil)

	worker.HandlePush([]byte(`upgrade tonight`))

	shown, ok := notifier.last()
	require.True(t, ok)
	require.Equal(t, relsync.DefaultNotificationTitle, shown.Title)
	require.Equal(t, "upgrade tonight", shown.Body)
}

func TestNotificationClickFocusesConnectedWindow(t *testing.T) {
	opener := &fakeOpener{}
	hub := NewHub(testLogger())
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	// Origin must match what the hub derives for test connections, which is
	// the test server's own address.
	worker := New(Config{ActiveBuild: "build-1", Origin: server.URL, Logger: testLogger()},
		hub, &fakeVersions{}, nil, opener)
	t.Cleanup(func() {
		worker.Close()
		server.Close()
		hub.Close()
	})

	link := dialLink(t, server)
	routes := make(chan string, 1)
	link.Dispatcher().Handle(relsync.MsgNotificationClick, func(env relsync.Envelope) {
		routes <- env.Route
	})
	waitForWindows(t, hub, 1)

	require.NoError(t, worker.HandleNotificationClick(relsync.Notification{Route: "/bills/42"}))

	select {
	case route := <-routes:
		require.Equal(t, "/bills/42", route)
	case <-time.After(2 * time.Second):
		t.Fatal("focused window never received the click route")
	}
	opener.mu.Lock()
	defer opener.mu.Unlock()
	require.Len(t, opener.focused, 1)
	require.Empty(t, opener.opened)
}

func TestNotificationClickOpensWindowWhenNoneConnected(t *testing.T) {
	opener := &fakeOpener{}
	worker, _, _ := newTestBridge(t,
		Config{ActiveBuild: "build-1", Origin: "https://app.example"},
		&fakeVersions{}, nil, opener)

	require.NoError(t, worker.HandleNotificationClick(relsync.Notification{Route: "/bills/42"}))

	opener.mu.Lock()
	defer opener.mu.Unlock()
	require.Empty(t, opener.focused)
	require.Equal(t, []string{"https://app.example/bills/42"}, opener.opened)
}

func TestHubDropsMalformedWindowMessages(t *testing.T) {
	versions := &fakeVersions{build: "build-1"}
	_, hub, server := newTestBridge(t, Config{ActiveBuild: "build-1"}, versions, nil, nil)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	waitForWindows(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{broken`)))
	env, err := relsync.Envelope{Type: relsync.MsgUpdateCheck}.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, env))

	// The malformed frame is dropped, the valid one still lands.
	require.Eventually(t, func() bool {
		return versions.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
