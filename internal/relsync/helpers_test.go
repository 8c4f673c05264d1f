// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package relsync holds end-to-end tests wiring the reliability engine to a
// real SQLite store, a real fsnotify signal, and a live finwatch backend.
package relsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/philh4420/Finance-OS-sub001/examples/finwatch_server/server"
	"github.com/philh4420/Finance-OS-sub001/relsqlite"
	"github.com/philh4420/Finance-OS-sub001/relsync"
)

// harness models one device: a backend the device talks to, one SQLite file
// shared by every tab, and one signal directory carrying cross-tab change
// notifications.
type harness struct {
	t       *testing.T
	ctx     context.Context
	backend *server.TestServer
	userID  string
	token   string
	dbPath  string
	sigDir  string
	logger  *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ts, err := server.NewTestServer(&server.ServerConfig{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(ts.Close)

	userID := "user-" + uuid.NewString()
	token, err := ts.GenerateToken(userID, "tab-0", time.Hour)
	require.NoError(t, err)

	dir := t.TempDir()
	return &harness{
		t:       t,
		ctx:     context.Background(),
		backend: ts,
		userID:  userID,
		token:   token,
		dbPath:  filepath.Join(dir, "reliability.db"),
		sigDir:  filepath.Join(dir, "signals"),
		logger:  logger,
	}
}

// openTab opens fresh store and signal handles on the shared file and builds
// an engine over them, the way a newly opened (or restarted) tab does.
func (h *harness) openTab(tabID string) *relsync.Engine {
	return h.openTabWith(tabID, nil)
}

func (h *harness) openTabWith(tabID string, mutate func(cfg *relsync.Config)) *relsync.Engine {
	h.t.Helper()

	signal, err := relsqlite.NewSignal(h.sigDir, h.logger)
	require.NoError(h.t, err)
	store, err := relsqlite.Open(h.dbPath, signal, h.logger)
	require.NoError(h.t, err)

	backend := relsync.NewHTTPBackend(h.backend.URL(), nil, h.logger)
	backend.Token = func(context.Context) (string, error) { return h.token, nil }

	cfg := relsync.DefaultConfig()
	cfg.TabID = tabID
	cfg.ClaimTTL = 10 * time.Second
	cfg.Logger = h.logger
	if mutate != nil {
		mutate(cfg)
	}

	eng, err := relsync.New(cfg, store, signal, backend)
	require.NoError(h.t, err)
	h.t.Cleanup(func() {
		eng.Close()
		_ = store.Close()
		signal.Close()
	})
	return eng
}

// applyDirect runs one mutation straight against the backend, outside any
// engine, for seeding and verification.
func (h *harness) applyDirect(mutation string, args map[string]any) {
	h.t.Helper()
	body, err := json.Marshal(args)
	require.NoError(h.t, err)

	req, err := http.NewRequest(http.MethodPost, h.backend.URL()+"/rpc/"+mutation, bytes.NewReader(body))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
}

// applyDirectRelease publishes a release descriptor, the way deploy tooling
// announces a new build.
func (h *harness) applyDirectRelease(args map[string]any) {
	h.t.Helper()
	body, err := json.Marshal(args)
	require.NoError(h.t, err)

	req, err := http.NewRequest(http.MethodPost, h.backend.URL()+"/release/latest", bytes.NewReader(body))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
}

func (h *harness) seedAccount() string {
	h.t.Helper()
	id := uuid.NewString()
	h.applyDirect("account.create", map[string]any{"id": id, "name": "Checking"})
	return id
}

// bill fetches one bill from the backend; nil when it does not exist.
func (h *harness) bill(id string) *server.Bill {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.backend.URL()+"/bills/"+id, nil)
	require.NoError(h.t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	var b server.Bill
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&b))
	return &b
}

func (h *harness) appliedMutations() int {
	h.t.Helper()
	n, err := h.backend.Store.CountAppliedMutations(h.ctx, h.userID)
	require.NoError(h.t, err)
	return n
}

func (h *harness) telemetryCount() int {
	h.t.Helper()
	n, err := h.backend.Store.CountTelemetry(h.ctx, h.userID)
	require.NoError(h.t, err)
	return n
}

func billArgs(billID, accountID, label string, amountCents int64) map[string]any {
	return map[string]any{
		"id":          billID,
		"accountId":   accountID,
		"label":       label,
		"amountCents": amountCents,
	}
}
