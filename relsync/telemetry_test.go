// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeSeverity(t *testing.T) {
	cases := map[string]string{
		SeverityInfo:    SeverityInfo,
		SeverityWarning: SeverityWarning,
		SeverityError:   SeverityError,
		"":              SeverityInfo,
		"fatal":         SeverityInfo,
		"WARNING":       SeverityInfo,
	}
	for in, want := range cases {
		if got := NormalizeSeverity(in); got != want {
			t.Errorf("NormalizeSeverity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTrackFillsIdentityAndSeverity(t *testing.T) {
	ctx := context.Background()
	queue := newTelemetryQueue(NewMemoryStore(), 0, discardLogger(), time.Now)

	require.NoError(t, queue.Track(ctx, TelemetryEvent{
		Category:  "sync",
		EventType: "flush_failed",
		Severity:  "catastrophic",
	}))

	events := queue.List(ctx)
	require.Len(t, events, 1)
	require.NotEmpty(t, events[0].ID)
	require.Equal(t, SeverityInfo, events[0].Severity)
	require.False(t, events[0].CreatedAt.IsZero())
}

func TestTrackShedsOldestAtCapacity(t *testing.T) {
	ctx := context.Background()
	queue := newTelemetryQueue(NewMemoryStore(), 2, discardLogger(), time.Now)

	for _, id := range []string{"ev-1", "ev-2", "ev-3"} {
		require.NoError(t, queue.Track(ctx, TelemetryEvent{ID: id, Category: "sync", EventType: "t"}))
	}

	events := queue.List(ctx)
	require.Len(t, events, 2)
	require.Equal(t, "ev-2", events[0].ID, "oldest event is shed first")
	require.Equal(t, "ev-3", events[1].ID)
}

func TestTrackEventNeverSurfacesErrors(t *testing.T) {
	// TrackEvent on the engine is fire-and-forget even when the queue write
	// degrades; the caller has no error channel for telemetry.
	eng := newTestEngine(t, newScriptedBackend())
	ctx := context.Background()

	eng.TrackEvent(ctx, TelemetryEvent{Category: "pwa", EventType: "update_check_failed"})
	require.Equal(t, 1, eng.Snapshot(ctx).TelemetryQueueCount)
}
