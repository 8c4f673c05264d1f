// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"time"
)

// FlushStats describes one completed flush cycle for metrics sinks.
type FlushStats struct {
	Reason           string
	Took             time.Duration
	IntentsSucceeded int
	IntentsRejected  int
	IntentsRemaining int
	TelemetrySent    int
	TelemetryDropped int
	Aborted          bool
}

// FlushRecorder receives per-cycle flush statistics.
type FlushRecorder interface {
	RecordFlush(ctx context.Context, stats FlushStats)
}

// FlushRecorderFunc adapts a function to FlushRecorder.
type FlushRecorderFunc func(ctx context.Context, stats FlushStats)

func (f FlushRecorderFunc) RecordFlush(ctx context.Context, stats FlushStats) {
	f(ctx, stats)
}

func (e *Engine) recordFlush(ctx context.Context, stats FlushStats) {
	if e.metrics != nil {
		e.metrics.RecordFlush(ctx, stats)
	}
	e.logger.Debug("flush cycle finished",
		"reason", stats.Reason,
		"took", stats.Took,
		"succeeded", stats.IntentsSucceeded,
		"rejected", stats.IntentsRejected,
		"remaining", stats.IntentsRemaining,
		"telemetry_sent", stats.TelemetrySent,
		"telemetry_dropped", stats.TelemetryDropped,
		"aborted", stats.Aborted,
	)
}
