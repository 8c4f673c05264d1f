// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"time"
)

// flushFlightKey coalesces concurrent FlushQueues calls into one cycle.
const flushFlightKey = "flush"

// FlushQueues drains the offline-intent queue and then the telemetry queue
// against the backend.
//
// Fast paths: if both queues are empty the call returns {OK:true} without
// touching the network or the connectivity flag; if the engine is offline the
// call fails fast with reason "offline" and leaves both queues untouched.
//
// Only one cycle runs at a time; a concurrent call joins the in-flight cycle
// and receives its result (the in-flight call's context and reason govern the
// shared cycle).
//
// Intents are attempted strictly in FIFO order, never in parallel. A
// transient failure or an observed connectivity loss aborts the remaining
// intents; an application-level rejection records the failure on the item and
// moves on so a poisoned intent cannot block the queue. Telemetry is then
// attempted once per event regardless of the intent outcome and dropped
// afterwards either way. Items enqueued while the cycle runs are outside its
// snapshot and stay queued for the next cycle.
func (e *Engine) FlushQueues(ctx context.Context, reason string) FlushResult {
	if e.intents.Count(ctx) == 0 && e.telemetry.Count(ctx) == 0 {
		return FlushResult{OK: true}
	}
	if !e.connectivity.IsOnline() {
		return FlushResult{OK: false, Reason: ReasonOffline}
	}

	v, _, _ := e.flights.Do(flushFlightKey, func() (interface{}, error) {
		return e.runFlush(ctx, reason), nil
	})
	return v.(FlushResult)
}

func (e *Engine) runFlush(ctx context.Context, reason string) FlushResult {
	e.flushing.Store(true)
	defer e.flushing.Store(false)

	start := time.Now()
	e.logger.Debug("flush cycle started", "reason", reason)

	result := FlushResult{OK: true}
	stats := FlushStats{Reason: reason}

	// The cycle works on a snapshot and writes back one item at a time:
	// success removes by id, failure rewrites the item in place. An item
	// enqueued while the cycle runs is never written by it and stays queued
	// for the next cycle.
	intents := e.intents.List(ctx)
	remaining := 0

	for i := 0; i < len(intents); i++ {
		// Connectivity may drop between items; the untouched tail keeps its
		// attempt counts.
		if !e.connectivity.IsOnline() {
			remaining += len(intents) - i
			result.OK = false
			result.Reason = ReasonOffline
			stats.Aborted = true
			break
		}

		intent := intents[i]
		err := e.backend.ApplyMutation(ctx, MutationCall{
			ID:           intent.ID,
			MutationName: intent.MutationName,
			Payload:      intent.Payload,
		})
		if err == nil {
			e.intents.removeByID(ctx, intent.ID)
			if intent.ClearDraftOnSuccess && intent.FormDraftKey != "" {
				e.drafts.Discard(ctx, intent.FormDraftKey)
			}
			result.IntentsSucceeded++
			continue
		}

		intent.AttemptCount++
		intent.LastError = err.Error()
		e.intents.update(ctx, intent)

		if IsTransient(err) {
			e.logger.Info("flush aborted on connectivity failure",
				"intent", intent.ID, "mutation", intent.MutationName,
				"attempts", intent.AttemptCount, "error", err)
			remaining += len(intents) - i
			e.connectivity.SetOnline(false)
			result.OK = false
			result.Reason = ReasonOffline
			stats.Aborted = true
			break
		}

		// Rejected by the application: keep it queued for operator
		// visibility and keep going.
		e.logger.Warn("intent rejected by backend, leaving queued",
			"intent", intent.ID, "mutation", intent.MutationName,
			"attempts", intent.AttemptCount, "error", err)
		stats.IntentsRejected++
		remaining++
	}

	// Telemetry always gets its single attempt per event, even after an
	// intent abort. Each event is removed right after its attempt, sent or
	// dropped; events tracked mid-cycle keep their attempt.
	for _, event := range e.telemetry.List(ctx) {
		err := e.backend.SendTelemetry(ctx, event)
		e.telemetry.removeByID(ctx, event.ID)
		if err != nil {
			e.logger.Debug("telemetry event dropped after failed attempt",
				"event", event.ID, "type", event.EventType, "error", err)
			stats.TelemetryDropped++
			continue
		}
		result.TelemetrySent++
	}

	stats.Took = time.Since(start)
	stats.IntentsSucceeded = result.IntentsSucceeded
	stats.IntentsRemaining = remaining
	stats.TelemetrySent = result.TelemetrySent
	e.recordFlush(ctx, stats)

	e.mu.Lock()
	resultCopy := result
	e.lastFlush = &resultCopy
	e.mu.Unlock()

	if result.OK {
		e.logger.Info("flush cycle succeeded", "reason", reason,
			"intents", result.IntentsSucceeded, "telemetry", result.TelemetrySent)
	}
	return result
}
