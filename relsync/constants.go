// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import "time"

// Queue names used with the persistent queue store
const (
	QueueOfflineIntents  = "offline-intents"
	QueueTelemetryEvents = "telemetry-events"
)

// Record key prefixes for single-value durable records
const (
	RecordKeyUpdateStatus = "pwa-update-status"
	RecordPrefixToast     = "toast-claim:"
	RecordPrefixDraft     = "form-draft:"
)

// Flush trigger reasons passed to FlushQueues
const (
	TriggerStartup        = "startup"
	TriggerManual         = "manual"
	TriggerConnectivity   = "connectivity_restored"
	TriggerBackgroundSync = "background_sync"
	TriggerVisibility     = "visibility"
	TriggerInterval       = "interval"
)

// ReasonOffline is the only failure reason a FlushResult carries: either the
// engine was offline when a non-empty flush started, or connectivity dropped
// mid-cycle and the remaining intents were aborted.
const ReasonOffline = "offline"

// Telemetry severities
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// FailureKind classifies a backend error for retry policy
type FailureKind string

const (
	// FailureTransient covers network unreachability, timeouts and server-side
	// overload; the intent stays queued and the current cycle aborts.
	FailureTransient FailureKind = "transient"
	// FailureRejected covers application-level rejections (validation,
	// conflict); the intent stays queued for operator visibility but never
	// blocks the rest of the queue.
	FailureRejected FailureKind = "rejected"
)

// UpdateState is the update lifecycle controller state
type UpdateState string

const (
	UpdateIdle             UpdateState = "idle"
	UpdateInstalledWaiting UpdateState = "installed_waiting"
	UpdateReady            UpdateState = "ready"
	UpdateApplying         UpdateState = "applying"
)

// Worker bridge message types. Worker to window: BG_SYNC_FLUSH,
// NOTIFICATION_CLICK, UPDATE_WAITING, ACTIVATE_RESULT. Window to worker:
// UPDATE_CHECK, ACTIVATE_WAITING.
const (
	MsgBackgroundSyncFlush = "BG_SYNC_FLUSH"
	MsgNotificationClick   = "NOTIFICATION_CLICK"
	MsgUpdateWaiting       = "UPDATE_WAITING"
	MsgUpdateCheck         = "UPDATE_CHECK"
	MsgActivateWaiting     = "ACTIVATE_WAITING"
	MsgActivateResult      = "ACTIVATE_RESULT"
)

// ToastKeyUpdateAvailable is the shared claim key for the "update available"
// notification so only one tab shows it.
const ToastKeyUpdateAvailable = "pwa-update-available"

// Defaults used by DefaultConfig
const (
	DefaultMaxQueuedIntents   = 500
	DefaultMaxQueuedTelemetry = 1000
	DefaultClaimTTL           = 10 * time.Second
	DefaultRecheckInterval    = time.Hour
)
