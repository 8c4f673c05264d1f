// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"encoding/json"
	"time"
)

// QueuedIntent is a pending backend write captured while offline (or queued
// proactively by the caller). Intents are applied strictly in enqueue order.
type QueuedIntent struct {
	ID                  string          `json:"id"`
	MutationName        string          `json:"mutationName"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	Label               string          `json:"label,omitempty"`
	FormDraftKey        string          `json:"formDraftKey,omitempty"`
	ClearDraftOnSuccess bool            `json:"clearDraftOnSuccess,omitempty"`
	EnqueuedAt          time.Time       `json:"enqueuedAt"`
	AttemptCount        int             `json:"attemptCount"`
	LastError           string          `json:"lastError,omitempty"`
}

// TelemetryEvent is a pending observability event. Telemetry shares the
// intent queue mechanics but is best-effort: one delivery attempt, then gone.
type TelemetryEvent struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	EventType string    `json:"eventType"`
	Feature   string    `json:"feature,omitempty"`
	Severity  string    `json:"severity"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ToastClaim is a time-bounded single-owner lock over a logical event key,
// used to deduplicate user-facing notifications across tabs.
type ToastClaim struct {
	Key         string    `json:"key"`
	OwningTabID string    `json:"owningTabId"`
	ClaimedAt   time.Time `json:"claimedAt"`
	TTLMillis   int64     `json:"ttlMs"`
}

// ExpiresAt returns the instant the claim stops being live.
func (c ToastClaim) ExpiresAt() time.Time {
	return c.ClaimedAt.Add(time.Duration(c.TTLMillis) * time.Millisecond)
}

// Live reports whether the claim is still held at the given instant.
func (c ToastClaim) Live(now time.Time) bool {
	return now.Before(c.ExpiresAt())
}

// PwaUpdateStatus is the shared persisted descriptor of a pending app update.
// Version is a monotonic token that advances only on a false->true Ready
// transition (or a genuinely newer build superseding a pending one).
type PwaUpdateStatus struct {
	Ready       bool     `json:"ready"`
	Version     int64    `json:"version"`
	BuildID     string   `json:"buildId,omitempty"`
	ReleaseName string   `json:"releaseName,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Highlights  []string `json:"highlights,omitempty"`
	PublishedAt string   `json:"publishedAt,omitempty"`
}

// ReleaseMetadata is the small descriptor fetched from the release endpoint
// when a new version is waiting. All fields are optional on the wire;
// resolution degrades to a generic summary when the fetch fails.
type ReleaseMetadata struct {
	BuildID     string   `json:"buildId,omitempty"`
	ReleaseName string   `json:"releaseName,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Highlights  []string `json:"highlights,omitempty"`
	PublishedAt string   `json:"publishedAt,omitempty"`
}

// FormDraft holds the last in-progress state of a logical form, keyed by the
// formDraftKey an intent may reference.
type FormDraft struct {
	Key     string                     `json:"key"`
	Fields  map[string]json.RawMessage `json:"fields,omitempty"`
	SavedAt time.Time                  `json:"savedAt"`
}

// FlushResult summarizes one flush cycle. OK is true when every intent was
// flushed or intentionally skipped as non-retriable and no connectivity abort
// occurred; Reason is set to "offline" otherwise.
type FlushResult struct {
	OK               bool   `json:"ok"`
	IntentsSucceeded int    `json:"intentsSucceeded"`
	TelemetrySent    int    `json:"telemetrySent"`
	Reason           string `json:"reason,omitempty"`
}

// ReliabilitySnapshot is the ephemeral, derived view the UI reads. It is
// computed on demand and never persisted.
type ReliabilitySnapshot struct {
	IsOnline            bool
	IsFlushing          bool
	OfflineIntents      []QueuedIntent
	TelemetryQueueCount int
	LastFlush           *FlushResult
}

// EnqueueOptions carries the optional fields of EnqueueIntent.
type EnqueueOptions struct {
	Label               string
	FormDraftKey        string
	ClearDraftOnSuccess bool
}

// MutationCall is one remote write handed to the backend client. ID doubles
// as the idempotency key so a retried call is recognizable server-side.
type MutationCall struct {
	ID           string
	MutationName string
	Payload      json.RawMessage
}

// NormalizeSeverity maps unknown severity strings to SeverityInfo. Malformed
// input is normalized, never rejected.
func NormalizeSeverity(s string) string {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return s
	default:
		return SeverityInfo
	}
}
