// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// claimRegistry implements the cross-tab toast claim: at most one tab holds a
// live claim per key. The read-then-write is best-effort; shared storage gives
// no transaction, so two tabs racing inside the same millisecond may both win.
// The failure mode is a duplicate toast, not a correctness violation.
type claimRegistry struct {
	records RecordStore
	tabID   string
	logger  *slog.Logger
	now     func() time.Time
}

func newClaimRegistry(records RecordStore, tabID string, logger *slog.Logger, now func() time.Time) *claimRegistry {
	return &claimRegistry{records: records, tabID: tabID, logger: logger, now: now}
}

// Claim returns true iff this tab now owns the key. A stored claim that is
// expired or fails to decode is treated as absent.
func (r *claimRegistry) Claim(ctx context.Context, key string, ttl time.Duration) bool {
	if key == "" || ttl <= 0 {
		return false
	}
	storageKey := RecordPrefixToast + key
	now := r.now()

	raw, ok, err := r.records.GetRecord(ctx, storageKey)
	if err != nil {
		r.logger.Warn("reading toast claim failed", "key", key, "error", err)
		return false
	}
	if ok {
		var current ToastClaim
		if json.Unmarshal(raw, &current) == nil && current.Live(now) {
			return current.OwningTabID == r.tabID
		}
	}

	claim := ToastClaim{
		Key:         key,
		OwningTabID: r.tabID,
		ClaimedAt:   now,
		TTLMillis:   ttl.Milliseconds(),
	}
	encoded, err := json.Marshal(claim)
	if err != nil {
		return false
	}
	if err := r.records.SetRecord(ctx, storageKey, encoded); err != nil {
		r.logger.Warn("writing toast claim failed", "key", key, "error", err)
		return false
	}
	r.logger.Debug("toast claim acquired", "key", key, "tab", r.tabID, "ttl", ttl)
	return true
}

// Release drops the claim early if this tab owns it, letting another tab
// re-claim before the TTL runs out (used on update supersession).
func (r *claimRegistry) Release(ctx context.Context, key string) {
	storageKey := RecordPrefixToast + key
	raw, ok, err := r.records.GetRecord(ctx, storageKey)
	if err != nil || !ok {
		return
	}
	var current ToastClaim
	if json.Unmarshal(raw, &current) != nil || current.OwningTabID != r.tabID {
		return
	}
	if err := r.records.DeleteRecord(ctx, storageKey); err != nil {
		r.logger.Warn("releasing toast claim failed", "key", key, "error", err)
	}
}
