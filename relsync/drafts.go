// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// draftStore persists in-progress form state under form-draft:<key>. Drafts
// are created on first edit, overwritten on every edit, and cleared either
// explicitly or when an associated intent flushes with ClearDraftOnSuccess.
type draftStore struct {
	records RecordStore
	logger  *slog.Logger
	now     func() time.Time
}

func newDraftStore(records RecordStore, logger *slog.Logger, now func() time.Time) *draftStore {
	return &draftStore{records: records, logger: logger, now: now}
}

func (d *draftStore) Save(ctx context.Context, key string, fields map[string]json.RawMessage) error {
	if key == "" {
		return errors.New("draft key is required")
	}
	draft := FormDraft{Key: key, Fields: fields, SavedAt: d.now()}
	encoded, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("encode form draft: %w", err)
	}
	if err := d.records.SetRecord(ctx, RecordPrefixDraft+key, encoded); err != nil {
		return fmt.Errorf("save form draft: %w", err)
	}
	return nil
}

// Load returns the draft and true when one exists. A stored value that fails
// to decode counts as absent.
func (d *draftStore) Load(ctx context.Context, key string) (FormDraft, bool) {
	raw, ok, err := d.records.GetRecord(ctx, RecordPrefixDraft+key)
	if err != nil {
		d.logger.Warn("reading form draft failed", "key", key, "error", err)
		return FormDraft{}, false
	}
	if !ok {
		return FormDraft{}, false
	}
	var draft FormDraft
	if err := json.Unmarshal(raw, &draft); err != nil {
		d.logger.Warn("discarding malformed form draft", "key", key, "error", err)
		return FormDraft{}, false
	}
	return draft, true
}

func (d *draftStore) Discard(ctx context.Context, key string) {
	if err := d.records.DeleteRecord(ctx, RecordPrefixDraft+key); err != nil {
		d.logger.Warn("discarding form draft failed", "key", key, "error", err)
	}
}
