// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package relsqlite persists the reliability engine's queues and records in a
// SQLite file shared by every tab of a device, and broadcasts key changes
// across processes through a small fsnotify-watched signal directory.
package relsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/philh4420/Finance-OS-sub001/relsync"
)

// Store implements relsync.Store over a SQLite database. Queue order is the
// insertion order of an AUTOINCREMENT sequence; records are one JSON value per
// key. All writes optionally announce the touched key through a Signal so
// other tabs can react.
type Store struct {
	db     *sql.DB
	signal *Signal
	logger *slog.Logger
	ownsDB bool
}

var _ relsync.Store = (*Store)(nil)

// Open opens (or creates) the database file at path and initializes the
// schema. The returned store owns the connection; Close releases it.
func Open(path string, signal *Signal, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	store, err := NewStore(db, signal, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// NewStore wraps an already opened database handle. The caller keeps
// ownership of db; Close will not release it.
func NewStore(db *sql.DB, signal *Signal, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("initialize reliability schema: %w", err)
	}
	return &Store{db: db, signal: signal, logger: logger}, nil
}

// Close releases the database handle when this store opened it.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func initializeSchema(db *sql.DB) error {
	// WAL lets a flushing tab and a reading tab overlap; busy_timeout covers
	// the brief writer lock handoffs between processes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS queue_items (
			seq      INTEGER PRIMARY KEY AUTOINCREMENT,
			queue    TEXT NOT NULL,
			item_id  TEXT NOT NULL,
			payload  TEXT NOT NULL,
			added_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_identity
			ON queue_items(queue, item_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_order
			ON queue_items(queue, seq)`,
		`CREATE TABLE IF NOT EXISTS records (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("create reliability table: %w", err)
		}
	}
	return nil
}

func (s *Store) announce(key string) {
	if s.signal == nil {
		return
	}
	if err := s.signal.Announce(key); err != nil {
		s.logger.Debug("announcing key change failed", "key", key, "error", err)
	}
}

func (s *Store) Append(ctx context.Context, queue string, item relsync.StoredItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_items (queue, item_id, payload) VALUES (?, ?, ?)`,
		queue, item.ID, string(item.Payload))
	if err != nil {
		return fmt.Errorf("append to queue %s: %w", queue, err)
	}
	s.announce(queue)
	return nil
}

func (s *Store) RemoveByID(ctx context.Context, queue, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE queue = ? AND item_id = ?`, queue, id)
	if err != nil {
		return fmt.Errorf("remove from queue %s: %w", queue, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.announce(queue)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, queue string, item relsync.StoredItem) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET payload = ? WHERE queue = ? AND item_id = ?`,
		string(item.Payload), queue, item.ID)
	if err != nil {
		return fmt.Errorf("update in queue %s: %w", queue, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.announce(queue)
	}
	return nil
}

func (s *Store) List(ctx context.Context, queue string) ([]relsync.StoredItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, payload FROM queue_items WHERE queue = ? ORDER BY seq`, queue)
	if err != nil {
		return nil, fmt.Errorf("list queue %s: %w", queue, err)
	}
	defer func() { _ = rows.Close() }()

	var items []relsync.StoredItem
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, relsync.StoredItem{ID: id, Payload: json.RawMessage(payload)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue %s: %w", queue, err)
	}
	return items, nil
}

func (s *Store) ReplaceAll(ctx context.Context, queue string, items []relsync.StoredItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace of queue %s: %w", queue, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_items WHERE queue = ?`, queue); err != nil {
		return fmt.Errorf("clear queue %s: %w", queue, err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_items (queue, item_id, payload) VALUES (?, ?, ?)`,
			queue, item.ID, string(item.Payload)); err != nil {
			return fmt.Errorf("reinsert into queue %s: %w", queue, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace of queue %s: %w", queue, err)
	}
	s.announce(queue)
	return nil
}

func (s *Store) GetRecord(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read record %s: %w", key, err)
	}
	return json.RawMessage(value), true, nil
}

func (s *Store) SetRecord(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (key, value, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, string(value))
	if err != nil {
		return fmt.Errorf("write record %s: %w", key, err)
	}
	s.announce(key)
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.announce(key)
	}
	return nil
}
