// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists the correlation between mesh packet identifiers and
// Matrix event identifiers. Lookups by either key are on the relay hot path
// and are indexed; writes are append-mostly and pruned in the background.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix/id"

	"github.com/meshbridge/meshbridge/pkg/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned by lookups when no mapping exists for the key.
var ErrNotFound = errors.New("message mapping not found")

// MappingStore is the identity and dedup store of the bridge.
type MappingStore interface {
	Store(ctx context.Context, m *models.MessageMapping) error
	LookupByMeshID(ctx context.Context, packetID uint32) (*models.MessageMapping, error)
	LookupByChatEvent(ctx context.Context, eventID id.EventID) (*models.MessageMapping, error)
	Prune(ctx context.Context, maxAge time.Duration, maxCount int) (int64, error)
	Close() error
}

const selectMappings = `SELECT m.* FROM message_mappings m`

type sqliteMappingStore struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the SQLite mapping database at path and
// applies pending migrations. Use ":memory:" for an ephemeral store.
func Open(path string) (MappingStore, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping database: %w", err)
	}
	// A single writer keeps sqlite happy under the two concurrent consumers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate mapping database: %w", err)
	}

	return &sqliteMappingStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *sqliteMappingStore) Store(ctx context.Context, m *models.MessageMapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	stmt := `
	INSERT INTO message_mappings
		(mesh_packet_id, chat_event_id, chat_room_id, mesh_channel, meshnet_origin, snippet, created_at)
	VALUES
		(:mesh_packet_id, :chat_event_id, :chat_room_id, :mesh_channel, :meshnet_origin, :snippet, :created_at)
	ON CONFLICT (mesh_packet_id, chat_room_id) DO NOTHING;
	`
	_, err := s.db.NamedExecContext(ctx, stmt, m)
	return err
}

func (s *sqliteMappingStore) LookupByMeshID(ctx context.Context, packetID uint32) (*models.MessageMapping, error) {
	var m models.MessageMapping
	err := s.db.GetContext(ctx, &m, selectMappings+" WHERE m.mesh_packet_id = ? LIMIT 1;", packetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *sqliteMappingStore) LookupByChatEvent(ctx context.Context, eventID id.EventID) (*models.MessageMapping, error) {
	var m models.MessageMapping
	err := s.db.GetContext(ctx, &m, selectMappings+" WHERE m.chat_event_id = ? LIMIT 1;", eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Prune removes mappings older than maxAge and, independently, everything
// beyond the maxCount newest rows. Either limit may be zero to disable it.
// It returns the number of rows removed.
func (s *sqliteMappingStore) Prune(ctx context.Context, maxAge time.Duration, maxCount int) (int64, error) {
	var removed int64

	if maxAge > 0 {
		cutoff := time.Now().UTC().Add(-maxAge)
		res, err := s.db.ExecContext(ctx, `DELETE FROM message_mappings WHERE created_at < ?;`, cutoff)
		if err != nil {
			return removed, err
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if maxCount > 0 {
		res, err := s.db.ExecContext(ctx, `
		DELETE FROM message_mappings WHERE rowid IN (
			SELECT rowid FROM message_mappings
			ORDER BY created_at DESC
			LIMIT -1 OFFSET ?
		);`, maxCount)
		if err != nil {
			return removed, err
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	return removed, nil
}

func (s *sqliteMappingStore) Close() error {
	return s.db.Close()
}
