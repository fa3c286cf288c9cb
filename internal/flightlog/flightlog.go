// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package flightlog records flight sessions, their events and every setpoint
// sent to the vehicle in a SQLite database.
package flightlog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relabs-tech/mocap_pilot/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is an open flight log.
type DB struct {
	*sql.DB
	log logging.Logger
}

// Open opens or creates the flight log at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open flight log %s: %w", path, err)
	}
	// one connection keeps the recorder and readers from contending for the
	// write lock
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, log: logging.Named("flightlog")}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// MigrateUp runs all pending migrations.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared *sql.DB
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("flight log migration failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version, or 0 before any migration.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load flight log migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: db.log}
	return m, nil
}

type migrateLogger struct {
	log logging.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Infof("[migrate] "+strings.TrimSuffix(format, "\n"), v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Session is one row of the sessions table.
type Session struct {
	ID          uuid.UUID
	StartedAt   time.Time
	EndedAt     *time.Time
	Vehicle     string
	Targets     []string
	InitialMode string
	Outcome     string
}

// Event is one row of the events table.
type Event struct {
	At     time.Time
	Kind   string
	Detail string
}

// Sessions lists every recorded session, newest first.
func (db *DB) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, started_at, ended_at, vehicle, targets, initial_mode, COALESCE(outcome, '')
		FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s       Session
			id      string
			started int64
			ended   sql.NullInt64
			targets string
		)
		if err := rows.Scan(&id, &started, &ended, &s.Vehicle, &targets, &s.InitialMode, &s.Outcome); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("session id %q: %w", id, err)
		}
		s.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			t := time.UnixMilli(ended.Int64)
			s.EndedAt = &t
		}
		if targets != "" {
			s.Targets = strings.Split(targets, ",")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Events returns the events of one session in order.
func (db *DB) Events(ctx context.Context, session uuid.UUID) ([]Event, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT at, kind, detail FROM events WHERE session_id = ? ORDER BY event_id`, session.String())
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e  Event
			at int64
		)
		if err := rows.Scan(&at, &e.Kind, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetpointCount returns how many setpoints were recorded for a session.
func (db *DB) SetpointCount(ctx context.Context, session uuid.UUID) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM setpoints WHERE session_id = ?`, session.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count setpoints: %w", err)
	}
	return n, nil
}
