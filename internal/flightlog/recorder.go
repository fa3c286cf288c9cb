// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package flightlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/relabs-tech/mocap_pilot/internal/logging"
	"github.com/relabs-tech/mocap_pilot/internal/target"
)

const recorderQueueSize = 256

// SessionInfo describes a session when it starts.
type SessionInfo struct {
	Vehicle     string
	Targets     []string
	InitialMode string
}

// Recorder writes one session's events and setpoints from its own goroutine.
// Event and Setpoint never block: when the queue is full the record is
// dropped and counted.
type Recorder struct {
	db  *DB
	id  uuid.UUID
	clk clock.Clock
	log logging.Logger

	queue   chan func(*sql.Tx) error
	done    chan struct{}
	wg      sync.WaitGroup
	endOnce sync.Once
	endErr  error
	dropped atomic.Uint64 // queue full
	failed  atomic.Uint64 // rejected by the database
}

// StartSession inserts a new session row and starts its recorder.
func (db *DB) StartSession(ctx context.Context, info SessionInfo, clk clock.Clock) (*Recorder, error) {
	id := uuid.New()
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, started_at, vehicle, targets, initial_mode)
		VALUES (?, ?, ?, ?, ?)`,
		id.String(), clk.Now().UnixMilli(), info.Vehicle, strings.Join(info.Targets, ","), info.InitialMode)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	r := &Recorder{
		db:    db,
		id:    id,
		clk:   clk,
		log:   db.log.With("session", id.String()),
		queue: make(chan func(*sql.Tx) error, recorderQueueSize),
		done:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	r.log.Info("flight session started")
	return r, nil
}

// ID is the session's identifier.
func (r *Recorder) ID() uuid.UUID {
	return r.id
}

// Event records a session event such as a mode change or a safety trip.
func (r *Recorder) Event(kind, detail string) {
	at := r.clk.Now().UnixMilli()
	r.enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO events (session_id, at, kind, detail) VALUES (?, ?, ?, ?)`,
			r.id.String(), at, kind, detail)
		return err
	})
}

// Setpoint records one setpoint sent to the vehicle.
func (r *Recorder) Setpoint(sp target.Setpoint) {
	at := r.clk.Now().UnixMilli()
	r.enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO setpoints (session_id, at, x, y, z, yaw, mode, target)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.id.String(), at, sp.Position.X, sp.Position.Y, sp.Position.Z, sp.Yaw, sp.Mode.String(), sp.Target)
		return err
	})
}

func (r *Recorder) enqueue(w func(*sql.Tx) error) {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.queue <- w:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case w := <-r.queue:
			r.flush(w)
		case <-r.done:
			for {
				select {
				case w := <-r.queue:
					r.flush(w)
				default:
					return
				}
			}
		}
	}
}

// flush writes w together with whatever else is already queued in one
// transaction.
func (r *Recorder) flush(first func(*sql.Tx) error) {
	writes := []func(*sql.Tx) error{first}
drain:
	for len(writes) < recorderQueueSize {
		select {
		case w := <-r.queue:
			writes = append(writes, w)
		default:
			break drain
		}
	}

	tx, err := r.db.Begin()
	if err != nil {
		r.log.Errorf("flight log begin: %v", err)
		r.failed.Add(uint64(len(writes)))
		return
	}
	// a failed statement only undoes itself; the rest of the batch commits
	for _, w := range writes {
		if err := w(tx); err != nil {
			if r.failed.Add(1) == 1 {
				r.log.Errorf("flight log write: %v", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		r.log.Errorf("flight log commit: %v", err)
		r.failed.Add(uint64(len(writes)))
	}
}

// End flushes queued records and closes the session with its outcome. Later
// calls return the first call's result.
func (r *Recorder) End(outcome string) error {
	r.endOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		_, err := r.db.Exec(`UPDATE sessions SET ended_at = ?, outcome = ? WHERE session_id = ?`,
			r.clk.Now().UnixMilli(), outcome, r.id.String())
		if err != nil {
			r.endErr = fmt.Errorf("close session: %w", err)
		}
		if n := r.dropped.Load(); n > 0 {
			r.log.Warnf("%d flight log records dropped", n)
		}
		if n := r.failed.Load(); n > 0 {
			r.log.Warnf("%d flight log records failed to write", n)
		}
		r.log.Infof("flight session ended: %s", outcome)
	})
	return r.endErr
}
