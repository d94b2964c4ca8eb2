// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relabs-tech/crazyflie_bridge/internal/telemetry"
)

// ErrNoSamples is returned by Latest when a group has nothing recorded.
var ErrNoSamples = errors.New("no samples recorded")

const initSchemaSQL = `
CREATE TABLE IF NOT EXISTS samples (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	group_name  TEXT    NOT NULL,
	recorded_at INTEGER NOT NULL,
	tick        INTEGER NOT NULL,
	vals        TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_group ON samples (group_name, id);
`

// Recorder is a flight log: it stores every telemetry sample it is given
// in a SQLite database.
type Recorder struct {
	dbPath string

	db     *sql.DB
	dbOnce sync.Once
	dbErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewRecorder returns a recorder backed by the database at dbPath.
// The file is created on first use.
func NewRecorder(dbPath string) *Recorder {
	return &Recorder{dbPath: dbPath}
}

func (r *Recorder) getDB() (*sql.DB, error) {
	r.dbOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", r.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			r.dbErr = fmt.Errorf("opening database: %w", err)
			return
		}
		if _, err = db.Exec(initSchemaSQL); err != nil {
			_ = db.Close()
			r.dbErr = fmt.Errorf("initializing schema: %w", err)
			return
		}
		r.db = db
	})
	return r.db, r.dbErr
}

// RecordBatch stores samples in one transaction.
func (r *Recorder) RecordBatch(ctx context.Context, samples []telemetry.Sample) (err error) {
	if len(samples) == 0 {
		return nil
	}
	db, err := r.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO samples (group_name, recorded_at, tick, vals) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		vals, err := json.Marshal(s.Values)
		if err != nil {
			return fmt.Errorf("encoding values: %w", err)
		}
		if _, err = stmt.ExecContext(ctx, s.Group, s.Timestamp.UnixNano(), int64(s.Tick), string(vals)); err != nil {
			return fmt.Errorf("inserting sample: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing samples: %w", err)
	}
	return nil
}

// Count returns how many samples of group are stored; an empty group counts all.
func (r *Recorder) Count(ctx context.Context, group string) (int64, error) {
	db, err := r.getDB()
	if err != nil {
		return 0, err
	}
	var n int64
	if group == "" {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples`).Scan(&n)
	} else {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples WHERE group_name = ?`, group).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting samples: %w", err)
	}
	return n, nil
}

// Latest returns the most recently stored sample of group.
func (r *Recorder) Latest(ctx context.Context, group string) (telemetry.Sample, error) {
	db, err := r.getDB()
	if err != nil {
		return telemetry.Sample{}, err
	}
	var (
		recordedAt int64
		tick       int64
		vals       string
	)
	err = db.QueryRowContext(ctx,
		`SELECT recorded_at, tick, vals FROM samples WHERE group_name = ? ORDER BY id DESC LIMIT 1`, group).
		Scan(&recordedAt, &tick, &vals)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.Sample{}, fmt.Errorf("group %s: %w", group, ErrNoSamples)
	}
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("querying latest sample: %w", err)
	}

	s := telemetry.Sample{Group: group, Timestamp: time.Unix(0, recordedAt), Tick: uint32(tick)}
	if err := json.Unmarshal([]byte(vals), &s.Values); err != nil {
		return telemetry.Sample{}, fmt.Errorf("decoding values: %w", err)
	}
	return s, nil
}

// Close closes the database if it was opened.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		if r.db != nil {
			r.closeErr = r.db.Close()
		}
	})
	return r.closeErr
}
