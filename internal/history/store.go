// Package history keeps a durable log of completed pours in SQLite.
// The newest pour per tap is restored at startup as the tap's last pour.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/keglevelmonitor/development-sub000/internal/pour"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store is the pour log.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect history: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordPour appends a completed pour.
func (s *Store) RecordPour(ctx context.Context, p pour.Completed) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pours (tap, keg_id, started_at, finished_at, liters, pulses, duration_ms, avg_flow_lpm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Tap, p.KegID, p.Started.UnixMilli(), p.Finished.UnixMilli(),
		p.Liters, int64(p.Pulses), p.Duration.Milliseconds(), p.AvgFlowLPM,
	)
	if err != nil {
		return fmt.Errorf("record pour: %w", err)
	}
	return nil
}

// LastPours returns the newest pour of every tap that has one.
func (s *Store) LastPours(ctx context.Context) (map[int]pour.Completed, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.tap, p.keg_id, p.started_at, p.finished_at, p.liters, p.pulses, p.duration_ms, p.avg_flow_lpm
		FROM pours p
		JOIN (SELECT tap, MAX(id) AS id FROM pours GROUP BY tap) newest ON newest.id = p.id`)
	if err != nil {
		return nil, fmt.Errorf("query last pours: %w", err)
	}
	defer rows.Close()

	out := make(map[int]pour.Completed)
	for rows.Next() {
		p, err := scanPour(rows)
		if err != nil {
			return nil, err
		}
		out[p.Tap] = p
	}
	return out, rows.Err()
}

// Recent returns up to limit pours, newest first. tap < 0 means all taps.
func (s *Store) Recent(ctx context.Context, tap, limit int) ([]pour.Completed, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tap, keg_id, started_at, finished_at, liters, pulses, duration_ms, avg_flow_lpm
		FROM pours
		WHERE ? < 0 OR tap = ?
		ORDER BY id DESC
		LIMIT ?`, tap, tap, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent pours: %w", err)
	}
	defer rows.Close()

	var out []pour.Completed
	for rows.Next() {
		p, err := scanPour(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// KegTotal returns the summed liters of all logged pours from keg id.
func (s *Store) KegTotal(ctx context.Context, kegID string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(liters) FROM pours WHERE keg_id = ?`, kegID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum keg pours: %w", err)
	}
	return total.Float64, nil
}

func scanPour(rows *sql.Rows) (pour.Completed, error) {
	var (
		p                  pour.Completed
		started, finished  int64
		pulses, durationMs int64
	)
	if err := rows.Scan(&p.Tap, &p.KegID, &started, &finished, &p.Liters, &pulses, &durationMs, &p.AvgFlowLPM); err != nil {
		return pour.Completed{}, fmt.Errorf("scan pour: %w", err)
	}
	p.Started = time.UnixMilli(started).UTC()
	p.Finished = time.UnixMilli(finished).UTC()
	p.Pulses = uint64(pulses)
	p.Duration = time.Duration(durationMs) * time.Millisecond
	return p, nil
}
