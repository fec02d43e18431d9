// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package reports stores classified road photos submitted from the field, with their location,
// in a SQLite database.
package reports

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/mattn/go-sqlite3"
)

// Report is one classified photo.
type Report struct {
	// ID is assigned by Store.Insert if empty.
	ID string `json:"id"`

	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// Accuracy of the location in meters, as reported by the device.
	Accuracy float64 `json:"accuracy"`

	// ClientTimestamp is when the location was taken, according to the device. Zero if unknown.
	ClientTimestamp time.Time `json:"client_timestamp"`

	// ReceivedAt is set by Store.Insert if zero.
	ReceivedAt time.Time `json:"received_at"`

	// Source of the report: "web" or "telegram".
	Source string `json:"source"`
}

// Filter for Store.List. Zero values mean no filtering.
type Filter struct {
	Class string
	Limit int
}

// DefaultListLimit is used by Store.List when Filter.Limit is not set.
const DefaultListLimit = 100

// ErrNotFound is returned by Store.Get for an unknown ID.
var ErrNotFound = errors.New("report not found")

// Store of reports. It's safe for concurrent use: writes are serialized.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open the database at path, creating it and its schema if needed.
// Use ":memory:" for a transient database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %q", path)
	}
	// A single connection, so ":memory:" databases are shared and writes don't contend.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err = s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.WithMessagef(err, "failed to migrate database %q", path)
	}
	klog.V(1).Infof("Opened reports database %q", path)
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		class TEXT NOT NULL,
		confidence REAL NOT NULL,
		latitude REAL DEFAULT 0,
		longitude REAL DEFAULT 0,
		accuracy REAL DEFAULT 0,
		client_timestamp INTEGER DEFAULT 0,
		received_at INTEGER NOT NULL,
		source TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_reports_class ON reports(class);
	CREATE INDEX IF NOT EXISTS idx_reports_received_at ON reports(received_at);
	`
	_, err := s.db.Exec(schema)
	return errors.Wrap(err, "failed to create schema")
}

// Close the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores r, filling in ID and ReceivedAt if they are not set.
func (s *Store) Insert(ctx context.Context, r *Report) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}
	r.ReceivedAt = r.ReceivedAt.UTC().Truncate(time.Millisecond)
	var clientMs int64
	if !r.ClientTimestamp.IsZero() {
		r.ClientTimestamp = r.ClientTimestamp.UTC().Truncate(time.Millisecond)
		clientMs = r.ClientTimestamp.UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, class, confidence, latitude, longitude, accuracy, client_timestamp, received_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Class, r.Confidence, r.Latitude, r.Longitude, r.Accuracy, clientMs, r.ReceivedAt.UnixMilli(), r.Source)
	if err != nil {
		return errors.Wrapf(err, "failed to insert report %s", r.ID)
	}
	return nil
}

const selectColumns = `SELECT id, class, confidence, latitude, longitude, accuracy, client_timestamp, received_at, source FROM reports`

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*Report, error) {
	var r Report
	var clientMs, receivedMs int64
	if err := row.Scan(&r.ID, &r.Class, &r.Confidence, &r.Latitude, &r.Longitude, &r.Accuracy,
		&clientMs, &receivedMs, &r.Source); err != nil {
		return nil, err
	}
	if clientMs != 0 {
		r.ClientTimestamp = time.UnixMilli(clientMs).UTC()
	}
	r.ReceivedAt = time.UnixMilli(receivedMs).UTC()
	return &r, nil
}

// Get the report with the given ID. It returns ErrNotFound if there is none.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := scanReport(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "id %q", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query report %q", id)
	}
	return r, nil
}

// List reports matching filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Report, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := selectColumns
	var args []any
	if filter.Class != "" {
		query += ` WHERE class = ?`
		args = append(args, filter.Class)
	}
	query += ` ORDER BY received_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query reports")
	}
	defer func() { _ = rows.Close() }()

	reports := make([]*Report, 0, limit)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan report")
		}
		reports = append(reports, r)
	}
	return reports, errors.Wrap(rows.Err(), "failed to read reports")
}

// Summary returns the number of reports per class.
func (s *Store) Summary(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT class, COUNT(*) FROM reports GROUP BY class`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query summary")
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var class string
		var count int
		if err := rows.Scan(&class, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan summary")
		}
		counts[class] = count
	}
	return counts, errors.Wrap(rows.Err(), "failed to read summary")
}
