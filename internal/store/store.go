// Package store is the sqlite run registry: one row per tracking job plus a
// cache of computed backgrounds keyed by video and estimation variant.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/tailtrack/internal/monitoring"
)

var logf = monitoring.Tagged("store")

// ErrNotFound is returned when a run or background does not exist.
var ErrNotFound = errors.New("not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Store wraps the registry database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry at path and applies every
// pending migration.
func Open(path string) (*Store, error) {
	s, err := OpenWithoutMigrations(path)
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenWithoutMigrations opens the database and applies pragmas only; the
// migrate subcommand uses it to inspect or move the schema explicitly.
func OpenWithoutMigrations(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening registry %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isSQLiteBusy reports whether err is a transient lock error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

var retryDelays = []time.Duration{10 * time.Millisecond, 50 * time.Millisecond, 200 * time.Millisecond}

// retryOnBusy runs fn, retrying with backoff while sqlite reports a lock.
func retryOnBusy(fn func() error) error {
	err := fn()
	for _, d := range retryDelays {
		if !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(d)
		err = fn()
	}
	return err
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullFloat maps NaN to NULL; sqlite cannot store NaN in a REAL column.
func nullFloat(f float64) *float64 {
	if math.IsNaN(f) {
		return nil
	}
	return &f
}

func floatOrNaN(nf sql.NullFloat64) float64 {
	if !nf.Valid {
		return math.NaN()
	}
	return nf.Float64
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
