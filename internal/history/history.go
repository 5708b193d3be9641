// Package history provides persistent storage for resolution outcomes
// using SQLite, for support diagnostics and offline debugging.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/culinachef/subscription-go/internal/entitlement"
)

// DefaultRetention is how long resolution records are kept.
const DefaultRetention = 90 * 24 * time.Hour

// Record is one persisted resolution outcome.
type Record struct {
	EventID   string
	Timestamp time.Time
	Source    entitlement.Source
	Active    bool
	PeriodEnd *time.Time
	Fallback  bool
}

// Store persists resolution history. It implements entitlement.Observer so
// it can be attached directly to the resolver.
type Store struct {
	db        *sql.DB
	retention time.Duration
}

// NewStore opens the history database under dataDir.
func NewStore(dataDir string, retention time.Duration) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	dbPath := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, retention: retention}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS resolutions (
			event_id   TEXT PRIMARY KEY,
			timestamp  INTEGER NOT NULL,
			source     TEXT NOT NULL,
			active     INTEGER NOT NULL,
			period_end INTEGER,
			fallback   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_resolutions_timestamp ON resolutions(timestamp);
	`)
	return err
}

// ResolutionCompleted records a resolution outcome. Failures are logged and
// swallowed; history must never affect resolution itself.
func (s *Store) ResolutionCompleted(source entitlement.Source, status entitlement.SubscriptionStatus, fallback bool) {
	var periodEnd interface{}
	if status.PeriodEnd != nil {
		periodEnd = status.PeriodEnd.Unix()
	}

	_, err := s.db.Exec(
		`INSERT INTO resolutions (event_id, timestamp, source, active, period_end, fallback) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		time.Now().Unix(),
		string(source),
		boolToInt(status.Active),
		periodEnd,
		boolToInt(fallback),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record resolution history")
		return
	}

	s.pruneOld()
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT event_id, timestamp, source, active, period_end, fallback
		 FROM resolutions ORDER BY timestamp DESC, event_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolution history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			ts        int64
			active    int
			periodEnd sql.NullInt64
			fallback  int
			source    string
		)
		if err := rows.Scan(&rec.EventID, &ts, &source, &active, &periodEnd, &fallback); err != nil {
			return nil, fmt.Errorf("failed to scan resolution record: %w", err)
		}
		rec.Timestamp = time.Unix(ts, 0).UTC()
		rec.Source = entitlement.Source(source)
		rec.Active = active != 0
		rec.Fallback = fallback != 0
		if periodEnd.Valid {
			t := time.Unix(periodEnd.Int64, 0).UTC()
			rec.PeriodEnd = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) pruneOld() {
	cutoff := time.Now().Add(-s.retention).Unix()
	if _, err := s.db.Exec(`DELETE FROM resolutions WHERE timestamp < ?`, cutoff); err != nil {
		log.Warn().Err(err).Msg("Failed to prune resolution history")
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
