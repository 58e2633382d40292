// Package retryqueue is the durable, single-writer store of records whose
// synchronization failed. It is backed by a SQLite file (one table for
// live items, one for items dropped after exhausting their retry budget)
// with a golang-migrate schema so an unrecognized on-disk version fails
// loudly instead of being guessed at.
package retryqueue

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dentalcrm/synccore/pkg/models"
	"github.com/dentalcrm/synccore/pkg/syncerr"
)

//go:embed migrations
var migrationsFS embed.FS

// Item is a single retry-queue entry.
type Item struct {
	ExternalID    string
	Canonical     models.CanonicalRecord
	EnqueuedAt    time.Time
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
}

// DeadLetter is an item dropped after exhausting its retry budget, kept for
// manual inspection.
type DeadLetter struct {
	ExternalID   string
	Canonical    models.CanonicalRecord
	AttemptCount int
	LastError    string
	DiedAt       time.Time
}

// Store is the retry queue's durable backing store.
type Store struct {
	db         *stdsql.DB
	maxSize    int
	maxRetries int
	delaysMu   sync.RWMutex
	delays     []time.Duration
	log        *slog.Logger
}

// Open opens (creating if necessary) the SQLite store at path and applies
// pending schema migrations. An unrecognized existing schema version
// surfaces as syncerr.StorageCorrupt rather than being migrated in place.
func Open(ctx context.Context, path string, maxSize, maxRetries int, delays []time.Duration) (*Store, error) {
	db, err := stdsql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: opening retry queue store: %v", syncerr.StorageCorrupt, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging retry queue store: %v", syncerr.StorageCorrupt, err)
	}

	if err := migrateStore(db); err != nil {
		db.Close()
		return nil, err
	}

	if len(delays) == 0 {
		delays = []time.Duration{time.Minute}
	}

	return &Store{
		db:         db,
		maxSize:    maxSize,
		maxRetries: maxRetries,
		delays:     delays,
		log:        slog.With("component", "retryqueue"),
	}, nil
}

func migrateStore(db *stdsql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("%w: creating sqlite3 migration driver: %v", syncerr.StorageCorrupt, err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: reading embedded migrations: %v", syncerr.StorageCorrupt, err)
	}
	defer source.Close()

	m, err := migrate.NewWithInstance("iofs", source, "retryqueue", driver)
	if err != nil {
		return fmt.Errorf("%w: initializing migrator: %v", syncerr.StorageCorrupt, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("%w: unrecognized schema version %d: %v", syncerr.StorageCorrupt, dirty.Version, err)
		}
		return fmt.Errorf("%w: applying migrations: %v", syncerr.StorageCorrupt, err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue upserts an item by external id. Beyond maxSize, a brand-new
// external id is rejected with a logged warning rather than evicting an
// older entry — an older item may be the only surviving record of a
// failed write.
func (s *Store) Enqueue(ctx context.Context, externalID string, rec models.CanonicalRecord, now time.Time) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM retry_items WHERE external_id = ?)`, externalID).Scan(&exists); err != nil {
		return fmt.Errorf("checking existing retry item: %w", err)
	}

	if !exists {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_items`).Scan(&count); err != nil {
			return fmt.Errorf("counting retry items: %w", err)
		}
		if count >= s.maxSize {
			s.log.Warn("retry queue full, rejecting enqueue", "external_id", externalID, "max_queue_size", s.maxSize)
			return fmt.Errorf("retry queue at capacity (%d)", s.maxSize)
		}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding canonical record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retry_items (external_id, canonical_record, enqueued_at, attempt_count, next_attempt_at, last_error)
		VALUES (?, ?, ?, 0, ?, '')
		ON CONFLICT(external_id) DO UPDATE SET canonical_record = excluded.canonical_record`,
		externalID, string(payload), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting retry item: %w", err)
	}
	return nil
}

// Due returns items whose next_attempt_at has passed and whose attempt
// count has not yet exhausted the retry budget, ordered by next_attempt_at.
func (s *Store) Due(ctx context.Context, now time.Time) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id, canonical_record, enqueued_at, attempt_count, next_attempt_at, last_error
		FROM retry_items
		WHERE next_attempt_at <= ? AND attempt_count < ?
		ORDER BY next_attempt_at ASC`,
		now.Format(time.RFC3339Nano), s.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("querying due retry items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			externalID, canonicalJSON, enqueuedAt, nextAttemptAt, lastError string
			attemptCount                                                    int
		)
		if err := rows.Scan(&externalID, &canonicalJSON, &enqueuedAt, &attemptCount, &nextAttemptAt, &lastError); err != nil {
			return nil, fmt.Errorf("scanning retry item: %w", err)
		}

		var rec models.CanonicalRecord
		if err := json.Unmarshal([]byte(canonicalJSON), &rec); err != nil {
			return nil, fmt.Errorf("decoding canonical record for %s: %w", externalID, err)
		}

		enqueued, _ := time.Parse(time.RFC3339Nano, enqueuedAt)
		next, _ := time.Parse(time.RFC3339Nano, nextAttemptAt)

		items = append(items, Item{
			ExternalID:    externalID,
			Canonical:     rec,
			EnqueuedAt:    enqueued,
			AttemptCount:  attemptCount,
			NextAttemptAt: next,
			LastError:     lastError,
		})
	}
	return items, rows.Err()
}

// MarkSuccess removes an item from the queue after a successful reconcile.
func (s *Store) MarkSuccess(ctx context.Context, externalID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_items WHERE external_id = ?`, externalID)
	if err != nil {
		return fmt.Errorf("removing retry item %s: %w", externalID, err)
	}
	return nil
}

// delayFor returns the backoff delay after attempt n (1-indexed), reusing
// the last configured delay once attempts exceed the list length.
func (s *Store) delayFor(attempt int) time.Duration {
	s.delaysMu.RLock()
	defer s.delaysMu.RUnlock()
	idx := attempt - 1
	if idx >= len(s.delays) {
		idx = len(s.delays) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return s.delays[idx]
}

// SetDelays replaces the backoff schedule, applied to attempts made after
// the call returns. Wired to config.Watch's reload callback for
// crm.retry_delays.
func (s *Store) SetDelays(delays []time.Duration) {
	if len(delays) == 0 {
		delays = []time.Duration{time.Minute}
	}
	s.delaysMu.Lock()
	s.delays = delays
	s.delaysMu.Unlock()
}

// MarkFailure increments the attempt count and schedules the next attempt.
func (s *Store) MarkFailure(ctx context.Context, externalID string, failErr error, now time.Time) error {
	var attemptCount int
	err := s.db.QueryRowContext(ctx, `SELECT attempt_count FROM retry_items WHERE external_id = ?`, externalID).Scan(&attemptCount)
	if err != nil {
		return fmt.Errorf("reading attempt count for %s: %w", externalID, err)
	}

	attemptCount++
	next := now.Add(s.delayFor(attemptCount))

	_, err = s.db.ExecContext(ctx, `
		UPDATE retry_items SET attempt_count = ?, next_attempt_at = ?, last_error = ? WHERE external_id = ?`,
		attemptCount, next.Format(time.RFC3339Nano), failErr.Error(), externalID)
	if err != nil {
		return fmt.Errorf("recording failure for %s: %w", externalID, err)
	}
	return nil
}

// Prune drops items whose attempt count has reached the retry budget,
// recording them as dead letters.
func (s *Store) Prune(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id, canonical_record, attempt_count, last_error
		FROM retry_items WHERE attempt_count >= ?`, s.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("querying exhausted retry items: %w", err)
	}

	type dead struct {
		externalID, canonicalJSON, lastError string
		attemptCount                         int
	}
	var victims []dead
	for rows.Next() {
		var d dead
		if err := rows.Scan(&d.externalID, &d.canonicalJSON, &d.attemptCount, &d.lastError); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning exhausted retry item: %w", err)
		}
		victims = append(victims, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, d := range victims {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dead_letters (external_id, canonical_record, attempt_count, last_error, died_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(external_id) DO UPDATE SET
				canonical_record = excluded.canonical_record,
				attempt_count = excluded.attempt_count,
				last_error = excluded.last_error,
				died_at = excluded.died_at`,
			d.externalID, d.canonicalJSON, d.attemptCount, d.lastError, now.Format(time.RFC3339Nano))
		if err != nil {
			return 0, fmt.Errorf("recording dead letter %s: %w", d.externalID, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM retry_items WHERE external_id = ?`, d.externalID); err != nil {
			return 0, fmt.Errorf("removing exhausted retry item %s: %w", d.externalID, err)
		}
	}

	return len(victims), nil
}

// DeadLetters lists items the queue gave up on, for manual CRM-side
// correction.
func (s *Store) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id, canonical_record, attempt_count, last_error, died_at FROM dead_letters ORDER BY died_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			externalID, canonicalJSON, lastError, diedAt string
			attemptCount                                  int
		)
		if err := rows.Scan(&externalID, &canonicalJSON, &attemptCount, &lastError, &diedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		var rec models.CanonicalRecord
		if err := json.Unmarshal([]byte(canonicalJSON), &rec); err != nil {
			return nil, fmt.Errorf("decoding dead letter %s: %w", externalID, err)
		}
		died, _ := time.Parse(time.RFC3339Nano, diedAt)
		out = append(out, DeadLetter{ExternalID: externalID, Canonical: rec, AttemptCount: attemptCount, LastError: lastError, DiedAt: died})
	}
	return out, rows.Err()
}

// Size returns the current number of live items, for metrics.
func (s *Store) Size(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_items`).Scan(&count)
	return count, err
}
