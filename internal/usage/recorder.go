// Package usage provides the append-only consumption event log. Events are
// written once when work is confirmed queued (or served from cache) and are
// never updated or deleted; retention and rollup are external concerns.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Event is a single immutable consumption record.
type Event struct {
	AccountID  string
	SourceID   string
	ChunkIndex int
	// Minutes is the amount charged for this chunk; zero for cache hits.
	Minutes    float64
	Cached     bool
	RecordedAt time.Time
}

// Summary aggregates an account's consumption for reporting.
type Summary struct {
	AccountID       string     `json:"account_id"`
	TotalMinutes    float64    `json:"total_minutes"`
	ChunkCount      int        `json:"chunk_count"`
	CachedCount     int        `json:"cached_count"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// Recorder appends usage events to the shared database.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder over an already-opened database handle
// (shared with the account store; the schema is bootstrapped there).
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Append inserts the event. A zero RecordedAt is stamped with the current time.
func (r *Recorder) Append(ctx context.Context, ev Event) error {
	if ev.AccountID == "" {
		return fmt.Errorf("account id is required")
	}
	recordedAt := ev.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	cached := 0
	if ev.Cached {
		cached = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO usage_events (account_id, source_id, chunk_index, minutes, cached, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.AccountID, ev.SourceID, ev.ChunkIndex, ev.Minutes, cached, recordedAt,
	)
	if err != nil {
		return fmt.Errorf("append usage event: %w", err)
	}
	return nil
}

// Summarize returns aggregate consumption for the account.
func (r *Recorder) Summarize(ctx context.Context, accountID string) (*Summary, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(minutes), 0), COUNT(*), COALESCE(SUM(cached), 0)
		 FROM usage_events WHERE account_id = ?`, accountID,
	)
	s := Summary{AccountID: accountID}
	if err := row.Scan(&s.TotalMinutes, &s.ChunkCount, &s.CachedCount); err != nil {
		return nil, fmt.Errorf("summarize usage for %s: %w", accountID, err)
	}

	// Selected directly (not via MAX) so the driver keeps the DATETIME type.
	var last time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT recorded_at FROM usage_events
		 WHERE account_id = ? ORDER BY recorded_at DESC LIMIT 1`, accountID,
	).Scan(&last)
	switch {
	case err == nil:
		s.LastProcessedAt = &last
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("latest usage event for %s: %w", accountID, err)
	}

	return &s, nil
}
