package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no account exists for the given id.
	ErrNotFound = errors.New("account not found")
	// ErrInsufficient is returned by AtomicReserve when the account's
	// remaining balance is below the requested amount.
	ErrInsufficient = errors.New("insufficient quota")
)

// UnlimitedMinutes is the sentinel ceiling marking an account as unmetered.
const UnlimitedMinutes = -1

// Account is a single quota-holding account row.
type Account struct {
	ID               string
	Email            string
	Plan             string
	MinutesRemaining float64
	MinutesTotal     float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Unlimited reports whether the account bypasses quota checks entirely.
func (a *Account) Unlimited() bool {
	return a.MinutesTotal == UnlimitedMinutes
}

// Store provides access to the shared account database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite account database at path and
// bootstraps the schema. The returned Store shares the handle with the usage
// recorder; call Close once.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the shared handle so the usage recorder can run on the same file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL DEFAULT 'free',
		minutes_remaining REAL NOT NULL,
		minutes_total REAL NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`); err != nil {
		return fmt.Errorf("create accounts table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS usage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		minutes REAL NOT NULL,
		cached INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL
	);`); err != nil {
		return fmt.Errorf("create usage_events table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_account ON usage_events (account_id, recorded_at);`,
	); err != nil {
		return fmt.Errorf("create usage_events index: %w", err)
	}
	return nil
}

// CreateAccount inserts a new account seeded with its plan's full balance.
// A plan ceiling of UnlimitedMinutes creates an unmetered account.
func (s *Store) CreateAccount(ctx context.Context, id, email, plan string) (*Account, error) {
	if id == "" {
		return nil, fmt.Errorf("account id is required")
	}
	minutes := PlanMinutes(plan)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, plan, minutes_remaining, minutes_total, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, email, plan, minutes, minutes, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return s.FindAccount(ctx, id)
}

// FindAccount returns the account with the given id, or ErrNotFound.
func (s *Store) FindAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, plan, minutes_remaining, minutes_total, created_at, updated_at
		 FROM accounts WHERE id = ?`, id,
	)
	var a Account
	if err := row.Scan(&a.ID, &a.Email, &a.Plan, &a.MinutesRemaining, &a.MinutesTotal, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find account %s: %w", id, err)
	}
	return &a, nil
}

// AtomicReserve decrements minutes_remaining by minutes in a single
// conditional update. The decrement happens only when the current balance is
// at least the requested amount, so concurrent reservations against the same
// account can never drive the balance negative. Returns the post-decrement
// account on success, ErrInsufficient when the condition failed, ErrNotFound
// when no row matched because the account does not exist.
func (s *Store) AtomicReserve(ctx context.Context, id string, minutes float64) (*Account, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts
		 SET minutes_remaining = minutes_remaining - ?, updated_at = ?
		 WHERE id = ? AND minutes_remaining >= ?`,
		minutes, time.Now().UTC(), id, minutes,
	)
	if err != nil {
		return nil, fmt.Errorf("reserve %.2f min for account %s: %w", minutes, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reserve rows affected: %w", err)
	}
	if affected == 0 {
		if _, ferr := s.FindAccount(ctx, id); errors.Is(ferr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrInsufficient
	}
	return s.FindAccount(ctx, id)
}

// SetPlan switches the account's plan and raises minutes_total to the new
// ceiling. The remaining balance is left untouched; ResetQuota realigns it.
func (s *Store) SetPlan(ctx context.Context, id, plan string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET plan = ?, minutes_total = ?, updated_at = ? WHERE id = ?`,
		plan, PlanMinutes(plan), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set plan for account %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetQuota restores every metered account's remaining balance to its
// ceiling. Unmetered accounts are skipped. Returns the number of accounts
// reset.
func (s *Store) ResetQuota(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts
		 SET minutes_remaining = minutes_total, updated_at = ?
		 WHERE minutes_total != ?`,
		time.Now().UTC(), float64(UnlimitedMinutes),
	)
	if err != nil {
		return 0, fmt.Errorf("reset quota: %w", err)
	}
	return res.RowsAffected()
}
