// Package quota implements admission control against per-account minute
// balances. The single correctness-critical operation is Reserve: a
// conditional decrement that concurrent submissions cannot race past.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vocalshift/audio-pipeline-service/internal/account"
)

// ErrQuotaExceeded is returned when an account's remaining balance cannot
// cover the requested reservation.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Reservation describes the outcome of a successful (or bypassed) reservation.
type Reservation struct {
	AccountID string
	// Minutes actually deducted; zero for unlimited accounts.
	Minutes   float64
	Remaining float64
	Total     float64
	Unlimited bool
}

// ExceededError carries the current balance for the rejection payload.
type ExceededError struct {
	AccountID string
	Requested float64
	Remaining float64
	Total     float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for account %s: requested %.2f min, %.2f remaining",
		e.AccountID, e.Requested, e.Remaining)
}

// Unwrap lets callers match with errors.Is(err, ErrQuotaExceeded).
func (e *ExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// Ledger performs atomic quota reservations against the account store.
type Ledger struct {
	store  *account.Store
	logger *slog.Logger
}

// NewLedger creates a quota ledger over the account store.
func NewLedger(store *account.Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Reserve deducts minutes from the account's balance if and only if the
// balance covers them, in one conditional update. Unlimited accounts and
// non-positive amounts succeed without touching the ledger. On an
// insufficient balance the current figures are re-fetched so the caller can
// build an accurate rejection payload.
func (l *Ledger) Reserve(ctx context.Context, accountID string, minutes float64) (*Reservation, error) {
	acc, err := l.store.FindAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("reserve lookup: %w", err)
	}

	if acc.Unlimited() {
		return &Reservation{
			AccountID: accountID,
			Remaining: acc.MinutesRemaining,
			Total:     acc.MinutesTotal,
			Unlimited: true,
		}, nil
	}

	if minutes <= 0 {
		return &Reservation{
			AccountID: accountID,
			Remaining: acc.MinutesRemaining,
			Total:     acc.MinutesTotal,
		}, nil
	}

	updated, err := l.store.AtomicReserve(ctx, accountID, minutes)
	if err != nil {
		if errors.Is(err, account.ErrInsufficient) {
			// The atomic update reports only success or failure; fetch the
			// live balance for the error payload.
			current, ferr := l.store.FindAccount(ctx, accountID)
			if ferr != nil {
				return nil, fmt.Errorf("refetch after insufficient: %w", ferr)
			}
			l.logger.Info("Quota reservation rejected",
				slog.String("account_id", accountID),
				slog.Float64("requested_minutes", minutes),
				slog.Float64("remaining_minutes", current.MinutesRemaining),
			)
			return nil, &ExceededError{
				AccountID: accountID,
				Requested: minutes,
				Remaining: current.MinutesRemaining,
				Total:     current.MinutesTotal,
			}
		}
		return nil, err
	}

	l.logger.Info("Quota reserved",
		slog.String("account_id", accountID),
		slog.Float64("minutes", minutes),
		slog.Float64("remaining_minutes", updated.MinutesRemaining),
	)

	return &Reservation{
		AccountID: accountID,
		Minutes:   minutes,
		Remaining: updated.MinutesRemaining,
		Total:     updated.MinutesTotal,
	}, nil
}
