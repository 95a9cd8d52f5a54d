package engine

import (
	"context"

	"lottery7/internal/model"
)

// Ledger is the balance-of-record. Credit and Debit are atomic and never
// take a balance below zero; Debit fails with model.ErrInsufficientBalance.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Credit(ctx context.Context, userID string, amount int64) (int64, error)
	Debit(ctx context.Context, userID string, amount int64) (int64, error)
}

// RoundStore is the durable record of rounds and wagers.
type RoundStore interface {
	// NextPeriod is the highest persisted period + 1, or 1 on an empty store.
	NextPeriod(ctx context.Context) (int64, error)
	CreateRound(ctx context.Context, r *model.Round) error
	// LatestOpenRound returns nil when no round is open.
	LatestOpenRound(ctx context.Context) (*model.Round, error)
	// PlaceWager debits the ledger, inserts the pending wager and bumps the
	// round counters as one unit, returning the new balance. Nothing is
	// applied when any step fails.
	PlaceWager(ctx context.Context, w *model.Wager) (int64, error)
	// CloseRound sets the outcome and closes the round if it is still open,
	// and returns the outcome that is persisted afterwards.
	CloseRound(ctx context.Context, roundID string, o model.Outcome) (model.Outcome, error)
	FindPendingWagers(ctx context.Context, roundID string) ([]model.Wager, error)
	// SaveWagerResult moves a pending wager to its terminal state and credits
	// a winner's payout as one unit. It reports false when the wager was
	// already terminal, in which case nothing changes.
	SaveWagerResult(ctx context.Context, wagerID string, status model.WagerStatus, payout int64) (bool, error)
	// ClosedRoundsWithPending lists closed rounds still holding pending wagers.
	ClosedRoundsWithPending(ctx context.Context) ([]model.Round, error)
	RoundHistory(ctx context.Context, limit int) ([]model.Round, error)
	UserWagerHistory(ctx context.Context, userID string, limit, page int) ([]model.Wager, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	Ledger
	RoundStore
}

// PublishFunc broadcasts an event to observers. It must not block.
type PublishFunc func(ev model.Event)
