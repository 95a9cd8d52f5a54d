package model

import "errors"

// Caller-facing rejections of a bet. Each maps to its own code so the API
// layer can render a precise message.
var (
	ErrNoActiveRound       = errors.New("no active round")
	ErrBettingClosed       = errors.New("betting closed for this round")
	ErrInvalidAmount       = errors.New("invalid bet amount")
	ErrInvalidBetValue     = errors.New("invalid bet value")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// ErrStoreUnavailable wraps persistence failures the engine retries internally.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrNotFound is returned by stores for missing rows or documents.
var ErrNotFound = errors.New("not found")

var codes = []struct {
	err  error
	code string
}{
	{ErrNoActiveRound, "no_active_round"},
	{ErrBettingClosed, "betting_closed"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidBetValue, "invalid_bet_value"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrStoreUnavailable, "store_unavailable"},
	{ErrNotFound, "not_found"},
}

// ErrorCode returns the stable machine code of a known error, or "internal".
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
