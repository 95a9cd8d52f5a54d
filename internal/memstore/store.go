// Package memstore keeps rounds, wagers and balances in process memory. It
// backs the memory driver for local runs and the engine and API tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lottery7/internal/model"
)

type Store struct {
	mu       sync.Mutex
	balances map[string]int64
	rounds   map[string]*model.Round
	byPeriod []string // round ids in period order
	wagers   map[string]*model.Wager
	order    []string // wager ids in placement order
	entries  []model.LedgerEntry
	now      func() time.Time
}

func New() *Store {
	return &Store{
		balances: make(map[string]int64),
		rounds:   make(map[string]*model.Round),
		wagers:   make(map[string]*model.Wager),
		now:      time.Now,
	}
}

// SetBalance overwrites a user's balance.
func (s *Store) SetBalance(userID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = balance
}

// ── Ledger ───────────────────────────────────────────

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *Store) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit: negative amount %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] += amount
	return s.balances[userID], nil
}

func (s *Store) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debitLocked(userID, amount)
}

func (s *Store) debitLocked(userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit: negative amount %d", amount)
	}
	if s.balances[userID] < amount {
		return 0, model.ErrInsufficientBalance
	}
	s.balances[userID] -= amount
	return s.balances[userID], nil
}

// LedgerEntries returns a user's ledger entries, oldest first.
func (s *Store) LedgerEntries(userID string) []model.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) appendEntry(userID, wagerID string, kind model.LedgerKind, amount, balance int64) {
	s.entries = append(s.entries, model.LedgerEntry{
		ID: uuid.New().String(), UserID: userID, WagerID: wagerID,
		Kind: kind, Amount: amount, BalanceAfter: balance, CreatedAt: s.now(),
	})
}

// ── Rounds ───────────────────────────────────────────

func (s *Store) NextPeriod(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.byPeriod) == 0 {
		return 1, nil
	}
	return s.rounds[s.byPeriod[len(s.byPeriod)-1]].Period + 1, nil
}

func (s *Store) CreateRound(ctx context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[r.ID]; ok {
		return fmt.Errorf("round %s already exists", r.ID)
	}
	for _, id := range s.byPeriod {
		existing := s.rounds[id]
		if existing.Period == r.Period {
			return fmt.Errorf("period %d already exists", r.Period)
		}
		if r.Status == model.RoundOpen && existing.Status == model.RoundOpen {
			return fmt.Errorf("round %d is still open", existing.Period)
		}
	}
	s.rounds[r.ID] = r.Clone()
	s.byPeriod = append(s.byPeriod, r.ID)
	sort.Slice(s.byPeriod, func(i, j int) bool {
		return s.rounds[s.byPeriod[i]].Period < s.rounds[s.byPeriod[j]].Period
	})
	return nil
}

func (s *Store) LatestOpenRound(ctx context.Context) (*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.byPeriod) - 1; i >= 0; i-- {
		if r := s.rounds[s.byPeriod[i]]; r.Status == model.RoundOpen {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

// GetRound returns a copy of a stored round.
func (s *Store) GetRound(ctx context.Context, roundID string) (*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) CloseRound(ctx context.Context, roundID string, o model.Outcome) (model.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return model.Outcome{}, model.ErrNotFound
	}
	if r.Status == model.RoundClosed && r.Outcome != nil {
		return *r.Outcome, nil
	}
	now := s.now()
	r.Status = model.RoundClosed
	r.Outcome = &o
	r.ClosedAt = &now
	return o, nil
}

func (s *Store) ClosedRoundsWithPending(ctx context.Context) ([]model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []model.Round
	for _, id := range s.order {
		w := s.wagers[id]
		if w.Status != model.WagerPending || seen[w.RoundID] {
			continue
		}
		r := s.rounds[w.RoundID]
		if r == nil || r.Status != model.RoundClosed {
			continue
		}
		seen[w.RoundID] = true
		out = append(out, *r.Clone())
	}
	return out, nil
}

func (s *Store) RoundHistory(ctx context.Context, limit int) ([]model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Round{}
	for i := len(s.byPeriod) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.rounds[s.byPeriod[i]].Clone())
	}
	return out, nil
}

// ── Wagers ───────────────────────────────────────────

func (s *Store) PlaceWager(ctx context.Context, w *model.Wager) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[w.RoundID]
	if !ok {
		return 0, fmt.Errorf("round %s: %w", w.RoundID, model.ErrNotFound)
	}
	if r.Status != model.RoundOpen {
		return 0, fmt.Errorf("round %d is %s", r.Period, r.Status)
	}
	if _, ok := s.wagers[w.ID]; ok {
		return 0, fmt.Errorf("wager %s already exists", w.ID)
	}
	balance, err := s.debitLocked(w.UserID, w.Amount)
	if err != nil {
		return 0, err
	}
	cp := *w
	s.wagers[w.ID] = &cp
	s.order = append(s.order, w.ID)
	r.Stats.Add(w.Category, w.Value, w.Amount)
	s.appendEntry(w.UserID, w.ID, model.LedgerBet, -w.Amount, balance)
	return balance, nil
}

func (s *Store) FindPendingWagers(ctx context.Context, roundID string) ([]model.Wager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Wager
	for _, id := range s.order {
		if w := s.wagers[id]; w.RoundID == roundID && w.Status == model.WagerPending {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (s *Store) SaveWagerResult(ctx context.Context, wagerID string, status model.WagerStatus, payout int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wagers[wagerID]
	if !ok {
		return false, model.ErrNotFound
	}
	if w.Status != model.WagerPending {
		return false, nil
	}
	now := s.now()
	w.Status = status
	w.Payout = payout
	w.SettledAt = &now
	if status == model.WagerWon && payout > 0 {
		s.balances[w.UserID] += payout
		s.appendEntry(w.UserID, w.ID, model.LedgerPayout, payout, s.balances[w.UserID])
	}
	return true, nil
}

// GetWager returns a copy of a stored wager.
func (s *Store) GetWager(ctx context.Context, wagerID string) (*model.Wager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wagers[wagerID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) UserWagerHistory(ctx context.Context, userID string, limit, page int) ([]model.Wager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := (page - 1) * limit
	out := []model.Wager{}
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		w := s.wagers[s.order[i]]
		if w.UserID != userID {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, *w)
	}
	return out, nil
}
