package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"lottery7/internal/memstore"
	"lottery7/internal/model"
)

// ── Helpers ──────────────────────────────────────────

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fixedDraws returns ns in order, then repeats the last one.
func fixedDraws(ns ...int) func() (int, error) {
	var (
		mu sync.Mutex
		i  int
	)
	return func() (int, error) {
		mu.Lock()
		defer mu.Unlock()
		n := ns[i]
		if i < len(ns)-1 {
			i++
		}
		return n, nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(typ string) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GraceGap = 0
	cfg.StartBackoff = time.Millisecond
	cfg.SettleRetryDelay = 0
	return cfg
}

func newTestEngine(store Store, clk *clock, draw func() (int, error)) (*Engine, *recorder) {
	rec := &recorder{}
	e := New(store, rec.publish, zap.NewNop(), testConfig(), WithClock(clk.Now), WithDraw(draw))
	return e, rec
}

func mustBalance(t *testing.T, s Ledger, user string, want int64) {
	t.Helper()
	got, err := s.Balance(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("balance of %s: got %d, want %d", user, got, want)
	}
}

// flakyStore fails selected operations a fixed number of times.
type flakyStore struct {
	*memstore.Store

	mu          sync.Mutex
	saveFails   map[string]int
	createFails int
	// createLies commits the round and still reports an error.
	createLies int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: memstore.New(), saveFails: make(map[string]int)}
}

func (f *flakyStore) failSave(wagerID string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveFails[wagerID] = times
}

func (f *flakyStore) SaveWagerResult(ctx context.Context, wagerID string, status model.WagerStatus, payout int64) (bool, error) {
	f.mu.Lock()
	if f.saveFails[wagerID] > 0 {
		f.saveFails[wagerID]--
		f.mu.Unlock()
		return false, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Store.SaveWagerResult(ctx, wagerID, status, payout)
}

func (f *flakyStore) CreateRound(ctx context.Context, r *model.Round) error {
	f.mu.Lock()
	if f.createFails > 0 {
		f.createFails--
		f.mu.Unlock()
		return errors.New("connection refused")
	}
	lie := f.createLies > 0
	if lie {
		f.createLies--
	}
	f.mu.Unlock()
	if err := f.Store.CreateRound(ctx, r); err != nil {
		return err
	}
	if lie {
		return errors.New("i/o timeout")
	}
	return nil
}

// ── Scenarios ────────────────────────────────────────

func TestVioletWinScenario(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("alice", 100)
	clk := newClock()
	e, rec := newTestEngine(store, clk, fixedDraws(5))

	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	w, balance, err := e.PlaceBet(ctx, "alice", model.CategoryColor, model.ColorViolet, 20)
	if err != nil {
		t.Fatal(err)
	}
	if balance != 80 {
		t.Fatalf("balance after debit %d, want 80", balance)
	}
	if w.PotentialPayout != 90 || w.MultiplierBps != MultViolet {
		t.Fatalf("potential payout %d at %d bps, want 90 at %d", w.PotentialPayout, w.MultiplierBps, MultViolet)
	}
	mustBalance(t, store, "alice", 80)

	// t=170 and change: inside the cutoff window
	clk.Advance(170*time.Second + 500*time.Millisecond)
	if _, _, err := e.PlaceBet(ctx, "alice", model.CategoryColor, model.ColorViolet, 20); !errors.Is(err, model.ErrBettingClosed) {
		t.Fatalf("expected ErrBettingClosed, got %v", err)
	}
	mustBalance(t, store, "alice", 80)

	clk.Advance(9500 * time.Millisecond)
	if err := e.advance(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetWager(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.WagerWon || got.Payout != 90 {
		t.Fatalf("wager %s payout %d, want won 90", got.Status, got.Payout)
	}
	mustBalance(t, store, "alice", 170)

	r, err := store.GetRound(ctx, w.RoundID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != model.RoundClosed || r.Outcome == nil || r.Outcome.Number != 5 || r.Outcome.Color != model.ColorViolet {
		t.Fatalf("round after close: %+v", r)
	}

	closed := rec.ofType(model.EventRoundClosed)
	if len(closed) != 1 {
		t.Fatalf("expected 1 round_closed event, got %d", len(closed))
	}
	data := closed[0].Data.(model.RoundClosedData)
	if data.Outcome.Number != 5 || data.Winners != 1 || data.TotalPayout != 90 || data.Unsettled != 0 {
		t.Fatalf("round_closed payload: %+v", data)
	}

	cur := e.CurrentRound()
	if cur == nil || cur.Period != 2 || cur.Status != model.RoundOpen {
		t.Fatalf("next round: %+v", cur)
	}
}

func TestNumberBetLoses(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("bob", 100)
	clk := newClock()
	e, _ := newTestEngine(store, clk, fixedDraws(3))

	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	w, _, err := e.PlaceBet(ctx, "bob", model.CategoryNumber, "7", 50)
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(180 * time.Second)
	if err := e.advance(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetWager(ctx, w.ID)
	if got.Status != model.WagerLost || got.Payout != 0 {
		t.Fatalf("wager %s payout %d, want lost 0", got.Status, got.Payout)
	}
	mustBalance(t, store, "bob", 50)
	for _, entry := range store.LedgerEntries("bob") {
		if entry.Kind == model.LedgerPayout {
			t.Fatalf("losing wager produced a payout entry: %+v", entry)
		}
	}
}

// ── Admission ────────────────────────────────────────

func TestCutoffBoundary(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("alice", 1000)
	clk := newClock()
	e, _ := newTestEngine(store, clk, fixedDraws(1))
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// exactly the cutoff window left: admitted
	clk.Advance(170 * time.Second)
	if !e.BettingOpen() {
		t.Fatal("betting should be open with exactly the cutoff remaining")
	}
	if _, _, err := e.PlaceBet(ctx, "alice", model.CategorySize, model.SizeBig, 10); err != nil {
		t.Fatalf("at boundary: %v", err)
	}

	clk.Advance(time.Millisecond)
	if e.BettingOpen() {
		t.Fatal("betting should be closed inside the cutoff window")
	}
	if _, _, err := e.PlaceBet(ctx, "alice", model.CategorySize, model.SizeBig, 10); !errors.Is(err, model.ErrBettingClosed) {
		t.Fatalf("past boundary: got %v, want ErrBettingClosed", err)
	}
	if e.State() != StateOpen {
		t.Fatalf("round must still be open, state %s", e.State())
	}
	mustBalance(t, store, "alice", 990)
}

func TestPlaceBetRejections(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("rich", 1000)
	store.SetBalance("poor", 5)
	clk := newClock()
	e, _ := newTestEngine(store, clk, fixedDraws(0))

	if _, _, err := e.PlaceBet(ctx, "rich", model.CategoryColor, model.ColorRed, 10); !errors.Is(err, model.ErrNoActiveRound) {
		t.Fatalf("before start: got %v, want ErrNoActiveRound", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		user   string
		cat    model.Category
		value  string
		amount int64
		want   error
	}{
		{"below min", "rich", model.CategoryColor, model.ColorRed, 9, model.ErrInvalidAmount},
		{"above max", "rich", model.CategoryColor, model.ColorRed, 10001, model.ErrInvalidAmount},
		{"zero", "rich", model.CategoryColor, model.ColorRed, 0, model.ErrInvalidAmount},
		{"bad colour", "rich", model.CategoryColor, "blue", 10, model.ErrInvalidBetValue},
		{"bad number", "rich", model.CategoryNumber, "12", 10, model.ErrInvalidBetValue},
		{"bad category", "rich", "parity", "odd", 10, model.ErrInvalidBetValue},
		{"insufficient", "poor", model.CategoryColor, model.ColorRed, 10, model.ErrInsufficientBalance},
		// balance is checked before the value
		{"insufficient before bad value", "poor", model.CategoryColor, "blue", 10, model.ErrInsufficientBalance},
		{"amount before balance", "poor", model.CategoryColor, model.ColorRed, 5, model.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := e.PlaceBet(ctx, tt.user, tt.cat, tt.value, tt.amount)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	mustBalance(t, store, "rich", 1000)
	mustBalance(t, store, "poor", 5)
	if n := len(store.LedgerEntries("poor")); n != 0 {
		t.Fatalf("rejected bets wrote %d ledger entries", n)
	}
	if r := e.CurrentRound(); r.Stats.TotalWagers != 0 {
		t.Fatalf("rejected bets counted: %+v", r.Stats)
	}
}

func TestBettingClosedBeforeAmount(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	clk := newClock()
	e, _ := newTestEngine(store, clk, fixedDraws(0))
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	clk.Advance(175 * time.Second)
	if _, _, err := e.PlaceBet(ctx, "nobody", model.CategoryColor, "blue", 0); !errors.Is(err, model.ErrBettingClosed) {
		t.Fatalf("got %v, want ErrBettingClosed", err)
	}
}

// ── Ledger ───────────────────────────────────────────

func TestBalanceConservation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		draw   int
		value  string
		payout int64
	}{
		{"win", 2, model.ColorRed, 60},
		{"loss", 3, model.ColorRed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New()
			store.SetBalance("u", 500)
			clk := newClock()
			e, _ := newTestEngine(store, clk, fixedDraws(tt.draw))
			if err := e.Start(ctx); err != nil {
				t.Fatal(err)
			}
			if _, _, err := e.PlaceBet(ctx, "u", model.CategoryColor, tt.value, 30); err != nil {
				t.Fatal(err)
			}
			mustBalance(t, store, "u", 470)
			clk.Advance(180 * time.Second)
			if err := e.advance(ctx); err != nil {
				t.Fatal(err)
			}
			mustBalance(t, store, "u", 470+tt.payout)
		})
	}
}

func TestNoDoubleSettlement(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("u", 100)
	clk := newClock()
	e, _ := newTestEngine(store, clk, fixedDraws(8))
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	w, _, err := e.PlaceBet(ctx, "u", model.CategoryNumber, "8", 10)
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(180 * time.Second)
	if err := e.closeAndSettle(ctx); err != nil {
		t.Fatal(err)
	}
	mustBalance(t, store, "u", 180)

	// settle the same round again, with a different outcome even
	res := e.settleRound(ctx, w.RoundID, w.Period, model.NewOutcome(1))
	if res.settled != 0 || res.payout != 0 {
		t.Fatalf("second settlement changed wagers: %+v", res)
	}
	changed, err := store.SaveWagerResult(ctx, w.ID, model.WagerWon, 90)
	if err != nil || changed {
		t.Fatalf("direct re-save: changed=%v err=%v", changed, err)
	}
	got, _ := store.GetWager(ctx, w.ID)
	if got.Status != model.WagerWon || got.Payout != 90 {
		t.Fatalf("terminal wager altered: %+v", got)
	}
	mustBalance(t, store, "u", 180)

	// closing again keeps the first outcome
	o, err := store.CloseRound(ctx, w.RoundID, model.NewOutcome(4))
	if err != nil || o.Number != 8 {
		t.Fatalf("re-close returned %+v, %v", o, err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("u", 100)
	clk := newClock()
	e, _ := newTestEngine(store, clk, fixedDraws(0))
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.PlaceBet(ctx, "u", model.CategorySize, model.SizeSmall, 10)
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else if !errors.Is(err, model.ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if admitted != 10 {
		t.Fatalf("admitted %d bets of 10 on a balance of 100", admitted)
	}
	mustBalance(t, store, "u", 0)
}

// ── Counters ─────────────────────────────────────────

func TestAggregateCounters(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	clk := newClock()
	e, rec := newTestEngine(store, clk, fixedDraws(0))
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	type bet struct {
		cat    model.Category
		value  string
		amount int64
	}
	bets := []bet{
		{model.CategoryColor, model.ColorRed, 10},
		{model.CategoryColor, model.ColorViolet, 25},
		{model.CategoryColor, model.ColorRed, 40},
		{model.CategoryNumber, "3", 15},
		{model.CategoryNumber, "9", 100},
		{model.CategorySize, model.SizeBig, 60},
	}

	var wg sync.WaitGroup
	var total int64
	for i, b := range bets {
		user := fmt.Sprintf("user-%d", i)
		store.SetBalance(user, 1000)
		total += b.amount
		wg.Add(1)
		go func(b bet) {
			defer wg.Done()
			if _, _, err := e.PlaceBet(ctx, user, b.cat, b.value, b.amount); err != nil {
				t.Errorf("place %s/%s: %v", b.cat, b.value, err)
			}
		}(b)
	}
	wg.Wait()

	check := func(name string, s model.RoundStats) {
		t.Helper()
		if s.TotalWagers != int64(len(bets)) || s.TotalAmount != total {
			t.Fatalf("%s: totals %d/%d, want %d/%d", name, s.TotalWagers, s.TotalAmount, len(bets), total)
		}
		var n, sum int64
		for _, b := range s.Colors {
			n, sum = n+b.Count, sum+b.Amount
		}
		for _, b := range s.Sizes {
			n, sum = n+b.Count, sum+b.Amount
		}
		for _, b := range s.Numbers {
			n, sum = n+b.Count, sum+b.Amount
		}
		if n != s.TotalWagers || sum != s.TotalAmount {
			t.Fatalf("%s: buckets sum to %d/%d, totals %d/%d", name, n, sum, s.TotalWagers, s.TotalAmount)
		}
		if red := s.Colors[model.ColorRed]; red.Count != 2 || red.Amount != 50 {
			t.Fatalf("%s: red bucket %+v", name, red)
		}
		if nine := s.Numbers[9]; nine.Count != 1 || nine.Amount != 100 {
			t.Fatalf("%s: number 9 bucket %+v", name, nine)
		}
	}

	cur := e.CurrentRound()
	check("engine", cur.Stats)
	persisted, err := store.GetRound(ctx, cur.ID)
	if err != nil {
		t.Fatal(err)
	}
	check("store", persisted.Stats)

	placed := rec.ofType(model.EventBetPlaced)
	if len(placed) != len(bets) {
		t.Fatalf("bet_placed events: got %d, want %d", len(placed), len(bets))
	}
	var maxSeen int64
	for _, ev := range placed {
		if n := ev.Data.(model.BetPlacedData).Totals.TotalWagers; n > maxSeen {
			maxSeen = n
		}
	}
	if maxSeen != int64(len(bets)) {
		t.Fatalf("largest running total %d, want %d", maxSeen, len(bets))
	}
}

// ── Periods & Recovery ───────────────────────────────

func TestPeriodsIncreaseAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	clk := newClock()
	e, _ := newTestEngine(store, clk, fixedDraws(4))
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		clk.Advance(180 * time.Second)
		if err := e.advance(ctx); err != nil {
			t.Fatal(err)
		}
	}

	// restart mid-round: the open round is resumed, not replaced
	clk.Advance(30 * time.Second)
	e2, _ := newTestEngine(store, clk, fixedDraws(6))
	if err := e2.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if cur := e2.CurrentRound(); cur == nil || cur.Period != 4 {
		t.Fatalf("resumed round: %+v", cur)
	}
	if rem := e2.TimeRemaining(); rem != 150*time.Second {
		t.Fatalf("time remaining after restart: %v", rem)
	}
	for i := 0; i < 2; i++ {
		clk.Advance(180 * time.Second)
		if err := e2.advance(ctx); err != nil {
			t.Fatal(err)
		}
	}

	rounds, err := e2.RoundHistory(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 6 {
		t.Fatalf("expected 6 rounds, got %d", len(rounds))
	}
	for i, r := range rounds {
		if want := int64(6 - i); r.Period != want {
			t.Fatalf("history[%d] period %d, want %d", i, r.Period, want)
		}
	}
	open := 0
	for _, r := range rounds {
		if r.Status == model.RoundOpen {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("%d open rounds, want 1", open)
	}
}

func TestStaleOpenRoundClosedOnStart(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("u", 100)
	clk := newClock()
	e, _ := newTestEngine(store, clk, fixedDraws(7))
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	w, _, err := e.PlaceBet(ctx, "u", model.CategoryColor, model.ColorGreen, 50)
	if err != nil {
		t.Fatal(err)
	}

	// process dies; comes back long after the close time
	clk.Advance(10 * time.Minute)
	e2, rec := newTestEngine(store, clk, fixedDraws(7))
	if err := e2.Start(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetWager(ctx, w.ID)
	if got.Status != model.WagerWon || got.Payout != 100 {
		t.Fatalf("stale wager: %+v", got)
	}
	mustBalance(t, store, "u", 150)
	old, _ := store.GetRound(ctx, w.RoundID)
	if old.Status != model.RoundClosed {
		t.Fatalf("stale round status %s", old.Status)
	}
	cur := e2.CurrentRound()
	if cur == nil || cur.Period != 2 || !cur.CloseTime.Equal(clk.Now().Add(180*time.Second)) {
		t.Fatalf("fresh round: %+v", cur)
	}
	if n := len(rec.ofType(model.EventRoundClosed)); n != 1 {
		t.Fatalf("round_closed events: %d", n)
	}
}

func TestRoundCommittedDespiteErrorIsAdopted(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	clk := newClock()
	e, rec := newTestEngine(store, clk, fixedDraws(3))

	store.createLies = 1
	if err := e.Start(ctx); err == nil {
		t.Fatal("expected the reported create error")
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start after committed create: %v", err)
	}
	if cur := e.CurrentRound(); cur == nil || cur.Period != 1 {
		t.Fatalf("adopted round: %+v", cur)
	}

	// same failure between rounds: advance must not wedge
	store.createLies = 1
	clk.Advance(180 * time.Second)
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := e.advance(runCtx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	cur := e.CurrentRound()
	if cur == nil || cur.Period != 2 || e.State() != StateOpen {
		t.Fatalf("round after retry: %+v state=%s", cur, e.State())
	}
	if _, _, err := e.PlaceBet(ctx, "nobody", model.CategoryColor, model.ColorRed, 10); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("bet on adopted round: %v", err)
	}

	rounds, err := e.RoundHistory(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 2 {
		t.Fatalf("%d rounds, want 2", len(rounds))
	}
	opened := rec.ofType(model.EventRoundOpened)
	if len(opened) != 2 || opened[1].Data.(model.RoundOpenedData).Period != 2 {
		t.Fatalf("round_opened events: %+v", opened)
	}
}

// ── Settlement failures ──────────────────────────────

func TestSettlementRetriesFailedWager(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	clk := newClock()
	e, _ := newTestEngine(store, clk, fixedDraws(2))
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for i := 0; i < 5; i++ {
		user := fmt.Sprintf("u%d", i)
		store.SetBalance(user, 100)
		w, _, err := e.PlaceBet(ctx, user, model.CategoryColor, model.ColorRed, 10)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, w.ID)
	}
	store.failSave(ids[2], 2)

	clk.Advance(180 * time.Second)
	if err := e.advance(ctx); err != nil {
		t.Fatal(err)
	}
	for i, id := range ids {
		w, _ := store.GetWager(ctx, id)
		if w.Status != model.WagerWon {
			t.Fatalf("wager %d: %s", i, w.Status)
		}
		mustBalance(t, store, fmt.Sprintf("u%d", i), 110)
	}
}

func TestUnsettledWagerSweptLater(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	clk := newClock()
	e, rec := newTestEngine(store, clk, fixedDraws(9))
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	store.SetBalance("a", 100)
	store.SetBalance("b", 100)
	stuck, _, err := e.PlaceBet(ctx, "a", model.CategorySize, model.SizeBig, 20)
	if err != nil {
		t.Fatal(err)
	}
	ok, _, err := e.PlaceBet(ctx, "b", model.CategorySize, model.SizeBig, 20)
	if err != nil {
		t.Fatal(err)
	}
	// more failures than the close gets retries, fewer than close plus sweep
	store.failSave(stuck.ID, testConfig().SettleRetries+1)

	clk.Advance(180 * time.Second)
	if err := e.closeAndSettle(ctx); err != nil {
		t.Fatal(err)
	}
	if w, _ := store.GetWager(ctx, ok.ID); w.Status != model.WagerWon {
		t.Fatalf("sibling blocked: %s", w.Status)
	}
	if w, _ := store.GetWager(ctx, stuck.ID); w.Status != model.WagerPending {
		t.Fatalf("stuck wager: %s", w.Status)
	}
	data := rec.ofType(model.EventRoundClosed)[0].Data.(model.RoundClosedData)
	if data.Unsettled != 1 || data.Settled != 1 {
		t.Fatalf("round_closed payload: %+v", data)
	}

	e.sweep(ctx)
	if w, _ := store.GetWager(ctx, stuck.ID); w.Status != model.WagerWon {
		t.Fatalf("after sweep: %s", w.Status)
	}
	mustBalance(t, store, "a", 120)
	pending, _ := store.ClosedRoundsWithPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("%d closed rounds still pending", len(pending))
	}
}

// ── Broadcast ────────────────────────────────────────

func TestEventSequence(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("u", 100)
	clk := newClock()
	e, rec := newTestEngine(store, clk, fixedDraws(1))
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.PlaceBet(ctx, "u", model.CategoryNumber, "1", 10); err != nil {
		t.Fatal(err)
	}
	clk.Advance(60 * time.Second)
	e.publishTick()
	clk.Advance(120 * time.Second)
	if err := e.advance(ctx); err != nil {
		t.Fatal(err)
	}

	var types []string
	for _, ev := range rec.events {
		if ev.Version != model.EventVersion {
			t.Fatalf("event %s has version %d", ev.Type, ev.Version)
		}
		types = append(types, ev.Type)
	}
	want := []string{model.EventRoundOpened, model.EventBetPlaced, model.EventStatusTick, model.EventRoundClosed, model.EventRoundOpened}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("events %v, want %v", types, want)
	}

	opened := rec.events[0].Data.(model.RoundOpenedData)
	if opened.Period != 1 || opened.Duration != 180 {
		t.Fatalf("round_opened: %+v", opened)
	}
	tick := rec.events[2].Data.(model.StatusTickData)
	if tick.TimeRemainingMs != 120_000 || !tick.BettingOpen || tick.Totals.TotalAmount != 10 {
		t.Fatalf("status_tick: %+v", tick)
	}
}

func TestPublisherPanicIsContained(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("u", 100)
	clk := newClock()
	e := New(store, func(model.Event) { panic("observer gone") }, zap.NewNop(), testConfig(),
		WithClock(clk.Now), WithDraw(fixedDraws(0)))
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.PlaceBet(ctx, "u", model.CategoryColor, model.ColorViolet, 10); err != nil {
		t.Fatal(err)
	}
	clk.Advance(180 * time.Second)
	if err := e.advance(ctx); err != nil {
		t.Fatal(err)
	}
	mustBalance(t, store, "u", 135)
}

// ── Run loop ─────────────────────────────────────────

func TestRunDrivesRounds(t *testing.T) {
	store := newFlakyStore()
	store.createFails = 2
	store.SetBalance("u", 1000)

	events := make(chan model.Event, 256)
	cfg := testConfig()
	cfg.RoundDuration = 80 * time.Millisecond
	cfg.CutoffWindow = 20 * time.Millisecond
	cfg.TickInterval = 10 * time.Millisecond
	e := New(store, func(ev model.Event) {
		select {
		case events <- ev:
		default:
		}
	}, zap.NewNop(), cfg, WithDraw(fixedDraws(5)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	var closedPeriods []int64
	betPlaced := false
	for len(closedPeriods) < 2 {
		select {
		case ev := <-events:
			switch ev.Type {
			case model.EventRoundOpened:
				if !betPlaced {
					if _, _, err := e.PlaceBet(ctx, "u", model.CategorySize, model.SizeBig, 100); err != nil {
						t.Errorf("place bet: %v", err)
					}
					betPlaced = true
				}
			case model.EventRoundClosed:
				closedPeriods = append(closedPeriods, ev.Data.(model.RoundClosedData).Period)
			}
		case <-deadline:
			t.Fatalf("timed out, closed periods %v", closedPeriods)
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if closedPeriods[0] != 1 || closedPeriods[1] != 2 {
		t.Fatalf("closed periods %v", closedPeriods)
	}
	mustBalance(t, store, "u", 1100)
}
