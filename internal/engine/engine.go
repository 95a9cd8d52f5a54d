package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lottery7/internal/model"
)

// ── Config ───────────────────────────────────────────

type Config struct {
	RoundDuration    time.Duration
	CutoffWindow     time.Duration
	MinBet           int64
	MaxBet           int64
	GraceGap         time.Duration
	StartBackoff     time.Duration
	TickInterval     time.Duration
	SettleWorkers    int
	SettleRetries    int
	SettleRetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		RoundDuration:    180 * time.Second,
		CutoffWindow:     10 * time.Second,
		MinBet:           10,
		MaxBet:           10000,
		GraceGap:         2 * time.Second,
		StartBackoff:     5 * time.Second,
		TickInterval:     5 * time.Second,
		SettleWorkers:    8,
		SettleRetries:    3,
		SettleRetryDelay: time.Second,
	}
}

// ── State ────────────────────────────────────────────

type State int

const (
	StateNoRound State = iota
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "no_round"
	}
}

// ── Engine ───────────────────────────────────────────

type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDraw replaces the random number source used to draw outcomes.
func WithDraw(draw func() (int, error)) Option {
	return func(e *Engine) { e.draw = draw }
}

// Engine owns the current round. Every state transition takes mu for
// writing; PlaceBet holds it for reading from the admission check until the
// wager is persisted, so a bet can never land in a round that has started
// closing while bets still run concurrently with each other.
type Engine struct {
	cfg     Config
	store   Store
	publish PublishFunc
	log     *zap.Logger
	now     func() time.Time
	draw    func() (int, error)

	mu    sync.RWMutex
	state State
	round *model.Round

	// statsMu guards round.Stats between concurrent bets.
	statsMu sync.Mutex
}

func New(store Store, pub PublishFunc, log *zap.Logger, cfg Config, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SettleWorkers < 1 {
		cfg.SettleWorkers = 1
	}
	e := &Engine{
		cfg:     cfg,
		store:   store,
		publish: pub,
		log:     log,
		now:     time.Now,
		draw:    cryptoDraw,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func cryptoDraw() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

// Run drives rounds until ctx is canceled. It owns the single close timer
// of the current round and the status ticker.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.startWithRetry(ctx); err != nil {
		return err
	}

	closeTimer := time.NewTimer(e.TimeRemaining())
	defer closeTimer.Stop()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.publishTick()
		case <-closeTimer.C:
			if err := e.advance(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.log.Error("round close failed, retrying", zap.Error(err), zap.Duration("backoff", e.cfg.StartBackoff))
				closeTimer.Reset(e.cfg.StartBackoff)
				continue
			}
			closeTimer.Reset(e.TimeRemaining())
		}
	}
}

// Start recovers whatever a previous process left behind and makes sure a
// round is open. A round still inside its lifetime is resumed; one past its
// close time is closed and settled first.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}
	e.mu.RLock()
	open := e.state == StateOpen
	e.mu.RUnlock()
	if open {
		return nil
	}
	return e.start(ctx)
}

func (e *Engine) recover(ctx context.Context) error {
	e.mu.RLock()
	open := e.state == StateOpen
	e.mu.RUnlock()
	if !open {
		r, err := e.store.LatestOpenRound(ctx)
		if err != nil {
			return fmt.Errorf("%w: latest open round: %v", model.ErrStoreUnavailable, err)
		}
		if r != nil {
			if err := e.adopt(ctx, r); err != nil {
				return err
			}
		}
	}
	e.sweep(ctx)
	return nil
}

// adopt takes over a round the store holds open but the engine is not
// playing: one left by a previous process, or one whose creation committed
// even though the store reported an error.
func (e *Engine) adopt(ctx context.Context, r *model.Round) error {
	e.mu.Lock()
	e.round = r
	e.state = StateOpen
	e.mu.Unlock()

	if !e.now().Before(r.CloseTime) {
		e.log.Warn("closing round left open past its close time", zap.Int64("period", r.Period), zap.Time("close_time", r.CloseTime))
		return e.closeAndSettle(ctx)
	}
	e.log.Info("resuming open round", zap.Int64("period", r.Period), zap.String("round_id", r.ID), zap.Time("close_time", r.CloseTime))
	e.announce(r)
	return nil
}

// start opens the next round. Callers must not hold mu.
func (e *Engine) start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	period, err := e.store.NextPeriod(ctx)
	if err != nil {
		return fmt.Errorf("%w: next period: %v", model.ErrStoreUnavailable, err)
	}
	now := e.now()
	r := &model.Round{
		ID:        uuid.New().String(),
		Period:    period,
		Status:    model.RoundOpen,
		OpenTime:  now,
		CloseTime: now.Add(e.cfg.RoundDuration),
		Stats:     model.NewRoundStats(),
	}
	if err := e.store.CreateRound(ctx, r); err != nil {
		return fmt.Errorf("%w: create round %d: %v", model.ErrStoreUnavailable, period, err)
	}
	e.round = r
	e.state = StateOpen

	e.log.Info("round opened", zap.Int64("period", r.Period), zap.String("round_id", r.ID), zap.Time("close_time", r.CloseTime))
	e.announce(r)
	return nil
}

// startWithRetry runs Start until a round is open. Each attempt recovers
// first, so a round that was created despite a reported error is adopted
// instead of blocking every later period.
func (e *Engine) startWithRetry(ctx context.Context) error {
	for {
		err := e.Start(ctx)
		if err == nil {
			return nil
		}
		e.log.Error("round start failed, retrying", zap.Error(err), zap.Duration("backoff", e.cfg.StartBackoff))
		if !sleepCtx(ctx, e.cfg.StartBackoff) {
			return ctx.Err()
		}
	}
}

// advance is one full turn of the wheel: close and settle the current
// round, hold the result on screen, then sweep leftovers and open the next
// round.
func (e *Engine) advance(ctx context.Context) error {
	if err := e.closeAndSettle(ctx); err != nil {
		return err
	}
	if !sleepCtx(ctx, e.cfg.GraceGap) {
		return ctx.Err()
	}
	return e.startWithRetry(ctx)
}

// ── Place Bet ────────────────────────────────────────

// PlaceBet admits a wager against the open round and returns it with the
// balance left right after the debit. Rejections are one of the model.Err*
// kinds.
func (e *Engine) PlaceBet(ctx context.Context, userID string, cat model.Category, value string, amount int64) (*model.Wager, int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r := e.round
	if e.state != StateOpen || r == nil {
		return nil, 0, model.ErrNoActiveRound
	}
	now := e.now()
	if r.CloseTime.Sub(now) < e.cfg.CutoffWindow {
		return nil, 0, model.ErrBettingClosed
	}
	if amount < e.cfg.MinBet || amount > e.cfg.MaxBet {
		return nil, 0, fmt.Errorf("%w: must be between %d and %d", model.ErrInvalidAmount, e.cfg.MinBet, e.cfg.MaxBet)
	}
	balance, err := e.store.Balance(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: balance: %v", model.ErrStoreUnavailable, err)
	}
	if balance < amount {
		return nil, 0, model.ErrInsufficientBalance
	}
	mult, err := Multiplier(cat, value)
	if err != nil {
		return nil, 0, err
	}

	w := &model.Wager{
		ID:              uuid.New().String(),
		UserID:          userID,
		RoundID:         r.ID,
		Period:          r.Period,
		Category:        cat,
		Value:           value,
		Amount:          amount,
		MultiplierBps:   mult,
		PotentialPayout: model.CalcPayout(amount, mult),
		Status:          model.WagerPending,
		CreatedAt:       now,
	}
	newBalance, err := e.store.PlaceWager(ctx, w)
	if err != nil {
		if errors.Is(err, model.ErrInsufficientBalance) {
			return nil, 0, model.ErrInsufficientBalance
		}
		return nil, 0, fmt.Errorf("%w: place wager: %v", model.ErrStoreUnavailable, err)
	}

	e.statsMu.Lock()
	r.Stats.Add(cat, value, amount)
	totals := r.Stats.Clone()
	e.statsMu.Unlock()

	e.log.Debug("wager placed",
		zap.String("wager_id", w.ID), zap.String("user_id", userID), zap.Int64("period", r.Period),
		zap.String("category", string(cat)), zap.String("value", value),
		zap.Int64("amount", amount), zap.Int64("balance", newBalance))
	e.emit(model.NewEvent(model.EventBetPlaced, model.BetPlacedData{
		Period:   r.Period,
		Category: cat,
		Value:    value,
		Amount:   amount,
		Totals:   totals,
	}))
	return w, newBalance, nil
}

// ── Close & Settle ───────────────────────────────────

type settlement struct {
	settled   int
	winners   int
	payout    int64
	unsettled int
}

// closeAndSettle draws the outcome of the open round, persists it and
// settles every pending wager. The round stays open when the outcome
// cannot be persisted so the caller can retry.
func (e *Engine) closeAndSettle(ctx context.Context) error {
	e.mu.Lock()
	r := e.round
	if r == nil || e.state != StateOpen {
		e.mu.Unlock()
		return nil
	}
	n, err := e.draw()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("draw outcome: %w", err)
	}
	outcome, err := e.store.CloseRound(ctx, r.ID, model.NewOutcome(n))
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: close round %d: %v", model.ErrStoreUnavailable, r.Period, err)
	}
	closedAt := e.now()
	r.Status = model.RoundClosed
	r.Outcome = &outcome
	r.ClosedAt = &closedAt
	e.state = StateClosing
	e.mu.Unlock()

	e.log.Info("round closed", zap.Int64("period", r.Period), zap.Int("outcome", outcome.Number),
		zap.String("color", outcome.Color), zap.String("size", outcome.Size))

	res := e.settleRound(ctx, r.ID, r.Period, outcome)

	e.emit(model.NewEvent(model.EventRoundClosed, model.RoundClosedData{
		Period:      r.Period,
		RoundID:     r.ID,
		Outcome:     outcome,
		Settled:     res.settled,
		Winners:     res.winners,
		TotalPayout: res.payout,
		Unsettled:   res.unsettled,
	}))
	return nil
}

// settleRound settles every pending wager of a closed round. Wagers that
// fail are retried on their own; whatever is still pending afterwards is
// left for the next sweep.
func (e *Engine) settleRound(ctx context.Context, roundID string, period int64, o model.Outcome) settlement {
	var res settlement
	log := e.log.With(zap.Int64("period", period), zap.String("round_id", roundID))

	var (
		pending []model.Wager
		err     error
	)
	for attempt := 0; attempt <= e.cfg.SettleRetries; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, e.cfg.SettleRetryDelay) {
			break
		}
		pending, err = e.store.FindPendingWagers(ctx, roundID)
		if err == nil {
			break
		}
		log.Warn("load pending wagers failed", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	if err != nil {
		log.Error("round left unsettled", zap.Error(err))
		return res
	}

	for attempt := 0; len(pending) > 0 && attempt <= e.cfg.SettleRetries; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, e.cfg.SettleRetryDelay) {
			break
		}
		pending = e.settleBatch(ctx, pending, o, &res)
	}
	res.unsettled = len(pending)
	if res.unsettled > 0 {
		log.Error("round partially settled", zap.Int("unsettled", res.unsettled), zap.Int("settled", res.settled))
	} else {
		log.Info("round settled", zap.Int("settled", res.settled), zap.Int("winners", res.winners), zap.Int64("total_payout", res.payout))
	}
	return res
}

// settleBatch settles wagers concurrently and returns the ones that failed.
func (e *Engine) settleBatch(ctx context.Context, wagers []model.Wager, o model.Outcome, res *settlement) []model.Wager {
	var (
		mu     sync.Mutex
		failed []model.Wager
		g      errgroup.Group
	)
	g.SetLimit(e.cfg.SettleWorkers)
	for _, w := range wagers {
		w := w
		g.Go(func() error {
			won, changed, err := e.settleWager(ctx, w, o)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.log.Warn("wager settlement failed", zap.String("wager_id", w.ID), zap.Error(err))
				failed = append(failed, w)
				return nil
			}
			if changed {
				res.settled++
				if won {
					res.winners++
					res.payout += w.PotentialPayout
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

func (e *Engine) settleWager(ctx context.Context, w model.Wager, o model.Outcome) (won, changed bool, err error) {
	won, _ = Evaluate(w.Category, w.Value, o)
	status, payout := model.WagerLost, int64(0)
	if won {
		status, payout = model.WagerWon, w.PotentialPayout
	}
	changed, err = e.store.SaveWagerResult(ctx, w.ID, status, payout)
	return won, changed, err
}

// sweep settles closed rounds that still hold pending wagers.
func (e *Engine) sweep(ctx context.Context) {
	rounds, err := e.store.ClosedRoundsWithPending(ctx)
	if err != nil {
		e.log.Warn("sweep of unsettled rounds failed", zap.Error(err))
		return
	}
	for _, r := range rounds {
		if r.Outcome == nil {
			e.log.Error("closed round has no outcome", zap.Int64("period", r.Period))
			continue
		}
		e.log.Warn("settling leftover wagers", zap.Int64("period", r.Period))
		e.settleRound(ctx, r.ID, r.Period, *r.Outcome)
	}
}

// ── Queries ──────────────────────────────────────────

// CurrentRound returns a copy of the round being played, or nil.
func (e *Engine) CurrentRound() *model.Round {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.round == nil {
		return nil
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.round.Clone()
}

// TimeRemaining is the time until the open round closes, zero otherwise.
func (e *Engine) TimeRemaining() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.remaining()
}

func (e *Engine) remaining() time.Duration {
	if e.state != StateOpen || e.round == nil {
		return 0
	}
	d := e.round.CloseTime.Sub(e.now())
	if d < 0 {
		return 0
	}
	return d
}

// BettingOpen reports whether a bet placed now would pass the cutoff.
func (e *Engine) BettingOpen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateOpen && e.round != nil && e.round.CloseTime.Sub(e.now()) >= e.cfg.CutoffWindow
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) RoundHistory(ctx context.Context, limit int) ([]model.Round, error) {
	return e.store.RoundHistory(ctx, clamp(limit, 20, 100))
}

func (e *Engine) UserWagers(ctx context.Context, userID string, limit, page int) ([]model.Wager, error) {
	if page < 1 {
		page = 1
	}
	return e.store.UserWagerHistory(ctx, userID, clamp(limit, 20, 100), page)
}

func (e *Engine) Balance(ctx context.Context, userID string) (int64, error) {
	return e.store.Balance(ctx, userID)
}

// ── Broadcast ────────────────────────────────────────

func (e *Engine) announce(r *model.Round) {
	e.emit(model.NewEvent(model.EventRoundOpened, model.RoundOpenedData{
		Period:    r.Period,
		RoundID:   r.ID,
		OpenTime:  r.OpenTime,
		CloseTime: r.CloseTime,
		Duration:  int64(r.Duration() / time.Second),
	}))
}

func (e *Engine) publishTick() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateOpen || e.round == nil {
		return
	}
	e.statsMu.Lock()
	totals := e.round.Stats.Clone()
	e.statsMu.Unlock()
	remaining := e.remaining()
	e.emit(model.NewEvent(model.EventStatusTick, model.StatusTickData{
		Period:          e.round.Period,
		TimeRemainingMs: remaining.Milliseconds(),
		BettingOpen:     remaining >= e.cfg.CutoffWindow,
		Totals:          totals,
	}))
}

// emit hands an event to the publisher. A misbehaving publisher never
// reaches engine state.
func (e *Engine) emit(ev model.Event) {
	if e.publish == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("publisher panicked", zap.String("event", ev.Type), zap.Any("panic", p))
		}
	}()
	e.publish(ev)
}

// ── Helpers ──────────────────────────────────────────

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func clamp(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
