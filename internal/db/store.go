package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"lottery7/internal/model"
)

type Store struct {
	DB  *sql.DB
	log *zap.Logger
}

func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{DB: db, log: log}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			s.log.Info("schema up to date")
			return nil
		}
		return err
	}
	s.log.Info("migrations applied", zap.String("dir", dir))
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// ── Ledger ───────────────────────────────────────────

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var b int64
	err := s.DB.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id=$1`, userID).Scan(&b)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return b, err
}

func (s *Store) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	b, err := WalletCredit(tx, userID, amount)
	if err != nil {
		return 0, err
	}
	return b, tx.Commit()
}

func (s *Store) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	b, err := WalletDebit(tx, userID, amount)
	if err != nil {
		return 0, err
	}
	return b, tx.Commit()
}

// WalletDebit subtracts amount only when the balance covers it.
func WalletDebit(tx *sql.Tx, userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit: negative amount %d", amount)
	}
	var b int64
	err := tx.QueryRow(
		`UPDATE wallets SET balance = balance - $1, updated_at = now()
		 WHERE user_id=$2 AND balance >= $1 RETURNING balance`, amount, userID,
	).Scan(&b)
	if err == sql.ErrNoRows {
		return 0, model.ErrInsufficientBalance
	}
	return b, err
}

func WalletCredit(tx *sql.Tx, userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit: negative amount %d", amount)
	}
	var b int64
	err := tx.QueryRow(
		`INSERT INTO wallets (user_id, balance) VALUES ($1,$2)
		 ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()
		 RETURNING balance`, userID, amount,
	).Scan(&b)
	return b, err
}

func AppendLedgerEntry(tx *sql.Tx, userID, wagerID string, kind model.LedgerKind, amount, balanceAfter int64) error {
	_, err := tx.Exec(
		`INSERT INTO ledger_entries (user_id, wager_id, kind, amount, balance_after) VALUES ($1,$2,$3,$4,$5)`,
		userID, wagerID, kind, amount, balanceAfter,
	)
	return err
}

// ── Rounds ───────────────────────────────────────────

const roundCols = `id,period,status,open_time,close_time,closed_at,outcome_number,outcome_color,outcome_size,total_wagers,total_amount`

func (s *Store) NextPeriod(ctx context.Context) (int64, error) {
	var p int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(period),0)+1 FROM rounds`).Scan(&p)
	return p, err
}

func (s *Store) CreateRound(ctx context.Context, r *model.Round) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO rounds (id,period,status,open_time,close_time) VALUES ($1,$2,$3,$4,$5)`,
		r.ID, r.Period, r.Status, r.OpenTime, r.CloseTime,
	)
	return err
}

func (s *Store) LatestOpenRound(ctx context.Context) (*model.Round, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+roundCols+` FROM rounds WHERE status='open' ORDER BY period DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	rounds, err := s.scanRounds(ctx, rows)
	if err != nil || len(rounds) == 0 {
		return nil, err
	}
	return &rounds[0], nil
}

// CloseRound is a no-op on an already closed round; the first outcome wins.
func (s *Store) CloseRound(ctx context.Context, roundID string, o model.Outcome) (model.Outcome, error) {
	var out model.Outcome
	err := s.DB.QueryRowContext(ctx,
		`UPDATE rounds SET status='closed', outcome_number=$1, outcome_color=$2, outcome_size=$3, closed_at=now()
		 WHERE id=$4 AND status='open'
		 RETURNING outcome_number, outcome_color, outcome_size`,
		o.Number, o.Color, o.Size, roundID,
	).Scan(&out.Number, &out.Color, &out.Size)
	if err != sql.ErrNoRows {
		return out, err
	}
	var num sql.NullInt64
	var color, size sql.NullString
	err = s.DB.QueryRowContext(ctx,
		`SELECT outcome_number, outcome_color, outcome_size FROM rounds WHERE id=$1`, roundID,
	).Scan(&num, &color, &size)
	if err == sql.ErrNoRows {
		return out, model.ErrNotFound
	}
	if err != nil {
		return out, err
	}
	if !num.Valid {
		return out, fmt.Errorf("round %s is not open and has no outcome", roundID)
	}
	return model.Outcome{Number: int(num.Int64), Color: color.String, Size: size.String}, nil
}

func (s *Store) ClosedRoundsWithPending(ctx context.Context) ([]model.Round, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+roundCols+` FROM rounds r
		 WHERE r.status='closed' AND EXISTS (SELECT 1 FROM wagers w WHERE w.round_id=r.id AND w.status='pending')
		 ORDER BY r.period`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanRounds(ctx, rows)
}

func (s *Store) RoundHistory(ctx context.Context, limit int) ([]model.Round, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+roundCols+` FROM rounds ORDER BY period DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanRounds(ctx, rows)
}

// UpdateRoundCounters bumps the totals and the category/value bucket of a round.
func UpdateRoundCounters(tx *sql.Tx, roundID string, cat model.Category, value string, amount int64) error {
	if _, err := tx.Exec(
		`UPDATE rounds SET total_wagers = total_wagers + 1, total_amount = total_amount + $1 WHERE id=$2`,
		amount, roundID,
	); err != nil {
		return err
	}
	_, err := tx.Exec(
		`INSERT INTO round_buckets (round_id, category, value, wager_count, amount) VALUES ($1,$2,$3,1,$4)
		 ON CONFLICT (round_id, category, value) DO UPDATE
		 SET wager_count = round_buckets.wager_count + 1, amount = round_buckets.amount + EXCLUDED.amount`,
		roundID, cat, value, amount,
	)
	return err
}

func (s *Store) scanRounds(ctx context.Context, rows *sql.Rows) ([]model.Round, error) {
	out := []model.Round{}
	for rows.Next() {
		var (
			r           model.Round
			closedAt    *time.Time
			num         *int64
			color, size *string
		)
		if err := rows.Scan(&r.ID, &r.Period, &r.Status, &r.OpenTime, &r.CloseTime, &closedAt, &num, &color, &size,
			&r.Stats.TotalWagers, &r.Stats.TotalAmount); err != nil {
			return nil, err
		}
		r.ClosedAt = closedAt
		if num != nil && color != nil && size != nil {
			r.Outcome = &model.Outcome{Number: int(*num), Color: *color, Size: *size}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}
	return out, s.loadBuckets(ctx, out)
}

func (s *Store) loadBuckets(ctx context.Context, rounds []model.Round) error {
	ids := make([]string, len(rounds))
	idx := make(map[string]int, len(rounds))
	for i := range rounds {
		ids[i] = rounds[i].ID
		idx[rounds[i].ID] = i
		totals := rounds[i].Stats
		rounds[i].Stats = model.NewRoundStats()
		rounds[i].Stats.TotalWagers, rounds[i].Stats.TotalAmount = totals.TotalWagers, totals.TotalAmount
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT round_id, category, value, wager_count, amount FROM round_buckets WHERE round_id = ANY($1::uuid[])`,
		pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			roundID, value string
			cat            model.Category
			b              model.Bucket
		)
		if err := rows.Scan(&roundID, &cat, &value, &b.Count, &b.Amount); err != nil {
			return err
		}
		i, ok := idx[roundID]
		if !ok {
			continue
		}
		st := &rounds[i].Stats
		switch cat {
		case model.CategoryColor:
			st.Colors[value] = b
		case model.CategorySize:
			st.Sizes[value] = b
		case model.CategoryNumber:
			if n, err := strconv.Atoi(value); err == nil && n >= 0 && n <= 9 {
				st.Numbers[n] = b
			}
		}
	}
	return rows.Err()
}

// ── Wagers ───────────────────────────────────────────

const wagerCols = `id,user_id,round_id,period,category,value,amount,multiplier_bps,potential_payout,status,payout,created_at,settled_at`

// PlaceWager debits, inserts the wager, bumps counters and writes the bet
// ledger entry in one transaction. The round row is locked so a wager can
// never be committed against a round that closed in between.
func (s *Store) PlaceWager(ctx context.Context, w *model.Wager) (int64, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var status model.RoundStatus
	if err := tx.QueryRow(`SELECT status FROM rounds WHERE id=$1 FOR UPDATE`, w.RoundID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("round %s: %w", w.RoundID, model.ErrNotFound)
		}
		return 0, err
	}
	if status != model.RoundOpen {
		return 0, fmt.Errorf("round %d is %s", w.Period, status)
	}

	balance, err := WalletDebit(tx, w.UserID, w.Amount)
	if err != nil {
		return 0, err
	}
	if err := InsertWager(tx, w); err != nil {
		return 0, fmt.Errorf("insert wager: %w", err)
	}
	if err := UpdateRoundCounters(tx, w.RoundID, w.Category, w.Value, w.Amount); err != nil {
		return 0, fmt.Errorf("round counters: %w", err)
	}
	if err := AppendLedgerEntry(tx, w.UserID, w.ID, model.LedgerBet, -w.Amount, balance); err != nil {
		return 0, fmt.Errorf("ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return balance, nil
}

func InsertWager(tx *sql.Tx, w *model.Wager) error {
	_, err := tx.Exec(
		`INSERT INTO wagers (`+wagerCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		w.ID, w.UserID, w.RoundID, w.Period, w.Category, w.Value, w.Amount, w.MultiplierBps,
		w.PotentialPayout, w.Status, w.Payout, w.CreatedAt, w.SettledAt,
	)
	return err
}

func (s *Store) FindPendingWagers(ctx context.Context, roundID string) ([]model.Wager, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+wagerCols+` FROM wagers WHERE round_id=$1 AND status='pending' ORDER BY created_at`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWagers(rows)
}

// SaveWagerResult settles one wager. The status guard makes a second call
// for the same wager a no-op, so payouts are never credited twice.
func (s *Store) SaveWagerResult(ctx context.Context, wagerID string, status model.WagerStatus, payout int64) (bool, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var userID string
	err = tx.QueryRow(
		`UPDATE wagers SET status=$1, payout=$2, settled_at=now()
		 WHERE id=$3 AND status='pending' RETURNING user_id`, status, payout, wagerID,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if status == model.WagerWon && payout > 0 {
		balance, err := WalletCredit(tx, userID, payout)
		if err != nil {
			return false, fmt.Errorf("credit payout: %w", err)
		}
		if err := AppendLedgerEntry(tx, userID, wagerID, model.LedgerPayout, payout, balance); err != nil {
			return false, fmt.Errorf("ledger entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) UserWagerHistory(ctx context.Context, userID string, limit, page int) ([]model.Wager, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+wagerCols+` FROM wagers WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWagers(rows)
}

func scanWagers(rows *sql.Rows) ([]model.Wager, error) {
	out := []model.Wager{}
	for rows.Next() {
		var w model.Wager
		if err := rows.Scan(&w.ID, &w.UserID, &w.RoundID, &w.Period, &w.Category, &w.Value, &w.Amount,
			&w.MultiplierBps, &w.PotentialPayout, &w.Status, &w.Payout, &w.CreatedAt, &w.SettledAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
