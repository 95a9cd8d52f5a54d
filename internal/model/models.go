package model

import (
	"strconv"
	"time"
)

// ── Enums ────────────────────────────────────────────

type RoundStatus string

const (
	RoundPending RoundStatus = "pending"
	RoundOpen    RoundStatus = "open"
	RoundClosed  RoundStatus = "closed"
)

type Category string

const (
	CategoryColor  Category = "color"
	CategoryNumber Category = "number"
	CategorySize   Category = "size"
)

const (
	ColorRed    = "red"
	ColorGreen  = "green"
	ColorViolet = "violet"

	SizeBig   = "big"
	SizeSmall = "small"
)

type WagerStatus string

const (
	WagerPending WagerStatus = "pending"
	WagerWon     WagerStatus = "won"
	WagerLost    WagerStatus = "lost"
)

// BpsDenominator is the scale of MultiplierBps: 45000 means 4.5x.
const BpsDenominator = 10000

// ── Domain Objects ───────────────────────────────────

// Outcome is a drawn number with its derived colour and size.
// Build it with NewOutcome so the three fields can never disagree.
type Outcome struct {
	Number int    `json:"number" bson:"number"`
	Color  string `json:"color" bson:"color"`
	Size   string `json:"size" bson:"size"`
}

func NewOutcome(n int) Outcome {
	return Outcome{Number: n, Color: ColorOf(n), Size: SizeOf(n)}
}

// ColorOf maps a drawn number onto its colour.
func ColorOf(n int) string {
	switch n {
	case 0, 5:
		return ColorViolet
	case 1, 3, 7, 9:
		return ColorGreen
	default:
		return ColorRed
	}
}

// SizeOf maps a drawn number onto big (5-9) or small (0-4).
func SizeOf(n int) string {
	if n >= 5 {
		return SizeBig
	}
	return SizeSmall
}

type Round struct {
	ID        string      `json:"id" bson:"_id"`
	Period    int64       `json:"period" bson:"period"`
	Status    RoundStatus `json:"status" bson:"status"`
	OpenTime  time.Time   `json:"open_time" bson:"open_time"`
	CloseTime time.Time   `json:"close_time" bson:"close_time"`
	ClosedAt  *time.Time  `json:"closed_at,omitempty" bson:"closed_at,omitempty"`
	Outcome   *Outcome    `json:"outcome,omitempty" bson:"outcome,omitempty"`
	Stats     RoundStats  `json:"stats" bson:"stats"`
}

// Duration is the scheduled lifetime of the round.
func (r *Round) Duration() time.Duration { return r.CloseTime.Sub(r.OpenTime) }

// Clone returns a deep copy safe to hand out of the engine.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	c := *r
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		c.ClosedAt = &t
	}
	if r.Outcome != nil {
		o := *r.Outcome
		c.Outcome = &o
	}
	c.Stats = r.Stats.Clone()
	return &c
}

type Bucket struct {
	Count  int64 `json:"count" bson:"count"`
	Amount int64 `json:"amount" bson:"amount"`
}

// RoundStats are the aggregate counters of a round. Every bucket family
// (colors, sizes, numbers) sums to the totals for wagers of its category.
type RoundStats struct {
	TotalWagers int64             `json:"total_wagers" bson:"total_wagers"`
	TotalAmount int64             `json:"total_amount" bson:"total_amount"`
	Colors      map[string]Bucket `json:"colors" bson:"colors"`
	Sizes       map[string]Bucket `json:"sizes" bson:"sizes"`
	Numbers     [10]Bucket        `json:"numbers" bson:"numbers"`
}

func NewRoundStats() RoundStats {
	return RoundStats{
		Colors: map[string]Bucket{ColorRed: {}, ColorGreen: {}, ColorViolet: {}},
		Sizes:  map[string]Bucket{SizeBig: {}, SizeSmall: {}},
	}
}

// Add records one wager. The caller has already validated category and value.
func (s *RoundStats) Add(cat Category, value string, amount int64) {
	if s.Colors == nil || s.Sizes == nil {
		fresh := NewRoundStats()
		for k, v := range s.Colors {
			fresh.Colors[k] = v
		}
		for k, v := range s.Sizes {
			fresh.Sizes[k] = v
		}
		s.Colors, s.Sizes = fresh.Colors, fresh.Sizes
	}
	s.TotalWagers++
	s.TotalAmount += amount
	switch cat {
	case CategoryColor:
		b := s.Colors[value]
		b.Count++
		b.Amount += amount
		s.Colors[value] = b
	case CategorySize:
		b := s.Sizes[value]
		b.Count++
		b.Amount += amount
		s.Sizes[value] = b
	case CategoryNumber:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 9 {
			return
		}
		s.Numbers[n].Count++
		s.Numbers[n].Amount += amount
	}
}

func (s RoundStats) Clone() RoundStats {
	c := s
	c.Colors = make(map[string]Bucket, len(s.Colors))
	for k, v := range s.Colors {
		c.Colors[k] = v
	}
	c.Sizes = make(map[string]Bucket, len(s.Sizes))
	for k, v := range s.Sizes {
		c.Sizes[k] = v
	}
	return c
}

type Wager struct {
	ID              string      `json:"id" bson:"_id"`
	UserID          string      `json:"user_id" bson:"user_id"`
	RoundID         string      `json:"round_id" bson:"round_id"`
	Period          int64       `json:"period" bson:"period"`
	Category        Category    `json:"category" bson:"category"`
	Value           string      `json:"value" bson:"value"`
	Amount          int64       `json:"amount" bson:"amount"`
	MultiplierBps   int         `json:"multiplier_bps" bson:"multiplier_bps"`
	PotentialPayout int64       `json:"potential_payout" bson:"potential_payout"`
	Status          WagerStatus `json:"status" bson:"status"`
	Payout          int64       `json:"payout" bson:"payout"`
	CreatedAt       time.Time   `json:"created_at" bson:"created_at"`
	SettledAt       *time.Time  `json:"settled_at,omitempty" bson:"settled_at,omitempty"`
}

// Multiplier is the frozen multiplier as a float, for display only.
func (w Wager) Multiplier() float64 { return float64(w.MultiplierBps) / BpsDenominator }

// CalcPayout applies a multiplier to a stake, rounding down.
func CalcPayout(amount int64, multiplierBps int) int64 {
	return amount * int64(multiplierBps) / BpsDenominator
}

type LedgerKind string

const (
	LedgerBet    LedgerKind = "bet"
	LedgerPayout LedgerKind = "payout"
)

type LedgerEntry struct {
	ID           string     `json:"id" bson:"_id"`
	UserID       string     `json:"user_id" bson:"user_id"`
	WagerID      string     `json:"wager_id,omitempty" bson:"wager_id,omitempty"`
	Kind         LedgerKind `json:"kind" bson:"kind"`
	Amount       int64      `json:"amount" bson:"amount"`
	BalanceAfter int64      `json:"balance_after" bson:"balance_after"`
	CreatedAt    time.Time  `json:"created_at" bson:"created_at"`
}

// ── API Types ────────────────────────────────────────

type CurrentRoundView struct {
	Round           *Round `json:"round"`
	TimeRemainingMs int64  `json:"time_remaining_ms"`
	BettingOpen     bool   `json:"betting_open"`
}

type Wallet struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}
