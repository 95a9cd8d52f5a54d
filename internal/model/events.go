package model

import "time"

// EventVersion is bumped whenever a payload below changes shape.
const EventVersion = 1

const (
	EventRoundOpened = "round_opened"
	EventBetPlaced   = "bet_placed"
	EventRoundClosed = "round_closed"
	EventStatusTick  = "status_tick"
)

// Event is one broadcast notification.
type Event struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Data    any    `json:"data"`
}

func NewEvent(typ string, data any) Event {
	return Event{Type: typ, Version: EventVersion, Data: data}
}

type RoundOpenedData struct {
	Period    int64     `json:"period"`
	RoundID   string    `json:"round_id"`
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Duration  int64     `json:"duration"` // seconds
}

type BetPlacedData struct {
	Period   int64      `json:"period"`
	Category Category   `json:"category"`
	Value    string     `json:"value"`
	Amount   int64      `json:"amount"`
	Totals   RoundStats `json:"totals"`
}

type RoundClosedData struct {
	Period      int64   `json:"period"`
	RoundID     string  `json:"round_id"`
	Outcome     Outcome `json:"outcome"`
	Settled     int     `json:"settled"`
	Winners     int     `json:"winners"`
	TotalPayout int64   `json:"total_payout"`
	Unsettled   int     `json:"unsettled,omitempty"`
}

type StatusTickData struct {
	Period          int64      `json:"period"`
	TimeRemainingMs int64      `json:"time_remaining_ms"`
	BettingOpen     bool       `json:"betting_open"`
	Totals          RoundStats `json:"totals"`
}
