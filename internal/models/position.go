package models

import (
	"fmt"
	"time"
)

const sharesPerContract = 100.0

// AccountKind identifies which execution backend owns a position.
type AccountKind string

const (
	// AccountPaperInternal is the in-process paper-trading ledger.
	AccountPaperInternal AccountKind = "paper-internal"
	// AccountPaperBroker is the brokerage's sandbox environment.
	AccountPaperBroker AccountKind = "paper-broker"
	// AccountLiveBroker is the live brokerage account.
	AccountLiveBroker AccountKind = "live-broker"
)

// Valid returns true if the AccountKind is one of the defined constants.
func (k AccountKind) Valid() bool {
	switch k {
	case AccountPaperInternal, AccountPaperBroker, AccountLiveBroker:
		return true
	default:
		return false
	}
}

// PositionStatus is the lifecycle status of a position. Positions are
// created only on a confirmed entry fill and are closed, never deleted.
type PositionStatus string

const (
	// StatusOpen marks a live position.
	StatusOpen PositionStatus = "open"
	// StatusClosed marks a position whose exit has completed.
	StatusClosed PositionStatus = "closed"
)

// Position is the canonical trade record. Rows are created atomically with a
// confirmed entry fill (there is no "pending" state) and mutated only by the
// execution engine when an exit fills.
type Position struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Instrument   InstrumentKey  `json:"instrument"`
	Quantity     int            `json:"quantity"`
	EntryPrice   float64        `json:"entry_price"`
	EntryOrderID int            `json:"entry_order_id"`
	EntryDate    time.Time      `json:"entry_date"`
	Status       PositionStatus `json:"status"`
	ExitPrice    float64        `json:"exit_price,omitempty"`
	ExitOrderID  int            `json:"exit_order_id,omitempty"`
	ExitDate     time.Time      `json:"exit_date,omitempty"`
	// ExitEstimated is set when the exit price came from a quote mid rather
	// than a broker-reported fill.
	ExitEstimated bool        `json:"exit_estimated,omitempty"`
	Account       AccountKind `json:"account"`
}

// IsOpen reports whether the position is still live.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// RealizedPnL returns the dollar P&L of a closed position:
// (exitPrice - entryPrice) * quantity * 100.
func (p *Position) RealizedPnL() float64 {
	return (p.ExitPrice - p.EntryPrice) * float64(p.Quantity) * sharesPerContract
}

// UnrealizedPnLPercent returns the percent move of price against the entry
// price. Returns 0 when the entry price is unknown.
func (p *Position) UnrealizedPnLPercent(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// Validate checks structural consistency of the record.
func (p *Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("position missing id")
	}
	if err := p.Instrument.Validate(); err != nil {
		return fmt.Errorf("position %s: %w", p.ID, err)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position %s: quantity must be > 0 (got %d)", p.ID, p.Quantity)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("position %s: entry price must be > 0 (got %.4f)", p.ID, p.EntryPrice)
	}
	if !p.Account.Valid() {
		return fmt.Errorf("position %s: invalid account kind %q", p.ID, p.Account)
	}
	switch p.Status {
	case StatusOpen:
		if !p.ExitDate.IsZero() || p.ExitOrderID != 0 {
			return fmt.Errorf("position %s: open positions must not carry exit data", p.ID)
		}
	case StatusClosed:
		if p.ExitDate.IsZero() {
			return fmt.Errorf("position %s: closed positions must carry an exit date", p.ID)
		}
	default:
		return fmt.Errorf("position %s: invalid status %q", p.ID, p.Status)
	}
	return nil
}

// Signal is an upstream trade idea or manual entry. A signal may exist with
// no backing position (watch-only, or never entered); PositionID is the join
// key the resolver uses.
type Signal struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	PositionID string        `json:"position_id,omitempty"`
	Instrument InstrumentKey `json:"instrument"`
	IsManual   bool          `json:"is_manual"`
	WatchOnly  bool          `json:"watch_only"`
	CreatedAt  time.Time     `json:"created_at"`
}

// TrackedContract is the persisted record of a feed subscription. Untracking
// clears Active rather than deleting the row, preserving audit history.
// At most one active record exists per instrument key.
type TrackedContract struct {
	Instrument InstrumentKey `json:"instrument"`
	AddedAt    time.Time     `json:"added_at"`
	Active     bool          `json:"active"`
}

// Quote is the transient latest-quote record for an instrument, overwritten
// in place on every feed update. Quotes are never persisted in the hot path.
type Quote struct {
	Instrument InstrumentKey `json:"instrument"`
	Bid        float64       `json:"bid"`
	Ask        float64       `json:"ask"`
	BidSize    int           `json:"bid_size"`
	AskSize    int           `json:"ask_size"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Mid returns the bid/ask midpoint, the estimate used when no fill price is
// available. Falls back to whichever side is present when the book is
// one-sided.
func (q Quote) Mid() float64 {
	switch {
	case q.Bid > 0 && q.Ask > 0:
		return (q.Bid + q.Ask) / 2
	case q.Ask > 0:
		return q.Ask
	default:
		return q.Bid
	}
}
