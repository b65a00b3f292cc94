// Package models provides the data structures shared by the streaming,
// execution, and resolution subsystems.
package models

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Right identifies the option right of a contract.
type Right string

const (
	// RightCall represents a call option contract
	RightCall Right = "call"
	// RightPut represents a put option contract
	RightPut Right = "put"
)

// Valid returns true if the Right is one of the defined constants.
func (r Right) Valid() bool {
	return r == RightCall || r == RightPut
}

// expirationLayout is the canonical expiration date form used everywhere
// inside the system. Broker symbols and feed messages convert at the edges.
const expirationLayout = "2006-01-02"

// strikeScale is the implied-decimal scale used by both the brokerage symbol
// format and the feed's contract description (strike * 1000).
const strikeScale = 1000.0

// InstrumentKey uniquely identifies a stock or a specific option contract.
// Stocks carry only Root; options carry all four fields. Keys are value
// types: equality is by value and a key is never mutated after creation.
type InstrumentKey struct {
	Root       string  `json:"root"`
	Expiration string  `json:"expiration,omitempty"` // canonical YYYY-MM-DD
	Strike     float64 `json:"strike,omitempty"`
	Right      Right   `json:"right,omitempty"`
}

// StockKey builds the instrument key for an underlying stock.
func StockKey(root string) InstrumentKey {
	return InstrumentKey{Root: root}
}

// OptionKey builds the instrument key for an option contract.
// Expiration must be in canonical YYYY-MM-DD form.
func OptionKey(root, expiration string, strike float64, right Right) InstrumentKey {
	return InstrumentKey{Root: root, Expiration: expiration, Strike: strike, Right: right}
}

// IsOption returns true when the key identifies an option contract rather
// than a bare underlying.
func (k InstrumentKey) IsOption() bool {
	return k.Expiration != "" && k.Right != ""
}

// Underlying returns the stock key for this instrument's root.
func (k InstrumentKey) Underlying() InstrumentKey {
	return StockKey(k.Root)
}

// Key returns the canonical string form used as the subscription and storage
// key: the root for stocks, the OCC-style symbol for options.
func (k InstrumentKey) Key() string {
	if !k.IsOption() {
		return k.Root
	}
	sym, err := k.OCCSymbol()
	if err != nil {
		// Unrepresentable keys still need a stable map key.
		return fmt.Sprintf("%s|%s|%g|%s", k.Root, k.Expiration, k.Strike, k.Right)
	}
	return sym
}

// Validate checks structural consistency of the key.
func (k InstrumentKey) Validate() error {
	if k.Root == "" {
		return fmt.Errorf("instrument key missing root")
	}
	if !k.IsOption() {
		if k.Expiration != "" || k.Strike != 0 || k.Right != "" {
			return fmt.Errorf("partial option fields on stock key %q", k.Root)
		}
		return nil
	}
	if !k.Right.Valid() {
		return fmt.Errorf("invalid right %q for %s", k.Right, k.Root)
	}
	if k.Strike <= 0 {
		return fmt.Errorf("invalid strike %.3f for %s", k.Strike, k.Root)
	}
	if _, err := time.Parse(expirationLayout, k.Expiration); err != nil {
		return fmt.Errorf("invalid expiration %q for %s: %w", k.Expiration, k.Root, err)
	}
	return nil
}

// OCCSymbol composes the brokerage's option symbol:
// ROOT + YYMMDD + C|P + strike*1000 zero-padded to 8 digits.
// Example: SPY 2024-03-15 610 call -> SPY240315C00610000.
func (k InstrumentKey) OCCSymbol() (string, error) {
	if !k.IsOption() {
		return "", fmt.Errorf("stock key %q has no option symbol", k.Root)
	}
	exp, err := time.Parse(expirationLayout, k.Expiration)
	if err != nil {
		return "", fmt.Errorf("invalid expiration %q: %w", k.Expiration, err)
	}
	var right byte
	switch k.Right {
	case RightCall:
		right = 'C'
	case RightPut:
		right = 'P'
	default:
		return "", fmt.Errorf("invalid right %q", k.Right)
	}
	strikeInt := int64(math.Round(k.Strike * strikeScale))
	if strikeInt <= 0 || strikeInt > 99999999 {
		return "", fmt.Errorf("strike %.3f out of symbol range", k.Strike)
	}
	return fmt.Sprintf("%s%s%c%08d", k.Root, exp.Format("060102"), right, strikeInt), nil
}

// ParseOCCSymbol decodes a brokerage option symbol back into an instrument
// key. The right character sits at a fixed offset from the end: the last 8
// characters are the scaled strike, preceded by C or P, preceded by a
// 6-digit YYMMDD expiration. Everything before that is the root.
func ParseOCCSymbol(symbol string) (InstrumentKey, error) {
	if len(symbol) < 16 {
		return InstrumentKey{}, fmt.Errorf("option symbol too short: %q", symbol)
	}
	strikeStr := symbol[len(symbol)-8:]
	strikeInt, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return InstrumentKey{}, fmt.Errorf("invalid strike in symbol %q: %w", symbol, err)
	}

	var right Right
	switch symbol[len(symbol)-9] {
	case 'C':
		right = RightCall
	case 'P':
		right = RightPut
	default:
		return InstrumentKey{}, fmt.Errorf("no option right (C/P) in symbol %q", symbol)
	}

	dateStr := symbol[len(symbol)-15 : len(symbol)-9]
	exp, err := time.Parse("060102", dateStr)
	if err != nil {
		return InstrumentKey{}, fmt.Errorf("invalid expiration in symbol %q: %w", symbol, err)
	}

	root := symbol[:len(symbol)-15]
	if root == "" {
		return InstrumentKey{}, fmt.Errorf("missing root in symbol %q", symbol)
	}

	return InstrumentKey{
		Root:       root,
		Expiration: exp.Format(expirationLayout),
		Strike:     float64(strikeInt) / strikeScale,
		Right:      right,
	}, nil
}

// StrikeFromFeed decodes the feed's integer strike encoding (three implied
// decimal places) into a decimal strike.
func StrikeFromFeed(scaled int64) float64 {
	return float64(scaled) / strikeScale
}

// StrikeToFeed encodes a decimal strike for outbound subscribe requests.
func StrikeToFeed(strike float64) int64 {
	return int64(math.Round(strike * strikeScale))
}

// ExpirationFromFeed normalizes the feed's YYYYMMDD integer representation
// to the canonical YYYY-MM-DD string.
func ExpirationFromFeed(yyyymmdd int) (string, error) {
	t, err := time.Parse("20060102", fmt.Sprintf("%08d", yyyymmdd))
	if err != nil {
		return "", fmt.Errorf("invalid feed expiration %d: %w", yyyymmdd, err)
	}
	return t.Format(expirationLayout), nil
}

// ExpirationToFeed converts a canonical expiration to the feed's YYYYMMDD
// integer representation.
func ExpirationToFeed(expiration string) (int, error) {
	t, err := time.Parse(expirationLayout, expiration)
	if err != nil {
		return 0, fmt.Errorf("invalid expiration %q: %w", expiration, err)
	}
	n, err := strconv.Atoi(t.Format("20060102"))
	if err != nil {
		return 0, err
	}
	return n, nil
}
