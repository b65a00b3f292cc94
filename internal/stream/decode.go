package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// Wire representations for the feed protocol. Options carry a full contract
// description on every message; the decoder derives the instrument key from
// that description, never from the subscription that caused it.

const (
	securityStock  = "STOCK"
	securityOption = "OPTION"

	rightCallWire = "CALL"
	rightPutWire  = "PUT"

	msgQuote = "quote"
)

// contractDesc is the feed's option contract description. Strike is an
// integer with three implied decimal places; expiration is a YYYYMMDD
// integer.
type contractDesc struct {
	Root       string `json:"root"`
	Expiration int    `json:"expiration"`
	Strike     int64  `json:"strike"`
	Right      string `json:"right"`
}

// feedCommand is an outbound subscribe/unsubscribe request.
type feedCommand struct {
	Type         string        `json:"type"` // subscribe | unsubscribe
	SecurityType string        `json:"security_type"`
	Symbol       string        `json:"symbol,omitempty"`
	Contract     *contractDesc `json:"contract,omitempty"`
}

// feedMessage is an inbound feed message envelope.
type feedMessage struct {
	Type         string        `json:"type"`
	SecurityType string        `json:"security_type"`
	Symbol       string        `json:"symbol,omitempty"`
	Contract     *contractDesc `json:"contract,omitempty"`
	Bid          float64       `json:"bid"`
	Ask          float64       `json:"ask"`
	BidSize      int           `json:"bid_size"`
	AskSize      int           `json:"ask_size"`
}

// subscribeCommand builds the outbound request for an instrument.
func subscribeCommand(key models.InstrumentKey, subscribe bool) (feedCommand, error) {
	cmdType := "subscribe"
	if !subscribe {
		cmdType = "unsubscribe"
	}

	if !key.IsOption() {
		return feedCommand{
			Type:         cmdType,
			SecurityType: securityStock,
			Symbol:       key.Root,
		}, nil
	}

	exp, err := models.ExpirationToFeed(key.Expiration)
	if err != nil {
		return feedCommand{}, err
	}
	right := rightCallWire
	if key.Right == models.RightPut {
		right = rightPutWire
	}
	return feedCommand{
		Type:         cmdType,
		SecurityType: securityOption,
		Contract: &contractDesc{
			Root:       key.Root,
			Expiration: exp,
			Strike:     models.StrikeToFeed(key.Strike),
			Right:      right,
		},
	}, nil
}

// keyFromContract normalizes a feed contract description into the canonical
// instrument key form used everywhere else.
func keyFromContract(c contractDesc) (models.InstrumentKey, error) {
	if c.Root == "" {
		return models.InstrumentKey{}, fmt.Errorf("contract missing root")
	}

	var right models.Right
	switch c.Right {
	case rightCallWire:
		right = models.RightCall
	case rightPutWire:
		right = models.RightPut
	default:
		return models.InstrumentKey{}, fmt.Errorf("unknown right %q for %s", c.Right, c.Root)
	}

	exp, err := models.ExpirationFromFeed(c.Expiration)
	if err != nil {
		return models.InstrumentKey{}, err
	}

	return models.OptionKey(c.Root, exp, models.StrikeFromFeed(c.Strike), right), nil
}

// decodeQuote parses a raw feed message into a Quote. Non-quote messages
// return ok=false without error so the read loop can skip heartbeats and
// acks.
func decodeQuote(raw []byte) (models.Quote, bool, error) {
	var msg feedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.Quote{}, false, fmt.Errorf("unparseable feed message: %w", err)
	}
	if msg.Type != msgQuote {
		return models.Quote{}, false, nil
	}

	var key models.InstrumentKey
	switch msg.SecurityType {
	case securityStock:
		if msg.Symbol == "" {
			return models.Quote{}, false, fmt.Errorf("stock quote missing symbol")
		}
		key = models.StockKey(msg.Symbol)
	case securityOption:
		if msg.Contract == nil {
			return models.Quote{}, false, fmt.Errorf("option quote missing contract description")
		}
		k, err := keyFromContract(*msg.Contract)
		if err != nil {
			return models.Quote{}, false, err
		}
		key = k
	default:
		return models.Quote{}, false, fmt.Errorf("unknown security type %q", msg.SecurityType)
	}

	return models.Quote{
		Instrument: key,
		Bid:        msg.Bid,
		Ask:        msg.Ask,
		BidSize:    msg.BidSize,
		AskSize:    msg.AskSize,
		UpdatedAt:  time.Now().UTC(),
	}, true, nil
}
