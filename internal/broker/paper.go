package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// QuoteFunc supplies a reference price for a symbol. Returning false means no
// price is currently known.
type QuoteFunc func(symbol string) (float64, bool)

// PaperLedger is an in-process Broker used for internal paper accounts. Orders
// fill immediately and deterministically: limit orders at their limit price,
// market orders at the reference price from the injected quote source. No
// network is involved.
type PaperLedger struct {
	mu        sync.Mutex
	cash      float64
	quoteFn   QuoteFunc
	nextID    int
	orders    map[int]*OrderResponse
	positions map[string]*PositionItem
}

// NewPaperLedger creates a paper ledger with a starting cash balance. quoteFn
// may be nil, in which case market orders are rejected for lack of a price.
func NewPaperLedger(startingCash float64, quoteFn QuoteFunc) *PaperLedger {
	return &PaperLedger{
		cash:      startingCash,
		quoteFn:   quoteFn,
		nextID:    1,
		orders:    make(map[int]*OrderResponse),
		positions: make(map[string]*PositionItem),
	}
}

// Kind reports the internal paper account kind.
func (p *PaperLedger) Kind() models.AccountKind {
	return models.AccountPaperInternal
}

// GetAccountBalance returns the ledger's cash balance.
func (p *PaperLedger) GetAccountBalance() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// GetPositions returns the ledger's open positions.
func (p *PaperLedger) GetPositions() ([]PositionItem, error) {
	return p.GetPositionsCtx(context.Background())
}

// GetPositionsCtx returns the ledger's open positions.
func (p *PaperLedger) GetPositionsCtx(_ context.Context) ([]PositionItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PositionItem, 0, len(p.positions))
	for _, item := range p.positions {
		out = append(out, *item)
	}
	return out, nil
}

// GetQuote returns a synthetic quote built from the injected price source.
func (p *PaperLedger) GetQuote(symbol string) (*QuoteItem, error) {
	price, ok := p.refPrice(symbol)
	if !ok {
		return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
	}
	return &QuoteItem{
		Symbol: symbol,
		Bid:    price,
		Ask:    price,
		Last:   price,
	}, nil
}

// PlaceOrder fills the order immediately and updates the ledger. A market
// order with no known reference price is rejected the way the brokerage
// rejects an unpriceable order, so callers see the same error shape.
func (p *PaperLedger) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var fillPrice float64
	switch req.Type {
	case OrderLimit:
		fillPrice = req.LimitPrice
	case OrderMarket:
		price, ok := p.refPrice(req.OptionSymbol)
		if !ok {
			return nil, &APIError{
				Status: http.StatusUnprocessableEntity,
				Body:   fmt.Sprintf("no reference price for %s", req.OptionSymbol),
			}
		}
		fillPrice = price
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Side == SideSellToClose {
		item, ok := p.positions[req.OptionSymbol]
		if !ok || item.Quantity < float64(req.Quantity) {
			return nil, &APIError{
				Status: http.StatusUnprocessableEntity,
				Body:   fmt.Sprintf("insufficient position in %s", req.OptionSymbol),
			}
		}
	}

	id := p.nextID
	p.nextID++

	order := &OrderResponse{}
	order.Order.ID = id
	order.Order.Status = "filled"
	order.Order.Symbol = req.Underlying
	order.Order.OptionSymbol = req.OptionSymbol
	order.Order.Side = string(req.Side)
	order.Order.Type = string(req.Type)
	order.Order.Duration = req.Duration
	order.Order.Price = req.LimitPrice
	order.Order.AvgFillPrice = fillPrice
	order.Order.LastFillPrice = fillPrice
	order.Order.Quantity = float64(req.Quantity)
	order.Order.ExecQuantity = float64(req.Quantity)
	order.Order.RemainingQuantity = 0
	now := time.Now().UTC().Format(time.RFC3339)
	order.Order.CreateDate = now
	order.Order.TransactionDate = now
	p.orders[id] = order

	notional := fillPrice * float64(req.Quantity) * 100
	switch req.Side {
	case SideBuyToOpen:
		p.cash -= notional
		item, ok := p.positions[req.OptionSymbol]
		if !ok {
			item = &PositionItem{
				ID:           id,
				Symbol:       req.OptionSymbol,
				DateAcquired: now,
			}
			p.positions[req.OptionSymbol] = item
		}
		item.Quantity += float64(req.Quantity)
		item.CostBasis += notional
	case SideSellToClose:
		p.cash += notional
		item := p.positions[req.OptionSymbol]
		perContract := item.CostBasis / item.Quantity
		item.Quantity -= float64(req.Quantity)
		item.CostBasis -= perContract * float64(req.Quantity)
		if item.Quantity <= 0 {
			delete(p.positions, req.OptionSymbol)
		}
	}

	result := *order
	return &result, nil
}

// GetOrderStatusCtx returns the recorded order. Paper orders never change
// state after placement.
func (p *PaperLedger) GetOrderStatusCtx(_ context.Context, orderID int) (*OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, &APIError{Status: http.StatusNotFound, Body: fmt.Sprintf("order %d not found", orderID)}
	}
	result := *order
	return &result, nil
}

// CancelOrder is always a no-op success: paper orders fill at placement, so by
// the time anyone cancels there is nothing left working.
func (p *PaperLedger) CancelOrder(_ context.Context, _ int) error {
	return nil
}

func (p *PaperLedger) refPrice(symbol string) (float64, bool) {
	if p.quoteFn == nil {
		return 0, false
	}
	return p.quoteFn(symbol)
}
