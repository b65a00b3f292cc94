// Package resolver reconciles heterogeneous position identifiers into one
// canonical record. Identifiers arrive from the paper engine, the signal
// feed, and direct brokerage ids with overlapping but not identical formats;
// the layered search order here keeps a lookup from silently resolving
// against the wrong backend.
package resolver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
	"github.com/sirupsen/logrus"
)

// Class is the outcome classification of a resolution.
type Class string

const (
	// ClassPosition means a backing position was found.
	ClassPosition Class = "position"
	// ClassOrphaned means a signal references a position that no longer
	// exists anywhere. Distinct from not-found so callers can tell the user
	// "this trade's record is gone" instead of "never heard of it".
	ClassOrphaned Class = "orphaned"
	// ClassManual means a signal exists but was never entered (no position
	// id at all: manual or watch-only).
	ClassManual Class = "manual"
	// ClassNotFound means the identifier matched nothing in any layer.
	ClassNotFound Class = "not_found"
)

// Resolution is the result of resolving one identifier.
type Resolution struct {
	Class       Class
	Position    *models.Position
	Backend     models.AccountKind
	Signal      *models.Signal
	CanonicalID string
}

// Resolver performs layered identifier resolution against the local store
// and the live brokerage.
type Resolver struct {
	storage storage.Interface
	live    broker.Broker
	logger  *logrus.Logger
}

// New creates a resolver. live may be nil when no live brokerage is
// configured; the broker layers then yield nothing.
func New(st storage.Interface, live broker.Broker, logger *logrus.Logger) *Resolver {
	return &Resolver{storage: st, live: live, logger: logger}
}

// Resolve maps an identifier of unknown origin to a position record. The
// layers run in order, each only when the previous found nothing:
//
//  1. the local position store by raw id, which covers both the
//     paper-ledger naming convention and the ids minted for broker-backed
//     entries
//  2. signal id or a signal's linked position id, resolved through local
//     store then live brokerage (open positions first, then any-status order
//     lookup); a signal whose backing position is gone everywhere is
//     reported orphaned, and a signal with no position id is manual
//  3. the raw identifier as a direct live-broker position id
func (r *Resolver) Resolve(ctx context.Context, userID, identifier string) Resolution {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Resolution{Class: ClassNotFound}
	}

	// Layer 1: the local store.
	if pos := r.storage.GetPositionByID(identifier); pos != nil {
		return Resolution{
			Class:       ClassPosition,
			Position:    pos,
			Backend:     pos.Account,
			CanonicalID: pos.ID,
		}
	}

	// Layer 2: signal by its own id, then by linked position id.
	sig := r.storage.GetSignalByID(identifier)
	if sig == nil {
		sig = r.storage.FindSignal(func(s models.Signal) bool {
			return s.UserID == userID && sameID(s.PositionID, identifier)
		})
	}
	if sig != nil && sig.UserID == userID {
		if sig.PositionID == "" {
			return Resolution{Class: ClassManual, Signal: sig, CanonicalID: sig.ID}
		}
		if res, ok := r.resolvePositionID(ctx, sig.PositionID); ok {
			res.Signal = sig
			return res
		}
		// The signal is real but its backing position is gone.
		return Resolution{Class: ClassOrphaned, Signal: sig, CanonicalID: sig.PositionID}
	}

	// Layer 3: raw live-broker position id.
	if pos, ok := r.lookupLive(ctx, identifier); ok {
		return Resolution{
			Class:       ClassPosition,
			Position:    pos,
			Backend:     models.AccountLiveBroker,
			CanonicalID: pos.ID,
		}
	}

	return Resolution{Class: ClassNotFound}
}

// resolvePositionID chases a signal's linked position id through the local
// store (paper and recorded broker positions, any status), then the live
// brokerage's open positions, and finally the brokerage's order history so a
// position the brokerage already closed still resolves.
func (r *Resolver) resolvePositionID(ctx context.Context, positionID string) (Resolution, bool) {
	if pos := r.storage.GetPositionByID(positionID); pos != nil {
		return Resolution{
			Class:       ClassPosition,
			Position:    pos,
			Backend:     pos.Account,
			CanonicalID: pos.ID,
		}, true
	}

	if pos, ok := r.lookupLive(ctx, positionID); ok {
		return Resolution{
			Class:       ClassPosition,
			Position:    pos,
			Backend:     models.AccountLiveBroker,
			CanonicalID: pos.ID,
		}, true
	}

	if pos, ok := r.lookupLiveOrder(ctx, positionID); ok {
		return Resolution{
			Class:       ClassPosition,
			Position:    pos,
			Backend:     models.AccountLiveBroker,
			CanonicalID: pos.ID,
		}, true
	}

	return Resolution{}, false
}

// lookupLive matches an identifier against the live brokerage's open
// positions and synthesizes a position record from the match. The record is
// not persisted: the brokerage stays authoritative for rows we never wrote.
func (r *Resolver) lookupLive(ctx context.Context, identifier string) (*models.Position, bool) {
	if r.live == nil {
		return nil, false
	}
	id, err := strconv.Atoi(identifier)
	if err != nil {
		return nil, false
	}

	items, err := r.live.GetPositionsCtx(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("live position lookup failed")
		return nil, false
	}

	for _, item := range items {
		if item.ID != id {
			continue
		}
		pos, err := positionFromItem(item)
		if err != nil {
			r.logger.WithError(err).WithField("symbol", item.Symbol).Warn("cannot synthesize position from broker item")
			return nil, false
		}
		return pos, true
	}
	return nil, false
}

// positionFromItem converts a brokerage position item into the canonical
// record shape. The cost basis is the full dollar outlay, so the per-contract
// entry price divides out the contract multiplier.
func positionFromItem(item broker.PositionItem) (*models.Position, error) {
	key, err := models.ParseOCCSymbol(item.Symbol)
	if err != nil {
		return nil, err
	}

	qty := int(item.Quantity)
	if qty < 1 {
		qty = 1
	}
	entry := item.CostBasis / (float64(qty) * 100)

	acquired, err := time.Parse(time.RFC3339, item.DateAcquired)
	if err != nil {
		acquired = time.Time{}
	}

	return &models.Position{
		ID:           strconv.Itoa(item.ID),
		Instrument:   key,
		Quantity:     qty,
		EntryPrice:   entry,
		EntryOrderID: item.ID,
		EntryDate:    acquired,
		Status:       models.StatusOpen,
		Account:      models.AccountLiveBroker,
	}, nil
}

// lookupLiveOrder asks the brokerage about an order id directly, regardless
// of status. Positions the brokerage already closed no longer appear in its
// open-position list but can still be reconstructed from their order.
func (r *Resolver) lookupLiveOrder(ctx context.Context, identifier string) (*models.Position, bool) {
	if r.live == nil {
		return nil, false
	}
	id, err := strconv.Atoi(identifier)
	if err != nil {
		return nil, false
	}

	status, err := r.live.GetOrderStatusCtx(ctx, id)
	if err != nil {
		r.logger.WithError(err).WithField("order", id).Debug("live order lookup found nothing")
		return nil, false
	}
	if status == nil || status.Order.ID == 0 {
		return nil, false
	}

	pos, err := positionFromOrder(status)
	if err != nil {
		r.logger.WithError(err).WithField("order", id).Warn("cannot synthesize position from broker order")
		return nil, false
	}
	return pos, true
}

// positionFromOrder reconstructs a position record from a brokerage order.
// Only an executed order describes a position: a sell_to_close fill yields
// the closed record, anything else an open one.
func positionFromOrder(status *broker.OrderResponse) (*models.Position, error) {
	order := status.Order
	if order.ExecQuantity <= 0 || order.AvgFillPrice <= 0 {
		return nil, fmt.Errorf("order %d never executed (status %q)", order.ID, order.Status)
	}
	key, err := models.ParseOCCSymbol(order.OptionSymbol)
	if err != nil {
		return nil, err
	}

	qty := int(order.ExecQuantity)
	if qty < 1 {
		qty = 1
	}

	pos := &models.Position{
		ID:         strconv.Itoa(order.ID),
		Instrument: key,
		Quantity:   qty,
		EntryPrice: order.AvgFillPrice,
		Status:     models.StatusOpen,
		Account:    models.AccountLiveBroker,
	}
	if order.Side == string(broker.SideSellToClose) {
		pos.Status = models.StatusClosed
		pos.ExitPrice = order.AvgFillPrice
		pos.ExitOrderID = order.ID
		pos.ExitDate = parseBrokerTime(order.TransactionDate)
	} else {
		pos.EntryOrderID = order.ID
		pos.EntryDate = parseBrokerTime(order.CreateDate)
	}
	return pos, nil
}

// parseBrokerTime falls back to now when the brokerage omits a timestamp, so
// the reconstructed record still validates.
func parseBrokerTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// sameID compares identifiers exactly, then numerically, since position ids
// cross the wire both as strings and as numbers.
func sameID(a, b string) bool {
	if a == "" || b == "" {
		return a == b
	}
	if a == b {
		return true
	}
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	return aerr == nil && berr == nil && ai == bi
}
