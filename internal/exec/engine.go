// Package exec places entry and exit orders against a brokerage backend and
// confirms their fills by polling. Positions exist only after a confirmed
// entry fill; exit prices come from the broker whenever possible and are
// flagged as estimates when they don't.
package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/retry"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
	"github.com/eddiefleurent/schrute_scalper/internal/util"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrExecutionInFlight is returned when a second enter or exit is requested
// for a position that already has one running.
var ErrExecutionInFlight = errors.New("execution already in flight")

// Direction is the side of an entry. Only long entries are supported; the
// engine buys to open and sells to close.
type Direction string

// DirectionLong opens a long option position.
const DirectionLong Direction = "long"

// ExitMode selects the exit pricing strategy.
type ExitMode string

const (
	// ExitGuaranteed submits a market sell immediately.
	ExitGuaranteed ExitMode = "guaranteed"
	// ExitAdaptive works limit orders that chase the mid before escalating
	// to a market sell. Only valid for live accounts with a current mid;
	// otherwise it downgrades to guaranteed.
	ExitAdaptive ExitMode = "adaptive"
)

// Config contains execution engine tuning.
type Config struct {
	PollInterval      time.Duration // fill-confirmation poll spacing
	PollAttempts      int           // polls per order before declaring non-fill
	EntryRetries      int           // cancel-and-resubmit cycles after the first entry order
	AdaptiveAttempts  int           // limit orders worked before the market fallback
	AdaptiveWait      time.Duration // how long each limit order gets to fill
	AdaptiveDecrement float64       // price concession when the market is frozen
	MinTick           float64       // minimum price increment
	GuaranteeAfter    time.Duration // elapsed time before a falling market forces escalation
	CallTimeout       time.Duration // per-brokerage-call timeout
	SlippageReserve   float64       // sizing headroom multiplier
}

// DefaultConfig is the default execution configuration.
var DefaultConfig = Config{
	PollInterval:      2 * time.Second,
	PollAttempts:      10,
	EntryRetries:      2,
	AdaptiveAttempts:  4,
	AdaptiveWait:      15 * time.Second,
	AdaptiveDecrement: 0.05,
	MinTick:           0.01,
	GuaranteeAfter:    45 * time.Second,
	CallTimeout:       5 * time.Second,
	SlippageReserve:   1.02,
}

// QuoteSource is the streaming manager surface the engine needs: latest
// prices for exit estimation, and auto-subscribe on entry fills.
type QuoteSource interface {
	LatestQuote(key models.InstrumentKey) (models.Quote, bool)
	Track(key models.InstrumentKey) (bool, error)
}

// ExitResult is the outcome of a completed exit. FinalPhase is the terminal
// phase of the order that settled the exit: filled for a broker-confirmed
// close, estimated when polling exhausted and the quote mid was used.
type ExitResult struct {
	Position   *models.Position
	ExitPrice  float64
	Estimated  bool
	PnL        float64
	FinalPhase OrderPhase
}

// Engine executes entries and exits. At most one execution runs per position
// at a time.
type Engine struct {
	broker  broker.Broker
	storage storage.Interface
	quotes  QuoteSource
	logger  *logrus.Logger
	cfg     Config

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewEngine creates an execution engine. quotes may be nil, in which case
// auto-subscribe is skipped and exit estimation uses REST quotes only.
func NewEngine(b broker.Broker, st storage.Interface, quotes QuoteSource, logger *logrus.Logger, config ...Config) *Engine {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultConfig.PollAttempts
	}
	if cfg.EntryRetries < 0 {
		cfg.EntryRetries = DefaultConfig.EntryRetries
	}
	if cfg.AdaptiveAttempts <= 0 {
		cfg.AdaptiveAttempts = DefaultConfig.AdaptiveAttempts
	}
	if cfg.AdaptiveWait <= 0 {
		cfg.AdaptiveWait = DefaultConfig.AdaptiveWait
	}
	if cfg.AdaptiveDecrement <= 0 {
		cfg.AdaptiveDecrement = DefaultConfig.AdaptiveDecrement
	}
	if cfg.MinTick <= 0 {
		cfg.MinTick = DefaultConfig.MinTick
	}
	if cfg.GuaranteeAfter <= 0 {
		cfg.GuaranteeAfter = DefaultConfig.GuaranteeAfter
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.SlippageReserve <= 1 {
		cfg.SlippageReserve = DefaultConfig.SlippageReserve
	}

	if b == nil {
		panic("exec.NewEngine: broker must not be nil")
	}
	if st == nil {
		panic("exec.NewEngine: storage must not be nil")
	}

	return &Engine{
		broker:   b,
		storage:  st,
		quotes:   quotes,
		logger:   logger,
		cfg:      cfg,
		inFlight: make(map[string]struct{}),
	}
}

// ComputeQuantity sizes an entry: floor(cashBudget / (price * 100 * reserve)),
// with a one-contract floor. reserve holds headroom for slippage.
func ComputeQuantity(cashBudget, referencePrice, reserve float64) int {
	qty := int(math.Floor(cashBudget / (referencePrice * 100 * reserve)))
	if qty < 1 {
		qty = 1
	}
	return qty
}

// Enter buys into a new position. The flow is: size from the cash budget,
// submit a market buy, poll for the fill, and cancel-and-resubmit when the
// fill doesn't confirm in time. The broker-reported average fill price is the
// authoritative entry price; the pre-trade reference is used only for sizing.
// No position row exists until a fill is confirmed.
func (e *Engine) Enter(ctx context.Context, userID string, key models.InstrumentKey, direction Direction, cashBudget, referencePrice float64) (*models.Position, error) {
	if direction != DirectionLong {
		return nil, fmt.Errorf("unsupported direction %q", direction)
	}
	if !key.IsOption() {
		return nil, fmt.Errorf("entries require an option contract, got stock %q", key.Root)
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if cashBudget <= 0 {
		return nil, fmt.Errorf("invalid cash budget %.2f", cashBudget)
	}
	if referencePrice <= 0 {
		return nil, fmt.Errorf("invalid reference price %.4f", referencePrice)
	}

	occ, err := key.OCCSymbol()
	if err != nil {
		return nil, err
	}

	flightKey := "enter:" + userID + ":" + occ
	if err := e.acquire(flightKey); err != nil {
		return nil, err
	}
	defer e.release(flightKey)

	qty := ComputeQuantity(cashBudget, referencePrice, e.cfg.SlippageReserve)
	e.logger.WithFields(logrus.Fields{
		"user":     userID,
		"symbol":   occ,
		"quantity": qty,
		"budget":   cashBudget,
	}).Info("submitting entry")

	req := broker.OrderRequest{
		OptionSymbol: occ,
		Underlying:   key.Root,
		Quantity:     qty,
		Side:         broker.SideBuyToOpen,
		Type:         broker.OrderMarket,
		Tag:          "entry",
	}

	submissions := e.cfg.EntryRetries + 1
	for attempt := 0; attempt < submissions; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := e.placeOrder(ctx, req)
		if err != nil {
			// Rejections and persistent placement failures surface as-is;
			// they don't consume fill-timeout retries.
			return nil, fmt.Errorf("entry order for %s: %w", occ, err)
		}

		tracker := NewOrderTracker(resp.Order.ID)
		price, filled, ferr := e.awaitFill(ctx, resp.Order.ID)
		if ferr != nil {
			e.markPhase(tracker, PhaseRejected, "order_rejected")
			return nil, fmt.Errorf("entry order %d for %s: %w", resp.Order.ID, occ, ferr)
		}
		if filled {
			e.markPhase(tracker, PhaseFilled, "fill_confirmed")
			pos := &models.Position{
				ID:           newPositionID(e.broker.Kind()),
				UserID:       userID,
				Instrument:   key,
				Quantity:     qty,
				EntryPrice:   price,
				EntryOrderID: resp.Order.ID,
				EntryDate:    time.Now().UTC(),
				Status:       models.StatusOpen,
				Account:      e.broker.Kind(),
			}
			if err := e.storage.CreatePosition(pos); err != nil {
				return nil, fmt.Errorf("persisting filled entry %d: %w", resp.Order.ID, err)
			}

			if e.quotes != nil {
				if _, err := e.quotes.Track(key); err != nil {
					e.logger.WithError(err).WithField("symbol", occ).Warn("auto-subscribe after entry failed")
				}
			}

			e.logger.WithFields(logrus.Fields{
				"position":   pos.ID,
				"fill_price": price,
				"order":      resp.Order.ID,
			}).Info("entry filled")
			return pos, nil
		}

		e.markPhase(tracker, PhaseCanceled, "fill_timeout")
		e.cancelQuietly(ctx, resp.Order.ID)
		e.logger.WithFields(logrus.Fields{
			"order":   resp.Order.ID,
			"attempt": attempt + 1,
		}).Warn("entry order unfilled, resubmitting")
	}

	return nil, fmt.Errorf("entry for %s not filled after %d submissions", occ, submissions)
}

// Exit closes an open position. Guaranteed mode sells at market immediately;
// adaptive mode works limit orders first. Both converge on the same fill
// loop. When no fill confirms, the position still closes at the quote mid,
// flagged as estimated; the fill status itself is never fabricated.
func (e *Engine) Exit(ctx context.Context, positionID string, mode ExitMode) (*ExitResult, error) {
	pos := e.storage.GetPositionByID(positionID)
	if pos == nil {
		return nil, fmt.Errorf("position %s: %w", positionID, storage.ErrNotFound)
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("position %s is already closed", positionID)
	}

	flightKey := "position:" + positionID
	if err := e.acquire(flightKey); err != nil {
		return nil, err
	}
	defer e.release(flightKey)

	occ, err := pos.Instrument.OCCSymbol()
	if err != nil {
		return nil, err
	}

	mid, haveMid := e.currentMid(pos.Instrument)
	if mode == ExitAdaptive && (pos.Account != models.AccountLiveBroker || !haveMid) {
		e.logger.WithFields(logrus.Fields{
			"position": positionID,
			"account":  pos.Account,
			"have_mid": haveMid,
		}).Info("downgrading adaptive exit to guaranteed")
		mode = ExitGuaranteed
	}

	var tracker *OrderTracker
	var fillPrice float64
	var filled bool

	if mode == ExitAdaptive {
		tracker, fillPrice, filled, err = e.adaptiveExit(ctx, pos, occ, mid)
		if err != nil {
			return nil, err
		}
	}
	if !filled {
		tracker, fillPrice, filled, err = e.marketExit(ctx, pos, occ)
		if err != nil {
			return nil, err
		}
	}

	estimated := false
	if !filled {
		m, ok := e.currentMid(pos.Instrument)
		if !ok {
			return nil, fmt.Errorf("exit for %s unconfirmed and no quote to estimate from", positionID)
		}
		fillPrice = m
		estimated = true
		e.markPhase(tracker, PhaseEstimated, "poll_exhausted")
		e.logger.WithFields(logrus.Fields{
			"position": positionID,
			"estimate": m,
		}).Warn("exit fill unconfirmed, closing at estimated quote mid")
	}

	pos.Status = models.StatusClosed
	pos.ExitPrice = fillPrice
	pos.ExitOrderID = tracker.OrderID
	pos.ExitDate = time.Now().UTC()
	pos.ExitEstimated = estimated
	if err := e.storage.UpdatePosition(pos); err != nil {
		return nil, fmt.Errorf("persisting exit for %s: %w", positionID, err)
	}

	result := &ExitResult{
		Position:   pos,
		ExitPrice:  fillPrice,
		Estimated:  estimated,
		PnL:        pos.RealizedPnL(),
		FinalPhase: tracker.Phase,
	}
	e.logger.WithFields(logrus.Fields{
		"position":      positionID,
		"exit_price":    fillPrice,
		"final_phase":   tracker.Phase,
		"phase_changes": len(tracker.History),
		"pnl":           result.PnL,
	}).Info("position closed")
	return result, nil
}

// marketExit submits a market sell and waits for its fill.
func (e *Engine) marketExit(ctx context.Context, pos *models.Position, occ string) (*OrderTracker, float64, bool, error) {
	req := broker.OrderRequest{
		OptionSymbol: occ,
		Underlying:   pos.Instrument.Root,
		Quantity:     pos.Quantity,
		Side:         broker.SideSellToClose,
		Type:         broker.OrderMarket,
		Tag:          "exit",
	}
	resp, err := e.placeOrder(ctx, req)
	if err != nil {
		return nil, 0, false, fmt.Errorf("exit order for %s: %w", occ, err)
	}

	tracker := NewOrderTracker(resp.Order.ID)
	price, filled, ferr := e.awaitFill(ctx, resp.Order.ID)
	if ferr != nil {
		e.markPhase(tracker, PhaseRejected, "order_rejected")
		return tracker, 0, false, fmt.Errorf("exit order %d for %s: %w", resp.Order.ID, occ, ferr)
	}
	if filled {
		e.markPhase(tracker, PhaseFilled, "fill_confirmed")
	}
	return tracker, price, filled, nil
}

// adaptiveExit works limit orders that chase the mid. Each attempt refreshes
// the quote: a market that moved at least a tick gets a limit at the new mid,
// a frozen market gets the previous limit minus a fixed concession. Once the
// guarantee window elapses with the price below where it started, limits are
// abandoned for the market fallback regardless of attempts remaining.
func (e *Engine) adaptiveExit(ctx context.Context, pos *models.Position, occ string, startMid float64) (*OrderTracker, float64, bool, error) {
	start := time.Now()
	lastLimit := util.FloorToTick(startMid, e.cfg.MinTick)
	var tracker *OrderTracker

	for attempt := 0; attempt < e.cfg.AdaptiveAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return tracker, 0, false, err
		}

		mid, ok := e.currentMid(pos.Instrument)
		if !ok {
			mid = lastLimit
		}

		if attempt > 0 && time.Since(start) >= e.cfg.GuaranteeAfter && mid < startMid {
			e.logger.WithFields(logrus.Fields{
				"position": pos.ID,
				"mid":      mid,
				"started":  startMid,
			}).Info("guarantee window elapsed with price falling, escalating to market")
			return tracker, 0, false, nil
		}

		limit := lastLimit
		switch {
		case attempt == 0:
			limit = mid
		case math.Abs(mid-lastLimit) >= e.cfg.MinTick:
			limit = mid
		default:
			limit = lastLimit - e.cfg.AdaptiveDecrement
		}
		// Sell limits floor to the tick: never ask above the market.
		limit = util.FloorToTick(limit, e.cfg.MinTick)
		if limit < e.cfg.MinTick {
			limit = e.cfg.MinTick
		}

		req := broker.OrderRequest{
			OptionSymbol: occ,
			Underlying:   pos.Instrument.Root,
			Quantity:     pos.Quantity,
			Side:         broker.SideSellToClose,
			Type:         broker.OrderLimit,
			LimitPrice:   limit,
			Tag:          "exit-adaptive",
		}
		resp, err := e.placeOrder(ctx, req)
		if err != nil {
			return tracker, 0, false, fmt.Errorf("adaptive exit order for %s: %w", occ, err)
		}
		tracker = NewOrderTracker(resp.Order.ID)
		lastLimit = limit

		e.logger.WithFields(logrus.Fields{
			"position": pos.ID,
			"order":    resp.Order.ID,
			"limit":    limit,
			"attempt":  attempt + 1,
		}).Info("working adaptive exit limit")

		price, filled, ferr := e.waitWindow(ctx, resp.Order.ID, e.cfg.AdaptiveWait)
		if ferr != nil {
			e.markPhase(tracker, PhaseRejected, "order_rejected")
			return tracker, 0, false, ferr
		}
		if filled {
			e.markPhase(tracker, PhaseFilled, "fill_confirmed")
			return tracker, price, true, nil
		}

		e.markPhase(tracker, PhaseCanceled, "fill_timeout")
		e.cancelQuietly(ctx, resp.Order.ID)
	}

	return tracker, 0, false, nil
}

// placeOrder submits an order, retrying transient placement failures.
// Brokerage rejections come back immediately.
func (e *Engine) placeOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	var resp *broker.OrderResponse
	policy := retry.Policy{Base: time.Second, Cap: 5 * time.Second, MaxAttempts: 3}
	err := policy.Do(ctx, func() error {
		placeCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		r, err := e.broker.PlaceOrder(placeCtx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Order.ID == 0 {
		return nil, fmt.Errorf("order response missing id")
	}
	return resp, nil
}

// awaitFill runs the fill-confirmation loop: up to PollAttempts polls spaced
// PollInterval apart. A transient poll failure costs an attempt, not the
// order. The returned error is non-nil only for terminal order failures.
func (e *Engine) awaitFill(ctx context.Context, orderID int) (float64, bool, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < e.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-ticker.C:
		}

		price, filled, err := e.pollOnce(ctx, orderID)
		if err != nil {
			return 0, false, err
		}
		if filled {
			return price, true, nil
		}
	}
	return 0, false, nil
}

// waitWindow polls an order for up to window, used by the adaptive exit.
func (e *Engine) waitWindow(ctx context.Context, orderID int, window time.Duration) (float64, bool, error) {
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-ticker.C:
		}

		price, filled, err := e.pollOnce(ctx, orderID)
		if err != nil {
			return 0, false, err
		}
		if filled {
			return price, true, nil
		}
	}
	return 0, false, nil
}

// pollOnce checks an order's status once. Transient problems log and report
// not-filled; a terminal failure (canceled, rejected, expired) returns error.
func (e *Engine) pollOnce(ctx context.Context, orderID int) (float64, bool, error) {
	statusCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	status, err := e.broker.GetOrderStatusCtx(statusCtx, orderID)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			e.logger.WithField("order", orderID).Debug("order status poll timed out")
			return 0, false, nil
		}
		e.logger.WithError(err).WithField("order", orderID).Warn("order status poll failed")
		return 0, false, nil
	}
	if status == nil || status.Order.ID == 0 || status.Order.Status == "" {
		return 0, false, nil
	}

	if isCompletelyFilled(status) {
		return status.Order.AvgFillPrice, true, nil
	}

	switch strings.ToLower(status.Order.Status) {
	case "canceled", "cancelled", "rejected", "expired":
		return 0, false, fmt.Errorf("order %d terminal without fill: %s", orderID, status.Order.Status)
	}
	return 0, false, nil
}

// isCompletelyFilled treats an order as filled when its status says so, or
// when executed quantity covers the request. Orders with nothing executed are
// never considered filled even with zero remaining (rejected orders report
// that shape).
func isCompletelyFilled(status *broker.OrderResponse) bool {
	order := status.Order
	if strings.ToLower(order.Status) == "filled" {
		return true
	}

	const epsilon = 1e-6
	if order.Quantity <= epsilon {
		return false
	}
	executedAll := order.ExecQuantity >= order.Quantity-epsilon
	zeroRemaining := order.RemainingQuantity <= epsilon
	somethingExecuted := order.ExecQuantity > epsilon
	return executedAll || (zeroRemaining && somethingExecuted)
}

// cancelQuietly cancels an order, logging failures. An already-gone order is
// a successful cancel at the broker layer.
func (e *Engine) cancelQuietly(ctx context.Context, orderID int) {
	cancelCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if err := e.broker.CancelOrder(cancelCtx, orderID); err != nil {
		e.logger.WithError(err).WithField("order", orderID).Warn("order cancel failed")
	}
}

// markPhase records an order phase change on its tracker. The transition
// table permits every move the engine makes, so a refusal here is a bug and
// logs loudly instead of failing the execution.
func (e *Engine) markPhase(t *OrderTracker, to OrderPhase, condition string) {
	if err := t.Transition(to, condition); err != nil {
		e.logger.WithError(err).WithField("order", t.OrderID).Error("order phase transition rejected")
	}
}

// currentMid returns the best available mid for an instrument: the streaming
// store first, then a REST quote.
func (e *Engine) currentMid(key models.InstrumentKey) (float64, bool) {
	if e.quotes != nil {
		if q, ok := e.quotes.LatestQuote(key); ok {
			if mid := q.Mid(); mid > 0 {
				return mid, true
			}
		}
	}
	if qi, err := e.broker.GetQuote(key.Key()); err == nil {
		if mid := qi.Mid(); mid > 0 {
			return mid, true
		}
	}
	return 0, false
}

func (e *Engine) acquire(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[key]; busy {
		return fmt.Errorf("%s: %w", key, ErrExecutionInFlight)
	}
	e.inFlight[key] = struct{}{}
	return nil
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, key)
}

// newPositionID mints a position id. Internal paper positions carry a
// recognizable prefix so the resolver can route them without a backend call.
func newPositionID(kind models.AccountKind) string {
	id := uuid.NewString()
	if kind == models.AccountPaperInternal {
		return "paper-" + id
	}
	return id
}
