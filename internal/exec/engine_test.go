package exec

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
	"github.com/sirupsen/logrus"
)

// scriptedBroker is a Broker whose order behavior is driven by statusFn.
type scriptedBroker struct {
	mu       sync.Mutex
	kind     models.AccountKind
	nextID   int
	placed   []broker.OrderRequest
	canceled []int
	placeErr error
	statusFn func(orderID int) (*broker.OrderResponse, error)
	quote    *broker.QuoteItem
}

func (b *scriptedBroker) GetAccountBalance() (float64, error) { return 10000, nil }
func (b *scriptedBroker) GetPositions() ([]broker.PositionItem, error) {
	return nil, nil
}
func (b *scriptedBroker) GetPositionsCtx(context.Context) ([]broker.PositionItem, error) {
	return nil, nil
}

func (b *scriptedBroker) GetQuote(symbol string) (*broker.QuoteItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.quote == nil {
		return nil, errors.New("no quote")
	}
	return b.quote, nil
}

func (b *scriptedBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return nil, b.placeErr
	}
	b.nextID++
	b.placed = append(b.placed, req)
	resp := &broker.OrderResponse{}
	resp.Order.ID = b.nextID
	resp.Order.Status = "pending"
	return resp, nil
}

func (b *scriptedBroker) GetOrderStatusCtx(_ context.Context, orderID int) (*broker.OrderResponse, error) {
	return b.statusFn(orderID)
}

func (b *scriptedBroker) CancelOrder(_ context.Context, orderID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = append(b.canceled, orderID)
	return nil
}

func (b *scriptedBroker) Kind() models.AccountKind {
	if b.kind == "" {
		return models.AccountPaperInternal
	}
	return b.kind
}

func (b *scriptedBroker) placedOrders() []broker.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.OrderRequest(nil), b.placed...)
}

func filledStatus(orderID int, price float64) *broker.OrderResponse {
	resp := &broker.OrderResponse{}
	resp.Order.ID = orderID
	resp.Order.Status = "filled"
	resp.Order.AvgFillPrice = price
	return resp
}

func pendingStatus(orderID int) *broker.OrderResponse {
	resp := &broker.OrderResponse{}
	resp.Order.ID = orderID
	resp.Order.Status = "pending"
	return resp
}

type mockQuotes struct {
	mu      sync.Mutex
	quotes  map[string]models.Quote
	tracked []models.InstrumentKey
}

func (m *mockQuotes) LatestQuote(key models.InstrumentKey) (models.Quote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[key.Key()]
	return q, ok
}

func (m *mockQuotes) Track(key models.InstrumentKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked = append(m.tracked, key)
	return false, nil
}

func fastConfig() Config {
	return Config{
		PollInterval:      time.Millisecond,
		PollAttempts:      3,
		EntryRetries:      1,
		AdaptiveAttempts:  2,
		AdaptiveWait:      10 * time.Millisecond,
		AdaptiveDecrement: 0.05,
		MinTick:           0.01,
		GuaranteeAfter:    time.Hour,
		CallTimeout:       100 * time.Millisecond,
		SlippageReserve:   1.02,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

var testKey = models.OptionKey("SPY", "2024-03-15", 610, models.RightCall)

func openPosition(st storage.Interface, id string, account models.AccountKind) *models.Position {
	pos := &models.Position{
		ID:           id,
		UserID:       "michael",
		Instrument:   testKey,
		Quantity:     2,
		EntryPrice:   2.00,
		EntryOrderID: 900,
		EntryDate:    time.Now().UTC(),
		Status:       models.StatusOpen,
		Account:      account,
	}
	if err := st.CreatePosition(pos); err != nil {
		panic(err)
	}
	return pos
}

func TestComputeQuantity(t *testing.T) {
	cases := []struct {
		budget, price, reserve float64
		want                   int
	}{
		{1000, 2.00, 1.02, 4}, // 1000 / 204 = 4.90 -> 4
		{1000, 2.00, 1.0, 5},
		{204, 2.00, 1.02, 1},
		{50, 2.00, 1.02, 1}, // below one contract, floor at 1
		{10000, 0.50, 1.02, 196},
	}
	for _, tc := range cases {
		if got := ComputeQuantity(tc.budget, tc.price, tc.reserve); got != tc.want {
			t.Errorf("ComputeQuantity(%.0f, %.2f, %.2f) = %d, want %d",
				tc.budget, tc.price, tc.reserve, got, tc.want)
		}
	}
}

func TestEnterCreatesPositionOnFill(t *testing.T) {
	b := &scriptedBroker{}
	b.statusFn = func(orderID int) (*broker.OrderResponse, error) {
		return filledStatus(orderID, 2.07), nil
	}
	st := storage.NewMockStorage()
	quotes := &mockQuotes{quotes: map[string]models.Quote{}}
	engine := NewEngine(b, st, quotes, quietLogger(), fastConfig())

	pos, err := engine.Enter(context.Background(), "michael", testKey, DirectionLong, 1000, 2.00)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}

	if pos.Quantity != 4 {
		t.Errorf("quantity = %d, want 4", pos.Quantity)
	}
	// The broker's average fill price is authoritative, not the reference.
	if pos.EntryPrice != 2.07 {
		t.Errorf("entry price = %v, want broker fill 2.07", pos.EntryPrice)
	}
	if pos.Account != models.AccountPaperInternal {
		t.Errorf("account = %v", pos.Account)
	}

	stored := st.GetPositionByID(pos.ID)
	if stored == nil || !stored.IsOpen() {
		t.Errorf("position not persisted open: %+v", stored)
	}

	// Entry fills auto-subscribe the instrument.
	if len(quotes.tracked) != 1 || quotes.tracked[0] != testKey {
		t.Errorf("tracked = %+v", quotes.tracked)
	}
}

func TestEnterRejectionSurfacesImmediately(t *testing.T) {
	b := &scriptedBroker{placeErr: &broker.APIError{Status: http.StatusUnprocessableEntity, Body: "insufficient buying power"}}
	st := storage.NewMockStorage()
	engine := NewEngine(b, st, nil, quietLogger(), fastConfig())

	_, err := engine.Enter(context.Background(), "michael", testKey, DirectionLong, 1000, 2.00)
	if !broker.IsRejection(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if len(st.GetOpenPositions()) != 0 {
		t.Error("no position may exist after a rejection")
	}
}

func TestEnterNeverFilledLeavesNoPosition(t *testing.T) {
	b := &scriptedBroker{}
	b.statusFn = func(orderID int) (*broker.OrderResponse, error) {
		return pendingStatus(orderID), nil
	}
	st := storage.NewMockStorage()
	engine := NewEngine(b, st, nil, quietLogger(), fastConfig())

	_, err := engine.Enter(context.Background(), "michael", testKey, DirectionLong, 1000, 2.00)
	if err == nil {
		t.Fatal("unfilled entry must be a hard failure")
	}
	if len(st.GetOpenPositions()) != 0 {
		t.Error("no position may exist after an unfilled entry")
	}

	// EntryRetries=1 means two submissions, each canceled after timing out.
	if got := len(b.placedOrders()); got != 2 {
		t.Errorf("placed %d orders, want 2", got)
	}
	if len(b.canceled) != 2 {
		t.Errorf("canceled %d orders, want 2", len(b.canceled))
	}
}

func TestEnterValidation(t *testing.T) {
	engine := NewEngine(&scriptedBroker{}, storage.NewMockStorage(), nil, quietLogger(), fastConfig())
	ctx := context.Background()

	if _, err := engine.Enter(ctx, "u", models.StockKey("SPY"), DirectionLong, 1000, 2.00); err == nil {
		t.Error("stock entries should be rejected")
	}
	if _, err := engine.Enter(ctx, "u", testKey, Direction("short"), 1000, 2.00); err == nil {
		t.Error("short entries should be rejected")
	}
	if _, err := engine.Enter(ctx, "u", testKey, DirectionLong, 0, 2.00); err == nil {
		t.Error("zero budget should be rejected")
	}
	if _, err := engine.Enter(ctx, "u", testKey, DirectionLong, 1000, 0); err == nil {
		t.Error("zero reference price should be rejected")
	}
}

func TestEnterInFlightGuard(t *testing.T) {
	engine := NewEngine(&scriptedBroker{}, storage.NewMockStorage(), nil, quietLogger(), fastConfig())

	occ, _ := testKey.OCCSymbol()
	if err := engine.acquire("enter:michael:" + occ); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err := engine.Enter(context.Background(), "michael", testKey, DirectionLong, 1000, 2.00)
	if !errors.Is(err, ErrExecutionInFlight) {
		t.Errorf("concurrent Enter = %v, want ErrExecutionInFlight", err)
	}
}

func TestExitGuaranteedClosesAtBrokerFill(t *testing.T) {
	b := &scriptedBroker{}
	b.statusFn = func(orderID int) (*broker.OrderResponse, error) {
		return filledStatus(orderID, 2.50), nil
	}
	st := storage.NewMockStorage()
	pos := openPosition(st, "paper-1", models.AccountPaperInternal)
	engine := NewEngine(b, st, nil, quietLogger(), fastConfig())

	result, err := engine.Exit(context.Background(), pos.ID, ExitGuaranteed)
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if result.Estimated {
		t.Error("broker-confirmed exit must not be flagged estimated")
	}
	if result.ExitPrice != 2.50 {
		t.Errorf("exit price = %v, want 2.50", result.ExitPrice)
	}
	if result.FinalPhase != PhaseFilled {
		t.Errorf("final phase = %s, want filled", result.FinalPhase)
	}
	// (2.50 - 2.00) * 2 * 100 = $100.
	if math.Abs(result.PnL-100) > 0.001 {
		t.Errorf("PnL = %.2f, want 100", result.PnL)
	}

	stored := st.GetPositionByID(pos.ID)
	if stored.IsOpen() || stored.ExitEstimated {
		t.Errorf("stored position = %+v", stored)
	}

	orders := b.placedOrders()
	if len(orders) != 1 || orders[0].Side != broker.SideSellToClose || orders[0].Type != broker.OrderMarket {
		t.Errorf("exit orders = %+v", orders)
	}
}

func TestExitUnconfirmedClosesAtEstimatedMid(t *testing.T) {
	b := &scriptedBroker{}
	b.statusFn = func(orderID int) (*broker.OrderResponse, error) {
		return pendingStatus(orderID), nil
	}
	st := storage.NewMockStorage()
	pos := openPosition(st, "paper-1", models.AccountPaperInternal)
	quotes := &mockQuotes{quotes: map[string]models.Quote{
		testKey.Key(): {Instrument: testKey, Bid: 2.35, Ask: 2.45},
	}}
	engine := NewEngine(b, st, quotes, quietLogger(), fastConfig())

	result, err := engine.Exit(context.Background(), pos.ID, ExitGuaranteed)
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if !result.Estimated {
		t.Error("unconfirmed exit must be flagged estimated")
	}
	if result.ExitPrice != 2.40 {
		t.Errorf("exit price = %v, want quote mid 2.40", result.ExitPrice)
	}
	if result.FinalPhase != PhaseEstimated {
		t.Errorf("final phase = %s, want estimated", result.FinalPhase)
	}

	stored := st.GetPositionByID(pos.ID)
	if stored.IsOpen() || !stored.ExitEstimated {
		t.Errorf("stored position = %+v", stored)
	}
}

func TestExitUnconfirmedWithoutQuoteFails(t *testing.T) {
	b := &scriptedBroker{}
	b.statusFn = func(orderID int) (*broker.OrderResponse, error) {
		return pendingStatus(orderID), nil
	}
	st := storage.NewMockStorage()
	pos := openPosition(st, "paper-1", models.AccountPaperInternal)
	engine := NewEngine(b, st, nil, quietLogger(), fastConfig())

	if _, err := engine.Exit(context.Background(), pos.ID, ExitGuaranteed); err == nil {
		t.Fatal("unconfirmed exit with no quote must fail, never fabricate a price")
	}
	if !st.GetPositionByID(pos.ID).IsOpen() {
		t.Error("position must stay open when the exit could not be priced")
	}
}

func TestExitUnknownAndClosedPositions(t *testing.T) {
	st := storage.NewMockStorage()
	engine := NewEngine(&scriptedBroker{}, st, nil, quietLogger(), fastConfig())

	if _, err := engine.Exit(context.Background(), "ghost", ExitGuaranteed); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown position = %v, want ErrNotFound", err)
	}

	pos := openPosition(st, "paper-1", models.AccountPaperInternal)
	pos.Status = models.StatusClosed
	pos.ExitPrice = 2.00
	pos.ExitDate = time.Now().UTC()
	if err := st.UpdatePosition(pos); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := engine.Exit(context.Background(), pos.ID, ExitGuaranteed); err == nil {
		t.Error("exiting a closed position should fail")
	}
}

func TestAdaptiveExitDowngradesForPaperAccounts(t *testing.T) {
	b := &scriptedBroker{}
	b.statusFn = func(orderID int) (*broker.OrderResponse, error) {
		return filledStatus(orderID, 2.40), nil
	}
	st := storage.NewMockStorage()
	pos := openPosition(st, "paper-1", models.AccountPaperInternal)
	quotes := &mockQuotes{quotes: map[string]models.Quote{
		testKey.Key(): {Instrument: testKey, Bid: 2.35, Ask: 2.45},
	}}
	engine := NewEngine(b, st, quotes, quietLogger(), fastConfig())

	if _, err := engine.Exit(context.Background(), pos.ID, ExitAdaptive); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	// Paper accounts never work limits: the downgrade goes straight to market.
	orders := b.placedOrders()
	if len(orders) != 1 || orders[0].Type != broker.OrderMarket {
		t.Errorf("orders = %+v, want a single market sell", orders)
	}
}

func TestAdaptiveExitWorksLimitsThenFallsBack(t *testing.T) {
	b := &scriptedBroker{kind: models.AccountLiveBroker}
	b.statusFn = func(orderID int) (*broker.OrderResponse, error) {
		// Limits never fill; the final market order does.
		b.mu.Lock()
		last := b.placed[len(b.placed)-1]
		b.mu.Unlock()
		if last.Type == broker.OrderMarket {
			return filledStatus(orderID, 2.30), nil
		}
		return pendingStatus(orderID), nil
	}
	st := storage.NewMockStorage()
	pos := openPosition(st, "live-1", models.AccountLiveBroker)
	quotes := &mockQuotes{quotes: map[string]models.Quote{
		testKey.Key(): {Instrument: testKey, Bid: 2.35, Ask: 2.45},
	}}
	engine := NewEngine(b, st, quotes, quietLogger(), fastConfig())

	result, err := engine.Exit(context.Background(), pos.ID, ExitAdaptive)
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if result.Estimated || result.ExitPrice != 2.30 {
		t.Errorf("result = %+v", result)
	}
	if result.FinalPhase != PhaseFilled {
		t.Errorf("final phase = %s, want filled", result.FinalPhase)
	}

	// AdaptiveAttempts=2 limit orders, then the market fallback.
	orders := b.placedOrders()
	if len(orders) != 3 {
		t.Fatalf("placed %d orders, want 3", len(orders))
	}
	for i := 0; i < 2; i++ {
		if orders[i].Type != broker.OrderLimit {
			t.Errorf("order %d type = %v, want limit", i, orders[i].Type)
		}
	}
	// First limit sits at the mid; the frozen market concedes a decrement.
	if orders[0].LimitPrice != 2.40 {
		t.Errorf("first limit = %v, want 2.40", orders[0].LimitPrice)
	}
	if orders[2].Type != broker.OrderMarket {
		t.Errorf("final order type = %v, want market", orders[2].Type)
	}
}

func TestIsCompletelyFilled(t *testing.T) {
	mk := func(status string, qty, exec, remaining float64) *broker.OrderResponse {
		resp := &broker.OrderResponse{}
		resp.Order.Status = status
		resp.Order.Quantity = qty
		resp.Order.ExecQuantity = exec
		resp.Order.RemainingQuantity = remaining
		return resp
	}

	cases := []struct {
		name string
		resp *broker.OrderResponse
		want bool
	}{
		{"status filled", mk("filled", 0, 0, 0), true},
		{"executed all", mk("open", 4, 4, 0), true},
		{"partial", mk("open", 4, 2, 2), false},
		{"rejected shape", mk("open", 4, 0, 0), false},
		{"zero quantity", mk("open", 0, 0, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isCompletelyFilled(tc.resp); got != tc.want {
				t.Errorf("isCompletelyFilled = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewPositionIDPrefix(t *testing.T) {
	if id := newPositionID(models.AccountPaperInternal); len(id) < 7 || id[:6] != "paper-" {
		t.Errorf("internal paper id = %q, want paper- prefix", id)
	}
	if id := newPositionID(models.AccountLiveBroker); len(id) > 5 && id[:6] == "paper-" {
		t.Errorf("live id %q must not carry paper prefix", id)
	}
}
