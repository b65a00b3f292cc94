// Package broker provides trading API clients for executing options trades.
// It includes the Tradier API client implementation plus an in-process paper
// ledger that satisfies the same interface.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsRejection reports whether the error is an outright brokerage rejection
// (bad symbol, insufficient buying power, ...) that must be surfaced to the
// caller immediately rather than retried. 429 is excluded: rate limiting is
// transient.
func IsRejection(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
	}
	return false
}

// OrderSide is the brokerage order side for option orders.
type OrderSide string

const (
	// SideBuyToOpen opens a long option position.
	SideBuyToOpen OrderSide = "buy_to_open"
	// SideSellToClose closes a long option position.
	SideSellToClose OrderSide = "sell_to_close"
)

// OrderType is the brokerage order type.
type OrderType string

const (
	// OrderMarket is a market order.
	OrderMarket OrderType = "market"
	// OrderLimit is a limit order.
	OrderLimit OrderType = "limit"
)

// OrderRequest describes a single-leg option order.
type OrderRequest struct {
	OptionSymbol string // OCC-style composite symbol
	Underlying   string // root symbol of the option
	Quantity     int
	Side         OrderSide
	Type         OrderType
	LimitPrice   float64 // required for limit orders
	Duration     string  // day | gtc
	Tag          string
}

func (r OrderRequest) validate() error {
	if r.OptionSymbol == "" {
		return fmt.Errorf("order missing option symbol")
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("invalid order quantity: %d (must be > 0)", r.Quantity)
	}
	switch r.Side {
	case SideBuyToOpen, SideSellToClose:
	default:
		return fmt.Errorf("invalid order side %q", r.Side)
	}
	switch r.Type {
	case OrderMarket:
	case OrderLimit:
		if r.LimitPrice <= 0 {
			return fmt.Errorf("invalid limit price: %.4f (must be > 0)", r.LimitPrice)
		}
	default:
		return fmt.Errorf("invalid order type %q", r.Type)
	}
	return nil
}

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// OrderResponse represents the order response from the Tradier API.
type OrderResponse struct {
	Order struct {
		ID                int     `json:"id"`
		Status            string  `json:"status"`
		Symbol            string  `json:"symbol"`
		OptionSymbol      string  `json:"option_symbol"`
		Side              string  `json:"side"`
		Type              string  `json:"type"`
		Duration          string  `json:"duration"`
		Price             float64 `json:"price"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
		ExecQuantity      float64 `json:"exec_quantity"`
		LastFillPrice     float64 `json:"last_fill_price"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		Quantity          float64 `json:"quantity"`
		CreateDate        string  `json:"create_date"`
		TransactionDate   string  `json:"transaction_date"`
	} `json:"order"`
}

// PositionsResponse represents the positions response from the Tradier API.
type PositionsResponse struct {
	Positions PositionsWrapper `json:"positions"`
}

// PositionsWrapper handles the case where positions can be "null" string or an object
type PositionsWrapper struct {
	Position singleOrArray[PositionItem] `json:"position"`
}

func (pw *PositionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)

	// Handle both bare null and quoted "null" cases
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = PositionsWrapper{}
		return nil
	}

	type normalWrapper PositionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

// PositionItem represents a single position item from the Tradier API.
type PositionItem struct {
	ID           int     `json:"id"`
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	CostBasis    float64 `json:"cost_basis"`
	DateAcquired string  `json:"date_acquired"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol  string  `json:"symbol"`
	Type    string  `json:"type"`
	Bid     float64 `json:"bid"`
	BidSize int     `json:"bidsize"`
	Ask     float64 `json:"ask"`
	AskSize int     `json:"asksize"`
	Last    float64 `json:"last"`
}

// Mid returns the bid/ask midpoint of the quote.
func (q *QuoteItem) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// BalanceResponse represents the account balance response from the Tradier API.
type BalanceResponse struct {
	Balances struct {
		AccountNumber string  `json:"account_number"`
		AccountType   string  `json:"account_type"`
		TotalEquity   float64 `json:"total_equity"`
		TotalCash     float64 `json:"total_cash"`
		OpenPL        float64 `json:"open_pl"`
		ClosePL       float64 `json:"close_pl"`
	} `json:"balances"`
}

// TradierClient is a REST client for the Tradier brokerage API.
type TradierClient struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

// NewTradierClient creates a new Tradier API client. With sandbox set the
// client talks to the paper-trading environment.
func NewTradierClient(apiKey, accountID string, sandbox bool) *TradierClient {
	return NewTradierClientWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierClientWithBaseURL creates a client with a custom base URL (tests).
func NewTradierClientWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string) *TradierClient {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	return &TradierClient{
		client:    &http.Client{Timeout: 10 * time.Second},
		apiKey:    apiKey,
		baseURL:   baseURL,
		accountID: accountID,
		sandbox:   sandbox,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierClient) WithHTTPClient(c *http.Client) *TradierClient {
	if c != nil {
		t.client = c
	}
	return t
}

// Kind reports which account variant this client trades against.
func (t *TradierClient) Kind() models.AccountKind {
	if t.sandbox {
		return models.AccountPaperBroker
	}
	return models.AccountLiveBroker
}

// GetAccountBalance returns the total account equity.
func (t *TradierClient) GetAccountBalance() (float64, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response BalanceResponse
	if err := t.makeRequest(context.Background(), http.MethodGet, endpoint, nil, &response); err != nil {
		return 0, err
	}
	return response.Balances.TotalEquity, nil
}

// GetPositions retrieves current positions from the account.
func (t *TradierClient) GetPositions() ([]PositionItem, error) {
	return t.GetPositionsCtx(context.Background())
}

// GetPositionsCtx retrieves current positions from the account with context support.
func (t *TradierClient) GetPositionsCtx(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response PositionsResponse
	if err := t.makeRequest(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return []PositionItem(response.Positions.Position), nil
}

// GetQuote retrieves the current market quote for a symbol.
func (t *TradierClient) GetQuote(symbol string) (*QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequest(context.Background(), http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	quotes := response.Quotes.Quote
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
	}

	first := quotes[0]
	return &first, nil
}

// PlaceOrder submits a single-leg option order.
func (t *TradierClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	duration := req.Duration
	if duration == "" {
		duration = "day"
	}

	form := url.Values{}
	form.Set("class", "option")
	form.Set("symbol", req.Underlying)
	form.Set("option_symbol", req.OptionSymbol)
	form.Set("side", string(req.Side))
	form.Set("quantity", fmt.Sprintf("%d", req.Quantity))
	form.Set("type", string(req.Type))
	form.Set("duration", duration)
	if req.Type == OrderLimit {
		form.Set("price", fmt.Sprintf("%.2f", req.LimitPrice))
	}
	if req.Tag != "" {
		form.Set("tag", req.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response OrderResponse
	if err := t.makeRequest(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()), &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetOrderStatusCtx retrieves the status of an existing order with context.
func (t *TradierClient) GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)

	var response OrderResponse
	if err := t.makeRequest(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CancelOrder cancels an open order. An order the brokerage no longer knows
// about (already filled, purged) is reported as 404 and treated as a
// successful cancellation.
func (t *TradierClient) CancelOrder(ctx context.Context, orderID int) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)

	var response OrderResponse
	err := t.makeRequest(ctx, http.MethodDelete, endpoint, nil, &response)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

// makeRequest performs an HTTP request against the Tradier API and decodes
// the JSON response into out when provided.
func (t *TradierClient) makeRequest(ctx context.Context, method, endpoint string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
