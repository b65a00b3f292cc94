package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(handler http.HandlerFunc) (*TradierClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := NewTradierClientWithBaseURL("test-key", "ACC123", true, srv.URL)
	return client, srv
}

func TestPlaceOrderFormFields(t *testing.T) {
	var gotForm map[string]string
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth header = %q", auth)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		fmt.Fprint(w, `{"order":{"id":1001,"status":"pending"}}`)
	})
	defer srv.Close()

	resp, err := client.PlaceOrder(context.Background(), OrderRequest{
		OptionSymbol: "SPY240315C00610000",
		Underlying:   "SPY",
		Quantity:     4,
		Side:         SideBuyToOpen,
		Type:         OrderLimit,
		LimitPrice:   2.10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.Order.ID != 1001 {
		t.Errorf("order id = %d, want 1001", resp.Order.ID)
	}

	want := map[string]string{
		"class":         "option",
		"symbol":        "SPY",
		"option_symbol": "SPY240315C00610000",
		"side":          "buy_to_open",
		"quantity":      "4",
		"type":          "limit",
		"duration":      "day",
		"price":         "2.10",
	}
	for k, v := range want {
		if gotForm[k] != v {
			t.Errorf("form[%s] = %q, want %q", k, gotForm[k], v)
		}
	}
}

func TestPlaceOrderMarketOmitsPrice(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		if _, present := r.PostForm["price"]; present {
			t.Error("market order must not carry a price field")
		}
		fmt.Fprint(w, `{"order":{"id":1002,"status":"pending"}}`)
	})
	defer srv.Close()

	_, err := client.PlaceOrder(context.Background(), OrderRequest{
		OptionSymbol: "SPY240315C00610000",
		Underlying:   "SPY",
		Quantity:     1,
		Side:         SideSellToClose,
		Type:         OrderMarket,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	client := NewTradierClientWithBaseURL("k", "a", true, "http://unused.invalid")

	cases := []OrderRequest{
		{},
		{OptionSymbol: "SPY240315C00610000", Quantity: 0, Side: SideBuyToOpen, Type: OrderMarket},
		{OptionSymbol: "SPY240315C00610000", Quantity: 1, Side: "buy", Type: OrderMarket},
		{OptionSymbol: "SPY240315C00610000", Quantity: 1, Side: SideBuyToOpen, Type: OrderLimit, LimitPrice: 0},
	}
	for i, req := range cases {
		if _, err := client.PlaceOrder(context.Background(), req); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestCancelOrderTreats404AsSuccess(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"fault":"order not found"}`)
	})
	defer srv.Close()

	if err := client.CancelOrder(context.Background(), 999); err != nil {
		t.Errorf("CancelOrder on 404 = %v, want nil", err)
	}
}

func TestGetOrderStatusAPIError(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "bad token")
	})
	defer srv.Close()

	_, err := client.GetOrderStatusCtx(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRejection(err) {
		t.Errorf("401 should classify as rejection: %v", err)
	}
}

func TestGetPositionsVariants(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"single object", `{"positions":{"position":{"id":1,"symbol":"SPY240315C00610000","quantity":2,"cost_basis":420}}}`, 1},
		{"array", `{"positions":{"position":[{"id":1,"symbol":"A"},{"id":2,"symbol":"B"}]}}`, 2},
		{"null string", `{"positions":"null"}`, 0},
		{"bare null", `{"positions":null}`, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			})
			defer srv.Close()

			items, err := client.GetPositionsCtx(context.Background())
			if err != nil {
				t.Fatalf("GetPositionsCtx: %v", err)
			}
			if len(items) != tc.want {
				t.Errorf("got %d positions, want %d", len(items), tc.want)
			}
		})
	}
}

func TestGetQuoteSingleAndMissing(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"quotes":{"quote":{"symbol":"SPY","bid":609.9,"ask":610.1,"last":610.0}}}`)
	})
	defer srv.Close()

	q, err := client.GetQuote("SPY")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if q.Mid() != 610.0 {
		t.Errorf("Mid() = %v, want 610.0", q.Mid())
	}

	empty, emptySrv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"quotes":{"quote":null}}`)
	})
	defer emptySrv.Close()

	if _, err := empty.GetQuote("NOPE"); err == nil {
		t.Error("missing quote should error")
	}
}

func TestQuoteItemMidFallsBackToLast(t *testing.T) {
	q := QuoteItem{Last: 1.50}
	if q.Mid() != 1.50 {
		t.Errorf("one-sided Mid() = %v, want last price", q.Mid())
	}
}

func TestIsRejection(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&APIError{Status: 400}, true},
		{&APIError{Status: 422}, true},
		{&APIError{Status: 429}, false}, // rate limit is transient
		{&APIError{Status: 500}, false},
		{fmt.Errorf("wrapped: %w", &APIError{Status: 404}), true},
		{fmt.Errorf("plain error"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsRejection(tc.err); got != tc.want {
			t.Errorf("IsRejection(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestSingleOrArrayRoundTrip(t *testing.T) {
	var wrapper struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	}
	if err := json.Unmarshal([]byte(`{"quote":[{"symbol":"A"},{"symbol":"B"}]}`), &wrapper); err != nil {
		t.Fatalf("unmarshal array: %v", err)
	}
	if len(wrapper.Quote) != 2 {
		t.Errorf("array form decoded to %d items", len(wrapper.Quote))
	}
}
