package models

import (
	"testing"
)

func TestOCCSymbol(t *testing.T) {
	cases := []struct {
		name string
		key  InstrumentKey
		want string
	}{
		{
			name: "spy call",
			key:  OptionKey("SPY", "2024-03-15", 610, RightCall),
			want: "SPY240315C00610000",
		},
		{
			name: "spy put",
			key:  OptionKey("SPY", "2024-03-15", 500, RightPut),
			want: "SPY240315P00500000",
		},
		{
			name: "fractional strike",
			key:  OptionKey("XSP", "2025-01-17", 452.5, RightCall),
			want: "XSP250117C00452500",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.key.OCCSymbol()
			if err != nil {
				t.Fatalf("OCCSymbol() error: %v", err)
			}
			if got != tc.want {
				t.Errorf("OCCSymbol() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestOCCSymbolStockFails(t *testing.T) {
	if _, err := StockKey("SPY").OCCSymbol(); err == nil {
		t.Error("expected error for stock key")
	}
}

func TestParseOCCSymbolRoundTrip(t *testing.T) {
	keys := []InstrumentKey{
		OptionKey("SPY", "2024-03-15", 610, RightCall),
		OptionKey("AAPL", "2026-12-18", 185.5, RightPut),
		OptionKey("BRKB", "2025-06-20", 400, RightCall),
	}

	for _, key := range keys {
		sym, err := key.OCCSymbol()
		if err != nil {
			t.Fatalf("OCCSymbol(%v) error: %v", key, err)
		}
		parsed, err := ParseOCCSymbol(sym)
		if err != nil {
			t.Fatalf("ParseOCCSymbol(%q) error: %v", sym, err)
		}
		if parsed != key {
			t.Errorf("round trip %q: got %+v, want %+v", sym, parsed, key)
		}
	}
}

func TestParseOCCSymbolRejectsGarbage(t *testing.T) {
	for _, sym := range []string{"", "SPY", "SPY240315X00610000", "240315C00610000"} {
		if _, err := ParseOCCSymbol(sym); err == nil {
			t.Errorf("ParseOCCSymbol(%q) should fail", sym)
		}
	}
}

func TestFeedStrikeCodec(t *testing.T) {
	if got := StrikeFromFeed(610000); got != 610 {
		t.Errorf("StrikeFromFeed(610000) = %v, want 610", got)
	}
	if got := StrikeFromFeed(452500); got != 452.5 {
		t.Errorf("StrikeFromFeed(452500) = %v, want 452.5", got)
	}
	if got := StrikeToFeed(452.5); got != 452500 {
		t.Errorf("StrikeToFeed(452.5) = %d, want 452500", got)
	}
}

func TestFeedExpirationCodec(t *testing.T) {
	exp, err := ExpirationFromFeed(20240315)
	if err != nil {
		t.Fatalf("ExpirationFromFeed error: %v", err)
	}
	if exp != "2024-03-15" {
		t.Errorf("ExpirationFromFeed(20240315) = %q, want 2024-03-15", exp)
	}

	n, err := ExpirationToFeed("2024-03-15")
	if err != nil {
		t.Fatalf("ExpirationToFeed error: %v", err)
	}
	if n != 20240315 {
		t.Errorf("ExpirationToFeed = %d, want 20240315", n)
	}

	if _, err := ExpirationFromFeed(20241345); err == nil {
		t.Error("expected error for month 13")
	}
}

func TestInstrumentKeyValidate(t *testing.T) {
	if err := StockKey("SPY").Validate(); err != nil {
		t.Errorf("stock key should validate: %v", err)
	}
	if err := OptionKey("SPY", "2024-03-15", 610, RightCall).Validate(); err != nil {
		t.Errorf("option key should validate: %v", err)
	}

	bad := []InstrumentKey{
		{},
		{Root: "SPY", Strike: 610}, // partial option fields
		OptionKey("SPY", "03/15/2024", 610, RightCall),
		OptionKey("SPY", "2024-03-15", -1, RightCall),
		OptionKey("SPY", "2024-03-15", 610, Right("straddle")),
	}
	for _, key := range bad {
		if err := key.Validate(); err == nil {
			t.Errorf("key %+v should fail validation", key)
		}
	}
}

func TestKeyString(t *testing.T) {
	if got := StockKey("SPY").Key(); got != "SPY" {
		t.Errorf("stock Key() = %q", got)
	}
	if got := OptionKey("SPY", "2024-03-15", 610, RightCall).Key(); got != "SPY240315C00610000" {
		t.Errorf("option Key() = %q", got)
	}
}

func TestUnderlying(t *testing.T) {
	key := OptionKey("SPY", "2024-03-15", 610, RightCall)
	if got := key.Underlying(); got != StockKey("SPY") {
		t.Errorf("Underlying() = %+v", got)
	}
	if !key.IsOption() {
		t.Error("option key should report IsOption")
	}
	if key.Underlying().IsOption() {
		t.Error("underlying should not report IsOption")
	}
}
