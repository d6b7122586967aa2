package ingestion_test

import (
	"testing"

	"github.com/google/uuid"

	"RiskGate/internal/ingestion"
)

func TestHookForSubject(t *testing.T) {
	cases := []struct {
		subject string
		hook    string
		venue   string
	}{
		{"amm.liquidity.pre.amm-alpha", ingestion.HookPreLiquidity, "amm-alpha"},
		{"amm.liquidity.post.amm-alpha", ingestion.HookPostLiquidity, "amm-alpha"},
		{"amm.trades.pre.amm-beta", ingestion.HookPreTrade, "amm-beta"},
		{"amm.trades.post.amm-beta", ingestion.HookPostTrade, "amm-beta"},
	}
	for _, tc := range cases {
		hook, venue, err := ingestion.HookForSubject(tc.subject)
		if err != nil {
			t.Errorf("%s: %v", tc.subject, err)
			continue
		}
		if hook != tc.hook || venue != tc.venue {
			t.Errorf("%s: got (%s, %s), want (%s, %s)", tc.subject, hook, venue, tc.hook, tc.venue)
		}
	}
}

func TestHookForSubject_Malformed(t *testing.T) {
	for _, subject := range []string{
		"amm.liquidity.pre",       // missing venue token
		"orders.new.v1.amm-alpha", // foreign subject space
		"",
	} {
		if _, _, err := ingestion.HookForSubject(subject); err == nil {
			t.Errorf("%q: expected error", subject)
		}
	}
}

func TestParseLiquidityChange(t *testing.T) {
	trader := uuid.New()
	data := []byte(`{
		"new_liquidity": 2000000,
		"leverage": {
			"trader": "` + trader.String() + `",
			"collateral_asset": "USDC",
			"borrow_asset": "WETH",
			"collateral_amount": 150000,
			"borrow_amount": 100000,
			"leverage_ratio": 300,
			"is_long": true
		}
	}`)

	change, err := ingestion.ParseLiquidityChange("amm-alpha", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if change.Venue != "amm-alpha" || change.NewLiquidity != 2_000_000 {
		t.Errorf("change: %+v", change)
	}
	if change.Leverage == nil {
		t.Fatal("leverage request must be populated")
	}
	if change.Leverage.Trader != trader || change.Leverage.BorrowAmount != 100_000 || !change.Leverage.IsLong {
		t.Errorf("leverage: %+v", change.Leverage)
	}
}

func TestParseLiquidityChange_PlainMove(t *testing.T) {
	change, err := ingestion.ParseLiquidityChange("amm-alpha", []byte(`{"new_liquidity": 42}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if change.Leverage != nil {
		t.Error("no leverage attached, none expected")
	}
}

func TestParseLiquidityChange_Invalid(t *testing.T) {
	cases := map[string][]byte{
		"negative liquidity": []byte(`{"new_liquidity": -1}`),
		"bad trader":         []byte(`{"new_liquidity": 1, "leverage": {"trader": "not-a-uuid"}}`),
		"garbage":            []byte(`{`),
	}
	for name, data := range cases {
		if _, err := ingestion.ParseLiquidityChange("amm-alpha", data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseTrade(t *testing.T) {
	data := []byte(`{
		"trader": "0xabc",
		"asset_in": "USDC",
		"asset_out": "WETH",
		"amount_in": 5000,
		"price_bps": 10250,
		"timestamp_us": 1700000000000000
	}`)

	trade, err := ingestion.ParseTrade("amm-alpha", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if trade.Venue != "amm-alpha" || trade.AmountIn != 5_000 || trade.PriceBps != 10_250 {
		t.Errorf("trade: %+v", trade)
	}
}

func TestParseTrade_Invalid(t *testing.T) {
	cases := map[string][]byte{
		"zero amount":    []byte(`{"amount_in": 0, "price_bps": 1}`),
		"negative price": []byte(`{"amount_in": 1, "price_bps": -3}`),
		"garbage":        []byte(`not json`),
	}
	for name, data := range cases {
		if _, err := ingestion.ParseTrade("amm-alpha", data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
