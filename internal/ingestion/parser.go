package ingestion

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"RiskGate/internal/gateway"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Hook names, used for subject routing and metric labels.
const (
	HookPreLiquidity  = "pre_liquidity"
	HookPostLiquidity = "post_liquidity"
	HookPreTrade      = "pre_trade"
	HookPostTrade     = "post_trade"
)

// HookForSubject maps a concrete subject to its hook name. The venue is the
// final subject token.
func HookForSubject(subject string) (hook, venue string, err error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 4 {
		return "", "", fmt.Errorf("malformed venue subject: %s", subject)
	}
	venue = parts[len(parts)-1]

	switch {
	case strings.HasPrefix(subject, "amm.liquidity.pre."):
		return HookPreLiquidity, venue, nil
	case strings.HasPrefix(subject, "amm.liquidity.post."):
		return HookPostLiquidity, venue, nil
	case strings.HasPrefix(subject, "amm.trades.pre."):
		return HookPreTrade, venue, nil
	case strings.HasPrefix(subject, "amm.trades.post."):
		return HookPostTrade, venue, nil
	default:
		return "", "", fmt.Errorf("unknown venue subject: %s", subject)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match the venue's producers.

type leverageRequestJSON struct {
	Trader           string `json:"trader"`
	CollateralAsset  string `json:"collateral_asset"`
	BorrowAsset      string `json:"borrow_asset"`
	CollateralAmount int64  `json:"collateral_amount"`
	BorrowAmount     int64  `json:"borrow_amount"`
	LeverageRatio    int64  `json:"leverage_ratio"`
	IsLong           bool   `json:"is_long"`
}

type liquidityChangeJSON struct {
	NewLiquidity int64                `json:"new_liquidity"`
	Leverage     *leverageRequestJSON `json:"leverage,omitempty"`
}

// ParseLiquidityChange decodes a pre/post liquidity event for one venue.
func ParseLiquidityChange(venue string, data []byte) (gateway.LiquidityChange, error) {
	var j liquidityChangeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return gateway.LiquidityChange{}, fmt.Errorf("parse liquidity change: %w", err)
	}
	if j.NewLiquidity < 0 {
		return gateway.LiquidityChange{}, fmt.Errorf("negative liquidity: %d", j.NewLiquidity)
	}

	change := gateway.LiquidityChange{
		Venue:        venue,
		NewLiquidity: j.NewLiquidity,
	}
	if j.Leverage != nil {
		trader, err := uuid.Parse(j.Leverage.Trader)
		if err != nil {
			return gateway.LiquidityChange{}, fmt.Errorf("parse trader: %w", err)
		}
		change.Leverage = &gateway.LeverageRequest{
			Trader:           trader,
			CollateralAsset:  j.Leverage.CollateralAsset,
			BorrowAsset:      j.Leverage.BorrowAsset,
			CollateralAmount: j.Leverage.CollateralAmount,
			BorrowAmount:     j.Leverage.BorrowAmount,
			LeverageRatio:    j.Leverage.LeverageRatio,
			IsLong:           j.Leverage.IsLong,
		}
	}
	return change, nil
}

type tradeJSON struct {
	Trader      string `json:"trader"`
	AssetIn     string `json:"asset_in"`
	AssetOut    string `json:"asset_out"`
	AmountIn    int64  `json:"amount_in"`
	PriceBps    int64  `json:"price_bps"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseTrade decodes a pre/post trade event for one venue.
func ParseTrade(venue string, data []byte) (gateway.Trade, error) {
	var j tradeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return gateway.Trade{}, fmt.Errorf("parse trade: %w", err)
	}
	if j.AmountIn <= 0 {
		return gateway.Trade{}, fmt.Errorf("non-positive trade amount: %d", j.AmountIn)
	}
	if j.PriceBps <= 0 {
		return gateway.Trade{}, fmt.Errorf("non-positive trade price: %d", j.PriceBps)
	}

	return gateway.Trade{
		Venue:       venue,
		Trader:      j.Trader,
		AssetIn:     j.AssetIn,
		AssetOut:    j.AssetOut,
		AmountIn:    j.AmountIn,
		PriceBps:    j.PriceBps,
		TimestampUs: j.TimestampUs,
	}, nil
}
