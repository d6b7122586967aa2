// Package oracle defines the consensus-validation boundary. The engine never
// sees the consensus mechanism itself — only a yes/no-with-reason answer and a
// small set of read queries, served by a quorum of external operators.
package oracle

import (
	"context"

	"github.com/google/uuid"
)

// PositionClaim is the position context sent with validation requests.
type PositionClaim struct {
	PositionID       string    `json:"position_id,omitempty"`
	Trader           uuid.UUID `json:"trader"`
	Venue            string    `json:"venue"`
	CollateralAsset  string    `json:"collateral_asset"`
	BorrowAsset      string    `json:"borrow_asset"`
	CollateralAmount int64     `json:"collateral_amount"`
	BorrowAmount     int64     `json:"borrow_amount"`
	LeverageRatio    int64     `json:"leverage_ratio"`
	IsLong           bool      `json:"is_long"`
}

// TradeParams describes a trade awaiting pre-execution verification.
type TradeParams struct {
	Trader    string `json:"trader"`
	AssetIn   string `json:"asset_in"`
	AssetOut  string `json:"asset_out"`
	AmountIn  int64  `json:"amount_in"`
	PriceBps  int64  `json:"price_bps"`
	Timestamp int64  `json:"timestamp_us"`
}

// BorrowValidation is the oracle's answer to a borrow request.
type BorrowValidation struct {
	CanBorrow          bool   `json:"can_borrow"`
	MaxAmount          int64  `json:"max_amount"`
	RequiredCollateral int64  `json:"required_collateral"`
	Reason             string `json:"reason"`
}

// ManipulationCheck reports suspected market manipulation.
type ManipulationCheck struct {
	IsManipulated      bool     `json:"is_manipulated"`
	PriceDeviationBps  int64    `json:"price_deviation_bps"`
	VolumeAnomalyBps   int64    `json:"volume_anomaly_bps"`
	LiquidityChangeBps int64    `json:"liquidity_change_bps"`
	SuspiciousParties  []string `json:"suspicious_parties,omitempty"`
}

// ExposureCheck is the cross-venue aggregate exposure answer for a trader.
type ExposureCheck struct {
	ExceedsLimit    bool  `json:"exceeds_limit"`
	CurrentExposure int64 `json:"current_exposure"`
	MaxAllowed      int64 `json:"max_allowed"`
}

// LiquidationCheck is the oracle's health verdict for a position.
type LiquidationCheck struct {
	ShouldLiquidate  bool  `json:"should_liquidate"`
	LiquidationPrice int64 `json:"liquidation_price"`
	HealthFactorBps  int64 `json:"health_factor_bps"`
}

// UtilizationReport is the oracle's view of a venue's pool. Its funding rate
// is an observation only — the ledger's own formula is authoritative and this
// value is never written into ledger state.
type UtilizationReport struct {
	Liquidity      int64 `json:"liquidity"`
	Borrowed       int64 `json:"borrowed"`
	UtilizationBps int64 `json:"utilization_bps"`
	FundingRateBps int64 `json:"funding_rate_bps"`
	IsAtCapacity   bool  `json:"is_at_capacity"`
}

// Consensus is the capability interface injected into the Risk Ledger, the
// Position Controller, and the Market Event Gateway. Calls may block for an
// external round trip; implementations must honor ctx deadlines and the
// caller maps expiry to an OracleTimeout rejection.
type Consensus interface {
	ValidatePosition(ctx context.Context, claim PositionClaim, proofs [][]byte) (bool, string, error)
	ValidateBorrow(ctx context.Context, venue string, borrower uuid.UUID, borrowAsset string, amount int64, collateralAsset string) (BorrowValidation, error)
	VerifyTrade(ctx context.Context, venue string, trade TradeParams) (bool, error)
	CheckManipulation(ctx context.Context, venue string, priceData, volumeData []int64) (ManipulationCheck, error)
	CheckCrossVenueExposure(ctx context.Context, trader uuid.UUID, newPosition PositionClaim) (ExposureCheck, error)
	CheckLiquidation(ctx context.Context, positionID string) (LiquidationCheck, error)
	GetUtilization(ctx context.Context, venue string) (UtilizationReport, error)
}
