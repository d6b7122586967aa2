// Package event defines the domain events the engine emits and the bus that
// fans them out to persistence and live subscribers.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminator for event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypePositionOpened
	TypePositionClosed
	TypeBorrowAuthorized
	TypeBorrowRepaid
	TypeCollateralDeposited
	TypeCollateralWithdrawn
	TypeFundingRateUpdated
	TypeFeeUpdated
	TypeVenuePaused
	TypeManipulationDetected
	TypeVenueStateVerified
)

func (t Type) String() string {
	switch t {
	case TypePositionOpened:
		return "PositionOpened"
	case TypePositionClosed:
		return "PositionClosed"
	case TypeBorrowAuthorized:
		return "BorrowAuthorized"
	case TypeBorrowRepaid:
		return "BorrowRepaid"
	case TypeCollateralDeposited:
		return "CollateralDeposited"
	case TypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case TypeFundingRateUpdated:
		return "FundingRateUpdated"
	case TypeFeeUpdated:
		return "FeeUpdated"
	case TypeVenuePaused:
		return "VenuePaused"
	case TypeManipulationDetected:
		return "ManipulationDetected"
	case TypeVenueStateVerified:
		return "VenueStateVerified"
	default:
		return "Unknown"
	}
}

// Envelope wraps every emitted event. Sequence is monotonic per venue so
// downstream consumers observe venue-ordered delivery.
type Envelope struct {
	EventID   uuid.UUID   `json:"event_id"`
	Sequence  int64       `json:"sequence"`
	Type      Type        `json:"type"`
	Venue     string      `json:"venue,omitempty"`
	Trader    *uuid.UUID  `json:"trader,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// --- Payloads ---

type PositionOpened struct {
	PositionID       string `json:"position_id"`
	CollateralAsset  string `json:"collateral_asset"`
	BorrowAsset      string `json:"borrow_asset"`
	CollateralAmount int64  `json:"collateral_amount"`
	BorrowAmount     int64  `json:"borrow_amount"`
	LeverageRatio    int64  `json:"leverage_ratio"`
	IsLong           bool   `json:"is_long"`
}

type PositionClosed struct {
	PositionID         string `json:"position_id"`
	RealizedPnL        int64  `json:"realized_pnl"`
	FundingPaid        int64  `json:"funding_paid"`
	CollateralReturned int64  `json:"collateral_returned"`
}

type BorrowAuthorized struct {
	BorrowAsset        string `json:"borrow_asset"`
	BorrowAmount       int64  `json:"borrow_amount"`
	CollateralAsset    string `json:"collateral_asset"`
	SuppliedCollateral int64  `json:"supplied_collateral"`
}

type BorrowRepaid struct {
	BorrowAsset string `json:"borrow_asset"`
	Amount      int64  `json:"amount"`
}

type CollateralMoved struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

type FundingRateUpdated struct {
	OldRateBps     int64 `json:"old_rate_bps"`
	NewRateBps     int64 `json:"new_rate_bps"`
	UtilizationBps int64 `json:"utilization_bps"`
}

type FeeUpdated struct {
	OldFeeBps      int64 `json:"old_fee_bps"`
	NewFeeBps      int64 `json:"new_fee_bps"`
	UtilizationBps int64 `json:"utilization_bps"`
}

type VenuePaused struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
}

type ManipulationDetected struct {
	PriceDeviationBps int64    `json:"price_deviation_bps"`
	SuspiciousParties []string `json:"suspicious_parties,omitempty"`
}

type VenueStateVerified struct {
	UtilizationBps int64 `json:"utilization_bps"`
	Healthy        bool  `json:"healthy"`
}
