// Package risk defines the engine's error taxonomy and shared limits.
package risk

import (
	"errors"
	"fmt"
)

// Kind classifies a rejection. Cap/collateral kinds are recoverable by the
// caller adjusting parameters; authorization kinds are fatal to the call;
// OracleTimeout is retryable as-is.
type Kind int32

const (
	KindUnknown Kind = iota
	KindCapExceededGlobal
	KindCapExceededVenue
	KindInsufficientCollateral
	KindExcessiveLeverage
	KindZeroCollateral
	KindConsensusRejected
	KindCrossVenueExposureExceeded
	KindUtilizationExceeded
	KindVenuePaused
	KindPositionNotFound
	KindUnauthorizedCaller
	KindEmergencyPaused
	KindOracleTimeout
)

func (k Kind) String() string {
	switch k {
	case KindCapExceededGlobal:
		return "CapExceededGlobal"
	case KindCapExceededVenue:
		return "CapExceededVenue"
	case KindInsufficientCollateral:
		return "InsufficientCollateral"
	case KindExcessiveLeverage:
		return "ExcessiveLeverage"
	case KindZeroCollateral:
		return "ZeroCollateral"
	case KindConsensusRejected:
		return "ConsensusRejected"
	case KindCrossVenueExposureExceeded:
		return "CrossVenueExposureExceeded"
	case KindUtilizationExceeded:
		return "UtilizationExceeded"
	case KindVenuePaused:
		return "VenuePaused"
	case KindPositionNotFound:
		return "PositionNotFound"
	case KindUnauthorizedCaller:
		return "UnauthorizedCaller"
	case KindEmergencyPaused:
		return "EmergencyPaused"
	case KindOracleTimeout:
		return "OracleTimeout"
	default:
		return "Unknown"
	}
}

// Error is a typed rejection. Reason is the human-readable cause; for
// oracle-originated rejections it is the oracle's reason verbatim. Bound, when
// HasBound is set, carries the violated numeric limit (e.g. the remaining cap
// headroom) so callers can retry with a smaller amount.
type Error struct {
	Kind     Kind
	Reason   string
	Bound    int64
	HasBound bool
}

func (e *Error) Error() string {
	if e.HasBound {
		return fmt.Sprintf("%s: %s (bound=%d)", e.Kind, e.Reason, e.Bound)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is allows errors.Is matching against a bare-kind sentinel.
func (e *Error) Is(target error) bool {
	var re *Error
	if errors.As(target, &re) {
		return re.Kind == e.Kind
	}
	return false
}

// New creates a rejection without a numeric bound.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// NewBounded creates a rejection carrying the violated bound.
func NewBounded(kind Kind, reason string, bound int64) *Error {
	return &Error{Kind: kind, Reason: reason, Bound: bound, HasBound: true}
}

// KindOf extracts the Kind from any error in the chain, KindUnknown otherwise.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// ReasonOf extracts the rejection reason, falling back to err.Error().
func ReasonOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Retryable reports whether the caller may retry the identical request.
func Retryable(err error) bool {
	return KindOf(err) == KindOracleTimeout
}

// Recoverable reports whether the caller can succeed by adjusting parameters
// (smaller amount, more collateral, lower leverage).
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindCapExceededGlobal, KindCapExceededVenue,
		KindInsufficientCollateral, KindExcessiveLeverage,
		KindUtilizationExceeded:
		return true
	default:
		return false
	}
}

// Shared limits, all in basis points unless noted.
const (
	BpsScale = 10_000

	// CollateralRatioBps is the minimum collateral-to-borrowed ratio (150%).
	CollateralRatioBps = 15_000

	// MaxUtilizationBps caps venue utilization after any borrow (95%).
	MaxUtilizationBps = 9_500

	// MinLeverage and MaxGlobalLeverage bound the leverage ratio
	// (100 = 1x, 1000 = 10x).
	MinLeverage       = 100
	MaxGlobalLeverage = 1_000

	// BaseFundingRateBps is the funding rate below the utilization knee
	// (bps/day). Above FundingKneeBps the rate grows by (util-knee)/10.
	BaseFundingRateBps = 100
	FundingKneeBps     = 8_000

	// BaseFeeBps is the trading fee in the lowest utilization tier.
	// Tiers: <60% base, 60-80% 2x, >=80% 4x (cap).
	BaseFeeBps     = 500
	FeeTierMidBps  = 6_000
	FeeTierHighBps = 8_000

	// HealthyFactorBps is the minimum health factor before a position is
	// liquidation-eligible (120%).
	HealthyFactorBps = 1_200
)
