package oracle

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"RiskGate/internal/risk"
)

// Stub is a programmable in-process Consensus implementation. Every answer
// defaults to approval; tests flip individual verdicts or force a timeout.
type Stub struct {
	mu sync.Mutex

	RejectBorrowReason   string // non-empty: ValidateBorrow declines with this reason
	RejectPositionReason string // non-empty: ValidatePosition declines
	TradeVerdict         bool
	Manipulation         ManipulationCheck
	Exposure             ExposureCheck
	Liquidation          LiquidationCheck
	Utilization          UtilizationReport
	TimeoutAll           bool // every call fails with OracleTimeout

	Calls []string
}

func NewStub() *Stub {
	return &Stub{
		TradeVerdict: true,
		Liquidation:  LiquidationCheck{HealthFactorBps: 15_000},
	}
}

func (s *Stub) record(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, method)
	if s.TimeoutAll {
		return risk.New(risk.KindOracleTimeout, "oracle timeout")
	}
	return nil
}

func (s *Stub) ValidatePosition(ctx context.Context, claim PositionClaim, proofs [][]byte) (bool, string, error) {
	if err := s.record("ValidatePosition"); err != nil {
		return false, "", err
	}
	if s.RejectPositionReason != "" {
		return false, s.RejectPositionReason, nil
	}
	return true, ReasonConsensusReached, nil
}

func (s *Stub) ValidateBorrow(ctx context.Context, venue string, borrower uuid.UUID, borrowAsset string, amount int64, collateralAsset string) (BorrowValidation, error) {
	if err := s.record("ValidateBorrow"); err != nil {
		return BorrowValidation{}, err
	}
	if s.RejectBorrowReason != "" {
		return BorrowValidation{CanBorrow: false, Reason: s.RejectBorrowReason}, nil
	}
	return BorrowValidation{CanBorrow: true, MaxAmount: amount, Reason: ReasonConsensusReached}, nil
}

func (s *Stub) VerifyTrade(ctx context.Context, venue string, trade TradeParams) (bool, error) {
	if err := s.record("VerifyTrade"); err != nil {
		return false, err
	}
	return s.TradeVerdict, nil
}

func (s *Stub) CheckManipulation(ctx context.Context, venue string, priceData, volumeData []int64) (ManipulationCheck, error) {
	if err := s.record("CheckManipulation"); err != nil {
		return ManipulationCheck{}, err
	}
	return s.Manipulation, nil
}

func (s *Stub) CheckCrossVenueExposure(ctx context.Context, trader uuid.UUID, newPosition PositionClaim) (ExposureCheck, error) {
	if err := s.record("CheckCrossVenueExposure"); err != nil {
		return ExposureCheck{}, err
	}
	return s.Exposure, nil
}

func (s *Stub) CheckLiquidation(ctx context.Context, positionID string) (LiquidationCheck, error) {
	if err := s.record("CheckLiquidation"); err != nil {
		return LiquidationCheck{}, err
	}
	return s.Liquidation, nil
}

func (s *Stub) GetUtilization(ctx context.Context, venue string) (UtilizationReport, error) {
	if err := s.record("GetUtilization"); err != nil {
		return UtilizationReport{}, err
	}
	return s.Utilization, nil
}
