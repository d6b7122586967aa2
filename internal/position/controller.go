// Package position implements the Position Controller: the trader-facing
// lifecycle orchestrator for leveraged positions. It owns no balances itself;
// every counter lives in the Risk Ledger and every external check goes
// through the consensus oracle.
package position

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"RiskGate/internal/event"
	"RiskGate/internal/ledger"
	"RiskGate/internal/observability"
	"RiskGate/internal/oracle"
	"RiskGate/internal/risk"
)

// Custody moves assets between trader custody and engine custody. Pull must
// be safely reversible with Push until the open commits.
type Custody interface {
	Pull(ctx context.Context, trader uuid.UUID, asset string, amount int64) error
	Push(ctx context.Context, trader uuid.UUID, asset string, amount int64) error
}

// VenueExecutor executes the leveraged trade on the external venue. Close
// returns the realized proceeds in the borrow asset; the controller derives
// P&L from them.
type VenueExecutor interface {
	Open(ctx context.Context, p ledger.Position) error
	Close(ctx context.Context, p ledger.Position) (proceeds int64, err error)
}

// OpenRequest carries the trader's open parameters.
type OpenRequest struct {
	Venue            string
	Trader           uuid.UUID
	CollateralAsset  string
	CollateralAmount int64
	BorrowAsset      string
	BorrowAmount     int64
	LeverageRatio    int64
	IsLong           bool
}

// CloseResult is the outcome of a close: signed P&L, funding settled, and the
// collateral actually returned to the trader.
type CloseResult struct {
	PnL                int64
	FundingPaid        int64
	CollateralReturned int64
}

// Controller drives open, close, and health-check. ID derivation follows a
// hash chain over (trader, timestamp, nonce) so identifiers are unique and
// opaque.
type Controller struct {
	id      uuid.UUID
	ledger  *ledger.Ledger
	oracle  oracle.Consensus
	custody Custody
	venue   VenueExecutor
	sink    event.Sink
	log     zerolog.Logger
	metrics *observability.Metrics

	oracleTimeout time.Duration
	paused        atomic.Bool

	nonceMu sync.Mutex
	nonce   uint64
	now     func() time.Time
}

func NewController(id uuid.UUID, l *ledger.Ledger, consensus oracle.Consensus, custody Custody, venue VenueExecutor, oracleTimeout time.Duration, sink event.Sink, log zerolog.Logger) *Controller {
	if oracleTimeout <= 0 {
		oracleTimeout = 5 * time.Second
	}
	if sink == nil {
		sink = event.NopSink{}
	}
	return &Controller{
		id:            id,
		ledger:        l,
		oracle:        consensus,
		custody:       custody,
		venue:         venue,
		sink:          sink,
		log:           log,
		oracleTimeout: oracleTimeout,
		now:           time.Now,
	}
}

// ID returns the controller's caller identity registered with the ledger.
func (c *Controller) ID() uuid.UUID { return c.id }

// SetMetrics attaches the metric set. Optional; nil-safe.
func (c *Controller) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

func (c *Controller) openRejected(venue string, err error) {
	if c.metrics != nil {
		c.metrics.PositionRejected.WithLabelValues(venue, risk.KindOf(err).String()).Inc()
	}
}

// SetEmergencyPause flips the global pause flag. Paused controllers refuse
// new positions; closes always remain possible so traders can exit.
func (c *Controller) SetEmergencyPause(paused bool) {
	c.paused.Store(paused)
	c.log.Warn().Bool("paused", paused).Msg("emergency pause toggled")
}

func (c *Controller) Paused() bool { return c.paused.Load() }

// nextPositionID derives an opaque identifier from the trader, the wall
// clock, and a process-wide monotonic nonce.
func (c *Controller) nextPositionID(trader uuid.UUID, ts time.Time) string {
	c.nonceMu.Lock()
	c.nonce++
	nonce := c.nonce
	c.nonceMu.Unlock()

	hasher := sha256.New()
	hasher.Write(trader[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(ts.UnixNano()))
	hasher.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], nonce)
	hasher.Write(buf[:])

	return hex.EncodeToString(hasher.Sum(nil))
}

// OpenPosition runs the open pipeline. Any failure after the custody pull
// unwinds every prior step; there is no partial state.
func (c *Controller) OpenPosition(ctx context.Context, req OpenRequest) (string, error) {
	if c.paused.Load() {
		err := risk.New(risk.KindEmergencyPaused, "emergency paused")
		c.openRejected(req.Venue, err)
		return "", err
	}

	capBps := c.ledger.LeverageCap(req.Venue)
	if req.LeverageRatio < risk.MinLeverage || req.LeverageRatio > capBps {
		err := risk.NewBounded(risk.KindExcessiveLeverage, "exceeds leverage cap", capBps)
		c.openRejected(req.Venue, err)
		return "", err
	}
	if req.CollateralAmount <= 0 {
		err := risk.New(risk.KindZeroCollateral, "invalid collateral")
		c.openRejected(req.Venue, err)
		return "", err
	}

	if err := c.custody.Pull(ctx, req.Trader, req.CollateralAsset, req.CollateralAmount); err != nil {
		c.openRejected(req.Venue, err)
		return "", err
	}
	unwindCustody := func() {
		if perr := c.custody.Push(context.Background(), req.Trader, req.CollateralAsset, req.CollateralAmount); perr != nil {
			c.log.Error().Err(perr).Stringer("trader", req.Trader).Msg("custody rollback failed")
		}
	}

	borrowReq := ledger.BorrowRequest{
		Venue:              req.Venue,
		Trader:             req.Trader,
		BorrowAsset:        req.BorrowAsset,
		BorrowAmount:       req.BorrowAmount,
		CollateralAsset:    req.CollateralAsset,
		SuppliedCollateral: req.CollateralAmount,
	}
	if _, err := c.ledger.AuthorizeBorrow(ctx, c.id, borrowReq); err != nil {
		unwindCustody()
		c.openRejected(req.Venue, err)
		return "", err
	}
	unwindBorrow := func() {
		if verr := c.ledger.VoidAuthorization(c.id, borrowReq); verr != nil {
			c.log.Error().Err(verr).Msg("authorization rollback failed")
		}
	}

	claim := oracle.PositionClaim{
		Trader:           req.Trader,
		Venue:            req.Venue,
		CollateralAsset:  req.CollateralAsset,
		BorrowAsset:      req.BorrowAsset,
		CollateralAmount: req.CollateralAmount,
		BorrowAmount:     req.BorrowAmount,
		LeverageRatio:    req.LeverageRatio,
		IsLong:           req.IsLong,
	}
	octx, cancel := context.WithTimeout(ctx, c.oracleTimeout)
	exposure, err := c.oracle.CheckCrossVenueExposure(octx, req.Trader, claim)
	cancel()
	if err != nil {
		unwindBorrow()
		unwindCustody()
		c.openRejected(req.Venue, err)
		return "", err
	}
	if exposure.ExceedsLimit {
		unwindBorrow()
		unwindCustody()
		err := risk.NewBounded(risk.KindCrossVenueExposureExceeded,
			"exceeds cross-venue exposure", exposure.MaxAllowed)
		c.openRejected(req.Venue, err)
		return "", err
	}

	ts := c.now()
	p := ledger.Position{
		ID:                   c.nextPositionID(req.Trader, ts),
		Trader:               req.Trader,
		Venue:                req.Venue,
		CollateralAsset:      req.CollateralAsset,
		BorrowAsset:          req.BorrowAsset,
		CollateralAmount:     req.CollateralAmount,
		BorrowedAmount:       req.BorrowAmount,
		LeverageRatio:        req.LeverageRatio,
		IsLong:               req.IsLong,
		OpenedAtUnix:         ts.Unix(),
		FundingSettledAtUnix: ts.Unix(),
	}

	if c.venue != nil {
		if err := c.venue.Open(ctx, p); err != nil {
			unwindBorrow()
			unwindCustody()
			c.openRejected(req.Venue, err)
			return "", err
		}
	}

	if err := c.ledger.RegisterPosition(c.id, p); err != nil {
		unwindBorrow()
		unwindCustody()
		c.openRejected(req.Venue, err)
		return "", err
	}

	if c.metrics != nil {
		c.metrics.PositionsOpened.WithLabelValues(req.Venue).Inc()
		c.metrics.ActivePositions.WithLabelValues(req.Venue).Inc()
	}

	trader := req.Trader
	c.sink.Emit(event.Envelope{
		Type:   event.TypePositionOpened,
		Venue:  req.Venue,
		Trader: &trader,
		Payload: event.PositionOpened{
			PositionID:       p.ID,
			CollateralAsset:  p.CollateralAsset,
			BorrowAsset:      p.BorrowAsset,
			CollateralAmount: p.CollateralAmount,
			BorrowAmount:     p.BorrowedAmount,
			LeverageRatio:    p.LeverageRatio,
			IsLong:           p.IsLong,
		},
	})

	c.log.Info().
		Str("position", p.ID).
		Stringer("trader", req.Trader).
		Str("venue", req.Venue).
		Int64("leverage", req.LeverageRatio).
		Msg("position opened")

	return p.ID, nil
}

// fundingOwed accrues the venue's funding rate (bps per day) over the holding
// period against the borrowed amount. The intermediate products can overflow
// int64 for large borrows, so the slow path goes through big.Int with the same
// flooring order as the fast path.
func fundingOwed(borrowed, rateBps, heldSeconds int64) int64 {
	if borrowed <= 0 || rateBps <= 0 || heldSeconds <= 0 {
		return 0
	}
	if borrowed <= math.MaxInt64/rateBps {
		perDay := borrowed * rateBps / risk.BpsScale
		if perDay == 0 || heldSeconds <= math.MaxInt64/perDay {
			return perDay * heldSeconds / 86_400
		}
	}
	r := new(big.Int).Mul(big.NewInt(borrowed), big.NewInt(rateBps))
	r.Quo(r, big.NewInt(risk.BpsScale))
	r.Mul(r, big.NewInt(heldSeconds))
	r.Quo(r, big.NewInt(86_400))
	return r.Int64()
}

// ClosePosition settles funding, repays the borrow, returns remaining
// collateral, and destroys the position. The caller must own the position.
func (c *Controller) ClosePosition(ctx context.Context, trader uuid.UUID, positionID, venue string) (CloseResult, error) {
	p, err := c.ledger.Position(positionID)
	if err != nil {
		return CloseResult{}, err
	}
	if p.Trader != trader || p.Venue != venue {
		return CloseResult{}, risk.New(risk.KindPositionNotFound, "not found")
	}

	// Deactivate first so concurrent closes of the same position race on the
	// ledger's active flag: the loser fails here, before any side effects.
	closed, err := c.ledger.DeactivatePosition(c.id, positionID)
	if err != nil {
		return CloseResult{}, err
	}
	reopen := func() {
		if rerr := c.ledger.RegisterPosition(c.id, closed); rerr != nil {
			c.log.Error().Err(rerr).Str("position", positionID).Msg("position reactivation failed")
		}
	}

	proceeds := closed.BorrowedAmount
	if c.venue != nil {
		proceeds, err = c.venue.Close(ctx, closed)
		if err != nil {
			reopen()
			return CloseResult{}, err
		}
	}
	pnl := proceeds - closed.BorrowedAmount

	anchor := closed.FundingSettledAtUnix
	if anchor == 0 {
		anchor = closed.OpenedAtUnix
	}
	held := c.now().Unix() - anchor
	funding := fundingOwed(closed.BorrowedAmount, c.ledger.FundingRateBps(venue), held)

	if err := c.ledger.RepayBorrow(c.id, venue, trader, closed.BorrowAsset, closed.BorrowedAmount, closed.CollateralAsset); err != nil {
		reopen()
		return CloseResult{}, err
	}

	returned := closed.CollateralAmount + pnl - funding
	if returned < 0 {
		returned = 0
	}
	// From here the venue leg is flat and the borrow is repaid; a failure no
	// longer unwinds the close. The payout stays in the trader's ledger balance
	// for a later withdrawal instead.
	if err := c.ledger.ReleaseCollateral(c.id, trader, closed.CollateralAsset, returned); err != nil {
		return CloseResult{}, err
	}
	if err := c.custody.Push(ctx, trader, closed.CollateralAsset, returned); err != nil {
		if rerr := c.ledger.RestoreCollateral(c.id, trader, closed.CollateralAsset, returned); rerr != nil {
			c.log.Error().Err(rerr).Str("position", positionID).Msg("payout restore failed")
		}
		return CloseResult{}, err
	}

	if c.metrics != nil {
		c.metrics.PositionsClosed.WithLabelValues(venue).Inc()
		c.metrics.ActivePositions.WithLabelValues(venue).Dec()
	}

	t := trader
	c.sink.Emit(event.Envelope{
		Type:   event.TypePositionClosed,
		Venue:  venue,
		Trader: &t,
		Payload: event.PositionClosed{
			PositionID:         positionID,
			RealizedPnL:        pnl,
			FundingPaid:        funding,
			CollateralReturned: returned,
		},
	})

	c.log.Info().
		Str("position", positionID).
		Stringer("trader", trader).
		Int64("pnl", pnl).
		Int64("funding", funding).
		Msg("position closed")

	return CloseResult{PnL: pnl, FundingPaid: funding, CollateralReturned: returned}, nil
}

// CheckPositionHealth asks the oracle for the position's health factor.
// Read-only.
func (c *Controller) CheckPositionHealth(ctx context.Context, positionID string) (bool, int64, error) {
	if _, err := c.ledger.Position(positionID); err != nil {
		return false, 0, err
	}

	octx, cancel := context.WithTimeout(ctx, c.oracleTimeout)
	defer cancel()
	check, err := c.oracle.CheckLiquidation(octx, positionID)
	if err != nil {
		return false, 0, err
	}
	return check.HealthFactorBps >= risk.HealthyFactorBps, check.HealthFactorBps, nil
}
