// Package gateway implements the Market Event Gateway: the four venue hooks
// (pre/post liquidity change, pre/post trade) that keep risk state and
// dynamic pricing consistent with what the venue is doing.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"RiskGate/internal/event"
	"RiskGate/internal/ledger"
	"RiskGate/internal/observability"
	"RiskGate/internal/oracle"
	"RiskGate/internal/refprice"
	"RiskGate/internal/risk"
)

// FeePublisher pushes a recomputed trading fee back to the venue.
type FeePublisher interface {
	PublishFee(ctx context.Context, venue string, feeBps int64) error
}

// NopFeePublisher discards fee updates.
type NopFeePublisher struct{}

func (NopFeePublisher) PublishFee(context.Context, string, int64) error { return nil }

// LeverageRequest is the leverage intent attached to a liquidity change.
type LeverageRequest struct {
	Trader           uuid.UUID `json:"trader"`
	CollateralAsset  string    `json:"collateral_asset"`
	BorrowAsset      string    `json:"borrow_asset"`
	CollateralAmount int64     `json:"collateral_amount"`
	BorrowAmount     int64     `json:"borrow_amount"`
	LeverageRatio    int64     `json:"leverage_ratio"`
	IsLong           bool      `json:"is_long"`
}

// LiquidityChange is a venue liquidity event, optionally carrying a leverage
// request that must be validated before the liquidity operation may proceed.
type LiquidityChange struct {
	Venue        string           `json:"venue"`
	NewLiquidity int64            `json:"new_liquidity"`
	Leverage     *LeverageRequest `json:"leverage,omitempty"`
}

// Trade is a venue trade awaiting pre-execution screening.
type Trade struct {
	Venue       string `json:"venue"`
	Trader      string `json:"trader"`
	AssetIn     string `json:"asset_in"`
	AssetOut    string `json:"asset_out"`
	AmountIn    int64  `json:"amount_in"`
	PriceBps    int64  `json:"price_bps"`
	TimestampUs int64  `json:"timestamp_us"`
}

// Gateway tracks one validation state machine per venue and drives the hook
// pipeline against the ledger and the oracle.
type Gateway struct {
	mu     sync.Mutex
	states map[string]State

	ledger   *ledger.Ledger
	oracle   oracle.Consensus
	fees     FeePublisher
	refstore refprice.Store

	// deviationBps flags a trade as suspicious when its price strays this
	// far from the rolling reference.
	deviationBps  int64
	oracleTimeout time.Duration

	sink    event.Sink
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(l *ledger.Ledger, consensus oracle.Consensus, fees FeePublisher, refstore refprice.Store, deviationBps int64, oracleTimeout time.Duration, sink event.Sink, log zerolog.Logger) *Gateway {
	if fees == nil {
		fees = NopFeePublisher{}
	}
	if refstore == nil {
		refstore = refprice.NewMemory(32)
	}
	if deviationBps <= 0 {
		deviationBps = 500
	}
	if oracleTimeout <= 0 {
		oracleTimeout = 5 * time.Second
	}
	if sink == nil {
		sink = event.NopSink{}
	}
	return &Gateway{
		states:        make(map[string]State),
		ledger:        l,
		oracle:        consensus,
		fees:          fees,
		refstore:      refstore,
		deviationBps:  deviationBps,
		oracleTimeout: oracleTimeout,
		sink:          sink,
		log:           log,
	}
}

// SetMetrics attaches the metric set. Optional; nil-safe.
func (g *Gateway) SetMetrics(m *observability.Metrics) {
	g.metrics = m
}

// VenueState returns the venue's current validation state.
func (g *Gateway) VenueState(venue string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[venue]
}

// begin moves a venue into Validating. A settled verdict folds back to Idle
// first, so the last verdict stays observable between events.
func (g *Gateway) begin(venue string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.states[venue]
	if cur == StateAdmitted || cur == StateRejected {
		cur = StateIdle
	}
	if !cur.CanTransitionTo(StateValidating) {
		return fmt.Errorf("venue %s: illegal transition %s -> %s", venue, cur, StateValidating)
	}
	g.states[venue] = StateValidating
	return nil
}

func (g *Gateway) settle(venue string, verdict State) {
	g.mu.Lock()
	g.states[venue] = verdict
	g.mu.Unlock()
}

// BeforeLiquidityChange validates any attached leverage request. A rejection
// aborts the liquidity operation entirely.
func (g *Gateway) BeforeLiquidityChange(ctx context.Context, change LiquidityChange) error {
	if err := g.begin(change.Venue); err != nil {
		return err
	}

	err := g.validateLeverage(ctx, change)
	if err != nil {
		g.settle(change.Venue, StateRejected)
		g.log.Warn().
			Str("venue", change.Venue).
			Str("reason", risk.ReasonOf(err)).
			Msg("liquidity change rejected")
		return err
	}

	g.settle(change.Venue, StateAdmitted)
	return nil
}

func (g *Gateway) validateLeverage(ctx context.Context, change LiquidityChange) error {
	req := change.Leverage
	if req == nil {
		return nil
	}

	if req.LeverageRatio > risk.MaxGlobalLeverage {
		return risk.NewBounded(risk.KindExcessiveLeverage, "exceeds leverage cap", risk.MaxGlobalLeverage)
	}
	if req.CollateralAmount == 0 {
		return risk.New(risk.KindZeroCollateral, "invalid collateral")
	}

	claim := oracle.PositionClaim{
		Trader:           req.Trader,
		Venue:            change.Venue,
		CollateralAsset:  req.CollateralAsset,
		BorrowAsset:      req.BorrowAsset,
		CollateralAmount: req.CollateralAmount,
		BorrowAmount:     req.BorrowAmount,
		LeverageRatio:    req.LeverageRatio,
		IsLong:           req.IsLong,
	}

	octx, cancel := context.WithTimeout(ctx, g.oracleTimeout)
	defer cancel()

	ok, reason, err := g.oracle.ValidatePosition(octx, claim, nil)
	if err != nil {
		return err
	}
	if !ok {
		return risk.New(risk.KindConsensusRejected, reason)
	}

	exposure, err := g.oracle.CheckCrossVenueExposure(octx, req.Trader, claim)
	if err != nil {
		return err
	}
	if exposure.ExceedsLimit {
		return risk.NewBounded(risk.KindCrossVenueExposureExceeded,
			"exceeds cross-venue exposure", exposure.MaxAllowed)
	}

	return g.ledger.CheckBorrowAllowed(change.Venue, req.BorrowAsset, req.BorrowAmount)
}

// AfterLiquidityChange folds the venue's new liquidity into the ledger,
// refreshes the funding rate, and republishes the trading fee when it crosses
// a tier.
func (g *Gateway) AfterLiquidityChange(ctx context.Context, venue string, newLiquidity int64) error {
	utilBps := g.ledger.SetVenueLiquidity(venue, newLiquidity)

	if _, err := g.ledger.UpdateFundingRate(venue); err != nil {
		return err
	}

	feeBps, changed := g.ledger.RecomputeFee(venue)
	if changed {
		if err := g.fees.PublishFee(ctx, venue, feeBps); err != nil {
			return fmt.Errorf("publish fee: %w", err)
		}
		if g.metrics != nil {
			g.metrics.FeeRepublished.WithLabelValues(venue).Inc()
		}
		g.log.Info().
			Str("venue", venue).
			Int64("fee_bps", feeBps).
			Int64("utilization_bps", utilBps).
			Msg("trading fee republished")
	}
	return nil
}

// BeforeTrade screens a trade: consensus verification first, then an
// independent reference-price deviation check. Only a failed verification
// aborts the trade; a deviation alone raises a manipulation event.
func (g *Gateway) BeforeTrade(ctx context.Context, trade Trade) error {
	if err := g.begin(trade.Venue); err != nil {
		return err
	}

	octx, cancel := context.WithTimeout(ctx, g.oracleTimeout)
	defer cancel()

	ok, err := g.oracle.VerifyTrade(octx, trade.Venue, oracle.TradeParams{
		Trader:    trade.Trader,
		AssetIn:   trade.AssetIn,
		AssetOut:  trade.AssetOut,
		AmountIn:  trade.AmountIn,
		PriceBps:  trade.PriceBps,
		Timestamp: trade.TimestampUs,
	})
	if err != nil {
		g.settle(trade.Venue, StateRejected)
		return err
	}
	if !ok {
		g.settle(trade.Venue, StateRejected)
		return risk.New(risk.KindConsensusRejected, "trade verification failed")
	}

	g.screenDeviation(octx, trade)

	g.settle(trade.Venue, StateAdmitted)
	return nil
}

// screenDeviation compares the trade price to the rolling reference and, past
// the threshold, asks the oracle who to flag. Only executed trades feed the
// reference window (see AfterTrade), so a rejected trade cannot poison it.
func (g *Gateway) screenDeviation(ctx context.Context, trade Trade) {
	ref, ok, err := g.refstore.Reference(ctx, trade.Venue)
	if err != nil {
		g.log.Warn().Err(err).Str("venue", trade.Venue).Msg("reference price unavailable")
	}
	if !ok {
		return
	}

	deviation := refprice.DeviationBps(trade.PriceBps, ref)
	if deviation < g.deviationBps {
		return
	}

	if g.metrics != nil {
		g.metrics.ManipulationFlags.WithLabelValues(trade.Venue).Inc()
	}

	var parties []string
	if check, cerr := g.oracle.CheckManipulation(ctx, trade.Venue,
		[]int64{ref, trade.PriceBps}, []int64{trade.AmountIn}); cerr == nil {
		parties = check.SuspiciousParties
	}

	g.sink.Emit(event.Envelope{
		Type:  event.TypeManipulationDetected,
		Venue: trade.Venue,
		Payload: event.ManipulationDetected{
			PriceDeviationBps: deviation,
			SuspiciousParties: parties,
		},
	})

	g.log.Warn().
		Str("venue", trade.Venue).
		Int64("deviation_bps", deviation).
		Msg("price deviation flagged")
}

// AfterTrade records the executed trade's price into the reference window,
// cross-checks the ledger's utilization against the oracle's view, and emits
// the venue health verdict.
func (g *Gateway) AfterTrade(ctx context.Context, trade Trade) error {
	if err := g.refstore.Record(ctx, trade.Venue, trade.PriceBps); err != nil {
		g.log.Warn().Err(err).Str("venue", trade.Venue).Msg("reference price record failed")
	}

	snap := g.ledger.Venue(trade.Venue)
	healthy := snap.UtilizationBps <= risk.MaxUtilizationBps

	octx, cancel := context.WithTimeout(ctx, g.oracleTimeout)
	oracleUtil, err := g.oracle.GetUtilization(octx, trade.Venue)
	cancel()
	switch {
	case err != nil:
		g.log.Warn().Err(err).Str("venue", trade.Venue).Msg("oracle utilization unavailable")
	case absDiff(oracleUtil.UtilizationBps, snap.UtilizationBps) > utilizationDriftBps:
		// Observation only: the ledger's own books stay authoritative.
		g.log.Warn().
			Str("venue", trade.Venue).
			Int64("ledger_bps", snap.UtilizationBps).
			Int64("oracle_bps", oracleUtil.UtilizationBps).
			Msg("utilization drift against oracle view")
	}

	g.sink.Emit(event.Envelope{
		Type:  event.TypeVenueStateVerified,
		Venue: trade.Venue,
		Payload: event.VenueStateVerified{
			UtilizationBps: snap.UtilizationBps,
			Healthy:        healthy,
		},
	})
	return nil
}

// utilizationDriftBps is how far the ledger's utilization may stray from the
// oracle's before the post-trade cross-check logs it.
const utilizationDriftBps = 100

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
