package gateway_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"RiskGate/internal/event"
	"RiskGate/internal/gateway"
	"RiskGate/internal/ledger"
	"RiskGate/internal/observability"
	"RiskGate/internal/oracle"
	"RiskGate/internal/refprice"
	"RiskGate/internal/risk"
)

const (
	asset = "USDC"
	venue = "amm-alpha"
)

type feeCall struct {
	Venue  string
	FeeBps int64
}

type fakeFees struct {
	calls []feeCall
}

func (f *fakeFees) PublishFee(_ context.Context, venue string, feeBps int64) error {
	f.calls = append(f.calls, feeCall{venue, feeBps})
	return nil
}

type fixture struct {
	gateway    *gateway.Gateway
	ledger     *ledger.Ledger
	oracle     *oracle.Stub
	fees       *fakeFees
	events     *event.Recorder
	owner      uuid.UUID
	controller uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		oracle:     oracle.NewStub(),
		fees:       &fakeFees{},
		events:     event.NewRecorder(),
		owner:      uuid.New(),
		controller: uuid.New(),
	}
	f.ledger = ledger.New(f.owner, f.oracle, time.Second, f.events, zerolog.Nop())
	f.gateway = gateway.New(f.ledger, f.oracle, f.fees, refprice.NewMemory(8), 500,
		time.Second, f.events, zerolog.Nop())

	if err := f.ledger.AuthorizeController(f.owner, f.controller); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.SetGlobalCap(f.owner, asset, 2_000_000); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.SetVenueCap(f.owner, venue, asset, 1_000_000); err != nil {
		t.Fatal(err)
	}
	f.ledger.SetVenueLiquidity(venue, 1_000_000)
	return f
}

// borrowTo pushes outstanding borrows onto the venue so hooks observe real
// utilization.
func (f *fixture) borrowTo(t *testing.T, amount int64) {
	t.Helper()
	_, err := f.ledger.AuthorizeBorrow(context.Background(), f.controller, ledger.BorrowRequest{
		Venue:              venue,
		Trader:             uuid.New(),
		BorrowAsset:        asset,
		BorrowAmount:       amount,
		CollateralAsset:    asset,
		SuppliedCollateral: amount * 3 / 2,
	})
	if err != nil {
		t.Fatalf("borrow %d: %v", amount, err)
	}
}

func leveragedChange(borrow int64) gateway.LiquidityChange {
	return gateway.LiquidityChange{
		Venue:        venue,
		NewLiquidity: 1_000_000,
		Leverage: &gateway.LeverageRequest{
			Trader:           uuid.New(),
			CollateralAsset:  asset,
			BorrowAsset:      asset,
			CollateralAmount: borrow * 3 / 2,
			BorrowAmount:     borrow,
			LeverageRatio:    300,
			IsLong:           true,
		},
	}
}

func sampleTrade(priceBps int64) gateway.Trade {
	return gateway.Trade{
		Venue:       venue,
		Trader:      uuid.NewString(),
		AssetIn:     asset,
		AssetOut:    "WETH",
		AmountIn:    1_000,
		PriceBps:    priceBps,
		TimestampUs: time.Now().UnixMicro(),
	}
}

// ============================================================================
// Test: state machine
// ============================================================================

func TestState_Transitions(t *testing.T) {
	legal := []struct {
		from, to gateway.State
	}{
		{gateway.StateIdle, gateway.StateValidating},
		{gateway.StateValidating, gateway.StateAdmitted},
		{gateway.StateValidating, gateway.StateRejected},
		{gateway.StateAdmitted, gateway.StateIdle},
		{gateway.StateRejected, gateway.StateIdle},
	}
	for _, tr := range legal {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be legal", tr.from, tr.to)
		}
	}

	illegal := []struct {
		from, to gateway.State
	}{
		{gateway.StateIdle, gateway.StateAdmitted},
		{gateway.StateIdle, gateway.StateRejected},
		{gateway.StateAdmitted, gateway.StateRejected},
		{gateway.StateRejected, gateway.StateAdmitted},
		{gateway.StateValidating, gateway.StateIdle},
	}
	for _, tr := range illegal {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be illegal", tr.from, tr.to)
		}
	}
}

func TestGateway_VerdictObservableBetweenEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if f.gateway.VenueState(venue) != gateway.StateIdle {
		t.Fatal("fresh venue should be Idle")
	}

	if err := f.gateway.BeforeLiquidityChange(ctx, gateway.LiquidityChange{Venue: venue, NewLiquidity: 1}); err != nil {
		t.Fatalf("before: %v", err)
	}
	if got := f.gateway.VenueState(venue); got != gateway.StateAdmitted {
		t.Errorf("state after admit: got %s", got)
	}

	// The settled verdict folds to Idle when the next event begins.
	f.oracle.TradeVerdict = false
	if err := f.gateway.BeforeTrade(ctx, sampleTrade(10_000)); err == nil {
		t.Fatal("expected trade rejection")
	}
	if got := f.gateway.VenueState(venue); got != gateway.StateRejected {
		t.Errorf("state after reject: got %s", got)
	}
}

// ============================================================================
// Test: BeforeLiquidityChange
// ============================================================================

func TestBeforeLiquidityChange_NoLeverageAdmits(t *testing.T) {
	f := newFixture(t)

	err := f.gateway.BeforeLiquidityChange(context.Background(),
		gateway.LiquidityChange{Venue: venue, NewLiquidity: 500_000})
	if err != nil {
		t.Fatalf("plain liquidity change: %v", err)
	}
	// No oracle round trip for plain liquidity moves.
	if len(f.oracle.Calls) != 0 {
		t.Errorf("oracle calls: %v, want none", f.oracle.Calls)
	}
}

func TestBeforeLiquidityChange_ExcessiveLeverage(t *testing.T) {
	f := newFixture(t)

	change := leveragedChange(100_000)
	change.Leverage.LeverageRatio = 1_001
	err := f.gateway.BeforeLiquidityChange(context.Background(), change)
	if risk.KindOf(err) != risk.KindExcessiveLeverage {
		t.Fatalf("kind: got %v, want ExcessiveLeverage", risk.KindOf(err))
	}
	if got := f.gateway.VenueState(venue); got != gateway.StateRejected {
		t.Errorf("state: got %s, want Rejected", got)
	}
}

func TestBeforeLiquidityChange_ZeroCollateral(t *testing.T) {
	f := newFixture(t)

	change := leveragedChange(100_000)
	change.Leverage.CollateralAmount = 0
	err := f.gateway.BeforeLiquidityChange(context.Background(), change)
	if risk.KindOf(err) != risk.KindZeroCollateral {
		t.Fatalf("kind: got %v, want ZeroCollateral", risk.KindOf(err))
	}
}

func TestBeforeLiquidityChange_OracleRejectPassthrough(t *testing.T) {
	f := newFixture(t)
	f.oracle.RejectPositionReason = "position claim does not match venue state"

	err := f.gateway.BeforeLiquidityChange(context.Background(), leveragedChange(100_000))
	if risk.KindOf(err) != risk.KindConsensusRejected {
		t.Fatalf("kind: got %v, want ConsensusRejected", risk.KindOf(err))
	}
	if risk.ReasonOf(err) != "position claim does not match venue state" {
		t.Errorf("reason: got %q", risk.ReasonOf(err))
	}
}

func TestBeforeLiquidityChange_ExposureLimit(t *testing.T) {
	f := newFixture(t)
	f.oracle.Exposure = oracle.ExposureCheck{ExceedsLimit: true, MaxAllowed: 50_000}

	err := f.gateway.BeforeLiquidityChange(context.Background(), leveragedChange(100_000))
	if risk.KindOf(err) != risk.KindCrossVenueExposureExceeded {
		t.Fatalf("kind: got %v, want CrossVenueExposureExceeded", risk.KindOf(err))
	}
}

func TestBeforeLiquidityChange_CapCheck(t *testing.T) {
	f := newFixture(t)

	err := f.gateway.BeforeLiquidityChange(context.Background(), leveragedChange(1_200_000))
	if risk.KindOf(err) != risk.KindCapExceededVenue {
		t.Fatalf("kind: got %v, want CapExceededVenue", risk.KindOf(err))
	}
	// Inline validation only: nothing committed.
	if f.ledger.GlobalBorrowed(asset) != 0 {
		t.Error("gateway validation must not move counters")
	}
}

// ============================================================================
// Test: AfterLiquidityChange
// ============================================================================

func TestAfterLiquidityChange_RepricesVenue(t *testing.T) {
	f := newFixture(t)
	f.borrowTo(t, 850_000)

	// Pool shrinks to 1M with 850k outstanding: 85% utilization.
	if err := f.gateway.AfterLiquidityChange(context.Background(), venue, 1_000_000); err != nil {
		t.Fatalf("after: %v", err)
	}

	snap := f.ledger.Venue(venue)
	if snap.FundingRateBps != 150 {
		t.Errorf("funding rate: got %d, want 150", snap.FundingRateBps)
	}
	if snap.FeeBps != 2_000 {
		t.Errorf("fee: got %d, want 2000", snap.FeeBps)
	}

	// The tier change is pushed back to the venue.
	if len(f.fees.calls) != 1 || f.fees.calls[0] != (feeCall{venue, 2_000}) {
		t.Errorf("fee publishes: %+v", f.fees.calls)
	}
}

func TestAfterLiquidityChange_NoRepublishWithoutTierChange(t *testing.T) {
	f := newFixture(t)
	f.borrowTo(t, 100_000)

	if err := f.gateway.AfterLiquidityChange(context.Background(), venue, 1_000_000); err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(f.fees.calls) != 0 {
		t.Errorf("fee publishes: %+v, want none", f.fees.calls)
	}
}

// ============================================================================
// Test: BeforeTrade / AfterTrade
// ============================================================================

func TestBeforeTrade_VerificationFailure(t *testing.T) {
	f := newFixture(t)
	f.oracle.TradeVerdict = false

	err := f.gateway.BeforeTrade(context.Background(), sampleTrade(10_000))
	if risk.KindOf(err) != risk.KindConsensusRejected {
		t.Fatalf("kind: got %v, want ConsensusRejected", risk.KindOf(err))
	}
	if risk.ReasonOf(err) != "trade verification failed" {
		t.Errorf("reason: got %q", risk.ReasonOf(err))
	}
	if got := f.gateway.VenueState(venue); got != gateway.StateRejected {
		t.Errorf("state: got %s, want Rejected", got)
	}
}

func TestBeforeTrade_DeviationFlagsManipulation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.Manipulation = oracle.ManipulationCheck{
		IsManipulated:     true,
		SuspiciousParties: []string{"0xdead"},
	}

	// Build a reference window at price 10000 from executed trades.
	for i := 0; i < 3; i++ {
		if err := f.gateway.AfterTrade(ctx, sampleTrade(10_000)); err != nil {
			t.Fatalf("baseline trade %d: %v", i, err)
		}
	}
	if err := f.gateway.BeforeTrade(ctx, sampleTrade(10_000)); err != nil {
		t.Fatalf("on-reference trade: %v", err)
	}
	if got := f.events.ByType(event.TypeManipulationDetected); len(got) != 0 {
		t.Fatalf("baseline must not flag: %d events", len(got))
	}

	// 6% off the reference crosses the 5% threshold. The trade itself is
	// still admitted: deviation alone only raises the flag.
	if err := f.gateway.BeforeTrade(ctx, sampleTrade(10_600)); err != nil {
		t.Fatalf("deviant trade: %v", err)
	}
	if got := f.gateway.VenueState(venue); got != gateway.StateAdmitted {
		t.Errorf("state: got %s, want Admitted", got)
	}

	flags := f.events.ByType(event.TypeManipulationDetected)
	if len(flags) != 1 {
		t.Fatalf("manipulation events: got %d, want 1", len(flags))
	}
	p := flags[0].Payload.(event.ManipulationDetected)
	if p.PriceDeviationBps != 600 {
		t.Errorf("deviation: got %d, want 600", p.PriceDeviationBps)
	}
	if len(p.SuspiciousParties) != 1 || p.SuspiciousParties[0] != "0xdead" {
		t.Errorf("parties: %v", p.SuspiciousParties)
	}
}

func TestAfterTrade_EmitsHealthVerdict(t *testing.T) {
	f := newFixture(t)
	f.borrowTo(t, 500_000)

	if err := f.gateway.AfterTrade(context.Background(), sampleTrade(10_000)); err != nil {
		t.Fatalf("after: %v", err)
	}

	got := f.events.ByType(event.TypeVenueStateVerified)
	if len(got) != 1 {
		t.Fatalf("verified events: got %d, want 1", len(got))
	}
	p := got[0].Payload.(event.VenueStateVerified)
	if p.UtilizationBps != 5_000 || !p.Healthy {
		t.Errorf("payload: %+v", p)
	}

	// Liquidity drains out from under the outstanding borrows: unhealthy.
	f.ledger.SetVenueLiquidity(venue, 100_000)
	if err := f.gateway.AfterTrade(context.Background(), sampleTrade(10_000)); err != nil {
		t.Fatalf("after: %v", err)
	}
	got = f.events.ByType(event.TypeVenueStateVerified)
	if p := got[1].Payload.(event.VenueStateVerified); p.Healthy {
		t.Errorf("drained venue should be unhealthy: %+v", p)
	}
}

func TestAfterTrade_CrossChecksOracleUtilization(t *testing.T) {
	f := newFixture(t)

	if err := f.gateway.AfterTrade(context.Background(), sampleTrade(10_000)); err != nil {
		t.Fatalf("after: %v", err)
	}

	var asked bool
	for _, call := range f.oracle.Calls {
		if call == "GetUtilization" {
			asked = true
		}
	}
	if !asked {
		t.Errorf("post-trade must consult the oracle's utilization view: calls %v", f.oracle.Calls)
	}
}

func TestAfterTrade_OracleOutageDoesNotBlockVerdict(t *testing.T) {
	f := newFixture(t)
	f.oracle.TimeoutAll = true

	// The cross-check is observation only; the health verdict still ships.
	if err := f.gateway.AfterTrade(context.Background(), sampleTrade(10_000)); err != nil {
		t.Fatalf("after: %v", err)
	}
	if got := f.events.ByType(event.TypeVenueStateVerified); len(got) != 1 {
		t.Errorf("verified events: got %d, want 1", len(got))
	}
}

func TestGatewayMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := observability.NewMetricsWith(prometheus.NewRegistry())
	f.gateway.SetMetrics(m)

	// 85% utilization crosses the top fee tier: republished once.
	f.borrowTo(t, 850_000)
	if err := f.gateway.AfterLiquidityChange(ctx, venue, 1_000_000); err != nil {
		t.Fatalf("after liquidity: %v", err)
	}
	if got := testutil.ToFloat64(m.FeeRepublished.WithLabelValues(venue)); got != 1 {
		t.Errorf("fee republished counter: got %v, want 1", got)
	}

	// A deviant screened price increments the manipulation counter.
	for i := 0; i < 3; i++ {
		if err := f.gateway.AfterTrade(ctx, sampleTrade(10_000)); err != nil {
			t.Fatalf("baseline trade %d: %v", i, err)
		}
	}
	if err := f.gateway.BeforeTrade(ctx, sampleTrade(10_600)); err != nil {
		t.Fatalf("deviant trade: %v", err)
	}
	if got := testutil.ToFloat64(m.ManipulationFlags.WithLabelValues(venue)); got != 1 {
		t.Errorf("manipulation counter: got %v, want 1", got)
	}
}

func TestBeforeTrade_DoesNotFeedReferenceWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.Manipulation = oracle.ManipulationCheck{IsManipulated: true}

	// Screened-but-unexecuted trades must not establish a reference; a later
	// deviant price finds no window and cannot be flagged against it.
	for i := 0; i < 3; i++ {
		if err := f.gateway.BeforeTrade(ctx, sampleTrade(10_000)); err != nil {
			t.Fatalf("screen %d: %v", i, err)
		}
	}
	if err := f.gateway.BeforeTrade(ctx, sampleTrade(10_600)); err != nil {
		t.Fatalf("deviant screen: %v", err)
	}
	if got := f.events.ByType(event.TypeManipulationDetected); len(got) != 0 {
		t.Errorf("no window means no flags: got %d events", len(got))
	}
}
