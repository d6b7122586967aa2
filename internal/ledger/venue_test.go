package ledger_test

import (
	"context"
	"testing"

	"RiskGate/internal/event"
)

// borrowTo drives a venue to a target outstanding amount so utilization-driven
// pricing can be observed. Liquidity stays at the fixture's 1M.
func borrowTo(t *testing.T, f *fixture, amount int64) {
	t.Helper()
	if err := f.ledger.SetGlobalCap(f.owner, asset, 2_000_000); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.SetVenueCap(f.owner, venueA, asset, 2_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.AuthorizeBorrow(context.Background(), f.controller, borrowReq(f.trader, amount)); err != nil {
		t.Fatalf("borrow %d: %v", amount, err)
	}
}

// ============================================================================
// Test: funding rate curve
// ============================================================================

func TestUpdateFundingRate_FlatBelowKnee(t *testing.T) {
	f := newFixture(t)
	borrowTo(t, f, 500_000) // 50% utilization

	rate, err := f.ledger.UpdateFundingRate(venueA)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rate != 100 {
		t.Errorf("rate: got %d, want 100", rate)
	}
	// Base rate unchanged: no event.
	if got := f.events.ByType(event.TypeFundingRateUpdated); len(got) != 0 {
		t.Errorf("events: got %d, want 0", len(got))
	}
}

func TestUpdateFundingRate_ClimbsAboveKnee(t *testing.T) {
	f := newFixture(t)
	borrowTo(t, f, 850_000) // 85% utilization

	rate, err := f.ledger.UpdateFundingRate(venueA)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rate != 150 {
		t.Errorf("rate at 85%% utilization: got %d, want 150", rate)
	}

	got := f.events.ByType(event.TypeFundingRateUpdated)
	if len(got) != 1 {
		t.Fatalf("events: got %d, want 1", len(got))
	}
	p := got[0].Payload.(event.FundingRateUpdated)
	if p.OldRateBps != 100 || p.NewRateBps != 150 || p.UtilizationBps != 8_500 {
		t.Errorf("payload: %+v", p)
	}
}

func TestUpdateFundingRate_AtKnee(t *testing.T) {
	f := newFixture(t)
	borrowTo(t, f, 800_000) // exactly the knee

	rate, err := f.ledger.UpdateFundingRate(venueA)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rate != 100 {
		t.Errorf("rate at the knee: got %d, want 100", rate)
	}
}

// ============================================================================
// Test: fee tiers
// ============================================================================

func TestRecomputeFee_Tiers(t *testing.T) {
	cases := []struct {
		name     string
		borrowed int64
		wantFee  int64
		wantMove bool
	}{
		{"base below 60%", 500_000, 500, false},
		{"double at 60-80%", 700_000, 1_000, true},
		{"quadruple cap at 80%+", 850_000, 2_000, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			borrowTo(t, f, tc.borrowed)

			fee, changed := f.ledger.RecomputeFee(venueA)
			if fee != tc.wantFee {
				t.Errorf("fee: got %d, want %d", fee, tc.wantFee)
			}
			if changed != tc.wantMove {
				t.Errorf("changed: got %v, want %v", changed, tc.wantMove)
			}
			events := f.events.ByType(event.TypeFeeUpdated)
			if tc.wantMove && len(events) != 1 {
				t.Errorf("fee events: got %d, want 1", len(events))
			}
			if !tc.wantMove && len(events) != 0 {
				t.Errorf("fee events: got %d, want 0", len(events))
			}
		})
	}
}

func TestRecomputeFee_RevertsWithUtilization(t *testing.T) {
	f := newFixture(t)
	borrowTo(t, f, 850_000)

	if fee, _ := f.ledger.RecomputeFee(venueA); fee != 2_000 {
		t.Fatalf("fee at 85%%: got %d, want 2000", fee)
	}

	// Pool grows: utilization falls back under 60%, fee re-tiers down.
	f.ledger.SetVenueLiquidity(venueA, 2_000_000)
	fee, changed := f.ledger.RecomputeFee(venueA)
	if fee != 500 || !changed {
		t.Errorf("fee after liquidity growth: got %d (changed=%v), want 500 (true)", fee, changed)
	}
}

// ============================================================================
// Test: venue snapshot
// ============================================================================

func TestVenueSnapshot(t *testing.T) {
	f := newFixture(t)
	borrowTo(t, f, 400_000)

	snap := f.ledger.Venue(venueA)
	if snap.Venue != venueA {
		t.Errorf("venue: got %q", snap.Venue)
	}
	if snap.UtilizationBps != 4_000 {
		t.Errorf("utilization: got %d, want 4000", snap.UtilizationBps)
	}
	if snap.LeverageCap != 1_000 {
		t.Errorf("default leverage cap: got %d, want 1000", snap.LeverageCap)
	}
	if snap.FundingRateBps != 100 || snap.FeeBps != 500 {
		t.Errorf("defaults: funding=%d fee=%d", snap.FundingRateBps, snap.FeeBps)
	}

	// Snapshot maps are copies.
	snap.Borrowed[asset] = 0
	if f.ledger.Venue(venueA).Borrowed[asset] != 400_000 {
		t.Error("snapshot must not alias internal state")
	}
}

func TestVenueSnapshot_ZeroLiquidityUtilization(t *testing.T) {
	f := newFixture(t)

	if u := f.ledger.Venue(venueA).UtilizationBps; u != 0 {
		t.Errorf("empty venue utilization: got %d, want 0", u)
	}

	borrowTo(t, f, 100_000)
	f.ledger.SetVenueLiquidity(venueA, 0)
	if u := f.ledger.Venue(venueA).UtilizationBps; u != 10_000 {
		t.Errorf("zero-liquidity utilization with outstanding: got %d, want 10000", u)
	}
}
