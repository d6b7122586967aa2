package ledger

import (
	"math"
	"math/big"

	"github.com/google/uuid"

	"RiskGate/internal/event"
	"RiskGate/internal/risk"
)

// VenueState is the per-venue risk record: caps, outstanding borrows, pool
// liquidity, and the utilization-derived funding rate and fee.
type VenueState struct {
	Venue          string
	Caps           map[string]int64 // asset -> borrow cap
	Borrowed       map[string]int64 // asset -> outstanding
	TotalBorrowed  int64
	Liquidity      int64
	LeverageCap    int64
	FundingRateBps int64
	FeeBps         int64
	Paused         bool
}

func newVenueState(name string) *VenueState {
	return &VenueState{
		Venue:          name,
		Caps:           make(map[string]int64),
		Borrowed:       make(map[string]int64),
		LeverageCap:    risk.MaxGlobalLeverage,
		FundingRateBps: risk.BaseFundingRateBps,
		FeeBps:         risk.BaseFeeBps,
	}
}

// UtilizationBps is borrowed/liquidity in basis points. Zero liquidity reads
// as fully utilized when anything is outstanding.
func (v *VenueState) UtilizationBps() int64 {
	if v.Liquidity <= 0 {
		if v.TotalBorrowed > 0 {
			return risk.BpsScale
		}
		return 0
	}
	return mulDiv(v.TotalBorrowed, risk.BpsScale, v.Liquidity)
}

// borrowHeadroomForUtilization returns how much more can be borrowed before
// utilization crosses 95%. ok is false when the pool has no liquidity.
func (v *VenueState) borrowHeadroomForUtilization() (int64, bool) {
	if v.Liquidity <= 0 {
		return 0, false
	}
	limit := mulDiv(v.Liquidity, risk.MaxUtilizationBps, risk.BpsScale)
	return limit - v.TotalBorrowed, true
}

// fundingRateForUtilization is the piecewise funding curve: flat at the base
// rate up to the knee, then climbing one basis point per ten basis points of
// utilization above it.
func fundingRateForUtilization(utilBps int64) int64 {
	if utilBps < risk.FundingKneeBps {
		return risk.BaseFundingRateBps
	}
	return risk.BaseFundingRateBps + (utilBps-risk.FundingKneeBps)/10
}

// feeForUtilization is the tiered trading fee, capped at four times the base.
func feeForUtilization(utilBps int64) int64 {
	var fee int64
	switch {
	case utilBps < risk.FeeTierMidBps:
		fee = risk.BaseFeeBps
	case utilBps < risk.FeeTierHighBps:
		fee = 2 * risk.BaseFeeBps
	default:
		fee = 4 * risk.BaseFeeBps
	}
	if cap := int64(4 * risk.BaseFeeBps); fee > cap {
		fee = cap
	}
	return fee
}

// UpdateFundingRate recomputes a venue's funding rate from current
// utilization and emits a rate-change event when it moves.
func (l *Ledger) UpdateFundingRate(venue string) (int64, error) {
	l.mu.Lock()
	v := l.venue(venue)
	utilBps := v.UtilizationBps()
	oldRate := v.FundingRateBps
	newRate := fundingRateForUtilization(utilBps)
	v.FundingRateBps = newRate
	l.observeVenue(v)
	l.mu.Unlock()

	if newRate != oldRate {
		l.sink.Emit(event.Envelope{
			Type:  event.TypeFundingRateUpdated,
			Venue: venue,
			Payload: event.FundingRateUpdated{
				OldRateBps:     oldRate,
				NewRateBps:     newRate,
				UtilizationBps: utilBps,
			},
		})
	}
	return newRate, nil
}

// RecomputeFee re-tiers a venue's trading fee from current utilization and
// returns the effective fee plus whether it moved. Emits only on change.
func (l *Ledger) RecomputeFee(venue string) (int64, bool) {
	l.mu.Lock()
	v := l.venue(venue)
	utilBps := v.UtilizationBps()
	oldFee := v.FeeBps
	newFee := feeForUtilization(utilBps)
	v.FeeBps = newFee
	l.observeVenue(v)
	l.mu.Unlock()

	if newFee != oldFee {
		l.sink.Emit(event.Envelope{
			Type:  event.TypeFeeUpdated,
			Venue: venue,
			Payload: event.FeeUpdated{
				OldFeeBps:      oldFee,
				NewFeeBps:      newFee,
				UtilizationBps: utilBps,
			},
		})
	}
	return newFee, newFee != oldFee
}

// SetVenueLiquidity records the venue pool's liquidity as observed by the
// gateway and returns the resulting utilization.
func (l *Ledger) SetVenueLiquidity(venue string, liquidity int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.venue(venue)
	v.Liquidity = liquidity
	l.observeVenue(v)
	return v.UtilizationBps()
}

// LeverageCap returns a venue's effective leverage ceiling, never above the
// global maximum.
func (l *Ledger) LeverageCap(venue string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	cap := l.venue(venue).LeverageCap
	if cap > risk.MaxGlobalLeverage || cap <= 0 {
		cap = risk.MaxGlobalLeverage
	}
	return cap
}

// FundingRateBps returns a venue's current funding rate.
func (l *Ledger) FundingRateBps(venue string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.venue(venue).FundingRateBps
}

// Owner administration.

func (l *Ledger) requireOwner(caller uuid.UUID) error {
	if caller != l.owner {
		return risk.New(risk.KindUnauthorizedCaller, "caller is not the owner")
	}
	return nil
}

func (l *Ledger) SetGlobalCap(caller uuid.UUID, asset string, cap int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireOwner(caller); err != nil {
		return err
	}
	l.globalCaps[asset] = cap
	return nil
}

func (l *Ledger) SetVenueCap(caller uuid.UUID, venue, asset string, cap int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireOwner(caller); err != nil {
		return err
	}
	l.venue(venue).Caps[asset] = cap
	return nil
}

func (l *Ledger) SetVenueLeverageCap(caller uuid.UUID, venue string, cap int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireOwner(caller); err != nil {
		return err
	}
	if cap < risk.MinLeverage || cap > risk.MaxGlobalLeverage {
		return risk.NewBounded(risk.KindExcessiveLeverage, "exceeds leverage cap", risk.MaxGlobalLeverage)
	}
	l.venue(venue).LeverageCap = cap
	return nil
}

func (l *Ledger) AuthorizeController(caller, controller uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireOwner(caller); err != nil {
		return err
	}
	l.authorizedCallers[controller] = true
	return nil
}

func (l *Ledger) DeauthorizeController(caller, controller uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireOwner(caller); err != nil {
		return err
	}
	delete(l.authorizedCallers, controller)
	return nil
}

// SetVenuePaused pauses or resumes borrow authorization on one venue.
func (l *Ledger) SetVenuePaused(caller uuid.UUID, venue string, paused bool, reason string) error {
	l.mu.Lock()
	if err := l.requireOwner(caller); err != nil {
		l.mu.Unlock()
		return err
	}
	v := l.venue(venue)
	changed := v.Paused != paused
	v.Paused = paused
	l.mu.Unlock()

	if changed && paused {
		l.sink.Emit(event.Envelope{
			Type:    event.TypeVenuePaused,
			Venue:   venue,
			Payload: event.VenuePaused{Paused: true, Reason: reason},
		})
	}
	return nil
}

// Read-side snapshots.

// VenueSnapshot is the query view of one venue.
type VenueSnapshot struct {
	Venue          string           `json:"venue"`
	Liquidity      int64            `json:"liquidity"`
	TotalBorrowed  int64            `json:"total_borrowed"`
	UtilizationBps int64            `json:"utilization_bps"`
	FundingRateBps int64            `json:"funding_rate_bps"`
	FeeBps         int64            `json:"fee_bps"`
	LeverageCap    int64            `json:"leverage_cap"`
	Paused         bool             `json:"paused"`
	Caps           map[string]int64 `json:"caps"`
	Borrowed       map[string]int64 `json:"borrowed"`
}

func (l *Ledger) Venue(name string) VenueSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.venue(name)
	snap := VenueSnapshot{
		Venue:          v.Venue,
		Liquidity:      v.Liquidity,
		TotalBorrowed:  v.TotalBorrowed,
		UtilizationBps: v.UtilizationBps(),
		FundingRateBps: v.FundingRateBps,
		FeeBps:         v.FeeBps,
		LeverageCap:    v.LeverageCap,
		Paused:         v.Paused,
		Caps:           make(map[string]int64, len(v.Caps)),
		Borrowed:       make(map[string]int64, len(v.Borrowed)),
	}
	for a, c := range v.Caps {
		snap.Caps[a] = c
	}
	for a, b := range v.Borrowed {
		snap.Borrowed[a] = b
	}
	return snap
}

// Balances returns a trader's entry for one asset.
func (l *Ledger) Balances(trader uuid.UUID, asset string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(trader, asset)
	out := *e
	out.Positions = append([]string(nil), e.Positions...)
	return out
}

// GlobalBorrowed returns the system-wide outstanding amount for one asset.
func (l *Ledger) GlobalBorrowed(asset string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalBorrowed[asset]
}

// Fixed-point helpers. Products of int64 amounts and basis-point factors can
// overflow, so the slow path goes through big.Int.

func scaleBps(amount, bps int64) int64 {
	return mulDiv(amount, bps, risk.BpsScale)
}

func divBps(amount, bps int64) int64 {
	return mulDiv(amount, risk.BpsScale, bps)
}

func mulDiv(a, b, den int64) int64 {
	if den == 0 {
		return 0
	}
	if a == 0 || b == 0 {
		return 0
	}
	if a <= math.MaxInt64/b {
		return a * b / den
	}
	r := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	r.Quo(r, big.NewInt(den))
	return r.Int64()
}
