// Package ledger implements the Risk Ledger: the single source of truth for
// collateral and borrowed balances, exposure caps, and utilization-driven
// pricing. All counters are int64 amounts in each asset's smallest unit;
// ratios are integer basis points.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"RiskGate/internal/event"
	"RiskGate/internal/observability"
	"RiskGate/internal/oracle"
	"RiskGate/internal/risk"
)

// BorrowRequest is one borrow authorization attempt.
type BorrowRequest struct {
	Venue              string
	Trader             uuid.UUID
	BorrowAsset        string
	BorrowAmount       int64
	CollateralAsset    string
	SuppliedCollateral int64
}

// BorrowAuthorization is the value object returned from AuthorizeBorrow.
// MaxAmount carries the binding limit on rejection so the caller can retry
// with a smaller request.
type BorrowAuthorization struct {
	Authorized         bool   `json:"authorized"`
	MaxAmount          int64  `json:"max_amount"`
	RequiredCollateral int64  `json:"required_collateral"`
	Reason             string `json:"reason"`
}

type entryKey struct {
	Trader uuid.UUID
	Asset  string
}

// Entry is the per-(trader, asset) ledger record. Backing is the slice of
// Collateral pledged against active borrows; Collateral may never drop below
// it.
type Entry struct {
	Collateral int64
	Borrowed   int64
	Backing    int64
	Positions  []string
}

// Ledger owns every balance, cap, and venue risk state. A single mutex
// serializes mutations; the consensus round trip runs outside the lock and
// every local check is re-evaluated under the lock before counters commit, so
// a concurrent authorization cannot double-spend cap headroom.
type Ledger struct {
	mu sync.Mutex

	owner             uuid.UUID
	authorizedCallers map[uuid.UUID]bool

	globalCaps     map[string]int64 // asset -> cap
	globalBorrowed map[string]int64 // asset -> outstanding

	venues    map[string]*VenueState
	entries   map[entryKey]*Entry
	positions map[string]*Position

	oracle        oracle.Consensus
	oracleTimeout time.Duration

	sink    event.Sink
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func New(owner uuid.UUID, consensus oracle.Consensus, oracleTimeout time.Duration, sink event.Sink, log zerolog.Logger) *Ledger {
	if oracleTimeout <= 0 {
		oracleTimeout = 5 * time.Second
	}
	if sink == nil {
		sink = event.NopSink{}
	}
	return &Ledger{
		owner:             owner,
		authorizedCallers: make(map[uuid.UUID]bool),
		globalCaps:        make(map[string]int64),
		globalBorrowed:    make(map[string]int64),
		venues:            make(map[string]*VenueState),
		entries:           make(map[entryKey]*Entry),
		positions:         make(map[string]*Position),
		oracle:            consensus,
		oracleTimeout:     oracleTimeout,
		sink:              sink,
		log:               log,
		now:               time.Now,
	}
}

// SetMetrics attaches the metric set. Optional; the ledger is nil-safe
// without it.
func (l *Ledger) SetMetrics(m *observability.Metrics) {
	l.metrics = m
}

// observeVenue refreshes the per-venue gauges. Caller must hold l.mu.
func (l *Ledger) observeVenue(v *VenueState) {
	if l.metrics == nil {
		return
	}
	l.metrics.ObserveVenue(v.Venue, v.UtilizationBps(), v.FundingRateBps,
		v.FeeBps, v.Liquidity, v.TotalBorrowed)
}

func (l *Ledger) borrowRejected(venue string, err error) {
	if l.metrics != nil {
		l.metrics.BorrowRejected.WithLabelValues(venue, risk.KindOf(err).String()).Inc()
	}
}

func (l *Ledger) entry(trader uuid.UUID, asset string) *Entry {
	key := entryKey{trader, asset}
	e, ok := l.entries[key]
	if !ok {
		e = &Entry{}
		l.entries[key] = e
	}
	return e
}

func (l *Ledger) venue(name string) *VenueState {
	v, ok := l.venues[name]
	if !ok {
		v = newVenueState(name)
		l.venues[name] = v
	}
	return v
}

// checkBorrow evaluates the four local authorization checks in spec order,
// short-circuiting on the first failure. Caller must hold l.mu.
func (l *Ledger) checkBorrow(req BorrowRequest) (requiredCollateral int64, err *risk.Error) {
	v := l.venue(req.Venue)

	if v.Paused {
		return 0, risk.New(risk.KindVenuePaused, "venue paused")
	}

	// 1. Global cap.
	globalHeadroom := l.globalCaps[req.BorrowAsset] - l.globalBorrowed[req.BorrowAsset]
	if req.BorrowAmount > globalHeadroom {
		return 0, risk.NewBounded(risk.KindCapExceededGlobal,
			"exceeds global borrow cap", max64(globalHeadroom, 0))
	}

	// 2. Venue cap.
	venueHeadroom := v.Caps[req.BorrowAsset] - v.Borrowed[req.BorrowAsset]
	if req.BorrowAmount > venueHeadroom {
		return 0, risk.NewBounded(risk.KindCapExceededVenue,
			"exceeds venue borrow cap", max64(venueHeadroom, 0))
	}

	// 3. Collateralization at 150%.
	requiredCollateral = scaleBps(req.BorrowAmount, risk.CollateralRatioBps)
	if req.SuppliedCollateral < requiredCollateral {
		backed := divBps(req.SuppliedCollateral, risk.CollateralRatioBps)
		return 0, risk.NewBounded(risk.KindInsufficientCollateral,
			"insufficient collateral", backed)
	}

	// 4. Projected utilization must stay under 95%.
	if maxBorrow, ok := v.borrowHeadroomForUtilization(); !ok || req.BorrowAmount > maxBorrow {
		return 0, risk.NewBounded(risk.KindUtilizationExceeded,
			"would exceed max utilization", max64(maxBorrow, 0))
	}

	return requiredCollateral, nil
}

// AuthorizeBorrow runs the full authorization pipeline: local checks,
// consensus delegation, then atomic counter commit. Only an authorized
// Position Controller may call it. The oracle round trip happens with the
// lock released; the local checks re-run before the commit.
func (l *Ledger) AuthorizeBorrow(ctx context.Context, caller uuid.UUID, req BorrowRequest) (BorrowAuthorization, error) {
	start := time.Now()

	l.mu.Lock()
	if !l.authorizedCallers[caller] {
		l.mu.Unlock()
		err := risk.New(risk.KindUnauthorizedCaller, "caller is not an authorized controller")
		l.borrowRejected(req.Venue, err)
		return BorrowAuthorization{Reason: err.Reason}, err
	}

	requiredCollateral, rerr := l.checkBorrow(req)
	l.mu.Unlock()
	if rerr != nil {
		l.borrowRejected(req.Venue, rerr)
		return rejection(rerr), rerr
	}

	// 5. External consensus. May block up to the configured timeout; the
	// ledger is unlocked for the duration.
	octx, cancel := context.WithTimeout(ctx, l.oracleTimeout)
	validation, oerr := l.oracle.ValidateBorrow(octx, req.Venue, req.Trader,
		req.BorrowAsset, req.BorrowAmount, req.CollateralAsset)
	cancel()
	if oerr != nil {
		if risk.KindOf(oerr) == risk.KindUnknown && octx.Err() != nil {
			oerr = risk.New(risk.KindOracleTimeout, "oracle timeout")
		}
		l.borrowRejected(req.Venue, oerr)
		return BorrowAuthorization{Reason: risk.ReasonOf(oerr)}, oerr
	}
	if !validation.CanBorrow {
		// Oracle reason passes through verbatim.
		verr := risk.NewBounded(risk.KindConsensusRejected, validation.Reason, validation.MaxAmount)
		l.borrowRejected(req.Venue, verr)
		return rejection(verr), verr
	}

	// 6. Commit. Re-check everything: another authorization may have landed
	// while the oracle call was in flight.
	l.mu.Lock()
	if _, rerr = l.checkBorrow(req); rerr != nil {
		l.mu.Unlock()
		l.borrowRejected(req.Venue, rerr)
		return rejection(rerr), rerr
	}

	v := l.venue(req.Venue)
	l.globalBorrowed[req.BorrowAsset] += req.BorrowAmount
	v.Borrowed[req.BorrowAsset] += req.BorrowAmount
	v.TotalBorrowed += req.BorrowAmount

	borrowEntry := l.entry(req.Trader, req.BorrowAsset)
	borrowEntry.Borrowed += req.BorrowAmount

	collEntry := l.entry(req.Trader, req.CollateralAsset)
	collEntry.Collateral += req.SuppliedCollateral
	collEntry.Backing += requiredCollateral
	l.observeVenue(v)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.BorrowAuthorized.WithLabelValues(req.Venue, req.BorrowAsset).Inc()
		l.metrics.BorrowAmount.WithLabelValues(req.Venue, req.BorrowAsset).Add(float64(req.BorrowAmount))
		l.metrics.AuthorizeDuration.WithLabelValues(req.Venue).Observe(time.Since(start).Seconds())
	}

	trader := req.Trader
	l.sink.Emit(event.Envelope{
		Type:   event.TypeBorrowAuthorized,
		Venue:  req.Venue,
		Trader: &trader,
		Payload: event.BorrowAuthorized{
			BorrowAsset:        req.BorrowAsset,
			BorrowAmount:       req.BorrowAmount,
			CollateralAsset:    req.CollateralAsset,
			SuppliedCollateral: req.SuppliedCollateral,
		},
	})

	l.log.Info().
		Str("venue", req.Venue).
		Stringer("trader", req.Trader).
		Str("asset", req.BorrowAsset).
		Int64("amount", req.BorrowAmount).
		Msg("borrow authorized")

	return BorrowAuthorization{
		Authorized:         true,
		MaxAmount:          req.BorrowAmount,
		RequiredCollateral: requiredCollateral,
		Reason:             "authorized",
	}, nil
}

// VoidAuthorization is the exact inverse of a committed authorization. The
// Position Controller uses it to unwind when a later step of openPosition
// fails.
func (l *Ledger) VoidAuthorization(caller uuid.UUID, req BorrowRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.authorizedCallers[caller] {
		return risk.New(risk.KindUnauthorizedCaller, "caller is not an authorized controller")
	}

	v := l.venue(req.Venue)
	l.globalBorrowed[req.BorrowAsset] -= req.BorrowAmount
	v.Borrowed[req.BorrowAsset] -= req.BorrowAmount
	v.TotalBorrowed -= req.BorrowAmount

	l.entry(req.Trader, req.BorrowAsset).Borrowed -= req.BorrowAmount

	collEntry := l.entry(req.Trader, req.CollateralAsset)
	collEntry.Collateral -= req.SuppliedCollateral
	collEntry.Backing -= scaleBps(req.BorrowAmount, risk.CollateralRatioBps)
	if collEntry.Backing < 0 {
		collEntry.Backing = 0
	}
	l.observeVenue(v)
	return nil
}

// RepayBorrow decrements borrow counters and releases the matching backing on
// the collateral entry. Fails if the trader's or the venue's recorded
// borrowed balance is smaller than the repayment.
func (l *Ledger) RepayBorrow(caller uuid.UUID, venue string, trader uuid.UUID, borrowAsset string, amount int64, collateralAsset string) error {
	l.mu.Lock()
	if !l.authorizedCallers[caller] {
		l.mu.Unlock()
		return risk.New(risk.KindUnauthorizedCaller, "caller is not an authorized controller")
	}

	v := l.venue(venue)
	e := l.entry(trader, borrowAsset)
	if e.Borrowed < amount {
		borrowed := e.Borrowed
		l.mu.Unlock()
		return risk.NewBounded(risk.KindPositionNotFound,
			"repay exceeds trader borrowed balance", borrowed)
	}
	if v.Borrowed[borrowAsset] < amount {
		borrowed := v.Borrowed[borrowAsset]
		l.mu.Unlock()
		return risk.NewBounded(risk.KindPositionNotFound,
			"repay exceeds venue borrowed balance", borrowed)
	}

	e.Borrowed -= amount
	v.Borrowed[borrowAsset] -= amount
	v.TotalBorrowed -= amount
	l.globalBorrowed[borrowAsset] -= amount

	collEntry := l.entry(trader, collateralAsset)
	collEntry.Backing -= scaleBps(amount, risk.CollateralRatioBps)
	if collEntry.Backing < 0 {
		collEntry.Backing = 0
	}
	l.observeVenue(v)
	l.mu.Unlock()

	t := trader
	l.sink.Emit(event.Envelope{
		Type:    event.TypeBorrowRepaid,
		Venue:   venue,
		Trader:  &t,
		Payload: event.BorrowRepaid{BorrowAsset: borrowAsset, Amount: amount},
	})
	return nil
}

// DepositCollateral credits a trader's collateral balance.
func (l *Ledger) DepositCollateral(trader uuid.UUID, asset string, amount int64) error {
	if amount <= 0 {
		return risk.New(risk.KindZeroCollateral, "invalid collateral")
	}

	l.mu.Lock()
	l.entry(trader, asset).Collateral += amount
	l.mu.Unlock()

	t := trader
	l.sink.Emit(event.Envelope{
		Type:    event.TypeCollateralDeposited,
		Trader:  &t,
		Payload: event.CollateralMoved{Asset: asset, Amount: amount},
	})
	return nil
}

// WithdrawCollateral debits collateral, refusing any withdrawal that would
// leave active borrows under-collateralized.
func (l *Ledger) WithdrawCollateral(trader uuid.UUID, asset string, amount int64) error {
	l.mu.Lock()
	e := l.entry(trader, asset)
	free := e.Collateral - e.Backing
	if amount > free {
		l.mu.Unlock()
		return risk.NewBounded(risk.KindInsufficientCollateral,
			"would make positions unhealthy", max64(free, 0))
	}
	e.Collateral -= amount
	l.mu.Unlock()

	t := trader
	l.sink.Emit(event.Envelope{
		Type:    event.TypeCollateralWithdrawn,
		Trader:  &t,
		Payload: event.CollateralMoved{Asset: asset, Amount: -amount},
	})
	return nil
}

// ReleaseCollateral pays remaining collateral out at position close. Unlike
// WithdrawCollateral it is controller-gated and bypasses the backing check —
// the controller has already repaid the borrow this collateral backed.
func (l *Ledger) ReleaseCollateral(caller uuid.UUID, trader uuid.UUID, asset string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.authorizedCallers[caller] {
		return risk.New(risk.KindUnauthorizedCaller, "caller is not an authorized controller")
	}
	e := l.entry(trader, asset)
	if amount > e.Collateral {
		amount = e.Collateral
	}
	e.Collateral -= amount
	return nil
}

// RestoreCollateral re-credits a payout that could not be delivered to
// custody. Controller-gated inverse of ReleaseCollateral; no event, since the
// collateral never left the ledger's accounting.
func (l *Ledger) RestoreCollateral(caller uuid.UUID, trader uuid.UUID, asset string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.authorizedCallers[caller] {
		return risk.New(risk.KindUnauthorizedCaller, "caller is not an authorized controller")
	}
	if amount > 0 {
		l.entry(trader, asset).Collateral += amount
	}
	return nil
}

// CheckBorrowAllowed runs the cap and utilization checks read-only, without
// consensus delegation or any commit. The Market Event Gateway uses it for
// inline validation of liquidity-attached leverage requests.
func (l *Ledger) CheckBorrowAllowed(venue, asset string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.checkBorrow(BorrowRequest{
		Venue:        venue,
		BorrowAsset:  asset,
		BorrowAmount: amount,
		// Collateral supplied is not known at the gateway; check caps and
		// utilization only by satisfying the ratio exactly.
		CollateralAsset:    asset,
		SuppliedCollateral: scaleBps(amount, risk.CollateralRatioBps),
	})
	if err != nil {
		return err
	}
	return nil
}

func rejection(err *risk.Error) BorrowAuthorization {
	auth := BorrowAuthorization{Reason: err.Reason}
	if err.HasBound {
		auth.MaxAmount = err.Bound
	}
	return auth
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
