package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"RiskGate/internal/observability"
	"RiskGate/internal/risk"

	"github.com/google/uuid"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Subjects the operator fleet answers on. Requests are published with a reply
// inbox; every registered operator replies independently and the client
// aggregates the votes (scatter-gather over core NATS).
const (
	SubjectValidatePosition  = "oracle.v1.validate_position"
	SubjectValidateBorrow    = "oracle.v1.validate_borrow"
	SubjectVerifyTrade       = "oracle.v1.verify_trade"
	SubjectCheckManipulation = "oracle.v1.check_manipulation"
	SubjectCrossVenue        = "oracle.v1.cross_venue_exposure"
	SubjectCheckLiquidation  = "oracle.v1.check_liquidation"
	SubjectGetUtilization    = "oracle.v1.get_utilization"
)

// operatorReply is the wire envelope each operator sends back. Data carries
// the query-specific payload from approving operators.
type operatorReply struct {
	OperatorID string              `json:"operator_id"`
	Approve    bool                `json:"approve"`
	Reason     string              `json:"reason,omitempty"`
	Data       jsoniter.RawMessage `json:"data,omitempty"`
}

// NATSClient implements Consensus over NATS request/reply. Each query fans
// out to the operator fleet; Operators is the expected fleet size and
// Threshold the quorum (e.g. 2 of 3). A round that gathers fewer than
// Threshold approvals before the context deadline is a rejection; a round
// that gathers no replies at all is an oracle timeout.
type NATSClient struct {
	nc        *nats.Conn
	operators int
	threshold int
	timeout   time.Duration
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewNATSClient(nc *nats.Conn, operators, threshold int, timeout time.Duration, log zerolog.Logger) *NATSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSClient{
		nc:        nc,
		operators: operators,
		threshold: threshold,
		timeout:   timeout,
		log:       log,
	}
}

// SetMetrics attaches the metric set. Optional; nil-safe.
func (c *NATSClient) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

func (c *NATSClient) observeRound(method, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.OracleRequests.WithLabelValues(method, outcome).Inc()
	c.metrics.OracleLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if outcome == "timeout" {
		c.metrics.OracleTimeouts.WithLabelValues(method).Inc()
	}
}

// gather publishes one request and collects operator replies until the fleet
// has answered or the deadline passes.
func (c *NATSClient) gather(ctx context.Context, subject string, req interface{}) (QuorumResult, []operatorReply, error) {
	method := strings.TrimPrefix(subject, "oracle.v1.")
	start := time.Now()

	data, err := json.Marshal(req)
	if err != nil {
		return QuorumResult{}, nil, fmt.Errorf("marshal oracle request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	inbox := c.nc.NewRespInbox()
	sub, err := c.nc.SubscribeSync(inbox)
	if err != nil {
		c.observeRound(method, "error", start)
		return QuorumResult{}, nil, fmt.Errorf("subscribe reply inbox: %w", err)
	}
	defer sub.Unsubscribe()

	if err := c.nc.PublishRequest(subject, inbox, data); err != nil {
		c.observeRound(method, "error", start)
		return QuorumResult{}, nil, fmt.Errorf("publish oracle request: %w", err)
	}

	var replies []operatorReply
	for len(replies) < c.operators {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			break // Deadline — aggregate whatever arrived.
		}
		var rep operatorReply
		if uerr := json.Unmarshal(msg.Data, &rep); uerr != nil {
			c.log.Warn().Str("subject", subject).Err(uerr).Msg("malformed operator reply")
			continue
		}
		replies = append(replies, rep)
	}

	if len(replies) == 0 {
		c.observeRound(method, "timeout", start)
		return QuorumResult{}, nil, risk.New(risk.KindOracleTimeout, "oracle timeout")
	}
	c.observeRound(method, "ok", start)

	votes := make([]OperatorVote, 0, len(replies))
	for _, r := range replies {
		votes = append(votes, OperatorVote{OperatorID: r.OperatorID, Approve: r.Approve, Reason: r.Reason})
	}

	return Aggregate(votes, c.threshold), replies, nil
}

// firstApprovedData returns the payload of the first approving operator.
func firstApprovedData(replies []operatorReply, out interface{}) error {
	for _, r := range replies {
		if r.Approve && len(r.Data) > 0 {
			return json.Unmarshal(r.Data, out)
		}
	}
	return errors.New("no approving operator supplied data")
}

func (c *NATSClient) ValidatePosition(ctx context.Context, claim PositionClaim, proofs [][]byte) (bool, string, error) {
	req := struct {
		Claim  PositionClaim `json:"claim"`
		Proofs [][]byte      `json:"proofs,omitempty"`
	}{claim, proofs}

	res, _, err := c.gather(ctx, SubjectValidatePosition, req)
	if err != nil {
		return false, "", err
	}
	return res.Validated, res.Reason, nil
}

func (c *NATSClient) ValidateBorrow(ctx context.Context, venue string, borrower uuid.UUID, borrowAsset string, amount int64, collateralAsset string) (BorrowValidation, error) {
	req := struct {
		Venue           string    `json:"venue"`
		Borrower        uuid.UUID `json:"borrower"`
		BorrowAsset     string    `json:"borrow_asset"`
		Amount          int64     `json:"amount"`
		CollateralAsset string    `json:"collateral_asset"`
	}{venue, borrower, borrowAsset, amount, collateralAsset}

	res, replies, err := c.gather(ctx, SubjectValidateBorrow, req)
	if err != nil {
		return BorrowValidation{}, err
	}
	if !res.Validated {
		return BorrowValidation{CanBorrow: false, Reason: res.Reason}, nil
	}

	var v BorrowValidation
	if derr := firstApprovedData(replies, &v); derr != nil {
		// Approved without details — treat as a plain yes.
		return BorrowValidation{CanBorrow: true, MaxAmount: amount, Reason: res.Reason}, nil
	}
	v.CanBorrow = true
	if v.Reason == "" {
		v.Reason = res.Reason
	}
	return v, nil
}

func (c *NATSClient) VerifyTrade(ctx context.Context, venue string, trade TradeParams) (bool, error) {
	req := struct {
		Venue string      `json:"venue"`
		Trade TradeParams `json:"trade"`
	}{venue, trade}

	res, _, err := c.gather(ctx, SubjectVerifyTrade, req)
	if err != nil {
		return false, err
	}
	return res.Validated, nil
}

func (c *NATSClient) CheckManipulation(ctx context.Context, venue string, priceData, volumeData []int64) (ManipulationCheck, error) {
	req := struct {
		Venue      string  `json:"venue"`
		PriceData  []int64 `json:"price_data"`
		VolumeData []int64 `json:"volume_data"`
	}{venue, priceData, volumeData}

	_, replies, err := c.gather(ctx, SubjectCheckManipulation, req)
	if err != nil {
		return ManipulationCheck{}, err
	}

	var check ManipulationCheck
	if derr := firstApprovedData(replies, &check); derr != nil {
		return ManipulationCheck{}, fmt.Errorf("manipulation check: %w", derr)
	}
	return check, nil
}

func (c *NATSClient) CheckCrossVenueExposure(ctx context.Context, trader uuid.UUID, newPosition PositionClaim) (ExposureCheck, error) {
	req := struct {
		Trader      uuid.UUID     `json:"trader"`
		NewPosition PositionClaim `json:"new_position"`
	}{trader, newPosition}

	res, replies, err := c.gather(ctx, SubjectCrossVenue, req)
	if err != nil {
		return ExposureCheck{}, err
	}

	var check ExposureCheck
	if derr := firstApprovedData(replies, &check); derr != nil {
		// No data: a failed quorum on the exposure query counts as exceeding.
		return ExposureCheck{ExceedsLimit: !res.Validated}, nil
	}
	return check, nil
}

func (c *NATSClient) CheckLiquidation(ctx context.Context, positionID string) (LiquidationCheck, error) {
	req := struct {
		PositionID string `json:"position_id"`
	}{positionID}

	_, replies, err := c.gather(ctx, SubjectCheckLiquidation, req)
	if err != nil {
		return LiquidationCheck{}, err
	}

	var check LiquidationCheck
	if derr := firstApprovedData(replies, &check); derr != nil {
		return LiquidationCheck{}, fmt.Errorf("liquidation check: %w", derr)
	}
	return check, nil
}

func (c *NATSClient) GetUtilization(ctx context.Context, venue string) (UtilizationReport, error) {
	req := struct {
		Venue string `json:"venue"`
	}{venue}

	_, replies, err := c.gather(ctx, SubjectGetUtilization, req)
	if err != nil {
		return UtilizationReport{}, err
	}

	var report UtilizationReport
	if derr := firstApprovedData(replies, &report); derr != nil {
		return UtilizationReport{}, fmt.Errorf("utilization report: %w", derr)
	}
	return report, nil
}
