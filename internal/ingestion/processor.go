package ingestion

import (
	"context"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"RiskGate/internal/gateway"
	"RiskGate/internal/observability"
	"RiskGate/internal/risk"
)

// Verdict is published back to the venue after a pre-hook so the pending
// operation can proceed or abort.
type Verdict struct {
	Venue    string `json:"venue"`
	Hook     string `json:"hook"`
	Admitted bool   `json:"admitted"`
	Reason   string `json:"reason,omitempty"`
}

// Processor drains raw venue events, routes them through the gateway hooks,
// and answers pre-hooks with a verdict on riskgate.verdicts.{hook}.{venue}.
// Malformed payloads are ACKed and dropped; transient hook failures NAK for
// redelivery.
type Processor struct {
	gw        *gateway.Gateway
	nc        *nats.Conn
	eventChan <-chan RawEvent
	metrics   *observability.Metrics
}

func NewProcessor(gw *gateway.Gateway, nc *nats.Conn, eventChan <-chan RawEvent, metrics *observability.Metrics) *Processor {
	return &Processor{
		gw:        gw,
		nc:        nc,
		eventChan: eventChan,
		metrics:   metrics,
	}
}

// Run processes events until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.eventChan:
			if !ok {
				return nil
			}
			p.handle(ctx, raw)
		}
	}
}

func (p *Processor) handle(ctx context.Context, raw RawEvent) {
	hook, venue, err := HookForSubject(raw.Subject)
	if err != nil {
		log.Printf("WARN: dropping unroutable event: %v", err)
		raw.AckFunc()
		return
	}

	if p.metrics != nil {
		p.metrics.GatewayEvents.WithLabelValues(hook, venue).Inc()
	}
	start := time.Now()

	switch hook {
	case HookPreLiquidity:
		change, perr := ParseLiquidityChange(venue, raw.Data)
		if perr != nil {
			log.Printf("WARN: %v", perr)
			raw.AckFunc()
			return
		}
		p.answer(ctx, raw, hook, venue, p.gw.BeforeLiquidityChange(ctx, change))

	case HookPostLiquidity:
		change, perr := ParseLiquidityChange(venue, raw.Data)
		if perr != nil {
			log.Printf("WARN: %v", perr)
			raw.AckFunc()
			return
		}
		if herr := p.gw.AfterLiquidityChange(ctx, venue, change.NewLiquidity); herr != nil {
			log.Printf("WARN: post-liquidity hook failed venue=%s: %v", venue, herr)
			raw.NakFunc()
			return
		}
		raw.AckFunc()

	case HookPreTrade:
		trade, perr := ParseTrade(venue, raw.Data)
		if perr != nil {
			log.Printf("WARN: %v", perr)
			raw.AckFunc()
			return
		}
		p.answer(ctx, raw, hook, venue, p.gw.BeforeTrade(ctx, trade))

	case HookPostTrade:
		trade, perr := ParseTrade(venue, raw.Data)
		if perr != nil {
			log.Printf("WARN: %v", perr)
			raw.AckFunc()
			return
		}
		if herr := p.gw.AfterTrade(ctx, trade); herr != nil {
			log.Printf("WARN: post-trade hook failed venue=%s: %v", venue, herr)
			raw.NakFunc()
			return
		}
		raw.AckFunc()
	}

	if p.metrics != nil {
		p.metrics.GatewayHookDuration.WithLabelValues(hook).Observe(time.Since(start).Seconds())
	}
}

// answer publishes the pre-hook verdict and ACKs. A rejection is a final
// answer, not a processing failure, so it ACKs too.
func (p *Processor) answer(ctx context.Context, raw RawEvent, hook, venue string, hookErr error) {
	verdict := Verdict{Venue: venue, Hook: hook, Admitted: hookErr == nil}
	if hookErr != nil {
		verdict.Reason = risk.ReasonOf(hookErr)
		if p.metrics != nil {
			p.metrics.GatewayRejections.WithLabelValues(hook, venue, risk.KindOf(hookErr).String()).Inc()
		}
	}

	data, err := json.Marshal(verdict)
	if err == nil {
		subject := "riskgate.verdicts." + hook + "." + venue
		if perr := p.nc.Publish(subject, data); perr != nil {
			log.Printf("WARN: verdict publish failed venue=%s: %v", venue, perr)
		}
	}

	raw.AckFunc()
}
