package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"RiskGate/internal/ledger"
)

// NATSVenueExecutor executes the leveraged trade against the venue over NATS
// request/reply. Subjects: amm.exec.open.{venue} and amm.exec.close.{venue}.
type NATSVenueExecutor struct {
	nc      *nats.Conn
	timeout time.Duration
}

func NewNATSVenueExecutor(nc *nats.Conn, timeout time.Duration) *NATSVenueExecutor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSVenueExecutor{nc: nc, timeout: timeout}
}

type execReply struct {
	OK       bool   `json:"ok"`
	Proceeds int64  `json:"proceeds"`
	Error    string `json:"error,omitempty"`
}

func (e *NATSVenueExecutor) request(ctx context.Context, subject string, p ledger.Position) (execReply, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return execReply{}, fmt.Errorf("marshal position: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msg, err := e.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return execReply{}, fmt.Errorf("venue exec %s: %w", subject, err)
	}

	var rep execReply
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		return execReply{}, fmt.Errorf("decode venue reply: %w", err)
	}
	if !rep.OK {
		return execReply{}, fmt.Errorf("venue exec rejected: %s", rep.Error)
	}
	return rep, nil
}

func (e *NATSVenueExecutor) Open(ctx context.Context, p ledger.Position) error {
	_, err := e.request(ctx, fmt.Sprintf("amm.exec.open.%s", p.Venue), p)
	return err
}

func (e *NATSVenueExecutor) Close(ctx context.Context, p ledger.Position) (int64, error) {
	rep, err := e.request(ctx, fmt.Sprintf("amm.exec.close.%s", p.Venue), p)
	if err != nil {
		return 0, err
	}
	return rep.Proceeds, nil
}
