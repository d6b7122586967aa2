package position

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"RiskGate/internal/risk"
)

// MemoryCustody is an in-process Custody backed by a wallet map. It stands in
// for the external settlement rail in single-node deployments and tests;
// wallets are seeded with Credit.
type MemoryCustody struct {
	mu      sync.Mutex
	wallets map[uuid.UUID]map[string]int64
}

func NewMemoryCustody() *MemoryCustody {
	return &MemoryCustody{wallets: make(map[uuid.UUID]map[string]int64)}
}

// Credit seeds a trader's wallet.
func (c *MemoryCustody) Credit(trader uuid.UUID, asset string, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallet(trader)[asset] += amount
}

// Balance reads a trader's wallet balance.
func (c *MemoryCustody) Balance(trader uuid.UUID, asset string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallet(trader)[asset]
}

func (c *MemoryCustody) wallet(trader uuid.UUID) map[string]int64 {
	w, ok := c.wallets[trader]
	if !ok {
		w = make(map[string]int64)
		c.wallets[trader] = w
	}
	return w
}

func (c *MemoryCustody) Pull(_ context.Context, trader uuid.UUID, asset string, amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.wallet(trader)
	if w[asset] < amount {
		return risk.NewBounded(risk.KindInsufficientCollateral, "insufficient collateral", w[asset])
	}
	w[asset] -= amount
	return nil
}

func (c *MemoryCustody) Push(_ context.Context, trader uuid.UUID, asset string, amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallet(trader)[asset] += amount
	return nil
}
