// Package refprice keeps a short rolling window of observed trade prices per
// venue and serves a reference price for manipulation screening.
package refprice

import (
	"context"
	"sync"
)

// Store records observed prices and answers with a windowed reference.
type Store interface {
	Record(ctx context.Context, venue string, priceBps int64) error
	// Reference returns the mean of the recorded window. ok is false while
	// the window is empty.
	Reference(ctx context.Context, venue string) (priceBps int64, ok bool, err error)
}

// Memory is an in-process ring-buffer Store.
type Memory struct {
	mu      sync.Mutex
	window  int
	samples map[string][]int64
}

func NewMemory(window int) *Memory {
	if window <= 0 {
		window = 32
	}
	return &Memory{window: window, samples: make(map[string][]int64)}
}

func (m *Memory) Record(_ context.Context, venue string, priceBps int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := append(m.samples[venue], priceBps)
	if len(s) > m.window {
		s = s[len(s)-m.window:]
	}
	m.samples[venue] = s
	return nil
}

func (m *Memory) Reference(_ context.Context, venue string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.samples[venue]
	if len(s) == 0 {
		return 0, false, nil
	}
	var sum int64
	for _, p := range s {
		sum += p
	}
	return sum / int64(len(s)), true, nil
}

// DeviationBps is the absolute deviation of price from reference in basis
// points of the reference.
func DeviationBps(priceBps, referenceBps int64) int64 {
	if referenceBps == 0 {
		return 0
	}
	d := priceBps - referenceBps
	if d < 0 {
		d = -d
	}
	return d * 10_000 / referenceBps
}
