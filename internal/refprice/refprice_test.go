package refprice_test

import (
	"context"
	"testing"

	"RiskGate/internal/refprice"
)

func TestMemory_EmptyWindow(t *testing.T) {
	m := refprice.NewMemory(4)

	_, ok, err := m.Reference(context.Background(), "amm-alpha")
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	if ok {
		t.Error("empty window must report ok=false")
	}
}

func TestMemory_WindowedMean(t *testing.T) {
	m := refprice.NewMemory(3)
	ctx := context.Background()

	for _, p := range []int64{100, 200, 300} {
		if err := m.Record(ctx, "amm-alpha", p); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	ref, ok, err := m.Reference(ctx, "amm-alpha")
	if err != nil || !ok {
		t.Fatalf("reference: ok=%v err=%v", ok, err)
	}
	if ref != 200 {
		t.Errorf("mean: got %d, want 200", ref)
	}

	// A fourth sample evicts the oldest.
	if err := m.Record(ctx, "amm-alpha", 600); err != nil {
		t.Fatal(err)
	}
	ref, _, _ = m.Reference(ctx, "amm-alpha")
	if ref != (200+300+600)/3 {
		t.Errorf("rolled mean: got %d, want %d", ref, (200+300+600)/3)
	}
}

func TestMemory_VenuesIsolated(t *testing.T) {
	m := refprice.NewMemory(4)
	ctx := context.Background()

	if err := m.Record(ctx, "amm-alpha", 100); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Reference(ctx, "amm-beta"); ok {
		t.Error("venues must not share windows")
	}
}

func TestDeviationBps(t *testing.T) {
	cases := []struct {
		price, ref, want int64
	}{
		{10_000, 10_000, 0},
		{10_500, 10_000, 500},
		{9_500, 10_000, 500},
		{11_000, 10_000, 1_000},
		{5, 0, 0}, // no reference, no deviation
	}
	for _, tc := range cases {
		if got := refprice.DeviationBps(tc.price, tc.ref); got != tc.want {
			t.Errorf("DeviationBps(%d, %d): got %d, want %d", tc.price, tc.ref, got, tc.want)
		}
	}
}
