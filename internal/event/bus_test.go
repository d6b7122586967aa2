package event_test

import (
	"testing"

	"github.com/google/uuid"

	"RiskGate/internal/event"
)

func TestBus_PerVenueSequences(t *testing.T) {
	persist := make(chan event.Envelope, 16)
	bus := event.NewBus(persist, nil)

	bus.Emit(event.Envelope{Type: event.TypeBorrowAuthorized, Venue: "alpha"})
	bus.Emit(event.Envelope{Type: event.TypeBorrowRepaid, Venue: "alpha"})
	bus.Emit(event.Envelope{Type: event.TypeBorrowAuthorized, Venue: "beta"})
	bus.Emit(event.Envelope{Type: event.TypeCollateralDeposited}) // no venue

	want := []struct {
		venue string
		seq   int64
	}{
		{"alpha", 1},
		{"alpha", 2},
		{"beta", 1},
		{"", 1}, // global partition
	}
	for i, w := range want {
		env := <-persist
		if env.Venue != w.venue || env.Sequence != w.seq {
			t.Errorf("event %d: got (%q, %d), want (%q, %d)", i, env.Venue, env.Sequence, w.venue, w.seq)
		}
		if env.EventID == uuid.Nil {
			t.Errorf("event %d: missing event id", i)
		}
		if env.Timestamp.IsZero() {
			t.Errorf("event %d: missing timestamp", i)
		}
	}
}

func TestBus_SeedResumesNumberingAfterRestart(t *testing.T) {
	persist := make(chan event.Envelope, 16)
	bus := event.NewBus(persist, nil)

	// Simulate a restart against a populated event log: venue "alpha" already
	// holds sequences up to 7, the global partition up to 3.
	bus.Seed("alpha", 7)
	bus.Seed("", 3)

	bus.Emit(event.Envelope{Type: event.TypeBorrowAuthorized, Venue: "alpha"})
	bus.Emit(event.Envelope{Type: event.TypeCollateralDeposited})
	bus.Emit(event.Envelope{Type: event.TypeBorrowAuthorized, Venue: "beta"})

	want := []struct {
		venue string
		seq   int64
	}{
		{"alpha", 8},
		{"", 4},
		{"beta", 1}, // unseeded venues start fresh
	}
	for i, w := range want {
		env := <-persist
		if env.Venue != w.venue || env.Sequence != w.seq {
			t.Errorf("event %d: got (%q, %d), want (%q, %d)", i, env.Venue, env.Sequence, w.venue, w.seq)
		}
	}
}

func TestBus_SeedNeverRewindsSequence(t *testing.T) {
	persist := make(chan event.Envelope, 4)
	bus := event.NewBus(persist, nil)

	bus.Seed("alpha", 9)
	bus.Seed("alpha", 2) // stale watermark must not rewind

	bus.Emit(event.Envelope{Type: event.TypeFeeUpdated, Venue: "alpha"})
	if env := <-persist; env.Sequence != 10 {
		t.Errorf("sequence after stale seed: got %d, want 10", env.Sequence)
	}
}

func TestBus_LiveSubscribersMayDrop(t *testing.T) {
	persist := make(chan event.Envelope, 16)
	live := make(chan event.Envelope, 1)
	bus := event.NewBus(persist, nil)
	bus.AttachLive(live)

	// The second emit overflows the live channel; it must not block and the
	// persist path must still see both.
	bus.Emit(event.Envelope{Type: event.TypeFeeUpdated, Venue: "alpha"})
	bus.Emit(event.Envelope{Type: event.TypeFeeUpdated, Venue: "alpha"})

	if got := len(persist); got != 2 {
		t.Errorf("persist backlog: got %d, want 2", got)
	}
	if got := len(live); got != 1 {
		t.Errorf("live backlog: got %d, want 1 (second dropped)", got)
	}

	if env := <-live; env.Sequence != 1 {
		t.Errorf("live saw sequence %d, want 1", env.Sequence)
	}
}

func TestRecorder_ByType(t *testing.T) {
	rec := event.NewRecorder()
	rec.Emit(event.Envelope{Type: event.TypeFeeUpdated})
	rec.Emit(event.Envelope{Type: event.TypeVenuePaused})
	rec.Emit(event.Envelope{Type: event.TypeFeeUpdated})

	if got := len(rec.Events()); got != 3 {
		t.Errorf("events: got %d, want 3", got)
	}
	if got := len(rec.ByType(event.TypeFeeUpdated)); got != 2 {
		t.Errorf("fee events: got %d, want 2", got)
	}
}
