package event

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"RiskGate/internal/observability"
)

// Sink receives emitted envelopes. The ledger, controller, and gateway all
// publish through a Sink so tests can swap in a recorder.
type Sink interface {
	Emit(env Envelope)
}

// Bus assigns per-venue sequences and fans envelopes out. The persist channel
// uses a blocking send (at-least-once: the emitter stalls until the
// persistence worker drains); live channels use non-blocking sends and may
// drop — live subscribers can catch up from the event log.
type Bus struct {
	mu        sync.Mutex
	sequences map[string]int64

	persist chan<- Envelope
	live    []chan<- Envelope
	metrics *observability.Metrics
}

func NewBus(persist chan<- Envelope, metrics *observability.Metrics) *Bus {
	return &Bus{
		sequences: make(map[string]int64),
		persist:   persist,
		metrics:   metrics,
	}
}

// AttachLive registers a non-blocking subscriber channel. Must be called
// before the first Emit.
func (b *Bus) AttachLive(ch chan<- Envelope) {
	b.live = append(b.live, ch)
}

// Seed primes a venue's sequence counter with the highest sequence already
// committed to the event log, so numbering resumes after a restart instead of
// colliding with persisted rows. An empty venue seeds the shared "global"
// partition. Must be called before the first Emit.
func (b *Bus) Seed(venue string, lastSequence int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	partition := venue
	if partition == "" {
		partition = "global"
	}
	if lastSequence > b.sequences[partition] {
		b.sequences[partition] = lastSequence
	}
}

// Emit stamps the envelope with the next sequence for its venue and fans it
// out. Events without a venue share the "global" ordering partition.
func (b *Bus) Emit(env Envelope) {
	b.mu.Lock()
	partition := env.Venue
	if partition == "" {
		partition = "global"
	}
	b.sequences[partition]++
	env.Sequence = b.sequences[partition]
	b.mu.Unlock()

	if env.EventID == uuid.Nil {
		env.EventID = uuid.New()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	if b.metrics != nil {
		b.metrics.EventsEmitted.WithLabelValues(env.Type.String()).Inc()
	}

	if b.persist != nil {
		select {
		case b.persist <- env:
		default:
			if b.metrics != nil {
				b.metrics.PersistBackpressure.Inc()
			}
			b.persist <- env
		}
	}

	for _, ch := range b.live {
		select {
		case ch <- env:
		default:
			// Dropped; live consumers rebuild from the event log.
			if b.metrics != nil {
				b.metrics.PublishDrops.Inc()
			}
		}
	}
}

// NopSink discards events. Useful for wiring components whose events are not
// under test.
type NopSink struct{}

func (NopSink) Emit(Envelope) {}

// Recorder is a Sink that captures events for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns recorded events of one type, in emission order.
func (r *Recorder) ByType(t Type) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
