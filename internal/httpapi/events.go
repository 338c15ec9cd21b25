package httpapi

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/livewire/internal/live"
	"github.com/ent0n29/livewire/internal/observability"
)

const defaultSubscriberQueue = 64

// EventHub fans session events out to event stream subscribers. It
// implements live.Observer; OnEvent never blocks, and a subscriber whose
// queue is full misses the event.
type EventHub struct {
	queue   int
	metrics *observability.Metrics
	logger  *zap.Logger

	mu   sync.Mutex
	subs map[chan live.Event]struct{}
}

func NewEventHub(queue int, metrics *observability.Metrics, logger *zap.Logger) *EventHub {
	if queue <= 0 {
		queue = defaultSubscriberQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{
		queue:   queue,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "event_hub")),
		subs:    make(map[chan live.Event]struct{}),
	}
}

func (h *EventHub) OnEvent(e live.Event) {
	// audio payloads stay in process; subscribers get the size only
	e.Audio = nil

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.metrics.DroppedFrame("event_subscriber_full")
			h.logger.Debug("subscriber queue full; event dropped", zap.String("type", string(e.Type)))
		}
	}
}

// Subscribe registers a subscriber. The returned func unregisters it and is
// safe to call more than once.
func (h *EventHub) Subscribe() (<-chan live.Event, func()) {
	ch := make(chan live.Event, h.queue)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
