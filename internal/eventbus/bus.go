// Package eventbus fans internal events out to subscribers by kind,
// generalizing the teacher's single-channel StateManager.eventLoop
// into a small registry of named queues, each with its own set of
// subscribers.
package eventbus

import (
	"sync"

	"go.uber.org/zap"
)

// Kind names one class of event carried on the bus.
type Kind string

const (
	KindOrder     Kind = "order"
	KindMarket    Kind = "market"
	KindUserEvent Kind = "userEvent"
	KindBot       Kind = "bot"
	KindKline     Kind = "kline"
)

// Event is an envelope published on the bus: Kind identifies the
// queue, Payload is the kind-specific data (for KindOrder, a map with
// "event": "execution_report" and the frame's "raw" json.RawMessage;
// a price tick for KindMarket, and so on).
type Event struct {
	Kind    Kind
	Payload interface{}
}

const subscriberBuffer = 256

// Bus is a registry of per-kind fan-out queues. Publish never blocks
// on a slow subscriber beyond its own buffer; a full subscriber
// channel drops the event and logs a warning rather than stalling
// the publisher, mirroring the teacher's buffered-channel discipline
// (eventChannel/persistenceChan) but applied per subscriber instead
// of per producer.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]chan Event
	logger      *zap.Logger
}

// New creates an empty Bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subscribers: make(map[Kind][]chan Event),
		logger:      logger,
	}
}

// Subscribe returns a channel that receives every Event published
// for kind from now on. The channel is never closed by the bus;
// callers drop it on shutdown.
func (b *Bus) Subscribe(kind Kind) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[kind] = append(b.subscribers[kind], ch)
	b.mu.Unlock()
	return ch
}

// Publish fans payload out to every subscriber of kind.
func (b *Bus) Publish(kind Kind, payload interface{}) {
	ev := Event{Kind: kind, Payload: payload}

	b.mu.RLock()
	subs := b.subscribers[kind]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			if b.logger != nil {
				b.logger.Warn("eventbus: dropping event, subscriber full", zap.String("kind", string(kind)))
			}
		}
	}
}
