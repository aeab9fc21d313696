// Package pubsub is a typed publish/subscribe bus. The replication engines publish participant lifecycle events on it
// (leadership established, leader resigned, commit index advanced) and observers such as the CLI subscribe to them.
package pubsub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventType is the type of event subscribers are listening for.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// IsBlocking makes the broker wait for a full subscriber channel instead of dropping the event. A slow blocking
	// subscriber stalls the whole bus, so this should generally be false.
	IsBlocking bool
}

// SubscriberID identifies a single subscription. It is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID atomic.Uint64

// Event is a typed event. Each instantiation is a distinct type, so Event[string] != Event[int].
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber is the type erased form of a subscription. Channels of different Event[T] cannot share a map, so the
// registry stores closures that capture the typed channel instead.
type subscriber struct {
	// sendFunc asserts the payload back to T and delivers it. It returns false if the event was dropped.
	sendFunc  func(eventType EventType, payload any) bool
	closeFunc func()

	options    SubscriptionOptions
	numDropped atomic.Uint64
}

type message struct {
	eventType EventType
	payload   any
}

// PubSubClient fans published events out to every subscriber of the event type. It is safe for concurrent use.
type PubSubClient struct {
	mu     sync.RWMutex
	wg     sync.WaitGroup
	logger *zap.Logger

	registry map[EventType]map[SubscriberID]*subscriber

	// publishChan is buffered so Publish returns while run is still broadcasting a previous event. Buffered events
	// are drained on GracefulShutdown.
	publishChan chan message

	shuttingDown atomic.Bool
}

// NewPubSub starts the broker goroutine.
func NewPubSub(logger *zap.Logger) *PubSubClient {
	p := &PubSubClient{
		logger:      logger.Named("pubsub"),
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan message, 100),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Subscribe registers ch for events of eventType. The caller owns the channel and picks its buffer size. The channel
// is closed on Unsubscribe.
//
// Subscribe and Publish are free functions because methods cannot declare their own type parameters.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(nextSubscriberID.Add(1))
	sub := &subscriber{
		options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				p.logger.Warn("Event payload type mismatch",
					zap.Int("event_type", int(evType)), zap.String("expected", fmt.Sprintf("%T", *new(T))), zap.String("got", fmt.Sprintf("%T", payload)))
				return false
			}
			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		closeFunc: func() { close(ch) },
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}
	delete(subscribers, id)
	sub.closeFunc()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
	p.logger.Debug("Unsubscribed", zap.Uint64("subscriber", uint64(id)), zap.Int("event_type", int(eventType)))
}

// Dropped returns the number of events dropped for a non blocking subscriber.
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if sub, ok := p.registry[eventType][id]; ok {
		return sub.numDropped.Load()
	}
	return 0
}

// Publish queues event for broadcasting. Events published after shutdown started are dropped. A nil client is
// allowed and drops everything.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	if p == nil {
		return
	}
	// The read lock keeps a concurrent shutdown from closing publishChan between the check and the send.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		p.logger.Debug("Dropping event published during shutdown", zap.Int("event_type", int(event.Type)))
		return
	}
	p.publishChan <- message{eventType: event.Type, payload: event.Payload}
}

// ForceShutdown stops accepting events and returns without waiting for the buffer to drain.
func (p *PubSubClient) ForceShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown.Swap(true) {
		return
	}
	close(p.publishChan)
}

// GracefulShutdown stops accepting events and blocks until every buffered event was broadcast.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.Swap(true) {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	close(p.publishChan)
	// Unlock before waiting, run needs the read lock to drain.
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("Broker drained and stopped")
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishChan {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if sent := sub.sendFunc(msg.eventType, msg.payload); !sent && !sub.options.IsBlocking {
				dropped := sub.numDropped.Add(1)
				p.logger.Debug("Dropped event for slow subscriber",
					zap.Int("event_type", int(msg.eventType)), zap.Uint64("subscriber", uint64(id)),
					zap.Uint64("total_dropped", dropped))
			}
		}
		p.mu.RUnlock()
	}
}
