package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/slvnlrt/spacedrive/internal/logging"
	"github.com/slvnlrt/spacedrive/pkg/events"
)

// DefaultBuffer is the per-subscription queue length of a Local bus.
const DefaultBuffer = 256

// Local is an in-process bus. Publish never blocks: events for a
// subscriber whose queue is full are dropped.
type Local struct {
	buffer int
	log    *zap.Logger

	mu          sync.RWMutex
	subscribers map[*localSub]struct{}
}

type localSub struct {
	filter  events.Filter
	handler Handler
	queue   chan events.Envelope
	done    chan struct{}
	once    sync.Once
}

// NewLocal creates a bus. buffer <= 0 uses DefaultBuffer.
func NewLocal(buffer int, logger *zap.Logger) *Local {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Local{
		buffer:      buffer,
		log:         logging.Named(logger, "eventbus"),
		subscribers: make(map[*localSub]struct{}),
	}
}

// SubscribeFiltered implements Bus. Delivery stops when unsubscribe is
// called or ctx is done.
func (b *Local) SubscribeFiltered(ctx context.Context, filter events.Filter, handler Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &localSub{
		filter:  filter,
		handler: handler,
		queue:   make(chan events.Envelope, b.buffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	go b.deliver(ctx, sub)

	return func() { b.remove(sub) }, nil
}

func (b *Local) deliver(ctx context.Context, sub *localSub) {
	defer b.remove(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case env := <-sub.queue:
			select {
			case <-sub.done:
				return
			default:
			}
			sub.handler(env.Event)
		}
	}
}

func (b *Local) remove(sub *localSub) {
	sub.once.Do(func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
		close(sub.done)
	})
}

// Publish sends a daemon-wide event.
func (b *Local) Publish(ev events.Event) {
	b.PublishLibrary("", ev)
}

// PublishLibrary sends an event originating from libraryID.
func (b *Local) PublishLibrary(libraryID string, ev events.Event) {
	env := events.Envelope{LibraryID: libraryID, Event: ev}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if !sub.filter.Match(libraryID, ev) {
			continue
		}
		select {
		case sub.queue <- env:
		default:
			b.log.Warn("dropping event for slow subscriber", zap.String("type", ev.Type()))
		}
	}
}

// Count returns the number of active subscriptions.
func (b *Local) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
