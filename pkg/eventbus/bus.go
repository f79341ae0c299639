// Package eventbus delivers daemon events to subscribers.
//
// Bus is the interface the client core consumes. Local is an in-process
// implementation used by tests and embedders; Remote streams events from
// the daemon over a websocket.
package eventbus

import (
	"context"

	"github.com/slvnlrt/spacedrive/pkg/events"
)

// Handler receives events for one subscription, in delivery order.
type Handler func(ev events.Event)

// Bus subscribes to filtered daemon events. Each registration receives
// an event at most once; the returned func stops delivery.
type Bus interface {
	SubscribeFiltered(ctx context.Context, filter events.Filter, handler Handler) (unsubscribe func(), err error)
}
