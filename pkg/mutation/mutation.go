// Package mutation runs state-changing actions against the daemon and
// invalidates the cache entries a caller declares as affected.
package mutation

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/slvnlrt/spacedrive/internal/logging"
	"github.com/slvnlrt/spacedrive/internal/metrics"
	"github.com/slvnlrt/spacedrive/pkg/cache"
	"github.com/slvnlrt/spacedrive/pkg/protocol"
)

// Mutator is the action side of the remote.
type Mutator interface {
	Mutate(ctx context.Context, method string, input any) (json.RawMessage, error)
}

// Invalidator is the part of the cache a dispatcher touches.
type Invalidator interface {
	InvalidateRefs(refs ...cache.ResourceRef) int
	InvalidateMethods(methods ...string) int
}

// Invalidation lists what a successful action makes stale. Nothing is
// invalidated unless it is listed here.
type Invalidation struct {
	Refs    []cache.ResourceRef
	Methods []string
}

func (inv Invalidation) empty() bool {
	return len(inv.Refs) == 0 && len(inv.Methods) == 0
}

// Dispatcher executes actions.
type Dispatcher struct {
	remote Mutator
	cache  Invalidator
	log    *zap.Logger
}

// New creates a dispatcher. inv may be nil when no cache is attached.
func New(remote Mutator, inv Invalidator, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		remote: remote,
		cache:  inv,
		log:    logging.Named(logger, "mutation"),
	}
}

// Mutate performs one remote action and leaves the cache alone. An
// explicit {"success": false} result is returned as a
// *protocol.RemoteRejection. Failures are never retried: an action that
// timed out may still have been applied.
func (d *Dispatcher) Mutate(ctx context.Context, method string, input any) (json.RawMessage, error) {
	out, err := d.remote.Mutate(ctx, method, input)
	if err == nil {
		err = protocol.CheckAction(method, out)
	}

	switch {
	case err == nil:
		metrics.RecordMutation(method, "success")
		d.log.Debug("action applied", zap.String("method", method))
		return out, nil
	case isRejection(err):
		metrics.RecordMutation(method, "rejected")
		d.log.Warn("action rejected", zap.String("method", method), zap.Error(err))
	default:
		metrics.RecordMutation(method, "error")
		d.log.Warn("action failed", zap.String("method", method), zap.Error(err))
	}
	return out, err
}

func isRejection(err error) bool {
	_, ok := protocol.AsRejection(err)
	return ok
}

// Action binds a method to the invalidation it triggers on success.
func (d *Dispatcher) Action(method string, inv Invalidation) *Mutation {
	return &Mutation{d: d, method: method, inv: inv}
}

// Mutation is a reusable action handle with pending state for UI
// gating. It is safe for concurrent use.
type Mutation struct {
	d      *Dispatcher
	method string
	inv    Invalidation

	mu       sync.Mutex
	inflight int
	lastErr  error
}

// Method returns the bound action method.
func (m *Mutation) Method() string { return m.method }

// IsPending reports whether a call is in flight.
func (m *Mutation) IsPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight > 0
}

// Err returns the error of the last settled call.
func (m *Mutation) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Run performs the action. On success the declared invalidation is
// applied; on any failure the cache is untouched. The pending flag is
// cleared when the call settles either way.
func (m *Mutation) Run(ctx context.Context, input any) (json.RawMessage, error) {
	m.mu.Lock()
	m.inflight++
	m.mu.Unlock()

	out, err := m.d.Mutate(ctx, m.method, input)

	m.mu.Lock()
	m.inflight--
	m.lastErr = err
	m.mu.Unlock()

	if err != nil {
		return out, err
	}
	if m.d.cache != nil && !m.inv.empty() {
		n := m.d.cache.InvalidateRefs(m.inv.Refs...)
		if len(m.inv.Methods) > 0 {
			n += m.d.cache.InvalidateMethods(m.inv.Methods...)
		}
		m.d.log.Debug("invalidated after action",
			zap.String("method", m.method),
			zap.Int("entries", n))
	}
	return out, nil
}
