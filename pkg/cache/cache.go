// Package cache provides the normalized query cache.
//
// Every cached query result lives in one entry per querykey.Key. A
// reverse index maps the resources embedded in each result, and the
// directory each query is scoped to, back to the entries, so daemon
// events invalidate only the entries they affect. All state is guarded
// by a single mutex; fetches run outside it and commit through it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/slvnlrt/spacedrive/internal/logging"
	"github.com/slvnlrt/spacedrive/internal/metrics"
	"github.com/slvnlrt/spacedrive/pkg/events"
	"github.com/slvnlrt/spacedrive/pkg/protocol"
	"github.com/slvnlrt/spacedrive/pkg/querykey"
)

// DefaultEvictionGrace is how long an unobserved entry is kept.
const DefaultEvictionGrace = 5 * time.Second

// Options configures a Cache.
type Options struct {
	Clock         clockwork.Clock
	EvictionGrace time.Duration
	Logger        *zap.Logger
	// ConfigRules maps a ConfigChanged field to the query methods it
	// invalidates. Fields without a rule use DefaultConfigMethods.
	ConfigRules map[string][]string
}

// DefaultConfigMethods are invalidated by any ConfigChanged event that
// has no explicit rule.
var DefaultConfigMethods = []string{querykey.MethodConfigApp}

// Cache is the normalized query cache.
type Cache struct {
	clock  clockwork.Clock
	grace  time.Duration
	log    *zap.Logger
	rules  map[string][]string
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	index   *index
	closed  bool
}

type entry struct {
	key     querykey.Key
	fetcher Fetcher
	extract Extractor

	status  Status
	data    json.RawMessage
	err     *ErrorInfo
	updated time.Time
	stale   bool
	refs    []ResourceRef

	subs map[*Subscription]struct{}

	// gen is the generation of the newest fetch issued. Only that fetch
	// may commit.
	gen      uint64
	fetching bool
	// staleGen is the newest generation issued before the last
	// invalidation. Fetches up to it commit as stale.
	staleGen uint64
	// changed is closed and replaced on every notification.
	changed chan struct{}

	evictTimer clockwork.Timer
	evictSeq   uint64
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.EvictionGrace <= 0 {
		opts.EvictionGrace = DefaultEvictionGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		clock:   opts.Clock,
		grace:   opts.EvictionGrace,
		log:     logging.Named(opts.Logger, "cache"),
		rules:   opts.ConfigRules,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
		index:   newIndex(),
	}
}

// Close cancels in-flight fetches and stops eviction timers. Existing
// subscriptions keep their last snapshot.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	for _, e := range c.entries {
		if e.evictTimer != nil {
			e.evictTimer.Stop()
		}
		if e.fetching {
			e.fetching = false
			c.notify(e)
		}
	}
}

// Query registers a subscription for key, creating the entry on first
// use. A fetch is started when the entry has no fresh value and no fetch
// is already in flight; concurrent callers share that fetch.
func (c *Cache) Query(key querykey.Key, fetcher Fetcher, opts QueryOptions) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := key.ID()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{
			key:     key,
			subs:    make(map[*Subscription]struct{}),
			changed: make(chan struct{}),
		}
		c.entries[id] = e
		c.index.addScope(id, key.PathScope())
		metrics.AddCacheEntries(1)
	}
	if fetcher != nil {
		e.fetcher = fetcher
	}
	if opts.Extract != nil {
		e.extract = opts.Extract
	}
	c.cancelEviction(e)

	sub := &Subscription{
		c:       c,
		e:       e,
		enabled: !opts.Disabled,
		updates: make(chan struct{}, 1),
	}
	e.subs[sub] = struct{}{}

	if !sub.enabled {
		return sub
	}
	switch {
	case e.fetchingFresh():
		c.log.Debug("attached to in-flight fetch", logging.Key(key))
	case e.status == StatusSuccess && !e.stale:
		metrics.RecordCacheHit()
	default:
		c.startFetch(e, "subscribe")
	}
	return sub
}

// Peek returns the current snapshot of key without subscribing.
func (c *Cache) Peek(key querykey.Key) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.ID()]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// KeysFor returns the keys whose data embeds ref.
func (c *Cache) KeysFor(ref ResourceRef) []querykey.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []querykey.Key
	for _, id := range c.index.lookup(ref) {
		if e := c.entries[id]; e != nil {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Invalidate marks every entry matching pred stale. Entries with an
// enabled subscriber refetch in the background; the rest refetch on
// their next subscription. It returns the number of entries matched.
func (c *Cache) Invalidate(pred func(querykey.Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for id, e := range c.entries {
		if pred(e.key) {
			ids = append(ids, id)
		}
	}
	return c.invalidateLocked(ids, "predicate")
}

// InvalidateRefs invalidates the entries whose data embeds any of refs.
func (c *Cache) InvalidateRefs(refs ...ResourceRef) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for _, r := range refs {
		ids = append(ids, c.index.lookup(r)...)
	}
	return c.invalidateLocked(ids, "resource")
}

// InvalidateMethods invalidates every entry for the given query methods.
func (c *Cache) InvalidateMethods(methods ...string) int {
	return c.Invalidate(func(k querykey.Key) bool {
		return slices.Contains(methods, k.Method())
	})
}

func (c *Cache) invalidateLocked(ids []string, reason string) int {
	slices.Sort(ids)
	ids = slices.Compact(ids)

	n := 0
	for _, id := range ids {
		e := c.entries[id]
		if e == nil {
			continue
		}
		n++
		e.stale = true
		e.staleGen = e.gen
		if e.hasEnabledSubscriber() {
			c.startFetch(e, reason)
		} else {
			c.notify(e)
		}
	}
	if n > 0 {
		metrics.RecordInvalidation(reason, n)
	}
	return n
}

// ApplyEvent routes a daemon event to the entries it affects. Resource
// events go through the resource and path indexes; ConfigChanged uses
// the configured method rules. Job lifecycle events are left to the job
// registry. ApplyEvent never blocks on the network.
func (c *Cache) ApplyEvent(ev events.Event) int {
	switch e := ev.(type) {
	case events.ResourceChanged:
		return c.applyResource(e.ResourceType, e.ResourceID, e.PathScope, "resource_changed")
	case events.ResourceDeleted:
		return c.applyResource(e.ResourceType, e.ResourceID, e.PathScope, "resource_deleted")
	case events.ConfigChanged:
		methods, ok := c.rules[e.Field]
		if !ok {
			methods = DefaultConfigMethods
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		var ids []string
		for id, en := range c.entries {
			if slices.Contains(methods, en.key.Method()) {
				ids = append(ids, id)
			}
		}
		return c.invalidateLocked(ids, "config_changed")
	}
	return 0
}

func (c *Cache) applyResource(resType, resID, scope, reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	if resID != "" {
		ids = append(ids, c.index.lookup(ResourceRef{Type: resType, ID: resID})...)
	}
	if scope != "" {
		for _, id := range c.index.lookupPath(scope, c.entries) {
			if c.entries[id].key.ResourceType() == resType {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		c.log.Debug("event matched no entries",
			zap.String("resource_type", resType),
			zap.String("resource_id", resID),
			zap.String("path_scope", scope))
		return 0
	}
	return c.invalidateLocked(ids, reason)
}

// Querier is the read side of the remote.
type Querier interface {
	Query(ctx context.Context, method string, input any) (json.RawMessage, error)
}

// RemoteFetcher returns a Fetcher that sends the key's method and input
// to q.
func RemoteFetcher(q Querier) Fetcher {
	return func(ctx context.Context, key querykey.Key) (json.RawMessage, error) {
		return q.Query(ctx, key.Method(), key.Input())
	}
}

// PatchFunc rewrites cached data in place. Returning changed=false
// leaves the entry untouched.
type PatchFunc func(data json.RawMessage) (patched json.RawMessage, changed bool, err error)

// Patch applies fn to the data cached for key, re-indexes it and
// notifies subscribers. It is a no-op when the entry has no data.
func (c *Cache) Patch(key querykey.Key, fn PatchFunc) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.ID()]
	if !ok || len(e.data) == 0 {
		return false, nil
	}
	patched, changed, err := fn(e.data)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if !json.Valid(patched) {
		return false, &protocol.DecodeError{Method: key.Method(), Err: errors.New("patch produced invalid JSON")}
	}
	e.data = patched
	e.updated = c.clock.Now()
	c.reindex(e)
	c.notify(e)
	return true, nil
}

// startFetch issues a new generation for e. Must be called with c.mu
// held.
func (c *Cache) startFetch(e *entry, reason string) {
	if c.closed {
		return
	}
	if e.fetcher == nil {
		c.log.Warn("no fetcher registered", logging.Key(e.key))
		return
	}
	e.gen++
	e.fetching = true
	if len(e.data) == 0 {
		e.status = StatusLoading
	}
	c.notify(e)

	c.log.Debug("fetch",
		logging.Key(e.key),
		zap.Uint64("gen", e.gen),
		zap.String("reason", reason))
	go c.runFetch(e, e.key, e.gen, e.fetcher)
}

func (c *Cache) runFetch(e *entry, key querykey.Key, gen uint64, fetch Fetcher) {
	data, err := fetch(c.ctx, key)
	if err == nil && !json.Valid(data) {
		err = &protocol.DecodeError{Method: key.Method(), Err: errors.New("response is not valid JSON")}
	}
	c.commit(e, gen, data, err)
}

func (c *Cache) commit(e *entry, gen uint64, data json.RawMessage, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.entries[e.key.ID()] != e {
		return
	}
	if gen != e.gen {
		metrics.RecordFetchDiscarded()
		c.log.Debug("discarding superseded fetch",
			logging.Key(e.key),
			zap.Uint64("gen", gen),
			zap.Uint64("latest", e.gen))
		return
	}

	e.fetching = false
	metrics.RecordFetch(e.key.Method(), err == nil)

	if err != nil {
		e.status = StatusError
		e.err = classify(err)
		c.log.Warn("fetch failed",
			logging.Key(e.key),
			zap.Stringer("kind", e.err.Kind),
			zap.Bool("stale_data", len(e.data) > 0),
			zap.Error(err))
	} else {
		e.status = StatusSuccess
		e.data = data
		e.err = nil
		e.stale = gen <= e.staleGen
		e.updated = c.clock.Now()
		c.reindex(e)
	}
	c.notify(e)

	if len(e.subs) == 0 {
		c.scheduleEviction(e)
	}
}

func (c *Cache) reindex(e *entry) {
	extract := e.extract
	if extract == nil {
		extract = DefaultExtractor
	}
	id := e.key.ID()
	c.index.removeRefs(id, e.refs)
	e.refs = extract(e.key, e.data)
	c.index.addRefs(id, e.refs)
}

func (c *Cache) notify(e *entry) {
	close(e.changed)
	e.changed = make(chan struct{})
	for sub := range e.subs {
		sub.signal()
	}
}

// unsubscribe removes sub and arms eviction when it was the last one.
func (c *Cache) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := sub.e
	if _, ok := e.subs[sub]; !ok {
		return
	}
	delete(e.subs, sub)
	if len(e.subs) == 0 {
		c.scheduleEviction(e)
	}
}

func (c *Cache) scheduleEviction(e *entry) {
	if c.closed {
		return
	}
	c.cancelEviction(e)
	e.evictSeq++
	seq := e.evictSeq
	e.evictTimer = c.clock.AfterFunc(c.grace, func() {
		c.evict(e, seq)
	})
}

func (c *Cache) cancelEviction(e *entry) {
	if e.evictTimer != nil {
		e.evictTimer.Stop()
		e.evictTimer = nil
	}
	e.evictSeq++
}

func (c *Cache) evict(e *entry, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := e.key.ID()
	if c.closed || c.entries[id] != e || e.evictSeq != seq || len(e.subs) > 0 {
		return
	}
	// A running fetch re-arms eviction when it commits.
	if e.fetching {
		return
	}
	c.index.removeRefs(id, e.refs)
	c.index.removeScope(id, e.key.PathScope())
	delete(c.entries, id)
	e.evictTimer = nil

	metrics.AddCacheEntries(-1)
	metrics.RecordEviction()
	c.log.Debug("evicted", logging.Key(e.key))
}

func (e *entry) hasEnabledSubscriber() bool {
	for sub := range e.subs {
		if sub.enabled {
			return true
		}
	}
	return false
}

// fetchingFresh reports whether the fetch in flight was issued after the
// last invalidation.
func (e *entry) fetchingFresh() bool {
	return e.fetching && e.gen > e.staleGen
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		Key:       e.key,
		Status:    e.status,
		Data:      e.data,
		Err:       e.err,
		UpdatedAt: e.updated,
		Stale:     e.stale,
		Fetching:  e.fetching,
	}
}
