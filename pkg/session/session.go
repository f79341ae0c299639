// Package session wires one query cache, one job registry and one event
// subscription together. Events are handed from the bus to a mailbox
// and applied by a single loop, so every event reaches the cache before
// the registry and in delivery order.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/slvnlrt/spacedrive/internal/config"
	"github.com/slvnlrt/spacedrive/internal/logging"
	"github.com/slvnlrt/spacedrive/internal/metrics"
	"github.com/slvnlrt/spacedrive/pkg/cache"
	"github.com/slvnlrt/spacedrive/pkg/client"
	"github.com/slvnlrt/spacedrive/pkg/eventbus"
	"github.com/slvnlrt/spacedrive/pkg/events"
	"github.com/slvnlrt/spacedrive/pkg/jobs"
	"github.com/slvnlrt/spacedrive/pkg/mutation"
	"github.com/slvnlrt/spacedrive/pkg/querykey"
	"github.com/slvnlrt/spacedrive/pkg/retry"
)

// DefaultMailboxSize bounds events waiting for the loop.
const DefaultMailboxSize = 256

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("session closed")

// Options configures a Session. Bus and Remote are required.
type Options struct {
	Bus    eventbus.Bus
	Remote jobs.Remote

	// LibraryID scopes the event subscription. Empty receives events of
	// every library.
	LibraryID   string
	MailboxSize int

	Clock         clockwork.Clock
	EvictionGrace time.Duration
	ConfigRules   map[string][]string

	// Jobs carries the registry callbacks and dedup window. Its Clock
	// and Logger are filled from this struct when unset.
	Jobs jobs.Options

	Logger *zap.Logger
}

// Session owns the client side state for one daemon connection.
type Session struct {
	bus       eventbus.Bus
	remote    jobs.Remote
	libraryID string
	log       *zap.Logger

	cache    *cache.Cache
	registry *jobs.Registry
	dispatch *mutation.Dispatcher

	mailbox chan events.Event
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	unsub   func()
}

// New builds the cache, registry and dispatcher. The registry starts
// loading jobs immediately; events flow only after Start.
func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	log := logging.Named(opts.Logger, "session")
	if opts.LibraryID != "" {
		log = log.With(zap.String("library_id", opts.LibraryID))
	}

	c := cache.New(cache.Options{
		Clock:         opts.Clock,
		EvictionGrace: opts.EvictionGrace,
		Logger:        log.Named("cache"),
		ConfigRules:   opts.ConfigRules,
	})

	jobOpts := opts.Jobs
	if jobOpts.Clock == nil {
		jobOpts.Clock = opts.Clock
	}
	if jobOpts.Logger == nil {
		jobOpts.Logger = log.Named("jobs")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		bus:       opts.Bus,
		remote:    opts.Remote,
		libraryID: opts.LibraryID,
		log:       log,
		cache:     c,
		registry:  jobs.New(c, opts.Remote, jobOpts),
		dispatch:  mutation.New(opts.Remote, c, log.Named("mutation")),
		mailbox:   make(chan events.Event, opts.MailboxSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// NewClient builds the RPC client described by cfg. Queries are
// retried cfg.RPC.RetryAttempts times; zero disables retries.
func NewClient(cfg *config.Config, logger *zap.Logger) *client.Client {
	rc := retry.Once()
	if cfg.RPC.RetryAttempts > 0 {
		rc = retry.DefaultConfig()
		rc.MaxAttempts = cfg.RPC.RetryAttempts
	}
	return client.New(client.Config{
		BaseURL:     cfg.ServerURL,
		Timeout:     cfg.RPC.Timeout,
		RetryConfig: rc,
		AuthToken:   cfg.AuthToken,
		LibraryID:   cfg.LibraryID,
		Logger:      logger,
	})
}

// FromConfig connects a session to the daemon described by cfg over
// HTTP and websocket.
func FromConfig(cfg *config.Config, hooks jobs.Options, logger *zap.Logger) *Session {
	remote := NewClient(cfg, logger)
	bus := eventbus.NewRemote(eventbus.RemoteConfig{
		URL:       cfg.EventsURL,
		AuthToken: cfg.AuthToken,
		Logger:    logger,
	})

	hooks.DedupWindow = cfg.Jobs.CompletionDedupWindow
	return New(Options{
		Bus:           bus,
		Remote:        remote,
		LibraryID:     cfg.LibraryID,
		MailboxSize:   cfg.Session.MailboxSize,
		EvictionGrace: cfg.Cache.EvictionGrace,
		Jobs:          hooks,
		Logger:        logger,
	})
}

// Start subscribes to the bus and runs the reconciliation loop until
// ctx is done or the session is closed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	filter := events.Filter{LibraryID: s.libraryID}
	unsub, err := s.bus.SubscribeFiltered(ctx, filter, s.enqueue)
	if err != nil {
		return err
	}
	s.unsub = unsub
	s.started = true

	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
	go s.loop()
	s.log.Info("session started")
	return nil
}

// enqueue runs on the bus delivery goroutine. It blocks while the
// mailbox is full so events are never reordered or silently dropped.
func (s *Session) enqueue(ev events.Event) {
	select {
	case s.mailbox <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.mailbox:
			s.apply(ev)
		}
	}
}

func (s *Session) apply(ev events.Event) {
	metrics.RecordEvent(ev.Type())
	n := s.cache.ApplyEvent(ev)
	s.registry.Handle(ev)
	if n > 0 {
		s.log.Debug("event applied", zap.String("type", ev.Type()), zap.Int("invalidated", n))
	}
}

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close stops event delivery and releases the cache. It is safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started, unsub := s.started, s.unsub
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.cancel()
	if started {
		<-s.done
	}
	s.registry.Close()
	s.cache.Close()
	s.log.Info("session closed")
}

// Cache returns the session cache.
func (s *Session) Cache() *cache.Cache { return s.cache }

// Jobs returns the session job registry.
func (s *Session) Jobs() *jobs.Registry { return s.registry }

// Dispatcher returns the session action dispatcher.
func (s *Session) Dispatcher() *mutation.Dispatcher { return s.dispatch }

// Query subscribes to key, fetching through the session remote.
func (s *Session) Query(key querykey.Key, opts cache.QueryOptions) *cache.Subscription {
	return s.cache.Query(key, cache.RemoteFetcher(s.remote), opts)
}
