package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/slvnlrt/spacedrive/internal/logging"
	"github.com/slvnlrt/spacedrive/pkg/events"
	"github.com/slvnlrt/spacedrive/pkg/protocol"
)

// SubscribeRequest is the first message a client sends on the event
// socket.
type SubscribeRequest struct {
	Subscribe events.Filter `json:"subscribe"`
}

// RemoteConfig configures a websocket bus.
type RemoteConfig struct {
	URL          string
	AuthToken    string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// ReadLimit caps a single message in bytes.
	ReadLimit int64
	// Clock times reconnect waits. Nil uses the real clock.
	Clock  clockwork.Clock
	Logger *zap.Logger
}

// Remote streams events from the daemon. Every subscription holds its
// own connection and reconnects with exponential backoff until it is
// unsubscribed. Events missed while disconnected are not replayed.
type Remote struct {
	url          string
	reconnectMin time.Duration
	reconnectMax time.Duration
	readLimit    int64
	clock        clockwork.Clock
	log          *zap.Logger

	mu        sync.RWMutex
	authToken string
}

// NewRemote creates a websocket bus.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Remote{
		url:          cfg.URL,
		reconnectMin: cfg.ReconnectMin,
		reconnectMax: cfg.ReconnectMax,
		readLimit:    cfg.ReadLimit,
		clock:        cfg.Clock,
		log:          logging.Named(cfg.Logger, "eventbus"),
		authToken:    cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token used on the next (re)connect.
func (r *Remote) SetAuthToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authToken = token
}

// SubscribeFiltered implements Bus. The first connection is made before
// returning so that an unreachable daemon is reported to the caller;
// later disconnects are retried in the background.
func (r *Remote) SubscribeFiltered(ctx context.Context, filter events.Filter, handler Handler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	conn, err := r.connect(ctx, filter)
	if err != nil {
		cancel()
		return nil, err
	}
	go r.run(ctx, conn, filter, handler)
	return cancel, nil
}

func (r *Remote) run(ctx context.Context, conn *websocket.Conn, filter events.Filter, handler Handler) {
	delay := r.reconnectMin

	for {
		if conn != nil {
			err := r.read(ctx, conn, filter, handler)
			conn.Close(websocket.StatusNormalClosure, "")
			conn = nil
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("event stream disconnected",
				zap.Error(err),
				zap.Duration("reconnect_in", delay))
		}

		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(delay):
		}

		c, err := r.connect(ctx, filter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay *= 2
			if delay > r.reconnectMax {
				delay = r.reconnectMax
			}
			r.log.Warn("event stream reconnect failed",
				zap.Error(err),
				zap.Duration("reconnect_in", delay))
			continue
		}
		delay = r.reconnectMin
		conn = c
	}
}

func (r *Remote) connect(ctx context.Context, filter events.Filter) (*websocket.Conn, error) {
	header := http.Header{}
	r.mu.RLock()
	if r.authToken != "" {
		header.Set("Authorization", "Bearer "+r.authToken)
	}
	r.mu.RUnlock()

	conn, _, err := websocket.Dial(ctx, r.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, &protocol.TransportError{Method: "events.subscribe", Err: err}
	}
	conn.SetReadLimit(r.readLimit)

	if err := wsjson.Write(ctx, conn, SubscribeRequest{Subscribe: filter}); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, &protocol.TransportError{Method: "events.subscribe", Err: fmt.Errorf("send filter: %w", err)}
	}
	r.log.Info("event stream connected", zap.String("url", r.url), zap.Strings("event_types", filter.EventTypes))
	return conn, nil
}

// read delivers messages until the connection fails or ctx is done.
func (r *Remote) read(ctx context.Context, conn *websocket.Conn, filter events.Filter, handler Handler) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if errors.Is(err, protocol.ErrUnknownEvent) {
				r.log.Debug("skipping unknown event", zap.Error(err))
			} else {
				r.log.Warn("skipping malformed event", zap.Error(err))
			}
			continue
		}
		if !filter.Match(env.LibraryID, env.Event) {
			continue
		}
		handler(env.Event)
	}
}
