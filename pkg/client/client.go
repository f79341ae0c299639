// Package client provides the RPC client used to query the daemon and
// run actions against it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slvnlrt/spacedrive/internal/logging"
	"github.com/slvnlrt/spacedrive/internal/metrics"
	"github.com/slvnlrt/spacedrive/pkg/protocol"
	"github.com/slvnlrt/spacedrive/pkg/retry"
)

// Remote is the RPC surface consumed by the cache and the dispatcher.
type Remote interface {
	Query(ctx context.Context, method string, input any) (json.RawMessage, error)
	Mutate(ctx context.Context, method string, input any) (json.RawMessage, error)
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
	// LibraryID is attached to every request. Empty targets the daemon
	// itself rather than a library.
	LibraryID string
	Logger    *zap.Logger
}

// Client is an HTTP RPC client. Queries are retried on transport
// failures; actions never are.
type Client struct {
	baseURL     string
	libraryID   string
	httpClient  *http.Client
	retryConfig retry.Config
	log         *zap.Logger

	mu        sync.RWMutex
	authToken string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		libraryID: cfg.LibraryID,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		log:         logging.Named(cfg.Logger, "rpc"),
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// Query runs a read-only query, retrying transport failures.
func (c *Client) Query(ctx context.Context, method string, input any) (json.RawMessage, error) {
	cfg := c.retryConfig
	cfg.ShouldRetry = isTransport
	cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
		c.log.Warn("query failed, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return retry.DoWithResult(ctx, cfg, func() (json.RawMessage, error) {
		return c.call(ctx, protocol.KindQuery, method, input)
	})
}

func isTransport(err error) bool {
	_, ok := protocol.AsTransport(err)
	return ok
}

// Mutate runs an action once. An action that fails in transit may or
// may not have been applied, so it is never retried here.
func (c *Client) Mutate(ctx context.Context, method string, input any) (json.RawMessage, error) {
	return c.call(ctx, protocol.KindAction, method, input)
}

func (c *Client) call(ctx context.Context, kind protocol.Kind, method string, input any) (json.RawMessage, error) {
	start := time.Now()
	defer func() { metrics.RecordRPC(string(kind), time.Since(start)) }()

	body, err := json.Marshal(protocol.Request{
		Method:    protocol.WireMethod(kind, method),
		Input:     input,
		LibraryID: c.libraryID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &protocol.TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &protocol.TransportError{Method: method, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return nil, &protocol.TransportError{
			Method: method,
			Err:    fmt.Errorf("server error: %d %s", resp.StatusCode, errorMessage(raw)),
		}
	}

	var out protocol.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &protocol.RemoteRejection{Method: method, Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return nil, &protocol.DecodeError{Method: method, Err: err}
	}
	if out.Error != nil {
		code := out.Error.Code
		if code == 0 {
			code = resp.StatusCode
		}
		return nil, &protocol.RemoteRejection{Method: method, Code: code, Message: out.Error.Error}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &protocol.RemoteRejection{Method: method, Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if len(out.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return out.Result, nil
}

func errorMessage(raw []byte) string {
	var er protocol.ErrorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		return er.Error
	}
	var wrapped protocol.Response
	if json.Unmarshal(raw, &wrapped) == nil && wrapped.Error != nil {
		return wrapped.Error.Error
	}
	return strings.TrimSpace(string(raw))
}
