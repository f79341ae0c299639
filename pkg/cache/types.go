package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/slvnlrt/spacedrive/pkg/protocol"
	"github.com/slvnlrt/spacedrive/pkg/querykey"
)

// Status is the lifecycle state of a cache entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ErrorKind classifies a failed fetch.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransport
	KindRejected
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRejected:
		return "rejected"
	case KindDecode:
		return "decode"
	}
	return "unknown"
}

// ErrorInfo describes why the last fetch failed.
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ErrorInfo) Error() string { return e.Message }

func (e *ErrorInfo) Unwrap() error { return e.Err }

func classify(err error) *ErrorInfo {
	info := &ErrorInfo{Kind: KindUnknown, Message: err.Error(), Err: err}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		info.Kind = KindTransport
	default:
		if _, ok := protocol.AsTransport(err); ok {
			info.Kind = KindTransport
		} else if _, ok := protocol.AsRejection(err); ok {
			info.Kind = KindRejected
		} else if _, ok := protocol.AsDecode(err); ok {
			info.Kind = KindDecode
		}
	}
	return info
}

// Fetcher loads the value for key from the remote.
type Fetcher func(ctx context.Context, key querykey.Key) (json.RawMessage, error)

// ResourceRef identifies one resource embedded in cached data.
type ResourceRef struct {
	Type string
	ID   string
}

func (r ResourceRef) String() string { return r.Type + "/" + r.ID }

// Extractor lists the resources embedded in a query result.
type Extractor func(key querykey.Key, data json.RawMessage) []ResourceRef

// QueryOptions tunes a single subscription.
type QueryOptions struct {
	// Disabled registers interest without fetching until SetEnabled(true).
	Disabled bool
	// Extract overrides DefaultExtractor for this key.
	Extract Extractor
}

// Snapshot is a point-in-time copy of an entry. Data is shared with the
// cache and must not be modified.
type Snapshot struct {
	Key       querykey.Key
	Status    Status
	Data      json.RawMessage
	Err       *ErrorInfo
	UpdatedAt time.Time
	Stale     bool
	Fetching  bool
}

// HasData reports whether the snapshot carries a value, including stale
// data kept after a failed refresh.
func (s Snapshot) HasData() bool { return len(s.Data) > 0 }

// Decode unmarshals the cached value into v.
func (s Snapshot) Decode(v any) error {
	if !s.HasData() {
		return fmt.Errorf("decode %s: no data (status %s)", s.Key.Method(), s.Status)
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return &protocol.DecodeError{Method: s.Key.Method(), Err: err}
	}
	return nil
}
