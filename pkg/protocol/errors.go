package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned when an event payload names a variant
// this client does not understand.
var ErrUnknownEvent = errors.New("unknown event variant")

// TransportError means the remote call could not complete.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error calling %s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteRejection means the call completed but the daemon reported a
// logical failure.
type RemoteRejection struct {
	Method  string
	Code    int
	Message string
}

func (e *RemoteRejection) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected by daemon", e.Method)
	}
	return fmt.Sprintf("%s rejected by daemon: %s", e.Method, e.Message)
}

// DecodeError means a response could not be interpreted against the
// expected shape.
type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// AsTransport checks if an error is a TransportError and returns it.
func AsTransport(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// AsRejection checks if an error is a RemoteRejection and returns it.
func AsRejection(err error) (*RemoteRejection, bool) {
	var re *RemoteRejection
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// AsDecode checks if an error is a DecodeError and returns it.
func AsDecode(err error) (*DecodeError, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// CheckAction inspects an action result for an explicit
// {"success": false}. Outputs that are not objects, or that carry no
// success field, are accepted.
func CheckAction(method string, raw json.RawMessage) error {
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var out ActionOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return &DecodeError{Method: method, Err: err}
	}
	if out.Success != nil && !*out.Success {
		return &RemoteRejection{Method: method, Message: out.Message}
	}
	return nil
}
