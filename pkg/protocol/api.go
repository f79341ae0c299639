// Package protocol defines the RPC request/response types exchanged
// with the daemon and the client-side error taxonomy.
package protocol

import "encoding/json"

// Kind distinguishes read-only queries from state-changing actions on
// the wire. Wire methods are sent as "<kind>:<method>", e.g.
// "query:jobs.list" or "action:jobs.pause".
type Kind string

const (
	KindQuery  Kind = "query"
	KindAction Kind = "action"
)

// WireMethod returns the prefixed method name sent on the wire.
func WireMethod(kind Kind, method string) string {
	return string(kind) + ":" + method
}

// Request is the body of POST /rpc.
type Request struct {
	Method    string `json:"method"`
	Input     any    `json:"input"`
	LibraryID string `json:"library_id,omitempty"`
}

// Response is returned by POST /rpc. Exactly one of Result or Error is
// set.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorResponse  `json:"error,omitempty"`
}

// ErrorResponse is returned on RPC errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// ActionOutput is the common shape of action results that report
// logical success, e.g. jobs.pause.
type ActionOutput struct {
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// JobActionInput is the input of jobs.pause, jobs.resume and
// jobs.cancel.
type JobActionInput struct {
	JobID string `json:"job_id"`
}

// JobListInput is the input of jobs.list. A nil Status lists all jobs.
type JobListInput struct {
	Status *string `json:"status"`
}
