// Package events defines the daemon events consumed by the client core.
//
// Event is a closed sum type: every variant implements Accept, and
// Visitor has one method per variant, so adding a variant breaks every
// visitor at compile time until it handles the new case.
package events

import "encoding/json"

// Variant names as they appear on the wire.
const (
	TypeJobQueued       = "JobQueued"
	TypeJobStarted      = "JobStarted"
	TypeJobProgress     = "JobProgress"
	TypeJobCompleted    = "JobCompleted"
	TypeJobFailed       = "JobFailed"
	TypeJobPaused       = "JobPaused"
	TypeJobResumed      = "JobResumed"
	TypeJobCancelled    = "JobCancelled"
	TypeConfigChanged   = "ConfigChanged"
	TypeResourceChanged = "ResourceChanged"
	TypeResourceDeleted = "ResourceDeleted"
)

// JobTypes lists every job lifecycle variant.
var JobTypes = []string{
	TypeJobQueued,
	TypeJobStarted,
	TypeJobProgress,
	TypeJobCompleted,
	TypeJobFailed,
	TypeJobPaused,
	TypeJobResumed,
	TypeJobCancelled,
}

// Event is one daemon event.
type Event interface {
	// Type returns the wire variant name.
	Type() string
	// Accept dispatches to the matching Visitor method.
	Accept(v Visitor)
}

// Visitor handles every event variant.
type Visitor interface {
	JobQueued(JobQueued)
	JobStarted(JobStarted)
	JobProgress(JobProgress)
	JobCompleted(JobCompleted)
	JobFailed(JobFailed)
	JobPaused(JobPaused)
	JobResumed(JobResumed)
	JobCancelled(JobCancelled)
	ConfigChanged(ConfigChanged)
	ResourceChanged(ResourceChanged)
	ResourceDeleted(ResourceDeleted)
}

// JobQueued reports a job entering the queue.
type JobQueued struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type,omitempty"`
}

// JobStarted reports a job starting to run.
type JobStarted struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type,omitempty"`
}

// JobProgress reports progress of a running job. GenericProgress is nil
// when the daemon only sent a percentage.
type JobProgress struct {
	JobID           string           `json:"job_id"`
	Progress        float64          `json:"progress"`
	GenericProgress *GenericProgress `json:"generic_progress,omitempty"`
}

// JobCompleted reports a job finishing successfully.
type JobCompleted struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type,omitempty"`
}

// JobFailed reports a job failing.
type JobFailed struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// JobPaused reports a job being paused.
type JobPaused struct {
	JobID string `json:"job_id"`
}

// JobResumed reports a paused job resuming.
type JobResumed struct {
	JobID string `json:"job_id"`
}

// JobCancelled reports a job being cancelled.
type JobCancelled struct {
	JobID string `json:"job_id"`
}

// ConfigChanged reports a change to the application configuration.
type ConfigChanged struct {
	Field string `json:"field"`
}

// ResourceChanged reports that a resource was created or updated. An
// empty ResourceID means the change is only known by PathScope, e.g. a
// new file appearing in a directory.
type ResourceChanged struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`
	PathScope    string `json:"path_scope,omitempty"`
}

// ResourceDeleted reports that a resource was removed.
type ResourceDeleted struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	PathScope    string `json:"path_scope,omitempty"`
}

// GenericProgress is the structured progress payload shared by job
// kinds. Raw keeps the payload exactly as received so that fields this
// client does not model survive a merge.
type GenericProgress struct {
	// Percentage is a 0..1 fraction, unlike JobProgress.Progress.
	Percentage  float64         `json:"percentage"`
	Phase       string          `json:"phase,omitempty"`
	Message     string          `json:"message,omitempty"`
	CurrentPath json.RawMessage `json:"current_path,omitempty"`
	Completion  Completion      `json:"completion"`
	Performance Performance     `json:"performance"`

	Raw json.RawMessage `json:"-"`
}

// Completion counts work done.
type Completion struct {
	Completed      uint64 `json:"completed"`
	Total          uint64 `json:"total"`
	BytesCompleted uint64 `json:"bytes_completed,omitempty"`
	TotalBytes     uint64 `json:"total_bytes,omitempty"`
}

// Performance carries throughput figures. Rate is bytes per second.
type Performance struct {
	Rate float64 `json:"rate"`
}

// UnmarshalJSON decodes the known fields and keeps the raw payload.
func (g *GenericProgress) UnmarshalJSON(b []byte) error {
	type plain GenericProgress
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*g = GenericProgress(p)
	g.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON writes Raw when present so unknown fields round-trip.
func (g GenericProgress) MarshalJSON() ([]byte, error) {
	if len(g.Raw) > 0 {
		return g.Raw, nil
	}
	type plain GenericProgress
	return json.Marshal(plain(g))
}

func (JobQueued) Type() string       { return TypeJobQueued }
func (JobStarted) Type() string      { return TypeJobStarted }
func (JobProgress) Type() string     { return TypeJobProgress }
func (JobCompleted) Type() string    { return TypeJobCompleted }
func (JobFailed) Type() string       { return TypeJobFailed }
func (JobPaused) Type() string       { return TypeJobPaused }
func (JobResumed) Type() string      { return TypeJobResumed }
func (JobCancelled) Type() string    { return TypeJobCancelled }
func (ConfigChanged) Type() string   { return TypeConfigChanged }
func (ResourceChanged) Type() string { return TypeResourceChanged }
func (ResourceDeleted) Type() string { return TypeResourceDeleted }

func (e JobQueued) Accept(v Visitor)       { v.JobQueued(e) }
func (e JobStarted) Accept(v Visitor)      { v.JobStarted(e) }
func (e JobProgress) Accept(v Visitor)     { v.JobProgress(e) }
func (e JobCompleted) Accept(v Visitor)    { v.JobCompleted(e) }
func (e JobFailed) Accept(v Visitor)       { v.JobFailed(e) }
func (e JobPaused) Accept(v Visitor)       { v.JobPaused(e) }
func (e JobResumed) Accept(v Visitor)      { v.JobResumed(e) }
func (e JobCancelled) Accept(v Visitor)    { v.JobCancelled(e) }
func (e ConfigChanged) Accept(v Visitor)   { v.ConfigChanged(e) }
func (e ResourceChanged) Accept(v Visitor) { v.ResourceChanged(e) }
func (e ResourceDeleted) Accept(v Visitor) { v.ResourceDeleted(e) }

// JobID returns the job an event refers to, or "" for non-job events.
func JobID(e Event) string {
	switch ev := e.(type) {
	case JobQueued:
		return ev.JobID
	case JobStarted:
		return ev.JobID
	case JobProgress:
		return ev.JobID
	case JobCompleted:
		return ev.JobID
	case JobFailed:
		return ev.JobID
	case JobPaused:
		return ev.JobID
	case JobResumed:
		return ev.JobID
	case JobCancelled:
		return ev.JobID
	}
	return ""
}

// IsTerminal reports whether e ends a job's lifecycle.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}
