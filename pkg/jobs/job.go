// Package jobs keeps a live view of daemon jobs on top of the query
// cache, merging progress events in place and exposing job controls.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/slvnlrt/spacedrive/pkg/events"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether s counts toward the active job total.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// Terminal reports whether s ends a job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one entry of jobs.list, plus the runtime fields merged in from
// progress events.
type Job struct {
	ID              string                  `json:"id"`
	Name            string                  `json:"name"`
	Status          Status                  `json:"status"`
	Progress        *float64                `json:"progress,omitempty"`
	ActionContext   *ActionContext          `json:"action_context,omitempty"`
	CurrentPhase    string                  `json:"current_phase,omitempty"`
	CurrentPath     json.RawMessage         `json:"current_path,omitempty"`
	StatusMessage   string                  `json:"status_message,omitempty"`
	GenericProgress *events.GenericProgress `json:"generic_progress,omitempty"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
}

// ActionContext records what started a job.
type ActionContext struct {
	ActionType string          `json:"action_type"`
	Context    json.RawMessage `json:"context,omitempty"`
}

// ListOutput is the result of jobs.list.
type ListOutput struct {
	Jobs []Job `json:"jobs"`
}

// IndexerJobName is the job name of volume and location indexing.
const IndexerJobName = "indexer"

// VolumeFingerprint returns the volume a job indexes, if any.
func (j Job) VolumeFingerprint() (string, bool) {
	if j.ActionContext == nil || len(j.ActionContext.Context) == 0 {
		return "", false
	}
	var ctx map[string]json.RawMessage
	if json.Unmarshal(j.ActionContext.Context, &ctx) != nil {
		return "", false
	}
	var fp string
	if json.Unmarshal(ctx["volume_fingerprint"], &fp) != nil || fp == "" {
		return "", false
	}
	return fp, true
}

// ActiveCount counts running and paused jobs.
func ActiveCount(jobs []Job) int {
	n := 0
	for _, j := range jobs {
		if j.Status.Active() {
			n++
		}
	}
	return n
}

// AnyRunning reports whether some job is running.
func AnyRunning(jobs []Job) bool {
	for _, j := range jobs {
		if j.Status == StatusRunning {
			return true
		}
	}
	return false
}

// CountByStatus tallies jobs per status.
func CountByStatus(jobs []Job) map[string]int {
	counts := map[string]int{
		string(StatusQueued):    0,
		string(StatusRunning):   0,
		string(StatusPaused):    0,
		string(StatusCompleted): 0,
		string(StatusFailed):    0,
		string(StatusCancelled): 0,
	}
	for _, j := range jobs {
		counts[string(j.Status)]++
	}
	return counts
}

// IndexingVolumes maps volume fingerprint to job id for every running
// indexer job that targets a volume.
func IndexingVolumes(jobs []Job) map[string]string {
	out := make(map[string]string)
	for _, j := range jobs {
		if j.Name != IndexerJobName || j.Status != StatusRunning {
			continue
		}
		if fp, ok := j.VolumeFingerprint(); ok {
			out[fp] = j.ID
		}
	}
	return out
}
