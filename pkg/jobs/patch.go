package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/slvnlrt/spacedrive/pkg/events"
)

type rawJob = map[string]json.RawMessage

// mergeProgress applies a JobProgress event to the raw jobs.list
// payload. Only the fields the event carries are written; everything
// else on the job, including fields this client does not model, is kept.
// It reports false when the job is not in the list.
func mergeProgress(data json.RawMessage, ev events.JobProgress) (json.RawMessage, bool, error) {
	var wrapped map[string]json.RawMessage
	var list []rawJob

	if err := json.Unmarshal(data, &wrapped); err != nil {
		wrapped = nil
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, false, fmt.Errorf("decode jobs: %w", err)
		}
	} else if raw, ok := wrapped["jobs"]; ok {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, false, fmt.Errorf("decode jobs: %w", err)
		}
	}

	found := false
	for _, job := range list {
		var id string
		if json.Unmarshal(job["id"], &id) != nil || id != ev.JobID {
			continue
		}
		if err := applyProgress(job, ev); err != nil {
			return nil, false, err
		}
		found = true
		break
	}
	if !found {
		return nil, false, nil
	}

	var out []byte
	var err error
	if wrapped != nil {
		wrapped["jobs"], err = json.Marshal(list)
		if err != nil {
			return nil, false, err
		}
		out, err = json.Marshal(wrapped)
	} else {
		out, err = json.Marshal(list)
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func applyProgress(job rawJob, ev events.JobProgress) error {
	set := func(field string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", field, err)
		}
		job[field] = b
		return nil
	}

	if err := set("progress", ev.Progress); err != nil {
		return err
	}
	g := ev.GenericProgress
	if g == nil {
		return nil
	}
	if err := set("current_phase", g.Phase); err != nil {
		return err
	}
	if len(g.CurrentPath) > 0 {
		job["current_path"] = g.CurrentPath
	}
	if err := set("status_message", g.Message); err != nil {
		return err
	}
	return set("generic_progress", g)
}
