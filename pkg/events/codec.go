package events

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/slvnlrt/spacedrive/pkg/protocol"
)

// Decode parses an externally tagged event such as
// {"JobProgress":{"job_id":"j1","progress":50}}. Variants this client
// does not know return an error wrapping protocol.ErrUnknownEvent.
func Decode(raw []byte) (Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, name)
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if len(tagged) != 1 {
		return nil, fmt.Errorf("decode event: expected one variant, got %d", len(tagged))
	}

	for name, body := range tagged {
		return decodeVariant(name, body)
	}
	return nil, nil
}

func decodeVariant(name string, body json.RawMessage) (Event, error) {
	switch name {
	case TypeJobQueued:
		return decodeAs[JobQueued](name, body)
	case TypeJobStarted:
		return decodeAs[JobStarted](name, body)
	case TypeJobProgress:
		return decodeAs[JobProgress](name, body)
	case TypeJobCompleted:
		return decodeAs[JobCompleted](name, body)
	case TypeJobFailed:
		return decodeAs[JobFailed](name, body)
	case TypeJobPaused:
		return decodeAs[JobPaused](name, body)
	case TypeJobResumed:
		return decodeAs[JobResumed](name, body)
	case TypeJobCancelled:
		return decodeAs[JobCancelled](name, body)
	case TypeConfigChanged:
		return decodeAs[ConfigChanged](name, body)
	case TypeResourceChanged:
		return decodeAs[ResourceChanged](name, body)
	case TypeResourceDeleted:
		return decodeAs[ResourceDeleted](name, body)
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, name)
}

func decodeAs[T Event](name string, body json.RawMessage) (Event, error) {
	var ev T
	if len(body) > 0 && !bytes.Equal(body, []byte("null")) {
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return ev, nil
}

// Encode writes e in its externally tagged form.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(map[string]Event{e.Type(): e})
}

// Envelope is one event stream message: an event plus the library it
// originated from. An empty LibraryID marks a daemon-wide event.
type Envelope struct {
	LibraryID string
	Event     Event
}

type wireEnvelope struct {
	LibraryID string          `json:"library_id,omitempty"`
	Event     json.RawMessage `json:"event"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	body, err := Encode(e.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{LibraryID: e.LibraryID, Event: body})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ev, err := Decode(w.Event)
	if err != nil {
		return err
	}
	e.LibraryID = w.LibraryID
	e.Event = ev
	return nil
}
