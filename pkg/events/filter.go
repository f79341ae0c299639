package events

import (
	"path"
	"slices"
	"strings"
)

// Filter selects the events a subscription receives. Zero fields match
// everything.
type Filter struct {
	EventTypes   []string `json:"event_types,omitempty"`
	ResourceType string   `json:"resource_type,omitempty"`
	PathScope    string   `json:"path_scope,omitempty"`
	LibraryID    string   `json:"library_id,omitempty"`
}

// Match reports whether an event from libraryID passes the filter.
// ResourceType and PathScope only constrain resource events; daemon-wide
// events (empty libraryID) pass any library filter.
func (f Filter) Match(libraryID string, e Event) bool {
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type()) {
		return false
	}
	if f.LibraryID != "" && libraryID != "" && f.LibraryID != libraryID {
		return false
	}

	var resType, scope string
	switch ev := e.(type) {
	case ResourceChanged:
		resType, scope = ev.ResourceType, ev.PathScope
	case ResourceDeleted:
		resType, scope = ev.ResourceType, ev.PathScope
	default:
		return true
	}

	if f.ResourceType != "" && f.ResourceType != resType {
		return false
	}
	if f.PathScope != "" && scope != "" && !Within(scope, f.PathScope) {
		return false
	}
	return true
}

// Within reports whether p equals dir or lies below it. Both paths are
// slash separated.
func Within(p, dir string) bool {
	p, dir = path.Clean("/"+p), path.Clean("/"+dir)
	if dir == "/" || p == dir {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}
