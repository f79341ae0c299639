package cache

import (
	"encoding/json"
	"strconv"

	"github.com/slvnlrt/spacedrive/pkg/querykey"
)

// DefaultExtractor indexes the records a result carries under the key's
// resource type. A record is an object with an "id" field found at the
// top level, in a top-level array, or in an array held by a top-level
// field (e.g. {"jobs": [...]}). The key's own ResourceID is always
// included.
func DefaultExtractor(key querykey.Key, data json.RawMessage) []ResourceRef {
	var refs []ResourceRef
	seen := make(map[ResourceRef]struct{})
	add := func(id string) {
		if id == "" || key.ResourceType() == "" {
			return
		}
		ref := ResourceRef{Type: key.ResourceType(), ID: id}
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	add(key.ResourceID())

	var root any
	if len(data) == 0 || json.Unmarshal(data, &root) != nil {
		return refs
	}

	addRecords := func(v any) {
		items, ok := v.([]any)
		if !ok {
			return
		}
		for _, item := range items {
			if obj, ok := item.(map[string]any); ok {
				add(recordID(obj))
			}
		}
	}

	switch t := root.(type) {
	case []any:
		addRecords(t)
	case map[string]any:
		add(recordID(t))
		for _, v := range t {
			addRecords(v)
		}
	}
	return refs
}

func recordID(obj map[string]any) string {
	switch id := obj["id"].(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	return ""
}
