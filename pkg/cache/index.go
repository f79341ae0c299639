package cache

import (
	"path"

	"github.com/slvnlrt/spacedrive/pkg/querykey"
)

type keySet map[string]struct{}

// index is the reverse mapping from resources and path scopes to the
// entries whose data embeds them. Guarded by Cache.mu.
type index struct {
	byResource map[ResourceRef]keySet
	byScope    map[string]keySet
}

func newIndex() *index {
	return &index{
		byResource: make(map[ResourceRef]keySet),
		byScope:    make(map[string]keySet),
	}
}

func (ix *index) addRefs(id string, refs []ResourceRef) {
	for _, r := range refs {
		set, ok := ix.byResource[r]
		if !ok {
			set = make(keySet)
			ix.byResource[r] = set
		}
		set[id] = struct{}{}
	}
}

func (ix *index) removeRefs(id string, refs []ResourceRef) {
	for _, r := range refs {
		set := ix.byResource[r]
		delete(set, id)
		if len(set) == 0 {
			delete(ix.byResource, r)
		}
	}
}

func (ix *index) addScope(id, scope string) {
	if scope == "" {
		return
	}
	set, ok := ix.byScope[scope]
	if !ok {
		set = make(keySet)
		ix.byScope[scope] = set
	}
	set[id] = struct{}{}
}

func (ix *index) removeScope(id, scope string) {
	set := ix.byScope[scope]
	delete(set, id)
	if len(set) == 0 {
		delete(ix.byScope, scope)
	}
}

func (ix *index) lookup(ref ResourceRef) []string {
	set := ix.byResource[ref]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// lookupPath returns entries scoped to p itself, to p's parent directory,
// and to any ancestor of p when the entry covers descendants. Only
// ancestors of p are visited.
func (ix *index) lookupPath(p string, entries map[string]*entry) []string {
	p = querykey.CleanPath(p)
	if p == "" {
		return nil
	}
	var out []string
	visit := func(scope string, direct bool) {
		for id := range ix.byScope[scope] {
			e := entries[id]
			if e == nil {
				continue
			}
			if direct || e.key.IncludeDescendants() {
				out = append(out, id)
			}
		}
	}

	visit(p, true)
	if p == "/" {
		return out
	}
	parent := path.Dir(p)
	visit(parent, true)
	for dir := parent; dir != "/"; {
		dir = path.Dir(dir)
		visit(dir, false)
	}
	return out
}
