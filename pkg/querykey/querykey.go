// Package querykey builds canonical identifiers for cached queries.
//
// A Key is derived from the wire method, the query input and the
// resource scope. Inputs are normalised through JSON and then encoded
// with CBOR core deterministic encoding, so two keys are equal exactly
// when their canonical bytes are equal, regardless of struct field or
// map insertion order.
package querykey

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"path"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("querykey: cbor enc mode: %v", err))
	}
	encMode = em
}

// Spec describes a query before canonicalization.
type Spec struct {
	// Method is the bare wire method, e.g. "jobs.list".
	Method string
	// Input is any JSON-serializable value; nil is allowed.
	Input any
	// ResourceType names the kind of resource the result embeds,
	// e.g. "file", "location", "job".
	ResourceType string
	// ResourceID scopes the query to a single resource.
	ResourceID string
	// PathScope scopes the query to a directory.
	PathScope string
	// IncludeDescendants widens PathScope matching to every
	// descendant path instead of direct children only.
	IncludeDescendants bool
}

// Key is a canonical, comparable query identifier.
type Key struct {
	method             string
	input              any
	resourceType       string
	resourceID         string
	pathScope          string
	includeDescendants bool
	canonical          string
}

// tuple is the serialized form. Field order is fixed by toarray.
type tuple struct {
	_                  struct{} `cbor:",toarray"`
	Method             string
	Input              any
	ResourceType       string
	ResourceID         string
	PathScope          string
	IncludeDescendants bool
}

// New canonicalizes spec into a Key.
func New(spec Spec) (Key, error) {
	if spec.Method == "" {
		return Key{}, fmt.Errorf("querykey: method is required")
	}
	input, err := normalize(spec.Input)
	if err != nil {
		return Key{}, fmt.Errorf("querykey: normalize %s input: %w", spec.Method, err)
	}
	scope := CleanPath(spec.PathScope)

	b, err := encMode.Marshal(tuple{
		Method:             spec.Method,
		Input:              input,
		ResourceType:       spec.ResourceType,
		ResourceID:         spec.ResourceID,
		PathScope:          scope,
		IncludeDescendants: spec.IncludeDescendants,
	})
	if err != nil {
		return Key{}, fmt.Errorf("querykey: encode %s: %w", spec.Method, err)
	}

	return Key{
		method:             spec.Method,
		input:              input,
		resourceType:       spec.ResourceType,
		resourceID:         spec.ResourceID,
		pathScope:          scope,
		includeDescendants: spec.IncludeDescendants,
		canonical:          string(b),
	}, nil
}

// MustNew is like New but panics on error. Intended for static keys.
func MustNew(spec Spec) Key {
	k, err := New(spec)
	if err != nil {
		panic(err)
	}
	return k
}

// Method returns the bare wire method.
func (k Key) Method() string { return k.method }

// Input returns the normalised input value sent to the remote.
func (k Key) Input() any { return k.input }

// ResourceType returns the resource type the query embeds.
func (k Key) ResourceType() string { return k.resourceType }

// ResourceID returns the single resource the query is scoped to, if any.
func (k Key) ResourceID() string { return k.resourceID }

// PathScope returns the cleaned directory scope, if any.
func (k Key) PathScope() string { return k.pathScope }

// IncludeDescendants reports whether PathScope covers all descendants.
func (k Key) IncludeDescendants() bool { return k.includeDescendants }

// IsZero reports whether k was never built.
func (k Key) IsZero() bool { return k.canonical == "" }

// Canonical returns the canonical serialization.
func (k Key) Canonical() []byte { return []byte(k.canonical) }

// ID returns the canonical serialization as a string, suitable as a
// map key.
func (k Key) ID() string { return k.canonical }

// Equal reports whether two keys have byte-equal canonical forms.
func (k Key) Equal(other Key) bool {
	return bytes.Equal([]byte(k.canonical), []byte(other.canonical))
}

// Hash returns a short hex digest of the canonical form for logs and
// metrics. It is not used for identity.
func (k Key) Hash() string {
	sum := blake3.Sum256([]byte(k.canonical))
	return hex.EncodeToString(sum[:8])
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.method)
	if k.resourceType != "" {
		b.WriteString(" ")
		b.WriteString(k.resourceType)
		if k.resourceID != "" {
			b.WriteString("/")
			b.WriteString(k.resourceID)
		}
	}
	if k.pathScope != "" {
		b.WriteString(" @")
		b.WriteString(k.pathScope)
	}
	b.WriteString(" #")
	b.WriteString(k.Hash())
	return b.String()
}

// normalize round-trips v through JSON so struct tags, field order and
// map ordering collapse to one generic representation. Integral
// numbers become int64 (or *big.Int past its range) so 1 and 1.0
// compare equal.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return convertNumbers(generic), nil
}

func convertNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = convertNumbers(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = convertNumbers(child)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		// Integral values outside int64 stay exact so distinct large ids
		// never collapse onto one float64.
		if r, ok := new(big.Rat).SetString(t.String()); ok && r.IsInt() {
			n := r.Num()
			if n.IsInt64() {
				return n.Int64()
			}
			return n
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	default:
		return v
	}
}

// CleanPath normalises a slash-separated path scope. The empty string
// stays empty (no scope).
func CleanPath(p string) string {
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
