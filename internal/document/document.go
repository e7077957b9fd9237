// Package document implements the ordered, path-addressed document
// that Retcon reconciles across sources.
package document

import (
	"sort"
	"strings"
)

// Path is a non-empty ordered sequence of path segments identifying a
// leaf value within a Document, e.g. ["address", "city"].
type Path []string

// String renders a Path as a dotted string, used for ordering and for
// diagnostic output. Segments containing a literal dot are not
// escaped; Retcon's own callers never put one in a segment.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Equal reports whether p and other name the same path.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of p that shares no backing array with p.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Document is an ordered mapping from Path to string value. Duplicate
// paths are forbidden; a missing path is distinct from one whose value
// is the empty string.
type Document struct {
	values map[string]string
}

// New returns an empty Document.
func New() *Document {
	return &Document{values: map[string]string{}}
}

// FromMap builds a Document from a map of dotted path strings to
// values. It is a convenience for tests and for DataSource adapters
// whose wire format is naturally flat.
func FromMap(m map[string]string) *Document {
	d := New()
	for k, v := range m {
		d.values[k] = v
	}
	return d
}

// Get returns the value stored at path and whether it was present.
func (d *Document) Get(path Path) (string, bool) {
	v, ok := d.values[path.String()]
	return v, ok
}

// Set stores value at path, overwriting any existing value.
func (d *Document) Set(path Path, value string) {
	d.values[path.String()] = value
}

// Delete removes path from the document. Deleting an absent path is a
// no-op.
func (d *Document) Delete(path Path) {
	delete(d.values, path.String())
}

// Paths returns the document's paths in lexicographic order.
func (d *Document) Paths() []Path {
	keys := make([]string, 0, len(d.values))
	for k := range d.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	paths := make([]Path, 0, len(keys))
	for _, k := range keys {
		paths = append(paths, splitPath(k))
	}
	return paths
}

func splitPath(s string) Path {
	if s == "" {
		return Path{}
	}
	return Path(strings.Split(s, "."))
}

// Len returns the number of leaves in the document.
func (d *Document) Len() int {
	return len(d.values)
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	out := New()
	for k, v := range d.values {
		out.values[k] = v
	}
	return out
}

// Equal reports whether d and other hold exactly the same paths and
// values. Document equality is pathwise, per the data model.
func (d *Document) Equal(other *Document) bool {
	if other == nil {
		return d == nil || d.Len() == 0
	}
	if d == nil {
		return other.Len() == 0
	}
	if len(d.values) != len(other.values) {
		return false
	}
	for k, v := range d.values {
		ov, ok := other.values[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// AsMap returns a copy of the document's flat dotted-path representation,
// used by the JSON wire encoding and by DataSource adapters.
func (d *Document) AsMap() map[string]string {
	out := make(map[string]string, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}
