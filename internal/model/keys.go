// Package model holds the identifiers, records, and error taxonomy shared
// by every other package in retcon. It has no dependencies on store,
// source, or transport so that all of those packages can depend on it
// without creating cycles.
package model

import "fmt"

// EntityName names a kind of business object mirrored across sources,
// e.g. "customer".
type EntityName string

// SourceName names one configured external system holding a copy of an
// entity, e.g. "db1".
type SourceName string

// InternalKey is the identifier Retcon mints for an entity once it is
// first observed from any source. It is unique within its EntityName.
type InternalKey struct {
	Entity EntityName
	ID     uint64
}

func (k InternalKey) String() string {
	return fmt.Sprintf("%s/%d", k.Entity, k.ID)
}

// IsZero reports whether k is the zero InternalKey, i.e. not yet minted.
func (k InternalKey) IsZero() bool {
	return k.Entity == "" && k.ID == 0
}

// ForeignKey is an identifier issued by a source. Its ID is opaque to
// Retcon: it is never parsed or compared except for equality.
type ForeignKey struct {
	Entity EntityName
	Source SourceName
	ID     string
}

func (k ForeignKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Entity, k.Source, k.ID)
}

// DiffID identifies one stored, possibly-conflicted diff in the
// identifier store. It is server-assigned and opaque to callers.
type DiffID string

// DiffOpID identifies one operation within a stored diff. It is
// server-assigned and opaque to callers.
type DiffOpID string
