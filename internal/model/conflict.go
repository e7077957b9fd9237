package model

import "github.com/retcon/retcon/internal/diffop"

// StoredOp pairs a DiffOpID with the operation it identifies and
// whether the merge policy accepted it. Accepted ops have already been
// applied to every source; unaccepted ops are what the conflict record
// presents to an operator for resolution.
type StoredOp struct {
	ID       DiffOpID
	Op       diffop.Op[diffop.Unit]
	Accepted bool
}

// ConflictRecord is the auditable record of a diff that produced at
// least one rejected operation. It is created when merge rejects
// something and stops being listed as open once every op is accepted;
// its rows are removed only when its internal key is deleted.
type ConflictRecord struct {
	DiffID  DiffID
	Key     InternalKey
	Initial []byte // JSON-encoded Document, as stored
	Ops     []StoredOp
}

// UnresolvedOps returns the ops in r that have not been accepted,
// i.e. the ones an operator must decide on.
func (r ConflictRecord) UnresolvedOps() []StoredOp {
	var out []StoredOp
	for _, op := range r.Ops {
		if !op.Accepted {
			out = append(out, op)
		}
	}
	return out
}

// IsResolved reports whether every op in r has been accepted, i.e. r
// should no longer appear in listConflicts per invariant 4.
func (r ConflictRecord) IsResolved() bool {
	return len(r.UnresolvedOps()) == 0
}
