package merge

import (
	"sort"

	"github.com/retcon/retcon/internal/diffop"
	"github.com/retcon/retcon/internal/document"
	"github.com/retcon/retcon/internal/model"
)

// IgnoreConflicts rejects every operation on a conflicted path and
// accepts everything else. It is total — it never panics or leaves a
// path undecided — and is the default policy.
type IgnoreConflicts struct{}

func (IgnoreConflicts) Name() string { return "ignoreConflicts" }

func (IgnoreConflicts) Merge(_ *document.Document, sources []model.SourceName, diffs []diffop.Diff[model.SourceName]) (
	diffop.Diff[diffop.Unit], []diffop.Diff[diffop.Unit],
) {
	conflicted := conflictedPaths(diffs)
	accepted := diffop.Diff[diffop.Unit]{Ops: dedupeAccepted(diffs, conflicted, nil)}

	rejected := make([]diffop.Diff[diffop.Unit], len(diffs))
	for i, d := range diffs {
		rejected[i] = rejectedFor(d, conflicted, nil, nil)
	}
	_ = sources
	return accepted, rejected
}

// TrustSource accepts the trusted source's operation on every
// conflicted path and rejects every other source's operation there.
// Non-conflicted paths are accepted from whichever source touched them,
// same as IgnoreConflicts.
type TrustSource struct {
	Trusted model.SourceName
}

func (TrustSource) Name() string { return "trustSource" }

func (p TrustSource) Merge(_ *document.Document, sources []model.SourceName, diffs []diffop.Diff[model.SourceName]) (
	diffop.Diff[diffop.Unit], []diffop.Diff[diffop.Unit],
) {
	conflicted := conflictedPaths(diffs)

	var trustedOps []diffop.Op[model.SourceName]
	for i, src := range sources {
		if src == p.Trusted {
			trustedOps = diffs[i].Ops
		}
	}
	trustedByPath := map[string]diffop.Op[model.SourceName]{}
	for _, op := range trustedOps {
		trustedByPath[op.Path.String()] = op
	}

	accepted := diffop.Diff[diffop.Unit]{Ops: dedupeAccepted(diffs, conflicted, nil)}
	for path := range conflicted {
		if op, ok := trustedByPath[path]; ok {
			accepted.Ops = append(accepted.Ops, diffop.Op[diffop.Unit]{Kind: op.Kind, Path: op.Path, Value: op.Value})
		}
	}
	sortOps(accepted.Ops)

	rejected := make([]diffop.Diff[diffop.Unit], len(diffs))
	for i, d := range diffs {
		keep := func(path document.Path) bool {
			// The trusted source's own conflicting op is accepted, not rejected.
			if sources[i] == p.Trusted {
				return false
			}
			return true
		}
		rejected[i] = rejectedFor(d, conflicted, nil, keep)
	}
	return accepted, rejected
}

// Reject never accepts an operation touching one of the configured
// path prefixes, regardless of conflict: those paths are always parked
// for a human to decide, even when every source agrees on the value.
type Reject struct {
	Prefixes []document.Path
}

func (Reject) Name() string { return "reject" }

func (p Reject) skip(path document.Path) bool {
	for _, prefix := range p.Prefixes {
		if hasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (p Reject) Merge(_ *document.Document, sources []model.SourceName, diffs []diffop.Diff[model.SourceName]) (
	diffop.Diff[diffop.Unit], []diffop.Diff[diffop.Unit],
) {
	conflicted := conflictedPaths(diffs)
	accepted := diffop.Diff[diffop.Unit]{Ops: dedupeAccepted(diffs, conflicted, p.skip)}

	rejected := make([]diffop.Diff[diffop.Unit], len(diffs))
	for i, d := range diffs {
		rejected[i] = rejectedFor(d, conflicted, p.skip, nil)
	}
	_ = sources
	return accepted, rejected
}

func sortOps(ops []diffop.Op[diffop.Unit]) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Kind != ops[j].Kind {
			return ops[i].Kind == diffop.Delete
		}
		return pathLess(ops[i].Path, ops[j].Path)
	})
}
