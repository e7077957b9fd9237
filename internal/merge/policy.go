// Package merge implements the pluggable conflict arbiter: given the
// per-source diffs computed against one initial document, it decides
// which operations can be applied everywhere and which must be parked
// for an operator to resolve.
package merge

import (
	"sort"

	"github.com/retcon/retcon/internal/diffop"
	"github.com/retcon/retcon/internal/document"
	"github.com/retcon/retcon/internal/model"
)

// Policy partitions a set of per-source diffs, all computed against
// the same initial document, into one accepted diff (to be applied to
// every source) and one rejected diff per source (the operations that
// source's diff contributed but which lost the conflict). A policy
// must be pure: it may inspect only the diffs and the initial document
// handed to it, never any other state.
type Policy interface {
	// Name identifies the policy for config lookups, e.g. "ignoreConflicts".
	Name() string
	// Merge runs the policy. diffs and sources are parallel slices: diffs[i]
	// is source sources[i]'s diff against initial. The returned rejected
	// slice is parallel to diffs: rejected[i] holds the ops from diffs[i]
	// that were not accepted.
	Merge(initial *document.Document, sources []model.SourceName, diffs []diffop.Diff[model.SourceName]) (
		accepted diffop.Diff[diffop.Unit],
		rejected []diffop.Diff[diffop.Unit],
	)
}

// conflictedPaths returns, for each path touched by more than one
// source's diff, whether the touching ops actually disagree: an
// Insert(p, v) from one source conflicts with another source's
// Insert(p, v') where v' != v, or with another source's Delete(p). Two
// sources that both Insert the same (path, value), or both Delete the
// same path, are not in conflict even though they touch the same path.
func conflictedPaths(diffs []diffop.Diff[model.SourceName]) map[string]bool {
	type seen struct {
		kind  diffop.Kind
		value string
	}
	byPath := map[string][]seen{}
	for _, d := range diffs {
		for _, op := range d.Ops {
			byPath[op.Path.String()] = append(byPath[op.Path.String()], seen{kind: op.Kind, value: op.Value})
		}
	}

	conflicted := map[string]bool{}
	for path, entries := range byPath {
		first := entries[0]
		for _, e := range entries[1:] {
			if e.kind != first.kind || e.value != first.value {
				conflicted[path] = true
				break
			}
		}
	}
	return conflicted
}

func hasPrefix(path, prefix document.Path) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

func pathLess(a, b document.Path) bool {
	return a.String() < b.String()
}

// dedupeAccepted returns the deduplicated, deterministically ordered
// set of operations to accept from the union of all sources' ops on
// non-conflicted paths. When multiple sources propose the identical
// (path, kind, value) — e.g. two sources both Insert the same value —
// only one copy is kept.
func dedupeAccepted(diffs []diffop.Diff[model.SourceName], conflicted map[string]bool, skip func(document.Path) bool) []diffop.Op[diffop.Unit] {
	type key struct {
		path  string
		kind  diffop.Kind
		value string
	}
	seen := map[key]bool{}
	var out []diffop.Op[diffop.Unit]
	for _, d := range diffs {
		for _, op := range d.Ops {
			if conflicted[op.Path.String()] {
				continue
			}
			if skip != nil && skip(op.Path) {
				continue
			}
			k := key{path: op.Path.String(), kind: op.Kind, value: op.Value}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, diffop.Op[diffop.Unit]{Kind: op.Kind, Path: op.Path, Value: op.Value})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == diffop.Delete
		}
		return pathLess(out[i].Path, out[j].Path)
	})
	return out
}

func rejectedFor(d diffop.Diff[model.SourceName], conflicted map[string]bool, skip func(document.Path) bool, keep func(document.Path) bool) diffop.Diff[diffop.Unit] {
	var ops []diffop.Op[diffop.Unit]
	for _, op := range d.Ops {
		isConflicted := conflicted[op.Path.String()]
		isSkipped := skip != nil && skip(op.Path)
		if !isConflicted && !isSkipped {
			continue
		}
		if keep != nil && !keep(op.Path) {
			continue
		}
		ops = append(ops, diffop.Op[diffop.Unit]{Kind: op.Kind, Path: op.Path, Value: op.Value})
	}
	return diffop.Diff[diffop.Unit]{Ops: ops}
}
