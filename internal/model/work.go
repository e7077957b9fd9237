package model

import "github.com/retcon/retcon/internal/diffop"

// ChangeNotification is posted by an external system to report that a
// foreign-keyed document changed on one source.
type ChangeNotification struct {
	Entity EntityName
	Source SourceName
	FID    string
}

func (n ChangeNotification) ForeignKey() ForeignKey {
	return ForeignKey{Entity: n.Entity, Source: n.Source, ID: n.FID}
}

// WorkItemKind discriminates the two shapes of WorkItem.
type WorkItemKind int

const (
	// Process carries a ChangeNotification through the reconciliation
	// state machine.
	Process WorkItemKind = iota
	// Apply carries an operator-approved resolution of a previously
	// parked conflict.
	Apply
)

// WorkItem is the sum type queued by the work queue: either a fresh
// Process(notification) or an Apply(diffID, diff) resulting from a
// resolved conflict.
type WorkItem struct {
	Kind WorkItemKind

	Notification ChangeNotification // valid when Kind == Process

	DiffID DiffID                    // valid when Kind == Apply
	Diff   diffop.Diff[diffop.Unit] // valid when Kind == Apply
}
