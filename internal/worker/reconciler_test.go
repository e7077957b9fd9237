package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/retcon/retcon/internal/diffop"
	"github.com/retcon/retcon/internal/document"
	"github.com/retcon/retcon/internal/merge"
	"github.com/retcon/retcon/internal/metrics"
	"github.com/retcon/retcon/internal/model"
	"github.com/retcon/retcon/internal/source"
	"github.com/retcon/retcon/internal/store"
)

func newTestReconciler(t *testing.T, policy merge.Policy, srcs ...model.SourceName) (*Reconciler, *store.Store, *source.Registry, map[model.SourceName]*source.MemSource) {
	t.Helper()
	st, err := store.New(store.NewMemoryDSN())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := source.NewRegistry()
	mems := map[model.SourceName]*source.MemSource{}
	for _, s := range srcs {
		m := source.NewMemSource()
		mems[s] = m
		reg.MustRegister("customer", s, m)
	}
	if policy == nil {
		policy = merge.IgnoreConflicts{}
	}
	recon := New(Config{
		Store: st, Sources: reg, Policy: policy, Metrics: metrics.NewRegistry(),
		Logger: zap.NewNop(),
	})
	return recon, st, reg, mems
}

func TestProcessCreatesAcrossAllSources(t *testing.T) {
	recon, st, _, mems := newTestReconciler(t, nil, "db1", "db2")

	mems["db1"].Seed("ext-1", document.FromMap(map[string]string{"name": "alice"}))

	action, err := recon.Handle(context.Background(), model.WorkItem{
		Kind:         model.Process,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", FID: "ext-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, action)

	fk := model.ForeignKey{Entity: "customer", Source: "db1", ID: "ext-1"}
	ik, ok, err := st.LookupInternal(fk)
	require.NoError(t, err)
	require.True(t, ok, "expected an internal key minted")

	snap := mems["db2"].Snapshot()
	require.Len(t, snap, 1, "expected the document propagated to db2")
	for _, doc := range snap {
		v, _ := doc.Get(document.Path{"name"})
		assert.Equal(t, "alice", v)
	}

	initial, ok, err := st.GetInitial(ik)
	require.NoError(t, err)
	require.True(t, ok, "expected an initial document stored")
	v, _ := initial.Get(document.Path{"name"})
	assert.Equal(t, "alice", v)
}

func TestProcessUpdateConverges(t *testing.T) {
	recon, st, _, mems := newTestReconciler(t, nil, "db1", "db2")

	mems["db1"].Seed("ext-1", document.FromMap(map[string]string{"name": "alice"}))
	ctx := context.Background()
	notify := model.WorkItem{Kind: model.Process, Notification: model.ChangeNotification{Entity: "customer", Source: "db1", FID: "ext-1"}}
	_, err := recon.Handle(ctx, notify)
	require.NoError(t, err, "initial create")

	mems["db1"].Seed("ext-1", document.FromMap(map[string]string{"name": "alicia"}))
	action, err := recon.Handle(ctx, notify)
	require.NoError(t, err, "update")
	assert.Equal(t, ActionUpdated, action)

	fk := model.ForeignKey{Entity: "customer", Source: "db1", ID: "ext-1"}
	ik, _, _ := st.LookupInternal(fk)
	initial, _, _ := st.GetInitial(ik)
	v, _ := initial.Get(document.Path{"name"})
	assert.Equal(t, "alicia", v, "expected the initial document to converge")

	for _, doc := range mems["db2"].Snapshot() {
		v, _ := doc.Get(document.Path{"name"})
		assert.Equal(t, "alicia", v, "expected db2 to converge")
	}

	conflicts, _ := st.ListConflicts()
	assert.Empty(t, conflicts, "expected no conflict for a non-conflicting update")
}

func TestProcessUpdateConflictParksDiff(t *testing.T) {
	recon, st, _, mems := newTestReconciler(t, nil, "db1", "db2")

	mems["db1"].Seed("ext-1", document.FromMap(map[string]string{"name": "alice"}))
	ctx := context.Background()
	notify1 := model.WorkItem{Kind: model.Process, Notification: model.ChangeNotification{Entity: "customer", Source: "db1", FID: "ext-1"}}
	_, err := recon.Handle(ctx, notify1)
	require.NoError(t, err, "initial create")

	fk1 := model.ForeignKey{Entity: "customer", Source: "db1", ID: "ext-1"}
	ik, _, _ := st.LookupInternal(fk1)
	fk2, _, _ := st.LookupForeign(ik, "db2")

	mems["db1"].Seed("ext-1", document.FromMap(map[string]string{"name": "alicia"}))
	mems["db2"].Seed(fk2.ID, document.FromMap(map[string]string{"name": "alberta"}))

	action, err := recon.Handle(ctx, notify1)
	require.NoError(t, err, "conflicting update")
	assert.Equal(t, ActionParked, action)

	conflicts, err := st.ListConflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Len(t, conflicts[0].UnresolvedOps(), 2, "expected both sources' conflicting inserts parked")

	initial, _, _ := st.GetInitial(ik)
	v, _ := initial.Get(document.Path{"name"})
	assert.Equal(t, "alice", v, "expected the initial document untouched by a parked conflict")
}

func TestProcessDeleteOnMissing(t *testing.T) {
	recon, st, _, mems := newTestReconciler(t, nil, "db1", "db2")

	mems["db1"].Seed("ext-1", document.FromMap(map[string]string{"name": "alice"}))
	ctx := context.Background()
	notify := model.WorkItem{Kind: model.Process, Notification: model.ChangeNotification{Entity: "customer", Source: "db1", FID: "ext-1"}}
	_, err := recon.Handle(ctx, notify)
	require.NoError(t, err, "initial create")

	fk := model.ForeignKey{Entity: "customer", Source: "db1", ID: "ext-1"}
	ik, _, _ := st.LookupInternal(fk)

	m := mems["db1"]
	m.Delete(ctx, fk)

	action, err := recon.Handle(ctx, notify)
	require.NoError(t, err, "delete-triggering update")
	assert.Equal(t, ActionDeleted, action)

	_, ok, _ := st.LookupInternal(fk)
	assert.False(t, ok, "expected the internal key removed after delete")
	assert.Empty(t, mems["db2"].Snapshot(), "expected db2's copy removed too")
	_, ok, _ = st.GetInitial(ik)
	assert.False(t, ok, "expected the initial document purged")
}

func TestHandleApplyResolvesConflict(t *testing.T) {
	recon, st, _, mems := newTestReconciler(t, nil, "db1", "db2")

	mems["db1"].Seed("ext-1", document.FromMap(map[string]string{"name": "alice"}))
	ctx := context.Background()
	notify := model.WorkItem{Kind: model.Process, Notification: model.ChangeNotification{Entity: "customer", Source: "db1", FID: "ext-1"}}
	_, err := recon.Handle(ctx, notify)
	require.NoError(t, err, "initial create")

	fk1 := model.ForeignKey{Entity: "customer", Source: "db1", ID: "ext-1"}
	ik, _, _ := st.LookupInternal(fk1)
	fk2, _, _ := st.LookupForeign(ik, "db2")

	mems["db1"].Seed("ext-1", document.FromMap(map[string]string{"name": "alicia"}))
	mems["db2"].Seed(fk2.ID, document.FromMap(map[string]string{"name": "alberta"}))
	_, err = recon.Handle(ctx, notify)
	require.NoError(t, err, "conflicting update")

	conflicts, _ := st.ListConflicts()
	record := conflicts[0]

	var chosen model.DiffOpID
	for _, op := range record.Ops {
		if op.Op.Value == "alicia" {
			chosen = op.ID
		}
	}
	require.NotEmpty(t, chosen, "expected to find the alicia op among %+v", record.Ops)

	scoped := diffop.Diff[diffop.Unit]{Ops: []diffop.Op[diffop.Unit]{
		{Kind: diffop.Insert, Path: document.Path{"name"}, Value: "alicia"},
	}}
	action, err := recon.Handle(ctx, model.WorkItem{Kind: model.Apply, DiffID: record.DiffID, Diff: scoped})
	require.NoError(t, err)
	assert.Equal(t, ActionApplied, action)

	remaining, _ := st.ListConflicts()
	assert.Empty(t, remaining, "expected the conflict fully resolved")

	initial, _, _ := st.GetInitial(ik)
	v, _ := initial.Get(document.Path{"name"})
	assert.Equal(t, "alicia", v, "expected the resolved value applied to the initial document")

	for _, doc := range mems["db2"].Snapshot() {
		v, _ := doc.Get(document.Path{"name"})
		assert.Equal(t, "alicia", v, "expected db2 pushed to the resolved value")
	}
}

func TestHandleApplyUnknownDiffID(t *testing.T) {
	recon, _, _, _ := newTestReconciler(t, nil, "db1")
	_, err := recon.Handle(context.Background(), model.WorkItem{Kind: model.Apply, DiffID: "nonexistent"})
	require.Error(t, err)
	assert.IsType(t, &model.ConflictResolved{}, err)
}

func TestProcessLockContention(t *testing.T) {
	recon, _, _, mems := newTestReconciler(t, nil, "db1")
	mems["db1"].Seed("ext-1", document.FromMap(map[string]string{"name": "alice"}))

	fk := model.ForeignKey{Entity: "customer", Source: "db1", ID: "ext-1"}
	release, ok := recon.locker.TryAcquire(fk.String())
	require.True(t, ok, "expected to acquire the lock in the test")
	defer release()

	_, err := recon.Handle(context.Background(), model.WorkItem{
		Kind:         model.Process,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", FID: "ext-1"},
	})
	assert.Equal(t, errLockContention, err)
}
