package store

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retcon/retcon/internal/diffop"
	"github.com/retcon/retcon/internal/document"
	"github.com/retcon/retcon/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(NewMemoryDSN())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sequentialID() func() string {
	n := 0
	return func() string {
		n++
		return "id-" + strconv.Itoa(n)
	}
}

func TestCreateInternalKeyMintsSequentialIDs(t *testing.T) {
	s := newTestStore(t)

	k1, err := s.CreateInternalKey("customer")
	require.NoError(t, err)
	k2, err := s.CreateInternalKey("customer")
	require.NoError(t, err)

	assert.NotEqual(t, k1.ID, k2.ID)
	assert.False(t, k1.IsZero())
	assert.False(t, k2.IsZero())
}

func TestRecordAndLookupForeign(t *testing.T) {
	s := newTestStore(t)
	ik, err := s.CreateInternalKey("customer")
	require.NoError(t, err)

	fk := model.ForeignKey{Entity: "customer", Source: "db1", ID: "abc"}
	require.NoError(t, s.RecordForeign(ik, fk))

	got, ok, err := s.LookupInternal(fk)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ik, got)

	lookedUp, ok, err := s.LookupForeign(ik, "db1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fk, lookedUp)
}

func TestRecordForeignRejectsRebinding(t *testing.T) {
	s := newTestStore(t)
	ik, _ := s.CreateInternalKey("customer")

	fk1 := model.ForeignKey{Entity: "customer", Source: "db1", ID: "abc"}
	require.NoError(t, s.RecordForeign(ik, fk1))

	fk2 := model.ForeignKey{Entity: "customer", Source: "db1", ID: "xyz"}
	err := s.RecordForeign(ik, fk2)
	require.Error(t, err)
	assert.IsType(t, &model.Conflict{}, err)
}

func TestRecordForeignIdempotent(t *testing.T) {
	s := newTestStore(t)
	ik, _ := s.CreateInternalKey("customer")
	fk := model.ForeignKey{Entity: "customer", Source: "db1", ID: "abc"}

	require.NoError(t, s.RecordForeign(ik, fk))
	assert.NoError(t, s.RecordForeign(ik, fk), "re-recording the same binding should be a no-op")
}

func TestRecordForeignRequiresExistingInternalKey(t *testing.T) {
	s := newTestStore(t)
	fk := model.ForeignKey{Entity: "customer", Source: "db1", ID: "abc"}

	err := s.RecordForeign(model.InternalKey{Entity: "customer", ID: 999}, fk)
	require.Error(t, err)
	assert.IsType(t, &model.InvariantViolation{}, err)
}

func TestPutAndGetInitial(t *testing.T) {
	s := newTestStore(t)
	ik, _ := s.CreateInternalKey("customer")

	doc := document.FromMap(map[string]string{"name": "alice"})
	require.NoError(t, s.PutInitial(ik, doc))

	got, ok, err := s.GetInitial(ik)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(doc))
}

func TestDeleteInternalCascades(t *testing.T) {
	s := newTestStore(t)
	ik, _ := s.CreateInternalKey("customer")
	fk := model.ForeignKey{Entity: "customer", Source: "db1", ID: "abc"}
	require.NoError(t, s.RecordForeign(ik, fk))
	require.NoError(t, s.PutInitial(ik, document.FromMap(map[string]string{"a": "1"})))

	removed, err := s.DeleteInternal(ik)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, _ := s.LookupInternal(fk)
	assert.False(t, ok)
	_, ok, _ = s.GetInitial(ik)
	assert.False(t, ok)
}

func TestPutDiffAndListConflicts(t *testing.T) {
	s := newTestStore(t)
	ik, _ := s.CreateInternalKey("customer")

	diff := diffop.Diff[diffop.Unit]{Ops: []diffop.Op[diffop.Unit]{
		{Kind: diffop.Insert, Path: document.Path{"name"}, Value: "alice"},
		{Kind: diffop.Insert, Path: document.Path{"city"}, Value: "ny"},
	}}
	diffID, err := s.PutDiff(ik, diff, []bool{false, true}, sequentialID())
	require.NoError(t, err)

	conflicts, err := s.ListConflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	record := conflicts[0]
	assert.Equal(t, diffID, record.DiffID)
	assert.Len(t, record.UnresolvedOps(), 1)
}

func TestMarkResolvedRemovesFromOpenConflicts(t *testing.T) {
	s := newTestStore(t)
	ik, _ := s.CreateInternalKey("customer")

	diff := diffop.Diff[diffop.Unit]{Ops: []diffop.Op[diffop.Unit]{
		{Kind: diffop.Insert, Path: document.Path{"name"}, Value: "alice"},
	}}
	diffID, err := s.PutDiff(ik, diff, []bool{false}, sequentialID())
	require.NoError(t, err)

	record, _, _, err := s.GetConflict(diffID)
	require.NoError(t, err)
	opID := record.Ops[0].ID

	require.NoError(t, s.MarkResolved(diffID, []model.DiffOpID{opID}))

	conflicts, err := s.ListConflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	record, _, _, err = s.GetConflict(diffID)
	require.NoError(t, err)
	assert.True(t, record.IsResolved(), "expected the audit record to remain, now resolved")
}

func TestMarkResolvedRejectsForeignOpID(t *testing.T) {
	s := newTestStore(t)
	ik, _ := s.CreateInternalKey("customer")
	diff := diffop.Diff[diffop.Unit]{Ops: []diffop.Op[diffop.Unit]{
		{Kind: diffop.Insert, Path: document.Path{"name"}, Value: "alice"},
	}}
	diffID, err := s.PutDiff(ik, diff, []bool{false}, sequentialID())
	require.NoError(t, err)

	err = s.MarkResolved(diffID, []model.DiffOpID{"not-a-real-op"})
	require.Error(t, err)
}

func TestMarkResolvedUnknownDiff(t *testing.T) {
	s := newTestStore(t)
	err := s.MarkResolved("nonexistent", nil)
	require.Error(t, err)
	assert.IsType(t, &model.ConflictResolved{}, err)
}
