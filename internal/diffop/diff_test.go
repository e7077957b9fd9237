package diffop

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retcon/retcon/internal/document"
)

func TestComputeOrdersDeletesBeforeInserts(t *testing.T) {
	from := document.FromMap(map[string]string{
		"z": "old-z",
		"a": "old-a",
	})
	to := document.FromMap(map[string]string{
		"a": "old-a",
		"b": "new-b",
	})

	d := Compute(Unit{}, from, to)

	require.Len(t, d.Ops, 2)
	assert.Equal(t, Delete, d.Ops[0].Kind)
	assert.Equal(t, "z", d.Ops[0].Path.String())
	assert.Equal(t, Insert, d.Ops[1].Kind)
	assert.Equal(t, "b", d.Ops[1].Path.String())
}

func TestComputeUnchangedPathsProduceNoOps(t *testing.T) {
	from := document.FromMap(map[string]string{"a": "1"})
	to := document.FromMap(map[string]string{"a": "1"})

	d := Compute(Unit{}, from, to)
	assert.True(t, d.Empty(), "expected no ops for identical documents, got %+v", d.Ops)
}

func TestComputeNilDocuments(t *testing.T) {
	to := document.FromMap(map[string]string{"a": "1"})

	d := Compute(Unit{}, nil, to)
	require.Len(t, d.Ops, 1)
	assert.Equal(t, Insert, d.Ops[0].Kind)

	d2 := Compute(Unit{}, to, nil)
	require.Len(t, d2.Ops, 1)
	assert.Equal(t, Delete, d2.Ops[0].Kind)
}

func TestApplyRoundTrip(t *testing.T) {
	from := document.FromMap(map[string]string{"a": "1", "z": "gone"})
	to := document.FromMap(map[string]string{"a": "2", "b": "new"})

	d := Compute(Unit{}, from, to)
	got := Apply(d, from)

	if diff := cmp.Diff(to.AsMap(), got.AsMap()); diff != "" {
		t.Fatalf("Apply(Compute(from, to), from) mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	from := document.FromMap(map[string]string{"a": "1"})
	to := document.FromMap(map[string]string{"a": "2"})

	d := Compute(Unit{}, from, to)
	Apply(d, from)

	v, _ := from.Get(document.Path{"a"})
	assert.Equal(t, "1", v, "Apply mutated its input document")
}

func TestRelabel(t *testing.T) {
	from := document.New()
	to := document.FromMap(map[string]string{"a": "1"})

	d := Compute("db1", from, to)
	relabeled := Relabel(d, Unit{})

	require.Len(t, relabeled.Ops, len(d.Ops))
	for _, op := range relabeled.Ops {
		assert.Equal(t, Unit{}, op.Label)
	}
}
