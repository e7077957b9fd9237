package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersDoNotPanic(t *testing.T) {
	m := NewRegistry()

	m.RecordCreated("customer")
	m.RecordUpdated("customer")
	m.RecordDeleted("customer")
	m.RecordConflict("customer")
	m.RecordResolution("customer")
	m.RecordSourceError("customer", "db1")
	m.RecordInvariantViolation()
	m.SetQueueDepth(3)
	m.IncInFlight()
	m.DecInFlight()

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestTwoRegistriesDoNotCollide(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	a.RecordCreated("customer")
	_, err := a.Gatherer().Gather()
	require.NoError(t, err)
	_, err = b.Gatherer().Gather()
	require.NoError(t, err)
}
