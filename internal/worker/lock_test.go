package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLockerExclusion(t *testing.T) {
	l := NewKeyedLocker()

	release, ok := l.TryAcquire("a")
	require.True(t, ok, "expected to acquire an unheld key")

	_, ok = l.TryAcquire("a")
	assert.False(t, ok, "expected a second acquire of the same key to fail while held")

	_, ok = l.TryAcquire("b")
	assert.True(t, ok, "expected an unrelated key to acquire freely")

	release()
	_, ok = l.TryAcquire("a")
	assert.True(t, ok, "expected the key to be acquirable again after release")
}
