package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retcon/retcon/internal/diffop"
)

func TestInternalKeyIsZero(t *testing.T) {
	var k InternalKey
	assert.True(t, k.IsZero())

	k = InternalKey{Entity: "customer", ID: 1}
	assert.False(t, k.IsZero())
}

func TestInternalKeyString(t *testing.T) {
	k := InternalKey{Entity: "customer", ID: 42}
	assert.Equal(t, "customer/42", k.String())
}

func TestForeignKeyString(t *testing.T) {
	k := ForeignKey{Entity: "customer", Source: "db1", ID: "abc"}
	assert.Equal(t, "customer/db1/abc", k.String())
}

func TestStoreUnavailableUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &StoreUnavailable{Cause: cause}

	assert.True(t, errors.Is(err, cause))
}

func TestSourceErrorUnwraps(t *testing.T) {
	cause := errors.New("timeout")
	err := &SourceError{Source: "db2", Cause: cause}

	require.True(t, errors.Is(err, cause))
	assert.Equal(t, "source db2: timeout", err.Error())
}

func TestProtocolErrorMessages(t *testing.T) {
	cases := map[ErrorCode]string{
		ErrCodeTimeout: "protocol error: timeout",
		ErrCodeFraming: "protocol error: bad framing",
		ErrCodeDecode:  "protocol error: decode failure",
		ErrCodeUnknown: "protocol error: unknown",
	}
	for code, want := range cases {
		err := &ProtocolError{Code: code}
		assert.Equal(t, want, err.Error())
	}
}

func TestConflictRecordResolution(t *testing.T) {
	r := ConflictRecord{
		DiffID: "diff-1",
		Ops: []StoredOp{
			{ID: "op-1", Op: diffop.Op[diffop.Unit]{Kind: diffop.Insert}, Accepted: true},
			{ID: "op-2", Op: diffop.Op[diffop.Unit]{Kind: diffop.Delete}, Accepted: false},
		},
	}

	assert.False(t, r.IsResolved())
	unresolved := r.UnresolvedOps()
	require.Len(t, unresolved, 1)
	assert.Equal(t, DiffOpID("op-2"), unresolved[0].ID)

	r.Ops[1].Accepted = true
	assert.True(t, r.IsResolved())
	assert.Empty(t, r.UnresolvedOps())
}
