package rpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, TagChange, []byte(`{"entity":"customer"}`)))

	tag, body, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagChange, tag)
	assert.Equal(t, `{"entity":"customer"}`, string(body))
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, StatusOK, []byte("hello")))

	status, body, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "hello", string(body))
}

func TestEmptyBodyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, TagListConflicts, nil))

	_, body, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestReadFrameBodyRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0}) // tag
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, _, err := ReadRequest(&buf)
	require.Error(t, err, "expected an error for a frame body exceeding maxBodyBytes")
}
