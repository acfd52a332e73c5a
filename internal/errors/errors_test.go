package errors

import (
	stderrors "errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportErrorMessage(t *testing.T) {
	err := NewBadOpError("send", "remote buffer not registered")
	require.Equal(t, CodeBadOp, err.Code)
	assert.Equal(t, "rdmaxfer: send: remote buffer not registered", err.Error())
}

func TestVerbsErrorCarriesErrno(t *testing.T) {
	err := NewVerbsError("post_write", "ibv_post_send", syscall.EINVAL)
	require.Equal(t, syscall.EINVAL, err.Errno)
	assert.True(t, stderrors.Is(err, syscall.EINVAL))
	assert.True(t, IsErrno(err, syscall.EINVAL))
	assert.False(t, IsErrno(err, syscall.EIO))
}

func TestWrapErrno(t *testing.T) {
	err := WrapErrno("connect", "rdma_connect", syscall.ECONNREFUSED)
	require.Equal(t, CodeVerbs, err.Code)
	assert.Equal(t, syscall.ECONNREFUSED, err.Errno)
}

func TestIsCode(t *testing.T) {
	err := NewUnknownBufferError("send", 0xdeadbeef)
	assert.True(t, IsCode(err, CodeUnknownBuffer))
	assert.False(t, IsCode(err, CodeBadOp))
	assert.False(t, IsCode(nil, CodeUnknownBuffer))
}

func TestTransportErrorIsMatchesByCode(t *testing.T) {
	a := NewSerializationError("decode", "short notification")
	b := NewSerializationError("encode", "req_id too long")
	assert.True(t, stderrors.Is(a, b))

	c := NewPeerClosedError("recv")
	assert.False(t, stderrors.Is(a, c))
}

func TestUnwrap(t *testing.T) {
	inner := stderrors.New("boom")
	err := &TransportError{Op: "op", Code: CodeDevice, Msg: "device failure", Inner: inner}
	assert.Equal(t, inner, stderrors.Unwrap(err))
}
