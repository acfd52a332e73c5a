//go:build !rdma

package verbs

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, addr string) (server, client Endpoint, gw Gateway) {
	t.Helper()
	gw = NewGateway()

	sai, err := gw.ResolveAddr(addr, "18515", true)
	require.NoError(t, err)
	listenEp, err := gw.CreateEndpoint(sai, DefaultQPInitAttr())
	require.NoError(t, err)
	require.NoError(t, gw.Listen(listenEp, 1))

	cai, err := gw.ResolveAddr(addr, "18515", false)
	require.NoError(t, err)
	clientEp, err := gw.CreateEndpoint(cai, DefaultQPInitAttr())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var serverEp Endpoint
	wg.Add(1)
	go func() {
		defer wg.Done()
		var gerr error
		serverEp, gerr = gw.GetRequest(listenEp)
		require.NoError(t, gerr)
		require.NoError(t, gw.Accept(serverEp))
	}()

	require.NoError(t, gw.Connect(clientEp))
	wg.Wait()

	return serverEp, clientEp, gw
}

func TestLoopbackConnectAcceptRendezvous(t *testing.T) {
	server, client, _ := dial(t, "127.0.0.1")
	assert.NotEqual(t, server, client)
}

func TestLoopbackSendRecvCopiesBytes(t *testing.T) {
	server, client, gw := dial(t, "127.0.0.1")

	recvBuf := make([]byte, 64)
	recvRegion, err := gw.RegisterMemory(server, recvBuf, AccessLocalWrite)
	require.NoError(t, err)
	require.NoError(t, gw.PostRecv(server, addrOf(recvBuf), uint32(len(recvBuf)), recvRegion))

	sendBuf := []byte("hello over the wire")
	sendRegion, err := gw.RegisterMemory(client, sendBuf, AccessLocalWrite)
	require.NoError(t, err)
	require.NoError(t, gw.PostSend(client, addrOf(sendBuf), uint32(len(sendBuf)), sendRegion, false))

	sendWC, err := gw.PollSendCQOne(client)
	require.NoError(t, err)
	assert.True(t, sendWC.Success())
	assert.Equal(t, WCOpcodeSend, sendWC.Opcode)

	recvWC, err := gw.PollRecvCQOne(server)
	require.NoError(t, err)
	assert.True(t, recvWC.Success())
	assert.EqualValues(t, len(sendBuf), recvWC.ByteLen)
	assert.Equal(t, sendBuf, recvBuf[:len(sendBuf)])
}

func TestLoopbackWriteIsOneSidedOnPassiveCQ(t *testing.T) {
	server, client, gw := dial(t, "127.0.0.1")

	remoteBuf := make([]byte, 32)
	remoteRegion, err := gw.RegisterMemory(server, remoteBuf, AccessRemoteWrite)
	require.NoError(t, err)

	localBuf := []byte("payload-for-write")
	localRegion, err := gw.RegisterMemory(client, localBuf, AccessLocalWrite)
	require.NoError(t, err)

	require.NoError(t, gw.PostWrite(client, addrOf(localBuf), uint32(len(localBuf)), localRegion.LKey,
		addrOf(remoteBuf), remoteRegion.RKey))

	wc, err := gw.PollSendCQOne(client)
	require.NoError(t, err)
	assert.True(t, wc.Success())
	assert.Equal(t, WCOpcodeRDMAWrite, wc.Opcode)
	assert.Equal(t, localBuf, remoteBuf[:len(localBuf)])
}

func TestLoopbackWriteWithImmDeliversNotificationToPeerRecvCQ(t *testing.T) {
	server, client, gw := dial(t, "127.0.0.1")

	remoteBuf := make([]byte, 16)
	remoteRegion, err := gw.RegisterMemory(server, remoteBuf, AccessRemoteWrite)
	require.NoError(t, err)
	require.NoError(t, gw.PostRecv(server, 0, 0, Region{}))

	localBuf := []byte("slotdata")
	localRegion, err := gw.RegisterMemory(client, localBuf, AccessLocalWrite)
	require.NoError(t, err)

	imm := uint32(0x002A0000) // slot 42, size 0 in the notification encoding's shape
	require.NoError(t, gw.PostWriteWithImm(client, addrOf(localBuf), uint32(len(localBuf)), localRegion.LKey,
		addrOf(remoteBuf), remoteRegion.RKey, imm))

	sendWC, err := gw.PollSendCQOne(client)
	require.NoError(t, err)
	assert.True(t, sendWC.Success())

	recvWC, err := gw.PollRecvCQOne(server)
	require.NoError(t, err)
	assert.True(t, recvWC.Success())
	assert.Equal(t, WCOpcodeRecvRDMAWithImm, recvWC.Opcode)
	assert.Equal(t, imm, recvWC.ImmData)
	assert.Equal(t, localBuf, remoteBuf[:len(localBuf)])
}

func TestLoopbackReadPullsRemoteBytes(t *testing.T) {
	server, client, gw := dial(t, "127.0.0.1")

	remoteBuf := []byte("remote source bytes")
	remoteRegion, err := gw.RegisterMemory(server, remoteBuf, AccessRemoteRead)
	require.NoError(t, err)

	localBuf := make([]byte, len(remoteBuf))
	localRegion, err := gw.RegisterMemory(client, localBuf, AccessLocalWrite)
	require.NoError(t, err)

	require.NoError(t, gw.PostRead(client, addrOf(localBuf), uint32(len(localBuf)), localRegion.LKey,
		addrOf(remoteBuf), remoteRegion.RKey))

	wc, err := gw.PollSendCQOne(client)
	require.NoError(t, err)
	assert.True(t, wc.Success())
	assert.Equal(t, WCOpcodeRDMARead, wc.Opcode)
	assert.Equal(t, remoteBuf, localBuf)
}

func TestLoopbackSendWithoutPostedRecvFails(t *testing.T) {
	_, client, gw := dial(t, "127.0.0.1")
	buf := []byte("no recv posted")
	region, err := gw.RegisterMemory(client, buf, AccessLocalWrite)
	require.NoError(t, err)

	err = gw.PostSend(client, addrOf(buf), uint32(len(buf)), region, false)
	assert.Error(t, err)
}

func TestLoopbackUnknownEndpointHandleFails(t *testing.T) {
	gw := NewGateway()
	_, err := gw.PollSendCQOne(Endpoint{})
	assert.Error(t, err)
}

func TestLoopbackDisconnectAndDestroyAreIdempotent(t *testing.T) {
	server, client, gw := dial(t, "127.0.0.1")
	require.NoError(t, gw.Disconnect(client))
	require.NoError(t, gw.Disconnect(client))
	require.NoError(t, gw.DestroyEndpoint(server))
	require.NoError(t, gw.DestroyEndpoint(server))
}

func addrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
