//go:build !rdma

package verbs

import (
	"sync"
	"sync/atomic"
	"unsafe"

	xerrors "github.com/ashwch/rdmaxfer/internal/errors"
)

// NewGateway returns the default, non-hardware Gateway implementation: an
// in-process loopback that performs genuine memory-to-memory copies
// between real Go-backed addresses (the same trick DeviceBuffer/
// HostRingBuffer use to hand out real process addresses as "base_ptr").
// It lets the handshake protocol, transfer engine and end-to-end scenarios
// in §8 run as ordinary Go tests without libibverbs/librdmacm or an
// RDMA-capable NIC. Build with -tags rdma to link the real cgo gateway
// instead.
func NewGateway() Gateway {
	return &loopbackGateway{}
}

type pendingRecv struct {
	addr   uint64
	length uint32
}

type loopbackEndpoint struct {
	mu        sync.Mutex
	addr      string
	passive   bool
	listening bool
	listenCh  chan uint64
	peer      *loopbackEndpoint
	peerID    uint64
	established chan struct{}
	torn      bool
	pending   *pendingRecv
	sendCQ    chan WorkCompletion
	recvCQ    chan WorkCompletion
}

var (
	nextID uint64

	addrInfoMu sync.Mutex
	addrInfos  = map[uint64]loopbackAddrInfo{}

	endpointsMu sync.Mutex
	endpoints   = map[uint64]*loopbackEndpoint{}

	listenersMu sync.Mutex
	listeners   = map[string]*loopbackEndpoint{}

	regionsMu sync.Mutex
	regions   = map[uint64]*loopbackRegion{}
)

type loopbackAddrInfo struct {
	node, service string
	passive       bool
}

type loopbackRegion struct {
	basePtr uint64
	length  uint32
	flags   AccessFlags
}

type loopbackGateway struct{}

func allocID() uint64 {
	return atomic.AddUint64(&nextID, 1)
}

func (g *loopbackGateway) ResolveAddr(node, service string, passive bool) (AddrInfo, error) {
	id := allocID()
	addrInfoMu.Lock()
	addrInfos[id] = loopbackAddrInfo{node: node, service: service, passive: passive}
	addrInfoMu.Unlock()
	return AddrInfo{id: id}, nil
}

func (g *loopbackGateway) CreateEndpoint(ai AddrInfo, attr QPInitAttr) (Endpoint, error) {
	addrInfoMu.Lock()
	info, ok := addrInfos[ai.id]
	addrInfoMu.Unlock()
	if !ok {
		return Endpoint{}, xerrors.NewBadAddressError("create_endpoint", "unknown AddrInfo handle")
	}

	id := allocID()
	ep := &loopbackEndpoint{
		addr:        info.node + ":" + info.service,
		passive:     info.passive,
		established: make(chan struct{}),
		sendCQ:      make(chan WorkCompletion, 4),
		recvCQ:      make(chan WorkCompletion, 4),
	}
	endpointsMu.Lock()
	endpoints[id] = ep
	endpointsMu.Unlock()
	return Endpoint{id: id}, nil
}

func lookupEndpoint(ep Endpoint) (*loopbackEndpoint, error) {
	endpointsMu.Lock()
	defer endpointsMu.Unlock()
	e, ok := endpoints[ep.id]
	if !ok {
		return nil, xerrors.NewBadOpError("lookup_endpoint", "unknown Endpoint handle")
	}
	return e, nil
}

func (g *loopbackGateway) ModifyQPAccess(ep Endpoint, flags AccessFlags) error {
	_, err := lookupEndpoint(ep)
	return err
}

func (g *loopbackGateway) Listen(ep Endpoint, backlog int) error {
	e, err := lookupEndpoint(ep)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if !e.listening {
		e.listening = true
		if backlog <= 0 {
			backlog = 1
		}
		e.listenCh = make(chan uint64, backlog)
	}
	e.mu.Unlock()

	listenersMu.Lock()
	listeners[e.addr] = e
	listenersMu.Unlock()
	return nil
}

func (g *loopbackGateway) GetRequest(listenEp Endpoint) (Endpoint, error) {
	e, err := lookupEndpoint(listenEp)
	if err != nil {
		return Endpoint{}, err
	}
	reqID := <-e.listenCh
	return Endpoint{id: reqID}, nil
}

func (g *loopbackGateway) Accept(ep Endpoint) error {
	e, err := lookupEndpoint(ep)
	if err != nil {
		return err
	}
	e.mu.Lock()
	already := e.torn
	e.mu.Unlock()
	if already {
		return nil
	}
	close(e.established)
	return nil
}

func (g *loopbackGateway) Connect(ep Endpoint) error {
	e, err := lookupEndpoint(ep)
	if err != nil {
		return err
	}

	listenersMu.Lock()
	listener, ok := listeners[e.addr]
	listenersMu.Unlock()
	if !ok {
		return xerrors.NewBadAddressError("connect", "no listener at "+e.addr)
	}

	reqID := allocID()
	reqEp := &loopbackEndpoint{
		addr:        e.addr,
		established: make(chan struct{}),
		sendCQ:      make(chan WorkCompletion, 4),
		recvCQ:      make(chan WorkCompletion, 4),
		peer:        e,
	}
	endpointsMu.Lock()
	endpoints[reqID] = reqEp
	endpointsMu.Unlock()

	e.peer = reqEp
	e.peerID = reqID

	listener.mu.Lock()
	ch := listener.listenCh
	listener.mu.Unlock()
	if ch == nil {
		return xerrors.NewBadAddressError("connect", "listener at "+e.addr+" is not listening")
	}
	ch <- reqID

	<-reqEp.established
	return nil
}

func (g *loopbackGateway) Disconnect(ep Endpoint) error {
	e, err := lookupEndpoint(ep)
	if err != nil {
		return err
	}
	e.mu.Lock()
	already := e.torn
	e.torn = true
	e.mu.Unlock()
	if already {
		return nil
	}
	// Unblock any poll_cq_one currently waiting on this endpoint's queues;
	// real hardware would surface a flushed/errored completion rather than
	// hang forever once the QP is torn down.
	close(e.sendCQ)
	close(e.recvCQ)
	return nil
}

func (g *loopbackGateway) DestroyEndpoint(ep Endpoint) error {
	endpointsMu.Lock()
	delete(endpoints, ep.id)
	endpointsMu.Unlock()
	return nil
}

func (g *loopbackGateway) RegisterMemory(ep Endpoint, buf []byte, flags AccessFlags) (Region, error) {
	if _, err := lookupEndpoint(ep); err != nil {
		return Region{}, err
	}
	id := allocID()
	var base uint64
	if len(buf) > 0 {
		base = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	regionsMu.Lock()
	regions[id] = &loopbackRegion{basePtr: base, length: uint32(len(buf)), flags: flags}
	regionsMu.Unlock()
	return Region{id: id, LKey: uint32(id), RKey: uint32(id)}, nil
}

func (g *loopbackGateway) DeregisterMemory(region Region) error {
	regionsMu.Lock()
	delete(regions, region.id)
	regionsMu.Unlock()
	return nil
}

func bytesAt(addr uint64, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}

func (g *loopbackGateway) PostRecv(ep Endpoint, addr uint64, length uint32, region Region) error {
	e, err := lookupEndpoint(ep)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pending = &pendingRecv{addr: addr, length: length}
	e.mu.Unlock()
	return nil
}

func (g *loopbackGateway) PostSend(ep Endpoint, addr uint64, length uint32, region Region, inline bool) error {
	e, err := lookupEndpoint(ep)
	if err != nil {
		return err
	}
	if e.peer == nil {
		return xerrors.NewBadOpError("post_send", "endpoint has no connected peer")
	}
	e.peer.mu.Lock()
	recv := e.peer.pending
	e.peer.pending = nil
	e.peer.mu.Unlock()
	if recv == nil {
		return xerrors.NewBadOpError("post_send", "peer has no receive buffer posted")
	}

	n := length
	if recv.length < n {
		n = recv.length
	}
	copy(bytesAt(recv.addr, n), bytesAt(addr, n))

	e.sendCQ <- WorkCompletion{Status: WCStatusSuccess, Opcode: WCOpcodeSend, ByteLen: length}
	e.peer.recvCQ <- WorkCompletion{Status: WCStatusSuccess, Opcode: WCOpcodeRecv, ByteLen: n}
	return nil
}

func (g *loopbackGateway) PostWrite(ep Endpoint, laddr uint64, length uint32, lkey uint32, raddr uint64, rkey uint32) error {
	e, err := lookupEndpoint(ep)
	if err != nil {
		return err
	}
	if length > 0 {
		copy(bytesAt(raddr, length), bytesAt(laddr, length))
	}
	e.sendCQ <- WorkCompletion{Status: WCStatusSuccess, Opcode: WCOpcodeRDMAWrite, ByteLen: length}
	return nil
}

func (g *loopbackGateway) PostWriteWithImm(ep Endpoint, laddr uint64, length uint32, lkey uint32, raddr uint64, rkey uint32, immBE32 uint32) error {
	e, err := lookupEndpoint(ep)
	if err != nil {
		return err
	}
	if e.peer == nil {
		return xerrors.NewBadOpError("post_write_with_imm", "endpoint has no connected peer")
	}
	if length > 0 {
		copy(bytesAt(raddr, length), bytesAt(laddr, length))
	}

	e.peer.mu.Lock()
	e.peer.pending = nil
	e.peer.mu.Unlock()

	e.sendCQ <- WorkCompletion{Status: WCStatusSuccess, Opcode: WCOpcodeRDMAWrite, ByteLen: length}
	e.peer.recvCQ <- WorkCompletion{Status: WCStatusSuccess, Opcode: WCOpcodeRecvRDMAWithImm, ImmData: immBE32, ByteLen: length}
	return nil
}

func (g *loopbackGateway) PostRead(ep Endpoint, laddr uint64, length uint32, lkey uint32, raddr uint64, rkey uint32) error {
	e, err := lookupEndpoint(ep)
	if err != nil {
		return err
	}
	if length > 0 {
		copy(bytesAt(laddr, length), bytesAt(raddr, length))
	}
	e.sendCQ <- WorkCompletion{Status: WCStatusSuccess, Opcode: WCOpcodeRDMARead, ByteLen: length}
	return nil
}

func (g *loopbackGateway) PollSendCQOne(ep Endpoint) (WorkCompletion, error) {
	e, err := lookupEndpoint(ep)
	if err != nil {
		return WorkCompletion{}, err
	}
	wc, ok := <-e.sendCQ
	if !ok {
		return WorkCompletion{}, xerrors.NewPeerClosedError("poll_send_cq")
	}
	return wc, nil
}

func (g *loopbackGateway) PollRecvCQOne(ep Endpoint) (WorkCompletion, error) {
	e, err := lookupEndpoint(ep)
	if err != nil {
		return WorkCompletion{}, err
	}
	wc, ok := <-e.recvCQ
	if !ok {
		return WorkCompletion{}, xerrors.NewPeerClosedError("poll_recv_cq")
	}
	return wc, nil
}

var _ Gateway = (*loopbackGateway)(nil)
