// Package verbs is the thin typed facade (C2, the "Verbs gateway") over the
// native RDMA verbs surface: address resolution, endpoint creation, QP
// modify, posting work requests, and draining completion queues. The real
// implementation (build tag rdma) binds to libibverbs/librdmacm via cgo;
// the default build uses an in-process loopback implementation so the rest
// of the module builds and tests on hosts without RDMA hardware or
// development headers installed, mirroring the teacher's stub-mode queue
// runner.
package verbs

// AccessFlags is a bitset over the memory-region access permissions a
// buffer can be registered with.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// QPInitAttr mirrors the fixed queue-pair shape this transport always
// uses: one outstanding WR per direction, one SGE per WR, small inline
// sends, every post signaled.
type QPInitAttr struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
	SigAll        bool
}

// DefaultQPInitAttr returns the QP shape mandated by §4.2 of the spec:
// max_send_wr=1, max_recv_wr=1, max_send_sge=1, max_recv_sge=1,
// max_inline_data=16, sq_sig_all=1.
func DefaultQPInitAttr() QPInitAttr {
	return QPInitAttr{
		MaxSendWR:     1,
		MaxRecvWR:     1,
		MaxSendSGE:    1,
		MaxRecvSGE:    1,
		MaxInlineData: 16,
		SigAll:        true,
	}
}

// WCStatus mirrors ibv_wc_status; only Success is distinguished from "some
// failure" at this layer — the raw value is preserved for error messages.
type WCStatus uint32

const WCStatusSuccess WCStatus = 0

// WCOpcode mirrors the subset of ibv_wc_opcode this transport observes.
type WCOpcode uint32

const (
	WCOpcodeSend WCOpcode = iota
	WCOpcodeRDMAWrite
	WCOpcodeRDMARead
	WCOpcodeRecv
	WCOpcodeRecvRDMAWithImm
)

// WorkCompletion is the decoded result of poll_cq_one.
type WorkCompletion struct {
	Status  WCStatus
	Opcode  WCOpcode
	ImmData uint32
	ByteLen uint32
	WRID    uint64
}

// Success reports whether the completion's status is IBV_WC_SUCCESS.
func (wc WorkCompletion) Success() bool {
	return wc.Status == WCStatusSuccess
}

// Endpoint is an opaque handle to an RDMA CM identifier plus its QP, send
// CQ, and recv CQ. Gateway implementations map it internally to whatever
// real or simulated state backs it; callers never introspect it.
type Endpoint struct {
	id uint64
}

// AddrInfo is an opaque handle to a resolved rdma_addrinfo result.
type AddrInfo struct {
	id uint64
}

// Region is the handle returned by registering a buffer: the local and
// remote keys an HCA uses to address it.
type Region struct {
	id   uint64
	LKey uint32
	RKey uint32
}

// Gateway is the verbs surface the handshake protocol and transfer engine
// are built against. Every method maps close to 1:1 onto a single verbs or
// rdma_cm call.
type Gateway interface {
	// ResolveAddr resolves node:service into an AddrInfo. passive sets
	// AI_PASSIVE for server-side listen endpoints.
	ResolveAddr(node, service string, passive bool) (AddrInfo, error)

	// CreateEndpoint creates a QP plus CM id bound to ai, with the given
	// init attributes.
	CreateEndpoint(ai AddrInfo, attr QPInitAttr) (Endpoint, error)

	// ModifyQPAccess sets the QP's remote access flags (REMOTE_READ |
	// REMOTE_WRITE for this transport).
	ModifyQPAccess(ep Endpoint, flags AccessFlags) error

	// Listen puts ep into listening mode with the given backlog.
	Listen(ep Endpoint, backlog int) error

	// GetRequest blocks for one incoming connection request on a
	// listening endpoint and returns a new Endpoint for it.
	GetRequest(listenEp Endpoint) (Endpoint, error)

	// Accept accepts a connection request endpoint returned by
	// GetRequest.
	Accept(ep Endpoint) error

	// Connect initiates a client-side connection.
	Connect(ep Endpoint) error

	// Disconnect tears down an established connection. Idempotent.
	Disconnect(ep Endpoint) error

	// DestroyEndpoint releases the CM id, QP and any associated CQs.
	// Idempotent.
	DestroyEndpoint(ep Endpoint) error

	// RegisterMemory pins and registers buf with ep's protection domain.
	RegisterMemory(ep Endpoint, buf []byte, flags AccessFlags) (Region, error)

	// DeregisterMemory releases a previously registered region.
	// Idempotent on an already-released region.
	DeregisterMemory(region Region) error

	// PostRecv posts a receive buffer.
	PostRecv(ep Endpoint, addr uint64, length uint32, region Region) error

	// PostSend posts a send; if inline is true the data is copied
	// inline (addr/length/region describe the local source either way).
	PostSend(ep Endpoint, addr uint64, length uint32, region Region, inline bool) error

	// PostWrite posts an RDMA-WRITE from local (laddr,length,lkey) to
	// remote (raddr,rkey).
	PostWrite(ep Endpoint, laddr uint64, length uint32, lkey uint32, raddr uint64, rkey uint32) error

	// PostWriteWithImm posts an RDMA-WRITE-WITH-IMM. immBE32 must already
	// be in network byte order (see ring.Htonl).
	PostWriteWithImm(ep Endpoint, laddr uint64, length uint32, lkey uint32, raddr uint64, rkey uint32, immBE32 uint32) error

	// PostRead posts an RDMA-READ from remote (raddr,rkey) into local
	// (laddr,length,lkey).
	PostRead(ep Endpoint, laddr uint64, length uint32, lkey uint32, raddr uint64, rkey uint32) error

	// PollSendCQOne busy-polls ep's send CQ until one completion is
	// available and returns it.
	PollSendCQOne(ep Endpoint) (WorkCompletion, error)

	// PollRecvCQOne busy-polls ep's recv CQ until one completion is
	// available and returns it.
	PollRecvCQOne(ep Endpoint) (WorkCompletion, error)
}
