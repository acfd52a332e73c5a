//go:build rdma && linux

// Package verbs, this file: the real Gateway backed by cgo bindings to
// libibverbs and librdmacm, grounded on rdma-core's C headers and on the
// reference implementation's own ibv_sge/ibv_send_wr construction
// (original_source/rdma-core/src/rdma/verbs.rs).
package verbs

/*
#cgo pkg-config: libibverbs librdmacm
#cgo LDFLAGS: -libverbs -lrdmacm
#include <stdlib.h>
#include <string.h>
#include <arpa/inet.h>
#include <rdma/rdma_cma.h>
#include <rdma/rdma_verbs.h>
#include <infiniband/verbs.h>

static int rdmaxfer_post_write_with_imm(struct ibv_qp *qp, uint64_t laddr, uint32_t length,
                                         uint32_t lkey, uint64_t raddr, uint32_t rkey,
                                         uint32_t imm_be32, uint64_t wr_id) {
    struct ibv_sge sge;
    memset(&sge, 0, sizeof(sge));
    sge.addr = laddr;
    sge.length = length;
    sge.lkey = lkey;

    struct ibv_send_wr wr, *bad_wr = NULL;
    memset(&wr, 0, sizeof(wr));
    wr.wr_id = wr_id;
    wr.sg_list = &sge;
    wr.num_sge = 1;
    wr.opcode = IBV_WR_RDMA_WRITE_WITH_IMM;
    wr.send_flags = IBV_SEND_SIGNALED;
    wr.imm_data = imm_be32;
    wr.wr.rdma.remote_addr = raddr;
    wr.wr.rdma.rkey = rkey;

    return ibv_post_send(qp, &wr, &bad_wr);
}
*/
import "C"

import (
	"sync"
	"unsafe"

	xerrors "github.com/ashwch/rdmaxfer/internal/errors"
)

// realEndpoint wraps one rdma_cm_id plus the region table keyed by lkey so
// Region handles (opaque uint64s at the Gateway interface level) can be
// resolved back to *C.struct_ibv_mr for posts.
type realEndpoint struct {
	cmID *C.struct_rdma_cm_id
}

type realAddrInfo struct {
	ai *C.struct_rdma_addrinfo
}

type realRegion struct {
	mr *C.struct_ibv_mr
}

type realGateway struct {
	mu          sync.Mutex
	nextHandle  uint64
	endpoints   map[uint64]*realEndpoint
	addrInfos   map[uint64]*realAddrInfo
	regions     map[uint64]*realRegion
}

// NewGateway returns the cgo-backed Gateway bound to libibverbs/librdmacm.
func NewGateway() Gateway {
	return &realGateway{
		endpoints: make(map[uint64]*realEndpoint),
		addrInfos: make(map[uint64]*realAddrInfo),
		regions:   make(map[uint64]*realRegion),
	}
}

func (g *realGateway) allocHandle() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextHandle++
	return g.nextHandle
}

func (g *realGateway) ResolveAddr(node, service string, passive bool) (AddrInfo, error) {
	cNode := C.CString(node)
	defer C.free(unsafe.Pointer(cNode))
	cService := C.CString(service)
	defer C.free(unsafe.Pointer(cService))

	var hints C.struct_rdma_addrinfo
	C.memset(unsafe.Pointer(&hints), 0, C.sizeof_struct_rdma_addrinfo)
	hints.ai_port_space = C.RDMA_PS_TCP
	if passive {
		hints.ai_flags = C.RAI_PASSIVE
	}

	var ai *C.struct_rdma_addrinfo
	rc, errno := C.rdma_getaddrinfo(cNode, cService, &hints, &ai)
	if rc != 0 {
		return AddrInfo{}, xerrors.WrapErrno("resolve_addr", "rdma_getaddrinfo", errno)
	}

	handle := g.allocHandle()
	g.mu.Lock()
	g.addrInfos[handle] = &realAddrInfo{ai: ai}
	g.mu.Unlock()
	return AddrInfo{id: handle}, nil
}

func (g *realGateway) CreateEndpoint(ai AddrInfo, attr QPInitAttr) (Endpoint, error) {
	g.mu.Lock()
	info, ok := g.addrInfos[ai.id]
	g.mu.Unlock()
	if !ok {
		return Endpoint{}, xerrors.NewBadAddressError("create_endpoint", "unknown AddrInfo handle")
	}

	var qpAttr C.struct_ibv_qp_init_attr
	C.memset(unsafe.Pointer(&qpAttr), 0, C.sizeof_struct_ibv_qp_init_attr)
	qpAttr.cap.max_send_wr = C.uint32_t(attr.MaxSendWR)
	qpAttr.cap.max_recv_wr = C.uint32_t(attr.MaxRecvWR)
	qpAttr.cap.max_send_sge = C.uint32_t(attr.MaxSendSGE)
	qpAttr.cap.max_recv_sge = C.uint32_t(attr.MaxRecvSGE)
	qpAttr.cap.max_inline_data = C.uint32_t(attr.MaxInlineData)
	qpAttr.qp_type = C.IBV_QPT_RC
	if attr.SigAll {
		qpAttr.sq_sig_all = 1
	}

	var cmID *C.struct_rdma_cm_id
	rc, errno := C.rdma_create_ep(&cmID, info.ai, nil, &qpAttr)
	if rc != 0 {
		return Endpoint{}, xerrors.WrapErrno("create_endpoint", "rdma_create_ep", errno)
	}

	handle := g.allocHandle()
	g.mu.Lock()
	g.endpoints[handle] = &realEndpoint{cmID: cmID}
	g.mu.Unlock()
	return Endpoint{id: handle}, nil
}

func (g *realGateway) lookup(ep Endpoint) (*realEndpoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.endpoints[ep.id]
	if !ok {
		return nil, xerrors.NewBadOpError("lookup_endpoint", "unknown Endpoint handle")
	}
	return e, nil
}

func (g *realGateway) ModifyQPAccess(ep Endpoint, flags AccessFlags) error {
	e, err := g.lookup(ep)
	if err != nil {
		return err
	}

	var attr C.struct_ibv_qp_attr
	C.memset(unsafe.Pointer(&attr), 0, C.sizeof_struct_ibv_qp_attr)
	var cFlags C.int
	if flags&AccessRemoteRead != 0 {
		cFlags |= C.IBV_ACCESS_REMOTE_READ
	}
	if flags&AccessRemoteWrite != 0 {
		cFlags |= C.IBV_ACCESS_REMOTE_WRITE
	}
	if flags&AccessLocalWrite != 0 {
		cFlags |= C.IBV_ACCESS_LOCAL_WRITE
	}
	attr.qp_access_flags = C.uint32_t(cFlags)

	rc, errno := C.ibv_modify_qp(e.cmID.qp, &attr, C.IBV_QP_ACCESS_FLAGS)
	if rc != 0 {
		return xerrors.WrapErrno("modify_qp_access", "ibv_modify_qp", errno)
	}
	return nil
}

func (g *realGateway) Listen(ep Endpoint, backlog int) error {
	e, err := g.lookup(ep)
	if err != nil {
		return err
	}
	rc, errno := C.rdma_listen(e.cmID, C.int(backlog))
	if rc != 0 {
		return xerrors.WrapErrno("listen", "rdma_listen", errno)
	}
	return nil
}

func (g *realGateway) GetRequest(listenEp Endpoint) (Endpoint, error) {
	e, err := g.lookup(listenEp)
	if err != nil {
		return Endpoint{}, err
	}
	var reqID *C.struct_rdma_cm_id
	rc, errno := C.rdma_get_request(e.cmID, &reqID)
	if rc != 0 {
		return Endpoint{}, xerrors.WrapErrno("get_request", "rdma_get_request", errno)
	}
	handle := g.allocHandle()
	g.mu.Lock()
	g.endpoints[handle] = &realEndpoint{cmID: reqID}
	g.mu.Unlock()
	return Endpoint{id: handle}, nil
}

func (g *realGateway) Accept(ep Endpoint) error {
	e, err := g.lookup(ep)
	if err != nil {
		return err
	}
	rc, errno := C.rdma_accept(e.cmID, nil)
	if rc != 0 {
		return xerrors.WrapErrno("accept", "rdma_accept", errno)
	}
	return nil
}

func (g *realGateway) Connect(ep Endpoint) error {
	e, err := g.lookup(ep)
	if err != nil {
		return err
	}
	rc, errno := C.rdma_connect(e.cmID, nil)
	if rc != 0 {
		return xerrors.WrapErrno("connect", "rdma_connect", errno)
	}
	return nil
}

func (g *realGateway) Disconnect(ep Endpoint) error {
	e, err := g.lookup(ep)
	if err != nil {
		return err
	}
	C.rdma_disconnect(e.cmID)
	return nil
}

func (g *realGateway) DestroyEndpoint(ep Endpoint) error {
	g.mu.Lock()
	e, ok := g.endpoints[ep.id]
	delete(g.endpoints, ep.id)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	C.rdma_destroy_ep(e.cmID)
	return nil
}

func (g *realGateway) RegisterMemory(ep Endpoint, buf []byte, flags AccessFlags) (Region, error) {
	e, err := g.lookup(ep)
	if err != nil {
		return Region{}, err
	}
	if len(buf) == 0 {
		return Region{}, xerrors.NewBadOpError("register_memory", "cannot register empty buffer")
	}

	var cFlags C.int
	if flags&AccessLocalWrite != 0 {
		cFlags |= C.IBV_ACCESS_LOCAL_WRITE
	}
	if flags&AccessRemoteWrite != 0 {
		cFlags |= C.IBV_ACCESS_REMOTE_WRITE
	}
	if flags&AccessRemoteRead != 0 {
		cFlags |= C.IBV_ACCESS_REMOTE_READ
	}

	mr, errno := C.ibv_reg_mr(e.cmID.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), cFlags)
	if mr == nil {
		return Region{}, xerrors.WrapErrno("register_memory", "ibv_reg_mr", errno)
	}

	handle := g.allocHandle()
	g.mu.Lock()
	g.regions[handle] = &realRegion{mr: mr}
	g.mu.Unlock()
	return Region{id: handle, LKey: uint32(mr.lkey), RKey: uint32(mr.rkey)}, nil
}

func (g *realGateway) DeregisterMemory(region Region) error {
	g.mu.Lock()
	r, ok := g.regions[region.id]
	delete(g.regions, region.id)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	C.ibv_dereg_mr(r.mr)
	return nil
}

func (g *realGateway) regionFor(handle uint64) *C.struct_ibv_mr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.regions[handle]; ok {
		return r.mr
	}
	return nil
}

func (g *realGateway) PostRecv(ep Endpoint, addr uint64, length uint32, region Region) error {
	e, err := g.lookup(ep)
	if err != nil {
		return err
	}
	mr := g.regionFor(region.id)
	rc, errno := C.rdma_post_recv(e.cmID, nil, unsafe.Pointer(uintptr(addr)), C.size_t(length), mr)
	if rc != 0 {
		return xerrors.WrapErrno("post_recv", "rdma_post_recv", errno)
	}
	return nil
}

func (g *realGateway) PostSend(ep Endpoint, addr uint64, length uint32, region Region, inline bool) error {
	e, err := g.lookup(ep)
	if err != nil {
		return err
	}
	mr := g.regionFor(region.id)
	var flags C.int = C.IBV_SEND_SIGNALED
	if inline {
		flags |= C.IBV_SEND_INLINE
	}
	rc, errno := C.rdma_post_send(e.cmID, nil, unsafe.Pointer(uintptr(addr)), C.size_t(length), mr, flags)
	if rc != 0 {
		return xerrors.WrapErrno("post_send", "rdma_post_send", errno)
	}
	return nil
}

func (g *realGateway) PostWrite(ep Endpoint, laddr uint64, length uint32, lkey uint32, raddr uint64, rkey uint32) error {
	e, err := g.lookup(ep)
	if err != nil {
		return err
	}
	mr := g.regionForLKey(lkey)
	rc, errno := C.rdma_post_write(e.cmID, nil, unsafe.Pointer(uintptr(laddr)), C.size_t(length), mr,
		C.IBV_SEND_SIGNALED, C.uint64_t(raddr), C.uint32_t(rkey))
	if rc != 0 {
		return xerrors.WrapErrno("post_write", "rdma_post_write", errno)
	}
	return nil
}

func (g *realGateway) regionForLKey(lkey uint32) *C.struct_ibv_mr {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.regions {
		if uint32(r.mr.lkey) == lkey {
			return r.mr
		}
	}
	return nil
}

func (g *realGateway) PostWriteWithImm(ep Endpoint, laddr uint64, length uint32, lkey uint32, raddr uint64, rkey uint32, immBE32 uint32) error {
	e, err := g.lookup(ep)
	if err != nil {
		return err
	}
	rc, errno := C.rdmaxfer_post_write_with_imm(e.cmID.qp, C.uint64_t(laddr), C.uint32_t(length),
		C.uint32_t(lkey), C.uint64_t(raddr), C.uint32_t(rkey), C.uint32_t(immBE32), C.uint64_t(0))
	if rc != 0 {
		return xerrors.WrapErrno("post_write_with_imm", "ibv_post_send", errno)
	}
	return nil
}

func (g *realGateway) PostRead(ep Endpoint, laddr uint64, length uint32, lkey uint32, raddr uint64, rkey uint32) error {
	e, err := g.lookup(ep)
	if err != nil {
		return err
	}
	mr := g.regionForLKey(lkey)
	rc, errno := C.rdma_post_read(e.cmID, nil, unsafe.Pointer(uintptr(laddr)), C.size_t(length), mr,
		C.IBV_SEND_SIGNALED, C.uint64_t(raddr), C.uint32_t(rkey))
	if rc != 0 {
		return xerrors.WrapErrno("post_read", "rdma_post_read", errno)
	}
	return nil
}

// pollCQOne busy-polls cq non-blockingly until it yields >=1 completion,
// per the spec's poll_cq_one contract (§4.2).
func pollCQOne(cq *C.struct_ibv_cq) (WorkCompletion, error) {
	var wc C.struct_ibv_wc
	for {
		n, errno := C.ibv_poll_cq(cq, 1, &wc)
		if n < 0 {
			return WorkCompletion{}, xerrors.WrapErrno("poll_cq_one", "ibv_poll_cq", errno)
		}
		if n == 1 {
			break
		}
	}
	return WorkCompletion{
		Status:  WCStatus(wc.status),
		Opcode:  wcOpcodeFromC(wc.opcode),
		ImmData: uint32(*(*C.uint32_t)(unsafe.Pointer(&wc.imm_data))),
		ByteLen: uint32(wc.byte_len),
		WRID:    uint64(wc.wr_id),
	}, nil
}

func wcOpcodeFromC(op C.enum_ibv_wc_opcode) WCOpcode {
	switch op {
	case C.IBV_WC_SEND:
		return WCOpcodeSend
	case C.IBV_WC_RDMA_WRITE:
		return WCOpcodeRDMAWrite
	case C.IBV_WC_RDMA_READ:
		return WCOpcodeRDMARead
	case C.IBV_WC_RECV:
		return WCOpcodeRecv
	case C.IBV_WC_RECV_RDMA_WITH_IMM:
		return WCOpcodeRecvRDMAWithImm
	default:
		return WCOpcodeSend
	}
}

func (g *realGateway) PollSendCQOne(ep Endpoint) (WorkCompletion, error) {
	e, err := g.lookup(ep)
	if err != nil {
		return WorkCompletion{}, err
	}
	return pollCQOne(e.cmID.send_cq)
}

func (g *realGateway) PollRecvCQOne(ep Endpoint) (WorkCompletion, error) {
	e, err := g.lookup(ep)
	if err != nil {
		return WorkCompletion{}, err
	}
	return pollCQOne(e.cmID.recv_cq)
}

var _ Gateway = (*realGateway)(nil)
