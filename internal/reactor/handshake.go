package reactor

import (
	xerrors "github.com/ashwch/rdmaxfer/internal/errors"
	"github.com/ashwch/rdmaxfer/internal/ring"
	"github.com/ashwch/rdmaxfer/internal/verbs"
)

func checkWC(op string, wc verbs.WorkCompletion, err error) error {
	if err != nil {
		return err
	}
	if !wc.Success() {
		return xerrors.NewVerbsError(op, "completion", 0)
	}
	return nil
}

// ServerHandshake runs the server side of the bootstrap descriptor
// exchange followed by the GPU descriptor-list write, per §4.3. ep must
// already be a request endpoint returned by Gateway.GetRequest, not yet
// accepted. localDeviceDescs are the server's own registered device
// buffers, advertised to the client.
func ServerHandshake(gw verbs.Gateway, ep verbs.Endpoint, hostRing *ring.HostRingBuffer, hostRegion verbs.Region, localDeviceDescs []ring.Descriptor) (ring.Descriptor, error) {
	if err := gw.PostRecv(ep, hostRing.BasePtr(), ring.BootstrapSize, hostRegion); err != nil {
		return ring.Descriptor{}, err
	}
	if err := gw.Accept(ep); err != nil {
		return ring.Descriptor{}, err
	}

	wc, err := gw.PollRecvCQOne(ep)
	if err := checkWC("server_handshake_bootstrap_recv", wc, err); err != nil {
		return ring.Descriptor{}, err
	}

	slot0, err := hostRing.Slot(ring.TeardownSlot)
	if err != nil {
		return ring.Descriptor{}, err
	}
	peerBootstrap, err := ring.UnmarshalBootstrap(slot0[:ring.BootstrapSize])
	if err != nil {
		return ring.Descriptor{}, err
	}
	if peerBootstrap.Version != ring.ProtocolVersion {
		return ring.Descriptor{}, xerrors.NewBadOpError("server_handshake_bootstrap_recv", "protocol version mismatch")
	}
	peerHostDesc := peerBootstrap.Desc

	own := ring.Bootstrap{Version: ring.ProtocolVersion, Desc: ring.Descriptor{BasePtr: hostRing.BasePtr(), RKey: hostRegion.RKey}}
	ownBuf := own.Marshal()
	if err := gw.PostSend(ep, addrOfBytes(ownBuf), uint32(len(ownBuf)), hostRegion, true); err != nil {
		return ring.Descriptor{}, err
	}
	wc, err = gw.PollSendCQOne(ep)
	if err := checkWC("server_handshake_bootstrap_send", wc, err); err != nil {
		return ring.Descriptor{}, err
	}

	payload := ring.MarshalDescriptorList(localDeviceDescs)
	if err := hostRing.WriteSlot(ring.TeardownSlot, payload); err != nil {
		return ring.Descriptor{}, err
	}
	verbs.Sfence()

	imm := ring.Htonl(ring.EncodeDescriptorListImm(uint32(len(payload))))
	if err := gw.PostWriteWithImm(ep, hostRing.BasePtr(), uint32(len(payload)), hostRegion.LKey,
		peerHostDesc.BasePtr, peerHostDesc.RKey, imm); err != nil {
		return ring.Descriptor{}, err
	}
	wc, err = gw.PollSendCQOne(ep)
	if err := checkWC("server_handshake_gpu_desc_write", wc, err); err != nil {
		return ring.Descriptor{}, err
	}

	return peerHostDesc, nil
}

// ClientHandshake runs the client side: bootstrap exchange, then arms a
// recv for the server's GPU descriptor-list write and decodes it into a
// base_ptr-keyed map.
func ClientHandshake(gw verbs.Gateway, ep verbs.Endpoint, hostRing *ring.HostRingBuffer, hostRegion verbs.Region) (ring.Descriptor, map[uint64]ring.Descriptor, error) {
	if err := gw.PostRecv(ep, hostRing.BasePtr(), ring.BootstrapSize, hostRegion); err != nil {
		return ring.Descriptor{}, nil, err
	}
	if err := gw.Connect(ep); err != nil {
		return ring.Descriptor{}, nil, err
	}

	own := ring.Bootstrap{Version: ring.ProtocolVersion, Desc: ring.Descriptor{BasePtr: hostRing.BasePtr(), RKey: hostRegion.RKey}}
	ownBuf := own.Marshal()
	if err := gw.PostSend(ep, addrOfBytes(ownBuf), uint32(len(ownBuf)), hostRegion, true); err != nil {
		return ring.Descriptor{}, nil, err
	}
	wc, err := gw.PollSendCQOne(ep)
	if err := checkWC("client_handshake_bootstrap_send", wc, err); err != nil {
		return ring.Descriptor{}, nil, err
	}

	wc, err = gw.PollRecvCQOne(ep)
	if err := checkWC("client_handshake_bootstrap_recv", wc, err); err != nil {
		return ring.Descriptor{}, nil, err
	}
	slot0, err := hostRing.Slot(ring.TeardownSlot)
	if err != nil {
		return ring.Descriptor{}, nil, err
	}
	peerBootstrap, err := ring.UnmarshalBootstrap(slot0[:ring.BootstrapSize])
	if err != nil {
		return ring.Descriptor{}, nil, err
	}
	if peerBootstrap.Version != ring.ProtocolVersion {
		return ring.Descriptor{}, nil, xerrors.NewBadOpError("client_handshake_bootstrap_recv", "protocol version mismatch")
	}
	peerHostDesc := peerBootstrap.Desc

	if err := gw.PostRecv(ep, hostRing.BasePtr(), uint32(ring.SlotBytes), hostRegion); err != nil {
		return ring.Descriptor{}, nil, err
	}
	wc, err = gw.PollRecvCQOne(ep)
	if err := checkWC("client_handshake_gpu_desc_recv", wc, err); err != nil {
		return ring.Descriptor{}, nil, err
	}
	if wc.Opcode != verbs.WCOpcodeRecvRDMAWithImm {
		return ring.Descriptor{}, nil, xerrors.NewVerbsError("client_handshake_gpu_desc_recv", "unexpected opcode", 0)
	}

	size := ring.DecodeDescriptorListImm(ring.Ntohl(wc.ImmData))
	slot0, err = hostRing.Slot(ring.TeardownSlot)
	if err != nil {
		return ring.Descriptor{}, nil, err
	}
	descs, err := ring.UnmarshalDescriptorList(slot0[:size])
	if err != nil {
		return ring.Descriptor{}, nil, err
	}

	peerDeviceDescs := make(map[uint64]ring.Descriptor, len(descs))
	for _, d := range descs {
		peerDeviceDescs[d.BasePtr] = d
	}
	return peerHostDesc, peerDeviceDescs, nil
}
