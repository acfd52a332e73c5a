// Package ring implements the host ring buffer and the wire codec for the
// control-plane messages carried inside it: ConnectionDescriptor and
// Notification. Marshaling follows the teacher's manual
// encoding/binary field-by-field style rather than a generic codec.
package ring

import (
	"encoding/binary"

	xerrors "github.com/ashwch/rdmaxfer/internal/errors"
)

// DescriptorSize is the fixed wire size of a ConnectionDescriptor: an 8
// byte base pointer and a 4 byte rkey.
const DescriptorSize = 12

// ProtocolVersion is asserted equal between peers during the bootstrap
// exchange. A private wire format between peers built from the same
// codebase has no use for version negotiation, but a one-byte guard
// catches a mismatched build before any data plane traffic flows.
const ProtocolVersion uint8 = 1

// BootstrapSize is the wire size of a Bootstrap message: one version
// byte followed by a ConnectionDescriptor.
const BootstrapSize = 1 + DescriptorSize

// Descriptor is {base_ptr, rkey} identifying a peer-side memory region. It
// is sent inline over post_send and never dereferenced locally.
type Descriptor struct {
	BasePtr uint64
	RKey    uint32
}

// Marshal encodes the descriptor as 12 little-endian bytes.
func (d Descriptor) Marshal() []byte {
	buf := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint64(buf[0:8], d.BasePtr)
	binary.LittleEndian.PutUint32(buf[8:12], d.RKey)
	return buf
}

// UnmarshalDescriptor decodes a 12-byte ConnectionDescriptor.
func UnmarshalDescriptor(buf []byte) (Descriptor, error) {
	if len(buf) < DescriptorSize {
		return Descriptor{}, xerrors.NewSerializationError("unmarshal_descriptor", "short buffer for ConnectionDescriptor")
	}
	return Descriptor{
		BasePtr: binary.LittleEndian.Uint64(buf[0:8]),
		RKey:    binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// Bootstrap is the first message exchanged on a new connection: the
// sender's protocol version plus its host-ring ConnectionDescriptor.
type Bootstrap struct {
	Version uint8
	Desc    Descriptor
}

// Marshal encodes a Bootstrap as BootstrapSize bytes: version, then the
// descriptor.
func (b Bootstrap) Marshal() []byte {
	buf := make([]byte, BootstrapSize)
	buf[0] = b.Version
	copy(buf[1:], b.Desc.Marshal())
	return buf
}

// UnmarshalBootstrap decodes a Bootstrap message.
func UnmarshalBootstrap(buf []byte) (Bootstrap, error) {
	if len(buf) < BootstrapSize {
		return Bootstrap{}, xerrors.NewSerializationError("unmarshal_bootstrap", "short buffer for Bootstrap")
	}
	desc, err := UnmarshalDescriptor(buf[1:BootstrapSize])
	if err != nil {
		return Bootstrap{}, err
	}
	return Bootstrap{Version: buf[0], Desc: desc}, nil
}

// MarshalDescriptorList encodes a length-prefixed list of descriptors: a
// u32 count followed by that many 12-byte descriptors. Used for the
// server-to-client GPU descriptor-list handshake step.
func MarshalDescriptorList(descs []Descriptor) []byte {
	buf := make([]byte, 4+len(descs)*DescriptorSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(descs)))
	off := 4
	for _, d := range descs {
		copy(buf[off:off+DescriptorSize], d.Marshal())
		off += DescriptorSize
	}
	return buf
}

// UnmarshalDescriptorList decodes a MarshalDescriptorList payload.
func UnmarshalDescriptorList(buf []byte) ([]Descriptor, error) {
	if len(buf) < 4 {
		return nil, xerrors.NewSerializationError("unmarshal_descriptor_list", "short buffer for descriptor list count")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	need := 4 + int(count)*DescriptorSize
	if len(buf) < need {
		return nil, xerrors.NewSerializationError("unmarshal_descriptor_list", "short buffer for descriptor list payload")
	}
	out := make([]Descriptor, count)
	off := 4
	for i := range out {
		d, err := UnmarshalDescriptor(buf[off : off+DescriptorSize])
		if err != nil {
			return nil, err
		}
		out[i] = d
		off += DescriptorSize
	}
	return out, nil
}
