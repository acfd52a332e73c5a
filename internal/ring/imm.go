package ring

import "math/bits"

// SlotBytes is fixed by the wire protocol.
const SlotBytes = 4096

// Htonl converts a host-order u32 to network byte order. The deployment
// targets (x86-64, arm64) are little-endian, so this is a byte reversal;
// ntohl(htonl(x)) == x holds regardless of host endianness since both
// directions reverse the same bytes.
func Htonl(v uint32) uint32 {
	return bits.ReverseBytes32(v)
}

// Ntohl converts a network-order u32 back to host order.
func Ntohl(v uint32) uint32 {
	return bits.ReverseBytes32(v)
}

// EncodeDescriptorListImm builds the imm_data for the handshake's
// descriptor-list RDMA-WRITE-WITH-IMM: the raw payload size in bytes.
func EncodeDescriptorListImm(payloadSize uint32) uint32 {
	return payloadSize
}

// DecodeDescriptorListImm extracts the payload size from a decoded
// (ntohl'd) descriptor-list imm_data value.
func DecodeDescriptorListImm(imm uint32) uint32 {
	return imm
}

// EncodeNotifyImm builds the imm_data for a data-plane notification write:
// the slot in the high 16 bits, the payload size in the low 16 bits. Both
// slot and size must fit in 16 bits (slot < 65536, size <= 4096).
func EncodeNotifyImm(slot, size uint32) uint32 {
	return (slot << 16) | (size & 0x0000FFFF)
}

// DecodeNotifyImm extracts (slot, size) from a decoded (ntohl'd)
// notification imm_data value.
func DecodeNotifyImm(imm uint32) (slot, size uint32) {
	slot = (imm & 0xFFFF0000) >> 16
	size = imm & 0x0000FFFF
	return slot, size
}
