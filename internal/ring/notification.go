package ring

import (
	"encoding/binary"

	xerrors "github.com/ashwch/rdmaxfer/internal/errors"
)

// MaxReqIDLen bounds req_id; Marshal fails rather than truncate on
// overflow (spec §9 open question (b)).
const MaxReqIDLen = 64

// notificationFixedSize is done(4) + has_req_id(1) + req_id_len(1) + remaining(4).
const notificationFixedSize = 4 + 1 + 1 + 4

// MaxNotificationSize is the largest a Notification can ever marshal to:
// the fixed fields plus the maximum req_id payload. It is well under one
// 4096-byte ring slot.
const MaxNotificationSize = notificationFixedSize + MaxReqIDLen

// Notification is the control-plane metadata record accompanying a data
// write, or standing alone for Complete/teardown. ReqID is nil when absent.
type Notification struct {
	Done      bool
	ReqID     []byte
	Remaining uint32
}

// Marshal encodes the notification as done:u32, an optional length-
// prefixed req_id (presence byte + length byte + bytes), then
// remaining:u32 — all little-endian, matching the teacher's manual
// encoding/binary marshaling style.
func (n Notification) Marshal() ([]byte, error) {
	if len(n.ReqID) > MaxReqIDLen {
		return nil, xerrors.NewSerializationError("notification_marshal", "req_id exceeds 64 bytes")
	}

	size := notificationFixedSize + len(n.ReqID)
	buf := make([]byte, size)

	done := uint32(0)
	if n.Done {
		done = 1
	}
	binary.LittleEndian.PutUint32(buf[0:4], done)

	off := 4
	if n.ReqID != nil {
		buf[off] = 1
		buf[off+1] = byte(len(n.ReqID))
		off += 2
		copy(buf[off:off+len(n.ReqID)], n.ReqID)
		off += len(n.ReqID)
	} else {
		buf[off] = 0
		buf[off+1] = 0
		off += 2
	}

	binary.LittleEndian.PutUint32(buf[off:off+4], n.Remaining)
	return buf, nil
}

// UnmarshalNotification decodes a Notification from a ring slot. buf may be
// longer than the encoded payload (the slot is fixed-size); only the
// leading encoded bytes are consumed.
func UnmarshalNotification(buf []byte) (Notification, error) {
	if len(buf) < 6 {
		return Notification{}, xerrors.NewSerializationError("notification_unmarshal", "buffer too short for notification header")
	}

	done := binary.LittleEndian.Uint32(buf[0:4]) != 0
	hasReqID := buf[4] != 0
	reqIDLen := int(buf[5])
	off := 6

	var reqID []byte
	if hasReqID {
		if reqIDLen > MaxReqIDLen {
			return Notification{}, xerrors.NewSerializationError("notification_unmarshal", "req_id length exceeds 64 bytes")
		}
		if len(buf) < off+reqIDLen+4 {
			return Notification{}, xerrors.NewSerializationError("notification_unmarshal", "buffer too short for req_id + remaining")
		}
		reqID = make([]byte, reqIDLen)
		copy(reqID, buf[off:off+reqIDLen])
		off += reqIDLen
	} else {
		if len(buf) < off+4 {
			return Notification{}, xerrors.NewSerializationError("notification_unmarshal", "buffer too short for remaining")
		}
	}

	remaining := binary.LittleEndian.Uint32(buf[off : off+4])

	return Notification{Done: done, ReqID: reqID, Remaining: remaining}, nil
}
