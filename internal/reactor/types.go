// Package reactor implements the handshake protocol (C3) and the transfer
// engine (C4): a single cooperative reactor that owns one queue pair
// endpoint, serializing every post against it through a command channel and
// running its blocking completion-queue polls on a dedicated OS thread —
// grounded on the teacher's queue.Runner/ioLoop (runtime.LockOSThread, a
// start-error channel, context-based shutdown).
package reactor

import "github.com/ashwch/rdmaxfer/internal/device"

// EndpointState mirrors the QueuePairEndpoint state machine: Fresh →
// Bound → Connected → Torn. Any verbs failure outside an explicitly
// retryable op moves the endpoint straight to Torn.
type EndpointState int32

const (
	StateFresh EndpointState = iota
	StateBound
	StateConnected
	StateTorn
)

func (s EndpointState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateBound:
		return "bound"
	case StateConnected:
		return "connected"
	case StateTorn:
		return "torn"
	default:
		return "unknown"
	}
}

// CommandKind discriminates the TransferCommand variants the reactor
// accepts on its command channel.
type CommandKind int

const (
	CmdSend CommandKind = iota
	CmdRecv
	CmdComplete
	CmdDisconnect
)

// Command is the single TransferCommand type, tagged by Kind. Send and
// Recv use Local/Remote; Send may additionally carry completion metadata
// (HasNotify/ReqID/Remaining) emitted as a second post right after the
// data write. Complete emits only the metadata-only notification. Reply
// receives the command's outcome; nil means "fire and forget".
type Command struct {
	Kind CommandKind

	Local  device.TensorBlock
	Remote device.TensorBlock

	HasNotify bool
	ReqID     []byte
	Remaining uint32

	// PeerInitiated marks a Disconnect the recv loop raised after decoding
	// a done=1 notification from the peer, as opposed to one the local
	// caller requested. The peer already posted the teardown notification,
	// so this side must not post a second one (§4.4's "no further CQ
	// entries on either side").
	PeerInitiated bool

	Reply chan error
}

// Submit delivers cmd to the reactor and blocks until Reply (if set)
// receives an outcome, or returns immediately if Reply is nil.
func Submit(cmdCh chan<- Command, cmd Command) error {
	cmdCh <- cmd
	if cmd.Reply == nil {
		return nil
	}
	return <-cmd.Reply
}
