package reactor

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ashwch/rdmaxfer/internal/completion"
	"github.com/ashwch/rdmaxfer/internal/device"
	xerrors "github.com/ashwch/rdmaxfer/internal/errors"
	"github.com/ashwch/rdmaxfer/internal/logging"
	"github.com/ashwch/rdmaxfer/internal/metrics"
	"github.com/ashwch/rdmaxfer/internal/ring"
	"github.com/ashwch/rdmaxfer/internal/verbs"
)

// Reactor owns one connected endpoint exclusively: every post against it is
// serialized through cmdCh, and its two blocking loops (command dispatch,
// recv-CQ drain) each run pinned to their own OS thread, grounded on the
// teacher's queue.Runner split between ioLoop and its completion drain.
type Reactor struct {
	gw         verbs.Gateway
	ep         verbs.Endpoint
	hostRing   *ring.HostRingBuffer
	hostRegion verbs.Region

	peerHostDesc    ring.Descriptor
	peerDeviceDescs map[uint64]ring.Descriptor
	localRegions    map[uint64]verbs.Region

	allocator     device.Allocator
	deviceBuffers []device.Buffer

	tracker  *completion.Tracker
	metrics  *metrics.TransportMetrics
	observer metrics.Observer
	logger   *logging.Logger

	cmdCh  chan Command
	state  atomic.Int32
	nextSlot int

	ctx    context.Context
	cancel context.CancelFunc
}

// Config groups a Reactor's collaborators. Logger defaults to a stderr
// logger at Info level, Observer to NoOpObserver and CommandDepth to 64;
// Allocator and Metrics may be nil.
type Config struct {
	Gateway         verbs.Gateway
	Endpoint        verbs.Endpoint
	HostRing        *ring.HostRingBuffer
	HostRegion      verbs.Region
	PeerHostDesc    ring.Descriptor
	PeerDeviceDescs map[uint64]ring.Descriptor
	LocalRegions    map[uint64]verbs.Region
	Allocator       device.Allocator
	DeviceBuffers   []device.Buffer
	Tracker         *completion.Tracker
	Metrics         *metrics.TransportMetrics
	Observer        metrics.Observer
	Logger          *logging.Logger
	CommandDepth    int
}

// New builds a Reactor in StateConnected, ready to have Run started on it.
// The caller is assumed to have already completed the handshake
// (ServerHandshake/ClientHandshake) before constructing the Reactor.
func New(cfg Config) *Reactor {
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoOpObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(nil)
	}
	if cfg.CommandDepth <= 0 {
		cfg.CommandDepth = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reactor{
		gw:              cfg.Gateway,
		ep:              cfg.Endpoint,
		hostRing:        cfg.HostRing,
		hostRegion:      cfg.HostRegion,
		peerHostDesc:    cfg.PeerHostDesc,
		peerDeviceDescs: cfg.PeerDeviceDescs,
		localRegions:    cfg.LocalRegions,
		allocator:       cfg.Allocator,
		deviceBuffers:   cfg.DeviceBuffers,
		tracker:         cfg.Tracker,
		metrics:         cfg.Metrics,
		observer:        cfg.Observer,
		logger:          cfg.Logger,
		cmdCh:           make(chan Command, cfg.CommandDepth),
		nextSlot:        1,
		ctx:             ctx,
		cancel:          cancel,
	}
	if r.peerDeviceDescs == nil {
		r.peerDeviceDescs = make(map[uint64]ring.Descriptor)
	}
	if r.localRegions == nil {
		r.localRegions = make(map[uint64]verbs.Region)
	}
	r.state.Store(int32(StateConnected))
	return r
}

// CmdCh is the channel the public façade submits commands on via Submit.
func (r *Reactor) CmdCh() chan<- Command {
	return r.cmdCh
}

// State reports the endpoint's current lifecycle state.
func (r *Reactor) State() EndpointState {
	return EndpointState(r.state.Load())
}

// Run starts the command loop and the recv drain loop, each pinned to its
// own OS thread, and blocks the calling goroutine's OS thread until both
// exit. Callers invoke Run in its own goroutine (mirroring the teacher's
// Start() spawning ioLoop).
func (r *Reactor) Run() {
	recvDone := make(chan struct{})
	go r.recvLoop(recvDone)
	r.commandLoop()
	<-recvDone
}

// commandLoop is the single-threaded reactor proper: every post against
// the endpoint happens here, in command-submission order.
func (r *Reactor) commandLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-r.ctx.Done():
			return
		case cmd := <-r.cmdCh:
			err := r.dispatch(cmd)
			if cmd.Reply != nil {
				cmd.Reply <- err
			}
			if cmd.Kind == CmdDisconnect {
				return
			}
		}
	}
}

func (r *Reactor) dispatch(cmd Command) error {
	switch cmd.Kind {
	case CmdSend:
		return r.doTransfer(cmd, false)
	case CmdRecv:
		return r.doTransfer(cmd, true)
	case CmdComplete:
		return r.doComplete(cmd)
	case CmdDisconnect:
		return r.doDisconnect(cmd)
	default:
		return xerrors.NewBadOpError("reactor_dispatch", fmt.Sprintf("unknown command kind %d", cmd.Kind))
	}
}

// doTransfer performs the data-plane post (WRITE for Send, READ for Recv)
// and, per §4.4, either follows it with a wire notification (Send with
// HasNotify) or records completion purely locally (Recv's own req_id, per
// the pull-path completion resolution: the READ already moved the bytes,
// so no peer signal is needed).
func (r *Reactor) doTransfer(cmd Command, isRead bool) error {
	localRegion, ok := r.localRegions[cmd.Local.BasePtr]
	if !ok {
		return xerrors.NewUnknownBufferError("reactor_transfer", cmd.Local.BasePtr)
	}
	peerDesc, ok := r.peerDeviceDescs[cmd.Remote.BasePtr]
	if !ok {
		return xerrors.NewUnknownBufferError("reactor_transfer", cmd.Remote.BasePtr)
	}

	// A zero-size TensorBlock is accepted but posts no WR (§8 boundary
	// behavior); a Send still carries its notification if asked.
	if cmd.Local.Size == 0 {
		if isRead {
			if cmd.ReqID != nil {
				r.tracker.Add(string(cmd.ReqID))
			}
			return nil
		}
		if cmd.HasNotify {
			return r.postNotification(ring.Notification{ReqID: cmd.ReqID, Remaining: cmd.Remaining})
		}
		return nil
	}

	localAddr := cmd.Local.BasePtr + cmd.Local.Offset
	remoteAddr := cmd.Remote.BasePtr + cmd.Remote.Offset

	start := time.Now()
	var postErr error
	if isRead {
		postErr = r.gw.PostRead(r.ep, localAddr, uint32(cmd.Local.Size), localRegion.LKey, remoteAddr, peerDesc.RKey)
	} else {
		postErr = r.gw.PostWrite(r.ep, localAddr, uint32(cmd.Local.Size), localRegion.LKey, remoteAddr, peerDesc.RKey)
	}
	if postErr != nil {
		r.recordTransfer(isRead, int(cmd.Local.Size), time.Since(start), true)
		r.state.Store(int32(StateTorn))
		return postErr
	}

	wc, err := r.pollSend(isRead)
	if err != nil {
		r.recordTransfer(isRead, int(cmd.Local.Size), time.Since(start), true)
		r.state.Store(int32(StateTorn))
		return err
	}
	r.recordTransfer(isRead, int(cmd.Local.Size), time.Since(start), false)
	_ = wc

	if isRead {
		if cmd.ReqID != nil {
			r.tracker.Add(string(cmd.ReqID))
		}
		return nil
	}

	if cmd.HasNotify {
		return r.postNotification(ring.Notification{ReqID: cmd.ReqID, Remaining: cmd.Remaining})
	}
	return nil
}

// doComplete emits a metadata-only notification marking req_id done,
// without any accompanying data write.
func (r *Reactor) doComplete(cmd Command) error {
	return r.postNotification(ring.Notification{ReqID: cmd.ReqID, Remaining: cmd.Remaining})
}

// postNotification writes n into the next data slot (cycling 1..Slots-1,
// slot 0 stays reserved for handshake/teardown) and posts the
// RDMA-WRITE-WITH-IMM carrying it, per §4.4 step 3 and §6's imm_data
// layout.
func (r *Reactor) postNotification(n ring.Notification) error {
	payload, err := n.Marshal()
	if err != nil {
		return err
	}

	slot := r.nextSlot
	r.nextSlot++
	if r.nextSlot >= r.hostRing.Slots() {
		r.nextSlot = 1
	}

	if err := r.hostRing.WriteSlot(slot, payload); err != nil {
		return err
	}
	verbs.Sfence()

	imm := ring.Htonl(ring.EncodeNotifyImm(uint32(slot), uint32(len(payload))))
	slotBase, err := r.hostRing.Slot(slot)
	if err != nil {
		return err
	}
	laddr := addrOfBytes(slotBase)

	raddr := r.peerHostDesc.BasePtr + uint64(slot)*ring.SlotBytes

	start := time.Now()
	if err := r.gw.PostWriteWithImm(r.ep, laddr, uint32(len(payload)), r.hostRegion.LKey,
		raddr, r.peerHostDesc.RKey, imm); err != nil {
		r.observer.ObserveNotify(len(payload), time.Since(start), true)
		r.state.Store(int32(StateTorn))
		return err
	}
	wc, err := r.gw.PollSendCQOne(r.ep)
	if cerr := checkWC("reactor_notify", wc, err); cerr != nil {
		r.observer.ObserveNotify(len(payload), time.Since(start), true)
		r.state.Store(int32(StateTorn))
		return cerr
	}
	r.observer.ObserveNotify(len(payload), time.Since(start), false)
	return nil
}

func (r *Reactor) pollSend(isRead bool) (verbs.WorkCompletion, error) {
	wc, err := r.gw.PollSendCQOne(r.ep)
	op := "reactor_write"
	if isRead {
		op = "reactor_read"
	}
	if cerr := checkWC(op, wc, err); cerr != nil {
		return wc, cerr
	}
	return wc, nil
}

func (r *Reactor) recordTransfer(isRead bool, n int, d time.Duration, failed bool) {
	if isRead {
		r.observer.ObserveRead(n, d, failed)
	} else {
		r.observer.ObserveWrite(n, d, failed)
	}
}

// doDisconnect runs §4.4's teardown sequence: a done=1 notification to
// slot 0 (unless the peer already sent one, i.e. cmd.PeerInitiated),
// disconnect, deregister every region, free every device buffer. Resource
// teardown order mirrors original_source's Drop for RdmaDev: disconnect
// before deregistering memory, memory before destroying the endpoint.
func (r *Reactor) doDisconnect(cmd Command) error {
	if !cmd.PeerInitiated {
		if err := r.postTeardown(); err != nil {
			r.logger.Warnf("teardown notification failed: %v", err)
		}
	}

	r.cancel()

	if err := r.gw.Disconnect(r.ep); err != nil {
		r.logger.Warnf("disconnect failed: %v", err)
	}

	for _, region := range r.localRegions {
		if err := r.gw.DeregisterMemory(region); err != nil {
			r.logger.Warnf("deregister memory failed: %v", err)
		}
	}
	if err := r.gw.DeregisterMemory(r.hostRegion); err != nil {
		r.logger.Warnf("deregister host ring failed: %v", err)
	}

	if r.allocator != nil {
		for _, buf := range r.deviceBuffers {
			if err := r.allocator.Free(buf); err != nil {
				r.logger.Warnf("free device buffer failed: %v", err)
			}
		}
	}

	if err := r.gw.DestroyEndpoint(r.ep); err != nil {
		r.logger.Warnf("destroy endpoint failed: %v", err)
	}

	r.state.Store(int32(StateTorn))
	if r.metrics != nil {
		r.metrics.Stop()
	}
	return nil
}

func (r *Reactor) postTeardown() error {
	n := ring.Notification{Done: true}
	payload, err := n.Marshal()
	if err != nil {
		return err
	}
	if err := r.hostRing.WriteSlot(ring.TeardownSlot, payload); err != nil {
		return err
	}
	verbs.Sfence()

	imm := ring.Htonl(ring.EncodeNotifyImm(ring.TeardownSlot, uint32(len(payload))))
	slotBase, err := r.hostRing.Slot(ring.TeardownSlot)
	if err != nil {
		return err
	}
	if err := r.gw.PostWriteWithImm(r.ep, addrOfBytes(slotBase), uint32(len(payload)), r.hostRegion.LKey,
		r.peerHostDesc.BasePtr, r.peerHostDesc.RKey, imm); err != nil {
		return err
	}
	wc, err := r.gw.PollSendCQOne(r.ep)
	return checkWC("reactor_teardown", wc, err)
}

// recvLoop owns the recv CQ: it arms a one-slot recv at the ring's base,
// decodes each RECV_RDMA_WITH_IMM's (slot, size), and applies the
// notification. On a done=1 notification it submits its own Disconnect so
// the command loop runs the same teardown sequence the local caller would
// have triggered, then returns.
func (r *Reactor) recvLoop(done chan<- struct{}) {
	defer close(done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		if err := r.gw.PostRecv(r.ep, r.hostRing.BasePtr(), uint32(ring.SlotBytes), r.hostRegion); err != nil {
			r.logger.Err("recv loop: post_recv failed", err)
			r.state.Store(int32(StateTorn))
			return
		}
		wc, err := r.gw.PollRecvCQOne(r.ep)
		if err != nil {
			r.logger.Err("recv loop: poll_recv_cq failed", err)
			r.state.Store(int32(StateTorn))
			return
		}
		if !wc.Success() {
			r.logger.Errorf("recv loop: completion failed, status=%v", wc.Status)
			r.state.Store(int32(StateTorn))
			return
		}
		if wc.Opcode != verbs.WCOpcodeRecvRDMAWithImm {
			continue
		}

		slot, size := ring.DecodeNotifyImm(ring.Ntohl(wc.ImmData))
		slotBuf, err := r.hostRing.Slot(int(slot))
		if err != nil {
			r.logger.Errorf("recv loop: bad slot %d: %v", slot, err)
			continue
		}
		if size > uint32(len(slotBuf)) {
			r.logger.Errorf("recv loop: notification size %d exceeds slot", size)
			continue
		}
		notif, err := ring.UnmarshalNotification(slotBuf[:size])
		if err != nil {
			r.logger.Errorf("recv loop: malformed notification: %v", err)
			continue
		}

		if notif.Done {
			Submit(r.cmdCh, Command{Kind: CmdDisconnect, PeerInitiated: true})
			return
		}
		if notif.Remaining == 0 && notif.ReqID != nil {
			r.tracker.Add(string(notif.ReqID))
		}
	}
}
