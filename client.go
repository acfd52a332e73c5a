package rdmaxfer

import (
	"net"
	"sync"

	"github.com/ashwch/rdmaxfer/internal/completion"
	"github.com/ashwch/rdmaxfer/internal/device"
	xerrors "github.com/ashwch/rdmaxfer/internal/errors"
	"github.com/ashwch/rdmaxfer/internal/logging"
	"github.com/ashwch/rdmaxfer/internal/metrics"
	"github.com/ashwch/rdmaxfer/internal/reactor"
	"github.com/ashwch/rdmaxfer/internal/ring"
	"github.com/ashwch/rdmaxfer/internal/verbs"
)

// Client exports a set of device buffers sized by bufferSizes and connects
// to one server; its endpoint is not bound to the local address it is
// given. Send pushes into the server's
// memory (RDMA-WRITE); Recv pulls from it (RDMA-READ); Complete emits a
// metadata-only notification the server's IsComplete observes.
type Client struct {
	cfg       *TransportConfig
	gw        verbs.Gateway
	ep        verbs.Endpoint
	localHost string
	localPort string
	allocator Allocator
	buffers   []device.Buffer
	blocks    []TensorBlock

	tracker *completion.Tracker
	metrics *metrics.TransportMetrics
	logger  *logging.Logger

	mu           sync.Mutex
	reactor      *reactor.Reactor
	reactorDone  chan struct{}
	shutdownOnce sync.Once
}

// NewClient allocates one device buffer per entry in bufferSizes via the
// gpuOrdinal-selected Allocator and parses localAddr ("host:port"), ready
// for Connect. Connect resolves localAddr but does not bind the endpoint to
// it; the endpoint is created from the server's address alone.
func NewClient(localAddr string, gpuOrdinal int, bufferSizes []uint64, cfg *TransportConfig) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig(RoleClient)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	host, port, err := net.SplitHostPort(localAddr)
	if err != nil {
		return nil, xerrors.NewBadAddressError("client_new", err.Error())
	}

	alloc, err := newDeviceAllocator(gpuOrdinal)
	if err != nil {
		return nil, err
	}

	buffers := make([]device.Buffer, 0, len(bufferSizes))
	blocks := make([]TensorBlock, 0, len(bufferSizes))
	for _, size := range bufferSizes {
		buf, err := alloc.Alloc(size)
		if err != nil {
			for _, prior := range buffers {
				_ = alloc.Free(prior)
			}
			return nil, err
		}
		buffers = append(buffers, buf)
		blocks = append(blocks, TensorBlock{BasePtr: buf.BasePtr, Size: buf.Size})
	}

	return &Client{
		cfg:       cfg,
		gw:        verbs.NewGateway(),
		localHost: host,
		localPort: port,
		allocator: alloc,
		buffers:   buffers,
		blocks:    blocks,
		tracker:   completion.New(cfg.CompletionCapacity),
		metrics:   metrics.NewTransportMetrics(),
		logger:    logging.NewLogger(nil),
	}, nil
}

// LocalBuffers returns the TensorBlocks this client exports to the server.
// The push/pull asymmetry (§4.3) means the server never targets these with
// its own WRs in this protocol variant; they exist so the client can fill
// them locally before a Send and inspect them after a Recv.
func (c *Client) LocalBuffers() []TensorBlock {
	return c.blocks
}

// Connect dials serverAddr ("host:port"), runs the bootstrap handshake,
// and returns the server's exported buffers. The returned reactor services
// this connection until Shutdown.
func (c *Client) Connect(serverAddr string) ([]TensorBlock, error) {
	host, port, err := net.SplitHostPort(serverAddr)
	if err != nil {
		return nil, xerrors.NewBadAddressError("client_connect", err.Error())
	}

	cai, err := c.gw.ResolveAddr(host, port, false)
	if err != nil {
		return nil, err
	}
	laddrInfo, err := c.gw.ResolveAddr(c.localHost, c.localPort, false)
	if err != nil {
		return nil, err
	}
	_ = laddrInfo // resolved but unused: CreateEndpoint below takes only the server's AddrInfo

	ep, err := c.gw.CreateEndpoint(cai, verbs.DefaultQPInitAttr())
	if err != nil {
		return nil, err
	}
	c.ep = ep

	hostRing := ring.NewHostRingBuffer(c.cfg.RingSlots)
	hostRegion, err := c.gw.RegisterMemory(ep, hostRing.Bytes(),
		verbs.AccessLocalWrite|verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	if err != nil {
		return nil, err
	}

	localRegions := make(map[uint64]verbs.Region, len(c.buffers))
	for _, buf := range c.buffers {
		region, err := c.gw.RegisterMemory(ep, bytesOfBuffer(buf), verbs.AccessLocalWrite)
		if err != nil {
			return nil, err
		}
		localRegions[buf.BasePtr] = region
	}

	peerHostDesc, peerDeviceDescs, err := reactor.ClientHandshake(c.gw, ep, hostRing, hostRegion)
	if err != nil {
		return nil, err
	}

	r := reactor.New(reactor.Config{
		Gateway:         c.gw,
		Endpoint:        ep,
		HostRing:        hostRing,
		HostRegion:      hostRegion,
		PeerHostDesc:    peerHostDesc,
		PeerDeviceDescs: peerDeviceDescs,
		LocalRegions:    localRegions,
		Allocator:       c.allocator,
		DeviceBuffers:   c.buffers,
		Tracker:         c.tracker,
		Metrics:         c.metrics,
		Observer:        metrics.MetricsObserver{Metrics: c.metrics},
		Logger:          c.logger,
		CommandDepth:    c.cfg.CommandChannelDepth,
	})

	c.mu.Lock()
	c.reactor = r
	c.reactorDone = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.reactorDone)
		r.Run()
	}()

	// A ConnectionDescriptor carries {base_ptr, rkey}, not a length: the
	// rkey authorizes access, it doesn't bound it. Size is whatever the
	// two sides agreed out of band (the bufferSizes this server was
	// constructed with); Connect reports BasePtr only, and callers match
	// against their own knowledge of the server's buffer sizes, not by
	// slice position (map order is unspecified).
	peerBlocks := make([]TensorBlock, 0, len(peerDeviceDescs))
	for basePtr := range peerDeviceDescs {
		peerBlocks = append(peerBlocks, TensorBlock{BasePtr: basePtr})
	}
	return peerBlocks, nil
}

func (c *Client) cmdCh() chan<- reactor.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reactor.CmdCh()
}

// Send pushes local's bytes into remote via RDMA-WRITE.
func (c *Client) Send(local, remote TensorBlock) error {
	reply := make(chan error, 1)
	return reactor.Submit(c.cmdCh(), reactor.Command{
		Kind: reactor.CmdSend, Local: local, Remote: remote, Reply: reply,
	})
}

// Recv pulls remote's bytes into local via RDMA-READ.
func (c *Client) Recv(local, remote TensorBlock) error {
	reply := make(chan error, 1)
	return reactor.Submit(c.cmdCh(), reactor.Command{
		Kind: reactor.CmdRecv, Local: local, Remote: remote, Reply: reply,
	})
}

// Complete emits a metadata-only notification marking reqID done; the
// server observes it via its own IsComplete.
func (c *Client) Complete(reqID []byte) error {
	reply := make(chan error, 1)
	return reactor.Submit(c.cmdCh(), reactor.Command{
		Kind: reactor.CmdComplete, ReqID: reqID, Reply: reply,
	})
}

// IsComplete reports whether reqID is recorded in this client's own
// tracker. Client.Recv carries no req_id and the server façade posts no
// completion notifications, so ids signaled through these façades are not
// recorded here; Complete's notification travels to the server, whose
// IsComplete observes it.
func (c *Client) IsComplete(reqID []byte) bool {
	return c.tracker.Contains(string(reqID))
}

// Shutdown posts the teardown notification, disconnects, and releases
// every exported buffer. Safe to call more than once.
func (c *Client) Shutdown() error {
	var err error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		r := c.reactor
		done := c.reactorDone
		c.mu.Unlock()

		if r != nil {
			err = submitDisconnect(r.CmdCh(), done)
			return
		}

		for _, buf := range c.buffers {
			_ = c.allocator.Free(buf)
		}
	})
	return err
}

// Metrics returns this client's metrics instance.
func (c *Client) Metrics() *TransportMetrics {
	return c.metrics
}

// MetricsSnapshot returns a point-in-time view of this client's metrics.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}
