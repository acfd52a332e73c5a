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

// Server binds an address, exports a set of device buffers sized by
// bufferSizes, and accepts one client connection. Once Listen returns, the
// server's reactor services the connection on its own goroutine until
// Shutdown is called; the embedder polls IsComplete for request ids the
// client has signaled done.
type Server struct {
	cfg       *TransportConfig
	gw        verbs.Gateway
	listenEp  verbs.Endpoint
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

// NewServer allocates one device buffer per entry in bufferSizes via the
// gpuOrdinal-selected Allocator (hostmem by default, CUDA under the cuda
// build tag) and binds bindAddr ("host:port"), ready for Listen.
func NewServer(bindAddr string, gpuOrdinal int, bufferSizes []uint64, cfg *TransportConfig) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig(RoleServer)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, xerrors.NewBadAddressError("server_new", err.Error())
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

	gw := verbs.NewGateway()
	sai, err := gw.ResolveAddr(host, port, true)
	if err != nil {
		return nil, err
	}
	listenEp, err := gw.CreateEndpoint(sai, verbs.DefaultQPInitAttr())
	if err != nil {
		return nil, err
	}
	if err := gw.Listen(listenEp, cfg.AcceptBacklog); err != nil {
		return nil, err
	}

	return &Server{
		cfg:       cfg,
		gw:        gw,
		listenEp:  listenEp,
		allocator: alloc,
		buffers:   buffers,
		blocks:    blocks,
		tracker:   completion.New(cfg.CompletionCapacity),
		metrics:   metrics.NewTransportMetrics(),
		logger:    logging.NewLogger(nil),
	}, nil
}

// LocalBuffers returns the TensorBlocks this server exports.
func (s *Server) LocalBuffers() []TensorBlock {
	return s.blocks
}

// Listen blocks for one incoming connection, runs the bootstrap handshake
// advertising this server's buffers, and starts the reactor servicing it
// on a background goroutine. It returns once the connection is up; the
// server keeps running until Shutdown is called.
func (s *Server) Listen() error {
	ep, err := s.gw.GetRequest(s.listenEp)
	if err != nil {
		return err
	}

	hostRing := ring.NewHostRingBuffer(s.cfg.RingSlots)
	hostRegion, err := s.gw.RegisterMemory(ep, hostRing.Bytes(),
		verbs.AccessLocalWrite|verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	if err != nil {
		return err
	}

	localRegions := make(map[uint64]verbs.Region, len(s.buffers))
	deviceDescs := make([]ring.Descriptor, 0, len(s.buffers))
	for _, buf := range s.buffers {
		region, err := s.gw.RegisterMemory(ep, bytesOfBuffer(buf),
			verbs.AccessLocalWrite|verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
		if err != nil {
			return err
		}
		localRegions[buf.BasePtr] = region
		deviceDescs = append(deviceDescs, ring.Descriptor{BasePtr: buf.BasePtr, RKey: region.RKey})
	}

	peerHostDesc, err := reactor.ServerHandshake(s.gw, ep, hostRing, hostRegion, deviceDescs)
	if err != nil {
		return err
	}

	r := reactor.New(reactor.Config{
		Gateway:       s.gw,
		Endpoint:      ep,
		HostRing:      hostRing,
		HostRegion:    hostRegion,
		PeerHostDesc:  peerHostDesc,
		LocalRegions:  localRegions,
		Allocator:     s.allocator,
		DeviceBuffers: s.buffers,
		Tracker:       s.tracker,
		Metrics:       s.metrics,
		Observer:      metrics.MetricsObserver{Metrics: s.metrics},
		Logger:        s.logger,
		CommandDepth:  s.cfg.CommandChannelDepth,
	})

	s.mu.Lock()
	s.reactor = r
	s.reactorDone = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.reactorDone)
		r.Run()
	}()
	return nil
}

// IsComplete reports whether reqID has been recorded as done by the
// client's Complete call. Non-blocking.
func (s *Server) IsComplete(reqID []byte) bool {
	return s.tracker.Contains(string(reqID))
}

// Shutdown tears down the connection (if one was accepted) and releases
// every exported buffer. Safe to call more than once.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		r := s.reactor
		done := s.reactorDone
		s.mu.Unlock()

		if r != nil {
			err = submitDisconnect(r.CmdCh(), done)
			return
		}

		for _, buf := range s.buffers {
			_ = s.allocator.Free(buf)
		}
	})
	return err
}

// Metrics returns this server's metrics instance.
func (s *Server) Metrics() *TransportMetrics {
	return s.metrics
}

// MetricsSnapshot returns a point-in-time view of this server's metrics.
func (s *Server) MetricsSnapshot() MetricsSnapshot {
	return s.metrics.Snapshot()
}
