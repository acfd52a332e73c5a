// Package rdmaxfer is the public façade over a GPU-to-GPU RDMA transport: a
// Server exports device buffers and accepts one connection; a Client
// connects, pushes/pulls data against the server's exported buffers, and
// signals completion over a host-memory control plane carried on the same
// queue pair. Internals live under internal/ (buffer registry, verbs
// gateway, handshake, transfer engine, completion tracker); this package
// wires them together the way the teacher's root ublk package wires
// internal/ctrl and internal/queue behind Device/DeviceParams.
package rdmaxfer

import (
	"github.com/ashwch/rdmaxfer/internal/config"
	"github.com/ashwch/rdmaxfer/internal/device"
	xerrors "github.com/ashwch/rdmaxfer/internal/errors"
	"github.com/ashwch/rdmaxfer/internal/metrics"
)

// TensorBlock identifies a slice of a registered device buffer: BasePtr
// must equal some registered buffer's BasePtr, and Offset+Size must fit
// within it. It is the unit Send/Recv move in one RDMA-WRITE/READ.
type TensorBlock = device.TensorBlock

// Allocator is the DeviceAllocator contract a Server/Client's exported
// buffers are drawn from: allocate/free device memory, copy to/from host.
type Allocator = device.Allocator

// TransportConfig holds the declarative tunables for one Server or Client:
// ring geometry, completion tracker capacity, command channel depth, GPU
// ordinal, accept backlog, handshake timeout.
type TransportConfig = config.TransportConfig

// TransportMetrics aggregates write/read/notify counters and latency
// histograms for one endpoint.
type TransportMetrics = metrics.TransportMetrics

// MetricsSnapshot is an immutable point-in-time metrics view.
type MetricsSnapshot = metrics.Snapshot

// Observer receives per-operation callbacks as they complete. Embedders
// can bridge this into their own metrics exporter without this package
// depending on one.
type Observer = metrics.Observer

// TransportError is the structured error type returned across the public
// façade.
type TransportError = xerrors.TransportError

// Error codes a TransportError can carry, re-exported for IsCode checks.
const (
	CodeVerbs         = xerrors.CodeVerbs
	CodeDevice        = xerrors.CodeDevice
	CodeBadAddress    = xerrors.CodeBadAddress
	CodeBadOp         = xerrors.CodeBadOp
	CodeSerialization = xerrors.CodeSerialization
	CodePeerClosed    = xerrors.CodePeerClosed
	CodeUnknownBuffer = xerrors.CodeUnknownBuffer
)

// Role distinguishes a listening endpoint from a connecting one for
// DefaultConfig's role-tuned defaults.
const (
	RoleServer = config.RoleServer
	RoleClient = config.RoleClient
)

// IsCode reports whether err is a *TransportError carrying code.
func IsCode(err error, code xerrors.Code) bool {
	return xerrors.IsCode(err, code)
}

// DefaultConfig returns role-tuned defaults, mirroring the teacher's
// DefaultParams(backend) factory.
func DefaultConfig(role config.Role) *TransportConfig {
	return config.DefaultConfig(role)
}
