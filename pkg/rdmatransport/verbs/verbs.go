// Package verbs defines the RDMA verbs and connection-manager collaborator
// this core consumes but does not implement. In production this interface
// is backed by cgo bindings over libibverbs/librdmacm; the transport core
// only ever talks to the Go interfaces below, so it can be driven from
// tests by the in-memory simulator under verbs/simverbs without a real
// HCA. Everything here is assumed available per the scope boundary: queue
// pair / completion queue / protection domain / memory region lifecycle,
// connection manager event delivery, and DMA mapping are all treated as
// given.
package verbs

import "context"

// CMEventType enumerates the connection-manager events the queue's event
// handler must react to.
type CMEventType int

const (
	EventAddrResolved CMEventType = iota
	EventRouteResolved
	EventEstablished
	EventRejected
	EventAddrError
	EventRouteError
	EventConnectError
	EventUnreachable
	EventDisconnected
	EventAddrChange
	EventTimewaitExit
	EventDeviceRemoval
)

// CMEvent is delivered to a Queue's event handler from the connection
// manager's dispatch goroutine.
type CMEvent struct {
	Type           CMEventType
	RejectReason   int
	PrivateData    []byte
	ConnParam      ConnParam
}

// ConnParam is the subset of rdma_conn_param this core populates on
// rdma_connect and reads back on ESTABLISHED.
type ConnParam struct {
	ResponderResources uint8
	RetryCount         uint8
	RNRRetryCount      uint8
	PrivateData        []byte
}

// DeviceAttrs is the subset of ibv_device_attr the core consults.
type DeviceAttrs struct {
	NodeGUID               uint64
	MaxQPRdAtom            uint8
	MaxFastRegPageListLen  int
	HasMemMgtExtensions    bool
}

// Device is one RDMA HCA, shared across every controller/queue bound to
// it. The Device Registry owns the refcounting; this interface is the
// handle a registry entry wraps.
type Device interface {
	Attrs() DeviceAttrs
	AllocPD(ctx context.Context) (ProtectionDomain, error)
}

// ProtectionDomain groups queue pairs and memory regions under one
// protection domain.
type ProtectionDomain interface {
	// GetDMAMR returns the whole-address-space memory region used for
	// the single-remote-key data-mapping case. Only valid when
	// RegisterAlways is false.
	GetDMAMR(ctx context.Context) (MemoryRegion, error)
	AllocMR(ctx context.Context, maxPages int) (MemoryRegion, error)
	Dealloc(ctx context.Context) error
}

// MemoryRegion is a registered memory region; Rkey rotates on every fast
// registration per ib_update_fast_reg_key semantics.
type MemoryRegion interface {
	Rkey() uint32
	LocalDMALkey() uint32
	// MapSG posts a fast-registration work request mapping the given
	// byte ranges, returning the IOVA and total length the SGL
	// descriptor should reference, and rotating Rkey().
	MapSG(ctx context.Context, ranges [][]byte) (iova uint64, length uint32, err error)
	Deregister(ctx context.Context) error
}

// QueuePair is one RDMA QP, created 3x-send-factor sized per the reference
// driver's send_wr_factor (MR + SEND + INV per outstanding capsule).
type QueuePair interface {
	// PostSend posts a send work request carrying the capsule at addr
	// of the given length; a non-nil regWR, when present, is chained
	// ahead of the send (fast-registration case). signaled controls
	// whether a send completion is requested for this WR.
	PostSend(ctx context.Context, addr uint64, length uint32, lkey uint32, regWR *RegWR, signaled bool) error
	// PostRecv posts a receive buffer to be filled by the next inbound
	// capsule.
	PostRecv(ctx context.Context, addr uint64, length uint32, lkey uint32) error
	// PostLocalInvalidate posts a LOCAL_INV work request against rkey.
	PostLocalInvalidate(ctx context.Context, rkey uint32) error
	Drain(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// RegWR describes the fast-registration work request chained ahead of a
// send when a request's data mapping needs one.
type RegWR struct {
	MR     MemoryRegion
	Access uint32
}

// CompletionQueue is polled from a dedicated goroutine per queue, standing
// in for IB_POLL_SOFTIRQ context.
type CompletionQueue interface {
	// Poll returns up to max completed work completions. It never
	// blocks; callers loop it from their own poller goroutine.
	Poll(max int) ([]WorkCompletion, error)
	RequestNotification(ctx context.Context) error
}

// WorkCompletionStatus mirrors ib_wc_status's success/failure distinction;
// this core does not need the full enum, only success vs not.
type WorkCompletionStatus int

const (
	WCSuccess WorkCompletionStatus = iota
	WCError
)

// WorkCompletion is one entry returned from CompletionQueue.Poll. For a
// WCOpcodeRecv completion, Completion carries the 16-byte NVMe completion
// entry the peer wrote into the receive buffer — the verbs layer does not
// interpret it, the transport core decodes it.
type WorkCompletion struct {
	Status          WorkCompletionStatus
	Opcode          WCOpcode
	WRID            uint64
	ByteLen         uint32
	WithInvalidate  bool
	InvalidatedRkey uint32
	Completion      []byte
}

// WCOpcode distinguishes which kind of work request this completion
// reports on, so the poller can dispatch to the right handler the way the
// reference driver dispatches on cqe->done.
type WCOpcode int

const (
	WCOpcodeSend WCOpcode = iota
	WCOpcodeRecv
	WCOpcodeRegMR
	WCOpcodeLocalInv
)

// ConnectionManager abstracts rdma_create_id/resolve_addr/resolve_route/
// connect/disconnect/destroy_id and event delivery.
type ConnectionManager interface {
	CreateID(ctx context.Context, handler func(CMEvent)) (ConnID, error)
}

// ConnID is one rdma_cm_id, bound 1:1 to a Queue.
type ConnID interface {
	ResolveAddr(ctx context.Context, addr string, port int, timeoutMS int) error
	ResolveRoute(ctx context.Context, timeoutMS int) error
	Connect(ctx context.Context, param ConnParam) error
	Disconnect(ctx context.Context) error
	Destroy(ctx context.Context) error
	// Device returns the HCA this connection resolved onto, valid after
	// EventAddrResolved.
	Device() Device
	CreateQP(ctx context.Context, pd ProtectionDomain, cq CompletionQueue, maxSendWR, maxRecvWR int) (QueuePair, error)
	CreateCQ(ctx context.Context, size int) (CompletionQueue, error)
}
