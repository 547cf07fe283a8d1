// Package simverbs is an in-memory stand-in for the RDMA verbs collaborator
// defined in pkg/rdmatransport/verbs. It lets the transport core's state
// machine, data-mapping policy, and hot path be exercised deterministically
// in tests without a real HCA, the same role the teacher's injectable
// execCommand plays for pkg/nvme's tests.
package simverbs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/verbs"
)

// Fabric is a shared simulated fabric: a set of Devices a ConnectionManager
// resolves addresses onto, plus knobs tests use to inject failures (a
// connect reject, an address-resolution failure).
type Fabric struct {
	mu      sync.Mutex
	devices map[string]*Device

	// RejectNext, when non-zero, makes the next Connect on any ConnID
	// fail with that private-data reject status instead of succeeding.
	RejectNext int
	// FailAddrResolve makes the next ResolveAddr fail.
	FailAddrResolve bool
}

// NewFabric creates a fabric with a single default device, enough for the
// common single-HCA test scenarios.
func NewFabric() *Fabric {
	f := &Fabric{devices: map[string]*Device{}}
	f.devices["default"] = &Device{
		guid: 0x1122334455667788,
		attrs: verbs.DeviceAttrs{
			NodeGUID:              0x1122334455667788,
			MaxQPRdAtom:           16,
			MaxFastRegPageListLen: 512,
			HasMemMgtExtensions:   true,
		},
	}
	return f
}

// Device returns the fabric's named device (for tests asserting registry
// refcounting against a specific handle).
func (f *Fabric) Device(name string) *Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[name]
}

// Device is the simulated HCA.
type Device struct {
	guid  uint64
	attrs verbs.DeviceAttrs
}

func (d *Device) Attrs() verbs.DeviceAttrs { return d.attrs }

func (d *Device) AllocPD(ctx context.Context) (verbs.ProtectionDomain, error) {
	return &protectionDomain{dev: d}, nil
}

type protectionDomain struct {
	dev        *Device
	dmaMR      *memoryRegion
	dmaMRDealt bool
	mu         sync.Mutex
}

func (p *protectionDomain) GetDMAMR(ctx context.Context) (verbs.MemoryRegion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dmaMR == nil {
		p.dmaMR = &memoryRegion{rkey: 0xdeadbeef, lkey: 0xcafef00d}
	}
	return p.dmaMR, nil
}

func (p *protectionDomain) AllocMR(ctx context.Context, maxPages int) (verbs.MemoryRegion, error) {
	return &memoryRegion{rkey: nextRkey(), lkey: nextRkey(), maxPages: maxPages}, nil
}

func (p *protectionDomain) Dealloc(ctx context.Context) error {
	return nil
}

var rkeyCounter uint32 = 1

func nextRkey() uint32 {
	return atomic.AddUint32(&rkeyCounter, 1)
}

type memoryRegion struct {
	mu       sync.Mutex
	rkey     uint32
	lkey     uint32
	maxPages int
	iova     uint64
	length   uint32
}

func (m *memoryRegion) Rkey() uint32         { m.mu.Lock(); defer m.mu.Unlock(); return m.rkey }
func (m *memoryRegion) LocalDMALkey() uint32 { return m.lkey }

func (m *memoryRegion) MapSG(ctx context.Context, ranges [][]byte) (uint64, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint32
	for _, r := range ranges {
		total += uint32(len(r))
	}
	if len(ranges) > m.maxPages && m.maxPages > 0 {
		return 0, 0, fmt.Errorf("simverbs: fast-reg range count %d exceeds max pages %d", len(ranges), m.maxPages)
	}
	// Rotate the rkey, matching ib_update_fast_reg_key on every mapping.
	m.rkey = nextRkey()
	m.iova = uint64(m.rkey) << 32
	m.length = total
	return m.iova, m.length, nil
}

func (m *memoryRegion) Deregister(ctx context.Context) error { return nil }

// ConnectionManager is the simulated rdma_cm.
type ConnectionManager struct {
	fabric *Fabric
}

// NewConnectionManager creates a connection manager bound to fabric.
func NewConnectionManager(fabric *Fabric) *ConnectionManager {
	return &ConnectionManager{fabric: fabric}
}

func (c *ConnectionManager) CreateID(ctx context.Context, handler func(verbs.CMEvent)) (verbs.ConnID, error) {
	return &connID{fabric: c.fabric, handler: handler}, nil
}

type connID struct {
	fabric    *Fabric
	handler   func(verbs.CMEvent)
	device    *Device
	destroyed bool
	mu        sync.Mutex
}

func (c *connID) ResolveAddr(ctx context.Context, addr string, port int, timeoutMS int) error {
	c.fabric.mu.Lock()
	fail := c.fabric.FailAddrResolve
	c.fabric.FailAddrResolve = false
	c.fabric.mu.Unlock()

	if fail {
		c.handler(verbs.CMEvent{Type: verbs.EventAddrError})
		return fmt.Errorf("simverbs: address resolution failed")
	}
	c.device = c.fabric.Device("default")
	c.handler(verbs.CMEvent{Type: verbs.EventAddrResolved})
	return nil
}

func (c *connID) ResolveRoute(ctx context.Context, timeoutMS int) error {
	c.handler(verbs.CMEvent{Type: verbs.EventRouteResolved})
	return nil
}

func (c *connID) Connect(ctx context.Context, param verbs.ConnParam) error {
	c.fabric.mu.Lock()
	rejectStatus := c.fabric.RejectNext
	c.fabric.RejectNext = 0
	c.fabric.mu.Unlock()

	if rejectStatus != 0 {
		priv := make([]byte, 2)
		priv[0] = byte(rejectStatus)
		c.handler(verbs.CMEvent{Type: verbs.EventRejected, RejectReason: rejectStatus, PrivateData: priv})
		return fmt.Errorf("simverbs: connect rejected, status %d", rejectStatus)
	}
	c.handler(verbs.CMEvent{Type: verbs.EventEstablished, ConnParam: param})
	return nil
}

func (c *connID) Disconnect(ctx context.Context) error {
	c.handler(verbs.CMEvent{Type: verbs.EventDisconnected})
	return nil
}

func (c *connID) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	return nil
}

func (c *connID) Device() verbs.Device { return c.device }

func (c *connID) CreateQP(ctx context.Context, pd verbs.ProtectionDomain, cq verbs.CompletionQueue, maxSendWR, maxRecvWR int) (verbs.QueuePair, error) {
	scq, _ := cq.(*CompletionQueue)
	return &QueuePair{cq: scq}, nil
}

func (c *connID) CreateCQ(ctx context.Context, size int) (verbs.CompletionQueue, error) {
	return NewCompletionQueue(size), nil
}

// CompletionQueue is a simple slice-backed completion queue.
type CompletionQueue struct {
	mu      sync.Mutex
	pending []verbs.WorkCompletion
}

// NewCompletionQueue creates an empty simulated CQ.
func NewCompletionQueue(size int) *CompletionQueue {
	return &CompletionQueue{pending: make([]verbs.WorkCompletion, 0, size)}
}

func (q *CompletionQueue) push(wc verbs.WorkCompletion) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, wc)
}

func (q *CompletionQueue) Poll(max int) ([]verbs.WorkCompletion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	n := max
	if n > len(q.pending) {
		n = len(q.pending)
	}
	out := append([]verbs.WorkCompletion(nil), q.pending[:n]...)
	q.pending = q.pending[n:]
	return out, nil
}

func (q *CompletionQueue) RequestNotification(ctx context.Context) error { return nil }

// QueuePair is a simulated QP that loops posted work requests straight
// back onto its completion queue, standing in for a real HCA echoing work
// completions: a completion for each chained registration, each signaled
// send and each local invalidate. Posted receives produce no completion.
// Tests that need to model the peer side (remote invalidate, a failed
// receive) call InjectRecv/InjectRecvError directly.
type QueuePair struct {
	cq        *CompletionQueue
	destroyed int32
	wrSeq     uint64
}

func (qp *QueuePair) PostSend(ctx context.Context, addr uint64, length uint32, lkey uint32, regWR *verbs.RegWR, signaled bool) error {
	qp.wrSeq++
	if regWR != nil {
		qp.cq.push(verbs.WorkCompletion{Status: verbs.WCSuccess, Opcode: verbs.WCOpcodeRegMR, WRID: qp.wrSeq})
	}
	if signaled {
		qp.cq.push(verbs.WorkCompletion{Status: verbs.WCSuccess, Opcode: verbs.WCOpcodeSend, WRID: qp.wrSeq, ByteLen: length})
	}
	return nil
}

func (qp *QueuePair) PostRecv(ctx context.Context, addr uint64, length uint32, lkey uint32) error {
	return nil
}

func (qp *QueuePair) PostLocalInvalidate(ctx context.Context, rkey uint32) error {
	qp.wrSeq++
	qp.cq.push(verbs.WorkCompletion{Status: verbs.WCSuccess, Opcode: verbs.WCOpcodeLocalInv, WRID: qp.wrSeq})
	return nil
}

func (qp *QueuePair) Drain(ctx context.Context) error {
	atomic.StoreInt32(&qp.destroyed, 1)
	return nil
}

func (qp *QueuePair) Destroy(ctx context.Context) error {
	atomic.StoreInt32(&qp.destroyed, 1)
	return nil
}

// InjectRecv delivers a simulated inbound capsule completion carrying the
// given 16-byte NVMe completion entry, optionally with a peer
// remote-invalidate of rkey.
func (qp *QueuePair) InjectRecv(completion []byte, withInvalidate bool, invalidatedRkey uint32) {
	qp.cq.push(verbs.WorkCompletion{
		Status:          verbs.WCSuccess,
		Opcode:          verbs.WCOpcodeRecv,
		ByteLen:         uint32(len(completion)),
		WithInvalidate:  withInvalidate,
		InvalidatedRkey: invalidatedRkey,
		Completion:      completion,
	})
}

// InjectRecvError delivers a failed receive completion, the trigger for
// error recovery on the completion path.
func (qp *QueuePair) InjectRecvError() {
	qp.cq.push(verbs.WorkCompletion{Status: verbs.WCError, Opcode: verbs.WCOpcodeRecv})
}
