package rdmatransport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	rdmaerrors "github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/errors"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/config"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/verbs"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/wire"
)

// sendWRFactor is the number of send-queue work requests provisioned per
// outstanding capsule: one for the command itself, one for a possible
// fast-registration MR, one for a possible local-invalidate.
const sendWRFactor = 3

// connectedFlag backs the idempotent-teardown bit: free() only tears
// a queue down once, the first caller to clear it wins.
type connectedFlag struct{ v int32 }

func (f *connectedFlag) set()           { atomic.StoreInt32(&f.v, 1) }
func (f *connectedFlag) testAndClear() bool {
	return atomic.SwapInt32(&f.v, 0) == 1
}
func (f *connectedFlag) isSet() bool { return atomic.LoadInt32(&f.v) == 1 }

// Queue is one RDMA queue pair bound to a controller: the admin queue
// (idx == 0) or one of the controller's I/O queues. It owns its capsule
// ring, its connection-manager handle, and the connected flag that gates
// idempotent teardown.
type Queue struct {
	ctrl  *Controller
	idx   int
	cm    verbs.ConnectionManager

	queueSize       int
	capsuleLen      int
	inlineDataSize  int
	maxFastRegPages int
	registerAlways  bool

	mu        sync.Mutex
	connID    verbs.ConnID
	device    *deviceEntry
	pd        verbs.ProtectionDomain
	qp        verbs.QueuePair
	cq        verbs.CompletionQueue
	ring      *capsuleRing
	requests  map[int]*Request

	connected connectedFlag
	cmDone    chan verbs.CMEvent
	cmErr     error

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func (q *Queue) isAdmin() bool { return q.idx == 0 }

// newQueue allocates a Queue's in-memory state (capsule ring, bookkeeping)
// without touching the fabric; connect() does the CM handshake.
func newQueue(ctrl *Controller, idx, queueSize int, cm verbs.ConnectionManager) *Queue {
	capsuleLen := ctrl.cmndCapsuleLen(idx)
	inlineDataSize := capsuleLen - config.CommandSize
	if inlineDataSize < 0 {
		inlineDataSize = 0
	}
	return &Queue{
		ctrl:            ctrl,
		idx:             idx,
		cm:              cm,
		queueSize:       queueSize,
		capsuleLen:      capsuleLen,
		inlineDataSize:  inlineDataSize,
		maxFastRegPages: ctrl.maxFRPages,
		registerAlways:  ctrl.moduleOpts.RegisterAlways || ctrl.opts.RegisterAlways,
		requests:        make(map[int]*Request),
		cmDone:          make(chan verbs.CMEvent, 1),
	}
}

// connect runs the full CM handshake for this queue: create_id, resolve
// address, resolve route, connect, and wait for ESTABLISHED, exactly the
// sequence the reference driver's nvme_rdma_init_queue performs. On any
// failure the queue is left unconnected and the caller must not call free
// a second time on the same path — connect tears down what it allocated
// itself on failure.
func (q *Queue) connect(ctx context.Context, addr string, port int) error {
	connID, err := q.cm.CreateID(ctx, q.handleCMEvent)
	if err != nil {
		return rdmaerrors.New(rdmaerrors.CategoryTransient, "queue.connect: create_id", err)
	}
	q.mu.Lock()
	q.connID = connID
	q.mu.Unlock()

	if err := connID.ResolveAddr(ctx, addr, port, config.ConnectTimeoutMS); err != nil {
		return rdmaerrors.New(rdmaerrors.CategoryTransient, "queue.connect: resolve_addr", err)
	}
	if err := q.waitForCM(ctx, config.ConnectTimeoutMS); err != nil {
		return err
	}

	dev := connID.Device()
	entry, err := q.ctrl.devices.findOrCreate(ctx, dev, q.registerAlways)
	if err != nil {
		return rdmaerrors.New(rdmaerrors.CategoryProtocol, "queue.connect: device registry", err)
	}
	q.mu.Lock()
	q.device = entry
	q.pd = entry.pd
	q.mu.Unlock()

	cq, err := connID.CreateCQ(ctx, cqSize(q.queueSize))
	if err != nil {
		return rdmaerrors.New(rdmaerrors.CategoryTransient, "queue.connect: create_cq", err)
	}
	qp, err := connID.CreateQP(ctx, entry.pd, cq, sendWRFactor*q.queueSize+1, q.queueSize+1)
	if err != nil {
		return rdmaerrors.New(rdmaerrors.CategoryTransient, "queue.connect: create_qp", err)
	}
	q.mu.Lock()
	q.cq = cq
	q.qp = qp
	q.ring = newCapsuleRing(q.queueSize, q.capsuleLen)
	q.mu.Unlock()

	if err := connID.ResolveRoute(ctx, config.ConnectTimeoutMS); err != nil {
		return rdmaerrors.New(rdmaerrors.CategoryTransient, "queue.connect: resolve_route", err)
	}
	if err := q.waitForCM(ctx, config.ConnectTimeoutMS); err != nil {
		return err
	}

	priv := wire.ConnectPrivateData{
		RecFmt:  wire.RecFmt1_0,
		QID:     uint16(q.idx),
		HRQSize: uint16(q.queueSize),
		HSQSize: uint16(q.queueSize),
	}
	param := verbs.ConnParam{
		ResponderResources: dev.Attrs().MaxQPRdAtom,
		RetryCount:         clampRetryCount(q.ctrl.opts.TLRetryCount),
		RNRRetryCount:      7,
		PrivateData:        priv.Encode(),
	}
	if err := connID.Connect(ctx, param); err != nil {
		return classifyConnectErr(err)
	}
	if err := q.waitForCM(ctx, 0); err != nil {
		return err
	}

	// Post the entire receive ring before the first send so no inbound
	// capsule ever arrives with nowhere to land.
	for i := 0; i < q.queueSize; i++ {
		if err := qp.PostRecv(ctx, 0, uint32(q.capsuleLen), q.commandBufferLkey()); err != nil {
			return rdmaerrors.New(rdmaerrors.CategoryTransient, "queue.connect: post_recv", err)
		}
	}

	q.connected.set()
	q.startPoller()
	klog.V(2).Infof("queue[%d]: connected (capsule_len=%d inline=%d)", q.idx, q.capsuleLen, q.inlineDataSize)
	return nil
}

func clampRetryCount(n int) uint8 {
	if n > 7 {
		return 7
	}
	if n < 0 {
		return 0
	}
	return uint8(n)
}

func cqSize(queueSize int) int {
	return (sendWRFactor+1)*queueSize + 1
}

// waitForCM blocks for the next CM event delivered to this queue's
// handler, applying timeoutMS when non-zero (ESTABLISHED/REJECTED have no
// timeout in the reference driver; address/route resolution do).
func (q *Queue) waitForCM(ctx context.Context, timeoutMS int) error {
	var timeout <-chan time.Time
	if timeoutMS > 0 {
		t := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case ev := <-q.cmDone:
		return q.cmErrorFromEvent(ev)
	case <-timeout:
		return rdmaerrors.New(rdmaerrors.CategoryTransient, "queue.connect: cm wait", rdmaerrors.ErrTimedOut)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) cmErrorFromEvent(ev verbs.CMEvent) error {
	switch ev.Type {
	case verbs.EventAddrResolved, verbs.EventRouteResolved, verbs.EventEstablished:
		return nil
	case verbs.EventRejected:
		return classifyReject(ev)
	default:
		return rdmaerrors.New(rdmaerrors.CategoryTransient, "queue.connect: cm event", rdmaerrors.ErrConnReset)
	}
}

func classifyReject(ev verbs.CMEvent) error {
	if _, err := wire.DecodeRejectPrivateData(ev.PrivateData); err != nil {
		// Unparseable or short private data: per the documented
		// behavior this is surfaced identically to ECONNRESET.
		return rdmaerrors.New(rdmaerrors.CategoryTransient, "queue.connect: reject (unparseable private data)", rdmaerrors.ErrConnReset)
	}
	return rdmaerrors.New(rdmaerrors.CategoryTransient, "queue.connect: reject", rdmaerrors.ErrConnReset)
}

func classifyConnectErr(err error) error {
	return rdmaerrors.New(rdmaerrors.CategoryTransient, "queue.connect: connect", err)
}

// handleCMEvent is registered with the connection manager and invoked from
// its dispatch goroutine. Gate events (address/route resolved,
// established, rejected) are forwarded to whoever is waiting in
// waitForCM; disconnect-class events instead kick the controller's error
// recovery directly, since nothing is blocked waiting on them once the
// queue is up. DEVICE_REMOVAL runs the asymmetric unplug protocol.
func (q *Queue) handleCMEvent(ev verbs.CMEvent) {
	switch ev.Type {
	case verbs.EventAddrResolved, verbs.EventRouteResolved, verbs.EventEstablished, verbs.EventRejected,
		verbs.EventAddrError, verbs.EventRouteError, verbs.EventConnectError, verbs.EventUnreachable:
		select {
		case q.cmDone <- ev:
		default:
		}
	case verbs.EventDisconnected, verbs.EventAddrChange, verbs.EventTimewaitExit:
		klog.V(2).Infof("queue[%d]: cm event %v, kicking error recovery", q.idx, ev.Type)
		q.ctrl.errorRecovery("cm_event")
	case verbs.EventDeviceRemoval:
		q.ctrl.deviceUnplug(q)
	default:
		q.ctrl.errorRecovery("cm_event_unknown")
	}
}

// free idempotently tears the queue down: disconnect, drain the QP, tear
// down the CQ/QP, destroy the cm_id, and release the device registry
// entry. Only the first caller to observe the connected flag still set
// does any work; everyone else's call is a no-op, matching
// `test_and_clear_bit(NVME_RDMA_Q_CONNECTED, ...)`.
func (q *Queue) free(ctx context.Context) error {
	if !q.connected.testAndClear() {
		return nil
	}
	q.stopPoller()

	q.mu.Lock()
	connID, qp, device := q.connID, q.qp, q.device
	q.mu.Unlock()

	if connID != nil {
		if err := connID.Disconnect(ctx); err != nil {
			klog.Warningf("queue[%d]: disconnect: %v", q.idx, err)
		}
	}
	if qp != nil {
		if err := qp.Drain(ctx); err != nil {
			klog.Warningf("queue[%d]: drain qp: %v", q.idx, err)
		}
		if err := qp.Destroy(ctx); err != nil {
			klog.Warningf("queue[%d]: destroy qp: %v", q.idx, err)
		}
	}
	if connID != nil {
		if err := connID.Destroy(ctx); err != nil {
			klog.Warningf("queue[%d]: destroy cm_id: %v", q.idx, err)
		}
	}
	if device != nil {
		if err := q.ctrl.devices.put(ctx, device.device.Attrs().NodeGUID); err != nil {
			klog.Warningf("queue[%d]: device put: %v", q.idx, err)
		}
	}
	klog.V(2).Infof("queue[%d]: freed", q.idx)
	return nil
}

// deviceUnplugTeardown performs everything free() does except destroying
// the cm_id itself, used by the asymmetric device-unplug protocol where
// the connection manager destroys the cm_id on our behalf after our event
// handler returns.
func (q *Queue) deviceUnplugTeardown(ctx context.Context) {
	if !q.connected.testAndClear() {
		return
	}
	q.stopPoller()

	q.mu.Lock()
	connID, qp, device := q.connID, q.qp, q.device
	q.mu.Unlock()

	if connID != nil {
		if err := connID.Disconnect(ctx); err != nil {
			klog.Warningf("queue[%d]: unplug disconnect: %v", q.idx, err)
		}
	}
	if qp != nil {
		_ = qp.Drain(ctx)
		_ = qp.Destroy(ctx)
	}
	if device != nil {
		_ = q.ctrl.devices.put(ctx, device.device.Attrs().NodeGUID)
	}
}

// startPoller launches the completion-queue poll loop, standing in for the
// IB_POLL_SOFTIRQ poller context: it never blocks, never allocates, and
// never takes the controller's state lock.
func (q *Queue) startPoller() {
	ctx, cancel := context.WithCancel(context.Background())
	q.pollCancel = cancel
	q.pollDone = make(chan struct{})
	go func() {
		defer close(q.pollDone)
		q.pollLoop(ctx)
	}()
}

func (q *Queue) stopPoller() {
	if q.pollCancel != nil {
		q.pollCancel()
		<-q.pollDone
	}
}

func (q *Queue) claimRequest(req *Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.connected.isSet() {
		return rdmaerrors.New(rdmaerrors.CategoryProgrammerError, "queue.submit", rdmaerrors.ErrQueueNotConnected)
	}
	q.requests[req.Tag] = req
	return nil
}

func (q *Queue) lookupRequest(tag int) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[tag]
	return req, ok
}

func (q *Queue) forgetRequest(tag int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.requests, tag)
}

// cancelAllRequests removes every outstanding request from the queue's
// request map and returns them, for error recovery and shutdown to cancel;
// it does not complete them or release their capsule slots itself, and dnr
// is not consulted.
func (q *Queue) cancelAllRequests(dnr bool) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Request, 0, len(q.requests))
	for tag, req := range q.requests {
		out = append(out, req)
		delete(q.requests, tag)
	}
	return out
}
