package rdmatransport

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/srvlab/nvme-rdma-host/internal/worker"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/verbs"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/wire"
)

// pollLoop is the completion-queue poller: it never blocks and never
// takes the controller's state lock, matching the reference driver's
// IB_POLL_SOFTIRQ poll context. Each work completion is dispatched by its
// opcode, the same role `cqe->done` plays in the reference driver for
// non-receive completions.
func (q *Queue) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.poll()
		}
	}
}

// poll drains whatever completions are currently queued, dispatching each
// to its handler, and returns whether any receive completion was found —
// mirroring nvme_rdma_poll's bool-ish return used by a block-layer poll
// queue to decide whether to keep spinning.
func (q *Queue) poll() bool {
	if q.cq == nil {
		return false
	}
	wcs, err := q.cq.Poll(q.queueSize)
	if err != nil {
		klog.Warningf("queue[%d]: poll cq: %v", q.idx, err)
		return false
	}
	found := false
	for _, wc := range wcs {
		switch wc.Opcode {
		case verbs.WCOpcodeRecv:
			q.recvDone(wc)
			found = true
		case verbs.WCOpcodeSend, verbs.WCOpcodeRegMR, verbs.WCOpcodeLocalInv:
			// No further action needed for these completions in
			// this core; a real binding's memreg_done/inv_rkey_done
			// callbacks exist mainly to free verbs-layer bookkeeping
			// this Go layer doesn't need to mirror.
		}
	}
	return found
}

// recvDone implements the completion path: on a failed receive, kick error
// recovery; otherwise decode the completion, route admin-queue async
// events separately from ordinary request completions, and re-post the
// receive buffer so the ring never runs dry.
func (q *Queue) recvDone(wc verbs.WorkCompletion) {
	if wc.Status != verbs.WCSuccess {
		klog.Warningf("queue[%d]: recv completion error", q.idx)
		q.ctrl.errorRecovery("recv_error")
		return
	}

	cqe := decodeCompletion(wc.Completion)

	if q.isAdmin() && cqe.CommandID == wire.AsyncEventCommandID {
		q.completeAsyncEvent(cqe)
	} else {
		q.processResponse(cqe, wc)
	}

	if q.ctrl.metrics != nil {
		class := "success"
		if cqe.IsError() {
			class = "error"
		}
		q.ctrl.metrics.RecordCompletion(class)
	}

	// Re-post the same receive slot; the ring must never run dry.
	if q.qp != nil {
		_ = q.qp.PostRecv(context.Background(), 0, uint32(q.capsuleLen), q.commandBufferLkey())
	}
}

// processResponse looks the completion's command id up against the
// queue's outstanding requests, elides a redundant LOCAL_INV when the
// peer's work completion already carried a remote invalidate of the same
// rkey, and completes the request. A tag that resolves to nothing is
// logged and kicks error recovery rather than panicking — the reference
// driver treats this the same way.
func (q *Queue) processResponse(cqe wire.Completion, wc verbs.WorkCompletion) {
	req, ok := q.lookupRequest(int(cqe.CommandID))
	if !ok {
		klog.Warningf("queue[%d]: completion tag %d not found", q.idx, cqe.CommandID)
		q.ctrl.errorRecovery("tag_not_found")
		return
	}

	if wc.WithInvalidate && req.mr != nil && wc.InvalidatedRkey == req.mr.Rkey() {
		req.needInval = false
		if q.ctrl.metrics != nil {
			q.ctrl.metrics.RecordInvalidateElided()
		}
	}

	q.completeRequest(req, cqe.Status())
}

// completeAsyncEvent handles the admin queue's single outstanding async
// event request: on success or an aborted AEN, re-arm it; a namespace
// change notice additionally schedules a rescan.
func (q *Queue) completeAsyncEvent(cqe wire.Completion) {
	q.forgetRequest(int(AsyncEventTag))
	q.ring.release(int(AsyncEventTag))

	status := cqe.Status()
	if status == wire.StatusSuccess || status == wire.StatusAbortReq {
		q.ctrl.workers.Run(worker.KindAsyncEvent, q.ctrl.runAsyncEventWork)
	}
	if status == wire.StatusSuccess {
		if wire.AsyncEventType(cqe.DWord0) == wire.AERNoticeNamespaceChanged {
			q.ctrl.workers.Run(worker.KindScan, q.ctrl.runScanWork)
		}
	}
}

// unmapData releases whatever the data mapping policy allocated for a
// request once its completion has been processed: a fast-registration
// request whose invalidate wasn't elided by the peer needs an explicit
// LOCAL_INV, matching nvme_rdma_inv_rkey; a request with no data payload
// is a no-op, matching the reference driver's early return for
// blk_rq_bytes(rq) == 0.
func (q *Queue) unmapData(ctx context.Context, req *Request) {
	if req.ByteCount == 0 {
		return
	}
	if req.needInval && req.mr != nil {
		if err := q.qp.PostLocalInvalidate(ctx, req.mr.Rkey()); err != nil {
			klog.Warningf("queue[%d]: local invalidate rkey %d: %v", q.idx, req.mr.Rkey(), err)
			q.ctrl.errorRecovery("local_invalidate_failed")
		}
	}
	if req.mr != nil && req.mapping == "fast_reg" {
		_ = req.mr.Deregister(ctx)
	}
}

// completeRequest is complete_rq: unmap the request's data, return its
// capsule slot to the ring, forget it, and record submit-to-completion
// latency. The caller-facing result (status) is this core's boundary with
// whatever owns the block-layer request object; this core's job ends at
// reporting the NVMe status back.
func (q *Queue) completeRequest(req *Request, status wire.StatusCode) {
	q.unmapData(context.Background(), req)
	q.forgetRequest(req.Tag)
	q.ring.release(req.Tag)

	if q.ctrl.metrics != nil && !req.submittedAt.IsZero() {
		q.ctrl.metrics.ObserveSubmitToCompletion(time.Since(req.submittedAt))
		q.ctrl.metrics.SetCapsuleRingInUse(q.ctrl.name, queueLabel(q.idx), q.ring.inUse())
	}
	klog.V(4).Infof("queue[%d]: request tag=%d status=0x%x complete", q.idx, req.Tag, status)
}
