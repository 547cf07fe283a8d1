package rdmatransport

import (
	"context"
	"fmt"
	"time"

	rdmaerrors "github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/errors"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/config"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/wire"
)

// ErrBusy is returned by Submit when the queue has no free capsule slot or
// the posted send itself fails; both are transient backpressure signals
// the caller (the block-layer tag allocator, external to this core) should
// retry rather than treat as an error.
var ErrBusy = fmt.Errorf("rdmatransport: queue busy")

// Submit is the hot path: claim the request's already-assigned tag's
// capsule slot, run the data mapping policy, build and encode the
// command, and post it. It never allocates beyond what the capsule ring
// and a fast-registration MR (when that path is chosen) already own, and
// never takes the controller's state lock — only the queue's own
// bookkeeping lock, held briefly.
func (q *Queue) Submit(ctx context.Context, req *Request) error {
	if !q.connected.isSet() {
		return rdmaerrors.New(rdmaerrors.CategoryProgrammerError, "queue.submit", rdmaerrors.ErrQueueNotConnected)
	}

	sendBuf, err := q.ring.claim(req.Tag)
	if err != nil {
		if q.ctrl.metrics != nil {
			q.ctrl.metrics.RecordSubmit("busy")
		}
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}

	if err := mapData(ctx, req, q); err != nil {
		q.ring.release(req.Tag)
		if q.ctrl.metrics != nil {
			q.ctrl.metrics.RecordSubmit("map_error")
		}
		return fmt.Errorf("queue.submit: %w", err)
	}

	commandID := wire.CommandID(req.Tag)
	if req.WireCommandID != nil {
		commandID = *req.WireCommandID
	}
	cmd := wire.Command{
		Opcode:    req.Opcode,
		Flags:     wire.CommandFlagSGL,
		CommandID: commandID,
		NSID:      req.NSID,
		Data:      req.sgl,
		CDW10_15:  req.CDW10_15,
	}
	cmd.Encode(sendBuf)

	if err := q.claimRequest(req); err != nil {
		q.unmapLocked(ctx, req)
		q.ring.release(req.Tag)
		return err
	}
	req.submittedAt = time.Now()

	signaled := q.ring.shouldSignal(req.Flush, config.SignalEvery)
	lkey := q.commandBufferLkey()

	if err := q.qp.PostSend(ctx, fakeDMAAddress(sendBuf), uint32(len(sendBuf)), lkey, req.regWR, signaled); err != nil {
		q.forgetRequest(req.Tag)
		q.unmapLocked(ctx, req)
		q.ring.release(req.Tag)
		if q.ctrl.metrics != nil {
			q.ctrl.metrics.RecordSubmit("post_send_error")
		}
		return fmt.Errorf("%w: post_send: %v", ErrBusy, err)
	}

	if q.ctrl.metrics != nil {
		q.ctrl.metrics.RecordSubmit("ok")
		q.ctrl.metrics.RecordMapping(req.mapping)
		q.ctrl.metrics.SetCapsuleRingInUse(q.ctrl.name, queueLabel(q.idx), q.ring.inUse())
	}
	return nil
}

func (q *Queue) commandBufferLkey() uint32 {
	if q.device != nil && q.device.dmaMR != nil {
		return q.device.dmaMR.LocalDMALkey()
	}
	return 0
}

func queueLabel(idx int) string {
	if idx == 0 {
		return "admin"
	}
	return fmt.Sprintf("io%d", idx)
}

// unmapLocked releases whatever resources mapData acquired for a request
// that never made it onto the wire (submit-time failure path), without
// the LOCAL_INV dance unmap_data performs for requests the completion
// path is cleaning up.
func (q *Queue) unmapLocked(ctx context.Context, req *Request) {
	if req.mr != nil && req.mapping == "fast_reg" {
		_ = req.mr.Deregister(ctx)
	}
}
