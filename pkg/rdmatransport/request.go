package rdmatransport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/verbs"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/wire"
)

// Direction is the data transfer direction of a request, needed by the
// data mapping policy because the inline fast path only ever applies to
// host-to-controller writes.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionRead
	DirectionWrite
)

// Request is the per-command scratch state threaded from submit() through
// to complete_rq(): its tag indexes the capsule ring slot it claimed, its
// buffer is the data payload (a single contiguous range — SG-list
// chaining beyond one remote key or one inline segment is out of scope),
// and NeedInval/MR record whether the data mapping used fast registration
// and therefore needs a LOCAL_INV before the request can complete.
type Request struct {
	Tag         int
	ByteCount   uint32
	Direction   Direction
	Flush       bool
	Buffer      []byte
	CDW10_15    [6]uint32
	Opcode      uint8
	NSID        uint32

	// WireCommandID overrides the command id placed on the wire, used
	// only by the admin queue's async event request: its ring slot
	// (Tag) still has to be a real, otherwise-ordinary capsule ring
	// index, but its wire command id must be the reserved
	// wire.AsyncEventCommandID sentinel so the completion path can
	// route it separately from ordinary admin completions.
	WireCommandID *wire.CommandID

	// set by the data mapping policy
	mapping    string // "null", "inline", "single_key", "fast_reg"
	sgl        wire.SGLDescriptor
	regWR      *verbs.RegWR
	needInval  bool
	mr         verbs.MemoryRegion

	submittedAt time.Time
}

// mapData implements the four-case data mapping policy: null SGL for
// requests without a payload, in-capsule inline data for small writes on
// I/O queues, the device's single remote key when register_always is not
// set, and fast registration (with its own rotating rkey) otherwise. Order
// matters: inline is tried before the register_always check, exactly as
// the reference driver does, so a small write always takes the cheapest
// path available regardless of the module's fast-reg-always setting.
func mapData(ctx context.Context, req *Request, q *Queue) error {
	if req.ByteCount == 0 {
		req.mapping = "null"
		req.sgl = wire.NewNull()
		return nil
	}

	if req.Direction == DirectionWrite &&
		int(req.ByteCount) <= q.inlineDataSize &&
		!q.isAdmin() {
		req.mapping = "inline"
		req.sgl = wire.NewInlineOffset(uint64(q.ctrl.icdoffBytes()), req.ByteCount)
		return nil
	}

	if !q.registerAlways {
		mr := q.device.dmaMR
		if mr == nil {
			return fmt.Errorf("data mapping: single-key path requires a bulk DMA MR but none is registered")
		}
		req.mapping = "single_key"
		req.mr = mr
		req.sgl = wire.NewKeyedDataBlock(fakeDMAAddress(req.Buffer), req.ByteCount, mr.Rkey(), false)
		return nil
	}

	mr, err := q.device.pd.AllocMR(ctx, q.maxFastRegPages)
	if err != nil {
		return fmt.Errorf("data mapping: allocate fast-reg MR: %w", err)
	}
	iova, length, err := mr.MapSG(ctx, [][]byte{req.Buffer})
	if err != nil {
		return fmt.Errorf("data mapping: map fast-reg sg: %w", err)
	}
	req.mapping = "fast_reg"
	req.mr = mr
	req.needInval = true
	req.regWR = &verbs.RegWR{MR: mr, Access: regAccessLocalWriteRemoteRW}
	req.sgl = wire.NewKeyedDataBlock(iova, length, mr.Rkey(), true)
	return nil
}

const regAccessLocalWriteRemoteRW = 0x1 | 0x4 | 0x8 // LOCAL_WRITE | REMOTE_READ | REMOTE_WRITE

var dmaAddrCounter uint64

// fakeDMAAddress stands in for the bus address ib_dma_map_sg would return
// for buf. The verbs interface in this core never dereferences addresses
// itself (a real binding owns the DMA mapping); submit only needs a stable
// value to place in the wire SGL descriptor.
func fakeDMAAddress(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return atomic.AddUint64(&dmaAddrCounter, uint64(len(buf))+1)
}
