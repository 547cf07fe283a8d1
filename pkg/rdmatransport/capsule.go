package rdmatransport

import (
	"fmt"
	"sync"

	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/wire"
)

// capsuleRing is the fixed-size, preallocated set of send/receive buffers
// for one queue. Every slot is sized to the queue's negotiated capsule
// length (cmnd_capsule_len) and indexed by command id, so the hot path
// never allocates: submit() claims a slot by tag, completion path returns
// it by the same tag.
//
// sendBuf[i] carries the host->controller command; recvBuf[i] is posted as
// a receive buffer up front and refilled after every completion.
type capsuleRing struct {
	mu          sync.Mutex
	capsuleLen  int
	sendBuf     [][]byte
	recvBuf     [][]byte
	free        []bool
	sigCount    uint8
}

// newCapsuleRing preallocates size slots of capsuleLen bytes each for both
// the send and receive rings.
func newCapsuleRing(size, capsuleLen int) *capsuleRing {
	r := &capsuleRing{
		capsuleLen: capsuleLen,
		sendBuf:    make([][]byte, size),
		recvBuf:    make([][]byte, size),
		free:       make([]bool, size),
	}
	for i := range r.sendBuf {
		r.sendBuf[i] = make([]byte, capsuleLen)
		r.recvBuf[i] = make([]byte, capsuleLen)
		r.free[i] = true
	}
	return r
}

// size returns the number of capsule slots in the ring.
func (r *capsuleRing) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sendBuf)
}

// inUse returns the number of slots currently claimed, for the
// capsule_ring_in_use gauge.
func (r *capsuleRing) inUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.free {
		if !f {
			n++
		}
	}
	return n
}

// claim marks slot tag in use and returns its send buffer. The block-layer
// tag allocator is external (out of scope): callers always already hold a
// valid tag before calling submit.
func (r *capsuleRing) claim(tag int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tag < 0 || tag >= len(r.sendBuf) {
		return nil, fmt.Errorf("capsule ring: tag %d out of range [0,%d)", tag, len(r.sendBuf))
	}
	if !r.free[tag] {
		return nil, fmt.Errorf("capsule ring: tag %d already in use", tag)
	}
	r.free[tag] = false
	return r.sendBuf[tag], nil
}

// release returns slot tag to the free pool once its completion has been
// delivered to the caller.
func (r *capsuleRing) release(tag int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tag >= 0 && tag < len(r.free) {
		r.free[tag] = true
	}
}

// recvSlot returns the pre-posted receive buffer for tag, refilled by the
// completion path after every recv_done.
func (r *capsuleRing) recvSlot(tag int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recvBuf[tag]
}

// shouldSignal applies the periodic-plus-flush signaling policy: one in
// config.SignalEvery sends is signaled regardless, and every flush command
// is always signaled, matching the reference driver's
// `(++sig_count % 32) == 0 || flush` rule. The modulus counter is the
// ring's own monotonic counter, not per-request state.
func (r *capsuleRing) shouldSignal(flush bool, every uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigCount++
	return flush || (r.sigCount%every) == 0
}

// decodeCompletion parses the 16-byte completion wire format out of a
// receive slot.
func decodeCompletion(buf []byte) wire.Completion {
	return wire.Completion{
		DWord0:    uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24,
		SQHead:    uint16(buf[8]) | uint16(buf[9])<<8,
		SQID:      uint16(buf[10]) | uint16(buf[11])<<8,
		CommandID: wire.CommandID(uint16(buf[12]) | uint16(buf[13])<<8),
		RawStatus: uint16(buf[14]) | uint16(buf[15])<<8,
	}
}
