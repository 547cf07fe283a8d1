package rdmatransport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/verbs/simverbs"
)

// queueForMapping builds a minimal Queue with a live device entry, enough
// to exercise mapData without running the full CM handshake.
func queueForMapping(t *testing.T, registerAlways bool, inlineDataSize int) *Queue {
	t.Helper()
	fabric := simverbs.NewFabric()
	dev := fabric.Device("default")
	ctx := context.Background()

	reg := newDeviceRegistry()
	entry, err := reg.findOrCreate(ctx, dev, registerAlways)
	require.NoError(t, err)

	return &Queue{
		ctrl:            &Controller{},
		idx:             1,
		queueSize:       8,
		capsuleLen:      64,
		inlineDataSize:  inlineDataSize,
		maxFastRegPages: 16,
		registerAlways:  registerAlways,
		device:          entry,
		pd:              entry.pd,
		requests:        make(map[int]*Request),
	}
}

func TestMapDataNullForZeroByteCount(t *testing.T) {
	q := queueForMapping(t, false, 32)
	req := &Request{Tag: 0, ByteCount: 0}
	require.NoError(t, mapData(context.Background(), req, q))
	assert.Equal(t, "null", req.mapping)
}

func TestMapDataInlinePreferredOverSingleKeyForSmallWrites(t *testing.T) {
	q := queueForMapping(t, false, 32)
	req := &Request{Tag: 0, ByteCount: 16, Direction: DirectionWrite, Buffer: make([]byte, 16)}
	require.NoError(t, mapData(context.Background(), req, q))
	assert.Equal(t, "inline", req.mapping, "a small write must take the inline path even though register_always is false")
}

func TestMapDataInlineNotUsedOnAdminQueue(t *testing.T) {
	q := queueForMapping(t, false, 32)
	q.idx = 0 // admin queue
	req := &Request{Tag: 0, ByteCount: 16, Direction: DirectionWrite, Buffer: make([]byte, 16)}
	require.NoError(t, mapData(context.Background(), req, q))
	assert.Equal(t, "single_key", req.mapping, "the inline path never applies to the admin queue")
}

func TestMapDataInlineNotUsedForReads(t *testing.T) {
	q := queueForMapping(t, false, 32)
	req := &Request{Tag: 0, ByteCount: 16, Direction: DirectionRead, Buffer: make([]byte, 16)}
	require.NoError(t, mapData(context.Background(), req, q))
	assert.Equal(t, "single_key", req.mapping, "reads never use the inline path regardless of size")
}

func TestMapDataSingleKeyWhenNotRegisterAlways(t *testing.T) {
	q := queueForMapping(t, false, 32)
	req := &Request{Tag: 0, ByteCount: 4096, Direction: DirectionRead, Buffer: make([]byte, 4096)}
	require.NoError(t, mapData(context.Background(), req, q))
	assert.Equal(t, "single_key", req.mapping)
	assert.False(t, req.needInval)
}

func TestMapDataFastRegWhenRegisterAlways(t *testing.T) {
	q := queueForMapping(t, true, 32)
	req := &Request{Tag: 0, ByteCount: 4096, Direction: DirectionRead, Buffer: make([]byte, 4096)}
	require.NoError(t, mapData(context.Background(), req, q))
	assert.Equal(t, "fast_reg", req.mapping)
	assert.True(t, req.needInval, "fast-registration requests must be marked for a LOCAL_INV on completion")
	assert.NotNil(t, req.regWR)
}

func TestMapDataInlineWinsOverRegisterAlways(t *testing.T) {
	// Inline is tried before the register_always gate, so a small write
	// still takes the inline path even when register_always would
	// otherwise force fast registration.
	q := queueForMapping(t, true, 32)
	req := &Request{Tag: 0, ByteCount: 16, Direction: DirectionWrite, Buffer: make([]byte, 16)}
	require.NoError(t, mapData(context.Background(), req, q))
	assert.Equal(t, "inline", req.mapping)
}
