package rdmatransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapsuleRingClaimRelease(t *testing.T) {
	r := newCapsuleRing(4, 64)
	assert.Equal(t, 4, r.size())
	assert.Equal(t, 0, r.inUse())

	buf, err := r.claim(1)
	require.NoError(t, err)
	assert.Len(t, buf, 64)
	assert.Equal(t, 1, r.inUse())

	_, err = r.claim(1)
	assert.Error(t, err, "claiming an already-claimed tag must fail")

	r.release(1)
	assert.Equal(t, 0, r.inUse())

	_, err = r.claim(1)
	assert.NoError(t, err, "a released tag must be claimable again")
}

func TestCapsuleRingClaimOutOfRange(t *testing.T) {
	r := newCapsuleRing(4, 64)
	_, err := r.claim(-1)
	assert.Error(t, err)
	_, err = r.claim(4)
	assert.Error(t, err)
}

func TestCapsuleRingShouldSignal(t *testing.T) {
	r := newCapsuleRing(4, 64)

	signaledCount := 0
	for i := 0; i < 32; i++ {
		if r.shouldSignal(false, 32) {
			signaledCount++
		}
	}
	assert.Equal(t, 1, signaledCount, "exactly one in every 32 non-flush sends should be signaled")

	assert.True(t, r.shouldSignal(true, 32), "a flush command is always signaled regardless of the counter")
}

func TestDecodeCompletionRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	buf[0], buf[1], buf[2], buf[3] = 0x01, 0x02, 0x03, 0x04
	buf[12], buf[13] = 0x07, 0x00 // command id 7
	buf[14], buf[15] = 0x02, 0x00 // raw status, phase bit clear, status code 1

	cqe := decodeCompletion(buf)
	assert.Equal(t, uint32(0x04030201), cqe.DWord0)
	assert.EqualValues(t, 7, cqe.CommandID)
	assert.EqualValues(t, 1, cqe.Status())
	assert.True(t, cqe.IsError())
}
