package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedDataBlockRoundTripCarriesRemoteKey(t *testing.T) {
	d := NewKeyedDataBlock(0xdeadbeefcafe, 4096, 0x1234abcd, false)

	buf := make([]byte, 16)
	d.Encode(buf)

	got := DecodeSGLDescriptor(buf)
	assert.Equal(t, d.Address, got.Address)
	assert.Equal(t, d.Length, got.Length)
	assert.Equal(t, uint32(0x1234abcd), got.Key, "the remote key must survive the wire round trip")
	assert.Equal(t, d.Type, got.Type)
}

func TestKeyedDataBlockInvalidateSubtype(t *testing.T) {
	d := NewKeyedDataBlock(0x1000, 1<<20, 0x42, true)
	assert.Equal(t, uint8(SGLSubtypeInvalidate), d.Type&0x0f)
}

func TestInlineOffsetDescriptorHasNoKey(t *testing.T) {
	d := NewInlineOffset(0, 512)
	buf := make([]byte, 16)
	d.Encode(buf)

	got := DecodeSGLDescriptor(buf)
	assert.Equal(t, uint64(0), got.Address)
	assert.Equal(t, uint32(512), got.Length)
	assert.Equal(t, uint32(0), got.Key)
}

func TestNullDescriptorRoundTrip(t *testing.T) {
	d := NewNull()
	buf := make([]byte, 16)
	d.Encode(buf)

	got := DecodeSGLDescriptor(buf)
	assert.Equal(t, uint64(0), got.Address)
	assert.Equal(t, uint32(0), got.Length)
	assert.Equal(t, uint32(0), got.Key)
}
