// Package wire defines the fixed, externally-specified byte layouts this
// core must produce and parse: the 64-byte NVMe command, the 16-byte NVMe
// completion, and the 16-byte SGL descriptor used to describe a request's
// data buffer in-capsule. These layouts are not ours to redesign; they come
// from the NVMe base specification and are reproduced here only to the
// depth the transport core actually touches (command id, opcode, SGL
// encoding, completion status) — register-level layouts (CAP/CC/CSTS) stay
// out of scope, matched against an external collaborator instead.
package wire

import "encoding/binary"

// SGLDescriptorType identifies the SGL descriptor encodings a command can
// carry in its data pointer.
type SGLDescriptorType uint8

const (
	SGLTypeDataBlock      SGLDescriptorType = 0x0
	SGLTypeBitBucket      SGLDescriptorType = 0x1
	SGLTypeSegment        SGLDescriptorType = 0x2
	SGLTypeLastSegment    SGLDescriptorType = 0x3
	SGLTypeKeyedDataBlock SGLDescriptorType = 0x4
	SGLTypeVendorSpecific SGLDescriptorType = 0xf
)

// SGLDescriptorSubtype is the low nibble of the descriptor's type byte.
type SGLDescriptorSubtype uint8

const (
	SGLSubtypeAddress    SGLDescriptorSubtype = 0x0
	SGLSubtypeOffset     SGLDescriptorSubtype = 0x1
	SGLSubtypeInvalidate SGLDescriptorSubtype = 0xf
)

// CommandFlagSGL marks a command's data pointer as SGL-formatted rather
// than PRP-formatted (common.flags bit 6 in the original layout).
const CommandFlagSGL = 1 << 6

// SGLDescriptor is the 16-byte in-capsule data pointer. Address is always
// little-endian at bytes 0-7; Type packs (subtype:4 | type:4) into byte 15,
// matching the base spec's bitfield layout. The remaining seven bytes carry
// either a plain 32-bit Length (data-block/inline descriptors, bytes 8-11,
// bytes 12-14 reserved) or a 24-bit Length plus a 32-bit remote Key (keyed
// data-block descriptors, bytes 8-10 and 11-14 respectively) — the same
// layout `nvme_rdma_map_sg_single`/`nvme_rdma_map_sg_fr` write with
// `put_unaligned_le24`/`put_unaligned_le32`. Encode/Decode pick the layout
// from Type so callers never have to.
type SGLDescriptor struct {
	Address uint64
	Length  uint32
	// Key is the remote key the peer must use to access Address, set only
	// on keyed data-block descriptors (single-remote-key and
	// fast-registration mappings); zero and unused otherwise.
	Key uint32
	// Type encodes (DescriptorType<<4 | Subtype) as the spec lays the
	// byte out: low nibble is the type-specific subfield, high nibble is
	// the descriptor type.
	Type uint8
}

func (d SGLDescriptor) isKeyed() bool {
	return SGLDescriptorType(d.Type>>4) == SGLTypeKeyedDataBlock
}

// Encode writes the 16-byte wire representation of d into buf, which must
// be at least 16 bytes.
func (d SGLDescriptor) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], d.Address)
	if d.isKeyed() {
		putUint24(buf[8:11], d.Length)
		binary.LittleEndian.PutUint32(buf[11:15], d.Key)
	} else {
		binary.LittleEndian.PutUint32(buf[8:12], d.Length)
		buf[12], buf[13], buf[14] = 0, 0, 0
	}
	buf[15] = d.Type
}

// DecodeSGLDescriptor reads a 16-byte SGL descriptor out of buf.
func DecodeSGLDescriptor(buf []byte) SGLDescriptor {
	d := SGLDescriptor{
		Address: binary.LittleEndian.Uint64(buf[0:8]),
		Type:    buf[15],
	}
	if d.isKeyed() {
		d.Length = getUint24(buf[8:11])
		d.Key = binary.LittleEndian.Uint32(buf[11:15])
	} else {
		d.Length = binary.LittleEndian.Uint32(buf[8:12])
	}
	return d
}

func putUint24(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
}

func getUint24(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
}

// NewKeyedDataBlock builds the single-remote-key or fast-registration
// descriptor: address/length identify the registered buffer, key is the
// rkey the peer must use, and invalidate marks whether the peer should
// invalidate that key as part of completing the command (fast-reg path).
func NewKeyedDataBlock(address uint64, length uint32, key uint32, invalidate bool) SGLDescriptor {
	subtype := SGLSubtypeAddress
	if invalidate {
		subtype = SGLSubtypeInvalidate
	}
	return SGLDescriptor{
		Address: address,
		Length:  length,
		Key:     key,
		Type:    uint8(SGLTypeKeyedDataBlock)<<4 | uint8(subtype),
	}
}

// NewInlineOffset builds the inline-data descriptor: Address carries the
// in-capsule data offset (icdoff) rather than a DMA address.
func NewInlineOffset(offset uint64, length uint32) SGLDescriptor {
	return SGLDescriptor{
		Address: offset,
		Length:  length,
		Type:    uint8(SGLTypeDataBlock)<<4 | uint8(SGLSubtypeOffset),
	}
}

// NewNull builds the zero data pointer used for requests with no data
// payload.
func NewNull() SGLDescriptor {
	return SGLDescriptor{Type: uint8(SGLTypeKeyedDataBlock) << 4}
}

// CommandID is the host-assigned tag correlating a command with its
// completion; the transport core sets it to the request's slot index in
// the capsule ring, matching the driver's `command_id = rq->tag`.
type CommandID uint16

// Command is the portion of the 64-byte NVMe command this core touches
// directly: opcode, namespace id, command id and the data SGL descriptor.
// cdw10-15 are opaque payload the core copies through from the caller
// without interpreting (NVMe wire-level command semantics are external).
type Command struct {
	Opcode    uint8
	Flags     uint8
	CommandID CommandID
	NSID      uint32
	Data      SGLDescriptor
	CDW10_15  [6]uint32
}

// Encode writes the command's host-facing fields into the front of buf:
// opcode, flags, command id, nsid, and the 16-byte data SGL descriptor.
// cdw10-15 are copied through verbatim starting at byte 40, matching the
// base command layout's field offsets to the depth this core needs them.
func (c Command) Encode(buf []byte) {
	buf[0] = c.Opcode
	buf[1] = c.Flags
	binary.LittleEndian.PutUint16(buf[2:4], uint16(c.CommandID))
	binary.LittleEndian.PutUint32(buf[4:8], c.NSID)
	c.Data.Encode(buf[24:40])
	for i, v := range c.CDW10_15 {
		off := 40 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], v)
	}
}

// StatusCode is the 8-bit status-code field of an NVMe completion, with the
// phase tag already stripped (status >> 1 on the wire, per the completion
// queue's phase-bit convention).
type StatusCode uint16

const (
	StatusSuccess  StatusCode = 0x0000
	StatusAbortReq StatusCode = 0x0007
	StatusDNR      StatusCode = 1 << 14 // do-not-retry bit, ORed into the code
)

// Completion is the 16-byte NVMe completion entry fields this core reads:
// result (used for AEN decoding), the command id to look the request up by,
// and the raw status word (phase bit still set, callers call Status()).
type Completion struct {
	DWord0    uint32
	SQHead    uint16
	SQID      uint16
	CommandID CommandID
	RawStatus uint16
}

// Status returns the status code with the phase tag stripped, mirroring
// `cqe->status >> 1` in the reference completion handler.
func (c Completion) Status() StatusCode {
	return StatusCode(c.RawStatus >> 1)
}

// IsError reports whether the completion status indicates a failure
// (anything other than Success).
func (c Completion) IsError() bool {
	return c.Status() != StatusSuccess
}

// AsyncEventType extracts the notice type from an async-event completion's
// result field, matching `result & 0xff07` in the reference handler.
func AsyncEventType(result uint32) uint32 {
	return result & 0xff07
}

const (
	// AERNoticeNamespaceChanged is the async-event notice that should
	// trigger a namespace rescan.
	AERNoticeNamespaceChanged uint32 = 0x02
)

// AsyncEventCommandID is the reserved command id the admin queue uses for
// its single outstanding asynchronous event request, distinguishing an AEN
// completion from a normal admin command completion the way the reference
// driver distinguishes them by command_id falling outside the admin
// queue's ordinary tag range.
const AsyncEventCommandID CommandID = 0xffff
