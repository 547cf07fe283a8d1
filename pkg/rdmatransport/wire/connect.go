package wire

import (
	"encoding/binary"
	"fmt"
)

// ConnectPrivateData is the RDMA CM private-data payload carried on the
// connect request, identifying which queue (admin vs I/O, and which index)
// is being established and the host/squeue sizing the peer should honor.
// Field sizes and order match the reference CM_FMT_1_0 layout.
type ConnectPrivateData struct {
	RecFmt  uint16
	QID     uint16
	HRQSize uint16
	HSQSize uint16
}

const connectPrivateDataLen = 8

// RecFmt1_0 is the only private-data format this core emits or accepts.
const RecFmt1_0 uint16 = 0

// Encode serializes the private data into the fixed 8-byte layout
// rdma_connect expects.
func (c ConnectPrivateData) Encode() []byte {
	buf := make([]byte, connectPrivateDataLen)
	binary.LittleEndian.PutUint16(buf[0:2], c.RecFmt)
	binary.LittleEndian.PutUint16(buf[2:4], c.QID)
	binary.LittleEndian.PutUint16(buf[4:6], c.HRQSize)
	binary.LittleEndian.PutUint16(buf[6:8], c.HSQSize)
	return buf
}

// DecodeConnectPrivateData parses a peer's connect private data.
func DecodeConnectPrivateData(buf []byte) (ConnectPrivateData, error) {
	if len(buf) < connectPrivateDataLen {
		return ConnectPrivateData{}, fmt.Errorf("wire: connect private data too short: got %d want %d", len(buf), connectPrivateDataLen)
	}
	return ConnectPrivateData{
		RecFmt:  binary.LittleEndian.Uint16(buf[0:2]),
		QID:     binary.LittleEndian.Uint16(buf[2:4]),
		HRQSize: binary.LittleEndian.Uint16(buf[4:6]),
		HSQSize: binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

// RejectPrivateData is the peer's reject payload: a single status code
// explaining why the connect was refused.
type RejectPrivateData struct {
	Status uint16
}

const rejectPrivateDataLen = 2

// DecodeRejectPrivateData parses a CM reject's private data. Per the
// documented behavior (Open Question c), a payload shorter than the fixed
// 2-byte status is reported as an error rather than read out of bounds —
// callers must treat that error the same as ECONNRESET.
func DecodeRejectPrivateData(buf []byte) (RejectPrivateData, error) {
	if len(buf) < rejectPrivateDataLen {
		return RejectPrivateData{}, fmt.Errorf("wire: reject private data too short: got %d want %d", len(buf), rejectPrivateDataLen)
	}
	return RejectPrivateData{Status: binary.LittleEndian.Uint16(buf[0:2])}, nil
}
