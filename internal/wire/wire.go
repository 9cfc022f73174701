// Package wire implements the length-prefixed binary protocol spoken
// between the Chunk Pipeline and the GPU Worker process. Every frame is
// a little-endian u32 length (excluding itself), a one-byte message
// kind, and a kind-specific payload — the same magic/type/size framing
// discipline the teacher's SAB message queue used, adapted from a
// shared-memory ring buffer onto a plain byte stream.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MsgKind identifies a frame's payload shape.
type MsgKind uint8

const (
	MsgInit       MsgKind = 0x01
	MsgSubmitJob  MsgKind = 0x02
	MsgJobResult  MsgKind = 0x03
	MsgHealth     MsgKind = 0x04
	MsgShutdown   MsgKind = 0x05
)

// JobStatus is the status byte carried in a JobResult payload.
type JobStatus uint8

const (
	StatusSuccess    JobStatus = 0
	StatusDeviceLost JobStatus = 1
	StatusTimeout    JobStatus = 2
	StatusOtherError JobStatus = 3
)

// Priority mirrors the ChunkJob priority band, carried as a single byte
// on the wire.
type Priority uint8

const (
	PriorityInteractive Priority = 0
	PriorityBackground  Priority = 1
)

const maxFrameLen = 64 << 20 // 64 MiB guards against a corrupt length prefix

// Frame is a decoded wire message: kind plus raw payload bytes.
type Frame struct {
	Kind    MsgKind
	Payload []byte
}

// WriteFrame writes a length-prefixed frame to w.
func WriteFrame(w io.Writer, kind MsgKind, payload []byte) error {
	frameLen := uint32(1 + len(payload))
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], frameLen)
	hdr[4] = byte(kind)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen == 0 || frameLen > maxFrameLen {
		return Frame{}, fmt.Errorf("wire: invalid frame length %d", frameLen)
	}
	body := make([]byte, frameLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	return Frame{Kind: MsgKind(body[0]), Payload: body[1:]}, nil
}

// SubmitJobPayload is the SubmitJob frame's fields, per §6.
type SubmitJobPayload struct {
	CX          int32
	CZ          int32
	Seed        int64
	DimHash     uint32
	RuleVersion uint64
	DeadlineMs  uint32
	Priority    Priority
}

// Encode serializes p in the fixed field order the wire protocol names.
func (p SubmitJobPayload) Encode() []byte {
	buf := make([]byte, 4+4+8+4+8+4+1)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.CX))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.CZ))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(p.Seed))
	binary.LittleEndian.PutUint32(buf[16:20], p.DimHash)
	binary.LittleEndian.PutUint64(buf[20:28], p.RuleVersion)
	binary.LittleEndian.PutUint32(buf[28:32], p.DeadlineMs)
	buf[32] = byte(p.Priority)
	return buf
}

// DecodeSubmitJobPayload parses a SubmitJob frame payload.
func DecodeSubmitJobPayload(b []byte) (SubmitJobPayload, error) {
	if len(b) < 33 {
		return SubmitJobPayload{}, fmt.Errorf("wire: short SubmitJob payload (%d bytes)", len(b))
	}
	return SubmitJobPayload{
		CX:          int32(binary.LittleEndian.Uint32(b[0:4])),
		CZ:          int32(binary.LittleEndian.Uint32(b[4:8])),
		Seed:        int64(binary.LittleEndian.Uint64(b[8:16])),
		DimHash:     binary.LittleEndian.Uint32(b[16:20]),
		RuleVersion: binary.LittleEndian.Uint64(b[20:28]),
		DeadlineMs:  binary.LittleEndian.Uint32(b[28:32]),
		Priority:    Priority(b[32]),
	}, nil
}

// JobResultPayload is the JobResult frame's fields, per §6.
type JobResultPayload struct {
	CX          int32
	CZ          int32
	Seed        int64
	ContentHash [16]byte
	Status      JobStatus
	Density     []byte
	Mask        []byte
	Biome       []byte
}

// Encode serializes r.
func (r JobResultPayload) Encode() []byte {
	size := 4 + 4 + 8 + 16 + 1 + 4 + len(r.Density) + 4 + len(r.Mask) + 4 + len(r.Biome)
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.CX))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.CZ))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.Seed))
	off += 8
	copy(buf[off:off+16], r.ContentHash[:])
	off += 16
	buf[off] = byte(r.Status)
	off++
	off = putBytesField(buf, off, r.Density)
	off = putBytesField(buf, off, r.Mask)
	_ = putBytesField(buf, off, r.Biome)
	return buf
}

func putBytesField(buf []byte, off int, data []byte) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(data)))
	off += 4
	copy(buf[off:off+len(data)], data)
	return off + len(data)
}

// DecodeJobResultPayload parses a JobResult frame payload.
func DecodeJobResultPayload(b []byte) (JobResultPayload, error) {
	const fixed = 4 + 4 + 8 + 16 + 1
	if len(b) < fixed {
		return JobResultPayload{}, fmt.Errorf("wire: short JobResult payload (%d bytes)", len(b))
	}
	var r JobResultPayload
	off := 0
	r.CX = int32(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	r.CZ = int32(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	r.Seed = int64(binary.LittleEndian.Uint64(b[off:]))
	off += 8
	copy(r.ContentHash[:], b[off:off+16])
	off += 16
	r.Status = JobStatus(b[off])
	off++

	var err error
	r.Density, off, err = readBytesField(b, off)
	if err != nil {
		return JobResultPayload{}, err
	}
	r.Mask, off, err = readBytesField(b, off)
	if err != nil {
		return JobResultPayload{}, err
	}
	r.Biome, _, err = readBytesField(b, off)
	if err != nil {
		return JobResultPayload{}, err
	}
	return r, nil
}

func readBytesField(b []byte, off int) ([]byte, int, error) {
	if len(b) < off+4 {
		return nil, 0, fmt.Errorf("wire: truncated length-prefixed field")
	}
	n := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	if len(b) < off+n {
		return nil, 0, fmt.Errorf("wire: truncated field body (want %d, have %d)", n, len(b)-off)
	}
	out := make([]byte, n)
	copy(out, b[off:off+n])
	return out, off + n, nil
}
