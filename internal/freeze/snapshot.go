package freeze

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	natefinchatomic "github.com/natefinch/atomic"
)

const (
	snapshotMagic   = "FRZ1"
	snapshotVersion = uint16(1)
)

// writeSnapshot serializes records to path using an atomic rename, so a
// crash mid-write never leaves a torn snapshot file for the next load to
// trip over.
func writeSnapshot(path string, records []Record) error {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	var verBuf [2]byte
	binary.LittleEndian.PutUint16(verBuf[:], snapshotVersion)
	buf.Write(verBuf[:])
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(records)))
	buf.Write(countBuf[:])

	for _, r := range records {
		body := encodeRecord(r)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
		buf.Write(lenBuf[:])
		buf.Write(body)
	}

	return natefinchatomic.WriteFile(path, bytes.NewReader(buf.Bytes()))
}

// readSnapshot loads a snapshot file written by writeSnapshot. A missing
// file is reported as "no records", not an error — a fresh registry has
// no snapshot yet.
func readSnapshot(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic [4]byte
	if _, err := readFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read snapshot magic: %w", err)
	}
	if string(magic[:]) != snapshotMagic {
		return nil, fmt.Errorf("snapshot %s: bad magic", path)
	}
	var verBuf [2]byte
	if _, err := readFull(r, verBuf[:]); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(verBuf[:]) != snapshotVersion {
		return nil, fmt.Errorf("snapshot %s: version mismatch", path)
	}
	var countBuf [4]byte
	if _, err := readFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		var lenBuf [4]byte
		if _, err := readFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("snapshot %s: truncated entry %d: %w", path, i, err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := readFull(r, body); err != nil {
			return nil, fmt.Errorf("snapshot %s: truncated entry %d body: %w", path, i, err)
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: entry %d: %w", path, i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
