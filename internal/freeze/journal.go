package freeze

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cthede11/guardian/internal/actorid"
)

func uuidFromBytes(b [16]byte) (uuid.UUID, error) {
	return uuid.FromBytes(b[:])
}

// Tag discriminates a journal record kind, per §6's on-disk format.
type Tag uint8

const (
	TagPrepare Tag = 1
	TagCommit  Tag = 2
	TagThaw    Tag = 3
)

// journal is the single exclusive-writer append log for one registry.
// Records are {tag:u8, len:u32, payload}; journal-order is the source of
// truth, the in-memory map is only a projection of it.
type journal struct {
	path string
	file *os.File
}

func openJournal(path string) (*journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock journal %s: %w", path, err)
	}
	return &journal{path: path, file: f}, nil
}

func (j *journal) close() error {
	_ = syscall.Flock(int(j.file.Fd()), syscall.LOCK_UN)
	return j.file.Close()
}

// appendRecord writes one record and fsyncs before returning, so commit
// acknowledgement implies durability (§4.2's "durable on disk before
// SafeTick acknowledges freeze").
func (j *journal) appendRecord(tag Tag, payload []byte) error {
	var hdr [5]byte
	hdr[0] = byte(tag)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := j.file.Write(hdr[:]); err != nil {
		return fmt.Errorf("write journal header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := j.file.Write(payload); err != nil {
			return fmt.Errorf("write journal payload: %w", err)
		}
	}
	return j.file.Sync()
}

// truncateAndReset discards all journal content; used right after a
// snapshot compaction has absorbed every committed record so far.
func (j *journal) truncateAndReset() error {
	if err := j.file.Truncate(0); err != nil {
		return err
	}
	_, err := j.file.Seek(0, io.SeekStart)
	return err
}

type journalEntry struct {
	tag     Tag
	payload []byte
}

// replayJournal reads every record currently in path, in order.
func replayJournal(path string) ([]journalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var entries []journalEntry
	for {
		var hdr [5]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			// A truncated trailing record means a crash mid-append;
			// stop replay here rather than failing startup.
			break
		}
		tag := Tag(hdr[0])
		length := binary.LittleEndian.Uint32(hdr[1:])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		entries = append(entries, journalEntry{tag: tag, payload: payload})
	}
	return entries, nil
}

// encodePrepare serializes a prepare record: token followed by the full
// Record.
func encodePrepare(token Token, rec Record) []byte {
	body := encodeRecord(rec)
	buf := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(token))
	copy(buf[8:], body)
	return buf
}

func decodePrepare(b []byte) (Token, Record, error) {
	if len(b) < 8 {
		return 0, Record{}, fmt.Errorf("freeze: short prepare record")
	}
	token := Token(binary.LittleEndian.Uint64(b[0:8]))
	rec, err := decodeRecord(b[8:])
	return token, rec, err
}

func encodeCommit(token Token) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(token))
	return buf
}

func decodeCommit(b []byte) (Token, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("freeze: short commit record")
	}
	return Token(binary.LittleEndian.Uint64(b)), nil
}

func encodeThaw(actor actorid.ActorId) []byte {
	return encodeActorID(actor)
}

func decodeThaw(b []byte) (actorid.ActorId, error) {
	a, _, err := decodeActorID(b)
	return a, err
}

// encodeRecord / decodeRecord implement the FreezeRecord serialization.
// Layout: actor, frozen_at (unix nanos), wall_time (unix nanos),
// cause_kind:u8, cause_message (len+bytes), offending_class (len+bytes),
// offending_method (len+bytes), rule_version_at_freeze:u64,
// thaw_attempts:u32.
func encodeRecord(rec Record) []byte {
	rec = rec.truncateMessage()
	actorBuf := encodeActorID(rec.Actor)

	var buf []byte
	buf = append(buf, actorBuf...)
	buf = appendUint64(buf, uint64(rec.FrozenAt.UnixNano()))
	buf = appendUint64(buf, uint64(rec.WallTime.UnixNano()))
	buf = append(buf, byte(rec.CauseKind))
	buf = appendString(buf, rec.CauseMessage)
	buf = appendString(buf, rec.OffendingClass)
	buf = appendString(buf, rec.OffendingMethod)
	buf = appendUint64(buf, rec.RuleVersionAtFreeze)
	buf = appendUint32(buf, rec.ThawAttempts)
	return buf
}

func decodeRecord(b []byte) (Record, error) {
	actor, off, err := decodeActorID(b)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	rec.Actor = actor

	frozenAt, off, err := readUint64(b, off)
	if err != nil {
		return Record{}, err
	}
	rec.FrozenAt = time.Unix(0, int64(frozenAt))

	wallTime, off, err := readUint64(b, off)
	if err != nil {
		return Record{}, err
	}
	rec.WallTime = time.Unix(0, int64(wallTime))

	if off >= len(b) {
		return Record{}, fmt.Errorf("freeze: truncated record (cause_kind)")
	}
	rec.CauseKind = CauseKind(b[off])
	off++

	rec.CauseMessage, off, err = readString(b, off)
	if err != nil {
		return Record{}, err
	}
	rec.OffendingClass, off, err = readString(b, off)
	if err != nil {
		return Record{}, err
	}
	rec.OffendingMethod, off, err = readString(b, off)
	if err != nil {
		return Record{}, err
	}
	rec.RuleVersionAtFreeze, off, err = readUint64(b, off)
	if err != nil {
		return Record{}, err
	}
	thawAttempts, _, err := readUint32(b, off)
	if err != nil {
		return Record{}, err
	}
	rec.ThawAttempts = thawAttempts
	return rec, nil
}

func encodeActorID(a actorid.ActorId) []byte {
	switch a.Kind() {
	case actorid.KindEntity:
		id, _ := a.Entity()
		buf := make([]byte, 1+16)
		buf[0] = byte(actorid.KindEntity)
		b, _ := id.MarshalBinary()
		copy(buf[1:], b)
		return buf
	case actorid.KindBlockPos:
		dim, x, y, z, _ := a.BlockPos()
		var buf []byte
		buf = append(buf, byte(actorid.KindBlockPos))
		buf = appendString(buf, string(dim))
		buf = appendUint32(buf, uint32(x))
		buf = appendUint32(buf, uint32(y))
		buf = appendUint32(buf, uint32(z))
		return buf
	default:
		return []byte{0xff}
	}
}

func decodeActorID(b []byte) (actorid.ActorId, int, error) {
	if len(b) < 1 {
		return actorid.ActorId{}, 0, fmt.Errorf("freeze: empty actor id")
	}
	kind := actorid.Kind(b[0])
	off := 1
	switch kind {
	case actorid.KindEntity:
		if len(b) < off+16 {
			return actorid.ActorId{}, 0, fmt.Errorf("freeze: short entity actor id")
		}
		var id [16]byte
		copy(id[:], b[off:off+16])
		off += 16
		u, err := uuidFromBytes(id)
		if err != nil {
			return actorid.ActorId{}, 0, err
		}
		return actorid.NewEntity(u), off, nil
	case actorid.KindBlockPos:
		dim, off2, err := readString(b, off)
		if err != nil {
			return actorid.ActorId{}, 0, err
		}
		off = off2
		x, off3, err := readUint32(b, off)
		if err != nil {
			return actorid.ActorId{}, 0, err
		}
		off = off3
		y, off4, err := readUint32(b, off)
		if err != nil {
			return actorid.ActorId{}, 0, err
		}
		off = off4
		z, off5, err := readUint32(b, off)
		if err != nil {
			return actorid.ActorId{}, 0, err
		}
		off = off5
		return actorid.NewBlockPos(actorid.DimensionId(dim), int32(x), int32(y), int32(z)), off, nil
	default:
		return actorid.ActorId{}, 0, fmt.Errorf("freeze: unknown actor kind %d", kind)
	}
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readUint64(b []byte, off int) (uint64, int, error) {
	if len(b) < off+8 {
		return 0, 0, fmt.Errorf("freeze: truncated uint64 field")
	}
	return binary.LittleEndian.Uint64(b[off:]), off + 8, nil
}

func readUint32(b []byte, off int) (uint32, int, error) {
	if len(b) < off+4 {
		return 0, 0, fmt.Errorf("freeze: truncated uint32 field")
	}
	return binary.LittleEndian.Uint32(b[off:]), off + 4, nil
}

func readString(b []byte, off int) (string, int, error) {
	n, off, err := readUint32(b, off)
	if err != nil {
		return "", 0, err
	}
	if len(b) < off+int(n) {
		return "", 0, fmt.Errorf("freeze: truncated string field")
	}
	return string(b[off : off+int(n)]), off + int(n), nil
}
