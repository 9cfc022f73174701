// Package snapshot implements the Snapshot Manager (F): periodic world
// snapshots, retention, and restore, gated on the Supervisor reporting the
// server healthy (for taking a snapshot) or stopped (for restoring one).
// The manifest's magic+version+count binary header, and atomic-rename
// writes, follow the teacher pack's cache_binary.go header convention
// (calvinalkan-agent-task, not the teacher repo itself — no inos_v1
// module persists anything to a manifest file this shape).
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	natefinchatomic "github.com/natefinch/atomic"

	"github.com/cthede11/guardian/internal/guardianerr"
	"github.com/cthede11/guardian/internal/logging"
)

const (
	manifestMagic   = "SNP1"
	manifestVersion = uint16(1)
	manifestName    = "manifest.bin"
)

// SnapshotId identifies one taken snapshot.
type SnapshotId uint64

// SnapshotInfo is one entry in list()'s result.
type SnapshotInfo struct {
	ID        SnapshotId
	CreatedAt time.Time
	Dir       string
	SizeBytes int64
}

// Config configures the Snapshot Manager.
type Config struct {
	WorldDir      string
	SnapshotDir   string
	Interval      time.Duration
	Retention     int
	HealthCheck   func() bool // true when the server is healthy and eligible for a snapshot
	IsStoppedFunc func() bool // true when the Supervisor is in the Stopped state, required for restore
}

// DefaultConfig applies the spec's default interval and retention.
func DefaultConfig() Config {
	return Config{Interval: 300 * time.Second, Retention: 24}
}

// Manager is the Snapshot Manager (F).
type Manager struct {
	log *logging.Logger
	cfg Config

	mu        sync.Mutex
	manifest  []SnapshotInfo
	nextID    uint64
	inFlight  bool
	enabled   bool
	stopCh    chan struct{}
	stoppedWg sync.WaitGroup
}

// Open loads an existing manifest (if any) from cfg.SnapshotDir and
// constructs a Manager. Scheduling is disabled until Schedule(true) is
// called, matching schedule()'s enable/disable semantics.
func Open(cfg Config, log *logging.Logger) (*Manager, error) {
	if log == nil {
		log = logging.Default("snapshot")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if err := os.MkdirAll(cfg.SnapshotDir, 0o755); err != nil {
		return nil, guardianerr.Wrap(guardianerr.KindTransientIO, "snapshot.Open", err)
	}

	manifest, nextID, err := readManifest(filepath.Join(cfg.SnapshotDir, manifestName))
	if err != nil {
		return nil, guardianerr.Wrap(guardianerr.KindDurabilityLoss, "snapshot.Open", err)
	}

	return &Manager{
		log:      log,
		cfg:      cfg,
		manifest: manifest,
		nextID:   nextID,
		stopCh:   make(chan struct{}),
	}, nil
}

// Schedule enables or disables periodic snapshots.
func (m *Manager) Schedule(enabled bool) {
	m.mu.Lock()
	already := m.enabled
	m.enabled = enabled
	m.mu.Unlock()

	if enabled && !already {
		m.stoppedWg.Add(1)
		go m.scheduleLoop()
	}
}

func (m *Manager) scheduleLoop() {
	defer m.stoppedWg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			enabled := m.enabled
			m.mu.Unlock()
			if !enabled {
				continue
			}
			if _, err := m.SnapshotNow(); err != nil {
				m.log.Warn("scheduled snapshot failed", logging.Err(err))
			}
		}
	}
}

// Close stops the periodic scheduler goroutine, if running.
func (m *Manager) Close() {
	close(m.stopCh)
	m.stoppedWg.Wait()
}

// SnapshotNow takes a snapshot immediately if the server is healthy and no
// snapshot is currently in flight, per §4.6's policy.
func (m *Manager) SnapshotNow() (SnapshotId, error) {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return 0, guardianerr.New(guardianerr.KindNotPermitted, "snapshot.SnapshotNow", "a snapshot is already in flight")
	}
	if m.cfg.HealthCheck != nil && !m.cfg.HealthCheck() {
		m.mu.Unlock()
		return 0, guardianerr.New(guardianerr.KindNotPermitted, "snapshot.SnapshotNow", "server is not healthy")
	}
	m.inFlight = true
	m.nextID++
	id := SnapshotId(m.nextID)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	dir := filepath.Join(m.cfg.SnapshotDir, fmt.Sprintf("snap-%06d", id))
	size, err := copyTree(m.cfg.WorldDir, dir)
	if err != nil {
		return 0, guardianerr.Wrap(guardianerr.KindTransientIO, "snapshot.SnapshotNow", err)
	}

	info := SnapshotInfo{ID: id, CreatedAt: time.Now(), Dir: dir, SizeBytes: size}

	m.mu.Lock()
	m.manifest = append(m.manifest, info)
	sort.Slice(m.manifest, func(i, j int) bool { return m.manifest[i].ID < m.manifest[j].ID })
	if err := writeManifest(filepath.Join(m.cfg.SnapshotDir, manifestName), m.manifest); err != nil {
		m.mu.Unlock()
		return 0, guardianerr.Wrap(guardianerr.KindDurabilityLoss, "snapshot.SnapshotNow", err)
	}
	m.mu.Unlock()

	m.prune()
	return id, nil
}

// List returns the current manifest, most recent first.
func (m *Manager) List() []SnapshotInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SnapshotInfo, len(m.manifest))
	copy(out, m.manifest)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Restore replaces WorldDir's contents with the named snapshot's. Only
// valid when the Supervisor reports Stopped, per §4.6.
func (m *Manager) Restore(id SnapshotId) error {
	if m.cfg.IsStoppedFunc != nil && !m.cfg.IsStoppedFunc() {
		return guardianerr.New(guardianerr.KindNotPermitted, "snapshot.Restore", "supervisor must be Stopped to restore")
	}

	m.mu.Lock()
	var target *SnapshotInfo
	for i := range m.manifest {
		if m.manifest[i].ID == id {
			target = &m.manifest[i]
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return guardianerr.New(guardianerr.KindUnknown, "snapshot.Restore", "unknown snapshot id %d", id)
	}

	if err := os.RemoveAll(m.cfg.WorldDir); err != nil {
		return guardianerr.Wrap(guardianerr.KindTransientIO, "snapshot.Restore", err)
	}
	if _, err := copyTree(target.Dir, m.cfg.WorldDir); err != nil {
		return guardianerr.Wrap(guardianerr.KindTransientIO, "snapshot.Restore", err)
	}
	return nil
}

// prune applies the retention policy, deleting the oldest snapshots past
// cfg.Retention.
func (m *Manager) prune() {
	m.mu.Lock()
	if len(m.manifest) <= m.cfg.Retention {
		m.mu.Unlock()
		return
	}
	sort.Slice(m.manifest, func(i, j int) bool { return m.manifest[i].ID < m.manifest[j].ID })
	excess := len(m.manifest) - m.cfg.Retention
	toDelete := append([]SnapshotInfo(nil), m.manifest[:excess]...)
	m.manifest = m.manifest[excess:]
	manifestErr := writeManifest(filepath.Join(m.cfg.SnapshotDir, manifestName), m.manifest)
	m.mu.Unlock()

	if manifestErr != nil {
		m.log.Warn("failed to persist manifest after prune", logging.Err(manifestErr))
	}
	for _, s := range toDelete {
		if err := os.RemoveAll(s.Dir); err != nil {
			m.log.Warn("failed to remove pruned snapshot dir", logging.String("dir", s.Dir), logging.Err(err))
		}
	}
}

// Prune runs the retention policy on demand (e.g. from the Control API).
func (m *Manager) Prune() { m.prune() }

func copyTree(src, dst string) (int64, error) {
	var total int64
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		n, err := copyFile(path, target, info.Mode())
		total += n
		return err
	})
	return total, err
}

func copyFile(src, dst string, mode os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	return io.Copy(out, in)
}

// readManifest loads the binary manifest, returning an empty manifest and
// nextID 0 if the file does not yet exist.
func readManifest(path string) ([]SnapshotInfo, uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	if len(raw) < 10 {
		return nil, 0, fmt.Errorf("snapshot: manifest too small (%d bytes)", len(raw))
	}
	if string(raw[0:4]) != manifestMagic {
		return nil, 0, fmt.Errorf("snapshot: invalid manifest magic")
	}
	version := binary.LittleEndian.Uint16(raw[4:6])
	if version != manifestVersion {
		return nil, 0, fmt.Errorf("snapshot: manifest version mismatch (got %d, want %d)", version, manifestVersion)
	}
	count := binary.LittleEndian.Uint32(raw[6:10])

	entries := make([]SnapshotInfo, 0, count)
	off := 10
	var maxID uint64
	for i := uint32(0); i < count; i++ {
		if len(raw) < off+8+8+4 {
			return nil, 0, fmt.Errorf("snapshot: truncated manifest entry %d", i)
		}
		id := binary.LittleEndian.Uint64(raw[off:])
		off += 8
		createdNano := int64(binary.LittleEndian.Uint64(raw[off:]))
		off += 8
		size := int64(binary.LittleEndian.Uint64(raw[off:]))
		off += 8
		pathLen := int(binary.LittleEndian.Uint32(raw[off:]))
		off += 4
		if len(raw) < off+pathLen {
			return nil, 0, fmt.Errorf("snapshot: truncated manifest path at entry %d", i)
		}
		dir := string(raw[off : off+pathLen])
		off += pathLen

		entries = append(entries, SnapshotInfo{
			ID:        SnapshotId(id),
			CreatedAt: time.Unix(0, createdNano),
			Dir:       dir,
			SizeBytes: size,
		})
		if id > maxID {
			maxID = id
		}
	}
	return entries, maxID, nil
}

func writeManifest(path string, entries []SnapshotInfo) error {
	var buf bytes.Buffer
	buf.WriteString(manifestMagic)
	writeUint16(&buf, manifestVersion)
	writeUint32(&buf, uint32(len(entries)))
	for _, e := range entries {
		writeUint64(&buf, uint64(e.ID))
		writeUint64(&buf, uint64(e.CreatedAt.UnixNano()))
		writeUint64(&buf, uint64(e.SizeBytes))
		writeUint32(&buf, uint32(len(e.Dir)))
		buf.WriteString(e.Dir)
	}
	return natefinchatomic.WriteFile(path, bytes.NewReader(buf.Bytes()))
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
