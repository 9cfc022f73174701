package freeze

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cthede11/guardian/internal/actorid"
	"github.com/cthede11/guardian/internal/guardianerr"
	"github.com/cthede11/guardian/internal/logging"
)

// Caps bounds how many live FreezeRecords the registry durably tracks
// per actor kind, per §4.3.
type Caps struct {
	Entity      int
	BlockEntity int
}

// DefaultCaps matches the spec's configured defaults.
func DefaultCaps() Caps { return Caps{Entity: 1000, BlockEntity: 500} }

// Registry is the durable, wait-free-read Freeze Registry. Writers
// (prepare/commit/thaw/compact) serialize behind mu, matching §5's
// "writers serialize behind a single journal-writer position"; readers
// (IsFrozen) take an atomic pointer load with no locking at all.
type Registry struct {
	log  *logging.Logger
	dir  string
	caps Caps

	mu              sync.Mutex
	jrnl            *journal
	nextToken       uint64
	pending         map[Token]Record
	degradedTokens  map[Token]bool // prepared in-memory-only due to CapacityExceeded

	projection atomic.Pointer[map[actorid.ActorId]Record]
}

// Open loads dir's latest snapshot plus journal tail and returns a ready
// Registry. dir is created if it does not exist.
func Open(dir string, caps Caps, log *logging.Logger) (*Registry, error) {
	if log == nil {
		log = logging.Default("freeze")
	}
	if err := ensureDir(dir); err != nil {
		return nil, guardianerr.Wrap(guardianerr.KindTransientIO, "freeze.Open", err)
	}

	snapPath := filepath.Join(dir, "freeze.000000.snap")
	jrnlPath := filepath.Join(dir, "freeze.000000.log")

	snapshotRecords, err := readSnapshot(snapPath)
	if err != nil {
		return nil, guardianerr.Wrap(guardianerr.KindDurabilityLoss, "freeze.Open", err)
	}

	proj := make(map[actorid.ActorId]Record, len(snapshotRecords))
	for _, r := range snapshotRecords {
		proj[r.Actor] = r
	}

	entries, err := replayJournal(jrnlPath)
	if err != nil {
		return nil, guardianerr.Wrap(guardianerr.KindDurabilityLoss, "freeze.Open", err)
	}
	prepared := map[Token]Record{}
	for _, e := range entries {
		switch e.tag {
		case TagPrepare:
			tok, rec, err := decodePrepare(e.payload)
			if err != nil {
				continue // a torn trailing record from a crash mid-append
			}
			prepared[tok] = rec
		case TagCommit:
			tok, err := decodeCommit(e.payload)
			if err != nil {
				continue
			}
			if rec, ok := prepared[tok]; ok {
				proj[rec.Actor] = rec
			}
		case TagThaw:
			actor, err := decodeThaw(e.payload)
			if err != nil {
				continue
			}
			delete(proj, actor)
		}
	}

	j, err := openJournal(jrnlPath)
	if err != nil {
		return nil, guardianerr.Wrap(guardianerr.KindDurabilityLoss, "freeze.Open", err)
	}

	r := &Registry{
		log:            log,
		dir:            dir,
		caps:           caps,
		jrnl:           j,
		pending:        make(map[Token]Record),
		degradedTokens: make(map[Token]bool),
	}
	r.projection.Store(&proj)
	return r, nil
}

// Close releases the journal file handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jrnl.close()
}

// IsFrozen is the wait-free hot-path read SafeTick's should_tick calls:
// one atomic pointer load plus one map lookup, no locking.
func (r *Registry) IsFrozen(actor actorid.ActorId) bool {
	proj := r.projection.Load()
	_, ok := (*proj)[actor]
	return ok
}

// Lookup returns the current record for actor, if any.
func (r *Registry) Lookup(actor actorid.ActorId) (Record, bool) {
	proj := r.projection.Load()
	rec, ok := (*proj)[actor]
	return rec, ok
}

// Prepare writes a Prepare journal record and returns a single-use Token.
// If the actor's kind is already at its configured capacity, the
// prepare still succeeds but is marked degraded: Commit will update the
// in-memory projection only, skipping the journal write, and a
// CapacityExceeded warning is logged — because discarding the record
// outright would violate the no-data-loss principle (§4.3).
func (r *Registry) Prepare(rec Record) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextToken++
	token := Token(r.nextToken)

	degraded := r.overCapacityLocked(rec.Actor)
	if !degraded {
		if err := r.jrnl.appendRecord(TagPrepare, encodePrepare(token, rec)); err != nil {
			return 0, guardianerr.Wrap(guardianerr.KindDurabilityLoss, "freeze.Prepare", err)
		}
	} else {
		r.log.Warn("freeze capacity exceeded, degrading to in-memory-only",
			logging.String("actor", rec.Actor.String()))
		r.degradedTokens[token] = true
	}

	r.pending[token] = rec
	return token, nil
}

func (r *Registry) overCapacityLocked(actor actorid.ActorId) bool {
	proj := r.projection.Load()
	entityCount, blockCount := 0, 0
	for a := range *proj {
		if a.Kind() == actorid.KindEntity {
			entityCount++
		} else {
			blockCount++
		}
	}
	if actor.Kind() == actorid.KindEntity {
		return entityCount >= r.caps.Entity
	}
	return blockCount >= r.caps.BlockEntity
}

// Commit makes a prepared record visible to readers. Committing an
// unknown or already-applied token is a no-op, so replay after a crash
// between prepare and commit, or a duplicate commit call, is always safe.
func (r *Registry) Commit(token Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.pending[token]
	if !ok {
		return nil // unknown/already-committed token: idempotent no-op
	}
	delete(r.pending, token)

	degraded := r.degradedTokens[token]
	delete(r.degradedTokens, token)

	if !degraded {
		if err := r.jrnl.appendRecord(TagCommit, encodeCommit(token)); err != nil {
			return guardianerr.Wrap(guardianerr.KindDurabilityLoss, "freeze.Commit", err)
		}
	}

	r.publishLocked(func(m map[actorid.ActorId]Record) {
		m[rec.Actor] = rec
	})
	return nil
}

// Thaw clears actor's freeze record, durably. Returns false if actor was
// not frozen.
func (r *Registry) Thaw(actor actorid.ActorId) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proj := r.projection.Load()
	if _, ok := (*proj)[actor]; !ok {
		return false, nil
	}

	if err := r.jrnl.appendRecord(TagThaw, encodeThaw(actor)); err != nil {
		return false, guardianerr.Wrap(guardianerr.KindDurabilityLoss, "freeze.Thaw", err)
	}

	r.publishLocked(func(m map[actorid.ActorId]Record) {
		delete(m, actor)
	})
	return true, nil
}

// publishLocked applies mutate to a fresh copy of the projection and
// swaps it in atomically; callers must hold mu. Copy-on-write keeps
// IsFrozen wait-free: a reader either sees the old map or the new one,
// never a partially mutated one.
func (r *Registry) publishLocked(mutate func(map[actorid.ActorId]Record)) {
	old := r.projection.Load()
	next := make(map[actorid.ActorId]Record, len(*old)+1)
	for k, v := range *old {
		next[k] = v
	}
	mutate(next)
	r.projection.Store(&next)
}

// IterateByCause yields a point-in-time snapshot of every record whose
// CauseKind/OffendingClass satisfies predicate — new freezes that occur
// during iteration are not observed, per §4.3.
func (r *Registry) IterateByCause(predicate func(Record) bool) []Record {
	proj := r.projection.Load()
	out := make([]Record, 0)
	for _, rec := range *proj {
		if predicate(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Compact writes the current projection to a fresh snapshot and resets
// the journal, so future replay only has to apply records newer than
// the snapshot.
func (r *Registry) Compact() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proj := r.projection.Load()
	records := make([]Record, 0, len(*proj))
	for _, rec := range *proj {
		records = append(records, rec)
	}

	snapPath := filepath.Join(r.dir, "freeze.000000.snap")
	if err := writeSnapshot(snapPath, records); err != nil {
		return guardianerr.Wrap(guardianerr.KindDurabilityLoss, "freeze.Compact", err)
	}
	if err := r.jrnl.truncateAndReset(); err != nil {
		return guardianerr.Wrap(guardianerr.KindTransientIO, "freeze.Compact", err)
	}
	r.log.Info("freeze registry compacted", logging.Int("records", len(records)))
	return nil
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// FrozenAtNow builds a Record's FrozenAt field from the registry's
// process-relative monotonic clock; kept as a helper so callers (e.g.
// safetick) don't reach for time.Now() directly and risk using wall time
// where §3 wants a monotonic instant.
func FrozenAtNow() time.Time { return time.Now() }
