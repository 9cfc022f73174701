package ruleset

import (
	"bytes"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cthede11/guardian/internal/guardianerr"
	"github.com/cthede11/guardian/internal/logging"
)

// Store parses a rule file, publishes versioned immutable snapshots, and
// notifies watchers of new versions. The publish side is the same
// wait-free fast-path/spin/channel-notify shape the teacher used for
// cross-thread epoch signaling, adapted here to cross-goroutine signaling
// with a plain atomic pointer instead of a SharedArrayBuffer offset —
// there's no second OS thread sharing raw memory with the Go runtime, so
// the pointer swap alone gives readers a consistent snapshot.
type Store struct {
	log  *logging.Logger
	path string

	snapshot atomic.Pointer[RuleSet]
	version  atomic.Uint64

	loadMu  sync.Mutex
	loaded  bool
	lastRaw []byte

	waitersMu sync.RWMutex
	waiters   []chan uint64
}

// New creates an unloaded Store. Call Load before Current/AppliesTo
// return meaningful data; a freshly constructed Store reports version 0
// with an empty rule set.
func New(log *logging.Logger) *Store {
	if log == nil {
		log = logging.Default("ruleset")
	}
	s := &Store{log: log}
	s.snapshot.Store(&RuleSet{Version: 0})
	return s
}

// Load parses path and, on success, publishes a new RuleSet snapshot
// with version = previous + 1. Parse errors leave the previous snapshot
// in effect and are returned to the caller but are not fatal to the
// Store — per §4.1, hot-reload failures must not take down the rule
// engine. Reloading a file whose bytes are unchanged since the last
// successful Load is a no-op: it returns the current version without
// bumping it or notifying watchers, per §8's round-trip invariant.
func (s *Store) Load(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return s.version.Load(), guardianerr.Wrap(guardianerr.KindConfigError, "ruleset.Load", err)
	}
	rules, err := ParseRules(string(data))
	if err != nil {
		s.log.Warn("rule file parse failed, keeping previous snapshot",
			logging.String("path", path), logging.Err(err))
		return s.version.Load(), guardianerr.Wrap(guardianerr.KindConfigError, "ruleset.Load", err)
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if s.loaded && bytes.Equal(s.lastRaw, data) {
		return s.version.Load(), nil
	}

	s.path = path
	s.loaded = true
	s.lastRaw = append([]byte(nil), data...)
	newVersion := s.version.Add(1)
	next := &RuleSet{Version: newVersion, Rules: rules}
	s.snapshot.Store(next)
	s.notifyWaiters(newVersion)
	s.log.Info("rule set reloaded", logging.Uint64("version", newVersion), logging.Int("rules", len(rules)))
	return newVersion, nil
}

// Current returns the version and the currently published RuleSet as a
// single consistent pair — a wait-free read (one atomic pointer load),
// matching §4.1's "wait-free snapshot" requirement.
func (s *Store) Current() (uint64, *RuleSet) {
	rs := s.snapshot.Load()
	return rs.Version, rs
}

// AppliesTo reports whether the current rule set claims to fix a freeze
// with the given cause kind and offending class.
func (s *Store) AppliesTo(causeKind CauseKind, offendingClass string) bool {
	_, rs := s.Current()
	return rs.AppliesTo(causeKind, offendingClass)
}

// Watch returns a channel delivering each new RuleVersion as it is
// published. The channel is buffered depth 1 and coalesces: a slow
// receiver sees only the latest version, never a backlog. Call the
// returned cancel function to stop receiving and release the channel.
func (s *Store) Watch() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	s.waitersMu.Lock()
	s.waiters = append(s.waiters, ch)
	s.waitersMu.Unlock()

	cancel := func() {
		s.waitersMu.Lock()
		defer s.waitersMu.Unlock()
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (s *Store) notifyWaiters(version uint64) {
	s.waitersMu.RLock()
	waiters := make([]chan uint64, len(s.waiters))
	copy(waiters, s.waiters)
	s.waitersMu.RUnlock()

	for _, ch := range waiters {
		select {
		case ch <- version:
		default:
			// coalesce: drain the stale value and push the fresh one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- version:
			default:
			}
		}
	}
}

// WaitForVersionChange blocks until the store's version differs from
// lastSeen or timeout elapses, mirroring the teacher's spin-then-wait
// epoch primitive for callers that want a synchronous poll instead of
// the channel-based Watch API.
func (s *Store) WaitForVersionChange(lastSeen uint64, timeout time.Duration) (uint64, bool) {
	deadline := time.Now().Add(timeout)
	spinDeadline := time.Now().Add(time.Microsecond)
	for time.Now().Before(spinDeadline) {
		if v := s.version.Load(); v != lastSeen {
			return v, true
		}
		runtime.Gosched()
	}

	ch, cancel := s.Watch()
	defer cancel()
	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = 0
	}
	select {
	case v := <-ch:
		return v, true
	case <-time.After(remaining):
		return lastSeen, false
	}
}
