// Package safetick implements the SafeTick Guard: the in-process wrapper
// around per-actor tick calls that counts faults in a sliding window and
// promotes repeatedly-faulting actors to frozen, durably, via the Freeze
// Registry's two-phase commit.
package safetick

import (
	"sync"
	"time"

	"github.com/cthede11/guardian/internal/actorid"
	"github.com/cthede11/guardian/internal/freeze"
	"github.com/cthede11/guardian/internal/logging"
	"github.com/cthede11/guardian/internal/ruleset"
)

// Action is the outcome of reporting a tick exception.
type Action int

const (
	ActionContinue Action = iota
	ActionFreeze
)

// Thresholds configures fault-window behavior, per §4.2 and §6's config
// table.
type Thresholds struct {
	Window               time.Duration
	EntityThreshold      uint32
	BlockEntityThreshold uint32
}

// Guard is the SafeTick hot-path entry point. should_tick must complete
// in O(1) without allocation; it is a single atomic load plus a map
// lookup in the Registry, so Guard itself holds no per-call state beyond
// the fault-counter map.
type Guard struct {
	registry   *freeze.Registry
	thresholds Thresholds
	log        *logging.Logger

	countersMu sync.Mutex
	counters   map[actorid.ActorId]*faultCounter

	thawMu      sync.Mutex
	thawAttempts map[actorid.ActorId]uint32
}

type faultCounter struct {
	windowStart time.Time
	count       uint32
}

// New builds a Guard bound to registry, using thresholds for freeze
// promotion.
func New(registry *freeze.Registry, thresholds Thresholds, log *logging.Logger) *Guard {
	if log == nil {
		log = logging.Default("safetick")
	}
	return &Guard{
		registry:     registry,
		thresholds:   thresholds,
		log:          log,
		counters:     make(map[actorid.ActorId]*faultCounter),
		thawAttempts: make(map[actorid.ActorId]uint32),
	}
}

// ShouldTick is the wait-free hot path: returns false iff actor currently
// holds a freeze record.
func (g *Guard) ShouldTick(actor actorid.ActorId) bool {
	return !g.registry.IsFrozen(actor)
}

// FaultReport carries the information on_tick_exception needs to build a
// durable FreezeRecord if the fault promotes the actor to frozen.
type FaultReport struct {
	Actor           actorid.ActorId
	CauseKind       ruleset.CauseKind
	CauseMessage    string
	OffendingClass  string
	OffendingMethod string
	RuleVersion     uint64
	IsBlockEntity   bool
}

// OnTickException increments actor's sliding-window fault counter and
// returns Freeze once the count reaches the configured threshold for the
// actor's kind. A Freeze result has already been committed durably to
// the Registry before this call returns — the caller (the game) may
// assume should_tick(actor) is now false.
func (g *Guard) OnTickException(report FaultReport) (Action, error) {
	threshold := g.thresholds.EntityThreshold
	if report.IsBlockEntity {
		threshold = g.thresholds.BlockEntityThreshold
	}

	count := g.incrementFaultCount(report.Actor)
	if count < threshold {
		return ActionContinue, nil
	}

	rec := freeze.Record{
		Actor:               report.Actor,
		FrozenAt:            freeze.FrozenAtNow(),
		WallTime:            time.Now(),
		CauseKind:           report.CauseKind,
		CauseMessage:        report.CauseMessage,
		OffendingClass:      report.OffendingClass,
		OffendingMethod:     report.OffendingMethod,
		RuleVersionAtFreeze: report.RuleVersion,
		ThawAttempts:        g.thawAttemptsFor(report.Actor),
	}

	token, err := g.registry.Prepare(rec)
	if err != nil {
		// Prepare itself failed to durably record; treat as in-memory
		// frozen per §4.2's failure semantics and surface the warning.
		g.log.Warn("freeze prepare failed, actor treated as frozen in-memory only",
			logging.String("actor", report.Actor.String()), logging.Err(err))
		return ActionFreeze, err
	}
	if err := g.registry.Commit(token); err != nil {
		g.log.Warn("freeze commit failed, actor treated as frozen in-memory only",
			logging.String("actor", report.Actor.String()), logging.Err(err))
		return ActionFreeze, err
	}

	g.resetFaultCount(report.Actor)
	return ActionFreeze, nil
}

func (g *Guard) incrementFaultCount(actor actorid.ActorId) uint32 {
	g.countersMu.Lock()
	defer g.countersMu.Unlock()

	now := time.Now()
	fc, ok := g.counters[actor]
	if !ok || now.Sub(fc.windowStart) >= g.thresholds.Window {
		fc = &faultCounter{windowStart: now, count: 0}
		g.counters[actor] = fc
	}
	fc.count++
	return fc.count
}

func (g *Guard) resetFaultCount(actor actorid.ActorId) {
	g.countersMu.Lock()
	defer g.countersMu.Unlock()
	delete(g.counters, actor)
}

// EvictStaleCounters drops fault counters whose window has elapsed with
// no further faults, per §4.2's "evicted when count == 0 for one
// window" lifecycle. Call periodically from the Supervisor's health
// tick; this is a cold path, unlike ShouldTick/OnTickException.
func (g *Guard) EvictStaleCounters() {
	g.countersMu.Lock()
	defer g.countersMu.Unlock()
	now := time.Now()
	for actor, fc := range g.counters {
		if now.Sub(fc.windowStart) >= g.thresholds.Window {
			delete(g.counters, actor)
		}
	}
}

func (g *Guard) thawAttemptsFor(actor actorid.ActorId) uint32 {
	g.thawMu.Lock()
	defer g.thawMu.Unlock()
	return g.thawAttempts[actor]
}

// RunThawDriver subscribes to store's RuleVersion stream and, on every
// new version, thaws every frozen actor whose cause the new rule set
// claims to fix. It runs until stop is closed.
func (g *Guard) RunThawDriver(store *ruleset.Store, stop <-chan struct{}) {
	versions, cancel := store.Watch()
	defer cancel()
	for {
		select {
		case <-stop:
			return
		case <-versions:
			g.thawEligibleActors(store)
		}
	}
}

func (g *Guard) thawEligibleActors(store *ruleset.Store) {
	_, rs := store.Current()
	candidates := g.registry.IterateByCause(func(rec freeze.Record) bool {
		return rs.AppliesTo(rec.CauseKind, rec.OffendingClass)
	})
	for _, rec := range candidates {
		ok, err := g.registry.Thaw(rec.Actor)
		if err != nil {
			g.log.Warn("thaw failed", logging.String("actor", rec.Actor.String()), logging.Err(err))
			continue
		}
		if ok {
			g.thawMu.Lock()
			g.thawAttempts[rec.Actor] = rec.ThawAttempts + 1
			g.thawMu.Unlock()
			g.log.Info("actor thawed", logging.String("actor", rec.Actor.String()),
				logging.Uint64("thaw_attempts", uint64(rec.ThawAttempts+1)))
		}
	}
}
