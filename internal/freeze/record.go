// Package freeze implements the Freeze Registry: a durable, two-phase
// committed map from ActorId to FreezeRecord, backed by an append-only
// journal and periodic snapshot compaction, with a wait-free in-memory
// read projection.
package freeze

import (
	"time"

	"github.com/cthede11/guardian/internal/actorid"
	"github.com/cthede11/guardian/internal/ruleset"
)

// CauseKind mirrors FreezeRecord's cause_kind enum. It is an alias of
// ruleset.CauseKind, so freeze records and compatibility rules share one
// cause enum.
type CauseKind = ruleset.CauseKind

const (
	CauseNullRef         = ruleset.CauseNullRef
	CauseArithmetic      = ruleset.CauseArithmetic
	CauseIndexOutOfRange = ruleset.CauseIndexOutOfRange
	CauseOther           = ruleset.CauseOther
)

const maxCauseMessageLen = 512

// Record is the FreezeRecord data model from the spec's data section.
type Record struct {
	Actor                actorid.ActorId
	FrozenAt             time.Time // monotonic instant, process-relative
	WallTime             time.Time
	CauseKind            CauseKind
	CauseMessage         string
	OffendingClass       string
	OffendingMethod      string
	RuleVersionAtFreeze  uint64
	ThawAttempts         uint32
}

func (r Record) truncateMessage() Record {
	if len(r.CauseMessage) > maxCauseMessageLen {
		r.CauseMessage = r.CauseMessage[:maxCauseMessageLen]
	}
	return r
}

// Token is a single-use handle returned by prepare, consumed by commit.
type Token uint64
