// Package ruleset implements the Rule Store: it parses the declarative
// compatibility rule file into an immutable RuleSet, publishes a
// monotonic RuleVersion whenever a reload succeeds, and answers
// applies_to queries for the thaw driver.
package ruleset

import "github.com/cthede11/guardian/internal/actorid"

// CauseKind mirrors FreezeRecord's cause_kind enum.
type CauseKind uint8

const (
	CauseNullRef CauseKind = iota
	CauseArithmetic
	CauseIndexOutOfRange
	CauseOther
)

// ClauseKind discriminates a predicate clause.
type ClauseKind uint8

const (
	ClauseModLoaded ClauseKind = iota
	ClauseClassPresent
	ClauseJarContainsPackage
	ClauseSemverRange
	ClauseFixesCause
)

// Clause is one conjunct of a rule's predicate.
type Clause struct {
	Kind     ClauseKind
	ModID    string // ClauseModLoaded, ClauseSemverRange
	Class    string // ClauseClassPresent
	Package  string // ClauseJarContainsPackage
	Range    string // ClauseSemverRange, as written in the rule file
	Cause    CauseKind // ClauseFixesCause
}

// ActionKind discriminates a rule's action.
type ActionKind uint8

const (
	ActionDisableMixin ActionKind = iota
	ActionInsertBytecodeGuard
	ActionPackageRelocate
	ActionConfigOverride
)

// Action is the single action a rule applies when its predicate holds.
// Application itself happens in the game process; the Rule Store only
// carries the declared intent.
type Action struct {
	Kind ActionKind

	Mixin string // ActionDisableMixin

	Pattern string // ActionInsertBytecodeGuard
	Insert  string // ActionInsertBytecodeGuard

	FromPackage string // ActionPackageRelocate
	ToPackage   string // ActionPackageRelocate

	ConfigKey   string // ActionConfigOverride
	ConfigValue string // ActionConfigOverride
}

// Rule is a {id, predicate, action} triple.
type Rule struct {
	ID        string
	Predicate []Clause
	Action    Action
}

// RuleSet is an immutable, versioned snapshot of every parsed rule.
// Once constructed it is never mutated — readers share the pointer
// safely without locking.
type RuleSet struct {
	Version uint64
	Rules   []Rule
}

// AppliesTo reports whether any rule in s claims to fix a freeze whose
// cause kind is causeKind and whose offending class is offendingClass.
// A rule "claims" a fix when it carries a fixes-cause clause matching
// causeKind, and any class-present clause it also carries matches
// offendingClass (a rule with no class-present clause claims the cause
// kind for any class).
func (s *RuleSet) AppliesTo(causeKind CauseKind, offendingClass string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Rules {
		if ruleClaims(r, causeKind, offendingClass) {
			return true
		}
	}
	return false
}

func ruleClaims(r Rule, causeKind CauseKind, offendingClass string) bool {
	claimsCause := false
	classConstraint := ""
	hasClassConstraint := false
	for _, c := range r.Predicate {
		switch c.Kind {
		case ClauseFixesCause:
			if c.Cause == causeKind {
				claimsCause = true
			}
		case ClauseClassPresent:
			hasClassConstraint = true
			classConstraint = c.Class
		}
	}
	if !claimsCause {
		return false
	}
	if hasClassConstraint && classConstraint != offendingClass {
		return false
	}
	return true
}

// FreezeRecordView is the minimal projection of a freeze.Record AppliesTo
// needs, kept here (rather than importing the freeze package) to avoid a
// dependency cycle — freeze imports ruleset for its CauseKind enum, not
// the other way around.
type FreezeRecordView struct {
	Actor          actorid.ActorId
	CauseKind      CauseKind
	OffendingClass string
}
