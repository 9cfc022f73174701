// Package guardianerr implements the error-kind taxonomy every Guardian
// subsystem reports through, so callers (the Control API in particular)
// can map a failure onto an exit code or an HTTP status without string
// matching.
package guardianerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the categories operators and the
// Supervisor's restart/backoff logic need to distinguish.
type Kind int

const (
	// KindUnknown tags failures that fit no other kind (an unknown pipeline
	// handle or snapshot id); GetKind also reports it for untagged errors.
	KindUnknown Kind = iota
	KindConfigError
	KindTransientIO
	KindDurabilityLoss
	KindBackpressure
	KindDeviceLost
	KindContentMismatch
	KindChildCrash
	KindBudgetExhausted
	KindTimeout
	KindNotPermitted
)

func (k Kind) String() string {
	switch k {
	case KindConfigError:
		return "ConfigError"
	case KindTransientIO:
		return "TransientIO"
	case KindDurabilityLoss:
		return "DurabilityLoss"
	case KindBackpressure:
		return "Backpressure"
	case KindDeviceLost:
		return "DeviceLost"
	case KindContentMismatch:
		return "ContentMismatch"
	case KindChildCrash:
		return "ChildCrash"
	case KindBudgetExhausted:
		return "BudgetExhausted"
	case KindTimeout:
		return "Timeout"
	case KindNotPermitted:
		return "NotPermitted"
	default:
		return "Unknown"
	}
}

// Error is a Kind-tagged, optionally wrapped error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error scoped to op with a formatted message.
func New(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind, recording op as the failing operation. Returns
// nil if err is nil, matching the teacher's WrapError convention.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Timeout builds a KindTimeout error for op, mirroring the teacher's
// TimeoutError helper.
func Timeout(op string) error {
	return &Error{Kind: KindTimeout, Op: op, Err: errors.New("operation timed out")}
}

// GetKind walks err's Unwrap chain and returns the first guardianerr.Kind
// found, or KindUnknown if none of the chain's errors are tagged.
func GetKind(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// Is reports whether err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}
