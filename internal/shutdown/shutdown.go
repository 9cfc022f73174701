// Package shutdown orchestrates graceful process teardown: components
// register a stop function at startup, in the order they were brought
// up, and Shutdown runs them in reverse (LIFO) under a deadline.
package shutdown

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/cthede11/guardian/internal/guardianerr"
	"github.com/cthede11/guardian/internal/logging"
)

// Orchestrator collects shutdown hooks and runs them on Shutdown.
type Orchestrator struct {
	mu    sync.Mutex
	hooks []hook
	log   *logging.Logger
}

type hook struct {
	name string
	fn   func(context.Context) error
}

// New creates an Orchestrator. A nil logger falls back to a default
// component logger.
func New(log *logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Default("shutdown")
	}
	return &Orchestrator{log: log}
}

// Register adds a named shutdown hook, run before every hook registered
// before it.
func (o *Orchestrator) Register(name string, fn func(context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, hook{name: name, fn: fn})
}

// Shutdown runs every registered hook in LIFO order, stopping early if ctx
// is cancelled before all hooks complete. Hook errors are aggregated with
// multierr rather than discarded, so a failing hook never hides a sibling's
// failure.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	hooks := make([]hook, len(o.hooks))
	copy(hooks, o.hooks)
	o.mu.Unlock()

	o.log.Info("starting graceful shutdown", logging.Int("components", len(hooks)))

	var errs error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		select {
		case <-ctx.Done():
			errs = multierr.Append(errs, guardianerr.Wrap(guardianerr.KindTimeout, h.name, ctx.Err()))
			continue
		default:
		}
		if err := h.fn(ctx); err != nil {
			o.log.Error("shutdown hook failed", logging.String("hook", h.name), logging.Err(err))
			errs = multierr.Append(errs, guardianerr.Wrap(guardianerr.KindTransientIO, h.name, err))
		}
	}

	if errs == nil {
		o.log.Info("graceful shutdown complete")
	}
	return errs
}
