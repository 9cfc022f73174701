package supervisor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cthede11/guardian/internal/guardianerr"
	"github.com/cthede11/guardian/internal/logging"
)

// State is a position in the Supervisor state machine.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateRestarting:
		return "Restarting"
	case StateStopping:
		return "Stopping"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Config carries the transition timers and thresholds the state machine
// is driven by. Field names mirror the external-interfaces configuration
// keys so a caller can build one straight from config.Config.
type Config struct {
	Command string
	Args    []string
	Prober  Prober

	StartupTimeout  time.Duration
	HealthInterval  time.Duration
	ProbeTimeout    time.Duration
	ShutdownTimeout time.Duration
	MinTPSHealthy   float64

	StrikeThreshold int // default 2
	NConsecutive    int // consecutive healthy probes required to promote Green; default 3

	RestartBudgetCapacity int
	RestartBudgetRefill   time.Duration

	// PreRestartHook runs before the old child is torn down in the
	// Restarting transition (the snapshot-if-enabled hook). A nil hook is
	// a no-op.
	PreRestartHook func(context.Context) error
}

func (c *Config) setDefaults() {
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 120 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 60 * time.Second
	}
	if c.MinTPSHealthy == 0 {
		c.MinTPSHealthy = 18.0
	}
	if c.StrikeThreshold == 0 {
		c.StrikeThreshold = 2
	}
	if c.NConsecutive == 0 {
		c.NConsecutive = 3
	}
	if c.RestartBudgetCapacity == 0 {
		c.RestartBudgetCapacity = 5
	}
	if c.RestartBudgetRefill == 0 {
		c.RestartBudgetRefill = 600 * time.Second
	}
}

// Stats is a point-in-time snapshot of the Supervisor's bookkeeping,
// grounded on the teacher's PeerStats snapshot-struct convention.
type Stats struct {
	State        State
	Strikes      int
	RestartCount uint64
	BudgetTokens float64
	ActiveColor  string // "blue" or "green", empty when Stopped; Failed keeps the last value
}

// Supervisor owns the child process lifecycle, health checks, restart
// policy, and blue-green promotion for one managed server.
type Supervisor struct {
	log *logging.Logger
	cfg Config

	mu            sync.Mutex
	state         State
	blue          *ChildHandle
	green         *ChildHandle
	active        string // "blue" or "green"
	strikes       int
	restartCount  uint64
	restartBudget *rate.Limiter
	failedErr     error

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Supervisor. Callers must call Start to begin running the
// state machine; New itself performs no I/O.
func New(cfg Config, log *logging.Logger) *Supervisor {
	cfg.setDefaults()
	if log == nil {
		log = logging.Default("supervisor")
	}
	return &Supervisor{
		log:           log,
		cfg:           cfg,
		state:         StateStopped,
		restartBudget: rate.NewLimiter(rate.Every(cfg.RestartBudgetRefill), cfg.RestartBudgetCapacity),
	}
}

// Start spawns the child (as Blue) and drives it through Starting into
// Running, then launches the background health-monitor loop. It returns
// once the first health probe succeeds or startup_timeout elapses.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return guardianerr.New(guardianerr.KindNotPermitted, "supervisor.start", "already started (state=%s)", s.state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	handle, err := spawnChild(s.cfg.Command, s.cfg.Args, s.cfg.Prober, s.cfg.ProbeTimeout, s.log)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return err
	}

	if err := s.awaitHealthy(ctx, handle, s.cfg.StartupTimeout, 1); err != nil {
		_ = handle.Stop(ctx, s.cfg.ShutdownTimeout)
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return guardianerr.Wrap(guardianerr.KindChildCrash, "supervisor.start", err)
	}

	s.mu.Lock()
	s.blue = handle
	s.active = "blue"
	s.state = StateRunning
	s.strikes = 0
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.healthLoop()
	return nil
}

// awaitHealthy polls handle until it reports healthy n consecutive times,
// timeout elapses, or the process exits. A healthy probe requires the
// process alive, the probe (if any) to succeed, and — if a tick rate was
// reported — that it exceed MinTPSHealthy.
func (s *Supervisor) awaitHealthy(ctx context.Context, handle *ChildHandle, timeout time.Duration, n int) error {
	deadline := time.Now().Add(timeout)
	consecutive := 0
	for time.Now().Before(deadline) {
		if handle.Exited() {
			return guardianerr.New(guardianerr.KindChildCrash, "supervisor.await_healthy", "child exited before becoming healthy")
		}
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		alive, probeOK, tps, _ := handle.Probe(probeCtx)
		cancel()
		if alive && probeOK && (tps == 0 || tps > s.cfg.MinTPSHealthy) {
			consecutive++
			if consecutive >= n {
				return nil
			}
		} else {
			consecutive = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return guardianerr.Timeout("supervisor.await_healthy")
}

func (s *Supervisor) activeHandle() *ChildHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "green" {
		return s.green
	}
	return s.blue
}

// healthLoop runs health_interval probes against the active handle while
// Running, escalating to Restarting on repeated failure and reacting
// immediately if the child exits on its own.
func (s *Supervisor) healthLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		active := s.activeHandle()
		if active == nil {
			return
		}
		select {
		case <-s.stopCh:
			return
		case <-active.exited:
			s.log.Warn("active child exited unexpectedly")
			if !s.transitionToRestarting(context.Background()) {
				return
			}
		case <-ticker.C:
			s.mu.Lock()
			running := s.state == StateRunning
			s.mu.Unlock()
			if !running {
				continue
			}
			probeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ProbeTimeout)
			alive, probeOK, tps, _ := active.Probe(probeCtx)
			cancel()
			healthy := alive && probeOK && (tps == 0 || tps > s.cfg.MinTPSHealthy)
			s.mu.Lock()
			if healthy {
				s.strikes = 0
				s.mu.Unlock()
				continue
			}
			s.strikes++
			strikes := s.strikes
			s.mu.Unlock()
			s.log.Warn("health probe failed", logging.Int("strikes", strikes))
			if strikes >= s.cfg.StrikeThreshold {
				if !s.transitionToRestarting(context.Background()) {
					return
				}
			}
		}
	}
}

// transitionToRestarting drives Running -> Restarting -> Starting -> Running
// (or -> Failed on restart-budget exhaustion). Returns false if the
// Supervisor has left the health loop's purview (Stopped/Failed/Stopping).
func (s *Supervisor) transitionToRestarting(ctx context.Context) bool {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return false
	}
	s.state = StateRestarting
	old := s.blue
	if s.active == "green" {
		old = s.green
	}
	s.mu.Unlock()

	if s.cfg.PreRestartHook != nil {
		if err := s.cfg.PreRestartHook(ctx); err != nil {
			s.log.Warn("pre-restart hook failed", logging.Err(err))
		}
	}
	if old != nil {
		_ = old.Stop(ctx, s.cfg.ShutdownTimeout)
	}

	if !s.restartBudget.Allow() {
		s.mu.Lock()
		s.state = StateFailed
		s.failedErr = guardianerr.New(guardianerr.KindBudgetExhausted, "supervisor.restart", "restart budget exhausted")
		s.mu.Unlock()
		s.log.Error("restart budget exhausted, entering Failed")
		return false
	}

	s.mu.Lock()
	s.restartCount++
	s.state = StateStarting
	s.mu.Unlock()

	handle, err := spawnChild(s.cfg.Command, s.cfg.Args, s.cfg.Prober, s.cfg.ProbeTimeout, s.log)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.failedErr = err
		s.mu.Unlock()
		return false
	}
	if err := s.awaitHealthy(ctx, handle, s.cfg.StartupTimeout, 1); err != nil {
		_ = handle.Stop(ctx, s.cfg.ShutdownTimeout)
		s.mu.Lock()
		s.state = StateFailed
		s.failedErr = err
		s.mu.Unlock()
		return false
	}

	s.mu.Lock()
	if s.active == "green" {
		s.green = handle
	} else {
		s.blue = handle
	}
	s.state = StateRunning
	s.strikes = 0
	s.mu.Unlock()
	return true
}

// Stop drives Running -> Stopping -> Stopped: graceful shutdown of the
// active child, force-killed past shutdown_timeout.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateRunning && s.state != StateRestarting && s.state != StateStarting {
		s.mu.Unlock()
		return guardianerr.New(guardianerr.KindNotPermitted, "supervisor.stop", "cannot stop from state %s", s.state)
	}
	s.state = StateStopping
	blue, green := s.blue, s.green
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if doneCh != nil {
		<-doneCh
	}

	var err error
	if blue != nil {
		if e := blue.Stop(ctx, s.cfg.ShutdownTimeout); e != nil {
			err = e
		}
	}
	if green != nil {
		if e := green.Stop(ctx, s.cfg.ShutdownTimeout); e != nil {
			err = e
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.blue, s.green, s.active = nil, nil, ""
	s.mu.Unlock()
	return err
}

// Restart is an operator-requested restart. Unlike the crash-triggered
// path in healthLoop, it does not consume the restart budget: the budget
// exists to bound how often the Supervisor thrashes on its own, not to
// limit deliberate operator action.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Deploy spawns a Green candidate running command/args alongside the
// active Blue, promotes it to active once it passes n_consecutive health
// probes within startup_timeout, and stops the old Blue. If Green never
// becomes healthy, it is torn down and Blue is left untouched.
func (s *Supervisor) Deploy(ctx context.Context, command string, args []string) error {
	s.mu.Lock()
	if s.state != StateRunning || s.active != "blue" {
		s.mu.Unlock()
		return guardianerr.New(guardianerr.KindNotPermitted, "supervisor.deploy", "deploy requires Running on blue (state=%s)", s.state)
	}
	s.mu.Unlock()

	green, err := spawnChild(command, args, s.cfg.Prober, s.cfg.ProbeTimeout, s.log)
	if err != nil {
		return guardianerr.Wrap(guardianerr.KindChildCrash, "supervisor.deploy", err)
	}

	if err := s.awaitHealthy(ctx, green, s.cfg.StartupTimeout, s.cfg.NConsecutive); err != nil {
		_ = green.Stop(ctx, s.cfg.ShutdownTimeout)
		s.log.Warn("green candidate failed to become healthy, blue untouched", logging.Err(err))
		return guardianerr.Wrap(guardianerr.KindChildCrash, "supervisor.deploy", err)
	}

	s.mu.Lock()
	oldBlue := s.blue
	s.blue = green
	s.active = "blue"
	s.strikes = 0
	s.mu.Unlock()

	// Swap is atomic (the pointer assignment above under the lock); the
	// old Blue transitions to Stopping independently and does not block
	// traffic on the new active handle.
	go func() {
		_ = oldBlue.Stop(context.Background(), s.cfg.ShutdownTimeout)
	}()
	return nil
}

// Status returns a point-in-time snapshot of the state machine.
func (s *Supervisor) Status() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:        s.state,
		Strikes:      s.strikes,
		RestartCount: s.restartCount,
		BudgetTokens: s.restartBudget.Tokens(),
		ActiveColor:  s.active,
	}
}

// Err returns the error that drove the Supervisor into Failed, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedErr
}

// ExitCode maps the terminal state to the process exit codes external
// interfaces defines: 0 clean stop, 2 unrecoverable (budget exhausted).
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return 2
	}
	return 0
}
