// Package supervisor implements the Supervisor (G): the host daemon
// component that owns the server child process, drives its health/restart
// state machine, and coordinates blue-green deployments.
package supervisor

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cthede11/guardian/internal/guardianerr"
	"github.com/cthede11/guardian/internal/logging"
)

// Prober checks a running child's health out-of-band (an RCON ping, a
// status endpoint, whatever the child exposes). It returns the most
// recently reported tick rate and whether the probe itself succeeded.
// A nil Prober means the child exposes no such channel; ChildHandle then
// treats "process alive" as the whole health definition.
type Prober func(ctx context.Context) (tps float64, ok bool, err error)

type cmdKind uint8

const (
	cmdProbe cmdKind = iota
	cmdSignal
)

type actorCmd struct {
	kind  cmdKind
	sig   os.Signal
	reply chan actorReply
}

type actorReply struct {
	alive   bool
	probeOK bool
	tps     float64
	err     error
}

// ChildHandle is the single-threaded actor owning one OS child process.
// Every interaction — probing, signaling — goes through its command
// channel; no other goroutine touches cmd.Process directly, matching the
// exclusive-ownership invariant the state machine depends on.
type ChildHandle struct {
	log          *logging.Logger
	cmd          *exec.Cmd
	prober       Prober
	probeTimeout time.Duration

	commands chan actorCmd
	exited   chan struct{}
	exitErr  error
}

// spawnChild starts command as a child process and hands exclusive
// ownership of it to a new actor goroutine.
func spawnChild(command string, args []string, prober Prober, probeTimeout time.Duration, log *logging.Logger) (*ChildHandle, error) {
	if log == nil {
		log = logging.Default("childhandle")
	}
	cmd := exec.Command(command, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, guardianerr.Wrap(guardianerr.KindChildCrash, "childhandle.spawn", err)
	}

	h := &ChildHandle{
		log:          log,
		cmd:          cmd,
		prober:       prober,
		probeTimeout: probeTimeout,
		commands:     make(chan actorCmd),
		exited:       make(chan struct{}),
	}
	go h.run()
	return h, nil
}

func (h *ChildHandle) run() {
	waitErr := make(chan error, 1)
	go func() { waitErr <- h.cmd.Wait() }()

	for {
		select {
		case err := <-waitErr:
			h.exitErr = err
			close(h.exited)
			return
		case c := <-h.commands:
			h.handle(c)
		}
	}
}

func (h *ChildHandle) handle(c actorCmd) {
	switch c.kind {
	case cmdProbe:
		if h.prober == nil {
			c.reply <- actorReply{alive: true, probeOK: true}
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.probeTimeout)
		tps, ok, err := h.prober(ctx)
		cancel()
		c.reply <- actorReply{alive: true, probeOK: ok && err == nil, tps: tps, err: err}
	case cmdSignal:
		c.reply <- actorReply{err: h.cmd.Process.Signal(c.sig)}
	}
}

// Exited reports whether the child has already terminated, without
// blocking.
func (h *ChildHandle) Exited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// WaitExited blocks until the child terminates, ctx is cancelled, or
// deadline elapses (zero deadline means no extra bound beyond ctx).
func (h *ChildHandle) WaitExited(ctx context.Context, deadline time.Duration) error {
	var timer *time.Timer
	var timerC <-chan time.Time
	if deadline > 0 {
		timer = time.NewTimer(deadline)
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timerC:
		return guardianerr.Timeout("childhandle.wait_exited")
	}
}

// Probe requests a health check from the actor, blocking until the actor
// replies or ctx is cancelled. It returns whether the process is still
// alive and whether the probe (if any) succeeded.
func (h *ChildHandle) Probe(ctx context.Context) (alive bool, probeOK bool, tps float64, err error) {
	reply := make(chan actorReply, 1)
	select {
	case h.commands <- actorCmd{kind: cmdProbe, reply: reply}:
	case <-h.exited:
		return false, false, 0, nil
	case <-ctx.Done():
		return false, false, 0, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.alive, r.probeOK, r.tps, r.err
	case <-ctx.Done():
		return false, false, 0, ctx.Err()
	}
}

// Signal requests the actor deliver sig to the child process.
func (h *ChildHandle) Signal(sig os.Signal) error {
	reply := make(chan actorReply, 1)
	select {
	case h.commands <- actorCmd{kind: cmdSignal, sig: sig, reply: reply}:
	case <-h.exited:
		return nil
	}
	r := <-reply
	return r.err
}

// Stop requests graceful shutdown (SIGTERM), waits up to gracefulTimeout
// for the child to exit on its own, and force-kills it (SIGKILL) if it
// hasn't, per the Stopping state's force-kill-on-timeout transition.
func (h *ChildHandle) Stop(ctx context.Context, gracefulTimeout time.Duration) error {
	if h.Exited() {
		return nil
	}
	if err := h.Signal(syscall.SIGTERM); err != nil {
		h.log.Warn("sigterm delivery failed", logging.Err(err))
	}
	if err := h.WaitExited(ctx, gracefulTimeout); err == nil {
		return nil
	}
	h.log.Warn("graceful shutdown timed out, force-killing")
	if err := h.Signal(syscall.SIGKILL); err != nil && !h.Exited() {
		return guardianerr.Wrap(guardianerr.KindChildCrash, "childhandle.stop", err)
	}
	return h.WaitExited(ctx, 5*time.Second)
}
