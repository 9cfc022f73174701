package gpuworker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cthede11/guardian/internal/guardianerr"
	"github.com/cthede11/guardian/internal/logging"
	"github.com/cthede11/guardian/internal/wire"
)

// ShimConfig configures the separate-process GPU Worker client.
type ShimConfig struct {
	// WorkerBinary is the path to the cmd/guardian-gpu-worker executable.
	WorkerBinary string
	// SocketPath is the Unix domain socket the worker listens on.
	SocketPath string
	InitTimeout time.Duration
}

// shimGPUDevice owns the separate-process GPU Worker: it spawns the
// child, dials its control socket, and speaks the §6 length-prefixed
// wire protocol. Dispatch-then-wait-on-a-result-channel, bounded by a
// timer, mirrors the teacher's GPUSupervisor.ExecuteJob shape — there
// the channel crossed a SharedArrayBuffer bridge into a WASM module,
// here it crosses a socket into a child OS process.
type shimGPUDevice struct {
	cfg ShimConfig
	log *logging.Logger

	cmd  *exec.Cmd
	conn net.Conn
	w    *bufio.Writer

	writeMu sync.Mutex

	nextID  uint64
	pending sync.Map // JobHandle -> chan shimResult

	healthy atomic.Bool
	lastFailure atomic.Int32

	closeOnce sync.Once
	stopReader chan struct{}
}

type shimResult struct {
	result Result
	kind   FailureKind
	err    error
}

// NewShimDevice constructs a client for the separate-process GPU Worker.
// Init spawns the child and dials its socket; construction alone does
// no I/O.
func NewShimDevice(cfg ShimConfig, log *logging.Logger) Device {
	if log == nil {
		log = logging.Default("gpuworker")
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = 10 * time.Second
	}
	return &shimGPUDevice{cfg: cfg, log: log, stopReader: make(chan struct{})}
}

func (d *shimGPUDevice) Init() error {
	_ = os.Remove(d.cfg.SocketPath)

	cmd := exec.Command(d.cfg.WorkerBinary, "--socket", d.cfg.SocketPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return guardianerr.Wrap(guardianerr.KindDeviceLost, "gpuworker.Init", fmt.Errorf("spawn worker: %w", err))
	}
	d.cmd = cmd

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.InitTimeout)
	defer cancel()
	conn, err := dialWithRetry(ctx, d.cfg.SocketPath)
	if err != nil {
		_ = cmd.Process.Kill()
		return guardianerr.Wrap(guardianerr.KindDeviceLost, "gpuworker.Init", err)
	}
	d.conn = conn
	d.w = bufio.NewWriter(conn)

	go d.readLoop()

	if err := wire.WriteFrame(d.w, wire.MsgInit, nil); err != nil {
		return guardianerr.Wrap(guardianerr.KindDeviceLost, "gpuworker.Init", err)
	}
	if err := d.w.Flush(); err != nil {
		return guardianerr.Wrap(guardianerr.KindDeviceLost, "gpuworker.Init", err)
	}

	d.healthy.Store(true)
	d.log.Info("gpu worker initialized", logging.String("socket", d.cfg.SocketPath))
	return nil
}

func dialWithRetry(ctx context.Context, path string) (net.Conn, error) {
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", path, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (d *shimGPUDevice) SubmitChunk(job JobSpec) (JobHandle, error) {
	handle := JobHandle(atomic.AddUint64(&d.nextID, 1))
	resultCh := make(chan shimResult, 1)
	d.pending.Store(handle, resultCh)

	payload := wire.SubmitJobPayload{
		CX:          job.CX,
		CZ:          job.CZ,
		Seed:        job.Seed,
		DimHash:     job.DimHash,
		RuleVersion: job.RuleVersion,
		DeadlineMs:  job.DeadlineMs,
		Priority:    priorityByte(job.Interactive),
	}.Encode()

	d.writeMu.Lock()
	err := wire.WriteFrame(d.w, wire.MsgSubmitJob, withHandlePrefix(handle, payload))
	if err == nil {
		err = d.w.Flush()
	}
	d.writeMu.Unlock()

	if err != nil {
		d.pending.Delete(handle)
		return 0, guardianerr.Wrap(guardianerr.KindDeviceLost, "gpuworker.SubmitChunk", err)
	}
	return handle, nil
}

func priorityByte(interactive bool) wire.Priority {
	if interactive {
		return wire.PriorityInteractive
	}
	return wire.PriorityBackground
}

// withHandlePrefix prepends the 8-byte handle the host uses to route a
// JobResult frame back to the right waiter; the worker process echoes it
// unchanged in its response, the same correlation-id discipline the
// teacher's AckManager used for SendWithGuarantee.
func withHandlePrefix(handle JobHandle, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	for i := 0; i < 8; i++ {
		out[i] = byte(handle >> (8 * i))
	}
	copy(out[8:], payload)
	return out
}

func readHandlePrefix(b []byte) (JobHandle, []byte) {
	if len(b) < 8 {
		return 0, b
	}
	var h uint64
	for i := 0; i < 8; i++ {
		h |= uint64(b[i]) << (8 * i)
	}
	return JobHandle(h), b[8:]
}

// TryFetch is a non-blocking poll: it checks whether the reader
// goroutine has already delivered a result for handle.
func (d *shimGPUDevice) TryFetch(handle JobHandle) (FetchStatus, Result, FailureKind, error) {
	v, ok := d.pending.Load(handle)
	if !ok {
		return FetchFailed, Result{}, FailureOther, fmt.Errorf("gpuworker: unknown handle %d", handle)
	}
	ch := v.(chan shimResult)
	select {
	case res := <-ch:
		d.pending.Delete(handle)
		if res.err != nil || res.kind != FailureNone {
			return FetchFailed, Result{}, res.kind, res.err
		}
		return FetchReady, res.result, FailureNone, nil
	default:
		return FetchPending, Result{}, FailureNone, nil
	}
}

func (d *shimGPUDevice) Free(handle JobHandle) {
	d.pending.Delete(handle)
}

func (d *shimGPUDevice) Health() HealthStatus {
	if d.healthy.Load() {
		return HealthStatus{Healthy: true}
	}
	return HealthStatus{Healthy: false, Kind: FailureKind(d.lastFailure.Load())}
}

func (d *shimGPUDevice) Shutdown() error {
	var shutErr error
	d.closeOnce.Do(func() {
		close(d.stopReader)
		if d.w != nil {
			_ = wire.WriteFrame(d.w, wire.MsgShutdown, nil)
			_ = d.w.Flush()
		}
		if d.conn != nil {
			_ = d.conn.Close()
		}
		if d.cmd != nil && d.cmd.Process != nil {
			done := make(chan error, 1)
			go func() { done <- d.cmd.Wait() }()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				_ = d.cmd.Process.Kill()
			}
		}
	})
	return shutErr
}

// readLoop demultiplexes JobResult/Health frames off the socket into the
// right waiter, marking the device unhealthy if the connection drops —
// a dropped connection is itself evidence of a DeviceLost failure.
func (d *shimGPUDevice) readLoop() {
	r := bufio.NewReader(d.conn)
	for {
		select {
		case <-d.stopReader:
			return
		default:
		}
		frame, err := wire.ReadFrame(r)
		if err != nil {
			d.healthy.Store(false)
			d.lastFailure.Store(int32(FailureDeviceLost))
			d.failAllPending(FailureDeviceLost, err)
			return
		}
		switch frame.Kind {
		case wire.MsgJobResult:
			d.handleJobResult(frame.Payload)
		case wire.MsgHealth:
			d.handleHealth(frame.Payload)
		}
	}
}

func (d *shimGPUDevice) handleJobResult(payload []byte) {
	handle, rest := readHandlePrefix(payload)
	jr, err := wire.DecodeJobResultPayload(rest)
	v, ok := d.pending.Load(handle)
	if !ok {
		return
	}
	ch := v.(chan shimResult)
	if err != nil {
		ch <- shimResult{kind: FailureOther, err: err}
		return
	}
	switch wire.JobStatus(jr.Status) {
	case wire.StatusSuccess:
		ch <- shimResult{result: Result{
			Density:     jr.Density,
			Mask:        jr.Mask,
			Biome:       jr.Biome,
			ContentHash: jr.ContentHash,
			ProducedBy:  ProducedByGPU,
		}}
	case wire.StatusDeviceLost:
		d.healthy.Store(false)
		d.lastFailure.Store(int32(FailureDeviceLost))
		ch <- shimResult{kind: FailureDeviceLost}
	case wire.StatusTimeout:
		ch <- shimResult{kind: FailureTimeout}
	default:
		ch <- shimResult{kind: FailureOther}
	}
}

func (d *shimGPUDevice) handleHealth(payload []byte) {
	if len(payload) < 1 {
		return
	}
	d.healthy.Store(payload[0] == 1)
}

func (d *shimGPUDevice) failAllPending(kind FailureKind, err error) {
	d.pending.Range(func(key, value any) bool {
		ch := value.(chan shimResult)
		select {
		case ch <- shimResult{kind: kind, err: err}:
		default:
		}
		return true
	})
}
