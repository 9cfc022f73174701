// Package chunkpipeline implements the GPU Chunk Pipeline: submission,
// deduplication, backpressure, and result integration for compute-shader
// chunk jobs, with CPU fallback when the GPU Worker reports unhealthy.
// Dedup and in-flight tracking follow the teacher's AckManager
// (pending-ack-with-retry keyed by correlation id) generalized from a
// single-attempt-per-message model to a single-execution-per-ChunkKey
// model with many waiters sharing one outcome.
package chunkpipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cthede11/guardian/internal/actorid"
	"github.com/cthede11/guardian/internal/chunkkernel"
	"github.com/cthede11/guardian/internal/gpuworker"
	"github.com/cthede11/guardian/internal/guardianerr"
	"github.com/cthede11/guardian/internal/logging"
)

// ChunkKey identifies one chunk generation job. Equality uses all five
// fields — rule_version is part of the key so a rule change invalidates
// any in-flight or cached proposal for the same coordinates.
type ChunkKey struct {
	Dim         actorid.DimensionId
	CX, CZ      int32
	Seed        int64
	RuleVersion uint64
}

// Priority is a ChunkJob's backpressure band.
type Priority int

const (
	PriorityInteractive Priority = iota
	PriorityBackground
)

// ChunkJob is one submission to the pipeline.
type ChunkJob struct {
	Key         ChunkKey
	SubmittedAt time.Time
	Priority    Priority
	Deadline    time.Time // zero means no deadline
}

// ProducedBy discriminates a ChunkProposal's origin device class.
type ProducedBy int

const (
	ProducedByGPU ProducedBy = iota
	ProducedByCPU
)

// ChunkProposal is the pipeline's completed output for one job. It is
// consumed exactly once by the integrator and never cached across
// consumptions — dedup happens at the job level, not the result level.
type ChunkProposal struct {
	Key         ChunkKey
	Density     []byte
	Mask        []byte
	Biome       []byte
	ContentHash [16]byte
	ProducedBy  ProducedBy
	ProducedAt  time.Time
}

// PollStatus is poll's outcome for a Handle.
type PollStatus int

const (
	PollPending PollStatus = iota
	PollReady
	PollFailed
)

// Handle identifies one submitted job; concurrent submits for an equal
// ChunkKey share the same Handle.
type Handle uint64

// PipelineStats is stats()'s snapshot.
type PipelineStats struct {
	Inflight          int
	BackgroundQueued  int
	BackgroundDropped uint64
	CompletedGPU      uint64
	CompletedCPU      uint64
	Failed            uint64
}

// waiter is the shared outcome for every submit() sharing one in-flight
// ChunkKey execution — the generalization of AckManager's single
// pending-ack slot into a fan-out-to-many-callers slot.
type waiter struct {
	handle  Handle
	job     ChunkJob
	done    chan struct{}
	result  ChunkProposal
	err     error
	started bool
}

// Pipeline is the Chunk Pipeline (D). It owns a primary Device (normally
// the GPU Worker shim) and always has a CPU fallback device available.
type Pipeline struct {
	log *logging.Logger

	gpu gpuworker.Device
	cpu gpuworker.Device

	maxInflight         int
	backgroundQueueMax  int

	mu          sync.Mutex
	byKey       map[ChunkKey]*waiter
	byHandle    map[Handle]*waiter
	nextHandle  uint64
	inflight    int
	bgQueue     []*waiter
	stats       PipelineStats

	capCond *sync.Cond

	gpuHealthy bool
}

// Config configures a new Pipeline.
type Config struct {
	MaxInflight        int
	BackgroundQueueMax int
}

// DefaultConfig returns the spec's default backpressure bands.
func DefaultConfig() Config {
	return Config{MaxInflight: 64, BackgroundQueueMax: 4096}
}

// New constructs a Pipeline. gpu may be nil if no GPU Worker is
// configured, in which case every job runs on cpu.
func New(gpu, cpu gpuworker.Device, cfg Config, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Default("chunkpipeline")
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultConfig().MaxInflight
	}
	if cfg.BackgroundQueueMax <= 0 {
		cfg.BackgroundQueueMax = DefaultConfig().BackgroundQueueMax
	}
	p := &Pipeline{
		log:                log,
		gpu:                gpu,
		cpu:                cpu,
		maxInflight:        cfg.MaxInflight,
		backgroundQueueMax: cfg.BackgroundQueueMax,
		byKey:              make(map[ChunkKey]*waiter),
		byHandle:           make(map[Handle]*waiter),
		gpuHealthy:         gpu != nil,
	}
	p.capCond = sync.NewCond(&p.mu)
	return p
}

// Submit enqueues job, deduplicating on ChunkKey. Interactive submits
// block until capacity frees up or ctx is cancelled / job.Deadline
// elapses; Background submits that don't fit in `max_inflight` queue,
// and once the queue itself is full the oldest queued Background entry
// is dropped with Backpressure to make room.
func (p *Pipeline) Submit(ctx context.Context, job ChunkJob) (Handle, error) {
	p.mu.Lock()

	if w, ok := p.byKey[job.Key]; ok {
		h := w.handle
		p.mu.Unlock()
		return h, nil
	}

	p.nextHandle++
	handle := Handle(p.nextHandle)
	w := &waiter{handle: handle, job: job, done: make(chan struct{})}
	p.byKey[job.Key] = w
	p.byHandle[handle] = w

	if p.inflight < p.maxInflight {
		p.startLocked(w)
		p.mu.Unlock()
		return handle, nil
	}

	if job.Priority == PriorityInteractive {
		for p.inflight >= p.maxInflight {
			if !p.waitForCapacityLocked(ctx, job.Deadline) {
				delete(p.byKey, job.Key)
				delete(p.byHandle, handle)
				p.mu.Unlock()
				return 0, guardianerr.New(guardianerr.KindBackpressure, "chunkpipeline.Submit", "interactive submit exceeded deadline waiting for capacity")
			}
		}
		p.startLocked(w)
		p.mu.Unlock()
		return handle, nil
	}

	if len(p.bgQueue) >= p.backgroundQueueMax {
		oldest := p.bgQueue[0]
		p.bgQueue = p.bgQueue[1:]
		p.failLocked(oldest, guardianerr.New(guardianerr.KindBackpressure, "chunkpipeline.Submit", "background job dropped: queue full"))
		delete(p.byKey, oldest.job.Key)
		p.stats.BackgroundDropped++
	}
	p.bgQueue = append(p.bgQueue, w)
	p.mu.Unlock()
	return handle, nil
}

// startLocked marks w running and dispatches its execution goroutine. Must
// be called with p.mu held.
func (p *Pipeline) startLocked(w *waiter) {
	w.started = true
	p.inflight++
	p.stats.Inflight = p.inflight
	go p.execute(w)
}

// waitForCapacityLocked blocks the caller (which must hold p.mu) until
// inflight capacity frees up, ctx is cancelled, or deadline elapses,
// re-acquiring p.mu before returning either way.
func (p *Pipeline) waitForCapacityLocked(ctx context.Context, deadline time.Time) bool {
	waitCh := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.inflight >= p.maxInflight {
			p.capCond.Wait()
		}
		p.mu.Unlock()
		close(waitCh)
	}()

	var timerCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timerCh = timer.C
	}

	p.mu.Unlock()
	defer p.mu.Lock()
	select {
	case <-waitCh:
		return true
	case <-ctx.Done():
		return false
	case <-timerCh:
		return false
	}
}

// execute runs one job to completion, preferring the GPU device and
// falling back to CPU on DeviceLost, then fans the outcome out to every
// waiter sharing this ChunkKey and starts the next queued Background job,
// if any, now that a slot is free.
func (p *Pipeline) execute(w *waiter) {
	proposal, err := p.runJob(w.job)

	p.mu.Lock()
	if err != nil {
		w.err = err
		p.stats.Failed++
	} else {
		w.result = proposal
		if proposal.ProducedBy == ProducedByGPU {
			p.stats.CompletedGPU++
		} else {
			p.stats.CompletedCPU++
		}
	}
	delete(p.byKey, w.job.Key)
	p.inflight--
	p.stats.Inflight = p.inflight

	var toStart *waiter
	if len(p.bgQueue) > 0 && p.inflight < p.maxInflight {
		toStart = p.bgQueue[0]
		p.bgQueue = p.bgQueue[1:]
		p.startLocked(toStart)
	}
	p.capCond.Broadcast()
	p.mu.Unlock()

	close(w.done)
}

// failLocked marks a queued (not yet started) waiter failed without ever
// dispatching it. Must be called with p.mu held.
func (p *Pipeline) failLocked(w *waiter, err error) {
	w.err = err
	p.stats.Failed++
	close(w.done)
}

func (p *Pipeline) runJob(job ChunkJob) (ChunkProposal, error) {
	dimHash := chunkkernel.DimensionHash(string(job.Key.Dim))
	keyBytes := encodeKey(job.Key, dimHash)

	device, producedBy := p.selectDevice()
	jobSpec := gpuworker.JobSpec{
		CX:          job.Key.CX,
		CZ:          job.Key.CZ,
		Seed:        job.Key.Seed,
		DimHash:     dimHash,
		RuleVersion: job.Key.RuleVersion,
		Interactive: job.Priority == PriorityInteractive,
		KeyBytes:    keyBytes,
	}
	if !job.Deadline.IsZero() {
		jobSpec.DeadlineMs = uint32(time.Until(job.Deadline).Milliseconds())
	}

	result, failKind, err := p.runOnDevice(device, jobSpec)
	if err != nil && producedBy == ProducedByGPU && (failKind == gpuworker.FailureDeviceLost) {
		p.markGPUUnhealthy()
		p.log.Warn("gpu device lost, falling back to cpu", logging.Int("cx", int(job.Key.CX)), logging.Int("cz", int(job.Key.CZ)))
		result, _, err = p.runOnDevice(p.cpu, jobSpec)
		producedBy = ProducedByCPU
	}
	if err != nil {
		return ChunkProposal{}, err
	}

	proposal := ChunkProposal{
		Key:         job.Key,
		Density:     result.Density,
		Mask:        result.Mask,
		Biome:       result.Biome,
		ContentHash: result.ContentHash,
		ProducedBy:  producedBy,
		ProducedAt:  time.Now(),
	}
	return proposal, nil
}

func (p *Pipeline) selectDevice() (gpuworker.Device, ProducedBy) {
	p.mu.Lock()
	healthy := p.gpuHealthy && p.gpu != nil
	p.mu.Unlock()
	if healthy {
		return p.gpu, ProducedByGPU
	}
	return p.cpu, ProducedByCPU
}

func (p *Pipeline) markGPUUnhealthy() {
	p.mu.Lock()
	p.gpuHealthy = false
	p.mu.Unlock()
}

func (p *Pipeline) runOnDevice(device gpuworker.Device, job gpuworker.JobSpec) (gpuworker.Result, gpuworker.FailureKind, error) {
	handle, err := device.SubmitChunk(job)
	if err != nil {
		return gpuworker.Result{}, gpuworker.FailureOther, err
	}
	defer device.Free(handle)

	deadline := time.Now().Add(30 * time.Second)
	for {
		status, result, failKind, err := device.TryFetch(handle)
		switch status {
		case gpuworker.FetchReady:
			return result, gpuworker.FailureNone, nil
		case gpuworker.FetchFailed:
			return gpuworker.Result{}, failKind, err
		}
		if time.Now().After(deadline) {
			return gpuworker.Result{}, gpuworker.FailureTimeout, guardianerr.New(guardianerr.KindTimeout, "chunkpipeline.runOnDevice", "chunk job did not complete before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Poll reports a Handle's current outcome without blocking.
func (p *Pipeline) Poll(handle Handle) (PollStatus, ChunkProposal, error) {
	p.mu.Lock()
	w, ok := p.byHandle[handle]
	p.mu.Unlock()
	if !ok {
		return PollFailed, ChunkProposal{}, guardianerr.New(guardianerr.KindUnknown, "chunkpipeline.Poll", "unknown handle")
	}

	select {
	case <-w.done:
		p.mu.Lock()
		delete(p.byHandle, handle)
		p.mu.Unlock()
		if w.err != nil {
			return PollFailed, ChunkProposal{}, w.err
		}
		return PollReady, w.result, nil
	default:
		return PollPending, ChunkProposal{}, nil
	}
}

// Cancel removes a pending Handle's queue entry if it has not yet started
// executing; it cannot interrupt a job already dispatched to a device.
func (p *Pipeline) Cancel(handle Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.byHandle[handle]
	if !ok || w.started {
		return false
	}
	for i, queued := range p.bgQueue {
		if queued == w {
			p.bgQueue = append(p.bgQueue[:i], p.bgQueue[i+1:]...)
			delete(p.byKey, w.job.Key)
			delete(p.byHandle, handle)
			return true
		}
	}
	return false
}

// Stats returns a snapshot of pipeline backpressure/completion counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.BackgroundQueued = len(p.bgQueue)
	return s
}

// encodeKey builds the canonical byte string content_hash folds the key
// into. The wire protocol's SubmitJob frame carries dim_hash, not the
// raw dimension identifier (§6), so this uses the identical
// CX‖CZ‖Seed‖DimHash‖RuleVersion layout cmd/guardian-gpu-worker
// reconstructs on the other side of the socket — the GPU and CPU paths
// must hash the same bytes for equal keys to produce equal content_hash
// (§3, §8).
func encodeKey(k ChunkKey, dimHash uint32) []byte {
	b := make([]byte, 0, 4+4+8+4+8)
	b = appendInt32(b, k.CX)
	b = appendInt32(b, k.CZ)
	b = appendInt64(b, k.Seed)
	b = appendUint32(b, dimHash)
	b = appendUint64(b, k.RuleVersion)
	return b
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendInt32(b []byte, v int32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendInt64(b []byte, v int64) []byte {
	u := uint64(v)
	return appendUint64(b, u)
}

func appendUint64(b []byte, u uint64) []byte {
	for i := 0; i < 8; i++ {
		b = append(b, byte(u>>(8*i)))
	}
	return b
}
