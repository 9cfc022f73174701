package chunkpipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cthede11/guardian/internal/gpuworker"
	"github.com/cthede11/guardian/internal/guardianerr"
)

func testKey(cx, cz int32) ChunkKey {
	return ChunkKey{Dim: "overworld", CX: cx, CZ: cz, Seed: 42, RuleVersion: 1}
}

func waitReady(t *testing.T, p *Pipeline, handle Handle) ChunkProposal {
	t.Helper()
	var proposal ChunkProposal
	require.Eventually(t, func() bool {
		status, got, err := p.Poll(handle)
		if status == PollFailed {
			require.NoError(t, err)
		}
		if status == PollReady {
			proposal = got
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return proposal
}

func TestSubmitAndPollSucceedsOnGPU(t *testing.T) {
	gpu := gpuworker.NewCPUDevice() // stands in as a healthy "gpu" device for this test
	cpu := gpuworker.NewCPUDevice()
	p := New(gpu, cpu, DefaultConfig(), nil)

	handle, err := p.Submit(context.Background(), ChunkJob{Key: testKey(0, 0), Priority: PriorityInteractive})
	require.NoError(t, err)

	proposal := waitReady(t, p, handle)
	assert.Equal(t, ProducedByGPU, proposal.ProducedBy)
	assert.Len(t, proposal.Density, 256)
}

func TestConcurrentSubmitsForSameKeyDedup(t *testing.T) {
	gpu := gpuworker.NewCPUDevice()
	cpu := gpuworker.NewCPUDevice()
	p := New(gpu, cpu, DefaultConfig(), nil)

	key := testKey(3, 3)
	const n = 100
	handles := make([]Handle, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			h, err := p.Submit(context.Background(), ChunkJob{Key: key, Priority: PriorityInteractive})
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	first := handles[0]
	for _, h := range handles {
		assert.Equal(t, first, h)
	}

	proposal := waitReady(t, p, first)
	assert.Equal(t, key, proposal.Key)
}

// flakyGPUDevice fails exactly once with DeviceLost, then behaves like a
// normal device on every later submission — standing in for scenario S4
// (inject a DeviceLost on the next JobResult).
type flakyGPUDevice struct {
	gpuworker.Device
	mu       sync.Mutex
	failOnce bool
	failed   map[gpuworker.JobHandle]bool
}

func newFlakyGPUDevice() *flakyGPUDevice {
	return &flakyGPUDevice{Device: gpuworker.NewCPUDevice(), failOnce: true, failed: make(map[gpuworker.JobHandle]bool)}
}

func (f *flakyGPUDevice) SubmitChunk(job gpuworker.JobSpec) (gpuworker.JobHandle, error) {
	handle, err := f.Device.SubmitChunk(job)
	if err != nil {
		return handle, err
	}
	f.mu.Lock()
	if f.failOnce {
		f.failOnce = false
		f.failed[handle] = true
	}
	f.mu.Unlock()
	return handle, nil
}

func (f *flakyGPUDevice) TryFetch(handle gpuworker.JobHandle) (gpuworker.FetchStatus, gpuworker.Result, gpuworker.FailureKind, error) {
	f.mu.Lock()
	shouldFail := f.failed[handle]
	f.mu.Unlock()
	if shouldFail {
		return gpuworker.FetchFailed, gpuworker.Result{}, gpuworker.FailureDeviceLost, errDeviceLost
	}
	return f.Device.TryFetch(handle)
}

var errDeviceLost = &deviceLostErr{}

type deviceLostErr struct{}

func (*deviceLostErr) Error() string { return "device lost" }

func TestGPUFallbackOnDeviceLost(t *testing.T) {
	gpu := newFlakyGPUDevice()
	cpu := gpuworker.NewCPUDevice()
	p := New(gpu, cpu, DefaultConfig(), nil)

	handle, err := p.Submit(context.Background(), ChunkJob{Key: testKey(5, 5), Priority: PriorityInteractive})
	require.NoError(t, err)

	proposal := waitReady(t, p, handle)
	assert.Equal(t, ProducedByCPU, proposal.ProducedBy)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.CompletedCPU)
}

// blockingDevice holds every SubmitChunk until release is closed, so a
// test can keep the pipeline's inflight slots occupied.
type blockingDevice struct {
	gpuworker.Device
	release chan struct{}
}

func newBlockingDevice() *blockingDevice {
	return &blockingDevice{Device: gpuworker.NewCPUDevice(), release: make(chan struct{})}
}

func (b *blockingDevice) SubmitChunk(job gpuworker.JobSpec) (gpuworker.JobHandle, error) {
	<-b.release
	return b.Device.SubmitChunk(job)
}

func TestBackgroundQueueDropsOldestOnOverflow(t *testing.T) {
	gpu := newBlockingDevice()
	cpu := gpuworker.NewCPUDevice()
	cfg := Config{MaxInflight: 1, BackgroundQueueMax: 1}
	p := New(gpu, cpu, cfg, nil)

	// The first job takes the one inflight slot and stays blocked in the
	// device; the second queues; the third overflows the one-entry queue
	// and drops the second, the oldest queued entry.
	_, err := p.Submit(context.Background(), ChunkJob{Key: testKey(1, 1), Priority: PriorityBackground})
	require.NoError(t, err)
	dropped, err := p.Submit(context.Background(), ChunkJob{Key: testKey(2, 2), Priority: PriorityBackground})
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), ChunkJob{Key: testKey(7, 7), Priority: PriorityBackground})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), p.Stats().BackgroundDropped)
	status, _, err := p.Poll(dropped)
	assert.Equal(t, PollFailed, status)
	assert.True(t, guardianerr.Is(err, guardianerr.KindBackpressure))

	close(gpu.release)
	require.Eventually(t, func() bool {
		return p.Stats().Inflight == 0
	}, 2*time.Second, time.Millisecond)
}

func TestCancelRemovesQueuedBackgroundJob(t *testing.T) {
	gpu := newBlockingDevice()
	defer close(gpu.release)
	cpu := gpuworker.NewCPUDevice()
	cfg := Config{MaxInflight: 1, BackgroundQueueMax: 4}
	p := New(gpu, cpu, cfg, nil)

	// The first job occupies the only inflight slot, so the second sits in
	// bgQueue until canceled.
	_, err := p.Submit(context.Background(), ChunkJob{Key: testKey(8, 8), Priority: PriorityBackground})
	require.NoError(t, err)
	handle, err := p.Submit(context.Background(), ChunkJob{Key: testKey(9, 9), Priority: PriorityBackground})
	require.NoError(t, err)

	ok := p.Cancel(handle)
	assert.True(t, ok)
}
