package gpuworker

import (
	"sync"
)

// cpuDevice runs the chunkkernel pass synchronously in-process. The
// Chunk Pipeline falls back to it whenever the shimGPUDevice reports
// unhealthy, per §4.4's fallback policy; its output is bit-compatible
// with the GPU path on the deterministic subset because both call the
// same chunkkernel.Run.
type cpuDevice struct {
	mu       sync.Mutex
	nextID   uint64
	pending  map[JobHandle]Result
}

// NewCPUDevice constructs the always-available CPU fallback device.
func NewCPUDevice() Device {
	return &cpuDevice{pending: make(map[JobHandle]Result)}
}

func (d *cpuDevice) Init() error { return nil }

func (d *cpuDevice) SubmitChunk(job JobSpec) (JobHandle, error) {
	result := runKernel(job, ProducedByCPU)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	handle := JobHandle(d.nextID)
	d.pending[handle] = result
	return handle, nil
}

func (d *cpuDevice) TryFetch(handle JobHandle) (FetchStatus, Result, FailureKind, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	result, ok := d.pending[handle]
	if !ok {
		return FetchFailed, Result{}, FailureOther, nil
	}
	return FetchReady, result, FailureNone, nil
}

func (d *cpuDevice) Free(handle JobHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, handle)
}

func (d *cpuDevice) Health() HealthStatus { return HealthStatus{Healthy: true} }

func (d *cpuDevice) Shutdown() error { return nil }
