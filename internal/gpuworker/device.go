// Package gpuworker is the Chunk Pipeline's client for the GPU Worker
// process: a thin, handle-based API over either a real separate-process
// worker (shimGPUDevice, speaking the §6 wire protocol over a Unix
// domain socket) or an in-process CPU fallback (cpuDevice) implementing
// the identical deterministic kernels. Running the worker in its own OS
// process, per §4.5, means a driver crash there never takes the game
// process down with it.
package gpuworker

import (
	"github.com/cthede11/guardian/internal/chunkkernel"
)

// JobHandle identifies one in-flight submission to a Device.
type JobHandle uint64

// JobSpec is the minimal job description a Device needs to run a kernel
// pass; the Chunk Pipeline translates its own ChunkKey into this.
type JobSpec struct {
	CX, CZ      int32
	Seed        int64
	DimHash     uint32
	RuleVersion uint64
	DeadlineMs  uint32
	Interactive bool
	KeyBytes    []byte // canonical encoding of the owning ChunkKey, for content_hash
}

// FetchStatus is TryFetch's outcome.
type FetchStatus int

const (
	FetchPending FetchStatus = iota
	FetchReady
	FetchFailed
)

// FailureKind classifies why TryFetch returned FetchFailed.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureDeviceLost
	FailureTimeout
	FailureOther
)

// Result is the chunk kernel output a Device hands back for a completed
// job, plus which device class produced it.
type Result struct {
	Density     []byte
	Mask        []byte
	Biome       []byte
	ContentHash [16]byte
	ProducedBy  ProducedBy
}

// ProducedBy discriminates a Result's origin, mirroring ChunkProposal's
// produced_by field.
type ProducedBy int

const (
	ProducedByGPU ProducedBy = iota
	ProducedByCPU
)

// HealthStatus is Health's outcome.
type HealthStatus struct {
	Healthy bool
	Kind    FailureKind
}

// Device is the GPU Worker's handle-based client contract, per §4.5.
type Device interface {
	Init() error
	SubmitChunk(job JobSpec) (JobHandle, error)
	TryFetch(handle JobHandle) (FetchStatus, Result, FailureKind, error)
	Free(handle JobHandle)
	Health() HealthStatus
	Shutdown() error
}

// runKernel invokes the shared deterministic kernel pass in-process and
// packages it as a Result; cpuDevice is its caller. shimGPUDevice does not
// use it: its kernel runs in the worker process.
func runKernel(job JobSpec, producedBy ProducedBy) Result {
	out := chunkkernel.Run(chunkkernel.Params{
		CX:      job.CX,
		CZ:      job.CZ,
		Seed:    job.Seed,
		DimHash: job.DimHash,
	})
	hash := chunkkernel.ContentHash(job.KeyBytes, out)
	return Result{
		Density:     out.Density,
		Mask:        out.Mask,
		Biome:       out.Biome,
		ContentHash: hash,
		ProducedBy:  producedBy,
	}
}
