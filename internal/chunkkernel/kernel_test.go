package chunkkernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunIsDeterministic(t *testing.T) {
	p := Params{CX: 4, CZ: -2, Seed: 1234, DimHash: 0x1}
	out1 := Run(p)
	out2 := Run(p)
	assert.Equal(t, out1, out2)

	h1 := ContentHash([]byte("key"), out1)
	h2 := ContentHash([]byte("key"), out2)
	assert.Equal(t, h1, h2)
}

func TestRunDiffersAcrossSeeds(t *testing.T) {
	out1 := Run(Params{CX: 0, CZ: 0, Seed: 1})
	out2 := Run(Params{CX: 0, CZ: 0, Seed: 2})
	assert.NotEqual(t, out1.Density, out2.Density)
}

func TestOutputBuffersAreChunkSized(t *testing.T) {
	out := Run(Params{CX: 1, CZ: 1, Seed: 7})
	assert.Len(t, out.Density, chunkArea)
	assert.Len(t, out.Mask, chunkArea)
	assert.Len(t, out.Biome, chunkArea)
}

func TestContentHashChangesWithKey(t *testing.T) {
	out := Run(Params{CX: 2, CZ: 2, Seed: 99})
	h1 := ContentHash([]byte("k1"), out)
	h2 := ContentHash([]byte("k2"), out)
	assert.NotEqual(t, h1, h2)
}
