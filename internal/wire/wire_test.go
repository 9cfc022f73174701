package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitJobPayloadRoundTrip(t *testing.T) {
	p := SubmitJobPayload{
		CX:          -42,
		CZ:          17,
		Seed:        9001,
		DimHash:     0xCAFEBABE,
		RuleVersion: 7,
		DeadlineMs:  2500,
		Priority:    PriorityInteractive,
	}
	got, err := DecodeSubmitJobPayload(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestJobResultPayloadRoundTrip(t *testing.T) {
	r := JobResultPayload{
		CX:          3,
		CZ:          -3,
		Seed:        123456789,
		ContentHash: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Status:      StatusSuccess,
		Density:     []byte("density-bytes"),
		Mask:        []byte("mask-bytes"),
		Biome:       []byte("biome-bytes"),
	}
	got, err := DecodeJobResultPayload(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgHealth, []byte{0x01}))
	require.NoError(t, WriteFrame(&buf, MsgShutdown, nil))

	r := bufio.NewReader(&buf)

	f1, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, MsgHealth, f1.Kind)
	assert.Equal(t, []byte{0x01}, f1.Payload)

	f2, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, MsgShutdown, f2.Kind)
	assert.Empty(t, f2.Payload)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(bufio.NewReader(&buf))
	assert.Error(t, err)
}
