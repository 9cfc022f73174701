package gpuworker

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cthede11/guardian/internal/wire"
)

// fakeWorkerPeer accepts one connection on a Unix socket and lets the
// test script frames back by hand, standing in for the
// cmd/guardian-gpu-worker binary.
type fakeWorkerPeer struct {
	ln   net.Listener
	conn net.Conn
	w    *bufio.Writer
	r    *bufio.Reader
}

func startFakeWorkerPeer(t *testing.T, socketPath string) *fakeWorkerPeer {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	p := &fakeWorkerPeer{ln: ln}

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		p.conn = conn
		p.w = bufio.NewWriter(conn)
		p.r = bufio.NewReader(conn)
		close(accepted)
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		if p.conn != nil {
			_ = p.conn.Close()
		}
	})

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("fake worker peer: no connection accepted in time")
	}
	return p
}

func (p *fakeWorkerPeer) readFrame(t *testing.T) wire.Frame {
	t.Helper()
	f, err := wire.ReadFrame(p.r)
	require.NoError(t, err)
	return f
}

func (p *fakeWorkerPeer) writeFrame(t *testing.T, kind wire.MsgKind, payload []byte) {
	t.Helper()
	require.NoError(t, wire.WriteFrame(p.w, kind, payload))
	require.NoError(t, p.w.Flush())
}

func newSocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "guardian-gpu-worker.sock")
}

// TestShimDeviceSubmitAndFetchSuccess drives SubmitChunk/TryFetch against a
// fake peer that never spawns a real child process, standing in for the
// worker process having already bound the socket by the time the host's
// dial loop catches up.
func TestShimDeviceSubmitAndFetchSuccess(t *testing.T) {
	socketPath := newSocketPath(t)

	peerReady := make(chan *fakeWorkerPeer, 1)
	go func() {
		ln, err := net.Listen("unix", socketPath)
		if err != nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		peerReady <- &fakeWorkerPeer{ln: ln, conn: conn, w: bufio.NewWriter(conn), r: bufio.NewReader(conn)}
	}()

	dev := &shimGPUDevice{cfg: ShimConfig{SocketPath: socketPath, InitTimeout: 2 * time.Second}, stopReader: make(chan struct{})}
	dev.log = nil

	conn, err := dialWithRetryTestHelper(t, socketPath)
	require.NoError(t, err)
	dev.conn = conn
	dev.w = bufio.NewWriter(conn)
	go dev.readLoop()

	peer := <-peerReady
	t.Cleanup(func() {
		_ = peer.ln.Close()
		_ = peer.conn.Close()
	})

	// Init() never runs here, so no Init frame is sent; SubmitChunk is
	// driven directly since Init's child-spawn path isn't exercised by
	// this fake-peer test.
	handle, err := dev.SubmitChunk(JobSpec{CX: 1, CZ: 2, Seed: 5, KeyBytes: []byte("k")})
	require.NoError(t, err)

	frame := peer.readFrame(t)
	require.Equal(t, wire.MsgSubmitJob, frame.Kind)
	gotHandle, rest := readHandlePrefix(frame.Payload)
	require.Equal(t, handle, gotHandle)
	submitted, err := wire.DecodeSubmitJobPayload(rest)
	require.NoError(t, err)
	require.Equal(t, int32(1), submitted.CX)
	require.Equal(t, int32(2), submitted.CZ)

	resultPayload := wire.JobResultPayload{
		CX:          1,
		CZ:          2,
		Seed:        5,
		ContentHash: [16]byte{1, 2, 3},
		Status:      wire.StatusSuccess,
		Density:     []byte{9, 9},
		Mask:        []byte{0},
		Biome:       []byte{4},
	}.Encode()
	peer.writeFrame(t, wire.MsgJobResult, withHandlePrefix(handle, resultPayload))

	var (
		status   FetchStatus
		result   Result
		failKind FailureKind
	)
	require.Eventually(t, func() bool {
		status, result, failKind, err = dev.TryFetch(handle)
		return status != FetchPending
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, FetchReady, status)
	require.Equal(t, FailureNone, failKind)
	require.Equal(t, []byte{9, 9}, result.Density)
	require.Equal(t, ProducedByGPU, result.ProducedBy)
}

func TestShimDeviceDeviceLostOnSocketClose(t *testing.T) {
	socketPath := newSocketPath(t)

	// startFakeWorkerPeer waits for a connection before returning, so the
	// host side dials from a goroutine while it waits.
	dialed := make(chan net.Conn, 1)
	go func() {
		conn, _ := dialWithRetryTestHelper(t, socketPath)
		dialed <- conn
	}()
	peer := startFakeWorkerPeer(t, socketPath)
	conn := <-dialed
	require.NotNil(t, conn)

	dev := &shimGPUDevice{cfg: ShimConfig{SocketPath: socketPath}, stopReader: make(chan struct{})}
	dev.conn = conn
	dev.w = bufio.NewWriter(conn)
	dev.healthy.Store(true)
	go dev.readLoop()

	handle, err := dev.SubmitChunk(JobSpec{CX: 0, CZ: 0, Seed: 1})
	require.NoError(t, err)
	_ = peer.readFrame(t)

	_ = peer.conn.Close()

	require.Eventually(t, func() bool {
		return !dev.Health().Healthy
	}, 2*time.Second, 10*time.Millisecond)

	status, _, kind, _ := dev.TryFetch(handle)
	require.Equal(t, FetchFailed, status)
	require.Equal(t, FailureDeviceLost, kind)
}

func dialWithRetryTestHelper(t *testing.T, path string) (net.Conn, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			return conn, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, os.ErrDeadlineExceeded
}
