// Command guardian-gpu-worker is the separate-process GPU Worker (§4.5):
// it listens on a Unix domain socket, accepts exactly one control
// connection from the host daemon, and runs the deterministic chunk
// kernel per §4.4 for every SubmitJob frame it receives. Running in its
// own OS process means a driver crash here never takes guardiand down
// with it — the host's shimGPUDevice just observes a dropped connection
// and marks itself unhealthy.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cthede11/guardian/internal/chunkkernel"
	"github.com/cthede11/guardian/internal/logging"
	"github.com/cthede11/guardian/internal/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	socketPath := flag.String("socket", "", "unix domain socket path to listen on")
	flag.Parse()

	log := logging.Default("guardian-gpu-worker")
	defer log.Sync()

	if *socketPath == "" {
		fmt.Fprintln(os.Stderr, "guardian-gpu-worker: -socket is required")
		return 1
	}

	_ = os.Remove(*socketPath)
	ln, err := net.Listen("unix", *socketPath)
	if err != nil {
		log.Error("listen failed", logging.Err(err))
		return 1
	}
	defer ln.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			log.Error("accept failed", logging.Err(err))
			close(connCh)
			return
		}
		connCh <- conn
	}()

	select {
	case sig := <-sigCh:
		log.Info("received signal before a host connected, exiting", logging.String("signal", sig.String()))
		return 0
	case conn, ok := <-connCh:
		if !ok {
			return 1
		}
		return serve(conn, sigCh, log)
	}
}

// serve handles exactly one host connection for the process lifetime —
// the host daemon that spawned this worker is its only client.
func serve(conn net.Conn, sigCh chan os.Signal, log *logging.Logger) int {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveConn(conn, log)
	}()

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", logging.String("signal", sig.String()))
		return 0
	case <-done:
		return 0
	}
}

func serveConn(conn net.Conn, log *logging.Logger) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			log.Info("host connection closed", logging.Err(err))
			return
		}

		switch frame.Kind {
		case wire.MsgInit:
			// No device state to bring up beyond accepting the connection;
			// an Init frame just confirms the handshake.
		case wire.MsgSubmitJob:
			handleSubmitJob(w, frame.Payload, log)
		case wire.MsgShutdown:
			log.Info("host requested shutdown")
			return
		default:
			log.Warn("unknown frame kind", logging.Int("kind", int(frame.Kind)))
		}
	}
}

func handleSubmitJob(w *bufio.Writer, payload []byte, log *logging.Logger) {
	handle, body := readHandlePrefix(payload)
	job, err := wire.DecodeSubmitJobPayload(body)
	if err != nil {
		log.Error("malformed SubmitJob frame", logging.Err(err))
		writeJobResult(w, handle, wire.JobResultPayload{Status: wire.StatusOtherError}, log)
		return
	}

	out := chunkkernel.Run(chunkkernel.Params{
		CX:      job.CX,
		CZ:      job.CZ,
		Seed:    job.Seed,
		DimHash: job.DimHash,
	})
	keyBytes := chunkKeyBytes(job)
	hash := chunkkernel.ContentHash(keyBytes, out)

	writeJobResult(w, handle, wire.JobResultPayload{
		CX:          job.CX,
		CZ:          job.CZ,
		Seed:        job.Seed,
		ContentHash: hash,
		Status:      wire.StatusSuccess,
		Density:     out.Density,
		Mask:        out.Mask,
		Biome:       out.Biome,
	}, log)
}

// chunkKeyBytes reproduces the exact canonical ChunkKey encoding the
// host's encodeKey builds for content_hash: CX‖CZ‖Seed‖DimHash‖
// RuleVersion, little-endian throughout. The wire protocol carries
// dim_hash rather than the raw dimension identifier (§6), so the host
// side hashes the dimension down the same way before encoding — see
// internal/chunkkernel.DimensionHash — keeping both sides of the socket
// hashing identical bytes for identical keys.
func chunkKeyBytes(job wire.SubmitJobPayload) []byte {
	buf := make([]byte, 0, 28)
	buf = appendUint32(buf, uint32(job.CX))
	buf = appendUint32(buf, uint32(job.CZ))
	buf = appendUint64(buf, uint64(job.Seed))
	buf = appendUint32(buf, job.DimHash)
	buf = appendUint64(buf, job.RuleVersion)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func writeJobResult(w *bufio.Writer, handle uint64, result wire.JobResultPayload, log *logging.Logger) {
	payload := withHandlePrefix(handle, result.Encode())
	if err := wire.WriteFrame(w, wire.MsgJobResult, payload); err != nil {
		log.Error("write JobResult failed", logging.Err(err))
		return
	}
	if err := w.Flush(); err != nil {
		log.Error("flush JobResult failed", logging.Err(err))
	}
}

func withHandlePrefix(handle uint64, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	for i := 0; i < 8; i++ {
		out[i] = byte(handle >> (8 * i))
	}
	copy(out[8:], payload)
	return out
}

func readHandlePrefix(b []byte) (uint64, []byte) {
	if len(b) < 8 {
		return 0, b
	}
	var h uint64
	for i := 0; i < 8; i++ {
		h |= uint64(b[i]) << (8 * i)
	}
	return h, b[8:]
}
