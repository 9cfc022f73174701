// Package controlapi implements the Supervisor's control surface: a
// libp2p stream-protocol verb RPC (§6's start/stop/restart/deploy/status/
// snapshot/restore/list_snapshots/rules_reload/freeze_list/freeze_thaw),
// a websocket status event stream, and a Prometheus /metrics endpoint.
//
// The verb transport mirrors the teacher's internal/network
// StartNodeWithStreams shape — a libp2p host with one registered stream
// handler reading a request and writing a response — generalized from a
// single fixed packet format into a length-prefixed JSON request/response
// pair per verb.
package controlapi

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	libp2p "github.com/libp2p/go-libp2p"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cthede11/guardian/internal/actorid"
	"github.com/cthede11/guardian/internal/guardianerr"
	"github.com/cthede11/guardian/internal/logging"
	"github.com/cthede11/guardian/internal/snapshot"
	"github.com/cthede11/guardian/internal/supervisor"
)

const maxFrameBytes = 1 << 20 // 1 MiB, generous for a JSON control frame

// SupervisorAPI is the subset of *supervisor.Supervisor the Control API
// drives, narrowed to an interface so handler dispatch can be tested
// without spawning real child processes.
type SupervisorAPI interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Deploy(ctx context.Context, command string, args []string) error
	Status() supervisor.Stats
}

// SnapshotAPI is the subset of *snapshot.Manager the Control API drives.
type SnapshotAPI interface {
	SnapshotNow() (snapshot.SnapshotId, error)
	List() []snapshot.SnapshotInfo
	Restore(id snapshot.SnapshotId) error
}

// RulesetAPI is the subset of *ruleset.Store the Control API drives.
type RulesetAPI interface {
	Load(path string) (uint64, error)
}

// FreezeAPI is the subset of *freeze.Registry the Control API drives. A
// thin adapter over freeze.Registry maps its ActorId-keyed Record into
// FreezeRecordView so this package's wire types stay decoupled from the
// Freeze Registry's internal data model.
type FreezeAPI interface {
	ListFrozen() []FreezeRecordView
	Thaw(actor actorid.ActorId) (bool, error)
}

// Config wires the Control API to the subsystems it fronts. RuleFilePath
// is the path rules_reload re-parses.
type Config struct {
	Supervisor   SupervisorAPI
	Snapshot     SnapshotAPI
	Ruleset      RulesetAPI
	Freeze       FreezeAPI
	RuleFilePath string

	ListenAddrs []string // multiaddr strings; empty lets libp2p pick
	HTTPAddr    string   // e.g. "127.0.0.1:7777", serves /metrics and /events
}

// Server hosts the verb RPC stream handler, the websocket event
// broadcaster, and the Prometheus metrics endpoint.
type Server struct {
	log *logging.Logger
	cfg Config

	host libp2phost.Host
	reg  *prometheus.Registry

	stateGauge   prometheus.Gauge
	strikeGauge  prometheus.Gauge
	restartCount prometheus.Gauge
	budgetGauge  prometheus.Gauge

	upgrader websocket.Upgrader
	subsMu   sync.Mutex
	subs     map[*websocket.Conn]chan Event

	httpSrv *http.Server
}

// New builds a Server. It does not start listening until Start is called.
func New(cfg Config, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default("controlapi")
	}
	reg := prometheus.NewRegistry()
	s := &Server{
		log:      log,
		cfg:      cfg,
		reg:      reg,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		subs:     make(map[*websocket.Conn]chan Event),
		stateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian", Subsystem: "supervisor", Name: "state",
			Help: "Current SupervisorState as an ordinal (Stopped=0..Failed=5).",
		}),
		strikeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian", Subsystem: "supervisor", Name: "health_strikes",
			Help: "Consecutive failed health probes against the active child.",
		}),
		restartCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian", Subsystem: "supervisor", Name: "restart_count",
			Help: "Total health-loop restarts performed since the Supervisor was created.",
		}),
		budgetGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian", Subsystem: "supervisor", Name: "restart_budget_tokens",
			Help: "Tokens currently available in the restart budget bucket.",
		}),
	}
	reg.MustRegister(s.stateGauge, s.strikeGauge, s.restartCount, s.budgetGauge)
	return s
}

// Start brings up the libp2p host (registering the verb RPC stream
// handler) and, if HTTPAddr is set, the /metrics and /events HTTP server.
func (s *Server) Start(ctx context.Context) error {
	opts := []libp2p.Option{}
	for _, a := range s.cfg.ListenAddrs {
		opts = append(opts, libp2p.ListenAddrStrings(a))
	}
	host, err := libp2p.New(opts...)
	if err != nil {
		return guardianerr.Wrap(guardianerr.KindConfigError, "controlapi.start", err)
	}
	s.host = host
	host.SetStreamHandler(ProtocolID, s.handleStream)
	s.log.Info("control api listening", logging.String("peer_id", host.ID().String()))

	if s.cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/events", s.handleWebsocket)
		s.httpSrv = &http.Server{Addr: s.cfg.HTTPAddr, Handler: mux}
		go func() {
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("control api http server exited", logging.Err(err))
			}
		}()
	}
	return nil
}

// Close tears down the libp2p host and the HTTP server.
func (s *Server) Close(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		if e := s.httpSrv.Shutdown(ctx); e != nil {
			err = e
		}
	}
	if s.host != nil {
		if e := s.host.Close(); e != nil {
			err = e
		}
	}
	return err
}

func (s *Server) handleStream(str network.Stream) {
	defer str.Close()
	req, err := readFrame(str)
	if err != nil {
		s.log.Warn("control stream read failed", logging.Err(err))
		return
	}
	var r Request
	if err := json.Unmarshal(req, &r); err != nil {
		_ = writeFrame(str, errorResponse(fmt.Errorf("malformed request: %w", err)))
		return
	}
	resp := s.Dispatch(context.Background(), r)
	if err := writeFrame(str, resp); err != nil {
		s.log.Warn("control stream write failed", logging.Err(err))
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, guardianerr.New(guardianerr.KindConfigError, "controlapi.read_frame", "frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func errorResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

func okResponse(result interface{}) Response {
	if result == nil {
		return Response{OK: true}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(err)
	}
	return Response{OK: true, Result: raw}
}

// Dispatch runs one Request against the wired subsystems and returns its
// Response. Exported so callers such as tests can drive verbs without a
// live libp2p stream.
func (s *Server) Dispatch(ctx context.Context, r Request) Response {
	switch r.Verb {
	case VerbStart:
		if s.cfg.Supervisor == nil {
			return errorResponse(guardianerr.New(guardianerr.KindNotPermitted, "controlapi.start", "no supervisor wired"))
		}
		if err := s.cfg.Supervisor.Start(ctx); err != nil {
			return errorResponse(err)
		}
		return okResponse(nil)

	case VerbStop:
		if err := s.requireSupervisor().Stop(ctx); err != nil {
			return errorResponse(err)
		}
		return okResponse(nil)

	case VerbRestart:
		if err := s.requireSupervisor().Restart(ctx); err != nil {
			return errorResponse(err)
		}
		s.broadcast(Event{Kind: EventRestart})
		return okResponse(nil)

	case VerbDeploy:
		var args DeployArgs
		if err := json.Unmarshal(r.Args, &args); err != nil {
			return errorResponse(err)
		}
		if err := s.requireSupervisor().Deploy(ctx, args.Command, args.Args); err != nil {
			return errorResponse(err)
		}
		return okResponse(nil)

	case VerbStatus:
		stats := s.requireSupervisor().Status()
		s.updateGauges(stats)
		return okResponse(statusResultOf(stats))

	case VerbSnapshot:
		if s.cfg.Snapshot == nil {
			return errorResponse(guardianerr.New(guardianerr.KindNotPermitted, "controlapi.snapshot", "no snapshot manager wired"))
		}
		id, err := s.cfg.Snapshot.SnapshotNow()
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(SnapshotResult{ID: id})

	case VerbRestore:
		var args RestoreArgs
		if err := json.Unmarshal(r.Args, &args); err != nil {
			return errorResponse(err)
		}
		if s.cfg.Snapshot == nil {
			return errorResponse(guardianerr.New(guardianerr.KindNotPermitted, "controlapi.restore", "no snapshot manager wired"))
		}
		if err := s.cfg.Snapshot.Restore(snapshot.SnapshotId(args.ID)); err != nil {
			return errorResponse(err)
		}
		return okResponse(nil)

	case VerbListSnapshots:
		if s.cfg.Snapshot == nil {
			return errorResponse(guardianerr.New(guardianerr.KindNotPermitted, "controlapi.list_snapshots", "no snapshot manager wired"))
		}
		return okResponse(ListSnapshotsResult{Snapshots: s.cfg.Snapshot.List()})

	case VerbRulesReload:
		if s.cfg.Ruleset == nil {
			return errorResponse(guardianerr.New(guardianerr.KindNotPermitted, "controlapi.rules_reload", "no rule store wired"))
		}
		version, err := s.cfg.Ruleset.Load(s.cfg.RuleFilePath)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(RulesReloadResult{Version: version})

	case VerbFreezeList:
		if s.cfg.Freeze == nil {
			return errorResponse(guardianerr.New(guardianerr.KindNotPermitted, "controlapi.freeze_list", "no freeze registry wired"))
		}
		return okResponse(FreezeListResult{Records: s.cfg.Freeze.ListFrozen()})

	case VerbFreezeThaw:
		var args FreezeThawArgs
		if err := json.Unmarshal(r.Args, &args); err != nil {
			return errorResponse(err)
		}
		if s.cfg.Freeze == nil {
			return errorResponse(guardianerr.New(guardianerr.KindNotPermitted, "controlapi.freeze_thaw", "no freeze registry wired"))
		}
		actor, err := parseActorID(args.ActorID)
		if err != nil {
			return errorResponse(err)
		}
		thawed, err := s.cfg.Freeze.Thaw(actor)
		if err != nil {
			return errorResponse(err)
		}
		if thawed {
			s.broadcast(Event{Kind: EventThaw, Detail: args.ActorID})
		}
		return okResponse(nil)

	default:
		return errorResponse(guardianerr.New(guardianerr.KindNotPermitted, "controlapi.dispatch", "unknown verb %q", r.Verb))
	}
}

func (s *Server) requireSupervisor() SupervisorAPI {
	if s.cfg.Supervisor == nil {
		return nilSupervisor{}
	}
	return s.cfg.Supervisor
}

// nilSupervisor makes "no supervisor wired" a typed error return rather
// than a nil-pointer panic when a verb is dispatched before wiring.
type nilSupervisor struct{}

func (nilSupervisor) Start(context.Context) error { return errNoSupervisor }
func (nilSupervisor) Stop(context.Context) error  { return errNoSupervisor }
func (nilSupervisor) Restart(context.Context) error { return errNoSupervisor }
func (nilSupervisor) Deploy(context.Context, string, []string) error { return errNoSupervisor }
func (nilSupervisor) Status() supervisor.Stats { return supervisor.Stats{} }

var errNoSupervisor = guardianerr.New(guardianerr.KindNotPermitted, "controlapi", "no supervisor wired")

func (s *Server) updateGauges(stats supervisor.Stats) {
	s.stateGauge.Set(float64(stats.State))
	s.strikeGauge.Set(float64(stats.Strikes))
	s.restartCount.Set(float64(stats.RestartCount))
	s.budgetGauge.Set(stats.BudgetTokens)
}

// PushEvent broadcasts a structured event to every websocket subscriber —
// the integration point SafeTick/Chunk Pipeline/Freeze Registry call into
// for freeze, thaw, backpressure-drop, DurabilityLoss, and ContentMismatch
// notifications (§7).
func (s *Server) PushEvent(e Event) { s.broadcast(e) }

func (s *Server) broadcast(e Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default: // slow subscriber drops the event rather than blocking the source
		}
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logging.Err(err))
		return
	}
	ch := make(chan Event, 32)
	s.subsMu.Lock()
	s.subs[conn] = ch
	s.subsMu.Unlock()

	defer func() {
		s.subsMu.Lock()
		delete(s.subs, conn)
		s.subsMu.Unlock()
		conn.Close()
	}()

	for e := range ch {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
}

// parseActorID parses the "e:<uuid>" / "b:<dim>:<x>:<y>:<z>" forms
// produced by actorid.ActorId.Key, the canonical string encoding every
// other component (logs, journal keys) already uses.
func parseActorID(s string) (actorid.ActorId, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return actorid.ActorId{}, guardianerr.New(guardianerr.KindConfigError, "controlapi.parse_actor_id", "malformed actor id %q", s)
	}
	switch parts[0] {
	case "e":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return actorid.ActorId{}, guardianerr.Wrap(guardianerr.KindConfigError, "controlapi.parse_actor_id", err)
		}
		return actorid.NewEntity(id), nil
	case "b":
		// dim itself may be namespaced (e.g. "minecraft:overworld") and so
		// may contain colons; only the last three colon-delimited fields
		// are guaranteed to be x/y/z, so split from the right and treat
		// everything before them as the dimension id.
		fields := strings.Split(parts[1], ":")
		if len(fields) < 4 {
			return actorid.ActorId{}, guardianerr.New(guardianerr.KindConfigError, "controlapi.parse_actor_id", "malformed block actor id %q", s)
		}
		n := len(fields)
		dim := strings.Join(fields[:n-3], ":")
		x, err1 := strconv.ParseInt(fields[n-3], 10, 32)
		y, err2 := strconv.ParseInt(fields[n-2], 10, 32)
		z, err3 := strconv.ParseInt(fields[n-1], 10, 32)
		if err1 != nil || err2 != nil || err3 != nil {
			return actorid.ActorId{}, guardianerr.New(guardianerr.KindConfigError, "controlapi.parse_actor_id", "malformed block coordinates in %q", s)
		}
		return actorid.NewBlockPos(actorid.DimensionId(dim), int32(x), int32(y), int32(z)), nil
	default:
		return actorid.ActorId{}, guardianerr.New(guardianerr.KindConfigError, "controlapi.parse_actor_id", "unknown actor id kind in %q", s)
	}
}
