package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cthede11/guardian/internal/actorid"
	"github.com/cthede11/guardian/internal/snapshot"
	"github.com/cthede11/guardian/internal/supervisor"
)

type fakeSupervisor struct {
	startCalled, stopCalled, restartCalled bool
	deployCommand                          string
	deployArgs                             []string
	status                                 supervisor.Stats
	err                                     error
}

func (f *fakeSupervisor) Start(context.Context) error   { f.startCalled = true; return f.err }
func (f *fakeSupervisor) Stop(context.Context) error    { f.stopCalled = true; return f.err }
func (f *fakeSupervisor) Restart(context.Context) error { f.restartCalled = true; return f.err }
func (f *fakeSupervisor) Deploy(_ context.Context, cmd string, args []string) error {
	f.deployCommand, f.deployArgs = cmd, args
	return f.err
}
func (f *fakeSupervisor) Status() supervisor.Stats { return f.status }

type fakeSnapshot struct {
	nextID snapshot.SnapshotId
	list   []snapshot.SnapshotInfo
	err    error
}

func (f *fakeSnapshot) SnapshotNow() (snapshot.SnapshotId, error) { return f.nextID, f.err }
func (f *fakeSnapshot) List() []snapshot.SnapshotInfo             { return f.list }
func (f *fakeSnapshot) Restore(id snapshot.SnapshotId) error      { return f.err }

type fakeRuleset struct {
	version uint64
	err     error
}

func (f *fakeRuleset) Load(path string) (uint64, error) { return f.version, f.err }

type fakeFreeze struct {
	records    []FreezeRecordView
	thawResult bool
	err        error
	thawedWith actorid.ActorId
}

func (f *fakeFreeze) ListFrozen() []FreezeRecordView { return f.records }
func (f *fakeFreeze) Thaw(actor actorid.ActorId) (bool, error) {
	f.thawedWith = actor
	return f.thawResult, f.err
}

func newTestServer() (*Server, *fakeSupervisor, *fakeSnapshot, *fakeRuleset, *fakeFreeze) {
	sup := &fakeSupervisor{status: supervisor.Stats{State: supervisor.StateRunning, ActiveColor: "blue"}}
	snap := &fakeSnapshot{nextID: 7}
	rules := &fakeRuleset{version: 3}
	fz := &fakeFreeze{}
	s := New(Config{Supervisor: sup, Snapshot: snap, Ruleset: rules, Freeze: fz, RuleFilePath: "rules.guardian"}, nil)
	return s, sup, snap, rules, fz
}

func TestDispatchStart(t *testing.T) {
	s, sup, _, _, _ := newTestServer()
	resp := s.Dispatch(context.Background(), Request{Verb: VerbStart})
	assert.True(t, resp.OK)
	assert.True(t, sup.startCalled)
}

func TestDispatchStatusMapsState(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	resp := s.Dispatch(context.Background(), Request{Verb: VerbStatus})
	require.True(t, resp.OK)
	var out StatusResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Equal(t, "Running", out.State)
	assert.Equal(t, "blue", out.ActiveColor)
}

func TestDispatchDeployUnmarshalsArgs(t *testing.T) {
	s, sup, _, _, _ := newTestServer()
	args, err := json.Marshal(DeployArgs{Command: "sh", Args: []string{"-c", "true"}})
	require.NoError(t, err)
	resp := s.Dispatch(context.Background(), Request{Verb: VerbDeploy, Args: args})
	assert.True(t, resp.OK)
	assert.Equal(t, "sh", sup.deployCommand)
	assert.Equal(t, []string{"-c", "true"}, sup.deployArgs)
}

func TestDispatchSnapshotAndListSnapshots(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	resp := s.Dispatch(context.Background(), Request{Verb: VerbSnapshot})
	require.True(t, resp.OK)
	var snapResult SnapshotResult
	require.NoError(t, json.Unmarshal(resp.Result, &snapResult))
	assert.Equal(t, snapshot.SnapshotId(7), snapResult.ID)

	resp = s.Dispatch(context.Background(), Request{Verb: VerbListSnapshots})
	assert.True(t, resp.OK)
}

func TestDispatchRulesReload(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	resp := s.Dispatch(context.Background(), Request{Verb: VerbRulesReload})
	require.True(t, resp.OK)
	var out RulesReloadResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Equal(t, uint64(3), out.Version)
}

func TestDispatchFreezeThawParsesEntityActorID(t *testing.T) {
	s, _, _, _, fz := newTestServer()
	fz.thawResult = true
	id := uuid.New()
	args, err := json.Marshal(FreezeThawArgs{ActorID: "e:" + id.String()})
	require.NoError(t, err)

	resp := s.Dispatch(context.Background(), Request{Verb: VerbFreezeThaw, Args: args})
	require.True(t, resp.OK)
	entity, ok := fz.thawedWith.Entity()
	require.True(t, ok)
	assert.Equal(t, id, entity)
}

func TestDispatchFreezeThawParsesBlockActorID(t *testing.T) {
	s, _, _, _, fz := newTestServer()
	args, err := json.Marshal(FreezeThawArgs{ActorID: "b:overworld:1:64:-2"})
	require.NoError(t, err)

	resp := s.Dispatch(context.Background(), Request{Verb: VerbFreezeThaw, Args: args})
	require.True(t, resp.OK)
	dim, x, y, z, ok := fz.thawedWith.BlockPos()
	require.True(t, ok)
	assert.Equal(t, actorid.DimensionId("overworld"), dim)
	assert.Equal(t, int32(1), x)
	assert.Equal(t, int32(64), y)
	assert.Equal(t, int32(-2), z)
}

func TestDispatchFreezeThawParsesNamespacedDimensionActorID(t *testing.T) {
	s, _, _, _, fz := newTestServer()
	args, err := json.Marshal(FreezeThawArgs{ActorID: "b:minecraft:overworld:1:64:-2"})
	require.NoError(t, err)

	resp := s.Dispatch(context.Background(), Request{Verb: VerbFreezeThaw, Args: args})
	require.True(t, resp.OK)
	dim, x, y, z, ok := fz.thawedWith.BlockPos()
	require.True(t, ok)
	assert.Equal(t, actorid.DimensionId("minecraft:overworld"), dim)
	assert.Equal(t, int32(1), x)
	assert.Equal(t, int32(64), y)
	assert.Equal(t, int32(-2), z)
}

func TestParseActorIDRoundTripsNamespacedBlockPos(t *testing.T) {
	want := actorid.NewBlockPos("minecraft:overworld", 12, -34, 5)
	got, err := parseActorID(want.Key())
	require.NoError(t, err)

	dim, x, y, z, ok := got.BlockPos()
	require.True(t, ok)
	assert.Equal(t, actorid.DimensionId("minecraft:overworld"), dim)
	assert.Equal(t, int32(12), x)
	assert.Equal(t, int32(-34), y)
	assert.Equal(t, int32(5), z)
	assert.True(t, want.Equal(got))
}

func TestDispatchUnknownVerb(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	resp := s.Dispatch(context.Background(), Request{Verb: Verb("bogus")})
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)
}

func TestDispatchMissingSupervisorReturnsTypedError(t *testing.T) {
	s := New(Config{}, nil)
	resp := s.Dispatch(context.Background(), Request{Verb: VerbStop})
	assert.False(t, resp.OK)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, Response{OK: true}))
	got, err := readFrame(&buf)
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(got, &resp))
	assert.True(t, resp.OK)
}
