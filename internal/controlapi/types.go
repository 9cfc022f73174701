package controlapi

import (
	"encoding/json"

	"github.com/cthede11/guardian/internal/snapshot"
	"github.com/cthede11/guardian/internal/supervisor"
)

// ProtocolID is the libp2p stream protocol the verb RPC transport
// registers its handler under.
const ProtocolID = "/guardian/control/1.0.0"

// Verb names the Control API operations §6 enumerates.
type Verb string

const (
	VerbStart         Verb = "start"
	VerbStop          Verb = "stop"
	VerbRestart       Verb = "restart"
	VerbDeploy        Verb = "deploy"
	VerbStatus        Verb = "status"
	VerbSnapshot      Verb = "snapshot"
	VerbRestore       Verb = "restore"
	VerbListSnapshots Verb = "list_snapshots"
	VerbRulesReload   Verb = "rules_reload"
	VerbFreezeList    Verb = "freeze_list"
	VerbFreezeThaw    Verb = "freeze_thaw"
)

// Request is one length-prefixed JSON frame sent to the control stream.
type Request struct {
	Verb Verb            `json:"verb"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is one length-prefixed JSON frame returned for a Request.
// Error is set only when OK is false; Result is set only for a successful
// verb that returns a payload, so both are empty for e.g. start or stop.
type Response struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// DeployArgs is the payload for VerbDeploy.
type DeployArgs struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// RestoreArgs is the payload for VerbRestore.
type RestoreArgs struct {
	ID uint64 `json:"id"`
}

// FreezeThawArgs is the payload for VerbFreezeThaw.
type FreezeThawArgs struct {
	ActorID string `json:"actor_id"`
}

// StatusResult is the result payload for VerbStatus.
type StatusResult struct {
	State        string  `json:"state"`
	Strikes      int     `json:"strikes"`
	RestartCount uint64  `json:"restart_count"`
	BudgetTokens float64 `json:"budget_tokens"`
	ActiveColor  string  `json:"active_color"`
}

func statusResultOf(s supervisor.Stats) StatusResult {
	return StatusResult{
		State:        s.State.String(),
		Strikes:      s.Strikes,
		RestartCount: s.RestartCount,
		BudgetTokens: s.BudgetTokens,
		ActiveColor:  s.ActiveColor,
	}
}

// SnapshotResult is the result payload for VerbSnapshot.
type SnapshotResult struct {
	ID snapshot.SnapshotId `json:"id"`
}

// ListSnapshotsResult is the result payload for VerbListSnapshots.
type ListSnapshotsResult struct {
	Snapshots []snapshot.SnapshotInfo `json:"snapshots"`
}

// RulesReloadResult is the result payload for VerbRulesReload.
type RulesReloadResult struct {
	Version uint64 `json:"version"`
}

// FreezeRecordView is a JSON-safe projection of a freeze record, avoiding
// a direct dependency from this package's wire types on internal/freeze's
// ActorId-keyed struct layout.
type FreezeRecordView struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

// FreezeListResult is the result payload for VerbFreezeList.
type FreezeListResult struct {
	Records []FreezeRecordView `json:"records"`
}

// EventKind names a structured event pushed on the websocket status
// stream (§7's "structured events on the control API's status stream").
type EventKind string

const (
	EventFreeze          EventKind = "freeze"
	EventThaw            EventKind = "thaw"
	EventRestart         EventKind = "restart"
	EventBackpressure    EventKind = "backpressure_drop"
	EventDurabilityLoss  EventKind = "durability_loss"
	EventContentMismatch EventKind = "content_mismatch"
)

// Event is one message broadcast to every subscribed websocket client.
type Event struct {
	Kind    EventKind       `json:"kind"`
	Detail  string          `json:"detail,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
