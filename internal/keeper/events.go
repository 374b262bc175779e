package keeper

import (
	"encoding/json"
	"strconv"
	"time"
)

// EventType tags a Keeper notification.
type EventType string

const (
	EventConnected           EventType = "connected"
	EventKeeperStarted       EventType = "keeper_started"
	EventKeeperStopped       EventType = "keeper_stopped"
	EventSyncStarted         EventType = "sync_started"
	EventSyncCompleted       EventType = "sync_completed"
	EventTachystampQueued    EventType = "tachystamp_queued"
	EventTachystampSubmitted EventType = "tachystamp_submitted"
	EventEpochBoundary       EventType = "epoch_boundary"
	EventWarning             EventType = "warning"
	EventError               EventType = "error"
	EventStatusUpdate        EventType = "status_update"
)

// KnownEventTypes lists the event types with typed payloads.
var KnownEventTypes = []EventType{
	EventConnected,
	EventKeeperStarted,
	EventKeeperStopped,
	EventSyncStarted,
	EventSyncCompleted,
	EventTachystampQueued,
	EventTachystampSubmitted,
	EventEpochBoundary,
	EventWarning,
	EventError,
	EventStatusUpdate,
}

// Event is one inbound notification. Events carry no sequence number and
// arrive in no guaranteed order, so each should be handled as an
// independent, idempotent update.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

type ConnectedData struct {
	SessionID     string  `json:"session_id,omitempty"`
	ServerVersion string  `json:"server_version,omitempty"`
	ClientID      *uint64 `json:"client_id,omitempty"`
}

// Session returns the session id, falling back to the numeric client id.
func (d *ConnectedData) Session() string {
	if d.SessionID != "" {
		return d.SessionID
	}
	if d.ClientID != nil {
		return strconv.FormatUint(*d.ClientID, 10)
	}
	return ""
}

type KeeperStartedData struct {
	ConfigSummary ConfigSummary `json:"config_summary"`
}

type KeeperStoppedData struct {
	Reason string `json:"reason"`
}

type SyncStartedData struct {
	FromHeight uint64 `json:"from_height"`
	ToHeight   uint64 `json:"to_height"`
}

type SyncCompletedData struct {
	NewHeight       uint64 `json:"new_height"`
	BlocksSynced    uint64 `json:"blocks_synced"`
	NotesDiscovered uint32 `json:"notes_discovered"`
	DurationMs      uint64 `json:"duration_ms"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
}

type TachystampQueuedData struct {
	PolicyID      uint64 `json:"policy_id"`
	Epoch         uint64 `json:"epoch"`
	QueuePosition int    `json:"queue_position"`
}

type TachystampSubmittedData struct {
	PolicyID     uint64 `json:"policy_id"`
	Epoch        uint64 `json:"epoch"`
	TachystampID string `json:"tachystamp_id"`
}

type EpochBoundaryData struct {
	OldEpoch uint64 `json:"old_epoch"`
	NewEpoch uint64 `json:"new_epoch"`
}

type WarningData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorData struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type StatusUpdateData struct {
	Status Status `json:"status"`
}
