package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/10yihang/pcdsync/internal/coordinator"
	"github.com/10yihang/pcdsync/internal/keeper"
	"github.com/10yihang/pcdsync/internal/metrics"
	"github.com/10yihang/pcdsync/internal/pcd"
	"github.com/10yihang/pcdsync/pkg/bufpool"
	errs "github.com/10yihang/pcdsync/pkg/errors"
	"github.com/tidwall/redcon"
)

// Version is reported by INFO.
var Version = "0.1.0"

// PCD is the state machine surface the admin commands read and drive.
// *coordinator.Coordinator implements it.
type PCD interface {
	Machine() *pcd.Machine
	Verify(ctx context.Context) (bool, error)
	Progress() coordinator.Progress
}

// Keeper is the client surface used by KEEPER.* commands. *keeper.Client
// implements it.
type Keeper interface {
	State() keeper.ConnState
	Status() *keeper.Status
	ConfigSummary() *keeper.ConfigSummary
	SessionID() string
	LastError() error
	Events() []keeper.Event
	ReconnectAttempts() int
	PendingRequests() int
	RequestSync(ctx context.Context) (json.RawMessage, error)
}

type Handler struct {
	pcd     PCD
	keeper  Keeper
	timeout time.Duration
	started time.Time
	cmds    *cmdMap
}

func NewHandler(p PCD, cfg *Config) *Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	h := &Handler{
		pcd:     p,
		timeout: cfg.CommandTimeout,
		started: time.Now(),
	}
	h.cmds = newCmdMap(h)
	return h
}

// SetKeeper enables the KEEPER.* commands.
func (h *Handler) SetKeeper(k Keeper) {
	h.keeper = k
}

func (h *Handler) ExecuteBytes(ctx context.Context, conn redcon.Conn, name []byte, args [][]byte) {
	e := h.cmds.lookup(name)
	if e == nil {
		foldUpper(name)
		metrics.RecordCommand("unknown", false)
		conn.WriteError("ERR unknown command '" + string(name) + "'")
		return
	}
	if len(args) < e.arity {
		metrics.RecordCommand(e.name, false)
		conn.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", e.name))
		return
	}

	err := e.fn(ctx, conn, args)
	metrics.RecordCommand(e.name, err == nil)
	if err != nil {
		log.WithError(err).WithField("cmd", e.name).Debug("Command failed")
		conn.WriteError(errorReply(err))
	}
}

// errorReply maps an error to a RESP error string with a Redis-style code.
func errorReply(err error) string {
	switch {
	case errors.Is(err, errs.ErrNotInitialized):
		return "NOTINIT " + err.Error()
	case errors.Is(err, errs.ErrNotConnected):
		return "NOTCONN " + err.Error()
	case errors.Is(err, errs.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT " + err.Error()
	default:
		return "ERR " + err.Error()
	}
}

func (h *Handler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

func writeJSON(conn redcon.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.WriteBulk(data)
	return nil
}

func (h *Handler) cmdPing(_ context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) == 0 {
		conn.WriteString("PONG")
	} else {
		conn.WriteBulk(args[0])
	}
	return nil
}

func (h *Handler) cmdQuit(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	conn.WriteString("OK")
	conn.Close()
	return nil
}

func (h *Handler) cmdCommand(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	conn.WriteArray(len(h.cmds.names))
	for _, name := range h.cmds.names {
		conn.WriteBulkString(name)
	}
	return nil
}

func (h *Handler) cmdInfo(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	m := h.pcd.Machine()

	buf := bufpool.Get()
	defer bufpool.Put(buf)

	field := func(k, v string) {
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteString("\r\n")
	}

	buf.WriteString("# Server\r\n")
	field("pcdsync_version", Version)
	field("go_version", runtime.Version())
	field("uptime_in_seconds", strconv.FormatInt(int64(time.Since(h.started).Seconds()), 10))

	buf.WriteString("\r\n# PCD\r\n")
	field("initialized", boolFlag(m.IsInitialized()))
	field("status", string(m.Status()))
	field("height", strconv.FormatUint(m.Height(), 10))
	field("chain_length", strconv.FormatUint(m.ChainLength(), 10))
	field("balance", strconv.FormatUint(m.Balance(), 10))
	field("notes", strconv.Itoa(len(m.Notes())))
	field("nullifiers", strconv.Itoa(len(m.Nullifiers())))

	p := h.pcd.Progress()
	buf.WriteString("\r\n# Coordinator\r\n")
	field("catchup_status", p.Status.String())
	field("catchup_target", strconv.FormatUint(p.Target, 10))
	field("catchup_applied", strconv.Itoa(p.Applied))
	if p.LastError != "" {
		field("catchup_last_error", p.LastError)
	}

	if h.keeper != nil {
		buf.WriteString("\r\n# Keeper\r\n")
		field("state", string(h.keeper.State()))
		field("session_id", h.keeper.SessionID())
		field("pending_requests", strconv.Itoa(h.keeper.PendingRequests()))
		field("reconnect_attempts", strconv.Itoa(h.keeper.ReconnectAttempts()))
		field("events", strconv.Itoa(len(h.keeper.Events())))
		if st := h.keeper.Status(); st != nil {
			field("blocks_behind", strconv.FormatUint(st.BlocksBehind, 10))
		}
	}

	conn.WriteBulk(buf.Bytes())
	return nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

type pcdStatus struct {
	Initialized bool   `json:"initialized"`
	Status      string `json:"status"`
	Height      uint64 `json:"height"`
	ChainLength uint64 `json:"chain_length"`
	Balance     uint64 `json:"balance"`
	Notes       int    `json:"notes"`
	Nullifiers  int    `json:"nullifiers"`
	SCurrent    string `json:"s_current,omitempty"`
	SGenesis    string `json:"s_genesis,omitempty"`
	UpdatedAt   int64  `json:"updated_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

func (h *Handler) cmdPcdStatus(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	m := h.pcd.Machine()
	st := pcdStatus{
		Initialized: m.IsInitialized(),
		Status:      string(m.Status()),
		Height:      m.Height(),
		ChainLength: m.ChainLength(),
		Balance:     m.Balance(),
		Notes:       len(m.Notes()),
		Nullifiers:  len(m.Nullifiers()),
	}
	if s := m.State(); s != nil {
		st.SCurrent = s.SCurrent
		st.SGenesis = s.SGenesis
	}
	if t := m.UpdatedAt(); !t.IsZero() {
		st.UpdatedAt = t.UnixMilli()
	}
	if err := m.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return writeJSON(conn, &st)
}

func (h *Handler) cmdPcdNotes(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	notes := h.pcd.Machine().Notes()
	if notes == nil {
		notes = []pcd.NoteIdentifier{}
	}
	return writeJSON(conn, notes)
}

func (h *Handler) cmdPcdNullifiers(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	nfs := h.pcd.Machine().Nullifiers()
	if nfs == nil {
		nfs = []pcd.NullifierIdentifier{}
	}
	return writeJSON(conn, nfs)
}

func (h *Handler) cmdPcdVerify(ctx context.Context, conn redcon.Conn, _ [][]byte) error {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	valid, err := h.pcd.Verify(ctx)
	if err != nil {
		return err
	}
	return writeJSON(conn, map[string]bool{"valid": valid})
}

func (h *Handler) cmdPcdExport(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	data, err := h.pcd.Machine().ExportSnapshot()
	if err != nil {
		return err
	}
	conn.WriteBulk(data)
	return nil
}

var errNoKeeper = errors.New("keeper client not configured")

type keeperStatus struct {
	State             keeper.ConnState      `json:"state"`
	SessionID         string                `json:"session_id,omitempty"`
	Status            *keeper.Status        `json:"status"`
	ConfigSummary     *keeper.ConfigSummary `json:"config_summary,omitempty"`
	PendingRequests   int                   `json:"pending_requests"`
	ReconnectAttempts int                   `json:"reconnect_attempts"`
	LastError         string                `json:"last_error,omitempty"`
}

func (h *Handler) cmdKeeperStatus(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	if h.keeper == nil {
		return errNoKeeper
	}
	st := keeperStatus{
		State:             h.keeper.State(),
		SessionID:         h.keeper.SessionID(),
		Status:            h.keeper.Status(),
		ConfigSummary:     h.keeper.ConfigSummary(),
		PendingRequests:   h.keeper.PendingRequests(),
		ReconnectAttempts: h.keeper.ReconnectAttempts(),
	}
	if err := h.keeper.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return writeJSON(conn, &st)
}

func (h *Handler) cmdKeeperEvents(_ context.Context, conn redcon.Conn, args [][]byte) error {
	if h.keeper == nil {
		return errNoKeeper
	}
	limit := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(string(args[0]))
		if err != nil || n < 0 {
			return errors.New("value is not a non-negative integer")
		}
		limit = n
	}

	events := h.keeper.Events()
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	if events == nil {
		events = []keeper.Event{}
	}
	return writeJSON(conn, events)
}

func (h *Handler) cmdKeeperSync(ctx context.Context, conn redcon.Conn, _ [][]byte) error {
	if h.keeper == nil {
		return errNoKeeper
	}
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	data, err := h.keeper.RequestSync(ctx)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	conn.WriteBulk(data)
	return nil
}
