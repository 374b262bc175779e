// Package keeper implements a client for the Keeper agent's WebSocket event
// channel. The client reconnects with a fixed delay up to a bounded number of
// attempts and correlates get_status and request_sync replies by request id.
package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/10yihang/pcdsync/internal/metrics"
	"github.com/10yihang/pcdsync/pkg/bufpool"
	"github.com/10yihang/pcdsync/pkg/correlate"
	errs "github.com/10yihang/pcdsync/pkg/errors"
	"github.com/10yihang/pcdsync/pkg/ringbuf"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "keeper")

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// Client maintains a connection to the Keeper.
//
// Inbound frames are processed on a single read goroutine, so event, status
// and error observers are called sequentially in arrival order. Observers
// must not block. They may call Disconnect or Close; a Close made while any
// observer is running does not wait for the background goroutines.
type Client struct {
	cfg     *Config
	dialer  *websocket.Dialer
	pending *correlate.Table[json.RawMessage]
	events  *ringbuf.Ring[Event]
	allow   map[EventType]struct{}
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu             sync.RWMutex
	conn           *websocket.Conn
	state          ConnState
	manual         bool
	closed         bool
	attempts       int
	reconnectTimer *time.Timer
	loopCancel     context.CancelFunc
	status         *Status
	configSummary  *ConfigSummary
	lastErr        error
	sessionID      string

	eventObs  observers[Event]
	statusObs observers[*Status]
	errorObs  observers[error]
	stateObs  observers[ConnState]
	notifying atomic.Int32
}

// NewClient creates a disconnected client. cfg is copied; zero fields take
// their DefaultConfig values.
func NewClient(cfg *Config) *Client {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	cfg = cfg.withDefaults(def)

	var allow map[EventType]struct{}
	if len(cfg.EventTypes) > 0 {
		allow = make(map[EventType]struct{}, len(cfg.EventTypes))
		for _, t := range cfg.EventTypes {
			allow[t] = struct{}{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		pending: correlate.New[json.RawMessage]("req-", errs.ErrRequestTimeout),
		events:  ringbuf.New[Event](cfg.MaxEvents),
		allow:   allow,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
	}
	c.eventObs.active = &c.notifying
	c.statusObs.active = &c.notifying
	c.errorObs.active = &c.notifying
	c.stateObs.active = &c.notifying
	return c
}

// Connect dials the Keeper. On success it subscribes and requests the
// current status. A failed dial is returned and also starts the reconnect
// policy. Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.ErrClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.manual = false
	c.attempts = 0
	c.stopReconnectLocked()
	changed := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if changed {
		c.stateObs.notify(StateConnecting)
	}
	return c.dial(ctx)
}

// Disconnect closes the connection with a normal-closure code and cancels
// any pending reconnect, poll and ping. Outstanding requests are left to
// their own timeouts.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.stopReconnectLocked()
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	conn := c.conn
	c.conn = nil
	changed := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			log.WithError(err).Debug("Could not send close frame")
		}
		c.writeMu.Unlock()
		conn.Close()
		log.Info("Disconnected from keeper")
	}
	if changed {
		c.stateObs.notify(StateDisconnected)
	}
}

// Close disconnects, rejects outstanding requests with ErrClosed and waits
// for background goroutines. Called while an observer is running, for
// instance from inside one, it returns without waiting; the goroutines
// still exit once their callbacks return. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()

	if !already {
		c.Disconnect()
		c.cancel()
		c.pending.RejectAll(errs.ErrClosed)
		metrics.RecordPendingRequests(0)
	}
	if c.notifying.Load() > 0 {
		log.Debug("Close called during observer dispatch, not waiting for goroutines")
		return nil
	}
	c.wg.Wait()
	return nil
}

// RequestSync asks the Keeper to sync now and returns the response payload.
func (c *Client) RequestSync(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, msgRequestSync, c.cfg.SyncTimeout)
}

// RequestStatus fetches the Keeper's status and replaces the cached copy.
func (c *Client) RequestStatus(ctx context.Context) (*Status, error) {
	data, err := c.request(ctx, msgGetStatus, c.cfg.StatusTimeout)
	if err != nil {
		return nil, err
	}

	st, err := decodeStatusResponse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: status response: %v", errs.ErrProtocol, err)
	}
	c.setStatus(st)
	return copyStatus(st), nil
}

// Unsubscribe asks the Keeper to stop sending the given event types.
func (c *Client) Unsubscribe(types ...EventType) error {
	conn := c.currentConn()
	if conn == nil {
		return errs.ErrNotConnected
	}
	return c.send(conn, msgUnsubscribe, &subscriptionData{EventTypes: typeNames(types)})
}

// Ping sends a keepalive frame carrying the current time.
func (c *Client) Ping() error {
	conn := c.currentConn()
	if conn == nil {
		return errs.ErrNotConnected
	}
	return c.send(conn, msgPing, &pingData{Timestamp: c.now().UnixMilli()})
}

// OnEvent registers fn for every accepted event. The returned func
// unregisters it.
func (c *Client) OnEvent(fn func(Event)) func() { return c.eventObs.add(fn) }

// OnStatus registers fn for cached status changes. A nil status means the
// Keeper stopped.
func (c *Client) OnStatus(fn func(*Status)) func() { return c.statusObs.add(fn) }

// OnError registers fn for Keeper error events and connection failures.
func (c *Client) OnError(fn func(error)) func() { return c.errorObs.add(fn) }

// OnStateChange registers fn for connection state transitions.
func (c *Client) OnStateChange(fn func(ConnState)) func() { return c.stateObs.add(fn) }

func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Status returns the most recently processed status, or nil.
func (c *Client) Status() *Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyStatus(c.status)
}

// ConfigSummary returns the configuration from the last keeper_started event.
func (c *Client) ConfigSummary() *ConfigSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.configSummary == nil {
		return nil
	}
	cs := *c.configSummary
	return &cs
}

func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// SessionID returns the id announced by the Keeper's connected event.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Events returns the event history, most recent first.
func (c *Client) Events() []Event {
	return c.events.Recent(0)
}

// ClearEvents empties the event history.
func (c *Client) ClearEvents() {
	c.events.Clear()
}

// ReconnectAttempts returns the number of reconnects since the last
// successful connect.
func (c *Client) ReconnectAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// PendingRequests returns the number of requests awaiting a response.
func (c *Client) PendingRequests() int {
	return c.pending.Len()
}

func (c *Client) dial(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%v (status %d)", err, resp.StatusCode)
		}
		cerr := fmt.Errorf("%w: dial %s: %v", errs.ErrConnection, c.cfg.URL, err)
		c.connectionLost(cerr)
		return cerr
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	if c.closed || c.manual {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: disconnected while dialing", errs.ErrConnection)
	}
	loopCtx, cancel := context.WithCancel(c.ctx)
	c.conn = conn
	c.attempts = 0
	c.loopCancel = cancel
	changed := c.setStateLocked(StateConnected)
	c.wg.Add(2)
	if c.cfg.PollInterval > 0 {
		c.wg.Add(1)
	}
	if c.cfg.PingInterval > 0 {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	log.WithField("url", c.cfg.URL).Info("Connected to keeper")
	if changed {
		c.stateObs.notify(StateConnected)
	}

	types := typeNames(c.cfg.EventTypes)
	if len(types) == 0 {
		types = []string{subscribeAll}
	}
	if err := c.send(conn, msgSubscribe, &subscriptionData{EventTypes: types}); err != nil {
		log.WithError(err).Warn("Could not subscribe")
	}

	go c.readLoop(conn)
	go func() {
		defer c.wg.Done()
		if _, err := c.RequestStatus(loopCtx); err != nil {
			log.WithError(err).Debug("Initial status request failed")
		}
	}()
	if c.cfg.PollInterval > 0 {
		go c.pollLoop(loopCtx)
	}
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(loopCtx)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

// handleClose runs when the read side of conn fails. Closes the client
// initiated are ignored.
func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	c.mu.Unlock()
	conn.Close()

	log.WithError(err).Warn("Keeper connection lost")
	c.connectionLost(fmt.Errorf("%w: %v", errs.ErrConnection, err))
}

// connectionLost rejects every pending request with err, reports it and
// applies the reconnect policy.
func (c *Client) connectionLost(err error) {
	if n := c.pending.RejectAll(err); n > 0 {
		log.WithField("count", n).Debug("Rejected pending requests")
	}
	metrics.RecordPendingRequests(c.pending.Len())

	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.errorObs.notify(err)

	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.manual || c.closed {
		changed := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		if changed {
			c.stateObs.notify(StateDisconnected)
		}
		return
	}

	if c.attempts >= c.cfg.MaxReconnectAttempts {
		attempts := c.attempts
		changed := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()

		err := fmt.Errorf("%w: giving up after %d reconnect attempts", errs.ErrConnection, attempts)
		log.WithField("attempts", attempts).Error("Keeper reconnect attempts exhausted")
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		if changed {
			c.stateObs.notify(StateDisconnected)
		}
		c.errorObs.notify(err)
		return
	}

	c.attempts++
	attempt := c.attempts
	changed := c.setStateLocked(StateReconnecting)
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectInterval, c.reconnect)
	c.mu.Unlock()

	metrics.RecordReconnect()
	log.WithFields(logrus.Fields{
		"attempt": attempt,
		"max":     c.cfg.MaxReconnectAttempts,
		"delay":   c.cfg.ReconnectInterval,
	}).Info("Scheduling keeper reconnect")
	if changed {
		c.stateObs.notify(StateReconnecting)
	}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.manual || c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	changed := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if changed {
		c.stateObs.notify(StateConnecting)
	}
	if err := c.dial(c.ctx); err != nil {
		log.WithError(err).Debug("Reconnect failed")
	}
}

func (c *Client) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RequestStatus(ctx); err != nil {
				log.WithError(err).Debug("Status poll failed")
			}
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				log.WithError(err).Debug("Ping failed")
			}
		}
	}
}

func (c *Client) request(ctx context.Context, msgType string, timeout time.Duration) (json.RawMessage, error) {
	conn := c.currentConn()
	if conn == nil {
		metrics.RecordKeeperRequest(msgType, "error")
		return nil, errs.ErrNotConnected
	}

	id := c.pending.NextID()
	p := c.pending.Register(id, timeout)
	metrics.RecordPendingRequests(c.pending.Len())

	if err := c.send(conn, msgType, &requestData{RequestID: id}); err != nil {
		c.pending.Cancel(id)
		metrics.RecordPendingRequests(c.pending.Len())
		metrics.RecordKeeperRequest(msgType, "error")
		return nil, fmt.Errorf("%w: send %s: %v", errs.ErrConnection, msgType, err)
	}

	data, err := p.Wait(ctx)
	metrics.RecordPendingRequests(c.pending.Len())
	metrics.RecordKeeperRequest(msgType, requestOutcome(err))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", msgType, id, err)
	}
	return data, nil
}

func (c *Client) send(conn *websocket.Conn, msgType string, data interface{}) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(&outboundMessage{Type: msgType, Data: data}); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(buf.Bytes(), "\n"))
}

func (c *Client) handleFrame(raw []byte) {
	f, err := parseFrame(raw)
	if err != nil {
		c.dropFrame(raw, err)
		return
	}
	if f.Type == msgResponse {
		c.handleResponse(raw, f)
		return
	}

	ev := Event{Type: EventType(f.Type), Data: f.Data, Timestamp: parseTimestamp(f.Timestamp)}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}
	if !c.accepts(ev.Type) {
		log.WithField("type", ev.Type).Debug("Ignoring unsubscribed event")
		return
	}

	payload, err := decodePayload(ev)
	if err != nil {
		c.dropFrame(raw, err)
		return
	}

	c.events.Push(ev)
	metrics.RecordKeeperEvent(string(ev.Type))
	c.updateCaches(payload)
	c.eventObs.notify(ev)
}

func (c *Client) handleResponse(raw []byte, f *inboundFrame) {
	var r responseData
	if err := json.Unmarshal(f.Data, &r); err != nil {
		c.dropFrame(raw, err)
		return
	}
	id := r.id()
	if id == "" {
		c.dropFrame(raw, fmt.Errorf("response has no request id"))
		return
	}

	var matched bool
	if r.Success {
		matched = c.pending.Resolve(id, r.Data)
	} else {
		msg := "unknown error"
		if r.Error != nil && *r.Error != "" {
			msg = *r.Error
		}
		matched = c.pending.Reject(id, fmt.Errorf("%w: %s", errs.ErrRequestFailed, msg))
	}
	if !matched {
		log.WithField("requestId", id).Debug("Dropping response for unknown request")
	}
}

func (c *Client) dropFrame(raw []byte, err error) {
	metrics.RecordDroppedFrame()
	const maxLogged = 256
	if len(raw) > maxLogged {
		raw = raw[:maxLogged]
	}
	log.WithError(fmt.Errorf("%w: %v", errs.ErrProtocol, err)).
		WithField("frame", string(raw)).
		Warn("Dropping malformed frame")
}

func (c *Client) accepts(t EventType) bool {
	if c.allow == nil {
		return true
	}
	_, ok := c.allow[t]
	return ok
}

// decodePayload decodes the payloads the client caches. Other event types
// are passed through untyped.
func decodePayload(ev Event) (interface{}, error) {
	var v interface{}
	switch ev.Type {
	case EventConnected:
		v = &ConnectedData{}
	case EventKeeperStarted:
		v = &KeeperStartedData{}
	case EventKeeperStopped:
		v = &KeeperStoppedData{}
	case EventError:
		v = &ErrorData{}
	case EventStatusUpdate:
		v = &StatusUpdateData{}
	default:
		return nil, nil
	}
	if err := ev.Decode(v); err != nil {
		return nil, fmt.Errorf("%s payload: %v", ev.Type, err)
	}
	return v, nil
}

func (c *Client) updateCaches(payload interface{}) {
	switch d := payload.(type) {
	case *ConnectedData:
		c.mu.Lock()
		c.sessionID = d.Session()
		c.mu.Unlock()
	case *KeeperStartedData:
		cs := d.ConfigSummary
		c.mu.Lock()
		c.configSummary = &cs
		c.mu.Unlock()
	case *KeeperStoppedData:
		log.WithField("reason", d.Reason).Info("Keeper stopped")
		c.setStatus(nil)
	case *StatusUpdateData:
		st := d.Status
		c.setStatus(&st)
	case *ErrorData:
		kerr := &KeeperError{Code: d.Code, Message: d.Message, Recoverable: d.Recoverable}
		c.mu.Lock()
		c.lastErr = kerr
		c.mu.Unlock()
		log.WithFields(logrus.Fields{
			"code":        d.Code,
			"recoverable": d.Recoverable,
		}).Warn(d.Message)
		c.errorObs.notify(kerr)
	}
}

func (c *Client) setStatus(st *Status) {
	c.mu.Lock()
	c.status = copyStatus(st)
	c.mu.Unlock()
	c.statusObs.notify(copyStatus(st))
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected {
		return nil
	}
	return c.conn
}

func (c *Client) setStateLocked(s ConnState) bool {
	if c.state == s {
		return false
	}
	c.state = s
	metrics.RecordConnectionState(string(s))
	return true
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// decodeStatusResponse accepts either a bare status or {"status": ...}.
func decodeStatusResponse(data json.RawMessage) (*Status, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("empty status")
	}
	var wrapped struct {
		Status *Status `json:"status"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Status != nil {
		return wrapped.Status, nil
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func copyStatus(st *Status) *Status {
	if st == nil {
		return nil
	}
	c := *st
	if st.LastSyncAt != nil {
		v := *st.LastSyncAt
		c.LastSyncAt = &v
	}
	if st.CurrentEpoch != nil {
		v := *st.CurrentEpoch
		c.CurrentEpoch = &v
	}
	return &c
}

func typeNames(types []EventType) []string {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	return names
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, errs.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, errs.ErrRequestFailed):
		return "failed"
	default:
		return "error"
	}
}
