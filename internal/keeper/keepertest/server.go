// Package keepertest provides an in-process Keeper that speaks the Keeper
// WebSocket protocol, for tests and local simulation.
package keepertest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/10yihang/pcdsync/internal/keeper"
	"github.com/gorilla/websocket"
)

// Message is a frame received from a client.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// RequestID returns data.request_id, if any.
func (m Message) RequestID() string {
	var d struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(m.Data, &d)
	return d.RequestID
}

// EventTypes returns data.event_types, if any.
func (m Message) EventTypes() []string {
	var d struct {
		EventTypes []string `json:"event_types"`
	}
	_ = json.Unmarshal(m.Data, &d)
	return d.EventTypes
}

type peer struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *peer) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.writeRaw(data)
}

func (p *peer) writeRaw(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.ws.WriteMessage(websocket.TextMessage, data)
}

// Server is a fake Keeper. The zero value is not usable; call NewServer.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	peers       map[*peer]struct{}
	messages    []Message
	closeCodes  []int
	handshakes  int
	sessions    int
	refuse      int
	greet       bool
	autoRespond bool
	status      keeper.Status
	syncData    interface{}
	syncErr     string
	lastHeader  http.Header
}

// NewServer starts a fake Keeper. It greets each client with a connected
// event and answers get_status and request_sync automatically.
func NewServer() *Server {
	s := &Server{
		peers:       make(map[*peer]struct{}),
		greet:       true,
		autoRespond: true,
		syncData:    map[string]bool{"queued": true},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the ws:// endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// SetGreeting toggles the connected event sent on accept.
func (s *Server) SetGreeting(on bool) {
	s.mu.Lock()
	s.greet = on
	s.mu.Unlock()
}

// SetAutoRespond toggles automatic replies. When off, requests are recorded
// and must be answered with Respond.
func (s *Server) SetAutoRespond(on bool) {
	s.mu.Lock()
	s.autoRespond = on
	s.mu.Unlock()
}

// SetStatus sets the status returned for get_status.
func (s *Server) SetStatus(st keeper.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// SetSyncResult sets the automatic reply to request_sync. A non-empty errMsg
// makes it a failure.
func (s *Server) SetSyncResult(data interface{}, errMsg string) {
	s.mu.Lock()
	s.syncData = data
	s.syncErr = errMsg
	s.mu.Unlock()
}

// Refuse makes subsequent handshakes fail with the given HTTP status.
// Zero accepts again.
func (s *Server) Refuse(status int) {
	s.mu.Lock()
	s.refuse = status
	s.mu.Unlock()
}

// Handshakes returns how many upgrade attempts were received, refused ones
// included.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Messages returns every frame received so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// MessagesOfType returns received frames with the given type.
func (s *Server) MessagesOfType(msgType string) []Message {
	var out []Message
	for _, m := range s.Messages() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// CloseCodes returns the close codes sent by clients.
func (s *Server) CloseCodes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.closeCodes...)
}

// LastHeader returns the headers of the most recent handshake.
func (s *Server) LastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeader.Clone()
}

// Push sends an event to every client. data is marshalled as the payload.
func (s *Server) Push(eventType keeper.EventType, data interface{}) error {
	return s.broadcast(map[string]interface{}{
		"type":      string(eventType),
		"data":      data,
		"timestamp": time.Now().UnixMilli(),
	})
}

// PushRaw sends data verbatim to every client.
func (s *Server) PushRaw(data []byte) error {
	var firstErr error
	for _, p := range s.snapshotPeers() {
		if err := p.writeRaw(data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Respond answers a request by id on every connection.
func (s *Server) Respond(requestID string, success bool, data interface{}, errMsg string) error {
	return s.broadcast(response(requestID, success, data, errMsg))
}

// DropConnections closes every connection without a close frame, which the
// client sees as an abnormal closure.
func (s *Server) DropConnections() {
	for _, p := range s.snapshotPeers() {
		p.ws.UnderlyingConn().Close()
	}
}

// CloseConnections sends a close frame with code to every client.
func (s *Server) CloseConnections(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	for _, p := range s.snapshotPeers() {
		p.mu.Lock()
		_ = p.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.mu.Unlock()
		p.ws.Close()
	}
}

func (s *Server) broadcast(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.PushRaw(data)
}

func (s *Server) snapshotPeers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.handshakes++
	s.lastHeader = r.Header.Clone()
	refuse := s.refuse
	s.mu.Unlock()

	if refuse != 0 {
		http.Error(w, "keeper unavailable", refuse)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{ws: ws}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.sessions++
	session := s.sessions
	greet := s.greet
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		ws.Close()
	}()

	if greet {
		_ = p.write(map[string]interface{}{
			"type": string(keeper.EventConnected),
			"data": map[string]string{
				"session_id":     fmt.Sprintf("session-%d", session),
				"server_version": "keepertest",
			},
		})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.mu.Lock()
				s.closeCodes = append(s.closeCodes, ce.Code)
				s.mu.Unlock()
			}
			return
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		s.mu.Lock()
		s.messages = append(s.messages, m)
		s.mu.Unlock()

		if reply := s.reply(m); reply != nil {
			_ = p.write(reply)
		}
	}
}

func (s *Server) reply(m Message) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.autoRespond {
		return nil
	}
	switch m.Type {
	case "get_status":
		return response(m.RequestID(), true, s.status, "")
	case "request_sync":
		if s.syncErr != "" {
			return response(m.RequestID(), false, nil, s.syncErr)
		}
		return response(m.RequestID(), true, s.syncData, "")
	}
	return nil
}

func response(requestID string, success bool, data interface{}, errMsg string) map[string]interface{} {
	d := map[string]interface{}{
		"request_id": requestID,
		"success":    success,
		"data":       data,
	}
	if errMsg != "" {
		d["error"] = errMsg
	}
	return map[string]interface{}{
		"type": "response",
		"data": d,
	}
}
