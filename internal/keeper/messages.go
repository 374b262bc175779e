package keeper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Outbound message types.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgGetStatus   = "get_status"
	msgRequestSync = "request_sync"
	msgPing        = "ping"

	// msgResponse is the inbound reply to get_status and request_sync.
	msgResponse = "response"
)

// subscribeAll is sent when no event types are configured.
const subscribeAll = "all"

type outboundMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type subscriptionData struct {
	EventTypes []string `json:"event_types"`
}

type requestData struct {
	RequestID string `json:"request_id"`
}

type pingData struct {
	Timestamp int64 `json:"timestamp"`
}

// inboundFrame is the envelope of every message from the Keeper.
type inboundFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// responseData answers a correlated request. Both request id spellings are
// accepted.
type responseData struct {
	RequestID      string          `json:"request_id"`
	RequestIDCamel string          `json:"requestId"`
	Success        bool            `json:"success"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          *string         `json:"error,omitempty"`
}

func (r *responseData) id() string {
	if r.RequestID != "" {
		return r.RequestID
	}
	return r.RequestIDCamel
}

func parseFrame(raw []byte) (*inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return &f, nil
}

// parseTimestamp accepts unix milliseconds or an RFC 3339 string. Anything
// else yields the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return time.Time{}
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}
