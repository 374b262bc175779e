package keeper

import (
	"net/http"
	"time"
)

// Config holds Keeper client configuration
type Config struct {
	// URL is the Keeper WebSocket endpoint.
	URL string

	// EventTypes is the subscription allowlist. Empty subscribes to all
	// events and accepts every inbound type.
	EventTypes []EventType

	// MaxReconnectAttempts caps consecutive reconnects after a drop. The
	// counter resets on every successful connect. Zero means the default;
	// NoReconnect disables reconnecting.
	MaxReconnectAttempts int

	// ReconnectInterval is the fixed delay before each reconnect.
	ReconnectInterval time.Duration

	SyncTimeout   time.Duration
	StatusTimeout time.Duration

	// MaxEvents is the capacity of the event history.
	MaxEvents int

	// PollInterval enables periodic status requests while connected.
	// Zero disables polling.
	PollInterval time.Duration

	// PingInterval enables keepalive ping frames while connected.
	// Zero disables pings.
	PingInterval time.Duration

	HandshakeTimeout time.Duration

	// Header is sent with the WebSocket handshake (credentials, origin).
	Header http.Header
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		URL:                  "ws://127.0.0.1:3001",
		MaxReconnectAttempts: 10,
		ReconnectInterval:    3 * time.Second,
		SyncTimeout:          30 * time.Second,
		StatusTimeout:        10 * time.Second,
		MaxEvents:            100,
		HandshakeTimeout:     10 * time.Second,
	}
}

// NoReconnect is the MaxReconnectAttempts value that disables reconnecting.
const NoReconnect = -1

// withDefaults returns a copy of c with zero fields taken from def.
func (c *Config) withDefaults(def *Config) *Config {
	out := *c
	out.EventTypes = append([]EventType(nil), c.EventTypes...)
	out.Header = c.Header.Clone()
	if out.URL == "" {
		out.URL = def.URL
	}
	switch {
	case out.MaxReconnectAttempts == 0:
		out.MaxReconnectAttempts = def.MaxReconnectAttempts
	case out.MaxReconnectAttempts < 0:
		out.MaxReconnectAttempts = 0
	}
	if out.ReconnectInterval <= 0 {
		out.ReconnectInterval = def.ReconnectInterval
	}
	if out.SyncTimeout <= 0 {
		out.SyncTimeout = def.SyncTimeout
	}
	if out.StatusTimeout <= 0 {
		out.StatusTimeout = def.StatusTimeout
	}
	if out.MaxEvents <= 0 {
		out.MaxEvents = def.MaxEvents
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = def.HandshakeTimeout
	}
	return &out
}
