package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pcdsync"
)

var (
	// PCDTransitions counts state machine operations
	PCDTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pcd_transitions_total",
			Help:      "Total number of PCD state machine operations",
		},
		[]string{"op", "status"}, // op: initialize/apply_delta/verify/import/reset, status: success/error
	)

	// ProofServiceDuration measures proof service latency
	ProofServiceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proof_service_duration_seconds",
			Help:      "Proof service call latency in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
		[]string{"call"},
	)

	// PrevProofUnverified counts updates where the previous proof failed verification
	PrevProofUnverified = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pcd_prev_proof_unverified_total",
			Help:      "Total number of updates whose previous proof did not verify",
		},
	)

	// ChainLength tracks the current PCD chain length
	ChainLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pcd_chain_length",
			Help:      "Number of transitions from genesis",
		},
	)

	// Height tracks the last processed block height
	Height = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pcd_height",
			Help:      "Last processed block height of the PCD chain",
		},
	)

	// VerifyCache counts verify cache lookups
	VerifyCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_cache_total",
			Help:      "Verify cache lookups",
		},
		[]string{"result"}, // hit/miss
	)

	// KeeperEvents counts inbound keeper events
	KeeperEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keeper_events_total",
			Help:      "Total number of keeper events received",
		},
		[]string{"type"},
	)

	// KeeperDroppedFrames counts frames that could not be parsed
	KeeperDroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keeper_dropped_frames_total",
			Help:      "Total number of malformed keeper frames dropped",
		},
	)

	// KeeperReconnects counts reconnect attempts
	KeeperReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keeper_reconnect_attempts_total",
			Help:      "Total number of keeper reconnect attempts",
		},
	)

	// KeeperConnectionState is 1 for the current state label, 0 otherwise
	KeeperConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keeper_connection_state",
			Help:      "Keeper connection state",
		},
		[]string{"state"}, // disconnected/connecting/connected/reconnecting
	)

	// KeeperPendingRequests tracks outstanding correlated requests
	KeeperPendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keeper_pending_requests",
			Help:      "Number of keeper requests awaiting a response",
		},
	)

	// KeeperRequests counts request outcomes
	KeeperRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keeper_requests_total",
			Help:      "Total number of keeper requests",
		},
		[]string{"type", "outcome"}, // outcome: success/failed/timeout/error
	)

	// AdminCommands counts admin endpoint commands
	AdminCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_commands_total",
			Help:      "Total number of admin commands processed",
		},
		[]string{"cmd", "status"},
	)

	// AdminConnections tracks active admin connections
	AdminConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admin_connections",
			Help:      "Number of admin client connections",
		},
	)

	// MemoryUsage tracks memory usage
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "pcdsync build info",
		},
		[]string{"version", "go_version", "os", "arch"},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
)

var connectionStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

// InitInfo initializes info metric
func InitInfo(version, goVersion, os, arch string) {
	Info.WithLabelValues(version, goVersion, os, arch).Set(1)
}
