package metrics

import (
	"runtime"
	"time"
)

// Collector collects custom metrics
type Collector struct {
	startTime time.Time
}

// NewCollector creates a collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	c.collectMemory()
	c.collectUptime()
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordTransition records a PCD state machine operation
func RecordTransition(op string, success bool) {
	PCDTransitions.WithLabelValues(op, outcome(success)).Inc()
}

// RecordProofCall records proof service latency
func RecordProofCall(call string, duration time.Duration) {
	ProofServiceDuration.WithLabelValues(call).Observe(duration.Seconds())
}

// RecordChain records the current chain position
func RecordChain(height, chainLength uint64) {
	Height.Set(float64(height))
	ChainLength.Set(float64(chainLength))
}

// RecordPrevProofUnverified records an update whose previous proof did not verify
func RecordPrevProofUnverified() {
	PrevProofUnverified.Inc()
}

// RecordVerifyCache records a verify cache lookup
func RecordVerifyCache(hit bool) {
	if hit {
		VerifyCache.WithLabelValues("hit").Inc()
		return
	}
	VerifyCache.WithLabelValues("miss").Inc()
}

// RecordKeeperEvent records an inbound keeper event
func RecordKeeperEvent(eventType string) {
	KeeperEvents.WithLabelValues(eventType).Inc()
}

// RecordDroppedFrame records a malformed keeper frame
func RecordDroppedFrame() {
	KeeperDroppedFrames.Inc()
}

// RecordReconnect records a reconnect attempt
func RecordReconnect() {
	KeeperReconnects.Inc()
}

// RecordConnectionState marks state as the current keeper connection state
func RecordConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		KeeperConnectionState.WithLabelValues(s).Set(v)
	}
}

// RecordPendingRequests records the size of the pending request table
func RecordPendingRequests(n int) {
	KeeperPendingRequests.Set(float64(n))
}

// RecordKeeperRequest records a keeper request outcome
func RecordKeeperRequest(reqType, result string) {
	KeeperRequests.WithLabelValues(reqType, result).Inc()
}

// RecordCommand records admin command execution
func RecordCommand(cmd string, success bool) {
	AdminCommands.WithLabelValues(cmd, outcome(success)).Inc()
}

// RecordConnection records admin connection count change
func RecordConnection(delta int) {
	AdminConnections.Add(float64(delta))
}
