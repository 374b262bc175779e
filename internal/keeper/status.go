package keeper

import (
	"fmt"
)

// Status is a point-in-time snapshot reported by the Keeper. It is never
// persisted.
type Status struct {
	IsRunning                 bool    `json:"isRunning"`
	PcdHeight                 uint64  `json:"pcdHeight"`
	ChainHeight               uint64  `json:"chainHeight"`
	BlocksBehind              uint64  `json:"blocksBehind"`
	LastSyncAt                *uint64 `json:"lastSyncAt"`
	PendingTachystamps        int     `json:"pendingTachystamps"`
	TotalSyncs                uint64  `json:"totalSyncs"`
	TotalTachystampsSubmitted uint64  `json:"totalTachystampsSubmitted"`
	CurrentEpoch              *uint64 `json:"currentEpoch"`
}

func (s *Status) String() string {
	if s == nil {
		return "unknown"
	}
	return fmt.Sprintf("running=%v pcd=%d chain=%d behind=%d syncs=%d",
		s.IsRunning, s.PcdHeight, s.ChainHeight, s.BlocksBehind, s.TotalSyncs)
}

// ConfigSummary describes the Keeper's configuration.
type ConfigSummary struct {
	MinBlocksBehind       uint64 `json:"minBlocksBehind"`
	MaxBlocksBehind       uint64 `json:"maxBlocksBehind"`
	PollIntervalSecs      uint64 `json:"pollIntervalSecs"`
	AutoSubmitTachystamps bool   `json:"autoSubmitTachystamps"`
	EpochStrategy         string `json:"epochStrategy"`
}

// KeeperError is an error frame reported by the Keeper.
type KeeperError struct {
	Code        string
	Message     string
	Recoverable bool
}

func (e *KeeperError) Error() string {
	if e.Code == "" {
		return "keeper: " + e.Message
	}
	return fmt.Sprintf("keeper: %s: %s", e.Code, e.Message)
}
