package pcd

import "fmt"

// DefaultStorageKey is the store key of the wallet's PCD snapshot.
const DefaultStorageKey = "zkpf-pcd-state"

// PrevProofPolicy decides what ApplyDelta does when the proof service reports
// that the previous proof did not verify.
type PrevProofPolicy string

const (
	// PrevProofWarn logs a warning and accepts the new state.
	PrevProofWarn PrevProofPolicy = "warn"
	// PrevProofReject fails the update with ErrVerificationFailed.
	PrevProofReject PrevProofPolicy = "reject"
)

// ParsePrevProofPolicy parses a policy name. Empty means PrevProofWarn.
func ParsePrevProofPolicy(s string) (PrevProofPolicy, error) {
	switch PrevProofPolicy(s) {
	case "", PrevProofWarn:
		return PrevProofWarn, nil
	case PrevProofReject:
		return PrevProofReject, nil
	default:
		return "", fmt.Errorf("unknown prev proof policy %q", s)
	}
}

// Config holds Machine configuration
type Config struct {
	StorageKey      string
	PrevProofPolicy PrevProofPolicy
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		StorageKey:      DefaultStorageKey,
		PrevProofPolicy: PrevProofWarn,
	}
}
