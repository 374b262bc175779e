package pcd

import (
	"encoding/json"
	"fmt"

	errs "github.com/10yihang/pcdsync/pkg/errors"
)

// decodeSnapshot parses and validates a PersistedState document.
func decodeSnapshot(data []byte) (*PersistedState, error) {
	var ps PersistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedSnapshot, err)
	}
	if err := ValidateSnapshot(&ps); err != nil {
		return nil, err
	}
	if ps.Notes == nil {
		ps.Notes = []NoteIdentifier{}
	}
	if ps.Nullifiers == nil {
		ps.Nullifiers = []NullifierIdentifier{}
	}
	return &ps, nil
}

// ValidateSnapshot checks the structure of a snapshot. It does not check the
// proof.
func ValidateSnapshot(ps *PersistedState) error {
	if ps.PcdState == nil {
		return fmt.Errorf("%w: missing pcd_state", errs.ErrMalformedSnapshot)
	}
	st := ps.PcdState
	if !IsHexString(st.SCurrent) {
		return fmt.Errorf("%w: s_current %q is not a hex string", errs.ErrMalformedSnapshot, st.SCurrent)
	}
	if st.SGenesis == "" {
		return fmt.Errorf("%w: missing s_genesis", errs.ErrMalformedSnapshot)
	}
	if st.ProofCurrent == "" {
		return fmt.Errorf("%w: missing proof_current", errs.ErrMalformedSnapshot)
	}
	for i, n := range ps.Notes {
		if n.Commitment == "" {
			return fmt.Errorf("%w: note %d has no commitment", errs.ErrMalformedSnapshot, i)
		}
	}
	return nil
}
