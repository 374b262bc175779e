package pcd

import "context"

// ProofService generates and checks PCD proofs. Implementations live in
// internal/proofsvc.
type ProofService interface {
	// Init starts a chain from genesis over the given notes.
	Init(ctx context.Context, notes []NoteIdentifier) (*PcdState, error)
	// Update proves one transition. The result reports whether the previous
	// proof verified.
	Update(ctx context.Context, req *UpdateRequest) (*UpdateResult, error)
	// Verify checks the current proof. An invalid proof is a normal result,
	// not an error.
	Verify(ctx context.Context, state *PcdState) (*VerifyResult, error)
}

// UpdateRequest carries the current tuple and the delta to apply.
type UpdateRequest struct {
	State      *PcdState             `json:"pcd_state"`
	Delta      BlockDelta            `json:"delta"`
	Notes      []NoteIdentifier      `json:"current_notes"`
	Nullifiers []NullifierIdentifier `json:"current_nullifiers"`
}

type UpdateResult struct {
	State             *PcdState `json:"pcd_state"`
	PrevProofVerified bool      `json:"prev_proof_verified"`
}

type VerifyResult struct {
	Valid       bool   `json:"valid"`
	SCurrent    string `json:"s_current,omitempty"`
	ChainLength uint64 `json:"chain_length"`
	Error       string `json:"error,omitempty"`
}
