package proofsvc

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/10yihang/pcdsync/internal/pcd"
	"golang.org/x/crypto/blake2b"
)

// WalletStateVersion is the wallet state layout the Local prover produces.
const WalletStateVersion = 1

var (
	errMissingState     = errors.New("missing pcd_state")
	errMethodNotAllowed = errors.New("method not allowed")
)

// Local is a deterministic in-process prover. State commitments are
// blake2b-256 digests of the wallet state and proofs are keyed blake2b-256
// MACs binding (s_genesis, s_current, chain_length). It has none of the
// soundness of a real proof system and exists for offline use and tests.
type Local struct {
	key []byte
}

// NewLocal creates a prover whose proofs only verify under the same key.
func NewLocal(key []byte) (*Local, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, fmt.Errorf("local prover key must be 1..%d bytes, got %d", blake2b.Size, len(key))
	}
	return &Local{key: append([]byte(nil), key...)}, nil
}

// Init builds the genesis state over notes. Chain length starts at zero.
func (l *Local) Init(_ context.Context, notes []pcd.NoteIdentifier) (*pcd.PcdState, error) {
	ws := pcd.WalletState{
		Height:         0,
		Anchor:         zeroHex(),
		NotesRoot:      notesRoot(notes),
		NullifiersRoot: zeroHex(),
		Version:        WalletStateVersion,
	}
	s := commitment(ws)
	return &pcd.PcdState{
		WalletState:    ws,
		SCurrent:       s,
		ProofCurrent:   l.prove(s, s, 0),
		CircuitVersion: WalletStateVersion,
		SGenesis:       s,
		ChainLength:    0,
	}, nil
}

// Update checks the previous proof, applies the delta and proves the new
// state.
func (l *Local) Update(_ context.Context, req *pcd.UpdateRequest) (*pcd.UpdateResult, error) {
	prev := req.State
	if prev == nil {
		return nil, errMissingState
	}
	if req.Delta.BlockHeight <= prev.WalletState.Height {
		return nil, fmt.Errorf("block_height %d must be greater than previous height %d",
			req.Delta.BlockHeight, prev.WalletState.Height)
	}
	if prev.WalletState.Version != WalletStateVersion {
		return nil, fmt.Errorf("state version mismatch: expected %d, got %d",
			WalletStateVersion, prev.WalletState.Version)
	}

	prevVerified := l.check(prev) == ""

	anchor := req.Delta.AnchorNew
	if anchor == "" {
		anchor = zeroHex()
	}
	ws := pcd.WalletState{
		Height:         req.Delta.BlockHeight,
		Anchor:         anchor,
		NotesRoot:      notesRoot(pcd.NextNotes(req.Notes, req.Delta)),
		NullifiersRoot: nullifiersRoot(pcd.NextNullifiers(req.Nullifiers, req.Delta)),
		Version:        WalletStateVersion,
	}
	s := commitment(ws)
	chainLength := prev.ChainLength + 1

	return &pcd.UpdateResult{
		State: &pcd.PcdState{
			WalletState:    ws,
			SCurrent:       s,
			ProofCurrent:   l.prove(prev.SGenesis, s, chainLength),
			CircuitVersion: WalletStateVersion,
			SGenesis:       prev.SGenesis,
			ChainLength:    chainLength,
		},
		PrevProofVerified: prevVerified,
	}, nil
}

// Verify recomputes the commitment and the proof.
func (l *Local) Verify(_ context.Context, state *pcd.PcdState) (*pcd.VerifyResult, error) {
	if state == nil {
		return nil, errMissingState
	}
	reason := l.check(state)
	res := &pcd.VerifyResult{
		Valid:       reason == "",
		SCurrent:    state.SCurrent,
		ChainLength: state.ChainLength,
		Error:       reason,
	}
	return res, nil
}

// check returns an empty string when state carries a valid proof, or the
// reason it does not.
func (l *Local) check(state *pcd.PcdState) string {
	if _, err := decodeHex(state.ProofCurrent); err != nil {
		return fmt.Sprintf("invalid proof hex: %v", err)
	}
	if normalizeHex(commitment(state.WalletState)) != normalizeHex(state.SCurrent) {
		return "wallet_state commitment does not match s_current"
	}
	want := l.prove(state.SGenesis, state.SCurrent, state.ChainLength)
	if normalizeHex(state.ProofCurrent) != normalizeHex(want) {
		return "proof verification failed"
	}
	return ""
}

func (l *Local) prove(sGenesis, sCurrent string, chainLength uint64) string {
	h, err := blake2b.New256(l.key)
	if err != nil {
		// key length is checked in NewLocal
		panic(err)
	}
	h.Write([]byte(normalizeHex(sGenesis)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeHex(sCurrent)))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], chainLength)
	h.Write(buf[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func commitment(ws pcd.WalletState) string {
	var buf [8]byte
	h, _ := blake2b.New256(nil)
	binary.BigEndian.PutUint64(buf[:], ws.Height)
	h.Write(buf[:])
	for _, f := range []string{ws.Anchor, ws.NotesRoot, ws.NullifiersRoot} {
		h.Write([]byte(normalizeHex(f)))
		h.Write([]byte{0})
	}
	binary.BigEndian.PutUint32(buf[:4], ws.Version)
	h.Write(buf[:4])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func notesRoot(notes []pcd.NoteIdentifier) string {
	if len(notes) == 0 {
		return zeroHex()
	}
	acc := make([]byte, blake2b.Size256)
	var buf [8]byte
	for _, n := range notes {
		h, _ := blake2b.New256(nil)
		h.Write(acc)
		h.Write([]byte(normalizeHex(n.Commitment)))
		binary.BigEndian.PutUint64(buf[:], n.Value)
		h.Write(buf[:])
		acc = h.Sum(nil)
	}
	return "0x" + hex.EncodeToString(acc)
}

func nullifiersRoot(nfs []pcd.NullifierIdentifier) string {
	if len(nfs) == 0 {
		return zeroHex()
	}
	acc := make([]byte, blake2b.Size256)
	for _, nf := range nfs {
		h, _ := blake2b.New256(nil)
		h.Write(acc)
		h.Write([]byte(normalizeHex(nf.Nullifier)))
		acc = h.Sum(nil)
	}
	return "0x" + hex.EncodeToString(acc)
}

func zeroHex() string {
	return "0x" + strings.Repeat("00", blake2b.Size256)
}

func normalizeHex(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(normalizeHex(s))
}
