package pcd

import (
	"bytes"
	"encoding/json"
	"strings"
)

// WalletState is the wallet state a PCD proof commits to. The machine only
// reads Height. A WalletState decoded from JSON re-encodes to exactly the
// bytes it was decoded from while its typed fields are unchanged; after a
// change the typed fields are written over the decoded document, so fields
// owned by the proof service still survive persist and export.
type WalletState struct {
	Height         uint64 `json:"height"`
	Anchor         string `json:"anchor,omitempty"`
	NotesRoot      string `json:"notes_root,omitempty"`
	NullifiersRoot string `json:"nullifiers_root,omitempty"`
	Version        uint32 `json:"version,omitempty"`

	raw     json.RawMessage
	decoded walletStateJSON
}

type walletStateJSON struct {
	Height         uint64 `json:"height"`
	Anchor         string `json:"anchor,omitempty"`
	NotesRoot      string `json:"notes_root,omitempty"`
	NullifiersRoot string `json:"nullifiers_root,omitempty"`
	Version        uint32 `json:"version,omitempty"`
}

func (w *WalletState) typed() walletStateJSON {
	return walletStateJSON{
		Height:         w.Height,
		Anchor:         w.Anchor,
		NotesRoot:      w.NotesRoot,
		NullifiersRoot: w.NullifiersRoot,
		Version:        w.Version,
	}
}

// UnmarshalJSON decodes the known fields and keeps the raw document.
func (w *WalletState) UnmarshalJSON(data []byte) error {
	var v walletStateJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*w = WalletState{
		Height:         v.Height,
		Anchor:         v.Anchor,
		NotesRoot:      v.NotesRoot,
		NullifiersRoot: v.NullifiersRoot,
		Version:        v.Version,
		raw:            append(json.RawMessage(nil), bytes.TrimSpace(data)...),
		decoded:        v,
	}
	return nil
}

// MarshalJSON returns the raw document when the typed fields still match
// it, and otherwise merges the current typed fields into it.
func (w WalletState) MarshalJSON() ([]byte, error) {
	cur := w.typed()
	if len(w.raw) == 0 {
		return json.Marshal(cur)
	}
	if cur == w.decoded {
		return w.raw, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(w.raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}
	known, err := json.Marshal(cur)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	// Typed keys left out by omitempty must not keep their stale value.
	for _, k := range []string{"anchor", "notes_root", "nullifiers_root", "version"} {
		delete(doc, k)
	}
	for k, v := range fields {
		doc[k] = v
	}
	return json.Marshal(doc)
}

// PcdState is a state commitment together with the proof that it was
// derived from SGenesis in ChainLength steps.
type PcdState struct {
	WalletState    WalletState `json:"wallet_state"`
	SCurrent       string      `json:"s_current"`
	ProofCurrent   string      `json:"proof_current"`
	CircuitVersion uint32      `json:"circuit_version,omitempty"`
	SGenesis       string      `json:"s_genesis"`
	ChainLength    uint64      `json:"chain_length"`
}

// Clone returns a deep copy.
func (s *PcdState) Clone() *PcdState {
	if s == nil {
		return nil
	}
	c := *s
	c.WalletState.raw = append(json.RawMessage(nil), s.WalletState.raw...)
	return &c
}

// NoteIdentifier is an unspent output known to the wallet.
type NoteIdentifier struct {
	Commitment string `json:"commitment"`
	Value      uint64 `json:"value"`
	Position   uint64 `json:"position"`
}

// NullifierIdentifier records that the note with NoteCommitment was spent.
type NullifierIdentifier struct {
	Nullifier      string `json:"nullifier"`
	NoteCommitment string `json:"note_commitment"`
}

// BlockDelta is the change set between two scan heights.
type BlockDelta struct {
	BlockHeight     uint64                `json:"block_height"`
	AnchorNew       string                `json:"anchor_new,omitempty"`
	NewNotes        []NoteIdentifier      `json:"new_notes"`
	SpentNullifiers []NullifierIdentifier `json:"spent_nullifiers"`
}

// PersistedState is the durable snapshot written under the storage key.
type PersistedState struct {
	PcdState   *PcdState             `json:"pcd_state"`
	Notes      []NoteIdentifier      `json:"notes"`
	Nullifiers []NullifierIdentifier `json:"nullifiers"`
	// UpdatedAt is unix milliseconds.
	UpdatedAt int64 `json:"updated_at"`
}

// IsHexString reports whether s is a non-empty hex string with an optional
// 0x prefix.
func IsHexString(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
