package proofsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/10yihang/pcdsync/internal/pcd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal([]byte("test-key"))
	require.NoError(t, err)
	return l
}

func TestNewLocal_KeyLength(t *testing.T) {
	_, err := NewLocal(nil)
	assert.Error(t, err)
	_, err = NewLocal(make([]byte, 65))
	assert.Error(t, err)
}

func TestLocal_InitVerifies(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	st, err := l.Init(ctx, []pcd.NoteIdentifier{{Commitment: "0xaa", Value: 5}})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.ChainLength)
	assert.Equal(t, st.SGenesis, st.SCurrent)
	assert.True(t, pcd.IsHexString(st.SCurrent))

	res, err := l.Verify(ctx, st)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Error)
}

func TestLocal_UpdateChain(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	notes := []pcd.NoteIdentifier{{Commitment: "0x01", Value: 1}}
	st, err := l.Init(ctx, notes)
	require.NoError(t, err)

	var nfs []pcd.NullifierIdentifier
	for h := uint64(1); h <= 3; h++ {
		delta := pcd.BlockDelta{
			BlockHeight: h * 10,
			NewNotes:    []pcd.NoteIdentifier{{Commitment: fmt.Sprintf("0x%02x", h+1), Value: h}},
		}
		res, err := l.Update(ctx, &pcd.UpdateRequest{State: st, Delta: delta, Notes: notes, Nullifiers: nfs})
		require.NoError(t, err)
		assert.True(t, res.PrevProofVerified)
		assert.Equal(t, h, res.State.ChainLength)
		assert.Equal(t, h*10, res.State.WalletState.Height)
		assert.Equal(t, st.SGenesis, res.State.SGenesis)

		notes = pcd.NextNotes(notes, delta)
		st = res.State
	}

	res, err := l.Verify(ctx, st)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestLocal_UpdateReportsTamperedPrevProof(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	st, err := l.Init(ctx, nil)
	require.NoError(t, err)
	st.ProofCurrent = "0x" + "ab"

	res, err := l.Update(ctx, &pcd.UpdateRequest{State: st, Delta: pcd.BlockDelta{BlockHeight: 1}})
	require.NoError(t, err)
	assert.False(t, res.PrevProofVerified)

	// The new link is still a valid proof of its own.
	v, err := l.Verify(ctx, res.State)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestLocal_UpdateRejectsNonIncreasingHeight(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	st, err := l.Init(ctx, nil)
	require.NoError(t, err)
	res, err := l.Update(ctx, &pcd.UpdateRequest{State: st, Delta: pcd.BlockDelta{BlockHeight: 5}})
	require.NoError(t, err)

	_, err = l.Update(ctx, &pcd.UpdateRequest{State: res.State, Delta: pcd.BlockDelta{BlockHeight: 5}})
	assert.Error(t, err)
}

func TestLocal_VerifyDetectsTampering(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	st, err := l.Init(ctx, nil)
	require.NoError(t, err)

	tampered := st.Clone()
	tampered.WalletState.Height = 99
	res, err := l.Verify(ctx, tampered)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "wallet_state commitment does not match s_current", res.Error)

	other, err := NewLocal([]byte("other-key"))
	require.NoError(t, err)
	res, err = other.Verify(ctx, st)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "proof verification failed", res.Error)
}

func TestLocal_VerifyAfterJSONRoundTrip(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	st, err := l.Init(ctx, []pcd.NoteIdentifier{{Commitment: "0x0f", Value: 3}})
	require.NoError(t, err)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	var decoded pcd.PcdState
	require.NoError(t, json.Unmarshal(data, &decoded))

	res, err := l.Verify(ctx, &decoded)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Error)
}
