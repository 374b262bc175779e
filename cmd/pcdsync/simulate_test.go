package main

import (
	"testing"

	"github.com/10yihang/pcdsync/internal/pcd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimDelta_SpendsNoteFromTwoBlocksBack(t *testing.T) {
	notes := []pcd.NoteIdentifier{simNote(0, 0, 1000)}
	var nullifiers []pcd.NullifierIdentifier

	for h := uint64(1); h <= 5; h++ {
		d := simDelta(h)
		require.Equal(t, h, d.BlockHeight)
		require.True(t, pcd.IsHexString(d.AnchorNew))
		notes = pcd.NextNotes(notes, d)
		nullifiers = pcd.NextNullifiers(nullifiers, d)
	}

	// Blocks 2..5 each spend one note, leaving the notes of blocks 4 and 5.
	require.Len(t, notes, 2)
	assert.Equal(t, simNote(4, 4, 0).Commitment, notes[0].Commitment)
	assert.Equal(t, simNote(5, 5, 0).Commitment, notes[1].Commitment)
	assert.Len(t, nullifiers, 4)
}
