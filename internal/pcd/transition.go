package pcd

// NextNotes drops every note whose commitment is spent by the delta and
// appends the delta's new notes. The input slice is not modified.
func NextNotes(notes []NoteIdentifier, delta BlockDelta) []NoteIdentifier {
	spent := make(map[string]struct{}, len(delta.SpentNullifiers))
	for _, nf := range delta.SpentNullifiers {
		spent[nf.NoteCommitment] = struct{}{}
	}

	next := make([]NoteIdentifier, 0, len(notes)+len(delta.NewNotes))
	for _, n := range notes {
		if _, ok := spent[n.Commitment]; ok {
			continue
		}
		next = append(next, n)
	}
	return append(next, delta.NewNotes...)
}

// NextNullifiers appends the delta's spent nullifiers. Nullifiers are never
// removed.
func NextNullifiers(nullifiers []NullifierIdentifier, delta BlockDelta) []NullifierIdentifier {
	next := make([]NullifierIdentifier, 0, len(nullifiers)+len(delta.SpentNullifiers))
	next = append(next, nullifiers...)
	return append(next, delta.SpentNullifiers...)
}

// Balance sums note values.
func Balance(notes []NoteIdentifier) uint64 {
	var total uint64
	for _, n := range notes {
		total += n.Value
	}
	return total
}
