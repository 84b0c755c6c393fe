package ot

func transformInsertDelete(a, b Op) (ap, bp Op) {
	if a.Pos <= b.Pos {
		// Insert before delete. Delete shifts forward.
		return a, Op{Kind: OpDelete, Pos: b.Pos + len(a.Text), Len: b.Len}
	}
	if a.Pos >= b.Pos+b.Len {
		// Insert after delete. Insert shifts backward.
		return Op{Kind: OpInsert, Pos: a.Pos - b.Len, Text: a.Text}, b
	}
	// Insert inside the delete range. Delete expands to cover the inserted
	// text, and the insert collapses to nothing.
	return Op{Kind: OpInsert, Pos: b.Pos}, Op{Kind: OpDelete, Pos: b.Pos, Len: b.Len + len(a.Text)}
}

// Transform derives the bottom two sides of the OT diamond: given concurrent
// ops a and b authored against the same document, it returns a' and b' such
// that apply(a, b') and apply(b, a') converge. b wins position ties.
func Transform(a, b Op) (ap, bp Op) {
	switch {
	case a.Kind == OpInsert && b.Kind == OpInsert:
		if b.Pos <= a.Pos {
			return Op{Kind: OpInsert, Pos: a.Pos + len(b.Text), Text: a.Text}, b
		}
		return a, Op{Kind: OpInsert, Pos: b.Pos + len(a.Text), Text: b.Text}
	case a.Kind == OpInsert && b.Kind == OpDelete:
		return transformInsertDelete(a, b)
	case a.Kind == OpDelete && b.Kind == OpInsert:
		ins, del := transformInsertDelete(b, a)
		return del, ins
	case a.Kind == OpDelete && b.Kind == OpDelete:
		aEnd, bEnd := a.Pos+a.Len, b.Pos+b.Len
		if aEnd <= b.Pos {
			return a, Op{Kind: OpDelete, Pos: b.Pos - a.Len, Len: b.Len}
		}
		if bEnd <= a.Pos {
			return Op{Kind: OpDelete, Pos: a.Pos - b.Len, Len: a.Len}, b
		}
		// Deletions overlap; the shared stretch is only removed once.
		pos := minInt(a.Pos, b.Pos)
		overlap := minInt(aEnd, bEnd) - maxInt(a.Pos, b.Pos)
		return Op{Kind: OpDelete, Pos: pos, Len: a.Len - overlap}, Op{Kind: OpDelete, Pos: pos, Len: b.Len - overlap}
	}
	return a, b
}

// TransformOps transforms two concurrent op sequences against each other,
// returning both rewritten sides. The b side wins ties.
func TransformOps(a, b []Op) (ap, bp []Op) {
	aNew, bNew := make([]Op, len(a)), make([]Op, len(b))
	copy(aNew, a)
	for i, bOp := range b {
		for j, aOp := range aNew {
			aNew[j], bOp = Transform(aOp, bOp)
		}
		bNew[i] = bOp
	}
	return aNew, bNew
}

// TransformChange rebases a local change over a concurrent remote change,
// returning the local ops rewritten to apply after the remote ones. The
// remote side wins ties, matching the server's strict version ordering.
func TransformChange(local, remote Change) Change {
	localOps, _ := TransformOps(local.Ops, remote.Ops)
	return Change{Ops: localOps}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
