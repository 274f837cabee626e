package nodelist

// identityIndex maps 20-byte RSA identity digests to Nodes, paired with an
// append-and-swap-remove sequence for O(1) removal and cache-friendly
// iteration. Grounded on the original nodelist.c's HT_PROTOTYPE hash table
// paired with a smartlist (nodelist.c lines ~88-171): a hash map for
// lookup, a slice for order-preserving-enough iteration.
//
// Go's builtin map already randomizes its hash seed per process (runtime
// memhash), which gives the same hash-flooding resistance the original
// gets from a keyed siphash24g without needing a second, explicit keyed
// hash library here.
type identityIndex struct {
	byID map[[20]byte]*Node
	seq  []*Node
}

func newIdentityIndex() *identityIndex {
	return &identityIndex{byID: make(map[[20]byte]*Node)}
}

// get returns the node for id, or nil.
func (x *identityIndex) get(id [20]byte) *Node {
	return x.byID[id]
}

// getOrCreate returns the existing node for id, or inserts and returns a
// freshly created one with country -1 and all flags clear.
func (x *identityIndex) getOrCreate(id [20]byte) *Node {
	if n := x.byID[id]; n != nil {
		return n
	}
	n := &Node{Identity: id, Country: -1, idx: len(x.seq)}
	x.byID[id] = n
	x.seq = append(x.seq, n)
	return n
}

// drop removes node from the index, swap-removing it from the sequence and
// rewriting the displaced element's idx.
func (x *identityIndex) drop(n *Node) {
	if x.byID[n.Identity] != n {
		return
	}
	delete(x.byID, n.Identity)

	last := len(x.seq) - 1
	pos := n.idx
	if pos < 0 || pos > last || x.seq[pos] != n {
		// idx out of sync; fall back to a linear scan rather than corrupt
		// the sequence.
		for i, m := range x.seq {
			if m == n {
				pos = i
				break
			}
		}
	}
	x.seq[pos] = x.seq[last]
	x.seq[pos].idx = pos
	x.seq = x.seq[:last]
	n.idx = -1
}

// all returns the sequence of nodes in index order. Safe to mutate node
// flags while iterating the result, not to insert or remove nodes.
func (x *identityIndex) all() []*Node {
	return x.seq
}

func (x *identityIndex) len() int {
	return len(x.seq)
}
