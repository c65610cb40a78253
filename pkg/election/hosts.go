package election

import "patchbay/pkg/patch"

// MaxHosts bounds how many distinct nodes one coordination round can
// track. The table backing it never allocates past this.
const MaxHosts = 16

type hostEntry struct {
	id    patch.NodeID
	state *patch.LocalState
}

// hostTable is a fixed-capacity insertion-ordered map from node ID to
// its last reported local state. A nil state means the host has been
// seen this round but has not reported yet.
type hostTable struct {
	slots [MaxHosts]hostEntry
	n     int
}

// record upserts a host. It reports false, changing nothing, when the
// host is new and the table is full.
func (t *hostTable) record(id patch.NodeID, st *patch.LocalState) bool {
	for i := 0; i < t.n; i++ {
		if t.slots[i].id == id {
			t.slots[i].state = st
			return true
		}
	}
	if t.n == MaxHosts {
		return false
	}
	t.slots[t.n] = hostEntry{id: id, state: st}
	t.n++
	return true
}

func (t *hostTable) len() int {
	return t.n
}

func (t *hostTable) clear() {
	for i := 0; i < t.n; i++ {
		t.slots[i] = hostEntry{}
	}
	t.n = 0
}

// states appends the stored states to dst in insertion order, nil
// entries included.
func (t *hostTable) states(dst []*patch.LocalState) []*patch.LocalState {
	for i := 0; i < t.n; i++ {
		dst = append(dst, t.slots[i].state)
	}
	return dst
}
