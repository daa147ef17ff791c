package vm

import (
	"sort"

	"vmem/addr"
)

// Vmregion_t is the ordered, non-overlapping catalog of mappings making up
// an address space. Entries are kept sorted by start address with no two
// entries overlapping; find uses that ordering to binary search.
type Vmregion_t struct {
	m []Vminfo_t
}

// find returns the index of the first mapping whose end is beyond v. The
// second return value is false if v lies at or past every mapping's end,
// in which case the index is len(r.m).
func (r *Vmregion_t) find(v addr.Virt) (int, bool) {
	i := sort.Search(len(r.m), func(i int) bool { return r.m[i].end() > v })
	return i, i < len(r.m)
}

// Lookup returns the index of the mapping covering v and whether such a
// mapping exists.
func (r *Vmregion_t) Lookup(v addr.Virt) (int, bool) {
	i, ok := r.find(v)
	if !ok {
		return i, false
	}
	return i, r.m[i].overlaps(v, 1)
}

func (r *Vmregion_t) at(i int) *Vminfo_t { return &r.m[i] }
func (r *Vmregion_t) len() int           { return len(r.m) }

func (r *Vmregion_t) insertAt(i int, m Vminfo_t) {
	r.m = append(r.m, Vminfo_t{})
	copy(r.m[i+1:], r.m[i:])
	r.m[i] = m
}

func (r *Vmregion_t) removeAt(i int) {
	r.m = append(r.m[:i], r.m[i+1:]...)
}

func (r *Vmregion_t) append(m Vminfo_t) { r.m = append(r.m, m) }

// Clear empties the region without releasing any frame references;
// callers must deinit each mapping's frame first.
func (r *Vmregion_t) Clear() { r.m = nil }
