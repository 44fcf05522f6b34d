package memview

import "fmt"

// Perm is the permission bitmask of a mapped region, grounded on
// golang.org/x/debug/core's Perm type.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
)

func (p Perm) String() string {
	s := []byte("---")
	if p&Read != 0 {
		s[0] = 'r'
	}
	if p&Write != 0 {
		s[1] = 'w'
	}
	if p&Exec != 0 {
		s[2] = 'x'
	}
	return string(s)
}

// Mapping is one contiguous region of the target's address space, the unit
// the Map Resolver (internal/procmaps) produces and the Memory Reader backs
// reads with. Grounded on golang.org/x/debug/core.Mapping.
type Mapping struct {
	Low, High Addr
	Perm      Perm
	Path      string  // empty for anonymous regions
	FileOff   uint64  // offset into Path's backing file, when file-backed
	contents  []byte  // populated lazily by the backend that owns this mapping
}

func (m *Mapping) Size() int64 { return int64(m.High) - int64(m.Low) }

func (m *Mapping) Contains(a Addr) bool { return a >= m.Low && a < m.High }

func (m *Mapping) String() string {
	return fmt.Sprintf("%s-%s %s %s", m.Low, m.High, m.Perm, m.Path)
}

// mappingTable is a sorted list of mappings with a binary-search lookup,
// the non-generic analogue of core's 4-level page table (pageTable0..4):
// the pack retains the page-table idiom in spirit (O(log n) lookup, no
// linear scan per read) without porting its Go-1.17-era fixed-depth-array
// shape, since the target mapping counts here (tens to low hundreds) don't
// need it.
type mappingTable struct {
	sorted []*Mapping // sorted by Low, non-overlapping
}

func newMappingTable(mappings []*Mapping) *mappingTable {
	t := &mappingTable{sorted: append([]*Mapping(nil), mappings...)}
	for i := 1; i < len(t.sorted); i++ {
		for j := i; j > 0 && t.sorted[j-1].Low > t.sorted[j].Low; j-- {
			t.sorted[j-1], t.sorted[j] = t.sorted[j], t.sorted[j-1]
		}
	}
	return t
}

// find returns the mapping containing a, or nil.
func (t *mappingTable) find(a Addr) *Mapping {
	lo, hi := 0, len(t.sorted)
	for lo < hi {
		mid := (lo + hi) / 2
		m := t.sorted[mid]
		switch {
		case a < m.Low:
			hi = mid
		case a >= m.High:
			lo = mid + 1
		default:
			return m
		}
	}
	return nil
}
