// Package module models a dump's loaded (and previously-loaded)
// executable images and provides address-range lookup over them.
package module

import (
	"fmt"
	"sort"
)

// Module is a loaded executable image: main binary or shared library,
// occupying a known, half-open address range [Base, Base+Size).
type Module struct {
	Base            uint64
	Size            uint64
	CodeFile        string
	CodeIdentifier  string
	DebugFile       string
	DebugIdentifier string
}

// End returns the exclusive end of the module's address range.
func (m Module) End() uint64 { return m.Base + m.Size }

// Contains reports whether addr falls within [Base, End).
func (m Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.End()
}

// Key identifies a module's symbol database: keyed by
// (debug_file, debug_identifier).
func (m Module) Key() string {
	return m.DebugFile + "/" + m.DebugIdentifier
}

// ErrOverlap is returned by NewList when two modules in the same list
// claim overlapping address ranges. Modules never overlap in a valid
// dump; overlap is a detectable error rather than something callers
// must silently tolerate.
type ErrOverlap struct {
	A, B Module
}

func (e ErrOverlap) Error() string {
	return fmt.Sprintf("module %q [%#x,%#x) overlaps module %q [%#x,%#x)",
		e.A.CodeFile, e.A.Base, e.A.End(), e.B.CodeFile, e.B.Base, e.B.End())
}

// List is an ordered, address-indexed set of modules supporting
// O(log n) lookup by instruction address.
type List struct {
	byBase []Module // sorted by Base
}

// NewList builds a List from mods, sorting by base address and
// rejecting overlapping ranges.
func NewList(mods []Module) (List, error) {
	sorted := make([]Module, len(mods))
	copy(sorted, mods)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Base < sorted[i-1].End() {
			return List{}, ErrOverlap{A: sorted[i-1], B: sorted[i]}
		}
	}
	return List{byBase: sorted}, nil
}

// Len returns the number of modules in the list.
func (l List) Len() int { return len(l.byBase) }

// At returns the i'th module in base-address order.
func (l List) At(i int) Module { return l.byBase[i] }

// Lookup returns the module containing addr, if any, via binary
// search over the sorted base addresses.
func (l List) Lookup(addr uint64) (Module, bool) {
	// Find the last module whose Base is <= addr.
	i := sort.Search(len(l.byBase), func(i int) bool { return l.byBase[i].Base > addr })
	if i == 0 {
		return Module{}, false
	}
	m := l.byBase[i-1]
	if m.Contains(addr) {
		return m, true
	}
	return Module{}, false
}

// HighestEnd returns the largest End() among the list's modules, used
// to derive the ARM64 pointer-authentication address mask. Returns 0
// for an empty list.
func (l List) HighestEnd() uint64 {
	var max uint64
	for _, m := range l.byBase {
		if e := m.End(); e > max {
			max = e
		}
	}
	return max
}

// Lookup prefers loaded modules, falling back to unloaded ones.
// Callers that have both a loaded and an unloaded List should use
// this instead of calling Lookup on each separately.
func Lookup(loaded, unloaded List, addr uint64) (Module, bool) {
	if m, ok := loaded.Lookup(addr); ok {
		return m, true
	}
	return unloaded.Lookup(addr)
}
