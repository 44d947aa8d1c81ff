package module

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupExactAndBetween(t *testing.T) {
	list, err := NewList([]Module{
		{Base: 0x400000, Size: 0x1000, CodeFile: "a"},
		{Base: 0x402000, Size: 0x1000, CodeFile: "b"},
	})
	require.NoError(t, err)

	m, ok := list.Lookup(0x400500)
	require.True(t, ok)
	require.Equal(t, "a", m.CodeFile)

	_, ok = list.Lookup(0x401500)
	require.False(t, ok, "expected no module in the gap")

	m, ok = list.Lookup(0x402fff)
	require.True(t, ok)
	require.Equal(t, "b", m.CodeFile)

	_, ok = list.Lookup(0x403000)
	require.False(t, ok, "0x403000 is the exclusive end of module b, should not match")
}

// Adjacent ranges: lookup at the shared boundary belongs to the later
// module, since ranges are half-open.
func TestAdjacentRangesBoundary(t *testing.T) {
	list, err := NewList([]Module{
		{Base: 0x1000, Size: 0x1000, CodeFile: "first"},
		{Base: 0x2000, Size: 0x1000, CodeFile: "second"},
	})
	require.NoError(t, err)

	m, ok := list.Lookup(0x2000)
	require.True(t, ok)
	require.Equal(t, "second", m.CodeFile)
}

func TestOverlapDetected(t *testing.T) {
	_, err := NewList([]Module{
		{Base: 0x1000, Size: 0x1000, CodeFile: "a"},
		{Base: 0x1800, Size: 0x1000, CodeFile: "b"},
	})
	require.Error(t, err)
	require.IsType(t, ErrOverlap{}, err)
}

func TestLookupPrefersLoaded(t *testing.T) {
	loaded, err := NewList([]Module{{Base: 0x1000, Size: 0x1000, CodeFile: "loaded"}})
	require.NoError(t, err)
	unloaded, err := NewList([]Module{{Base: 0x1000, Size: 0x1000, CodeFile: "unloaded"}})
	require.NoError(t, err)

	m, ok := Lookup(loaded, unloaded, 0x1500)
	require.True(t, ok)
	require.Equal(t, "loaded", m.CodeFile)

	_, ok = Lookup(loaded, unloaded, 0x5000)
	require.False(t, ok, "expected no match outside either range")
}
