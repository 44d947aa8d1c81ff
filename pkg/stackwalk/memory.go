package stackwalk

import "encoding/binary"

// Memory is a bounded window of a thread's stack, addressed by guest
// address rather than slice offset. Every access is bounds-checked;
// out-of-range reads report failure rather than panicking.
type Memory struct {
	Base  uint64
	Bytes []byte
}

// End returns the exclusive end of the memory window.
func (m Memory) End() uint64 { return m.Base + uint64(len(m.Bytes)) }

// ReadUint reads size (1, 2, 4, or 8) little-endian bytes at addr.
// Implements cfi.MemoryReader.
func (m Memory) ReadUint(addr uint64, size int) (uint64, bool) {
	if len(m.Bytes) == 0 || addr < m.Base || addr+uint64(size) > m.End() {
		return 0, false
	}
	off := addr - m.Base
	b := m.Bytes[off : off+uint64(size)]
	switch size {
	case 1:
		return uint64(b[0]), true
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), true
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), true
	case 8:
		return binary.LittleEndian.Uint64(b), true
	default:
		return 0, false
	}
}

// BytesAt returns up to n raw bytes ending at addr (exclusive), for
// callers that need to inspect the instructions preceding a candidate
// return address. ok is false if the range falls outside the window.
func (m Memory) BytesAt(addr uint64, n int) (b []byte, ok bool) {
	if addr < m.Base || addr > m.End() {
		return nil, false
	}
	start := addr - uint64(n)
	if int64(addr)-int64(n) < int64(m.Base) {
		start = m.Base
	}
	off := start - m.Base
	end := addr - m.Base
	if end > uint64(len(m.Bytes)) {
		return nil, false
	}
	return m.Bytes[off:end], true
}
