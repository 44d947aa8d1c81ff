package stackwalk

import "github.com/Link-Not-Found/breakpad/pkg/cpucontext"

// chainConvention describes one architecture's frame-pointer chaining
// layout: a saved-frame-pointer slot and a saved-return-address slot
// at fixed offsets from a chain register, plus the stack pointer's
// value once both are popped.
type chainConvention struct {
	candidates    []string // chain register(s), tried in order
	savedFPOffset int64    // offset from the chain register to the caller's saved fp
	retOffset     int64    // offset from the chain register to the saved return address
	newSPOffset   int64    // offset from the chain register to the popped stack pointer
	pcStrip       bool     // strip ARM64 pointer authentication from pc and lr
}

var conventions = map[cpucontext.Arch]chainConvention{
	cpucontext.X86: {
		candidates:    cpucontext.FramePointerCandidates(cpucontext.X86),
		savedFPOffset: 0, retOffset: 4, newSPOffset: 8,
	},
	cpucontext.AMD64: {
		candidates:    cpucontext.FramePointerCandidates(cpucontext.AMD64),
		savedFPOffset: 0, retOffset: 8, newSPOffset: 16,
	},
	cpucontext.ARM: {
		candidates:    cpucontext.FramePointerCandidates(cpucontext.ARM),
		savedFPOffset: 0, retOffset: 4, newSPOffset: 8,
	},
	cpucontext.ARM64: {
		candidates:    cpucontext.FramePointerCandidates(cpucontext.ARM64),
		savedFPOffset: 0, retOffset: 8, newSPOffset: 16,
		pcStrip: true,
	},
	cpucontext.MIPS: {
		candidates:    cpucontext.FramePointerCandidates(cpucontext.MIPS),
		savedFPOffset: 0, retOffset: 4, newSPOffset: 8,
	},
	cpucontext.PPC: {
		candidates: cpucontext.FramePointerCandidates(cpucontext.PPC), // empty: no fp convention
	},
	cpucontext.PPC64: {
		candidates: cpucontext.FramePointerCandidates(cpucontext.PPC64),
	},
	cpucontext.RISCV: {
		candidates:    cpucontext.FramePointerCandidates(cpucontext.RISCV),
		savedFPOffset: -8, retOffset: -4, newSPOffset: 0,
	},
	cpucontext.RISCV64: {
		candidates:    cpucontext.FramePointerCandidates(cpucontext.RISCV64),
		savedFPOffset: -16, retOffset: -8, newSPOffset: 0,
	},
}
