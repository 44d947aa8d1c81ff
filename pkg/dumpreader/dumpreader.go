// Package dumpreader defines the external contract a parsed crash
// dump must satisfy to drive the processor, and ships an in-memory
// Fake implementation of it.
//
// Decoding an actual OS crash-dump binary format (minidump, ELF core,
// etc.) is out of scope here; Dump sits in front of whatever concrete
// reader decodes a format, the way a debugger's process interface
// sits in front of its concrete target backend. The only
// implementation shipped here, Fake, is an in-memory stand-in for
// tests, not a format decoder.
package dumpreader

import (
	"time"

	"github.com/Link-Not-Found/breakpad/pkg/cpucontext"
	"github.com/Link-Not-Found/breakpad/pkg/module"
)

// SystemInfo describes the machine and OS the dump was captured on.
type SystemInfo struct {
	OS        string
	Arch      cpucontext.Arch
	CPUCount  int
	OSVersion string
	CPUVendor string
}

// ExceptionRecord is the fault that caused the dump to be written. It
// identifies the requesting thread and carries its own register
// context — potentially more reliable than that thread's own captured
// context — which the processor substitutes in when well-formed.
type ExceptionRecord struct {
	ThreadID   uint32
	Code       uint32
	Flags      uint32
	Address    uint64
	Parameters [15]uint64
	NumParams  int
	Context    *cpucontext.Context
}

// WellFormed reports whether the exception carries a usable register
// context: callers fall back to the thread's own context otherwise.
func (e ExceptionRecord) WellFormed() bool {
	if e.Context == nil {
		return false
	}
	pc, ok := e.Context.PC()
	return ok && pc != 0
}

// Thread is one captured thread: its identity, register context, and
// private stack memory region.
type Thread struct {
	ID      uint32
	TEB     uint64
	Context *cpucontext.Context
	Stack   MemoryRegion
}

// MemoryRegion is a contiguous, content-addressable range of guest
// memory: a base address plus its bytes.
type MemoryRegion struct {
	Base  uint64
	Bytes []byte
}

// MiscInfo is the optional miscellaneous-info block. ProcessCreateTime
// is only meaningful when HasCreateTime is true — the block itself is
// optional and, when present, may still omit the creation time.
type MiscInfo struct {
	HasCreateTime     bool
	ProcessCreateTime time.Time
}

// Dump is the read-only contract a parsed crash dump exposes to the
// processor: header, system info, modules, threads, and exception
// record. An implementation owns decoding whatever on-disk format it
// reads; nothing in this package does that decoding.
type Dump interface {
	SystemInfo() SystemInfo
	Threads() []Thread
	Modules() module.List
	UnloadedModules() module.List
	Exception() (ExceptionRecord, bool)
	ThreadNames() map[uint32]string
	MiscInfo() (MiscInfo, bool)
	// DumpThreadID identifies the thread whose own stack contains the
	// call that wrote the dump, distinct from the requesting/crashing
	// thread named by Exception. Its captured context is meaningless
	// crash-handler machinery and the processor skips it outright
	// rather than substituting anything for it.
	DumpThreadID() (uint32, bool)
}

// Fake is an in-memory Dump for tests and for driving the processor
// end to end without a real dump-format decoder.
type Fake struct {
	System     SystemInfo
	ThreadsV   []Thread
	ModulesV   module.List
	Unloaded   module.List
	Exc        *ExceptionRecord
	NamesV     map[uint32]string
	Misc       *MiscInfo
	DumpThread *uint32
}

var _ Dump = (*Fake)(nil)

func (f *Fake) SystemInfo() SystemInfo       { return f.System }
func (f *Fake) Threads() []Thread            { return f.ThreadsV }
func (f *Fake) Modules() module.List         { return f.ModulesV }
func (f *Fake) UnloadedModules() module.List { return f.Unloaded }

func (f *Fake) DumpThreadID() (uint32, bool) {
	if f.DumpThread == nil {
		return 0, false
	}
	return *f.DumpThread, true
}

func (f *Fake) Exception() (ExceptionRecord, bool) {
	if f.Exc == nil {
		return ExceptionRecord{}, false
	}
	return *f.Exc, true
}

func (f *Fake) ThreadNames() map[uint32]string {
	if f.NamesV == nil {
		return map[uint32]string{}
	}
	return f.NamesV
}

func (f *Fake) MiscInfo() (MiscInfo, bool) {
	if f.Misc == nil {
		return MiscInfo{}, false
	}
	return *f.Misc, true
}
