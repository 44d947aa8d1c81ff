// Package cpucontext models a CPU register context: an
// architecture-tagged bag of register values together with a validity
// mask recording which of them have actually been recovered.
//
// The innermost frame of a walk has every register valid (it comes
// straight from the dump). Each CFI or fallback recovery step may
// leave some caller registers unknown; downstream rules referencing
// an invalid register must fail cleanly rather than read garbage.
package cpucontext

import "fmt"

// Arch tags a CPU architecture family.
type Arch string

const (
	X86     Arch = "x86"
	AMD64   Arch = "x86_64"
	ARM     Arch = "arm"
	ARM64   Arch = "arm64"
	MIPS    Arch = "mips"
	PPC     Arch = "ppc"
	PPC64   Arch = "ppc64"
	RISCV   Arch = "riscv"
	RISCV64 Arch = "riscv64"
)

// registerSet lists the canonical register names for an architecture,
// in the naming convention Breakpad symbol files use: $-prefixed,
// matching the tokens that appear in STACK CFI rule expressions.
var registerSet = map[Arch][]string{
	X86: {
		"$eax", "$ebx", "$ecx", "$edx", "$esi", "$edi", "$ebp", "$esp", "$eip", "$eflags",
	},
	AMD64: {
		"$rax", "$rbx", "$rcx", "$rdx", "$rsi", "$rdi", "$rbp", "$rsp", "$rip",
		"$r8", "$r9", "$r10", "$r11", "$r12", "$r13", "$r14", "$r15", "$rflags",
	},
	ARM: append([]string{"$sp", "$pc", "$lr", "$fp"}, regRange("$r", 0, 12)...),
	ARM64: append([]string{"$sp", "$pc", "$lr", "$fp"}, regRange("$x", 0, 28)...),
	MIPS: append([]string{"$sp", "$pc", "$ra", "$fp", "$gp"}, regRange("$r", 0, 31)...),
	PPC: append([]string{"$sp", "$pc", "$lr", "$r1"}, regRange("$r", 0, 31)...),
	PPC64: append([]string{"$sp", "$pc", "$lr", "$r1"}, regRange("$r", 0, 31)...),
	RISCV: append([]string{"$sp", "$pc", "$ra", "$fp"}, regRange("$x", 0, 31)...),
	RISCV64: append([]string{"$sp", "$pc", "$ra", "$fp"}, regRange("$x", 0, 31)...),
}

func regRange(prefix string, lo, hi int) []string {
	out := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, fmt.Sprintf("%s%d", prefix, i))
	}
	return out
}

// pcRegister and spRegister give the conventional program-counter and
// stack-pointer register name per architecture.
var pcRegister = map[Arch]string{
	X86: "$eip", AMD64: "$rip", ARM: "$pc", ARM64: "$pc",
	MIPS: "$pc", PPC: "$pc", PPC64: "$pc", RISCV: "$pc", RISCV64: "$pc",
}

var spRegister = map[Arch]string{
	X86: "$esp", AMD64: "$rsp", ARM: "$sp", ARM64: "$sp",
	MIPS: "$sp", PPC: "$r1", PPC64: "$r1", RISCV: "$sp", RISCV64: "$sp",
}

// framePointerRegister gives the register conventionally chaining
// stack frames, when the architecture has one; the ARM family has two
// competing conventions (APCS $r11, thumb $r7) and both are reported.
var framePointerRegister = map[Arch][]string{
	X86: {"$ebp"}, AMD64: {"$rbp"},
	ARM: {"$r11", "$r7"}, ARM64: {"$fp"},
	MIPS: {"$fp"}, PPC: {}, PPC64: {}, RISCV: {"$fp"}, RISCV64: {"$fp"},
}

// linkRegister gives the register holding a leaf function's return
// address, for architectures that have a dedicated one. Empty for x86
// and x86-64, which have none — their return address always lives on
// the stack, never in a register, so `.ra` rules on those two
// architectures must be explicit or the walk falls through to the
// next strategy.
var linkRegister = map[Arch]string{
	X86: "", AMD64: "",
	ARM: "$lr", ARM64: "$lr",
	MIPS: "$ra", PPC: "$lr", PPC64: "$lr", RISCV: "$ra", RISCV64: "$ra",
}

// PointerSize returns the architecture's native pointer width in bytes.
func PointerSize(arch Arch) int {
	switch arch {
	case X86, ARM, MIPS, PPC, RISCV:
		return 4
	default:
		return 8
	}
}

// Context is a snapshot of registers for one architecture, plus which
// of them are currently known good.
type Context struct {
	arch  Arch
	regs  map[string]uint64
	valid map[string]bool
}

// New returns an empty context for arch, with no registers valid.
func New(arch Arch) *Context {
	return &Context{arch: arch, regs: make(map[string]uint64), valid: make(map[string]bool)}
}

// Arch returns the context's architecture tag.
func (c *Context) Arch() Arch { return c.arch }

// Known reports whether name is a register that exists on this
// architecture, regardless of whether its value has been recovered.
func (c *Context) Known(name string) bool {
	for _, n := range registerSet[c.arch] {
		if n == name {
			return true
		}
	}
	return name == cfaPseudoRegister || name == raPseudoRegister
}

// Reg returns the value of name and whether it is currently valid.
// Reading an unknown register also reports ok=false.
func (c *Context) Reg(name string) (uint64, bool) {
	if !c.valid[name] {
		return 0, false
	}
	return c.regs[name], true
}

// Valid reports whether name currently holds a recovered value.
func (c *Context) Valid(name string) bool {
	return c.valid[name]
}

// SetReg records a recovered value for name and marks it valid.
func (c *Context) SetReg(name string, v uint64) {
	c.regs[name] = v
	c.valid[name] = true
}

// ValidNames returns the set of registers currently marked valid, for
// tests asserting on validity propagation across unwind steps.
func (c *Context) ValidNames() []string {
	out := make([]string, 0, len(c.valid))
	for n, ok := range c.valid {
		if ok {
			out = append(out, n)
		}
	}
	return out
}

// PC returns the architecture's program-counter register value.
func (c *Context) PC() (uint64, bool) { return c.Reg(pcRegister[c.arch]) }

// SP returns the architecture's stack-pointer register value.
func (c *Context) SP() (uint64, bool) { return c.Reg(spRegister[c.arch]) }

// PCRegisterName returns the name of the PC register for this arch.
func (c *Context) PCRegisterName() string { return pcRegister[c.arch] }

// SPRegisterName returns the name of the SP register for this arch.
func (c *Context) SPRegisterName() string { return spRegister[c.arch] }

// FramePointerCandidates returns the frame-pointer register name(s)
// conventionally used to chain frames on this architecture.
func FramePointerCandidates(arch Arch) []string { return framePointerRegister[arch] }

// LinkRegisterName returns the architecture's dedicated return-address
// register, or "" if the architecture has none (x86, x86-64).
func LinkRegisterName(arch Arch) string { return linkRegister[arch] }

const cfaPseudoRegister = ".cfa"
const raPseudoRegister = ".ra"

// CFAName is the conventional pseudo-register name for the Canonical
// Frame Address.
const CFAName = cfaPseudoRegister

// RAName is the conventional pseudo-register name for the recovered
// return address.
const RAName = raPseudoRegister

// AddressRangeMask derives the ARM64 pointer-authentication mask from
// a highest module end address: the smallest power-of-two bound
// containing it, rounded up to at least bit 48.
func AddressRangeMask(highestModuleEnd uint64) uint64 {
	const minBits = 48
	bits := minBits
	for (uint64(1) << uint(bits)) <= highestModuleEnd && bits < 64 {
		bits++
	}
	return (uint64(1) << uint(bits)) - 1
}

// StripPointerAuth clears every bit of ptr above mask, removing an
// ARM64 pointer-authentication code from a signed pointer.
func StripPointerAuth(ptr, mask uint64) uint64 {
	return ptr & mask
}
