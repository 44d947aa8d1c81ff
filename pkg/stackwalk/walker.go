package stackwalk

import (
	"errors"

	"github.com/Link-Not-Found/breakpad/pkg/cfi"
	"github.com/Link-Not-Found/breakpad/pkg/cpucontext"
	"github.com/Link-Not-Found/breakpad/pkg/logflags"
	"github.com/Link-Not-Found/breakpad/pkg/module"
	"github.com/Link-Not-Found/breakpad/pkg/symbolizer"
	"github.com/Link-Not-Found/breakpad/pkg/symfile"
)

// Walker recovers one thread's call stack for a single architecture,
// applying CFI, then frame-pointer chaining, then a bounded stack
// scan, in that fixed order, for every frame after the innermost.
//
// Architecture differences are data, not code: conventions.go tables
// the frame-pointer chaining layout per architecture. The branches on
// Arch below are ARM64 pointer-authentication stripping, the ARM64
// link-register correction after CFI, ARM's leaf-function
// link-register shortcut, and the x86/x86-64 call-site check in stack
// scanning.
type Walker struct {
	Arch     cpucontext.Arch
	Memory   Memory
	Loaded   module.List
	Unloaded module.List
	Sym      *symbolizer.Symbolizer
	AddrMask uint64

	// CodeAt returns up to n bytes of executable code ending at addr,
	// for the x86/x86-64 "looks like a call instruction" stack-scan
	// heuristic. May be nil, in which case scan candidates are
	// verified by module-range containment alone.
	CodeAt func(addr uint64, n int) ([]byte, bool)

	ScanWindowInnermost int
	ScanWindowOuter     int

	Log logflags.Logger

	// fatalErr is set when the symbol provider reports
	// InterruptRetryLater; it aborts the walk and propagates to the
	// Dispatcher, which propagates it to the processor.
	fatalErr error
}

// FatalErr returns the error that stopped the walk early, if the
// symbol provider reported InterruptRetryLater partway through.
func (w *Walker) FatalErr() error { return w.fatalErr }

// NewWalker returns a Walker for arch. addrMask is the ARM64 pointer-
// authentication address-range mask; ignored on other architectures.
func NewWalker(arch cpucontext.Arch, mem Memory, loaded, unloaded module.List, sym *symbolizer.Symbolizer, addrMask uint64) *Walker {
	return &Walker{
		Arch: arch, Memory: mem, Loaded: loaded, Unloaded: unloaded, Sym: sym, AddrMask: addrMask,
		ScanWindowInnermost: 40,
		ScanWindowOuter:     30,
		Log:                 logflags.New("stackwalk", false),
	}
}

// GetContextFrame returns the innermost frame, built directly from
// ctx with trust = context.
func (w *Walker) GetContextFrame(ctx *cpucontext.Context) Stackframe {
	f := Stackframe{Trust: TrustContext, Context: ctx}
	f.Frame.Instruction, _ = ctx.PC()
	w.fillFrame(&f.Frame)
	return f
}

// fillFrame resolves a frame's symbol info, recording a fatal error
// (rather than treating it as an ordinary symbolization miss) when the
// provider reports InterruptRetryLater.
func (w *Walker) fillFrame(f *symbolizer.Frame) *symfile.CFIRecord {
	rec, err := w.Sym.FillSourceLineInfo(f)
	if err != nil {
		var interrupted symbolizer.ErrSymbolSupplierInterrupted
		if errors.As(err, &interrupted) && w.fatalErr == nil {
			w.fatalErr = err
		}
		return nil
	}
	return rec
}

// GetCallerFrame returns the caller of stack's innermost frame, or
// ok=false if every strategy failed (the walk has reached its end).
func (w *Walker) GetCallerFrame(stack []Stackframe, scanAllowed bool) (Stackframe, bool) {
	if len(stack) == 0 {
		return Stackframe{}, false
	}
	callee := stack[len(stack)-1]
	innermost := len(stack) == 1

	if newCtx, ok := w.tryCFI(callee); ok {
		return w.frameFrom(newCtx, TrustCFI)
	}
	if w.fatalErr != nil {
		return Stackframe{}, false
	}
	if newCtx, ok := w.tryFramePointer(callee.Context, innermost); ok {
		return w.frameFrom(newCtx, TrustFramePointer)
	}
	if scanAllowed {
		window := w.ScanWindowOuter
		if innermost {
			window = w.ScanWindowInnermost
		}
		if newCtx, ok := w.tryScan(callee.Context, window); ok {
			return w.frameFrom(newCtx, TrustScan)
		}
	}
	return Stackframe{}, false
}

func (w *Walker) frameFrom(ctx *cpucontext.Context, trust Trust) (Stackframe, bool) {
	pc, ok := ctx.PC()
	if !ok {
		return Stackframe{}, false
	}
	f := Stackframe{Trust: trust, Context: ctx}
	f.Frame.Instruction = pc
	w.fillFrame(&f.Frame)
	return f, true
}

func (w *Walker) tryCFI(callee Stackframe) (*cpucontext.Context, bool) {
	cfiRec := w.fillFrame(&callee.Frame)
	if cfiRec == nil {
		return nil, false
	}
	rules := cfiRec.EffectiveRules(callee.Frame.Instruction)
	eval := &cfi.Evaluator{Memory: w.Memory, AddressSize: cpucontext.PointerSize(w.Arch)}
	recovered, err := eval.EvaluateFrame(rules, callee.Context, cpucontext.LinkRegisterName(w.Arch))
	if err != nil {
		return nil, false
	}

	newCtx := cpucontext.New(w.Arch)
	cfa, hasCFA := recovered[cpucontext.CFAName]
	for name, v := range recovered {
		switch name {
		case cpucontext.CFAName:
			continue
		case cpucontext.RAName:
			pc := v
			if w.Arch == cpucontext.ARM64 {
				pc = cpucontext.StripPointerAuth(pc, w.AddrMask)
			}
			newCtx.SetReg(newCtx.PCRegisterName(), pc)
		default:
			if newCtx.Known(name) {
				val := v
				if w.Arch == cpucontext.ARM64 && name == cpucontext.LinkRegisterName(w.Arch) {
					val = cpucontext.StripPointerAuth(val, w.AddrMask)
				}
				newCtx.SetReg(name, val)
			}
		}
	}
	if !newCtx.Valid(newCtx.SPRegisterName()) && hasCFA {
		newCtx.SetReg(newCtx.SPRegisterName(), cfa)
	}
	if w.Arch == cpucontext.ARM64 {
		if _, explicitRA := rules[cpucontext.RAName]; !explicitRA {
			w.correctRegLRByFramePointer(callee.Context, newCtx)
		}
	}
	if _, ok := newCtx.PC(); !ok {
		return nil, false
	}
	return newCtx, true
}

// correctRegLRByFramePointer implements the ARM64 stackwalker's link-
// register correction: when the CFI range covering this frame has no
// explicit `.ra` rule, EvaluateFrame falls back to the callee's raw
// $lr, which can already be stale if the callee made calls of its own
// before its CFI-covered prologue ran. Chasing the frame-pointer chain
// two levels up from the callee recovers the link register that was
// actually saved for this call.
func (w *Walker) correctRegLRByFramePointer(callee *cpucontext.Context, newCtx *cpucontext.Context) {
	fpReg := cpucontext.FramePointerCandidates(cpucontext.ARM64)[0]
	fp, ok := callee.Reg(fpReg)
	if !ok {
		return
	}
	addrSize := cpucontext.PointerSize(cpucontext.ARM64)
	callerFP, ok := w.Memory.ReadUint(fp, addrSize)
	if !ok {
		return
	}
	granFP, ok := w.Memory.ReadUint(callerFP, addrSize)
	if !ok {
		return
	}
	lr, ok := w.Memory.ReadUint(granFP+uint64(addrSize), addrSize)
	if !ok {
		return
	}
	newCtx.SetReg(newCtx.PCRegisterName(), cpucontext.StripPointerAuth(lr, w.AddrMask))
}

func (w *Walker) tryFramePointer(callee *cpucontext.Context, innermost bool) (*cpucontext.Context, bool) {
	conv, ok := conventions[w.Arch]
	addrSize := cpucontext.PointerSize(w.Arch)
	if ok {
		for _, fpReg := range conv.candidates {
			fp, ok := callee.Reg(fpReg)
			if !ok {
				continue
			}
			retAddr, ok1 := w.Memory.ReadUint(uint64(int64(fp)+conv.retOffset), addrSize)
			callerFP, ok2 := w.Memory.ReadUint(uint64(int64(fp)+conv.savedFPOffset), addrSize)
			if !ok1 || !ok2 {
				continue
			}
			newSP := uint64(int64(fp) + conv.newSPOffset)
			if conv.pcStrip {
				retAddr = cpucontext.StripPointerAuth(retAddr, w.AddrMask)
				callerFP = cpucontext.StripPointerAuth(callerFP, w.AddrMask)
			}
			newCtx := cpucontext.New(w.Arch)
			newCtx.SetReg(newCtx.PCRegisterName(), retAddr)
			newCtx.SetReg(newCtx.SPRegisterName(), newSP)
			newCtx.SetReg(fpReg, callerFP)
			return newCtx, true
		}
	}

	// ARM leaf-function shortcut: only valid one level deep, since a
	// non-leaf callee's own $lr has already been overwritten by its
	// own calls by the time it is itself a caller further up.
	if w.Arch == cpucontext.ARM && innermost {
		if lr, ok := callee.Reg(cpucontext.LinkRegisterName(cpucontext.ARM)); ok {
			newCtx := cpucontext.New(w.Arch)
			newCtx.SetReg(newCtx.PCRegisterName(), lr)
			if sp, ok := callee.SP(); ok {
				newCtx.SetReg(newCtx.SPRegisterName(), sp)
			}
			return newCtx, true
		}
	}
	return nil, false
}

func (w *Walker) tryScan(callee *cpucontext.Context, windowWords int) (*cpucontext.Context, bool) {
	sp, ok := callee.SP()
	if !ok {
		return nil, false
	}
	addrSize := cpucontext.PointerSize(w.Arch)
	for i := 0; i < windowWords; i++ {
		addr := sp + uint64(i*addrSize)
		word, ok := w.Memory.ReadUint(addr, addrSize)
		if !ok {
			break
		}
		if !w.plausibleReturnAddress(word) {
			continue
		}
		newCtx := cpucontext.New(w.Arch)
		newCtx.SetReg(newCtx.PCRegisterName(), word)
		newCtx.SetReg(newCtx.SPRegisterName(), addr+uint64(addrSize))
		return newCtx, true
	}
	return nil, false
}

func (w *Walker) plausibleReturnAddress(candidate uint64) bool {
	if _, ok := w.Loaded.Lookup(candidate); !ok {
		return false
	}
	if w.Arch != cpucontext.X86 && w.Arch != cpucontext.AMD64 {
		return true
	}
	if w.CodeAt == nil {
		return true
	}
	code, ok := w.CodeAt(candidate, 15)
	if !ok {
		return true
	}
	mode := 32
	if w.Arch == cpucontext.AMD64 {
		mode = 64
	}
	return looksLikeCallSite(code, mode)
}
