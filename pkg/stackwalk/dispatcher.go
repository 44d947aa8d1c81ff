package stackwalk

import (
	"github.com/Link-Not-Found/breakpad/pkg/cpucontext"
	"github.com/Link-Not-Found/breakpad/pkg/logflags"
	"github.com/Link-Not-Found/breakpad/pkg/module"
	"github.com/Link-Not-Found/breakpad/pkg/symbolizer"
)

// Options tunes a single Walk call.
type Options struct {
	MaxFrames           int
	ScanAllowed         bool
	ScanWindowInnermost int
	ScanWindowOuter     int
	// CodeAt supplies executable bytes for the x86/x86-64 stack-scan
	// call-site heuristic; may be nil.
	CodeAt func(addr uint64, n int) ([]byte, bool)
}

// Dispatcher selects a Walker by architecture and drives it to a
// terminal frame or configured limit, assembling the resulting
// CallStack.
type Dispatcher struct {
	Log logflags.Logger
}

// NewDispatcher returns a Dispatcher. A nil log gets a default one.
func NewDispatcher(log logflags.Logger) *Dispatcher {
	if log == nil {
		log = logflags.New("stackwalk", false)
	}
	return &Dispatcher{Log: log}
}

// Walk recovers a full call stack starting from initial, stopping per
// the fixed rules: a zero or out-of-module instruction pointer, a
// non-advancing stack pointer, the frame cap, or every strategy
// failing for the next frame. A non-nil error means the symbol
// provider reported InterruptRetryLater partway through; the returned
// CallStack in that case is empty.
func (d *Dispatcher) Walk(arch cpucontext.Arch, initial *cpucontext.Context, mem Memory, loaded, unloaded module.List, sym *symbolizer.Symbolizer, opts Options) (CallStack, error) {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = 1024
	}
	mask := cpucontext.AddressRangeMask(maxU64(loaded.HighestEnd(), unloaded.HighestEnd()))

	w := NewWalker(arch, mem, loaded, unloaded, sym, mask)
	w.CodeAt = opts.CodeAt
	w.Log = d.Log
	if opts.ScanWindowInnermost > 0 {
		w.ScanWindowInnermost = opts.ScanWindowInnermost
	}
	if opts.ScanWindowOuter > 0 {
		w.ScanWindowOuter = opts.ScanWindowOuter
	}

	pc, ok := initial.PC()
	if !ok || pc == 0 {
		return CallStack{}, nil
	}

	stack := []Stackframe{w.GetContextFrame(initial)}
	if w.FatalErr() != nil {
		return CallStack{}, w.FatalErr()
	}

	for len(stack) < opts.MaxFrames {
		last := stack[len(stack)-1]
		caller, ok := w.GetCallerFrame(stack, opts.ScanAllowed)
		if err := w.FatalErr(); err != nil {
			return CallStack{}, err
		}
		if !ok {
			break
		}
		callerPC, ok := caller.Context.PC()
		if !ok || callerPC == 0 {
			break
		}
		if _, inModule := module.Lookup(loaded, unloaded, callerPC); !inModule {
			break
		}
		if calleeSP, ok1 := last.Context.SP(); ok1 {
			if callerSP, ok2 := caller.Context.SP(); ok2 && callerSP <= calleeSP {
				break
			}
		}
		stack = append(stack, caller)
	}

	return CallStack{Frames: stack}, nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
