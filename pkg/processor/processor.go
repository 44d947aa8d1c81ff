// Package processor is the top-level orchestration layer: given a
// parsed dump and a symbol provider, it walks every thread's call
// stack, substitutes the exception context for the requesting thread,
// enforces a per-dump thread limit, and assembles a ProcessState.
package processor

import (
	"errors"
	"fmt"

	"github.com/Link-Not-Found/breakpad/pkg/config"
	"github.com/Link-Not-Found/breakpad/pkg/dumpreader"
	"github.com/Link-Not-Found/breakpad/pkg/logflags"
	"github.com/Link-Not-Found/breakpad/pkg/module"
	"github.com/Link-Not-Found/breakpad/pkg/stackwalk"
	"github.com/Link-Not-Found/breakpad/pkg/symbolizer"
	"github.com/Link-Not-Found/breakpad/pkg/symfile"
)

// ResultCode is a session-level outcome. Process returns at most one
// of these, never partial state alongside an error.
type ResultCode int

const (
	OK ResultCode = iota
	ErrMinidumpNotFound
	ErrNoMinidumpHeader
	ErrNoThreadList
	ErrGettingThread
	ErrGettingThreadID
	ErrGettingThreadName
	ErrDuplicateRequestingThreads
	ErrSymbolSupplierInterrupted
)

func (c ResultCode) String() string {
	switch c {
	case OK:
		return "OK"
	case ErrMinidumpNotFound:
		return "ERROR_MINIDUMP_NOT_FOUND"
	case ErrNoMinidumpHeader:
		return "ERROR_NO_MINIDUMP_HEADER"
	case ErrNoThreadList:
		return "ERROR_NO_THREAD_LIST"
	case ErrGettingThread:
		return "ERROR_GETTING_THREAD"
	case ErrGettingThreadID:
		return "ERROR_GETTING_THREAD_ID"
	case ErrGettingThreadName:
		return "ERROR_GETTING_THREAD_NAME"
	case ErrDuplicateRequestingThreads:
		return "ERROR_DUPLICATE_REQUESTING_THREADS"
	case ErrSymbolSupplierInterrupted:
		return "SYMBOL_SUPPLIER_INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// ProcessError is the single error Process may return; Code names
// which of the named result codes applies.
type ProcessError struct {
	Code ResultCode
	Err  error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code.String()
}

func (e *ProcessError) Unwrap() error { return e.Err }

// NoRequestingThread is the sentinel requesting-thread index used
// when the dump names a requesting thread ID that isn't present among
// its captured threads; processing still succeeds.
const NoRequestingThread = -1

// ProcessState is the processor's complete output: one CallStack per
// processed thread plus the session-wide bookkeeping the symbolizer
// accumulated along the way.
type ProcessState struct {
	Crashed          bool
	CrashReason      string
	CrashAddress     uint64
	RequestingThread int // index into CallStacks, or NoRequestingThread

	CallStacks  []stackwalk.CallStack
	ThreadIDs   []uint32
	ThreadNames []string

	Modules         module.List
	UnloadedModules module.List
	System          dumpreader.SystemInfo

	HasProcessCreateTime  bool
	ProcessCreateTimeUnix int64

	ModulesWithoutSymbols     []module.Module
	ModulesWithCorruptSymbols []module.Module

	// Exploitability is nil unless a scorer was supplied to Process;
	// this core defines the slot but implements no scoring algorithm
	// of its own.
	Exploitability *string
}

// Exploitability scores a completed ProcessState, returning the
// severity string to store on it. Supplied by the caller, since
// scoring a crash's exploitability is a policy decision outside this
// core's unwind/symbolize/dispatch scope.
type Exploitability func(*ProcessState) string

// Process walks every thread captured in dump and assembles a
// ProcessState. provider resolves each module's symbol file; cfg
// tunes frame caps, scan windows, and the per-dump thread limit. A
// nil log gets a default one. score, if non-nil, runs once against
// the finished state before Process returns.
func Process(dump dumpreader.Dump, provider symfile.Provider, cfg *config.Config, log logflags.Logger, score Exploitability) (*ProcessState, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	if log == nil {
		log = logflags.New("processor", false)
	}

	allThreads := dump.Threads()
	if len(allThreads) == 0 {
		return nil, &ProcessError{Code: ErrNoThreadList}
	}

	threads := allThreads
	if dumpTID, ok := dump.DumpThreadID(); ok {
		filtered := make([]dumpreader.Thread, 0, len(allThreads))
		for _, t := range allThreads {
			if t.ID == dumpTID {
				log.WithFields(logflags.Fields{
					"thread":               t.ID,
					"thread_is_writer":     true,
					"thread_unwind_failed": false,
				}).Debug("skipping dump-writing thread")
				continue
			}
			filtered = append(filtered, t)
		}
		threads = filtered
	}
	if len(threads) == 0 {
		return nil, &ProcessError{Code: ErrNoThreadList}
	}

	loaded := dump.Modules()
	unloaded := dump.UnloadedModules()

	sym, err := symbolizer.New(loaded, unloaded, provider, 256, log.WithField("component", "symbolizer"))
	if err != nil {
		return nil, &ProcessError{Code: ErrGettingThread, Err: err}
	}

	exc, hasExc := dump.Exception()
	requestingTID, hasRequesting := findRequestingThread(threads, exc, hasExc)
	if hasRequesting {
		if dup := countThreadsWithID(threads, requestingTID); dup > 1 {
			return nil, &ProcessError{Code: ErrDuplicateRequestingThreads}
		}
	}

	indices := selectThreadIndices(threads, requestingTID, hasRequesting, cfg.MaxThreadsPerDump)

	names := dump.ThreadNames()
	state := &ProcessState{
		RequestingThread: NoRequestingThread,
		Modules:          loaded,
		UnloadedModules:  unloaded,
		System:           dump.SystemInfo(),
	}
	if misc, ok := dump.MiscInfo(); ok && misc.HasCreateTime {
		state.HasProcessCreateTime = true
		state.ProcessCreateTimeUnix = misc.ProcessCreateTime.Unix()
	}

	d := stackwalk.NewDispatcher(log.WithField("component", "stackwalk"))

	for _, ti := range indices {
		th := threads[ti]
		ctx := th.Context
		usingException := false
		if hasRequesting && th.ID == requestingTID && hasExc && exc.WellFormed() {
			ctx = exc.Context
			usingException = true
		}
		if ctx == nil {
			log.WithFields(logflags.Fields{
				"thread":               th.ID,
				"thread_unwind_failed": true,
				"thread_is_writer":     false,
			}).Warn("thread has no register context, skipping")
			continue
		}

		mem := stackwalk.Memory{Base: th.Stack.Base, Bytes: th.Stack.Bytes}
		stack, err := d.Walk(ctx.Arch(), ctx, mem, loaded, unloaded, sym, stackwalk.Options{
			MaxFrames:           cfg.MaxFrames,
			ScanAllowed:         cfg.ScanAllowed,
			ScanWindowInnermost: cfg.ScanWindowInnermost,
			ScanWindowOuter:     cfg.ScanWindowOuter,
		})
		if err != nil {
			var interrupted symbolizer.ErrSymbolSupplierInterrupted
			if errors.As(err, &interrupted) {
				return nil, &ProcessError{Code: ErrSymbolSupplierInterrupted, Err: err}
			}
			return nil, &ProcessError{Code: ErrGettingThread, Err: err}
		}
		if len(stack.Frames) == 0 {
			log.WithFields(logflags.Fields{
				"thread":               th.ID,
				"thread_unwind_failed": true,
				"thread_is_writer":     false,
			}).Warn("thread produced no frames")
		}

		state.CallStacks = append(state.CallStacks, stack)
		state.ThreadIDs = append(state.ThreadIDs, th.ID)
		state.ThreadNames = append(state.ThreadNames, names[th.ID])

		if hasRequesting && th.ID == requestingTID {
			state.RequestingThread = len(state.CallStacks) - 1
			if usingException {
				state.Crashed = true
				state.CrashAddress = exc.Address
				state.CrashReason = fmt.Sprintf("exception code %#x", exc.Code)
			}
		}
	}

	state.ModulesWithoutSymbols = sym.ModulesWithoutSymbols()
	state.ModulesWithCorruptSymbols = sym.ModulesWithCorruptSymbols()

	if score != nil {
		result := score(state)
		state.Exploitability = &result
	}

	return state, nil
}

// findRequestingThread returns the thread ID the exception record
// names, and whether the exception record was present at all. The
// thread need not actually exist among the dump's captured threads —
// callers handle that separately.
func findRequestingThread(threads []dumpreader.Thread, exc dumpreader.ExceptionRecord, hasExc bool) (uint32, bool) {
	if !hasExc {
		return 0, false
	}
	return exc.ThreadID, true
}

func countThreadsWithID(threads []dumpreader.Thread, id uint32) int {
	n := 0
	for _, t := range threads {
		if t.ID == id {
			n++
		}
	}
	return n
}

// selectThreadIndices returns the indices (into threads) to process,
// truncated to maxCount if set and nonzero, always keeping the
// requesting thread's index when one is named, and preserving dump
// order among whichever indices survive.
func selectThreadIndices(threads []dumpreader.Thread, requestingTID uint32, hasRequesting bool, maxCount int) []int {
	if maxCount <= 0 || len(threads) <= maxCount {
		all := make([]int, len(threads))
		for i := range threads {
			all[i] = i
		}
		return all
	}

	requestingIdx := -1
	if hasRequesting {
		for i, t := range threads {
			if t.ID == requestingTID {
				requestingIdx = i
				break
			}
		}
	}

	kept := make(map[int]bool, maxCount)
	for i := 0; i < maxCount; i++ {
		kept[i] = true
	}
	if requestingIdx >= maxCount {
		delete(kept, maxCount-1)
		kept[requestingIdx] = true
	}

	out := make([]int, 0, maxCount)
	for i := 0; i < len(threads); i++ {
		if kept[i] {
			out = append(out, i)
		}
	}
	return out
}
