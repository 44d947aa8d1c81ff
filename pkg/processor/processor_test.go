package processor

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Link-Not-Found/breakpad/pkg/config"
	"github.com/Link-Not-Found/breakpad/pkg/cpucontext"
	"github.com/Link-Not-Found/breakpad/pkg/dumpreader"
	"github.com/Link-Not-Found/breakpad/pkg/logflags"
	"github.com/Link-Not-Found/breakpad/pkg/module"
	"github.com/Link-Not-Found/breakpad/pkg/symfile"
)

type noSymbols struct{}

func (noSymbols) GetSymbolFile(debugFile, debugIdentifier string) (symfile.Result, error) {
	return symfile.Result{Status: symfile.NotFound}, nil
}

func x86Ctx(pc, sp uint64) *cpucontext.Context {
	c := cpucontext.New(cpucontext.X86)
	c.SetReg("$eip", pc)
	c.SetReg("$esp", sp)
	return c
}

func oneModule() module.List {
	l, _ := module.NewList([]module.Module{
		{Base: 0x400000, Size: 0x10000, CodeFile: "a.exe", DebugFile: "a.exe", DebugIdentifier: "abc"},
	})
	return l
}

// Requesting-thread substitution: the exception carries a distinct
// context for the named thread; the emitted stack must start there,
// not at that thread's own captured context.
func TestProcessRequestingThreadSubstitution(t *testing.T) {
	loaded := oneModule()
	dump := &dumpreader.Fake{
		ModulesV: loaded,
		ThreadsV: []dumpreader.Thread{
			{ID: 1, Context: x86Ctx(0x401111, 0x7ffe0000), Stack: dumpreader.MemoryRegion{Base: 0x7ffe0000, Bytes: make([]byte, 0x100)}},
			{ID: 2, Context: x86Ctx(0x40beef, 0x7ffe1000), Stack: dumpreader.MemoryRegion{Base: 0x7ffe1000, Bytes: make([]byte, 0x100)}},
			{ID: 3, Context: x86Ctx(0x401333, 0x7ffe2000), Stack: dumpreader.MemoryRegion{Base: 0x7ffe2000, Bytes: make([]byte, 0x100)}},
		},
		Exc: &dumpreader.ExceptionRecord{
			ThreadID: 2,
			Address:  0x40dead,
			Context:  x86Ctx(0x40dead, 0x7ffe1000),
		},
	}

	state, err := Process(dump, noSymbols{}, config.Defaults(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if state.RequestingThread == NoRequestingThread {
		t.Fatal("expected a requesting thread to be recorded")
	}
	got := state.CallStacks[state.RequestingThread]
	if len(got.Frames) == 0 || got.Frames[0].Instruction != 0x40dead {
		t.Fatalf("requesting thread's stack = %+v, want to start at 0x40dead", got)
	}
	if !state.Crashed || state.CrashAddress != 0x40dead {
		t.Fatalf("state.Crashed=%v CrashAddress=%#x", state.Crashed, state.CrashAddress)
	}
}

// Two threads claiming the same exception thread id is a hard error;
// no partial ProcessState is produced.
func TestProcessDuplicateRequestingThreads(t *testing.T) {
	dump := &dumpreader.Fake{
		ModulesV: oneModule(),
		ThreadsV: []dumpreader.Thread{
			{ID: 2, Context: x86Ctx(0x401111, 0x7ffe0000)},
			{ID: 2, Context: x86Ctx(0x401222, 0x7ffe1000)},
		},
		Exc: &dumpreader.ExceptionRecord{ThreadID: 2, Context: x86Ctx(0x40dead, 0x7ffe0000)},
	}

	state, err := Process(dump, noSymbols{}, config.Defaults(), nil, nil)
	if state != nil {
		t.Fatalf("expected no ProcessState, got %+v", state)
	}
	pe, ok := err.(*ProcessError)
	if !ok || pe.Code != ErrDuplicateRequestingThreads {
		t.Fatalf("err = %v, want ERROR_DUPLICATE_REQUESTING_THREADS", err)
	}
}

// A module with no symbols and scan disabled: the walk ends at the
// context frame for every thread.
func TestProcessScanDisabledNoSymbols(t *testing.T) {
	loaded := oneModule()
	dump := &dumpreader.Fake{
		ModulesV: loaded,
		ThreadsV: []dumpreader.Thread{
			{ID: 1, Context: x86Ctx(0x401111, 0x7ffe0000), Stack: dumpreader.MemoryRegion{Base: 0x7ffe0000, Bytes: make([]byte, 0x100)}},
		},
	}
	cfg := config.Defaults()
	cfg.ScanAllowed = false

	state, err := Process(dump, noSymbols{}, cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.CallStacks) != 1 || len(state.CallStacks[0].Frames) != 1 {
		t.Fatalf("expected exactly one context-only frame, got %+v", state.CallStacks)
	}
	if len(state.ModulesWithoutSymbols) != 1 {
		t.Fatalf("expected the module to be tracked as symbol-less, got %v", state.ModulesWithoutSymbols)
	}
}

// A per-dump thread limit truncates the output while still including
// the requesting thread, whose index refers to the truncated list.
func TestProcessThreadLimitKeepsRequestingThread(t *testing.T) {
	loaded := oneModule()
	threads := make([]dumpreader.Thread, 50)
	for i := range threads {
		threads[i] = dumpreader.Thread{
			ID:      uint32(i + 1),
			Context: x86Ctx(0x401000+uint64(i), 0x7ffe0000+uint64(i)*0x1000),
			Stack:   dumpreader.MemoryRegion{Base: 0x7ffe0000 + uint64(i)*0x1000, Bytes: make([]byte, 0x100)},
		}
	}
	requestingID := threads[37].ID

	dump := &dumpreader.Fake{
		ModulesV: loaded,
		ThreadsV: threads,
		Exc: &dumpreader.ExceptionRecord{
			ThreadID: requestingID,
			Context:  x86Ctx(0x409999, 0x7ffe0000+37*0x1000),
		},
	}
	cfg := config.Defaults()
	cfg.MaxThreadsPerDump = 10

	state, err := Process(dump, noSymbols{}, cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.CallStacks) != 10 {
		t.Fatalf("expected exactly 10 processed threads, got %d", len(state.CallStacks))
	}
	if state.RequestingThread == NoRequestingThread || state.RequestingThread >= 10 {
		t.Fatalf("requesting thread index %d does not point into the truncated list", state.RequestingThread)
	}
	if state.ThreadIDs[state.RequestingThread] != requestingID {
		t.Fatalf("thread at the recorded requesting index has id %d, want %d", state.ThreadIDs[state.RequestingThread], requestingID)
	}
}

func TestProcessNoThreadsErrors(t *testing.T) {
	dump := &dumpreader.Fake{}
	_, err := Process(dump, noSymbols{}, nil, nil, nil)
	pe, ok := err.(*ProcessError)
	if !ok || pe.Code != ErrNoThreadList {
		t.Fatalf("err = %v, want ERROR_NO_THREAD_LIST", err)
	}
}

// The exploitability hook, when supplied, runs once against the
// finished state and its result lands on ProcessState.Exploitability.
func TestProcessExploitabilityHook(t *testing.T) {
	dump := &dumpreader.Fake{
		ModulesV: oneModule(),
		ThreadsV: []dumpreader.Thread{
			{ID: 1, Context: x86Ctx(0x401111, 0x7ffe0000), Stack: dumpreader.MemoryRegion{Base: 0x7ffe0000, Bytes: make([]byte, 0x100)}},
		},
	}

	var scored *ProcessState
	score := func(s *ProcessState) string {
		scored = s
		return "HIGH"
	}

	state, err := Process(dump, noSymbols{}, config.Defaults(), nil, score)
	if err != nil {
		t.Fatal(err)
	}
	if scored != state {
		t.Fatal("expected the hook to receive the returned ProcessState")
	}
	if state.Exploitability == nil || *state.Exploitability != "HIGH" {
		t.Fatalf("state.Exploitability = %v, want \"HIGH\"", state.Exploitability)
	}
}

// With no hook supplied, Exploitability stays nil.
func TestProcessExploitabilityNilWithoutHook(t *testing.T) {
	dump := &dumpreader.Fake{
		ModulesV: oneModule(),
		ThreadsV: []dumpreader.Thread{
			{ID: 1, Context: x86Ctx(0x401111, 0x7ffe0000), Stack: dumpreader.MemoryRegion{Base: 0x7ffe0000, Bytes: make([]byte, 0x100)}},
		},
	}
	state, err := Process(dump, noSymbols{}, config.Defaults(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if state.Exploitability != nil {
		t.Fatalf("expected nil Exploitability, got %v", *state.Exploitability)
	}
}

func TestProcessSkipsDumpGeneratingThread(t *testing.T) {
	dumpTID := uint32(9)
	dump := &dumpreader.Fake{
		ModulesV: oneModule(),
		ThreadsV: []dumpreader.Thread{
			{ID: 9, Context: x86Ctx(0xdeadbeef, 0x7ffe0000)},
			{ID: 1, Context: x86Ctx(0x401111, 0x7ffe1000), Stack: dumpreader.MemoryRegion{Base: 0x7ffe1000, Bytes: make([]byte, 0x100)}},
		},
		DumpThread: &dumpTID,
	}

	state, err := Process(dump, noSymbols{}, config.Defaults(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.CallStacks) != 1 || state.ThreadIDs[0] != 1 {
		t.Fatalf("expected only thread 1 to be processed, got ids %v", state.ThreadIDs)
	}
}

// The dump-generating thread's skip is logged distinctly from an
// ordinary failed-to-unwind thread, via thread_is_writer/
// thread_unwind_failed fields rather than one collapsed message.
func TestProcessLogsDistinguishWriterFromUnwindFailure(t *testing.T) {
	dumpTID := uint32(9)
	dump := &dumpreader.Fake{
		ModulesV: oneModule(),
		ThreadsV: []dumpreader.Thread{
			{ID: 9, Context: x86Ctx(0xdeadbeef, 0x7ffe0000)},
			{ID: 1, Context: nil},
		},
		DumpThread: &dumpTID,
	}

	var buf bytes.Buffer
	log := logflags.NewTo("processor", true, &buf)

	_, err := Process(dump, noSymbols{}, config.Defaults(), log, nil)
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "thread_is_writer=true") {
		t.Fatalf("expected the dump-writing thread's skip to be logged with thread_is_writer=true, got %q", out)
	}
	if !strings.Contains(out, "thread_unwind_failed=true") {
		t.Fatalf("expected the context-less thread's skip to be logged with thread_unwind_failed=true, got %q", out)
	}
}
