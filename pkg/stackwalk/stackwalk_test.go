package stackwalk

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/Link-Not-Found/breakpad/pkg/cpucontext"
	"github.com/Link-Not-Found/breakpad/pkg/module"
	"github.com/Link-Not-Found/breakpad/pkg/symbolizer"
	"github.com/Link-Not-Found/breakpad/pkg/symfile"
)

type fakeProvider struct{ text string }

func (p fakeProvider) GetSymbolFile(debugFile, debugIdentifier string) (symfile.Result, error) {
	if p.text == "" {
		return symfile.Result{Status: symfile.NotFound}, nil
	}
	return symfile.Result{Status: symfile.Found, Bytes: []byte(p.text)}, nil
}

type interruptingProvider struct{}

func (interruptingProvider) GetSymbolFile(debugFile, debugIdentifier string) (symfile.Result, error) {
	return symfile.Result{Status: symfile.InterruptRetryLater}, nil
}

func putWord32(buf []byte, base, addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(buf[addr-base:], v)
}

func putWord64(buf []byte, base, addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(buf[addr-base:], v)
}

// Worked example: single-module x86 walk with CFI present.
func TestWalkX86CFIScenario(t *testing.T) {
	loaded, _ := module.NewList([]module.Module{
		{Base: 0x400000, Size: 0x10000, CodeFile: "a.exe", DebugFile: "a.exe", DebugIdentifier: "abc"},
	})

	text := "MODULE Linux x86 abc a.exe\n" +
		"FUNC 401200 80 0 crashy\n" +
		"STACK CFI INIT 401200 80 .cfa: $ebp 8 + $eip: .cfa -4 ^ $ebp: .cfa -8 ^\n"
	sym, err := symbolizer.New(loaded, module.List{}, fakeProvider{text: text}, 8, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := cpucontext.New(cpucontext.X86)
	ctx.SetReg("$eip", 0x401234)
	ctx.SetReg("$esp", 0x7ffe0000)
	ctx.SetReg("$ebp", 0x7ffe0100)

	mem := Memory{Base: 0x7ffe0000, Bytes: make([]byte, 0x200)}
	putWord32(mem.Bytes, mem.Base, 0x7ffe0100-4, 0) // unused filler
	putWord32(mem.Bytes, mem.Base, 0x7ffe0108-4, 0x401300) // cfa-4: return address
	putWord32(mem.Bytes, mem.Base, 0x7ffe0108-8, 0x7ffe0200) // cfa-8: caller's ebp

	d := NewDispatcher(nil)
	stack, err := d.Walk(cpucontext.X86, ctx, mem, loaded, module.List{}, sym, Options{MaxFrames: 16, ScanAllowed: false})
	if err != nil {
		t.Fatal(err)
	}

	if len(stack.Frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(stack.Frames))
	}
	if stack.Frames[0].Instruction != 0x401234 || stack.Frames[0].Trust != TrustContext {
		t.Fatalf("frame 0 = %+v", stack.Frames[0])
	}
	if stack.Frames[1].Instruction != 0x401300 || stack.Frames[1].Trust != TrustCFI {
		t.Fatalf("frame 1 = %+v", stack.Frames[1])
	}
}

func TestWalkZeroSizedMemoryProducesContextFrameOnly(t *testing.T) {
	loaded, _ := module.NewList([]module.Module{
		{Base: 0x400000, Size: 0x10000, CodeFile: "a.exe", DebugFile: "a.exe", DebugIdentifier: "abc"},
	})
	sym, _ := symbolizer.New(loaded, module.List{}, fakeProvider{}, 8, nil)
	ctx := cpucontext.New(cpucontext.X86)
	ctx.SetReg("$eip", 0x401234)
	ctx.SetReg("$esp", 0x7ffe0000)
	ctx.SetReg("$ebp", 0x7ffe0100)

	d := NewDispatcher(nil)
	stack, err := d.Walk(cpucontext.X86, ctx, Memory{}, loaded, module.List{}, sym, Options{MaxFrames: 16, ScanAllowed: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(stack.Frames) != 1 {
		t.Fatalf("expected exactly 1 frame, got %d", len(stack.Frames))
	}
}

func TestWalkAllZeroContextProducesNoFrames(t *testing.T) {
	sym, _ := symbolizer.New(module.List{}, module.List{}, fakeProvider{}, 8, nil)
	ctx := cpucontext.New(cpucontext.X86)
	ctx.SetReg("$eip", 0)
	ctx.SetReg("$esp", 0)
	ctx.SetReg("$ebp", 0)

	d := NewDispatcher(nil)
	stack, err := d.Walk(cpucontext.X86, ctx, Memory{}, module.List{}, module.List{}, sym, Options{MaxFrames: 16})
	if err != nil {
		t.Fatal(err)
	}
	if len(stack.Frames) != 0 {
		t.Fatalf("expected no frames for an all-zero context, got %d", len(stack.Frames))
	}
}

func TestWalkScanDisabledStopsAtContextFrame(t *testing.T) {
	loaded, _ := module.NewList([]module.Module{
		{Base: 0x400000, Size: 0x10000, CodeFile: "a.exe", DebugFile: "a.exe", DebugIdentifier: "abc"},
	})
	sym, _ := symbolizer.New(loaded, module.List{}, fakeProvider{}, 8, nil) // no symbols at all
	ctx := cpucontext.New(cpucontext.X86)
	ctx.SetReg("$eip", 0x401234)
	ctx.SetReg("$esp", 0x7ffe0000)
	// deliberately no $ebp: frame-pointer strategy has nothing to chain from

	mem := Memory{Base: 0x7ffe0000, Bytes: make([]byte, 0x200)}
	d := NewDispatcher(nil)
	stack, err := d.Walk(cpucontext.X86, ctx, mem, loaded, module.List{}, sym, Options{MaxFrames: 16, ScanAllowed: false})
	if err != nil {
		t.Fatal(err)
	}
	if len(stack.Frames) != 1 {
		t.Fatalf("expected walk to end at the context frame, got %d frames", len(stack.Frames))
	}
}

// ARM64 link-register correction: the CFI range has no explicit .ra
// rule, so the raw (stale) $lr is used as a first guess; the frame-
// pointer chase two levels up must correct it to the actually-saved
// link register.
func TestWalkARM64CorrectsLRByFramePointer(t *testing.T) {
	loaded, _ := module.NewList([]module.Module{
		{Base: 0x400000, Size: 0x10000, CodeFile: "a.exe", DebugFile: "a.exe", DebugIdentifier: "abc"},
	})

	text := "MODULE Linux arm64 abc a.exe\n" +
		"FUNC 401200 80 0 crashy\n" +
		"STACK CFI INIT 401200 80 .cfa: $fp 16 + $lr: $lr\n"
	sym, err := symbolizer.New(loaded, module.List{}, fakeProvider{text: text}, 8, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := cpucontext.New(cpucontext.ARM64)
	ctx.SetReg("$pc", 0x401234)
	ctx.SetReg("$sp", 0x7ffe0000)
	ctx.SetReg("$fp", 0x7ffe0100)
	ctx.SetReg("$lr", 0xdeadbeef) // stale: not the actual saved return address

	mem := Memory{Base: 0x7ffe0000, Bytes: make([]byte, 0x400)}
	putWord64(mem.Bytes, mem.Base, 0x7ffe0100, 0x7ffe0200)  // callee's saved fp -> caller's frame
	putWord64(mem.Bytes, mem.Base, 0x7ffe0200, 0x7ffe0300)  // caller's saved fp -> grandcaller's frame
	putWord64(mem.Bytes, mem.Base, 0x7ffe0308, 0x402555)    // grandcaller frame's saved lr

	d := NewDispatcher(nil)
	stack, err := d.Walk(cpucontext.ARM64, ctx, mem, loaded, module.List{}, sym, Options{MaxFrames: 16, ScanAllowed: false})
	if err != nil {
		t.Fatal(err)
	}
	if len(stack.Frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(stack.Frames))
	}
	if stack.Frames[1].Instruction != 0x402555 || stack.Frames[1].Trust != TrustCFI {
		t.Fatalf("frame 1 = %+v, want corrected lr 0x402555", stack.Frames[1])
	}
}

func TestWalkAbortsOnSymbolSupplierInterrupted(t *testing.T) {
	loaded, _ := module.NewList([]module.Module{
		{Base: 0x400000, Size: 0x10000, CodeFile: "a.exe", DebugFile: "a.exe", DebugIdentifier: "abc"},
	})
	sym, _ := symbolizer.New(loaded, module.List{}, interruptingProvider{}, 8, nil)
	ctx := cpucontext.New(cpucontext.X86)
	ctx.SetReg("$eip", 0x401234)
	ctx.SetReg("$esp", 0x7ffe0000)

	d := NewDispatcher(nil)
	_, err := d.Walk(cpucontext.X86, ctx, Memory{}, loaded, module.List{}, sym, Options{MaxFrames: 16})
	if err == nil {
		t.Fatal("expected an error when the symbol provider reports InterruptRetryLater")
	}
	var interrupted symbolizer.ErrSymbolSupplierInterrupted
	if !errors.As(err, &interrupted) {
		t.Fatalf("expected an ErrSymbolSupplierInterrupted, got %v", err)
	}
}

// Trust never exceeds TrustCFI past the context frame, and the
// context frame is always TrustContext — the ordering test hook
// referenced by the invariant that trust is monotone with CFI never
// silently upgrading.
func TestTrustOrderingInvariant(t *testing.T) {
	loaded, _ := module.NewList([]module.Module{
		{Base: 0x400000, Size: 0x10000, CodeFile: "a.exe", DebugFile: "a.exe", DebugIdentifier: "abc"},
	})
	text := "MODULE Linux x86 abc a.exe\n" +
		"FUNC 401200 80 0 crashy\n" +
		"STACK CFI INIT 401200 80 .cfa: $ebp 8 + $eip: .cfa -4 ^ $ebp: .cfa -8 ^\n"
	sym, _ := symbolizer.New(loaded, module.List{}, fakeProvider{text: text}, 8, nil)

	ctx := cpucontext.New(cpucontext.X86)
	ctx.SetReg("$eip", 0x401234)
	ctx.SetReg("$esp", 0x7ffe0000)
	ctx.SetReg("$ebp", 0x7ffe0100)

	mem := Memory{Base: 0x7ffe0000, Bytes: make([]byte, 0x200)}
	putWord32(mem.Bytes, mem.Base, 0x7ffe0108-4, 0x401300)
	putWord32(mem.Bytes, mem.Base, 0x7ffe0108-8, 0x7ffe0200)

	d := NewDispatcher(nil)
	stack, err := d.Walk(cpucontext.X86, ctx, mem, loaded, module.List{}, sym, Options{MaxFrames: 16})
	if err != nil {
		t.Fatal(err)
	}

	if stack.Frames[0].Trust != TrustContext {
		t.Fatalf("frame 0 trust = %v, want context", stack.Frames[0].Trust)
	}
	for _, f := range stack.Frames[1:] {
		if f.Trust > TrustCFI {
			t.Fatalf("frame trust %v exceeds the maximum non-context level", f.Trust)
		}
	}
}
