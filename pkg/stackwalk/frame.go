package stackwalk

import (
	"github.com/Link-Not-Found/breakpad/pkg/cpucontext"
	"github.com/Link-Not-Found/breakpad/pkg/symbolizer"
)

// Trust records which recovery strategy produced a frame, in
// increasing order of confidence: a later frame in a walk never
// silently reports higher trust than an earlier CFI failure would
// suggest, since each strategy is only attempted after the more
// trustworthy ones have failed.
type Trust int

const (
	TrustNone Trust = iota
	TrustScan
	TrustFramePointer
	TrustCFI
	TrustContext
)

func (t Trust) String() string {
	switch t {
	case TrustContext:
		return "context"
	case TrustCFI:
		return "cfi"
	case TrustFramePointer:
		return "frame_pointer"
	case TrustScan:
		return "scan"
	default:
		return "none"
	}
}

// Stackframe is one recovered frame: the address information the
// symbolizer fills in, plus the trust level and full register context
// this frame was recovered with (needed to recover the next frame).
type Stackframe struct {
	symbolizer.Frame
	Trust   Trust
	Context *cpucontext.Context
}

// CallStack is an ordered, innermost-first sequence of frames for one
// thread.
type CallStack struct {
	Frames []Stackframe
}
