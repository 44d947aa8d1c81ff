package stackwalk

import "golang.org/x/arch/x86/x86asm"

// looksLikeCallSite reports whether some suffix of code decodes as a
// single x86/x86-64 CALL instruction whose length exactly reaches the
// end of code — i.e. code ends immediately after a call, which is
// what a stack-scanned return address should sit right behind.
//
// mode is 32 or 64, matching x86asm's GoSyntax mode argument.
func looksLikeCallSite(code []byte, mode int) bool {
	maxLen := len(code)
	if maxLen > 15 {
		maxLen = 15
	}
	for l := 1; l <= maxLen; l++ {
		start := len(code) - l
		inst, err := x86asm.Decode(code[start:], mode)
		if err != nil {
			continue
		}
		if inst.Len == l && inst.Op == x86asm.CALL {
			return true
		}
	}
	return false
}
