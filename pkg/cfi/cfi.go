// Package cfi evaluates Call Frame Information rule programs: the
// tiny postfix expression language Breakpad-style symbol files use to
// describe how to recover a caller's registers from a callee's
// registers and stack memory.
//
// Evaluation is a []int64 value stack driven by a token-by-token scan,
// the same shape as a DWARF expression stack machine, adapted to
// Breakpad's postfix text tokens ("$ebp 8 +") rather than DWARF's
// byte-opcode bytecode.
package cfi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Link-Not-Found/breakpad/pkg/cpucontext"
)

// MemoryReader gives the evaluator bounds-checked access to the
// thread's stack memory region, for the `^` dereference operator.
type MemoryReader interface {
	// ReadUint reads size bytes at addr, in the evaluator's configured
	// byte order, returning ok=false if any byte of the read falls
	// outside the region.
	ReadUint(addr uint64, size int) (value uint64, ok bool)
}

// Error is a CFI evaluation failure. The stackwalker treats any Error
// as "CFI did not apply" and falls through to the next strategy.
type Error struct {
	Expr   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cfi: evaluating %q: %s", e.Expr, e.Reason)
}

func fail(expr, reason string) error { return &Error{Expr: expr, Reason: reason} }

// Evaluator evaluates rule expressions against a fixed memory region
// and pointer size. One Evaluator is reused across every frame of a
// walk on the same thread.
type Evaluator struct {
	Memory      MemoryReader
	AddressSize int // bytes; 4 on 32-bit architectures, 8 on 64-bit
}

// EvaluateFrame computes recovered register values for one frame, in
// order: CFA first, then every other rule (which may reference CFA),
// then the return address — explicit `.ra` if present, else the
// caller supplies the architecture's link-register convention as
// raFallback.
//
// rules is the effective rule set already merged from a CFI record's
// initial_rules and every delta up to the current instruction —
// building that merge from a CFIRecord is the symfile package's job;
// this function only evaluates the result.
func (e *Evaluator) EvaluateFrame(rules map[string]string, callee *cpucontext.Context, raFallback string) (map[string]uint64, error) {
	recovered := make(map[string]uint64, len(rules))

	cfaExpr, hasCFA := rules[cpucontext.CFAName]
	var cfa uint64
	var cfaKnown bool
	if hasCFA {
		v, err := e.evaluate(cfaExpr, callee, 0, false)
		if err != nil {
			return nil, err
		}
		cfa = v
		cfaKnown = true
		recovered[cpucontext.CFAName] = cfa
	}

	for reg, expr := range rules {
		if reg == cpucontext.CFAName {
			continue
		}
		v, err := e.evaluate(expr, callee, cfa, cfaKnown)
		if err != nil {
			return nil, err
		}
		recovered[reg] = v
	}

	if _, ok := recovered[cpucontext.RAName]; !ok {
		if raFallback != "" {
			if v, ok := recovered[raFallback]; ok {
				recovered[cpucontext.RAName] = v
			}
		}
	}

	if !cfaKnown {
		return nil, fail("", "unresolved .cfa")
	}

	return recovered, nil
}

// evaluate runs a single postfix rule expression to completion,
// returning the one value left on the stack.
func (e *Evaluator) evaluate(expr string, callee *cpucontext.Context, cfa uint64, cfaKnown bool) (uint64, error) {
	var stack []int64
	push := func(v int64) { stack = append(stack, v) }
	pop := func() (int64, bool) {
		if len(stack) == 0 {
			return 0, false
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, true
	}

	for _, tok := range strings.Fields(expr) {
		switch {
		case tok == cpucontext.CFAName:
			if !cfaKnown {
				return 0, fail(expr, ".cfa referenced before it is known")
			}
			push(int64(cfa))

		case isRegisterToken(tok):
			if !callee.Known(tok) {
				return 0, fail(expr, fmt.Sprintf("unknown register %q", tok))
			}
			v, ok := callee.Reg(tok)
			if !ok {
				return 0, fail(expr, fmt.Sprintf("register %q is not valid", tok))
			}
			push(int64(v))

		case tok == "+", tok == "*", tok == "/", tok == "%", tok == "&", tok == "|", tok == "<<", tok == ">>":
			b, ok1 := pop()
			a, ok2 := pop()
			if !ok1 || !ok2 {
				return 0, fail(expr, "stack underflow")
			}
			r, err := binaryOp(tok, a, b)
			if err != nil {
				return 0, fail(expr, err.Error())
			}
			push(r)

		case tok == "-":
			// Ambiguous with unary minus in a purely postfix token
			// stream; disambiguated by arity, same as DWARF splits
			// DW_OP_minus from DW_OP_neg into distinct opcodes.
			if len(stack) >= 2 {
				b, _ := pop()
				a, _ := pop()
				push(a - b)
			} else if len(stack) == 1 {
				a, _ := pop()
				push(-a)
			} else {
				return 0, fail(expr, "stack underflow")
			}

		case tok == "~":
			a, ok := pop()
			if !ok {
				return 0, fail(expr, "stack underflow")
			}
			push(^a)

		case tok == "^":
			// Dereferences an address. Most rules compute the address
			// to read in two pieces — a base (".cfa", a register) and
			// an offset literal — and leave both on the stack rather
			// than spending a separate "+" token on combining them
			// first, e.g. ".cfa -4 ^" meaning *(cfa + -4). With two
			// values on the stack they're summed into the address
			// first; with one, that lone value is the address.
			var addr int64
			if len(stack) >= 2 {
				b, _ := pop()
				a, _ := pop()
				addr = a + b
			} else if len(stack) == 1 {
				addr, _ = pop()
			} else {
				return 0, fail(expr, "stack underflow")
			}
			v, ok := e.Memory.ReadUint(uint64(addr), e.AddressSize)
			if !ok {
				return 0, fail(expr, fmt.Sprintf("dereference of %#x out of range", addr))
			}
			push(int64(v))

		default:
			n, err := parseLiteral(tok)
			if err != nil {
				return 0, fail(expr, fmt.Sprintf("unparsable token %q", tok))
			}
			push(n)
		}
	}

	if len(stack) != 1 {
		return 0, fail(expr, fmt.Sprintf("expression left %d values on the stack, want 1", len(stack)))
	}
	return uint64(stack[0]), nil
}

func isRegisterToken(tok string) bool {
	return strings.HasPrefix(tok, "$")
}

func binaryOp(op string, a, b int64) (int64, error) {
	switch op {
	case "+":
		return a + b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return 0, fmt.Errorf("modulo by zero")
		}
		return a % b, nil
	case "&":
		return a & b, nil
	case "|":
		return a | b, nil
	case "<<":
		return a << uint(b), nil
	case ">>":
		return a >> uint(b), nil
	}
	return 0, fmt.Errorf("unknown operator %q", op)
}

func parseLiteral(tok string) (int64, error) {
	if strings.HasPrefix(tok, "-") {
		u, err := strconv.ParseUint(tok[1:], 0, 64)
		if err != nil {
			return 0, err
		}
		return -int64(u), nil
	}
	u, err := strconv.ParseUint(tok, 0, 64)
	if err != nil {
		return 0, err
	}
	return int64(u), nil
}
