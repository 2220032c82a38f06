package stamp

import (
	"fmt"

	"github.com/Log-of-e/rewriter/pkg/ir"
)

// RelocFixCall marks a call that was rewritten into a push/jump pair.
// The pair still pushes a return address, so for stamping purposes it is
// a call and must not be instrumented.
const RelocFixCall = "fix_call_fallthrough"

// startRoutine is the process entry point; it has no caller frame, so
// there is no return address to stamp.
const startRoutine = "_start"

// stubMaxInsns is the largest function still treated as a stub, e.g. a
// PLT trampoline.
const stubMaxInsns = 3

// disposition classifies one instruction for the stamping decision.
type disposition int

const (
	// dispPlain needs no special handling.
	dispPlain disposition = iota

	// dispReturn is a return instruction; stamped.
	dispReturn

	// dispCall is a call or a fixed call; never stamped.
	dispCall

	// dispTailCall is a direct branch leaving the function with no
	// fallthrough; stamped.
	dispTailCall

	// dispCondExit is a conditional branch that may leave the function.
	// Instrumenting it is unsupported; the whole function is skipped.
	dispCondExit

	// dispIndirect is an unconditional branch with an indirect-target
	// set; the ibFlow partition decides its fate.
	dispIndirect
)

// ibFlow partitions an indirect branch's target set against its owning
// function.
type ibFlow int

const (
	// ibLeaves: every known target is outside the function.
	ibLeaves ibFlow = iota

	// ibStays: every known target is inside the function.
	ibStays

	// ibAmbiguous: targets both inside and outside.
	ibAmbiguous

	// ibInvalid: neither inside nor outside. Impossible for a
	// non-empty set; reported as a model violation.
	ibInvalid
)

// classify decides one instruction's disposition within its function.
func (t *Transform) classify(f *ir.Function, insn *ir.Instruction) disposition {
	switch {
	case insn.IsReturn():
		return dispReturn

	case insn.IsCall() || insn.Relocation(RelocFixCall) != nil:
		return dispCall

	case insn.Target != ir.InsnNone && t.prog.FuncOf(insn.Target) != f.ID:
		if insn.Fallthrough != ir.InsnNone {
			return dispCondExit
		}
		return dispTailCall

	case insn.IsUncondBranch() && insn.IBTargets != nil:
		return dispIndirect

	default:
		return dispPlain
	}
}

// indirectFlow computes the leave/stay partition of an indirect branch's
// target set. An empty set, or a partition where neither side holds, is
// a model violation and panics.
func (t *Transform) indirectFlow(f *ir.Function, insn *ir.Instruction) ibFlow {
	// x86 has no indirect branch with a fallthrough.
	if insn.Fallthrough != ir.InsnNone {
		panic(fmt.Sprintf("stamp: indirect branch %#x in %s has a fallthrough",
			insn.BaseID, f.Name))
	}
	if insn.IBTargets.Size() == 0 {
		panic(fmt.Sprintf("stamp: indirect branch %#x in %s has an empty target set",
			insn.BaseID, f.Name))
	}

	mightLeave := false
	mightStay := false
	for _, target := range insn.IBTargets.Targets {
		if t.prog.FuncOf(target) != f.ID {
			mightLeave = true
		} else {
			mightStay = true
		}
	}

	switch {
	case mightLeave && mightStay:
		return ibAmbiguous
	case mightLeave:
		return ibLeaves
	case mightStay:
		return ibStays
	default:
		return ibInvalid
	}
}

// CanStamp reports whether a function is eligible for stamping. A
// function is either stamped in full or skipped in full; any instruction
// the engine cannot instrument safely rejects the whole function.
func (t *Transform) CanStamp(f *ir.Function) bool {
	// No entry point means callers cannot reach a stamp.
	if f.Entry == ir.InsnNone {
		return false
	}

	// The process start routine has no return address on the stack.
	if f.Name == startRoutine {
		return false
	}

	// Stubs (e.g. PLT trampolines) are too small to be worth it.
	if f.Size() <= stubMaxInsns {
		return false
	}

	for _, id := range f.Insns {
		insn := t.prog.Insn(id)
		switch t.classify(f, insn) {
		case dispReturn, dispCall, dispTailCall, dispPlain:
			// fine

		case dispCondExit:
			fmt.Fprintf(t.out, "Skipping instrumentation of %s because of cond branch exit.  Insn is: %s\n",
				f.Name, insn.Asm)
			return false

		case dispIndirect:
			switch t.indirectFlow(f, insn) {
			case ibLeaves, ibStays:
				// fine
			case ibAmbiguous:
				// Might leave and might stay: not instrumentable.
				return false
			case ibInvalid:
				panic(fmt.Sprintf("stamp: impossible indirect-flow partition at %#x in %s",
					insn.BaseID, f.Name))
			}
		}
	}

	return true
}
