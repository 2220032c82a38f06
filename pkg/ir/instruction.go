package ir

// Kind is an instruction's decoded operation class. Conditional branches
// carry KindOther with both a Target and a Fallthrough.
type Kind uint8

const (
	// KindOther covers everything without special control-flow handling.
	KindOther Kind = iota

	// KindReturn pops the saved return address and jumps to it.
	KindReturn

	// KindCall pushes a return address and transfers control.
	KindCall

	// KindBranch is an unconditional jump, direct or indirect.
	KindBranch
)

// Instruction is one decoded machine instruction.
//
// Target, Fallthrough and the indirect-target set are non-owning handle
// references; the referenced instructions may belong to other functions.
type Instruction struct {
	// BaseID is a stable identifier used in diagnostics.
	BaseID uint64

	// Addr is the virtual address in the original binary.
	Addr uint64

	// Asm is the disassembly text.
	Asm string

	// Kind is the decoded operation class.
	Kind Kind

	// Target is the direct branch/call destination, or InsnNone.
	Target InsnID

	// Fallthrough is the sequential successor, or InsnNone.
	Fallthrough InsnID

	// IBTargets is the indirect-branch target set, or nil.
	IBTargets *TargetSet

	// Relocs are typed annotations attached by earlier analyses.
	Relocs []Relocation

	// Unwind is the associated unwind program, or UnwindNone.
	Unwind UnwindID

	// Fn is the owning function.
	Fn FuncID
}

// NewInsn returns an instruction with absent references, ready for
// field-by-field construction.
func NewInsn(kind Kind, asm string) Instruction {
	return Instruction{
		Asm:         asm,
		Kind:        kind,
		Target:      InsnNone,
		Fallthrough: InsnNone,
		Unwind:      UnwindNone,
	}
}

// IsReturn reports whether the instruction is a return.
func (i *Instruction) IsReturn() bool { return i.Kind == KindReturn }

// IsCall reports whether the instruction is a call.
func (i *Instruction) IsCall() bool { return i.Kind == KindCall }

// IsUncondBranch reports whether the instruction is an unconditional
// branch.
func (i *Instruction) IsUncondBranch() bool { return i.Kind == KindBranch }

// Relocation returns the first relocation of the given type, or nil.
func (i *Instruction) Relocation(typ string) *Relocation {
	for idx := range i.Relocs {
		if i.Relocs[idx].Type == typ {
			return &i.Relocs[idx]
		}
	}
	return nil
}

// TargetSet is the statically known destination set of an indirect
// branch. Complete means the set is exhaustive; otherwise it is a
// conservative under-approximation.
type TargetSet struct {
	Targets  []InsnID
	Complete bool
}

// Size returns the number of known targets.
func (s *TargetSet) Size() int {
	return len(s.Targets)
}

// Relocation is a typed annotation on an instruction or on unwind
// operation bytes.
type Relocation struct {
	// Type names the relocation class, e.g. "fix_call_fallthrough".
	Type string

	// Offset is the byte offset the relocation applies to.
	Offset uint64
}
