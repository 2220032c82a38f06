// Package ir models a rewritable program: functions, a flat instruction
// arena, and shared stack-unwind programs.
//
// Instructions are addressed by stable integer handles (InsnID) into a
// per-program arena. All cross-references between instructions (branch
// targets, fallthroughs, indirect-target sets, function entries) are
// handles, so relocating an instruction inside the arena never invalidates
// a reference held elsewhere. Callers must not retain *Instruction
// pointers across mutations of the arena; re-resolve through Insn instead.
package ir

import (
	"fmt"
)

// FuncID identifies a function within a Program.
type FuncID int32

// InsnID identifies an instruction within a Program's arena.
type InsnID int32

// InsnNone marks an absent instruction reference.
const InsnNone InsnID = -1

// Supported architecture pointer widths.
const (
	Width32 = 32
	Width64 = 64
)

// Program is one rewritable binary image in memory.
//
// All fields are exported for serialization; mutate through the methods.
type Program struct {
	// PointerWidth is the architecture pointer width, 32 or 64.
	PointerWidth int

	// Funcs is the function list, indexed by FuncID.
	Funcs []*Function

	// Insns is the instruction arena, indexed by InsnID.
	Insns []Instruction

	// Unwind is the unwind-program arena, indexed by UnwindID.
	Unwind []UnwindProgram

	// Live is the set of unwind programs currently referenced.
	Live map[UnwindID]bool

	// NextBase is the base-identifier counter for new instructions.
	NextBase uint64
}

// NewProgram creates an empty program for the given pointer width.
// Widths other than 32 and 64 violate the model and panic.
func NewProgram(width int) *Program {
	if width != Width32 && width != Width64 {
		panic(fmt.Sprintf("ir: unsupported pointer width %d", width))
	}
	return &Program{
		PointerWidth: width,
		Live:         make(map[UnwindID]bool),
	}
}

// AddFunction appends a new empty function with no entry point.
func (p *Program) AddFunction(name string) *Function {
	f := &Function{
		ID:    FuncID(len(p.Funcs)),
		Name:  name,
		Entry: InsnNone,
	}
	p.Funcs = append(p.Funcs, f)
	return f
}

// Func resolves a function handle.
func (p *Program) Func(id FuncID) *Function {
	return p.Funcs[id]
}

// Insn resolves an instruction handle. The returned pointer is valid only
// until the next arena mutation.
func (p *Program) Insn(id InsnID) *Instruction {
	return &p.Insns[id]
}

// FuncOf returns the function owning an instruction.
func (p *Program) FuncOf(id InsnID) FuncID {
	return p.Insns[id].Fn
}

// Append adds an instruction to the end of a function.
// A zero BaseID is replaced with a freshly allocated one.
func (p *Program) Append(f *Function, insn Instruction) InsnID {
	id := InsnID(len(p.Insns))
	insn.Fn = f.ID
	if insn.BaseID == 0 {
		p.NextBase++
		insn.BaseID = p.NextBase
	}
	p.Insns = append(p.Insns, insn)
	f.Insns = append(f.Insns, id)
	return id
}

// InsertBefore places a new instruction in front of the one identified by
// id, preserving the identity contract the rewriter depends on: the arena
// slot id is overwritten with the new instruction, and the former content
// is relocated to a freshly appended slot that becomes the new
// instruction's fallthrough. Every handle that referenced id now resolves
// to the inserted instruction; the relocated original's handle is
// returned.
func (p *Program) InsertBefore(id InsnID, asm string) InsnID {
	old := p.Insns[id]

	relocID := InsnID(len(p.Insns))
	p.Insns = append(p.Insns, old)

	p.NextBase++
	p.Insns[id] = Instruction{
		BaseID:      p.NextBase,
		Addr:        old.Addr,
		Asm:         asm,
		Kind:        KindOther,
		Target:      InsnNone,
		Fallthrough: relocID,
		Unwind:      old.Unwind,
		Fn:          old.Fn,
	}

	// Keep function membership ordered: the relocated original follows
	// the inserted instruction.
	f := p.Funcs[old.Fn]
	for i, m := range f.Insns {
		if m != id {
			continue
		}
		f.Insns = append(f.Insns, InsnNone)
		copy(f.Insns[i+2:], f.Insns[i+1:])
		f.Insns[i+1] = relocID
		break
	}

	return relocID
}

// EachInsn visits every live instruction in the program, in function
// order then membership order.
func (p *Program) EachInsn(fn func(id InsnID, insn *Instruction)) {
	for _, f := range p.Funcs {
		for _, id := range f.Insns {
			fn(id, &p.Insns[id])
		}
	}
}

// InsnCount returns the number of live instructions.
func (p *Program) InsnCount() int {
	n := 0
	for _, f := range p.Funcs {
		n += len(f.Insns)
	}
	return n
}

// Function is a named, ordered collection of instructions.
type Function struct {
	// ID is the function's handle, stable across a pass.
	ID FuncID

	// Name is the symbol name. Two functions may share a name.
	Name string

	// Entry is the entry-point instruction, or InsnNone.
	Entry InsnID

	// Insns is the ordered instruction membership.
	Insns []InsnID
}

// Size returns the instruction count.
func (f *Function) Size() int {
	return len(f.Insns)
}

// Snapshot copies the current membership for iteration that survives
// arena mutation.
func (f *Function) Snapshot() []InsnID {
	out := make([]InsnID, len(f.Insns))
	copy(out, f.Insns)
	return out
}
