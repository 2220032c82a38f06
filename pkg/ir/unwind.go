package ir

import (
	"encoding/binary"
	"sort"
)

// UnwindID identifies an unwind program within a Program.
type UnwindID int32

// UnwindNone marks an absent unwind-program reference.
const UnwindNone UnwindID = -1

// UnwindProgram describes how to recover the previous frame's registers
// at an instruction: the CIE holds defaults shared by many functions, the
// FDE holds per-instruction history. Many instructions reference one
// UnwindProgram; the registry owns the storage and sharing is by handle.
//
// Two unwind programs are equal iff all seven fields compare equal.
type UnwindProgram struct {
	// CodeAlign is the code-alignment factor.
	CodeAlign uint8

	// DataAlign is the data-alignment factor.
	DataAlign int8

	// RetReg is the return-address register number.
	RetReg uint8

	// PtrSize is the pointer size in bytes.
	PtrSize uint8

	// CIE is the shared-default operation list.
	CIE [][]byte

	// FDE is the per-instruction operation list.
	FDE [][]byte

	// Relocs apply to the operation bytes.
	Relocs []Relocation
}

// Clone returns a deep copy safe to mutate independently.
func (u *UnwindProgram) Clone() UnwindProgram {
	out := *u
	out.CIE = cloneOps(u.CIE)
	out.FDE = cloneOps(u.FDE)
	out.Relocs = append([]Relocation(nil), u.Relocs...)
	return out
}

func cloneOps(ops [][]byte) [][]byte {
	out := make([][]byte, len(ops))
	for i, op := range ops {
		out[i] = append([]byte(nil), op...)
	}
	return out
}

// Equal compares all seven fields.
func (u *UnwindProgram) Equal(o *UnwindProgram) bool {
	if u.CodeAlign != o.CodeAlign || u.DataAlign != o.DataAlign ||
		u.RetReg != o.RetReg || u.PtrSize != o.PtrSize {
		return false
	}
	if !opsEqual(u.CIE, o.CIE) || !opsEqual(u.FDE, o.FDE) {
		return false
	}
	if len(u.Relocs) != len(o.Relocs) {
		return false
	}
	for i := range u.Relocs {
		if u.Relocs[i] != o.Relocs[i] {
			return false
		}
	}
	return true
}

func opsEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if string(a[i]) != string(b[i]) {
			return false
		}
	}
	return true
}

// Encode produces the canonical binary form covering all seven fields.
// Equal programs encode identically, so the encoding's digest is a
// content address.
func (u *UnwindProgram) Encode() []byte {
	buf := []byte{u.CodeAlign, byte(u.DataAlign), u.RetReg, u.PtrSize}
	buf = encodeOps(buf, u.CIE)
	buf = encodeOps(buf, u.FDE)
	buf = binary.AppendUvarint(buf, uint64(len(u.Relocs)))
	for _, r := range u.Relocs {
		buf = binary.AppendUvarint(buf, uint64(len(r.Type)))
		buf = append(buf, r.Type...)
		buf = binary.AppendUvarint(buf, r.Offset)
	}
	return buf
}

func encodeOps(buf []byte, ops [][]byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(ops)))
	for _, op := range ops {
		buf = binary.AppendUvarint(buf, uint64(len(op)))
		buf = append(buf, op...)
	}
	return buf
}

// AddUnwindProgram stores a program in the registry, marks it live, and
// returns its handle.
func (p *Program) AddUnwindProgram(u UnwindProgram) UnwindID {
	id := UnwindID(len(p.Unwind))
	p.Unwind = append(p.Unwind, u)
	if p.Live == nil {
		p.Live = make(map[UnwindID]bool)
	}
	p.Live[id] = true
	return id
}

// UnwindProgramAt resolves an unwind-program handle. The returned pointer
// is valid only until the next registry mutation.
func (p *Program) UnwindProgramAt(id UnwindID) *UnwindProgram {
	return &p.Unwind[id]
}

// LiveUnwindPrograms returns the live handles in ascending order.
func (p *Program) LiveUnwindPrograms() []UnwindID {
	out := make([]UnwindID, 0, len(p.Live))
	for id := range p.Live {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetLiveUnwindPrograms replaces the live set.
func (p *Program) SetLiveUnwindPrograms(live map[UnwindID]bool) {
	p.Live = live
}
