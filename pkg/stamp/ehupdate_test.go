package stamp

import (
	"bytes"
	"testing"

	"github.com/Log-of-e/rewriter/pkg/dwarf"
	"github.com/Log-of-e/rewriter/pkg/ir"
)

func baseUnwind() ir.UnwindProgram {
	return ir.UnwindProgram{
		CodeAlign: 1,
		DataAlign: -8,
		RetReg:    dwarf.RetReg64,
		PtrSize:   8,
		CIE:       [][]byte{{dwarf.CFADefCfa, 0x07, 0x08}},
	}
}

// addUnwoundFunc builds a stampable function whose instructions all share
// one unwind program.
func addUnwoundFunc(p *ir.Program, name string, u ir.UnwindID) *ir.Function {
	f := addFunc(p, name,
		ir.NewInsn(ir.KindOther, "push rbp"),
		ir.NewInsn(ir.KindOther, "mov rbp, rsp"),
		ir.NewInsn(ir.KindOther, "pop rbp"),
		ir.NewInsn(ir.KindReturn, "ret"),
	)
	for _, id := range f.Insns {
		p.Insn(id).Unwind = u
	}
	return f
}

func TestEhUpdateSharesDerivedPrograms(t *testing.T) {
	p := ir.NewProgram(ir.Width64)
	shared := p.AddUnwindProgram(baseUnwind())
	f := addUnwoundFunc(p, "f", shared)

	tr := New(p, testConfig())
	tr.StampFunction(f)

	// Every instruction carried the same old program, so every derived
	// program is content-equal and must share one stored handle.
	first := ir.UnwindNone
	for _, id := range f.Insns {
		u := p.Insn(id).Unwind
		if u == ir.UnwindNone {
			t.Fatalf("instruction %d lost its unwind program", id)
		}
		if u == shared {
			t.Errorf("instruction %d still references the pre-transform program", id)
		}
		if first == ir.UnwindNone {
			first = u
			continue
		}
		if u != first {
			t.Errorf("instruction %d got handle %d, want shared %d", id, u, first)
		}
	}

	// The derived program is the old one plus a leading compensating
	// operation.
	derived := p.UnwindProgramAt(first)
	if len(derived.FDE) != 1 {
		t.Fatalf("derived FDE ops = %d, want 1", len(derived.FDE))
	}
	want := dwarf.StampOp(ir.Width64, testStamp)
	if !bytes.Equal(derived.FDE[0], want) {
		t.Errorf("leading FDE op = %x, want %x", derived.FDE[0], want)
	}
	if len(derived.CIE) != 1 || !bytes.Equal(derived.CIE[0], baseUnwind().CIE[0]) {
		t.Errorf("CIE changed: %x", derived.CIE)
	}
}

func TestEhUpdateCacheSpansFunctions(t *testing.T) {
	p := ir.NewProgram(ir.Width64)
	shared := p.AddUnwindProgram(baseUnwind())
	f1 := addUnwoundFunc(p, "f1", shared)
	f2 := addUnwoundFunc(p, "f2", shared)

	tr := New(p, testConfig())
	tr.StampFunction(f1)
	tr.StampFunction(f2)

	u1 := p.Insn(f1.Insns[len(f1.Insns)-1]).Unwind
	u2 := p.Insn(f2.Insns[len(f2.Insns)-1]).Unwind
	if u1 != u2 {
		t.Errorf("content-equal derived programs stored separately: %d vs %d", u1, u2)
	}
}

func TestEhUpdateSkipsBareInstructions(t *testing.T) {
	p := ir.NewProgram(ir.Width64)
	f := addFunc(p, "bare",
		ir.NewInsn(ir.KindOther, "push rbp"),
		ir.NewInsn(ir.KindOther, "nop"),
		ir.NewInsn(ir.KindOther, "pop rbp"),
		ir.NewInsn(ir.KindReturn, "ret"),
	)

	tr := New(p, testConfig())
	tr.StampFunction(f)

	for _, id := range f.Insns {
		if u := p.Insn(id).Unwind; u != ir.UnwindNone {
			t.Errorf("instruction %d gained unwind program %d from nothing", id, u)
		}
	}
	if len(p.Unwind) != 0 {
		t.Errorf("registry grew to %d programs, want 0", len(p.Unwind))
	}
}

func TestCleanupUnwindDropsOrphans(t *testing.T) {
	p := ir.NewProgram(ir.Width64)
	shared := p.AddUnwindProgram(baseUnwind())
	addUnwoundFunc(p, "f", shared)

	tr := New(p, testConfig())
	report := tr.Execute()

	if !report.Success() {
		t.Fatal("pass did not transform the function")
	}

	// The pre-transform program is orphaned and must be gone; the live
	// set must exactly match what instructions reference.
	referenced := make(map[ir.UnwindID]bool)
	p.EachInsn(func(_ ir.InsnID, insn *ir.Instruction) {
		if insn.Unwind != ir.UnwindNone {
			referenced[insn.Unwind] = true
		}
	})

	live := p.LiveUnwindPrograms()
	if len(live) != len(referenced) {
		t.Fatalf("live = %v, referenced = %v", live, referenced)
	}
	for _, id := range live {
		if !referenced[id] {
			t.Errorf("live program %d is unreferenced", id)
		}
		if id == shared {
			t.Errorf("pre-transform program %d survived compaction", id)
		}
	}
}
