package stamp

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Log-of-e/rewriter/pkg/ir"
)

func TestCanStampRejections(t *testing.T) {
	t.Run("no entry point", func(t *testing.T) {
		p := ir.NewProgram(ir.Width64)
		f := addFunc(p, "headless",
			ir.NewInsn(ir.KindOther, "nop"),
			ir.NewInsn(ir.KindOther, "nop"),
			ir.NewInsn(ir.KindOther, "nop"),
			ir.NewInsn(ir.KindReturn, "ret"),
		)
		f.Entry = ir.InsnNone

		tr := New(p, testConfig())
		if tr.CanStamp(f) {
			t.Error("function without entry accepted")
		}
	})

	t.Run("start routine", func(t *testing.T) {
		p := ir.NewProgram(ir.Width64)
		f := addFunc(p, "_start",
			ir.NewInsn(ir.KindOther, "xor ebp, ebp"),
			ir.NewInsn(ir.KindOther, "mov rdi, rsp"),
			ir.NewInsn(ir.KindCall, "call main"),
			ir.NewInsn(ir.KindOther, "hlt"),
		)

		tr := New(p, testConfig())
		if tr.CanStamp(f) {
			t.Error("_start accepted; it has no caller frame")
		}
	})

	t.Run("stub", func(t *testing.T) {
		p := ir.NewProgram(ir.Width64)
		f := addFunc(p, "plt.printf",
			ir.NewInsn(ir.KindOther, "push qword [got+8]"),
			ir.NewInsn(ir.KindOther, "bnd jmp [got+16]"),
			ir.NewInsn(ir.KindOther, "nop"),
		)

		tr := New(p, testConfig())
		if tr.CanStamp(f) {
			t.Error("3-instruction stub accepted")
		}
	})

	t.Run("conditional exit", func(t *testing.T) {
		p := ir.NewProgram(ir.Width64)
		other := addLeafFunc(p, "other")

		// A conditional branch whose taken edge leaves the function:
		// KindOther with both a target and a fallthrough.
		f := addFunc(p, "condexit",
			ir.NewInsn(ir.KindOther, "push rbp"),
			ir.NewInsn(ir.KindOther, "test eax, eax"),
			ir.NewInsn(ir.KindOther, "jne other"),
			ir.NewInsn(ir.KindOther, "nop"),
			ir.NewInsn(ir.KindReturn, "ret"),
		)
		p.Insn(f.Insns[2]).Target = other.Entry

		var out bytes.Buffer
		cfg := testConfig()
		cfg.Out = &out
		tr := New(p, cfg)

		tr.StampFunction(f)

		if got := countStamps(p, f); got != 0 {
			t.Errorf("stamps = %d, want 0", got)
		}
		if tr.report.FunctionsSkipped != 1 {
			t.Errorf("FunctionsSkipped = %d, want 1", tr.report.FunctionsSkipped)
		}
		if !strings.Contains(out.String(), "because of cond branch exit") {
			t.Errorf("diagnostic missing from output:\n%s", out.String())
		}
	})
}

func TestCanStampAccepts(t *testing.T) {
	p := ir.NewProgram(ir.Width64)
	callee := addLeafFunc(p, "callee")
	f := addFunc(p, "ordinary",
		ir.NewInsn(ir.KindOther, "push rbp"),
		ir.NewInsn(ir.KindCall, "call callee"),
		ir.NewInsn(ir.KindOther, "pop rbp"),
		ir.NewInsn(ir.KindReturn, "ret"),
	)
	p.Insn(f.Insns[1]).Target = callee.Entry

	tr := New(p, testConfig())
	if !tr.CanStamp(f) {
		t.Error("ordinary function rejected")
	}
}

func TestIndirectFlowPanics(t *testing.T) {
	t.Run("empty target set", func(t *testing.T) {
		p := ir.NewProgram(ir.Width64)
		ib := ir.NewInsn(ir.KindBranch, "jmp rax")
		ib.IBTargets = &ir.TargetSet{}
		f := addFunc(p, "empty",
			ir.NewInsn(ir.KindOther, "nop"),
			ir.NewInsn(ir.KindOther, "nop"),
			ir.NewInsn(ir.KindOther, "nop"),
			ib,
		)

		tr := New(p, testConfig())
		defer func() {
			if recover() == nil {
				t.Fatal("empty indirect target set did not panic")
			}
		}()
		tr.CanStamp(f)
	})

	t.Run("fallthrough present", func(t *testing.T) {
		p := ir.NewProgram(ir.Width64)
		f := addFunc(p, "bad",
			ir.NewInsn(ir.KindOther, "nop"),
			ir.NewInsn(ir.KindOther, "nop"),
			ir.NewInsn(ir.KindBranch, "jmp rax"),
			ir.NewInsn(ir.KindOther, "nop"),
		)
		ib := p.Insn(f.Insns[2])
		ib.IBTargets = &ir.TargetSet{Targets: []ir.InsnID{f.Insns[0]}, Complete: true}
		ib.Fallthrough = f.Insns[3]

		tr := New(p, testConfig())
		defer func() {
			if recover() == nil {
				t.Fatal("indirect branch with fallthrough did not panic")
			}
		}()
		tr.CanStamp(f)
	})
}
