package stamp

import (
	"fmt"

	"github.com/Log-of-e/rewriter/pkg/ir"
)

// cleanupUnwind runs once after every function has been processed. It
// recomputes the set of unwind programs still referenced by a live
// instruction and installs it as the program-wide registry, dropping
// programs orphaned by the rewrite.
func (t *Transform) cleanupUnwind() {
	before := len(t.prog.LiveUnwindPrograms())
	fmt.Fprintf(t.out, "# ATTRIBUTE Stack_Stamping::before_transform_exception_handler_programs=%d\n", before)

	live := make(map[ir.UnwindID]bool)
	t.prog.EachInsn(func(_ ir.InsnID, insn *ir.Instruction) {
		if insn.Unwind != ir.UnwindNone {
			live[insn.Unwind] = true
		}
	})
	t.prog.SetLiveUnwindPrograms(live)

	fmt.Fprintf(t.out, "# ATTRIBUTE Stack_Stamping::after_transform_exception_handler_programs=%d\n", len(live))
	fmt.Fprintf(t.out, "# ATTRIBUTE Stack_Stamping::total_instructions=%d\n", t.prog.InsnCount())
}
