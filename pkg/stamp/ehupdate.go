package stamp

import (
	"github.com/Log-of-e/rewriter/internal/types"
	"github.com/Log-of-e/rewriter/pkg/dwarf"
	"github.com/Log-of-e/rewriter/pkg/ir"
)

// ehUpdate rewrites the unwind programs of a freshly stamped function.
//
// Each instruction that carries unwind information gets a program equal
// to its old one plus one leading FDE operation that recomputes the
// return-address column through the stamp (see dwarf.StampOp). The
// original program registry shares programs across many instructions for
// memory efficiency; the rewrite must preserve that, so derived programs
// go through a cache keyed by the digest of their full content.
// Instructions whose derived programs are content-equal end up sharing
// one stored program.
func (t *Transform) ehUpdate(f *ir.Function) {
	op := dwarf.StampOp(t.prog.PointerWidth, t.stampFor(f))

	for _, id := range f.Insns {
		insn := t.prog.Insn(id)
		if insn.Unwind == ir.UnwindNone {
			// No unwind info, nothing to compensate.
			continue
		}

		// Derive the candidate: the old program with the compensating
		// operation prepended to the per-instruction history. The CIE
		// would also work while the stamp is global, but keeping the
		// delta in the FDE leaves room for per-function stamps.
		cand := t.prog.UnwindProgramAt(insn.Unwind).Clone()
		cand.FDE = append([][]byte{op}, cand.FDE...)

		key := types.DigestOf(cand.Encode())
		if stored, ok := t.cache[key]; ok {
			// Seen before: share the stored program, no new allocation.
			t.prog.Insn(id).Unwind = stored
			continue
		}

		stored := t.prog.AddUnwindProgram(cand)
		t.cache[key] = stored
		t.prog.Insn(id).Unwind = stored
	}
}
