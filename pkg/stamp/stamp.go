// Package stamp implements the return-address stamping transform.
//
// The transform XORs the saved return address on the stack with a secret
// value at every point that pushes or consumes it: function entries,
// returns, and branches that leave the function. A hijacked return
// address that was not stamped by the prologue unstamps to garbage,
// raising the cost of return-oriented attacks.
//
// Stamping changes what stack unwinders read, so for every instrumented
// function the transform also rewrites the associated unwind programs
// with a compensating expression (see the dwarf package) and
// deduplicates the results through a content-addressed cache.
package stamp

import (
	"fmt"
	"io"
	"os"

	"github.com/Log-of-e/rewriter/internal/types"
	"github.com/Log-of-e/rewriter/pkg/ir"
)

// Config carries the transform's settings.
type Config struct {
	// Stamp is the value XORed into saved return addresses.
	Stamp types.StampValue

	// Verbose enables per-instruction diagnostics.
	Verbose bool

	// MaxTransform caps how many functions are transformed; 0 means no
	// cap. Skipped functions do not count toward the cap. Read once at
	// the start of Execute; a debugging and bisection aid.
	MaxTransform int

	// Out receives the diagnostic stream. Defaults to os.Stdout.
	Out io.Writer
}

// DefaultConfig returns the default transform configuration.
func DefaultConfig(stamp types.StampValue) Config {
	return Config{
		Stamp: stamp,
		Out:   os.Stdout,
	}
}

// Transform is one stamping pass over a program. Not safe for concurrent
// use; a pass runs on a single goroutine and assumes nothing else
// mutates the program while it runs.
type Transform struct {
	prog   *ir.Program
	cfg    Config
	out    io.Writer
	report Report

	// cache deduplicates rewritten unwind programs by content digest.
	cache map[types.Digest]ir.UnwindID

	// stamped guards against inserting two stamps before the same
	// instruction within one function.
	stamped map[ir.InsnID]bool
}

// New creates a transform over the given program.
func New(p *ir.Program, cfg Config) *Transform {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if p.PointerWidth != ir.Width32 && p.PointerWidth != ir.Width64 {
		panic(fmt.Sprintf("stamp: unsupported pointer width %d", p.PointerWidth))
	}
	return &Transform{
		prog:  p,
		cfg:   cfg,
		out:   cfg.Out,
		cache: make(map[types.Digest]ir.UnwindID),
	}
}

// stampFor returns the stamp value for a function. Today every function
// shares one global value; the signature leaves room for per-function
// stamps later.
func (t *Transform) stampFor(f *ir.Function) types.StampValue {
	return t.cfg.Stamp
}

// stampAsm renders the instrumentation instruction for the program's
// pointer width: XOR the word at top-of-stack with the stamp.
func (t *Transform) stampAsm(f *ir.Function) string {
	if t.prog.PointerWidth == ir.Width64 {
		return fmt.Sprintf("xor qword [rsp], 0x%x", uint32(t.stampFor(f)))
	}
	return fmt.Sprintf("xor dword [esp], 0x%x", uint32(t.stampFor(f)))
}

// stampInsn inserts one stamp immediately before the instruction at id.
// Under the insert-before contract the slot id afterwards holds the
// stamp and the protected instruction moves to a fresh slot, so every
// reference that pointed at id now lands on the stamp first.
func (t *Transform) stampInsn(f *ir.Function, id ir.InsnID) {
	if t.stamped[id] {
		return
	}
	t.stamped[id] = true

	asm := t.stampAsm(f)
	old := t.prog.Insn(id)
	baseID, addr, oldAsm := old.BaseID, old.Addr, old.Asm

	t.prog.InsertBefore(id, asm)

	if t.cfg.Verbose {
		fmt.Fprintf(t.out, "\tAdding: %s before : %x:%s@0x%x\n", asm, baseID, oldAsm, addr)
	}
	t.report.InstructionsAdded++
}

// StampFunction instruments a single function, repairs branches that
// targeted its entry, and rewrites its unwind programs. Ineligible
// functions are recorded as skipped.
func (t *Transform) StampFunction(f *ir.Function) {
	if !t.CanStamp(f) {
		fmt.Fprintf(t.out, "Skipping %d: %s\n", t.report.FunctionsTransformed, f.Name)
		t.report.FunctionsSkipped++
		return
	}

	fmt.Fprintf(t.out, "Doing %d: %s\n", t.report.FunctionsTransformed, f.Name)
	t.report.FunctionsTransformed++
	t.stamped = make(map[ir.InsnID]bool)

	// Insertion relocates instructions while we walk, so iterate a
	// snapshot of the membership taken before any mutation.
	snapshot := f.Snapshot()
	for _, id := range snapshot {
		insn := t.prog.Insn(id)
		switch t.classify(f, insn) {
		case dispReturn:
			if t.cfg.Verbose {
				fmt.Fprintln(t.out, "Stamping return")
			}
			t.stampInsn(f, id)

		case dispCall, dispPlain:
			// Calls (fixed or otherwise) push a fresh return address;
			// plain instructions never touch one.

		case dispCondExit:
			panic(fmt.Sprintf("stamp: conditional exit at %#x in eligible function %s",
				insn.BaseID, f.Name))

		case dispTailCall:
			if t.cfg.Verbose {
				fmt.Fprintln(t.out, "Stamping tail call leaving function")
			}
			t.stampInsn(f, id)

		case dispIndirect:
			flow := t.indirectFlow(f, insn)
			switch {
			case id == f.Entry:
				// The entry itself may be a computed jump, e.g. a
				// PLT-style trailer; callers still land here.
				if t.cfg.Verbose {
					fmt.Fprintln(t.out, "Stamping IB at entry of function")
				}
				t.stampInsn(f, id)

			case flow == ibLeaves:
				if t.cfg.Verbose {
					fmt.Fprintln(t.out, "Stamping IB because it definitely leaves")
				}
				t.stampInsn(f, id)

			case flow == ibAmbiguous && !insn.IBTargets.Complete:
				// Incomplete set with a leaver: probably a tail jump
				// through the PLT. Conservatively stamp.
				if t.cfg.Verbose {
					fmt.Fprintln(t.out, "Stamping IB because it might leave and the target set is incomplete")
				}
				t.stampInsn(f, id)
			}
		}
	}

	// The entry must carry a stamp no matter how it classified: callers
	// jump or call straight to it and the return path unstamps
	// symmetrically. stampInsn is idempotent per slot, so an entry
	// already covered by the walk above is not stamped twice.
	t.stampInsn(f, f.Entry)

	t.patchEntryRefs(f, snapshot)
	t.ehUpdate(f)
}

// patchEntryRefs repairs instructions whose direct target was the entry
// point. Recursive calls should land on the inserted stamp so their
// return unstamps symmetrically; everything else (e.g. a loop back-edge
// that happened to target the old prologue) skips past it.
func (t *Transform) patchEntryRefs(f *ir.Function, snapshot []ir.InsnID) {
	for _, id := range snapshot {
		insn := t.prog.Insn(id)
		if insn.Target != f.Entry {
			continue
		}
		if insn.IsCall() {
			continue
		}
		fmt.Fprintf(t.out, "Updating instruction %x:%s to skip stamp.\n", insn.BaseID, insn.Asm)
		insn.Target = t.prog.Insn(f.Entry).Fallthrough
	}
}
