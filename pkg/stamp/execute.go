package stamp

import (
	"sort"

	"github.com/Log-of-e/rewriter/pkg/ir"
)

// Execute runs the whole pass: every function in deterministic order,
// then the global unwind compaction, then the attribute block. The
// returned report's Success method is the pass's overall result.
func (t *Transform) Execute() *Report {
	// Sort by name so the transform order is reproducible across runs;
	// function identity breaks ties between same-named functions.
	funcs := make([]*ir.Function, len(t.prog.Funcs))
	copy(funcs, t.prog.Funcs)
	sort.Slice(funcs, func(i, j int) bool {
		if funcs[i].Name != funcs[j].Name {
			return funcs[i].Name < funcs[j].Name
		}
		return funcs[i].ID < funcs[j].ID
	})

	maxTransform := t.cfg.MaxTransform
	for _, f := range funcs {
		// Past the cap, remaining functions are left untouched.
		if maxTransform > 0 && t.report.FunctionsTransformed >= maxTransform {
			continue
		}
		t.StampFunction(f)
	}

	// Many old unwind programs are unreferenced now.
	t.cleanupUnwind()

	t.report.WriteAttributes(t.out)
	report := t.report
	return &report
}
