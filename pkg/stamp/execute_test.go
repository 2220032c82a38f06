package stamp

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/Log-of-e/rewriter/pkg/ir"
)

func addOrdinaryFunc(p *ir.Program, name string) *ir.Function {
	return addFunc(p, name,
		ir.NewInsn(ir.KindOther, "push rbp"),
		ir.NewInsn(ir.KindOther, "mov rbp, rsp"),
		ir.NewInsn(ir.KindOther, "pop rbp"),
		ir.NewInsn(ir.KindReturn, "ret"),
	)
}

func TestExecuteVisitsFunctionsInNameOrder(t *testing.T) {
	p := ir.NewProgram(ir.Width64)
	// Added out of order on purpose.
	addOrdinaryFunc(p, "zeta")
	addOrdinaryFunc(p, "alpha")
	addOrdinaryFunc(p, "mid")

	var out bytes.Buffer
	cfg := testConfig()
	cfg.Out = &out
	New(p, cfg).Execute()

	var doing []string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(line, "Doing ") {
			doing = append(doing, line)
		}
	}

	want := []string{"Doing 0: alpha", "Doing 1: mid", "Doing 2: zeta"}
	if len(doing) != len(want) {
		t.Fatalf("Doing lines = %v, want %v", doing, want)
	}
	for i := range want {
		if doing[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, doing[i], want[i])
		}
	}
}

func TestExecuteTransformCap(t *testing.T) {
	p := ir.NewProgram(ir.Width64)
	addOrdinaryFunc(p, "a")
	addOrdinaryFunc(p, "b")
	addOrdinaryFunc(p, "c")

	cfg := testConfig()
	cfg.MaxTransform = 2
	report := New(p, cfg).Execute()

	if report.FunctionsTransformed != 2 {
		t.Errorf("FunctionsTransformed = %d, want exactly the cap 2", report.FunctionsTransformed)
	}
	// Functions past the cap are untouched, not skipped.
	if report.FunctionsSkipped != 0 {
		t.Errorf("FunctionsSkipped = %d, want 0", report.FunctionsSkipped)
	}
	// The untouched function is exactly the last in name order.
	if got := countStamps(p, p.Funcs[0]); got == 0 {
		t.Error("function a untouched; the cap should spare only the last")
	}
	if got := countStamps(p, p.Funcs[2]); got != 0 {
		t.Errorf("function c has %d stamps, want 0 past the cap", got)
	}
}

func TestExecuteAttributeBlock(t *testing.T) {
	p := ir.NewProgram(ir.Width64)
	addOrdinaryFunc(p, "good")
	addOrdinaryFunc(p, "_start")

	var out bytes.Buffer
	cfg := testConfig()
	cfg.Out = &out
	report := New(p, cfg).Execute()

	if report.FunctionsTransformed != 1 || report.FunctionsSkipped != 1 {
		t.Fatalf("report = %+v, want one transformed and one skipped", *report)
	}

	for _, want := range []string{
		"# ATTRIBUTE ASSURANCE_Stack_Stamping::Instructions_added=2\n",
		"# ATTRIBUTE ASSURANCE_Stack_Stamping::Total_number_of_functions=2\n",
		"# ATTRIBUTE ASSURANCE_Stack_Stamping::Functions_Transformed=1\n",
		"# ATTRIBUTE ASSURANCE_Stack_Stamping::Functions_Not_Transformed=1\n",
		"# ATTRIBUTE ASSURANCE_Stack_Stamping::Percent_Functions_Transformed=50.0%\n",
		"# ATTRIBUTE ASSURANCE_Stack_Stamping::Percent_Functions_Not_Transformed=50.0%\n",
		"# ATTRIBUTE Stack_Stamping::before_transform_exception_handler_programs=0\n",
		"# ATTRIBUTE Stack_Stamping::after_transform_exception_handler_programs=0\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestExecuteDeterministicAcrossRuns(t *testing.T) {
	build := func() *ir.Program {
		p := ir.NewProgram(ir.Width64)
		u := p.AddUnwindProgram(ir.UnwindProgram{PtrSize: 8, RetReg: 16})
		for _, name := range []string{"b", "c", "a"} {
			f := addOrdinaryFunc(p, name)
			for _, id := range f.Insns {
				p.Insn(id).Unwind = u
			}
		}
		return p
	}

	run := func() string {
		var out bytes.Buffer
		cfg := testConfig()
		cfg.Out = &out
		New(build(), cfg).Execute()
		return out.String()
	}

	first := run()
	for i := 0; i < 5; i++ {
		if got := run(); got != first {
			t.Fatalf("run %d output differs:\n%s\n---\n%s", i+1, got, first)
		}
	}
}

func TestReportSuccess(t *testing.T) {
	p := ir.NewProgram(ir.Width64)
	addFunc(p, "stub",
		ir.NewInsn(ir.KindOther, "nop"),
		ir.NewInsn(ir.KindReturn, "ret"),
	)

	report := New(p, testConfig()).Execute()
	if report.Success() {
		t.Error("Success() true with zero functions transformed")
	}
}

func TestSelfValidate(t *testing.T) {
	good := Report{InstructionsAdded: 40, FunctionsTransformed: 8, FunctionsSkipped: 2}
	if err := good.SelfValidate(); err != nil {
		t.Errorf("good report failed validation: %v", err)
	}

	tests := []struct {
		name   string
		report Report
	}{
		{"too few instructions", Report{InstructionsAdded: 10, FunctionsTransformed: 8, FunctionsSkipped: 2}},
		{"too low percentage", Report{InstructionsAdded: 40, FunctionsTransformed: 6, FunctionsSkipped: 94}},
		{"too few functions", Report{InstructionsAdded: 40, FunctionsTransformed: 5, FunctionsSkipped: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.report.SelfValidate(); !errors.Is(err, ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
}
