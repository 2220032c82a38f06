package stamp

import (
	"errors"
	"fmt"
	"io"
)

// Self-validation thresholds. Empirical regression guards tuned to
// known-good inputs, for test harnesses only; never checked in normal
// operation.
const (
	validateMinInsnsAdded  = 10
	validateMinPctDone     = 20.0
	validateMinTransformed = 5
)

// ErrValidation is returned when a self-validation threshold fails.
var ErrValidation = errors.New("self-validation failed")

// Report is the accumulated result of one stamping pass. It is a plain
// value so repeated or concurrent passes in tests do not share state.
type Report struct {
	// InstructionsAdded counts inserted stamp instructions.
	InstructionsAdded int

	// FunctionsTransformed counts fully stamped functions.
	FunctionsTransformed int

	// FunctionsSkipped counts functions the classifier rejected.
	FunctionsSkipped int
}

// TotalFunctions returns how many functions the pass visited.
func (r *Report) TotalFunctions() int {
	return r.FunctionsTransformed + r.FunctionsSkipped
}

// PercentTransformed returns the transformed share in percent.
func (r *Report) PercentTransformed() float64 {
	total := r.TotalFunctions()
	if total == 0 {
		return 0
	}
	return float64(r.FunctionsTransformed) / float64(total) * 100
}

// PercentSkipped returns the skipped share in percent.
func (r *Report) PercentSkipped() float64 {
	total := r.TotalFunctions()
	if total == 0 {
		return 0
	}
	return float64(r.FunctionsSkipped) / float64(total) * 100
}

// Success reports whether the pass transformed at least one function.
func (r *Report) Success() bool {
	return r.FunctionsTransformed > 0
}

// WriteAttributes emits the machine-parseable attribute block consumed
// by post-run auditing.
func (r *Report) WriteAttributes(w io.Writer) {
	fmt.Fprintf(w, "# ATTRIBUTE ASSURANCE_Stack_Stamping::Instructions_added=%d\n", r.InstructionsAdded)
	fmt.Fprintf(w, "# ATTRIBUTE ASSURANCE_Stack_Stamping::Total_number_of_functions=%d\n", r.TotalFunctions())
	fmt.Fprintf(w, "# ATTRIBUTE ASSURANCE_Stack_Stamping::Functions_Transformed=%d\n", r.FunctionsTransformed)
	fmt.Fprintf(w, "# ATTRIBUTE ASSURANCE_Stack_Stamping::Functions_Not_Transformed=%d\n", r.FunctionsSkipped)
	fmt.Fprintf(w, "# ATTRIBUTE ASSURANCE_Stack_Stamping::Percent_Functions_Transformed=%.1f%%\n", r.PercentTransformed())
	fmt.Fprintf(w, "# ATTRIBUTE ASSURANCE_Stack_Stamping::Percent_Functions_Not_Transformed=%.1f%%\n", r.PercentSkipped())
}

// SelfValidate checks the regression-guard thresholds. For test
// harnesses running against known-good inputs only.
func (r *Report) SelfValidate() error {
	if r.InstructionsAdded <= validateMinInsnsAdded {
		return fmt.Errorf("%w: instructions added %d <= %d",
			ErrValidation, r.InstructionsAdded, validateMinInsnsAdded)
	}
	// Can be kind of low for small files.
	if r.PercentTransformed() <= validateMinPctDone {
		return fmt.Errorf("%w: percent transformed %.1f <= %.1f",
			ErrValidation, r.PercentTransformed(), validateMinPctDone)
	}
	if r.FunctionsTransformed <= validateMinTransformed {
		return fmt.Errorf("%w: functions transformed %d <= %d",
			ErrValidation, r.FunctionsTransformed, validateMinTransformed)
	}
	return nil
}
