package scenario

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Outcome is the verdict of one step.
type Outcome string

const (
	Pass Outcome = "pass"
	// Fail is a check that ran and did not hold.
	Fail Outcome = "fail"
	// Error is a step that could not run to completion.
	Error Outcome = "error"
	Skip  Outcome = "skip"
)

// StepResult records one executed (or skipped) step.
type StepResult struct {
	Name     string        `json:"name"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
}

// Result is the outcome of one scenario.
type Result struct {
	Scenario  string        `json:"scenario"`
	Instance  string        `json:"instance"`
	OSType    string        `json:"os_type,omitempty"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Steps     []StepResult  `json:"steps"`
}

// Tally counts step outcomes the way a unittest result does.
type Tally struct {
	Run                 int `json:"run"`
	Failures            int `json:"failures"`
	Errors              int `json:"errors"`
	Skipped             int `json:"skipped"`
	ExpectedFailures    int `json:"expected_failures"`
	UnexpectedSuccesses int `json:"unexpected_successes"`
}

// Add merges o into t.
func (t *Tally) Add(o Tally) {
	t.Run += o.Run
	t.Failures += o.Failures
	t.Errors += o.Errors
	t.Skipped += o.Skipped
	t.ExpectedFailures += o.ExpectedFailures
	t.UnexpectedSuccesses += o.UnexpectedSuccesses
}

// Successful reports whether nothing failed or errored.
func (t Tally) Successful() bool {
	return t.Failures == 0 && t.Errors == 0
}

// Tally counts the steps of r. Skipped steps still count as run.
func (r Result) Tally() Tally {
	t := Tally{Run: len(r.Steps)}
	for _, s := range r.Steps {
		switch s.Outcome {
		case Fail:
			t.Failures++
		case Error:
			t.Errors++
		case Skip:
			t.Skipped++
		}
	}
	return t
}

// Report aggregates the results of a run.
type Report struct {
	Results  []Result      `json:"results"`
	Duration time.Duration `json:"duration"`
	Tally    Tally         `json:"tally"`
}

const separator1 = "======================================================================"
const separator2 = "----------------------------------------------------------------------"

// WriteErrors prints every failed or errored step.
func WriteErrors(w io.Writer, results []Result) {
	for _, r := range results {
		for _, s := range r.Steps {
			if s.Outcome != Fail && s.Outcome != Error {
				continue
			}
			fmt.Fprintln(w, separator1)
			fmt.Fprintf(w, "%s: %s (%s)\n", strings.ToUpper(string(s.Outcome)), s.Name, r.Scenario)
			fmt.Fprintln(w, separator2)
			fmt.Fprintln(w, s.Message)
			fmt.Fprintln(w)
		}
	}
}

// WriteSummary prints the run totals.
func WriteSummary(w io.Writer, rep *Report) {
	t := rep.Tally
	plural := "s"
	if t.Run == 1 {
		plural = ""
	}
	fmt.Fprintf(w, "Ran %d test%s in %.3fs\n\n", t.Run, plural, rep.Duration.Seconds())
	if t.Successful() {
		fmt.Fprint(w, "OK")
	} else {
		fmt.Fprint(w, "FAILED")
	}
	fmt.Fprintf(w, " (failures=%d, errors=%d, skipped=%d, expected failures=%d, unexpected successes=%d)\n",
		t.Failures, t.Errors, t.Skipped, t.ExpectedFailures, t.UnexpectedSuccesses)
}
