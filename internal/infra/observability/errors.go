package observability

import (
	"errors"
	"fmt"
	"strings"
)

// StepFailure is one failed step of a multi-step operation such as startup
// cleanup or shutdown.
type StepFailure struct {
	Step string
	Err  error
}

func (f StepFailure) Error() string { return f.Step + ": " + f.Err.Error() }

func (f StepFailure) Unwrap() error { return f.Err }

// StepFailures collects the failed steps of Operation in the order they ran.
type StepFailures struct {
	Operation string
	failed    []StepFailure
}

// Record notes err against step and reports whether the step failed.
func (s *StepFailures) Record(step string, err error) bool {
	if err == nil {
		return false
	}
	s.failed = append(s.failed, StepFailure{Step: step, Err: err})
	return true
}

// Steps lists the names of the failed steps.
func (s *StepFailures) Steps() []string {
	names := make([]string, len(s.failed))
	for i, f := range s.failed {
		names[i] = f.Step
	}
	return names
}

// Err logs the failed steps and returns them joined, or nil when every step
// succeeded.
func (s *StepFailures) Err(fields ...Field) error {
	if len(s.failed) == 0 {
		return nil
	}
	steps := s.Steps()
	joined := make([]error, len(s.failed))
	for i, f := range s.failed {
		joined[i] = f
	}
	Log().Error(s.Operation+" steps failed", append(fields,
		Field{Key: "operation", Value: s.Operation},
		Field{Key: "failed_steps", Value: steps},
	)...)
	return fmt.Errorf("%s: %d step(s) failed [%s]: %w",
		s.Operation, len(steps), strings.Join(steps, ", "), errors.Join(joined...))
}
