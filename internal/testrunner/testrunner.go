// Package testrunner drives each registered handler's own self-test cases
// before the tailing engine starts, the conventional replacement for
// original_source/tests.py's dynamic test-class synthesis (see
// SPEC_FULL.md, Supplemented feature 1). It runs standalone: no *testing.T,
// no build tag, just a table iteration invoked from main at startup.
package testrunner

import "fmt"

// Handler is the minimal surface testrunner needs from a tailer.Handler,
// declared locally to avoid importing internal/tailer for this one method.
type Handler interface {
	Process(line string) error
}

// HandlerTestCase is one self-test: Lines are fed through a fresh handler
// (built by New) in order, then Check inspects the handler's resulting
// state. A non-nil error from Process is an "error" (the handler raised
// where it shouldn't have); a non-nil error from Check is a "failure" (the
// handler ran but produced the wrong state).
type HandlerTestCase struct {
	Name  string
	New   func() Handler
	Lines []string
	Check func(h Handler) error
}

// TestCaser is an optional interface a Handler type may implement to
// expose its own self-tests.
type TestCaser interface {
	TestCases() []HandlerTestCase
}

type logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// Result tallies one handler type's self-test run.
type Result struct {
	TypeName string
	Ran      int
	Failures int
	Errors   int
}

// Failed reports whether any case for this handler type failed or errored.
func (r Result) Failed() bool { return r.Failures > 0 || r.Errors > 0 }

// Run executes TestCases() for every candidate that implements TestCaser,
// logging one summary line per handler type in the shape of the original
// source's "%s executed %s testcases: %s failures, %s errors." It returns
// one Result per tested handler type; candidates without TestCases() are
// skipped silently.
func Run(candidates []any, log logger) []Result {
	var results []Result
	seen := make(map[string]bool)
	for _, c := range candidates {
		tc, ok := c.(TestCaser)
		if !ok {
			continue
		}
		typeName := fmt.Sprintf("%T", c)
		if seen[typeName] {
			continue
		}
		seen[typeName] = true
		results = append(results, runOne(typeName, tc.TestCases(), log))
	}
	return results
}

func runOne(typeName string, cases []HandlerTestCase, log logger) Result {
	r := Result{TypeName: typeName}
	for _, tc := range cases {
		r.Ran++
		h := tc.New()

		if err := feed(h, tc.Lines); err != nil {
			r.Errors++
			log.Warnf("testrunner: %s/%s errored: %v", typeName, tc.Name, err)
			continue
		}
		if tc.Check == nil {
			continue
		}
		if err := tc.Check(h); err != nil {
			r.Failures++
			log.Warnf("testrunner: %s/%s failed: %v", typeName, tc.Name, err)
		}
	}
	log.Infof("testrunner: %s executed %d testcases: %d failures, %d errors.", typeName, r.Ran, r.Failures, r.Errors)
	return r
}

func feed(h Handler, lines []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	for _, line := range lines {
		if err := h.Process(line); err != nil {
			return err
		}
	}
	return nil
}
