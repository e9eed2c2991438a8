package executor

import (
	"context"
	"strings"

	"github.com/itstheanurag/runbox/internal/session"
)

type TestCase struct {
	Input    string  `json:"input"`
	Expected *string `json:"expected,omitempty"`
}

type TestCaseResult struct {
	Index  int    `json:"index"`
	Status Status `json:"status"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	// Passed is nil when the case carried no expected output.
	Passed *bool `json:"passed,omitempty"`
	TimeMs int64 `json:"time_ms"`
}

// RunTests uploads and compiles code once, then runs every case in order
// against the same build. When the build fails each case reports that failure.
func (e *Executor) RunTests(ctx context.Context, sess session.Session, code string, cases []TestCase) []TestCaseResult {
	results := make([]TestCaseResult, len(cases))

	failed, uploaded := e.prepare(ctx, sess, code)
	if failed != nil {
		if uploaded {
			e.cleanup(ctx, sess)
		}
		for i, tc := range cases {
			results[i] = newCaseResult(i, tc, failed)
		}
		return results
	}

	for i, tc := range cases {
		res := e.run(ctx, sess, tc.Input)
		e.cleanup(ctx, sess)
		results[i] = newCaseResult(i, tc, res)
	}
	return results
}

func newCaseResult(index int, tc TestCase, res *ExecutionResult) TestCaseResult {
	out := TestCaseResult{
		Index:  index,
		Status: res.Status,
		Stdout: res.Stdout,
		Stderr: res.Stderr,
		TimeMs: res.TimeMs,
	}
	if tc.Expected != nil {
		passed := res.Status == StatusSuccess &&
			strings.TrimSpace(res.Stdout) == strings.TrimSpace(*tc.Expected)
		out.Passed = &passed
	}
	return out
}
