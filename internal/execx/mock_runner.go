package execx

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockRunner implements Runner with scripted responses for testing.
// Responses are matched by the longest registered prefix of the full
// command line ("name arg1 arg2 ..."). Unmatched commands succeed with
// empty output unless StrictMode is set.
type MockRunner struct {
	mu        sync.Mutex
	responses map[string]MockResponse
	calls     []string

	// StrictMode makes unmatched commands return an error.
	StrictMode bool

	// OnCall, when set, observes each command line before the scripted
	// response is returned. Tests use it to emulate side effects of
	// the real tool, such as files it writes.
	OnCall func(line string)
}

// MockResponse is a scripted outcome for a command prefix.
type MockResponse struct {
	Result Result
	Err    error
}

// NewMockRunner returns an empty MockRunner.
func NewMockRunner() *MockRunner {
	return &MockRunner{responses: make(map[string]MockResponse)}
}

// Script registers a response for any command line starting with prefix.
func (m *MockRunner) Script(prefix string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prefix] = resp
}

// ScriptOK registers a zero-exit response with the given stdout.
func (m *MockRunner) ScriptOK(prefix, stdout string) {
	m.Script(prefix, MockResponse{Result: Result{Stdout: stdout}})
}

// ScriptFail registers a non-zero exit with the given stderr.
func (m *MockRunner) ScriptFail(prefix string, code int, stderr string) {
	m.Script(prefix, MockResponse{Result: Result{ExitCode: code, Stderr: stderr}})
}

// Run implements Runner.
func (m *MockRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("command %s interrupted: %w", name, err)
	}

	line := strings.Join(append([]string{name}, args...), " ")

	m.mu.Lock()
	m.calls = append(m.calls, line)

	var (
		best    string
		resp    MockResponse
		matched bool
	)
	for prefix, r := range m.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best, resp, matched = prefix, r, true
		}
	}
	m.mu.Unlock()

	if m.OnCall != nil {
		m.OnCall(line)
	}

	if !matched {
		if m.StrictMode {
			return Result{}, fmt.Errorf("unexpected command: %s", line)
		}
		return Result{}, nil
	}
	return resp.Result, resp.Err
}

// Calls returns every command line seen, in order.
func (m *MockRunner) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CalledWith reports whether any recorded command line contains substr.
func (m *MockRunner) CalledWith(substr string) bool {
	for _, c := range m.Calls() {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}
