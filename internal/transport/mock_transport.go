package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/crossarch/internal/execx"
)

// MockTransport implements Transport with scripted responses for testing.
// Exec responses match the longest registered prefix of the command
// line; unmatched commands succeed with empty output.
type MockTransport struct {
	mu        sync.Mutex
	host      string
	pushes    []PushCall
	execs     []string
	responses map[string]execx.Result

	// PushErr fails every Push call when set.
	PushErr error
	// PushHook, when set, decides the outcome of each Push call.
	// Takes precedence over PushErr.
	PushHook func(localPath, remotePath string) error
	// ProbeErr fails every Probe call when set.
	ProbeErr error
	// ExecErr fails every Exec call when set.
	ExecErr error
	// ExecHook, when set, decides the outcome of each Exec call.
	// Takes precedence over scripted responses and ExecErr.
	ExecHook func(command string) (execx.Result, error)
}

// PushCall records one Push invocation.
type PushCall struct {
	LocalPath  string
	RemotePath string
}

// NewMockTransport returns a MockTransport identifying as host.
func NewMockTransport(host string) *MockTransport {
	return &MockTransport{host: host, responses: make(map[string]execx.Result)}
}

// ScriptExec registers a result for any command starting with prefix.
func (m *MockTransport) ScriptExec(prefix string, res execx.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prefix] = res
}

// Push implements Transport.
func (m *MockTransport) Push(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.pushes = append(m.pushes, PushCall{LocalPath: localPath, RemotePath: remotePath})
	m.mu.Unlock()
	if m.PushHook != nil {
		return m.PushHook(localPath, remotePath)
	}
	return m.PushErr
}

// Exec implements Transport.
func (m *MockTransport) Exec(ctx context.Context, command string) (execx.Result, error) {
	if err := ctx.Err(); err != nil {
		return execx.Result{}, err
	}

	m.mu.Lock()
	m.execs = append(m.execs, command)
	m.mu.Unlock()

	if m.ExecHook != nil {
		return m.ExecHook(command)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ExecErr != nil {
		return execx.Result{}, m.ExecErr
	}

	var (
		best    string
		res     execx.Result
		matched bool
	)
	for prefix, r := range m.responses {
		if strings.HasPrefix(command, prefix) && len(prefix) > len(best) {
			best, res, matched = prefix, r, true
		}
	}
	if !matched {
		return execx.Result{}, nil
	}
	return res, nil
}

// Probe implements Transport.
func (m *MockTransport) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.ProbeErr
}

// String implements Transport.
func (m *MockTransport) String() string { return m.host }

// Pushes returns every Push call seen, in order.
func (m *MockTransport) Pushes() []PushCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PushCall, len(m.pushes))
	copy(out, m.pushes)
	return out
}

// Execs returns every Exec command seen, in order.
func (m *MockTransport) Execs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.execs))
	copy(out, m.execs)
	return out
}

// ExecsMatching returns recorded Exec commands containing substr.
func (m *MockTransport) ExecsMatching(substr string) []string {
	var out []string
	for _, c := range m.Execs() {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

// MockFactory hands out a fixed MockTransport per host.
type MockFactory struct {
	mu         sync.Mutex
	transports map[string]*MockTransport
}

// NewMockFactory returns an empty MockFactory.
func NewMockFactory() *MockFactory {
	return &MockFactory{transports: make(map[string]*MockTransport)}
}

// ForHost implements Factory, creating a MockTransport on first use.
func (f *MockFactory) ForHost(targetHost string) Transport {
	return f.Transport(targetHost)
}

// Transport returns the MockTransport for host for scripting and
// inspection.
func (f *MockFactory) Transport(host string) *MockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.transports[host]
	if !ok {
		tr = NewMockTransport(host)
		f.transports[host] = tr
	}
	return tr
}
