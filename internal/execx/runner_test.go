package execx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesStdout(t *testing.T) {
	r := NewRunner(nil)

	res, err := r.Run(context.Background(), "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.True(t, res.Ok())
	assert.Equal(t, "hello", res.TrimmedStdout())
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	r := NewRunner(nil)

	res, err := r.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.False(t, res.Ok())
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "oops")
}

func TestRun_MissingBinary(t *testing.T) {
	r := NewRunner(nil)

	_, err := r.Run(context.Background(), "definitely-not-a-real-binary-4711")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to run")
}

func TestRun_ContextCancellationKillsChild(t *testing.T) {
	r := NewRunner(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, "sleep", "30")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestResult_FirstField(t *testing.T) {
	res := Result{Stdout: "abc123  /tmp/pkg.tar.gz\n"}
	assert.Equal(t, "abc123", res.FirstField())

	assert.Empty(t, Result{}.FirstField())
}

func TestMockRunner_LongestPrefixWins(t *testing.T) {
	m := NewMockRunner()
	m.ScriptOK("docker", "generic")
	m.ScriptOK("docker inspect", "specific")

	res, err := m.Run(context.Background(), "docker", "inspect", "abc")
	require.NoError(t, err)
	assert.Equal(t, "specific", res.Stdout)

	res, err = m.Run(context.Background(), "docker", "ps")
	require.NoError(t, err)
	assert.Equal(t, "generic", res.Stdout)

	assert.True(t, m.CalledWith("inspect abc"))
}

func TestMockRunner_StrictMode(t *testing.T) {
	m := NewMockRunner()
	m.StrictMode = true

	_, err := m.Run(context.Background(), "unknown")
	require.Error(t, err)
}
