package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/secdashio/report-be/internal/report/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeScript drops an executable shell script into a temp dir and
// returns its path
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker scripts require a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "worker.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestSupervisor(command string, ceiling time.Duration) *Supervisor {
	return NewSupervisor(&Config{
		WorkerCommand:  command,
		RuntimeCeiling: ceiling,
		Logger:         testLogger(),
	})
}

func collectLines(t *testing.T, handle *Handle) ([]string, Result) {
	t.Helper()

	var lines []string
	for line := range handle.Lines {
		lines = append(lines, line)
	}

	select {
	case result := <-handle.Done:
		return lines, result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker result")
		return nil, Result{}
	}
}

func TestSupervisor_SuccessfulRun(t *testing.T) {
	script := writeScript(t, `
echo "PROGRESS:10% - Collecting traffic captures"
echo "PARTIAL_RESULTS:{\"flows\":[]}"
echo "PROGRESS:100% - Done"
`)
	s := newTestSupervisor(script, time.Minute)

	handle, err := s.Start(context.Background(), "report-1")
	require.NoError(t, err)

	lines, result := collectLines(t, handle)
	assert.True(t, result.Completed())
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, lines, "PROGRESS:10% - Collecting traffic captures")
	assert.Contains(t, lines, "PROGRESS:100% - Done")
}

func TestSupervisor_AppendsReportIDArgument(t *testing.T) {
	script := writeScript(t, `echo "args:$@"`)
	s := newTestSupervisor(script, time.Minute)

	handle, err := s.Start(context.Background(), "report-42")
	require.NoError(t, err)

	lines, result := collectLines(t, handle)
	assert.True(t, result.Completed())
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "--report-id report-42")
}

func TestSupervisor_FailureCapturesStderrTail(t *testing.T) {
	script := writeScript(t, `
echo "PROGRESS:40% - Matching threat signatures"
echo "signature database corrupt" >&2
exit 3
`)
	s := newTestSupervisor(script, time.Minute)

	handle, err := s.Start(context.Background(), "report-1")
	require.NoError(t, err)

	lines, result := collectLines(t, handle)
	assert.False(t, result.Completed())
	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.TimedOut)
	assert.Contains(t, result.StderrTail, "signature database corrupt")
	// stderr is merged into the line stream too
	assert.Contains(t, lines, "signature database corrupt")
}

func TestSupervisor_RuntimeCeiling(t *testing.T) {
	script := writeScript(t, `
echo "PROGRESS:5% - Collecting traffic captures"
sleep 30
`)
	s := newTestSupervisor(script, 100*time.Millisecond)

	handle, err := s.Start(context.Background(), "report-1")
	require.NoError(t, err)

	start := time.Now()
	_, result := collectLines(t, handle)
	assert.False(t, result.Completed())
	assert.True(t, result.TimedOut)

	// The Result must arrive promptly after the ceiling, not once the
	// worker's sleep runs out
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSupervisor_RuntimeCeilingKillsWorkerChildren(t *testing.T) {
	// The worker backgrounds a child that inherits the output pipes and
	// would outlive it; killing only the worker would leave the stream
	// open until the child exits
	script := writeScript(t, `
echo "PROGRESS:40% - Matching threat signatures"
sleep 30 &
sleep 30
`)
	s := newTestSupervisor(script, 100*time.Millisecond)

	handle, err := s.Start(context.Background(), "report-1")
	require.NoError(t, err)

	start := time.Now()
	lines, result := collectLines(t, handle)
	assert.False(t, result.Completed())
	assert.True(t, result.TimedOut)
	assert.Contains(t, lines, "PROGRESS:40% - Matching threat signatures")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSupervisor_Stop(t *testing.T) {
	script := writeScript(t, `
echo "PROGRESS:5% - Collecting traffic captures"
sleep 30
`)
	s := newTestSupervisor(script, time.Minute)

	handle, err := s.Start(context.Background(), "report-1")
	require.NoError(t, err)

	// Let the first line arrive, then kill the worker
	select {
	case <-handle.Lines:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first line")
	}

	start := time.Now()
	handle.Stop()

	_, result := collectLines(t, handle)
	assert.False(t, result.Completed())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSupervisor_MissingWorker(t *testing.T) {
	s := newTestSupervisor(filepath.Join(t.TempDir(), "no-such-worker"), time.Minute)

	assert.False(t, s.Available())

	handle, err := s.Start(context.Background(), "report-1")
	assert.ErrorIs(t, err, domain.ErrWorkerMissing)
	assert.Nil(t, handle)
}

func TestSupervisor_EmptyCommand(t *testing.T) {
	s := newTestSupervisor("", time.Minute)

	assert.False(t, s.Available())

	handle, err := s.Start(context.Background(), "report-1")
	assert.ErrorIs(t, err, domain.ErrWorkerMissing)
	assert.Nil(t, handle)
}

func TestSupervisor_Available(t *testing.T) {
	script := writeScript(t, `exit 0`)
	s := newTestSupervisor(script, time.Minute)
	assert.True(t, s.Available())
}
