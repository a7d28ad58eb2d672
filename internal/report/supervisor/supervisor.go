package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/secdashio/report-be/internal/report/domain"
)

const (
	// stderrTailLines bounds how much stderr is kept for failure reports
	stderrTailLines = 20

	// maxLineBytes bounds a single output line; the analysis worker can
	// emit large PARTIAL_RESULTS payloads
	maxLineBytes = 1 << 20

	// pipeCloseGrace bounds how long the output pipes may stay open
	// after cancellation, in case a process outside the worker's group
	// still holds their write ends
	pipeCloseGrace = 5 * time.Second
)

// Config holds supervisor configuration
type Config struct {
	// WorkerCommand is the analysis worker binary or script. The report id
	// is always appended as `--report-id <id>` so the worker updates the
	// same record instead of creating a duplicate.
	WorkerCommand string

	// WorkerArgs are fixed arguments placed before the report id
	WorkerArgs []string

	// RuntimeCeiling bounds one worker run; on expiry the process is
	// killed and the run reported as a timeout failure
	RuntimeCeiling time.Duration

	Logger *slog.Logger
}

// Supervisor launches one external analysis process per report and owns
// its lifetime
type Supervisor struct {
	command        string
	args           []string
	runtimeCeiling time.Duration
	logger         *slog.Logger
}

// Result is the single terminal signal for one worker run
type Result struct {
	ExitCode   int
	Err        error
	TimedOut   bool
	StderrTail string
}

// Completed reports whether the worker finished successfully
func (r Result) Completed() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

// Handle exposes one running worker process. Lines carries stdout and
// stderr merged, one line at a time, as they arrive. Done yields exactly
// one Result after the process exits and both streams are drained, then
// closes.
type Handle struct {
	ReportID string
	Lines    <-chan string
	Done     <-chan Result

	cancel context.CancelFunc
}

// Stop forcibly terminates the worker process. The terminal Result is
// still delivered on Done.
func (h *Handle) Stop() {
	h.cancel()
}

// NewSupervisor creates a new Supervisor instance
func NewSupervisor(cfg *Config) *Supervisor {
	ceiling := cfg.RuntimeCeiling
	if ceiling <= 0 {
		ceiling = 10 * time.Minute
	}

	return &Supervisor{
		command:        cfg.WorkerCommand,
		args:           cfg.WorkerArgs,
		runtimeCeiling: ceiling,
		logger:         cfg.Logger,
	}
}

// Available reports whether the worker command can be resolved. Callers
// use this to route to the simulated fallback before any process starts.
func (s *Supervisor) Available() bool {
	if s.command == "" {
		return false
	}
	_, err := exec.LookPath(s.command)
	return err == nil
}

// Start launches the analysis worker for one report. Returns
// domain.ErrWorkerMissing without starting a process when the worker
// command cannot be resolved.
func (s *Supervisor) Start(ctx context.Context, reportID string) (*Handle, error) {
	if s.command == "" {
		return nil, domain.ErrWorkerMissing
	}

	path, err := exec.LookPath(s.command)
	if err != nil {
		s.logger.Warn("Analysis worker binary not found",
			slog.String("command", s.command),
			slog.String("error", err.Error()),
		)
		return nil, domain.ErrWorkerMissing
	}

	runCtx, cancel := context.WithTimeout(ctx, s.runtimeCeiling)

	args := append(append([]string{}, s.args...), "--report-id", reportID)
	cmd := exec.CommandContext(runCtx, path, args...)

	// The worker runs in its own process group and cancellation kills
	// the whole group: a child the worker spawned would otherwise
	// survive the ceiling, hold the output pipes open and stall the
	// terminal Result
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if err == syscall.ESRCH {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = pipeCloseGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start analysis worker: %w", err)
	}

	s.logger.Info("Analysis worker started",
		slog.String("report_id", reportID),
		slog.String("command", path),
		slog.Int("pid", cmd.Process.Pid),
		slog.Duration("runtime_ceiling", s.runtimeCeiling),
	)

	lines := make(chan string, 64)
	done := make(chan Result, 1)

	tail := newTailBuffer(stderrTailLines)

	var wg sync.WaitGroup
	wg.Add(2)
	go s.forwardLines(&wg, reportID, stdout, lines, nil)
	go s.forwardLines(&wg, reportID, stderr, lines, tail)

	drained := make(chan struct{})

	// Force the pipes closed when they are still open a grace period
	// after cancellation; a process that escaped the worker's group
	// could otherwise hold the stream open indefinitely
	go func() {
		select {
		case <-drained:
			return
		case <-runCtx.Done():
		}

		timer := time.NewTimer(pipeCloseGrace)
		defer timer.Stop()

		select {
		case <-drained:
		case <-timer.C:
			stdout.Close()
			stderr.Close()
		}
	}()

	go func() {
		// Streams must be drained before Wait closes the pipes
		wg.Wait()
		close(drained)
		waitErr := cmd.Wait()
		close(lines)

		result := Result{ExitCode: 0}
		switch {
		case waitErr == nil:
			// success

		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			result = Result{
				ExitCode:   -1,
				Err:        waitErr,
				TimedOut:   true,
				StderrTail: tail.String(),
			}
			s.logger.Warn("Analysis worker killed by runtime ceiling",
				slog.String("report_id", reportID),
				slog.Duration("ceiling", s.runtimeCeiling),
			)

		default:
			exitCode := -1
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
			result = Result{
				ExitCode:   exitCode,
				Err:        waitErr,
				StderrTail: tail.String(),
			}
			s.logger.Error("Analysis worker exited with error",
				slog.String("report_id", reportID),
				slog.Int("exit_code", exitCode),
				slog.String("error", waitErr.Error()),
			)
		}

		if result.Completed() {
			s.logger.Info("Analysis worker completed",
				slog.String("report_id", reportID),
			)
		}

		done <- result
		close(done)
		cancel()
	}()

	return &Handle{
		ReportID: reportID,
		Lines:    lines,
		Done:     done,
		cancel:   cancel,
	}, nil
}

// forwardLines streams one pipe into the shared line channel. When tail
// is non-nil (stderr) the last lines are also retained for the terminal
// failure report.
func (s *Supervisor) forwardLines(wg *sync.WaitGroup, reportID string, r io.Reader, lines chan<- string, tail *tailBuffer) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if tail != nil {
			tail.Add(line)
		}
		lines <- line
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug("Worker output stream closed",
			slog.String("report_id", reportID),
			slog.String("error", err.Error()),
		)
	}
}

// tailBuffer retains the last N lines written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
