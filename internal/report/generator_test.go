package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/secdashio/report-be/internal/report/domain"
	"github.com/secdashio/report-be/internal/report/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory record store tracking the fields the
// pipeline writes
type memoryStore struct {
	mu sync.Mutex

	created   []*domain.Report
	status    string
	percent   int
	message   string
	content   json.RawMessage
	createErr error
}

func (s *memoryStore) CreateReport(_ context.Context, r *domain.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, r)
	s.status = r.Status
	return nil
}

func (s *memoryStore) MarkGenerating(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = domain.StatusGenerating
	return nil
}

func (s *memoryStore) UpdateProgress(_ context.Context, _ string, percent int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.percent = percent
	s.message = message
	return nil
}

func (s *memoryStore) MergeContent(_ context.Context, _ string, content json.RawMessage, _, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = content
	return nil
}

func (s *memoryStore) MarkPublished(_ context.Context, _ string, content json.RawMessage, _, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = domain.StatusPublished
	s.percent = 100
	if content != nil {
		s.content = content
	}
	return nil
}

func (s *memoryStore) MarkFailed(_ context.Context, _ string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = domain.StatusFailed
	s.message = message
	return nil
}

func (s *memoryStore) snapshot() (string, int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.percent, s.message
}

// nopHub absorbs broadcasts; hub behavior has its own tests
type nopHub struct{}

func (nopHub) Publish(string, domain.StreamEvent) {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeWorkerScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker scripts require a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestGenerator(t *testing.T, store RecordStore, workerCommand string) *Generator {
	t.Helper()

	sup := supervisor.NewSupervisor(&supervisor.Config{
		WorkerCommand:  workerCommand,
		RuntimeCeiling: 30 * time.Second,
		Logger:         testLogger(),
	})

	return NewGenerator(context.Background(), &GeneratorConfig{
		Store:            store,
		Hub:              nopHub{},
		Supervisor:       sup,
		Logger:           testLogger(),
		SimulateInterval: time.Millisecond,
	})
}

func waitForPipelines(t *testing.T, g *Generator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, g.Wait(ctx))
}

func TestGenerator_StartGeneration(t *testing.T) {
	script := writeWorkerScript(t, `
echo "PROGRESS:50% - Matching threat signatures"
echo "PARTIAL_RESULTS:{\"threats\":[\"t1\"],\"threat_count\":1}"
echo "PROGRESS:100% - Done"
`)
	store := &memoryStore{}
	g := newTestGenerator(t, store, script)

	r, err := g.StartGeneration(context.Background(), "owner-1", "traffic_analysis", 48)
	require.NoError(t, err)
	require.NotNil(t, r)

	// The caller sees the DRAFT record immediately
	assert.NotEmpty(t, r.ReportID)
	assert.Equal(t, domain.StatusDraft, r.Status)
	assert.Equal(t, "owner-1", r.OwnerID)
	assert.Equal(t, 48, r.DurationHours)
	require.Len(t, store.created, 1)

	waitForPipelines(t, g)

	status, percent, _ := store.snapshot()
	assert.Equal(t, domain.StatusPublished, status)
	assert.Equal(t, 100, percent)
	assert.Equal(t, 1, r.ThreatCount)
}

func TestGenerator_DurationDefaultsToOneDay(t *testing.T) {
	store := &memoryStore{}
	g := newTestGenerator(t, store, "")

	r, err := g.StartGeneration(context.Background(), "owner-1", "traffic_analysis", 0)
	require.NoError(t, err)
	assert.Equal(t, 24, r.DurationHours)

	waitForPipelines(t, g)
}

func TestGenerator_SimulatedFallback(t *testing.T) {
	// No worker command configured: the simulated pipeline must still
	// drive the job to PUBLISHED
	store := &memoryStore{}
	g := newTestGenerator(t, store, "")

	r, err := g.StartGeneration(context.Background(), "owner-1", "traffic_analysis", 24)
	require.NoError(t, err)

	waitForPipelines(t, g)

	status, percent, _ := store.snapshot()
	assert.Equal(t, domain.StatusPublished, status)
	assert.Equal(t, 100, percent)

	var content map[string]interface{}
	require.NoError(t, json.Unmarshal(r.Content, &content))
	assert.Equal(t, true, content["simulated"])
}

func TestGenerator_WorkerFailure(t *testing.T) {
	script := writeWorkerScript(t, `
echo "PROGRESS:40% - Matching threat signatures"
echo "signature database corrupt" >&2
exit 1
`)
	store := &memoryStore{}
	g := newTestGenerator(t, store, script)

	_, err := g.StartGeneration(context.Background(), "owner-1", "traffic_analysis", 24)
	require.NoError(t, err)

	waitForPipelines(t, g)

	status, percent, message := store.snapshot()
	assert.Equal(t, domain.StatusFailed, status)
	assert.Equal(t, 40, percent)
	assert.Contains(t, message, "exited with code 1")
	assert.Contains(t, message, "signature database corrupt")
}

func TestGenerator_WorkerTimeout(t *testing.T) {
	// The worker hangs after reporting progress; the runtime ceiling
	// must drive the job to FAILED with progress frozen, well inside
	// the worker's own sleep
	script := writeWorkerScript(t, `
echo "PROGRESS:40% - Matching threat signatures"
sleep 60
`)
	store := &memoryStore{}

	sup := supervisor.NewSupervisor(&supervisor.Config{
		WorkerCommand:  script,
		RuntimeCeiling: 300 * time.Millisecond,
		Logger:         testLogger(),
	})

	g := NewGenerator(context.Background(), &GeneratorConfig{
		Store:            store,
		Hub:              nopHub{},
		Supervisor:       sup,
		Logger:           testLogger(),
		SimulateInterval: time.Millisecond,
	})

	_, err := g.StartGeneration(context.Background(), "owner-1", "traffic_analysis", 24)
	require.NoError(t, err)

	waitForPipelines(t, g)

	status, percent, message := store.snapshot()
	assert.Equal(t, domain.StatusFailed, status)
	assert.Equal(t, 40, percent)
	assert.Contains(t, message, "runtime ceiling")
}

func TestGenerator_CreateReportFailure(t *testing.T) {
	store := &memoryStore{createErr: errors.New("connection refused")}
	g := newTestGenerator(t, store, "")

	r, err := g.StartGeneration(context.Background(), "owner-1", "traffic_analysis", 24)
	require.Error(t, err)
	assert.Nil(t, r)
	assert.Contains(t, err.Error(), "failed to create report record")
}
