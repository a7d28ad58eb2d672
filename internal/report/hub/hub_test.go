package hub

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/secdashio/report-be/internal/report/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves a mutable in-memory report for the hub's snapshot
// read and polling fallback
type fakeReader struct {
	mu      sync.Mutex
	reports map[string]*domain.Report
	reads   int
}

func newFakeReader(reports ...*domain.Report) *fakeReader {
	m := make(map[string]*domain.Report, len(reports))
	for _, r := range reports {
		m[r.ReportID] = r
	}
	return &fakeReader{reports: m}
}

func (f *fakeReader) GetReport(_ context.Context, reportID, _ string, _ bool) (*domain.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++

	r, ok := f.reports[reportID]
	if !ok {
		return nil, domain.ErrReportNotFound
	}
	copied := *r
	return &copied, nil
}

func (f *fakeReader) set(r *domain.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[r.ReportID] = r
}

func (f *fakeReader) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func generatingReport(id string) *domain.Report {
	return &domain.Report{
		ReportID:        id,
		OwnerID:         "owner-1",
		ReportType:      "traffic_analysis",
		Status:          domain.StatusGenerating,
		ProgressPercent: 35,
		ProgressMessage: "Matching threat signatures",
	}
}

func newTestHub(store RecordReader, pollInterval, ttl time.Duration) *Hub {
	return NewHub(&Config{
		Store:           store,
		PollInterval:    pollInterval,
		SubscriptionTTL: ttl,
		Logger:          testLogger(),
	})
}

func receiveEvent(t *testing.T, sub *Subscription) domain.StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "channel closed before event arrived")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.StreamEvent{}
	}
}

func requireClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "expected closed channel")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestHub_SubscribeDeliversSnapshot(t *testing.T) {
	store := newFakeReader(generatingReport("report-1"))
	h := newTestHub(store, time.Minute, time.Minute)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), "report-1", "owner-1", false)
	require.NoError(t, err)
	defer h.Unsubscribe(sub)

	ev := receiveEvent(t, sub)
	assert.Equal(t, domain.EventTypeStatus, ev.Type)
	assert.Equal(t, "report-1", ev.ReportID)
	assert.Equal(t, domain.StatusGenerating, ev.Status)
	assert.Equal(t, 35, ev.ProgressPercent)

	assert.Equal(t, 1, h.SubscriberCount("report-1"))
}

func TestHub_SubscribeUnknownReport(t *testing.T) {
	store := newFakeReader()
	h := newTestHub(store, time.Minute, time.Minute)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), "missing", "owner-1", false)
	assert.ErrorIs(t, err, domain.ErrReportNotFound)
	assert.Nil(t, sub)
}

func TestHub_SubscribeToTerminalReport(t *testing.T) {
	r := generatingReport("report-1")
	r.Status = domain.StatusPublished
	r.ProgressPercent = 100

	store := newFakeReader(r)
	h := newTestHub(store, time.Minute, time.Minute)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), "report-1", "owner-1", false)
	require.NoError(t, err)

	ev := receiveEvent(t, sub)
	assert.Equal(t, domain.EventTypeComplete, ev.Type)
	assert.Equal(t, 100, ev.ProgressPercent)

	// The terminal snapshot is the only event; the channel closes after it
	requireClosed(t, sub)
}

func TestHub_PublishFansOut(t *testing.T) {
	store := newFakeReader(generatingReport("report-1"))
	h := newTestHub(store, time.Minute, time.Minute)
	defer h.Close()

	first, err := h.Subscribe(context.Background(), "report-1", "owner-1", false)
	require.NoError(t, err)
	second, err := h.Subscribe(context.Background(), "report-1", "admin-1", true)
	require.NoError(t, err)

	receiveEvent(t, first)
	receiveEvent(t, second)

	h.Publish("report-1", domain.StreamEvent{
		Type:            domain.EventTypeUpdate,
		ReportID:        "report-1",
		Status:          domain.StatusGenerating,
		ProgressPercent: 60,
	})

	for _, sub := range []*Subscription{first, second} {
		ev := receiveEvent(t, sub)
		assert.Equal(t, domain.EventTypeUpdate, ev.Type)
		assert.Equal(t, 60, ev.ProgressPercent)
	}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	store := newFakeReader(generatingReport("report-1"))
	h := newTestHub(store, time.Minute, time.Minute)
	defer h.Close()

	// Must not panic or block
	h.Publish("report-1", domain.StreamEvent{Type: domain.EventTypeUpdate})
	h.Publish("unknown", domain.StreamEvent{Type: domain.EventTypeUpdate})
}

func TestHub_TerminalEventClosesSubscription(t *testing.T) {
	store := newFakeReader(generatingReport("report-1"))
	h := newTestHub(store, time.Minute, time.Minute)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), "report-1", "owner-1", false)
	require.NoError(t, err)
	receiveEvent(t, sub)

	h.Publish("report-1", domain.StreamEvent{
		Type:     domain.EventTypeComplete,
		ReportID: "report-1",
		Status:   domain.StatusPublished,
	})

	ev := receiveEvent(t, sub)
	assert.Equal(t, domain.EventTypeComplete, ev.Type)
	requireClosed(t, sub)

	assert.Eventually(t, func() bool {
		return h.SubscriberCount("report-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PollingFallback(t *testing.T) {
	store := newFakeReader(generatingReport("report-1"))
	h := newTestHub(store, 20*time.Millisecond, time.Minute)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), "report-1", "owner-1", false)
	require.NoError(t, err)
	defer h.Unsubscribe(sub)

	// Snapshot read
	receiveEvent(t, sub)
	readsAfterSnapshot := store.readCount()

	// No pushes arrive, so the watchdog re-reads the store
	ev := receiveEvent(t, sub)
	assert.Equal(t, domain.EventTypeStatus, ev.Type)
	assert.Equal(t, 35, ev.ProgressPercent)
	assert.Greater(t, store.readCount(), readsAfterSnapshot)
}

func TestHub_PollingDeliversTerminalAndCloses(t *testing.T) {
	store := newFakeReader(generatingReport("report-1"))
	h := newTestHub(store, 20*time.Millisecond, time.Minute)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), "report-1", "owner-1", false)
	require.NoError(t, err)
	receiveEvent(t, sub)

	// The job finishes out of band; only the poll can see it
	done := generatingReport("report-1")
	done.Status = domain.StatusFailed
	done.ProgressMessage = "Analysis worker exited with code 1"
	store.set(done)

	for {
		ev := receiveEvent(t, sub)
		if ev.Type == domain.EventTypeError {
			assert.Equal(t, "Analysis worker exited with code 1", ev.Error)
			break
		}
		assert.Equal(t, domain.EventTypeStatus, ev.Type)
	}

	requireClosed(t, sub)
}

func TestHub_SubscriptionCeiling(t *testing.T) {
	store := newFakeReader(generatingReport("report-1"))
	h := newTestHub(store, time.Minute, 30*time.Millisecond)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), "report-1", "owner-1", false)
	require.NoError(t, err)

	receiveEvent(t, sub)
	requireClosed(t, sub)

	assert.Equal(t, 0, h.SubscriberCount("report-1"))
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	store := newFakeReader(generatingReport("report-1"))
	h := newTestHub(store, time.Minute, time.Minute)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), "report-1", "owner-1", false)
	require.NoError(t, err)

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	h.Unsubscribe(nil)

	assert.Eventually(t, func() bool {
		return h.SubscriberCount("report-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_SlowSubscriberIsDropped(t *testing.T) {
	store := newFakeReader(generatingReport("report-1"))
	h := NewHub(&Config{
		Store:           store,
		PollInterval:    time.Minute,
		SubscriptionTTL: time.Minute,
		Buffer:          2,
		Logger:          testLogger(),
	})
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), "report-1", "owner-1", false)
	require.NoError(t, err)

	// Snapshot takes one slot; two more fill the buffer, the next drops
	// the subscriber
	for i := 0; i < 4; i++ {
		h.Publish("report-1", domain.StreamEvent{
			Type:            domain.EventTypeUpdate,
			ProgressPercent: i,
		})
	}

	assert.Eventually(t, func() bool {
		return h.SubscriberCount("report-1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Buffered events drain, then the channel closes
	count := 0
	for range sub.Events() {
		count++
	}
	assert.LessOrEqual(t, count, 3)
}

func TestHub_CloseDrainsEverything(t *testing.T) {
	store := newFakeReader(generatingReport("report-1"), generatingReport("report-2"))
	h := newTestHub(store, time.Minute, time.Minute)

	first, err := h.Subscribe(context.Background(), "report-1", "owner-1", false)
	require.NoError(t, err)
	second, err := h.Subscribe(context.Background(), "report-2", "owner-1", false)
	require.NoError(t, err)

	h.Close()

	// Both channels end up closed and the registry is empty
	for range first.Events() {
	}
	for range second.Events() {
	}
	assert.Equal(t, 0, h.SubscriberCount("report-1"))
	assert.Equal(t, 0, h.SubscriberCount("report-2"))

	_, err = h.Subscribe(context.Background(), "report-1", "owner-1", false)
	assert.ErrorIs(t, err, domain.ErrSubscriptionClosed)
}
