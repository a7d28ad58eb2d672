// Package hub fans report state-machine events out to live subscribers.
// The hub is an injected instance with an explicit lifecycle, not a
// process-wide singleton: created at startup, drained at shutdown.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/secdashio/report-be/internal/report/domain"
)

// RecordReader is the read side of the record store the hub polls. The
// store, not the event stream, is the source of truth; polling bridges
// the gap when a broadcast is missed.
type RecordReader interface {
	GetReport(ctx context.Context, reportID, ownerID string, adminOverride bool) (*domain.Report, error)
}

// Config holds hub configuration
type Config struct {
	Store RecordReader

	// PollInterval is how long a subscription waits without a push
	// before re-reading the record store (default 2s)
	PollInterval time.Duration

	// SubscriptionTTL is the hard ceiling on any subscription's
	// lifetime regardless of job state (default 5m)
	SubscriptionTTL time.Duration

	// Buffer is each subscriber's event channel capacity; a subscriber
	// that falls this far behind is treated as dead
	Buffer int

	Logger *slog.Logger
}

// Hub is the per-process registry of live subscriptions keyed by report id
type Hub struct {
	store        RecordReader
	pollInterval time.Duration
	ttl          time.Duration
	buffer       int
	logger       *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	closed bool
	wg     sync.WaitGroup
}

// NewHub creates a new Hub instance
func NewHub(cfg *Config) *Hub {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	ttl := cfg.SubscriptionTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 16
	}

	return &Hub{
		store:        cfg.Store,
		pollInterval: pollInterval,
		ttl:          ttl,
		buffer:       buffer,
		logger:       cfg.Logger,
		subs:         make(map[string]map[string]*Subscription),
	}
}

// Subscription is one caller's live interest in a report's event stream
type Subscription struct {
	ID       string
	ReportID string
	OwnerID  string

	admin    bool
	events   chan domain.StreamEvent
	done     chan struct{}
	stopOnce sync.Once
	lastPush atomic.Int64
	hub      *Hub
}

// Events is the subscriber's receive channel. It is closed once the
// subscription is torn down; any events already buffered are still
// delivered first.
func (s *Subscription) Events() <-chan domain.StreamEvent {
	return s.events
}

// stop requests teardown. Idempotent; the watchdog goroutine performs
// the actual removal and channel close.
func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// deliver pushes one event without ever blocking on, or sending to, a
// closed subscriber. A full buffer means a dead or stalled consumer and
// tears the subscription down. A delivered terminal event also tears
// the subscription down, after the event is queued.
func (s *Subscription) deliver(ev domain.StreamEvent) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.events <- ev:
		s.lastPush.Store(time.Now().UnixNano())
		if domain.StatusTerminal(ev.Status) {
			s.stop()
		}
	case <-s.done:
	default:
		s.hub.logger.Warn("Subscriber buffer full, dropping subscription",
			slog.String("subscription_id", s.ID),
			slog.String("report_id", s.ReportID),
		)
		s.stop()
	}
}

// Subscribe registers interest in a report's events. The subscriber
// immediately receives one synthetic event carrying the report's current
// state, so joining mid-job is never blind. Subscribing to a report
// already in a terminal state yields exactly that one event before the
// channel closes.
func (h *Hub) Subscribe(ctx context.Context, reportID, ownerID string, adminOverride bool) (*Subscription, error) {
	r, err := h.store.GetReport(ctx, reportID, ownerID, adminOverride)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:       fmt.Sprintf("%s:%s:%d", ownerID, reportID, time.Now().UnixNano()),
		ReportID: reportID,
		OwnerID:  ownerID,
		admin:    adminOverride,
		events:   make(chan domain.StreamEvent, h.buffer),
		done:     make(chan struct{}),
		hub:      h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, domain.ErrSubscriptionClosed
	}
	if h.subs[reportID] == nil {
		h.subs[reportID] = make(map[string]*Subscription)
	}
	h.subs[reportID][sub.ID] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	// Queue the synthetic current-status event before the watchdog can
	// tear the channel down
	sub.deliver(domain.StreamEventFromReport(r))

	go h.watch(sub)

	h.logger.Debug("Subscription registered",
		slog.String("subscription_id", sub.ID),
		slog.String("report_id", reportID),
	)

	return sub, nil
}

// Publish delivers an event to every live subscription for the report.
// Publishing to a report with no subscribers is a no-op. A dead
// subscriber is removed, never an error.
func (h *Hub) Publish(reportID string, ev domain.StreamEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[reportID] {
		sub.deliver(ev)
	}
}

// Unsubscribe removes a subscription. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.stop()
}

// SubscriberCount returns the number of live subscriptions for a report
func (h *Hub) SubscriberCount(reportID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[reportID])
}

// Close tears down every subscription and waits for their watchdogs to
// finish. Called once at process shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, byID := range h.subs {
		for _, sub := range byID {
			sub.stop()
		}
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("Broadcast hub drained")
}

// watch enforces the subscription's lifecycle: the hard TTL ceiling, and
// the polling fallback that re-reads the record store when no push has
// arrived within the poll interval.
func (h *Hub) watch(sub *Subscription) {
	defer h.wg.Done()
	defer h.remove(sub)

	ceiling := time.NewTimer(h.ttl)
	defer ceiling.Stop()

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-sub.done:
			return

		case <-ceiling.C:
			h.logger.Info("Subscription hit lifetime ceiling",
				slog.String("subscription_id", sub.ID),
				slog.String("report_id", sub.ReportID),
				slog.Duration("ttl", h.ttl),
			)
			sub.stop()
			return

		case <-poll.C:
			h.pollOnce(sub)
		}
	}
}

// pollOnce re-reads the record store and synthesizes a status event when
// the subscription has been quiet for a full poll interval. Several
// worker-side updates may coalesce into one re-read.
func (h *Hub) pollOnce(sub *Subscription) {
	last := time.Unix(0, sub.lastPush.Load())
	if time.Since(last) < h.pollInterval {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.pollInterval)
	defer cancel()

	r, err := h.store.GetReport(ctx, sub.ReportID, sub.OwnerID, sub.admin)
	if err != nil {
		h.logger.Warn("Polling fallback read failed",
			slog.String("subscription_id", sub.ID),
			slog.String("report_id", sub.ReportID),
			slog.String("error", err.Error()),
		)
		return
	}

	sub.deliver(domain.StreamEventFromReport(r))
}

// remove deletes the subscription from the registry and closes its
// channel. Taking the write lock here means no Publish fan-out can still
// hold a reference mid-send, so the close below can never race a send.
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if byID, ok := h.subs[sub.ReportID]; ok {
		delete(byID, sub.ID)
		if len(byID) == 0 {
			delete(h.subs, sub.ReportID)
		}
	}
	h.mu.Unlock()

	close(sub.events)

	h.logger.Debug("Subscription removed",
		slog.String("subscription_id", sub.ID),
		slog.String("report_id", sub.ReportID),
	)
}
