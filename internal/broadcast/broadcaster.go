// Package broadcast fans job lifecycle events out to live subscribers.
//
// Delivery is best-effort, at-most-once: an event published while nobody
// listens is gone, and a subscriber that cannot keep up has events dropped.
// The stores remain the sole source of truth; clients re-query on
// reconnect.
package broadcast

import (
	"log/slog"
	"sync"
	"time"
)

// Event kinds.
const (
	EventProgress   = "progress"
	EventSuggestion = "suggestion"
	EventComplete   = "complete"
	EventError      = "error"
)

// Envelope is the wire format for every event on a job topic.
type Envelope struct {
	Type      string `json:"type"`
	JobID     string `json:"jobId"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// ProgressPayload accompanies progress events.
type ProgressPayload struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// CompletePayload accompanies completion events.
type CompletePayload struct {
	SuggestionCount int `json:"suggestionCount"`
}

// ErrorPayload accompanies error events.
type ErrorPayload struct {
	Message string `json:"message"`
}

const subscriberBuffer = 64

// Subscription is one live listener on a job topic. Events arrive on C in
// publish order until Close.
type Subscription struct {
	C chan Envelope

	jobID string
	once  sync.Once
	b     *Broadcaster
}

// Close detaches the subscription and releases its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.unsubscribe(s)
		close(s.C)
	})
}

// Broadcaster is a per-job publish/subscribe hub.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
	logger *slog.Logger
}

// New creates an empty broadcaster.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		topics: make(map[string][]*Subscription),
		logger: logger,
	}
}

// Subscribe opens a stream of events for one job. The caller must Close the
// subscription when done.
func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		C:     make(chan Envelope, subscriberBuffer),
		jobID: jobID,
		b:     b,
	}

	b.mu.Lock()
	b.topics[jobID] = append(b.topics[jobID], sub)
	b.mu.Unlock()

	return sub
}

// Publish delivers an event to every current subscriber of the job's topic.
// Events published by one goroutine arrive at each subscriber in publish
// order. A subscriber with a full buffer loses the event.
func (b *Broadcaster) Publish(jobID, eventType string, payload any) {
	env := Envelope{
		Type:      eventType,
		JobID:     jobID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}

	// The read lock is held across the sends so Close (which removes the
	// subscription under the write lock before closing its channel) can
	// never close a channel mid-send. Sends are non-blocking, so the lock
	// is held only briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.topics[jobID] {
		select {
		case sub.C <- env:
		default:
			b.logger.Warn("subscriber buffer full, dropping event", "job_id", jobID, "type", eventType)
		}
	}
}

// SubscriberCount reports the number of live subscribers for a job.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[jobID])
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.jobID]
	for i, s := range subs {
		if s == sub {
			b.topics[sub.jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.jobID]) == 0 {
		delete(b.topics, sub.jobID)
	}
}
