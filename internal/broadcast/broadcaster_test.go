package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutSubscriberIsDropped(t *testing.T) {
	b := New(nil)

	// Nothing to assert beyond "does not block or panic": at-most-once
	// delivery means an unobserved event is simply gone.
	b.Publish("job-1", EventProgress, ProgressPayload{Percent: 10, Message: "Fetching"})

	sub := b.Subscribe("job-1")
	defer sub.Close()
	select {
	case env := <-sub.C:
		t.Fatalf("late subscriber received stale event %+v", env)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEventsArriveInPublishOrder(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("job-1")
	defer sub.Close()

	steps := []int{10, 30, 50, 80}
	for _, pct := range steps {
		b.Publish("job-1", EventProgress, ProgressPayload{Percent: pct})
	}
	b.Publish("job-1", EventComplete, CompletePayload{SuggestionCount: 3})

	for _, want := range steps {
		env := <-sub.C
		require.Equal(t, EventProgress, env.Type)
		assert.Equal(t, want, env.Payload.(ProgressPayload).Percent)
	}
	env := <-sub.C
	assert.Equal(t, EventComplete, env.Type)
}

func TestEnvelopeShape(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("job-7")
	defer sub.Close()

	before := time.Now().UnixMilli()
	b.Publish("job-7", EventError, ErrorPayload{Message: "analysis timed out"})

	env := <-sub.C
	assert.Equal(t, EventError, env.Type)
	assert.Equal(t, "job-7", env.JobID)
	assert.Equal(t, ErrorPayload{Message: "analysis timed out"}, env.Payload)
	assert.GreaterOrEqual(t, env.Timestamp, before)
}

func TestTopicsAreIsolated(t *testing.T) {
	b := New(nil)
	subA := b.Subscribe("job-a")
	defer subA.Close()
	subB := b.Subscribe("job-b")
	defer subB.Close()

	b.Publish("job-a", EventProgress, ProgressPayload{Percent: 50})

	env := <-subA.C
	assert.Equal(t, "job-a", env.JobID)
	select {
	case env := <-subB.C:
		t.Fatalf("subscriber of another job received %+v", env)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := New(nil)
	first := b.Subscribe("job-1")
	defer first.Close()
	second := b.Subscribe("job-1")
	defer second.Close()

	b.Publish("job-1", EventSuggestion, map[string]string{"id": "s-1"})

	assert.Equal(t, EventSuggestion, (<-first.C).Type)
	assert.Equal(t, EventSuggestion, (<-second.C).Type)
}

func TestSlowSubscriberLosesEventsNotOrdering(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("job-1")
	defer sub.Close()

	// Overflow the buffer without draining; the surplus is dropped.
	total := subscriberBuffer + 16
	for i := 0; i < total; i++ {
		b.Publish("job-1", EventProgress, ProgressPayload{Percent: i})
	}

	received := 0
	last := -1
	for {
		select {
		case env := <-sub.C:
			pct := env.Payload.(ProgressPayload).Percent
			assert.Greater(t, pct, last, "surviving events keep publish order")
			last = pct
			received++
		default:
			assert.Equal(t, subscriberBuffer, received)
			return
		}
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("job-1")
	require.Equal(t, 1, b.SubscriberCount("job-1"))

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount("job-1"))

	// Publishing after close must not panic on the closed channel.
	b.Publish("job-1", EventProgress, ProgressPayload{Percent: 10})

	_, open := <-sub.C
	assert.False(t, open)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("job-1")
	sub.Close()
	assert.NotPanics(t, func() { sub.Close() })
}
