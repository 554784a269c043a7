package github

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker is a count-based sliding-window circuit breaker. It opens once the
// failure rate over the last `window` recorded calls crosses the threshold,
// rejects calls for a cooldown, then admits a single trial call. The trial's
// outcome either closes the breaker or re-opens it for another cooldown.
//
// Retries happen before an outcome is recorded, so a retry-recovered call
// counts as a single success here.
type breaker struct {
	mu sync.Mutex

	outcomes []bool // ring of recent outcomes, true = failure
	next     int
	filled   int

	state    breakerState
	openedAt time.Time
	probing  bool

	threshold float64
	cooldown  time.Duration
	now       func() time.Time
}

func newBreaker(window int, threshold float64, cooldown time.Duration) *breaker {
	if window <= 0 {
		window = 10
	}
	return &breaker{
		outcomes:  make([]bool, window),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// allow reports whether a call may proceed. In the open state it fails fast
// until the cooldown elapses, then transitions to half-open and admits
// exactly one probe.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = stateHalfOpen
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
}

// record feeds one call outcome into the window and updates the state.
func (b *breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.probing = false
		if failed {
			b.trip()
		} else {
			b.reset()
		}
		return
	}

	b.outcomes[b.next] = failed
	b.next = (b.next + 1) % len(b.outcomes)
	if b.filled < len(b.outcomes) {
		b.filled++
	}

	// Rate is only meaningful once the window has filled.
	if b.state == stateClosed && b.filled == len(b.outcomes) && b.failureRate() >= b.threshold {
		b.trip()
	}
}

func (b *breaker) failureRate() float64 {
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.filled)
}

func (b *breaker) trip() {
	b.state = stateOpen
	b.openedAt = b.now()
}

func (b *breaker) reset() {
	b.state = stateClosed
	b.next = 0
	b.filled = 0
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
}
