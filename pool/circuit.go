package pool

import (
	"sync/atomic"
	"time"
)

// CircuitState mirrors the three states described for PoolMember in the
// data model: Closed (serving traffic), Open (short-circuiting), and
// HalfOpen (trial probing after cooldown).
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breaker implements the per-member circuit breaker:
// Closed->Open on k consecutive failures (or a failure rate
// above p over a sliding window), Open->HalfOpen after a cooldown, and
// HalfOpen->Closed on a single success or back to Open on a single failure.
//
// State is tracked with atomics so the fast path (RecordSuccess from a hot
// request path) never blocks on a mutex, following the same lock-free style
// as catrate.categoryData.
type breaker struct {
	state             int32 // CircuitState
	consecutiveFails  int32
	nextRetryAtNano   int64
	failThreshold     int32
	cooldown          time.Duration
	window            time.Duration
	windowFailRate    float64
	windowAttempts    int32
	windowFailures    int32
	windowResetAtNano int64
}

func newBreaker(failThreshold int32, cooldown, window time.Duration, windowFailRate float64) *breaker {
	if failThreshold <= 0 {
		failThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		failThreshold:  failThreshold,
		cooldown:       cooldown,
		window:         window,
		windowFailRate: windowFailRate,
	}
}

// Allow reports whether a real (non-probe) call may be attempted against
// this member right now, and advances Open->HalfOpen if the cooldown has
// elapsed.
func (b *breaker) Allow(now time.Time) bool {
	switch CircuitState(atomic.LoadInt32(&b.state)) {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		// a single trial call is permitted at a time; simplest safe
		// approximation is to allow any caller through once HalfOpen,
		// since the first Record call will resolve the state.
		return true
	default: // CircuitOpen
		if now.UnixNano() >= atomic.LoadInt64(&b.nextRetryAtNano) {
			atomic.CompareAndSwapInt32(&b.state, int32(CircuitOpen), int32(CircuitHalfOpen))
			return true
		}
		return false
	}
}

func (b *breaker) RecordSuccess(now time.Time) {
	atomic.StoreInt32(&b.consecutiveFails, 0)
	atomic.StoreInt32(&b.state, int32(CircuitClosed))
	b.rollWindow(now, false)
}

func (b *breaker) RecordFailure(now time.Time) {
	fails := atomic.AddInt32(&b.consecutiveFails, 1)
	b.rollWindow(now, true)

	tripped := fails >= b.failThreshold || b.windowTripped()
	if tripped || CircuitState(atomic.LoadInt32(&b.state)) == CircuitHalfOpen {
		atomic.StoreInt32(&b.state, int32(CircuitOpen))
		atomic.StoreInt64(&b.nextRetryAtNano, now.Add(b.cooldown).UnixNano())
	}
}

func (b *breaker) rollWindow(now time.Time, failed bool) {
	if b.window <= 0 {
		return
	}
	resetAt := atomic.LoadInt64(&b.windowResetAtNano)
	if now.UnixNano() >= resetAt {
		atomic.StoreInt32(&b.windowAttempts, 0)
		atomic.StoreInt32(&b.windowFailures, 0)
		atomic.StoreInt64(&b.windowResetAtNano, now.Add(b.window).UnixNano())
	}
	atomic.AddInt32(&b.windowAttempts, 1)
	if failed {
		atomic.AddInt32(&b.windowFailures, 1)
	}
}

func (b *breaker) windowTripped() bool {
	if b.window <= 0 || b.windowFailRate <= 0 {
		return false
	}
	attempts := atomic.LoadInt32(&b.windowAttempts)
	if attempts < 5 {
		// not enough samples to trust a rate
		return false
	}
	failures := atomic.LoadInt32(&b.windowFailures)
	return float64(failures)/float64(attempts) > b.windowFailRate
}

func (b *breaker) State() CircuitState {
	return CircuitState(atomic.LoadInt32(&b.state))
}

func (b *breaker) NextRetryAt() time.Time {
	ns := atomic.LoadInt64(&b.nextRetryAtNano)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
