package cluster

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned when a peer's circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the circuit breaker state for one peer.
type BreakerState int

const (
	// BreakerClosed allows requests.
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks requests until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen probes whether the peer recovered.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	breakerFailureThreshold = 5
	breakerSuccessThreshold = 2
	breakerCooldown         = 15 * time.Second
)

// breaker guards sends to one peer. Consecutive failures open it;
// after the cooldown a single probe is let through, and enough probe
// successes close it again.
type breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	lastFailure      time.Time
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	logger           *logrus.Entry
}

func newBreaker(logger *logrus.Entry) *breaker {
	return &breaker{
		state:            BreakerClosed,
		failureThreshold: breakerFailureThreshold,
		successThreshold: breakerSuccessThreshold,
		cooldown:         breakerCooldown,
		logger:           logger,
	}
}

// Call runs fn under breaker protection. An open breaker rejects the
// call without running fn.
func (b *breaker) Call(fn func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.cooldown {
			b.logger.Info("Circuit breaker half-open, probing peer")
			b.state = BreakerHalfOpen
			b.successes = 0
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	default:
		return false
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.failureThreshold {
			b.logger.WithField("failures", b.failures).Warn("Circuit breaker opened")
			b.state = BreakerOpen
			b.failures = 0
		}
	case BreakerHalfOpen:
		// Any failure during the probe reopens immediately.
		b.logger.Warn("Circuit breaker reopened after failed probe")
		b.state = BreakerOpen
		b.failures = 0
		b.successes = 0
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.logger.Info("Circuit breaker closed, peer recovered")
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) GetStats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"state":     b.state.String(),
		"failures":  b.failures,
		"successes": b.successes,
	}
}
