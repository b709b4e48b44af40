package cluster

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	b := newBreaker(silentLogger())
	boom := errors.New("boom")

	for i := 0; i < breakerFailureThreshold; i++ {
		err := b.Call(func() error { return boom })
		require.ErrorIs(t, err, boom)
	}
	require.Equal(t, BreakerOpen, b.State())

	// Open breaker rejects without invoking fn.
	invoked := false
	err := b.Call(func() error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestBreakerClosesAfterProbeSuccesses(t *testing.T) {
	b := newBreaker(silentLogger())
	b.cooldown = 0
	boom := errors.New("boom")

	for i := 0; i < breakerFailureThreshold; i++ {
		b.Call(func() error { return boom })
	}
	require.Equal(t, BreakerOpen, b.State())

	// Cooldown elapsed: probes are let through.
	require.NoError(t, b.Call(func() error { return nil }))
	require.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.Call(func() error { return nil }))
	require.Equal(t, BreakerClosed, b.State())
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := newBreaker(silentLogger())
	b.cooldown = 0
	boom := errors.New("boom")

	for i := 0; i < breakerFailureThreshold; i++ {
		b.Call(func() error { return boom })
	}
	require.NoError(t, b.Call(func() error { return nil }))
	require.Equal(t, BreakerHalfOpen, b.State())

	b.Call(func() error { return boom })
	require.Equal(t, BreakerOpen, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(silentLogger())
	boom := errors.New("boom")

	for i := 0; i < breakerFailureThreshold-1; i++ {
		b.Call(func() error { return boom })
	}
	require.NoError(t, b.Call(func() error { return nil }))

	// The streak restarted, so threshold-1 more failures stay closed.
	for i := 0; i < breakerFailureThreshold-1; i++ {
		b.Call(func() error { return boom })
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
}
