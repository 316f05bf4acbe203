package backoff_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-core/internal/backoff"
)

func TestNextDelayDoublesAndCaps(t *testing.T) {
	h := backoff.New()
	require.Equal(t, time.Second, h.NextDelay())
	require.Equal(t, 2*time.Second, h.NextDelay())
	require.Equal(t, 4*time.Second, h.NextDelay())
	require.Equal(t, 8*time.Second, h.NextDelay())
	require.Equal(t, 16*time.Second, h.NextDelay())
	require.Equal(t, 30*time.Second, h.NextDelay()) // capped
	require.Equal(t, 30*time.Second, h.NextDelay())
}

func TestResetReturnsToBase(t *testing.T) {
	h := backoff.New()
	h.NextDelay()
	h.NextDelay()
	h.Reset()
	require.Equal(t, time.Second, h.NextDelay())
}

func TestSleepInterruptedByShutdown(t *testing.T) {
	h := backoff.New()
	shuttingDown := make(chan struct{})
	close(shuttingDown)

	completed := h.Sleep(context.Background(), 10*time.Second, shuttingDown)
	require.False(t, completed)
}

func TestSleepCompletesFullDuration(t *testing.T) {
	h := backoff.New()
	shuttingDown := make(chan struct{})

	completed := h.Sleep(context.Background(), 10*time.Millisecond, shuttingDown)
	require.True(t, completed)
}
