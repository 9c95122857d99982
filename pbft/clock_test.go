package pbft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundClockElapsedBeforeReset(t *testing.T) {
	c := NewRoundClock()
	require.Equal(t, time.Duration(0), c.Elapsed())
}

func TestRoundClockElapsedGrows(t *testing.T) {
	c := NewRoundClock()
	c.ResetForNewRound()
	time.Sleep(5 * time.Millisecond)
	require.Greater(t, c.Elapsed(), time.Duration(0))
}

func TestRoundClockTimeOutReturnsBelowPracticalMinimum(t *testing.T) {
	c := NewRoundClock()
	c.ResetForNewRound()

	start := time.Now()
	c.TimeOut(1 * time.Millisecond)
	require.Less(t, time.Since(start), minPracticalSleep)
}

func TestRoundClockTimeOutWaitsForDuration(t *testing.T) {
	c := NewRoundClock()
	c.ResetForNewRound()

	start := time.Now()
	c.TimeOut(40 * time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRoundClockWakeUpCutsTimeOutShort(t *testing.T) {
	c := NewRoundClock()
	c.ResetForNewRound()

	done := make(chan struct{})
	go func() {
		c.TimeOut(1 * time.Second)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	c.WakeUp()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("WakeUp did not cut TimeOut short")
	}
}

func TestRoundClockStopIsIdempotent(t *testing.T) {
	c := NewRoundClock()
	c.Stop()
	c.Stop()
}
