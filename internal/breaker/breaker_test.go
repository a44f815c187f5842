package breaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/breaker"
)

func TestFlipsOpenAtThreshold(t *testing.T) {
	r := breaker.NewRegistry()
	now := time.Now()

	for i := 0; i < breaker.FailureThreshold-1; i++ {
		r.RecordFailure("p1", now)
		require.False(t, r.IsOpen("p1", now), "should stay closed before threshold")
	}

	r.RecordFailure("p1", now)
	assert.True(t, r.IsOpen("p1", now), "must flip open exactly at failure_threshold")
}

func TestOpenToHalfOpenAfterDuration(t *testing.T) {
	r := breaker.NewRegistry()
	now := time.Now()
	for i := 0; i < breaker.FailureThreshold; i++ {
		r.RecordFailure("p1", now)
	}
	require.True(t, r.IsOpen("p1", now))

	justBefore := now.Add(breaker.OpenDuration - time.Second)
	assert.True(t, r.IsOpen("p1", justBefore), "must remain open until duration elapses")

	after := now.Add(breaker.OpenDuration)
	assert.False(t, r.IsOpen("p1", after), "first query at/after open_duration must flip to half-open and allow the probe")
	assert.Equal(t, breaker.HalfOpen, r.State("p1"))
}

func TestHalfOpenClosesAfterQuorum(t *testing.T) {
	r := breaker.NewRegistry()
	now := time.Now()
	for i := 0; i < breaker.FailureThreshold; i++ {
		r.RecordFailure("p1", now)
	}
	after := now.Add(breaker.OpenDuration)
	require.False(t, r.IsOpen("p1", after))

	for i := 0; i < breaker.HalfOpenSuccessThreshold-1; i++ {
		r.RecordSuccess("p1", after)
		assert.Equal(t, breaker.HalfOpen, r.State("p1"))
	}
	r.RecordSuccess("p1", after)
	assert.Equal(t, breaker.Closed, r.State("p1"))
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	r := breaker.NewRegistry()
	now := time.Now()
	for i := 0; i < breaker.FailureThreshold; i++ {
		r.RecordFailure("p1", now)
	}
	after := now.Add(breaker.OpenDuration)
	require.False(t, r.IsOpen("p1", after))

	r.RecordFailure("p1", after)
	assert.True(t, r.IsOpen("p1", after), "single half-open failure must reopen")

	stillOpenAt := after.Add(breaker.OpenDuration - time.Second)
	assert.True(t, r.IsOpen("p1", stillOpenAt), "reopen must last a full open_duration")
}

func TestResetThenIsOpenFalse(t *testing.T) {
	r := breaker.NewRegistry()
	now := time.Now()
	for i := 0; i < breaker.FailureThreshold; i++ {
		r.RecordFailure("p1", now)
	}
	require.True(t, r.IsOpen("p1", now))

	r.Reset("p1")
	assert.False(t, r.IsOpen("p1", now))
	assert.Equal(t, breaker.Closed, r.State("p1"))
}

func TestSuccessResetsFailureCountInClosedState(t *testing.T) {
	r := breaker.NewRegistry()
	now := time.Now()
	r.RecordFailure("p1", now)
	r.RecordFailure("p1", now)
	r.RecordSuccess("p1", now)

	for i := 0; i < breaker.FailureThreshold-1; i++ {
		r.RecordFailure("p1", now)
	}
	assert.False(t, r.IsOpen("p1", now), "success in closed state must reset failure_count to 0")
}
