package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errVendor = errors.New("vendor down")

func failingCfg(timeout time.Duration) *Config {
	return &Config{
		Name:        "test",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(failingCfg(time.Minute))
	ctx := context.Background()

	fail := func(context.Context) error { return errVendor }
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(ctx, fail), errVendor)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := New(failingCfg(10 * time.Millisecond))
	ctx := context.Background()

	fail := func(context.Context) error { return errVendor }
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	ok := func(context.Context) error { return nil }
	require.NoError(t, cb.Execute(ctx, ok))
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := New(failingCfg(10 * time.Millisecond))
	ctx := context.Background()

	fail := func(context.Context) error { return errVendor }
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.ErrorIs(t, cb.Execute(ctx, fail), errVendor)
	assert.Equal(t, StateOpen, cb.State())
}

func TestVendorBreakersHealth(t *testing.T) {
	vb := NewVendorBreakers()
	status, detail := vb.HealthStatus()
	assert.Equal(t, "HEALTHY", status)
	assert.Equal(t, "CLOSED", detail["vision"])
	assert.Equal(t, "CLOSED", detail["stripe"])

	ctx := context.Background()
	fail := func(context.Context) error { return errVendor }
	for i := 0; i < 3; i++ {
		vb.Vision.Execute(ctx, fail)
	}
	status, detail = vb.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", detail["vision"])
}
