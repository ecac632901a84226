package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBadGateway = NewTransientError(errors.New("bad gateway"), 502)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("telegram:-100123", CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	cb.now = clock.now
	return cb, clock
}

func fail(cb *CircuitBreaker, err error) error {
	return cb.Execute(context.Background(), func(context.Context) error { return err })
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{})
	assert.Equal(t, 5, cb.cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cb.cfg.ResetTimeout)
	require.NotNil(t, cb.cfg.ShouldTrip)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)

	for i := range 2 {
		require.ErrorIs(t, fail(cb, errBadGateway), errBadGateway)
		assert.Equal(t, CircuitClosed, cb.State(), "after failure %d", i+1)
	}
	require.Error(t, fail(cb, errBadGateway))
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, 3, cb.Failures())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "telegram:-100123")
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsRun(t *testing.T) {
	cb, _ := testBreaker(2, time.Minute)

	require.Error(t, fail(cb, errBadGateway))
	require.NoError(t, fail(cb, nil))
	assert.Zero(t, cb.Failures())
	require.Error(t, fail(cb, errBadGateway))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ValidationErrorsDoNotTrip(t *testing.T) {
	cb, _ := testBreaker(1, time.Minute)

	err := fail(cb, WithKind(KindValidation, errors.New("unparseable reply")))
	require.Error(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Zero(t, cb.Failures())
}

func TestCircuitBreaker_CustomShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker("webhook:x", CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})

	require.Error(t, fail(cb, NewPermanentError(errors.New("forbidden"), 403)))
	assert.Equal(t, CircuitClosed, cb.State())

	require.Error(t, fail(cb, errBadGateway))
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenTrialCall(t *testing.T) {
	tests := []struct {
		name  string
		trial error
		want  CircuitState
	}{
		{name: "trial call succeeds", trial: nil, want: CircuitClosed},
		{name: "trial call fails", trial: errBadGateway, want: CircuitOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := testBreaker(1, 10*time.Second)
			require.Error(t, fail(cb, errBadGateway))

			clock.advance(9 * time.Second)
			require.ErrorIs(t, fail(cb, nil), ErrCircuitOpen)

			clock.advance(time.Second)
			assert.Equal(t, CircuitHalfOpen, cb.State())

			_ = fail(cb, tt.trial)
			assert.Equal(t, tt.want, cb.State())
		})
	}
}

func TestCircuitBreaker_SingleTrialCallInFlight(t *testing.T) {
	cb, clock := testBreaker(1, time.Second)
	require.Error(t, fail(cb, errBadGateway))
	clock.advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := fail(cb, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "trial call in flight")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, CircuitClosed, cb.State())
	require.NoError(t, fail(cb, nil))
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := testBreaker(1, time.Hour)
	require.Error(t, fail(cb, errBadGateway))
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Zero(t, cb.Failures())
	require.NoError(t, fail(cb, nil))
}

func TestExecuteVal(t *testing.T) {
	cb, _ := testBreaker(1, time.Hour)

	id, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "-100123:42", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "-100123:42", id)

	_, err = ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "", errBadGateway
	})
	require.Error(t, err)

	id, err = ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "never", nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Empty(t, id)
}

func TestBreakers_PerDestination(t *testing.T) {
	b := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	broken := b.Get("webhook:https://crm.example.com/hook")
	assert.Same(t, broken, b.Get("webhook:https://crm.example.com/hook"))
	require.Error(t, fail(broken, errBadGateway))

	healthy := b.Get("telegram:@leads")
	require.NoError(t, fail(healthy, nil))

	assert.Equal(t, map[string]CircuitState{
		"webhook:https://crm.example.com/hook": CircuitOpen,
		"telegram:@leads":                      CircuitClosed,
	}, b.States())
	assert.Equal(t, 1, b.OpenCount())
}

func TestBreakers_Empty(t *testing.T) {
	b := NewBreakers(DefaultCircuitBreakerConfig())
	assert.Empty(t, b.States())
	assert.Zero(t, b.OpenCount())
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(0, 0)
	assert.Equal(t, DefaultCircuitBreakerConfig(), cfg)

	cfg = FromCircuitConfig(2, 90)
	assert.Equal(t, 2, cfg.FailureThreshold)
	assert.Equal(t, 90*time.Second, cfg.ResetTimeout)
}
