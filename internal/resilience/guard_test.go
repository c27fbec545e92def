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

var errRedisDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func fail(context.Context) error { return errRedisDown }

func TestGuard_ClosedPassesThrough(t *testing.T) {
	g := NewGuard("redis", DefaultGuardConfig())

	calls := 0
	err := g.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, GuardClosed, g.State())
}

func TestGuard_OpensAfterThresholdAndRejects(t *testing.T) {
	g := NewGuard("redis", GuardConfig{FailureThreshold: 3, CoolOff: time.Minute})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, g.Execute(context.Background(), fail), errRedisDown)
	}
	assert.Equal(t, GuardOpen, g.State())

	err := g.Execute(context.Background(), func(context.Context) error {
		t.Fatal("must not be called while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrGuardOpen)
}

func TestGuard_SuccessResetsFailureCount(t *testing.T) {
	g := NewGuard("redis", GuardConfig{FailureThreshold: 3, CoolOff: time.Minute})
	ctx := context.Background()

	_ = g.Execute(ctx, fail)
	_ = g.Execute(ctx, fail)
	require.NoError(t, g.Execute(ctx, func(context.Context) error { return nil }))
	_ = g.Execute(ctx, fail)
	_ = g.Execute(ctx, fail)

	assert.Equal(t, GuardClosed, g.State())
}

func TestGuard_HalfOpenTrialCall(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var transitions []string
	g := NewGuard("redis", GuardConfig{
		FailureThreshold: 1,
		CoolOff:          10 * time.Second,
		OnStateChange: func(name string, from, to GuardState) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	g.now = func() time.Time { return now }
	ctx := context.Background()

	_ = g.Execute(ctx, fail)
	assert.Equal(t, GuardOpen, g.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, GuardHalfOpen, g.State())

	// A failed trial call reopens.
	_ = g.Execute(ctx, fail)
	assert.Equal(t, GuardOpen, g.State())

	now = now.Add(11 * time.Second)
	require.NoError(t, g.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, GuardClosed, g.State())

	assert.Equal(t, []string{
		"redis:closed->open",
		"redis:open->half-open",
		"redis:half-open->open",
		"redis:open->half-open",
		"redis:half-open->closed",
	}, transitions)
}

func TestGuard_CountsAsFailureFilter(t *testing.T) {
	miss := errors.New("redis: nil")
	g := NewGuard("redis", GuardConfig{
		FailureThreshold: 1,
		CountsAsFailure:  func(err error) bool { return !errors.Is(err, miss) },
	})

	_, err := Call(context.Background(), g, func(context.Context) (string, error) { return "", miss })
	assert.ErrorIs(t, err, miss)
	assert.Equal(t, GuardClosed, g.State())
}

func TestGuard_ResetCloses(t *testing.T) {
	g := NewGuard("webhook", GuardConfig{FailureThreshold: 1, CoolOff: time.Hour})
	_ = g.Execute(context.Background(), fail)
	require.Equal(t, GuardOpen, g.State())

	g.Reset()
	assert.Equal(t, GuardClosed, g.State())
}

func TestCall_ReturnsValue(t *testing.T) {
	g := NewGuard("redis", DefaultGuardConfig())
	v, err := Call(context.Background(), g, func(context.Context) (string, error) { return "ORANGE", nil })
	require.NoError(t, err)
	assert.Equal(t, "ORANGE", v)
}

func TestGuards_RegistryConcurrent(t *testing.T) {
	r := NewGuards(DefaultGuardConfig())

	var wg sync.WaitGroup
	got := make([]*Guard, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Get("redis")
		}(i)
	}
	wg.Wait()
	for _, g := range got {
		assert.Same(t, got[0], g)
	}

	r.Get("alert_webhook")
	assert.Equal(t, map[string]string{"redis": "closed", "alert_webhook": "closed"}, r.States())
}

func TestGuardState_String(t *testing.T) {
	assert.Equal(t, "closed", GuardClosed.String())
	assert.Equal(t, "open", GuardOpen.String())
	assert.Equal(t, "half-open", GuardHalfOpen.String())
	assert.Equal(t, "unknown", GuardState(9).String())
}
