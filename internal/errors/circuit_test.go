package errors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time         { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCircuitBreaker_OpensAfterTransientFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := NewCircuitBreaker("ollama", WithMaxFailures(2), WithResetTimeout(time.Minute), WithClock(clock.Now))
	down := Transient("down", errors.New("refused"))

	assert.Error(t, cb.Execute(func() error { return down }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Error(t, cb.Execute(func() error { return down }))
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsTransient(err))
}

func TestCircuitBreaker_HalfOpenProbeCloses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := NewCircuitBreaker("ollama", WithMaxFailures(1), WithResetTimeout(time.Second), WithClock(clock.Now))

	_ = cb.Execute(func() error { return Transient("down", nil) })
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("ocr", WithMaxFailures(1))

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return Permanent("bad", nil) })
		assert.True(t, IsPermanent(err))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitExecute_ReturnsResult(t *testing.T) {
	cb := NewCircuitBreaker("embed")
	v, err := CircuitExecute(cb, func() ([]float32, error) { return []float32{1, 2}, nil })
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, v)
}
