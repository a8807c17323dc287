package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/syncengine/syncstrategy/breaker"
)

func TestCircuitOpensAfterMaxFailures(t *testing.T) {
	cb := breaker.New(breaker.Config{MaxFailures: 2, Timeout: 50 * time.Millisecond, HalfOpenMax: 1})
	failing := func() error { return errors.New("remote down") }

	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), failing)
	assert.Equal(t, breaker.StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
}

func TestCircuitHalfOpensAfterTimeout(t *testing.T) {
	cb := breaker.New(breaker.Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})
	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })
	require.Equal(t, breaker.StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	err := cb.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, cb.State())
}
