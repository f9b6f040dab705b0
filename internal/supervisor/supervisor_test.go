package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(max int) Policy {
	return Policy{
		MaxRestarts: max,
		NewBackOff:  func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
	}
}

func TestRunStopsOnFatal(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Run(context.Background(), "test", func(context.Context) Result {
		calls++
		if calls == 3 {
			return Stop(boom)
		}
		return Done()
	}, fastPolicy(0))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRunRestartsRecoverableAndPanics(t *testing.T) {
	calls := 0
	err := Run(context.Background(), "test", func(context.Context) Result {
		calls++
		switch calls {
		case 1:
			return Retry(errors.New("transient"))
		case 2:
			panic("bad state")
		case 3:
			return Done()
		}
		return Stop(nil)
	}, fastPolicy(2))

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestRunGivesUpAfterMaxRestarts(t *testing.T) {
	err := Run(context.Background(), "test", func(context.Context) Result {
		return Retry(errors.New("still broken"))
	}, fastPolicy(3))

	assert.ErrorIs(t, err, ErrTooManyRestarts)
}

func TestRunReturnsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Run(ctx, "test", func(ctx context.Context) Result {
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
		return Done()
	}, Policy{})
	assert.NoError(t, err)
}
