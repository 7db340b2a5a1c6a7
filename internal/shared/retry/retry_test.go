package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 2, time.Millisecond, func(ctx context.Context) error {
		calls++
		return errors.New("still broken")
	})

	require.Error(t, err)
	require.Equal(t, 2, calls)
	require.Contains(t, err.Error(), "after 2 attempts")
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	notFound := errors.New("not found")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func(ctx context.Context) error {
		calls++
		return Permanent(notFound)
	})

	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, notFound)
	// The permanent marker is stripped before returning.
	require.False(t, IsPermanent(err))
}

func TestDo_PermanentWrappedDeeper(t *testing.T) {
	notFound := errors.New("not found")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func(ctx context.Context) error {
		calls++
		return Permanent(notFound)
	})

	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, notFound)
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, 3, time.Second, func(ctx context.Context) error {
		return errors.New("transient")
	})

	require.ErrorIs(t, err, context.Canceled)
}

func TestPermanent_NilStaysNil(t *testing.T) {
	require.NoError(t, Permanent(nil))
}
