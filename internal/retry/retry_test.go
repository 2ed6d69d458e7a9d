package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

var fast = Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_BoundedAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrTransient)
	require.Equal(t, 3, calls)
}

func TestDo_InvalidInputIsNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return fmt.Errorf("%w: bad", domain.ErrInvalidInput)
	})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	require.NotErrorIs(t, err, domain.ErrTransient)
	require.Equal(t, 1, calls)
}
