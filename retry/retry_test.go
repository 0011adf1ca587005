/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoWithRetry(t *testing.T) {
	t.Run("succeeds after retries", func(t *testing.T) {
		attempts := 0
		err := DoWithRetry(context.Background(), NewConstantBackoffPolicy(time.Millisecond, 5), nil, nil,
			func(ctx context.Context) error {
				attempts++
				if attempts < 3 {
					return fmt.Errorf("temporary error")
				}
				return nil
			})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("attempts are exhausted", func(t *testing.T) {
		attempts := 0
		err := DoWithRetry(context.Background(), NewConstantBackoffPolicy(time.Millisecond, 2), nil, nil,
			func(ctx context.Context) error {
				attempts++
				return fmt.Errorf("persistent error")
			})
		require.EqualError(t, err, "persistent error")
		require.Equal(t, 3, attempts)
	})

	t.Run("zero max attempts means a single try", func(t *testing.T) {
		attempts := 0
		err := DoWithRetry(context.Background(), NewExponentialBackoffPolicy(time.Millisecond, 0), nil, nil,
			func(ctx context.Context) error {
				attempts++
				return fmt.Errorf("some error")
			})
		require.Error(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("not retryable error stops retries", func(t *testing.T) {
		attempts := 0
		isRetryable := func(err error) bool { return false }
		err := DoWithRetry(context.Background(), NewConstantBackoffPolicy(time.Millisecond, 5), isRetryable, nil,
			func(ctx context.Context) error {
				attempts++
				return fmt.Errorf("fatal error")
			})
		require.EqualError(t, err, "fatal error")
		require.Equal(t, 1, attempts)
	})

	t.Run("canceled context stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		err := DoWithRetry(ctx, NewConstantBackoffPolicy(time.Millisecond*10, 100), nil, nil,
			func(ctx context.Context) error {
				attempts++
				cancel()
				return fmt.Errorf("temporary error")
			})
		require.Error(t, err)
		require.LessOrEqual(t, attempts, 2)
	})

	t.Run("notify is called on every retry", func(t *testing.T) {
		notifications := 0
		notify := func(err error, delay time.Duration) { notifications++ }
		err := DoWithRetry(context.Background(), NewConstantBackoffPolicy(time.Millisecond, 2), nil, notify,
			func(ctx context.Context) error {
				return fmt.Errorf("persistent error")
			})
		require.Error(t, err)
		require.Equal(t, 2, notifications)
	})
}
