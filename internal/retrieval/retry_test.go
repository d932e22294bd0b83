package retrieval

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRetryWithBackoff_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		IsRetryable: isTransportError,
	}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		IsRetryable: isTransportError,
	}, func(ctx context.Context) error {
		calls++
		return fmt.Errorf("connection reset by peer")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_NonRetryableShortCircuits(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		IsRetryable: isTransportError,
	}, func(ctx context.Context) error {
		calls++
		return fmt.Errorf("collection demo not found")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_DelayDoubles(t *testing.T) {
	var gaps []time.Duration
	last := time.Now()
	calls := 0
	_ = retryWithBackoff(context.Background(), RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   40 * time.Millisecond,
	}, func(ctx context.Context) error {
		now := time.Now()
		if calls > 0 {
			gaps = append(gaps, now.Sub(last))
		}
		last = now
		calls++
		return fmt.Errorf("transient")
	})
	require.Len(t, gaps, 2)
	assert.GreaterOrEqual(t, gaps[0], 40*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[1], 80*time.Millisecond)
}

func TestIsTransportError(t *testing.T) {
	assert.False(t, isTransportError(nil))
	assert.True(t, isTransportError(fmt.Errorf("dial tcp: connection refused")))
	assert.True(t, isTransportError(fmt.Errorf("read: connection reset by peer")))
	assert.True(t, isTransportError(fmt.Errorf("request timed out")))
	assert.True(t, isTransportError(status.Error(codes.Unavailable, "server down")))
	assert.True(t, isTransportError(status.Error(codes.DeadlineExceeded, "too slow")))
	assert.True(t, isTransportError(&net.OpError{Op: "dial", Err: fmt.Errorf("refused")}))

	assert.False(t, isTransportError(fmt.Errorf("collection demo not found")))
	assert.False(t, isTransportError(status.Error(codes.NotFound, "no such collection")))
	assert.False(t, isTransportError(status.Error(codes.AlreadyExists, "collection exists")))
	assert.False(t, isTransportError(fmt.Errorf("invalid dimension")))
}

func TestIsAlreadyExists(t *testing.T) {
	assert.True(t, isAlreadyExists(fmt.Errorf("collection demo already exists")))
	assert.True(t, isAlreadyExists(fmt.Errorf(`pq: duplicate key value violates unique constraint "idx_vector_doc"`)))
	assert.True(t, isAlreadyExists(status.Error(codes.AlreadyExists, "exists")))
	assert.False(t, isAlreadyExists(fmt.Errorf("collection demo not found")))
	assert.False(t, isAlreadyExists(nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(fmt.Errorf("collection demo not found")))
	assert.True(t, isNotFound(fmt.Errorf("collection does not exist")))
	assert.True(t, isNotFound(fmt.Errorf("collection doesn't exist")))
	assert.True(t, isNotFound(status.Error(codes.NotFound, "missing")))
	assert.False(t, isNotFound(fmt.Errorf("connection refused")))
	assert.False(t, isNotFound(nil))
}
