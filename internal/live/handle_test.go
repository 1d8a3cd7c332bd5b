package live

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/apperr"
)

func TestHandle_DispatchStopsAfterCancel(t *testing.T) {
	h := NewHandle(context.Background())
	calls := 0

	assert.True(t, h.Dispatch(func() { calls++ }))
	h.Cancel()
	assert.False(t, h.Dispatch(func() { calls++ }))
	assert.Equal(t, 1, calls)
	assert.Error(t, h.Context().Err())
}

func TestHandle_CancelFromCallback(t *testing.T) {
	h := NewHandle(context.Background())
	ran := h.Dispatch(func() { h.Cancel() })
	assert.True(t, ran)
	assert.False(t, h.Alive())
	h.Cancel()
}

func TestHandle_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	h := NewHandle(parent)
	cancel()
	assert.False(t, h.Dispatch(func() { t.Fatal("callback after parent cancel") }))
}

func TestRun_RetriesUnavailable(t *testing.T) {
	h := NewHandle(context.Background())
	var attempts atomic.Int32

	Run(h, "test", nil, RetryConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond}, func(ctx context.Context, attempt int) error {
		n := attempts.Add(1)
		if n < 3 {
			return apperr.Unavailable("store", errors.New("connection reset"))
		}
		<-ctx.Done()
		return nil
	})

	require.Eventually(t, func() bool { return attempts.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), h.Generation())
	h.Cancel()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("producer did not exit")
	}
}

func TestRun_StopsOnPermanentError(t *testing.T) {
	h := NewHandle(context.Background())
	var attempts atomic.Int32

	Run(h, "test", nil, DefaultRetry, func(ctx context.Context, attempt int) error {
		attempts.Add(1)
		return apperr.Forbidden("denied", "not allowed")
	})

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("producer did not exit")
	}
	assert.Equal(t, int32(1), attempts.Load())
}
