package stream

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/testutil"
)

type sample struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func backends(t *testing.T) map[string]Stream {
	t.Helper()
	out := map[string]Stream{"memory": NewMemory()}
	if os.Getenv("CAMPUSRIDE_TEST_REDIS") != "" {
		out["redis"] = NewRedis(testutil.Redis(t), "test:", 0, nil)
	}
	return out
}

func TestStream_WriteReadRemove(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			path := CurrentLocationPath("r1")

			var got sample
			ok, err := s.Read(ctx, path, &got)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Write(ctx, path, sample{Lat: 31.396, Lng: 75.535}))
			ok, err = s.Read(ctx, path, &got)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, sample{Lat: 31.396, Lng: 75.535}, got)

			require.NoError(t, s.Write(ctx, SessionPath("r1"), map[string]string{"status": "en_route"}))
			require.NoError(t, s.Remove(ctx, LiveRidePath("r1")))

			ok, err = s.Read(ctx, path, &got)
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = s.Read(ctx, SessionPath("r1"), &got)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStream_SubscribeSeesWritesAndParentRemoval(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			path := CurrentLocationPath("r2")

			var mu sync.Mutex
			var last sample
			exists := false
			calls := 0
			h, err := s.Subscribe(ctx, path, func(raw json.RawMessage, ok bool) {
				mu.Lock()
				defer mu.Unlock()
				calls++
				exists = ok
				if ok {
					_ = json.Unmarshal(raw, &last)
				}
			})
			require.NoError(t, err)
			defer h.Cancel()

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return calls >= 1
			}, 2*time.Second, 5*time.Millisecond)

			require.NoError(t, s.Write(ctx, path, sample{Lat: 31.397, Lng: 75.536}))
			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return exists && last.Lat == 31.397
			}, 2*time.Second, 5*time.Millisecond)

			require.NoError(t, s.Remove(ctx, LiveRidePath("r2")))
			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return !exists
			}, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestStream_CancelledSubscriptionIsSilent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	var mu sync.Mutex
	calls := 0
	h, err := s.Subscribe(ctx, "drivers/d1/status", func(json.RawMessage, bool) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	h.Cancel()
	<-h.Done()
	require.NoError(t, s.Write(ctx, "drivers/d1/status", map[string]bool{"online": true}))
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestWithin(t *testing.T) {
	assert.True(t, within("liveRides/r1/session", "liveRides/r1"))
	assert.True(t, within("liveRides/r1", "liveRides/r1"))
	assert.False(t, within("liveRides/r10/session", "liveRides/r1"))
	assert.False(t, within("liveRides", "liveRides/r1"))
}
