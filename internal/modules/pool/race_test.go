// README: Concurrency tests for pool membership (run with -race).
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/docstore"
	"campusride/internal/testutil"
	"campusride/internal/types"
)

func TestConcurrentJoinLastSeat(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 0)
	p := createPool(t, svc, 2)

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, user := range []types.ID{"alice", "bob"} {
		wg.Add(1)
		go func(user types.ID) {
			defer wg.Done()
			<-start
			_, err := svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: user})
			errs <- err
		}(user)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrFull) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 successful join, got %d", success)
	}

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Passengers, 2)
	assert.Equal(t, StatusFull, got.Status)
}

func TestConcurrentJoinNeverOverfills(t *testing.T) {
	for name, docs := range raceBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const capacity, joiners = 6, 24
			svc := NewService(NewStore(docs), capacity+2, nil)
			p := createPool(t, svc, capacity)

			start := make(chan struct{})
			var wg sync.WaitGroup
			errs := make(chan error, joiners)
			for i := 0; i < joiners; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, err := svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: types.ID(fmt.Sprintf("u%02d", i))})
					errs <- err
				}(i)
			}
			close(start)
			wg.Wait()
			close(errs)

			success := 0
			for err := range errs {
				if err == nil {
					success++
					continue
				}
				if !errors.Is(err, ErrFull) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, capacity-1, success)

			got, err := svc.Get(ctx, p.ID)
			require.NoError(t, err)
			assertInvariant(t, got)
			assert.Equal(t, StatusFull, got.Status)
		})
	}
}

func TestConcurrentJoinAndLeave(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 50)
	p := createPool(t, svc, 3)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := types.ID(fmt.Sprintf("u%d", i))
			for j := 0; j < 10; j++ {
				if _, err := svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: user}); err != nil {
					continue
				}
				for {
					err := svc.Leave(ctx, LeaveCommand{PoolID: p.ID, UserID: user})
					if !errors.Is(err, ErrBusy) {
						assert.NoError(t, err)
						break
					}
				}
			}
		}(i)
	}
	wg.Wait()

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assertInvariant(t, got)
	assert.Equal(t, []types.ID{"creator"}, got.Passengers)
}

func raceBackends(t *testing.T) map[string]docstore.Store {
	t.Helper()
	out := map[string]docstore.Store{"memory": docstore.NewMemory(nil)}
	if db := testutil.OptionalPostgres(t, "documents"); db != nil {
		out["postgres"] = docstore.NewPostgres(db, nil)
	}
	return out
}
