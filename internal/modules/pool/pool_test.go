package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/apperr"
	"campusride/internal/docstore"
	"campusride/internal/types"
)

type recorder struct {
	mu        sync.Mutex
	joined    []types.ID
	full      []types.ID
	cancelled []types.ID
}

func (r *recorder) MemberJoined(_ context.Context, _ Pool, userID types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = append(r.joined, userID)
}

func (r *recorder) PoolFull(_ context.Context, p Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.full = append(r.full, p.ID)
}

func (r *recorder) PoolCancelled(_ context.Context, p Pool, _ types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, p.ID)
}

func newTestService(t *testing.T, attempts int) (*Service, *recorder) {
	t.Helper()
	svc := NewService(NewStore(docstore.NewMemory(nil)), attempts, nil)
	rec := &recorder{}
	svc.SetObserver(rec)
	return svc, rec
}

func createPool(t *testing.T, svc *Service, capacity int) *Pool {
	t.Helper()
	p, err := svc.Create(context.Background(), CreateCommand{
		CreatorID:     "creator",
		Name:          "Morning library run",
		Route:         Route{From: "Main Gate", To: "Library"},
		DepartureTime: time.Now().Add(time.Hour),
		Capacity:      capacity,
	})
	require.NoError(t, err)
	return p
}

func assertInvariant(t *testing.T, p *Pool) {
	t.Helper()
	assert.LessOrEqual(t, len(p.Passengers), p.Capacity)
	assert.Equal(t, len(p.Passengers) == p.Capacity, p.Status == StatusFull, "status %s with %d/%d", p.Status, len(p.Passengers), p.Capacity)
	assert.Len(t, p.Stops, len(p.Passengers))
}

func TestCreate_CreatorIsFirstMember(t *testing.T) {
	svc, rec := newTestService(t, 0)
	p := createPool(t, svc, 3)

	assert.Equal(t, []types.ID{"creator"}, p.Passengers)
	assert.Equal(t, StatusOpen, p.Status)
	assert.Empty(t, rec.full)

	solo := createPool(t, svc, 1)
	assert.Equal(t, StatusFull, solo.Status)
	assert.Equal(t, []types.ID{solo.ID}, rec.full)
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateCommand{CreatorID: "u", Name: "x", Route: Route{From: "A", To: "B"}, DepartureTime: time.Now(), Capacity: 0})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = svc.Create(ctx, CreateCommand{CreatorID: "u", Name: "x", Route: Route{From: "A", To: "A"}, DepartureTime: time.Now(), Capacity: 2})
	assert.ErrorIs(t, err, ErrInvalidRoute)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestJoin_Errors(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()
	p := createPool(t, svc, 3)

	_, err := svc.Join(ctx, JoinCommand{PoolID: "missing", UserID: "u1"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "u1", Pickup: "Hostel", Dropoff: "Hostel"})
	assert.ErrorIs(t, err, ErrInvalidRoute)

	n, err := svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "u1", Pickup: "Hostel", Dropoff: "Library"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "u1"})
	assert.ErrorIs(t, err, ErrAlreadyMember)
}

func TestJoin_EmptyStopTakesPoolRoute(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()
	p := createPool(t, svc, 4)

	_, err := svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "u1", Dropoff: "Main Gate"})
	assert.ErrorIs(t, err, ErrInvalidRoute)
	_, err = svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "u1", Pickup: "Library"})
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "u1"})
	require.NoError(t, err)
	_, err = svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "u2", Pickup: "Hostel"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got.Stops, 3)
	assert.Equal(t, Stop{UserID: "u1", Pickup: "Main Gate", Dropoff: "Library", JoinedAt: got.Stops[1].JoinedAt}, got.Stops[1])
	assert.Equal(t, "Hostel", got.Stops[2].Pickup)
	assert.Equal(t, "Library", got.Stops[2].Dropoff)
}

// Pool capacity 6 with 5 members: X fills it, Y is turned away.
func TestScenario_LastSeatThenFull(t *testing.T) {
	svc, rec := newTestService(t, 0)
	ctx := context.Background()
	p := createPool(t, svc, 6)
	for i := 1; i <= 4; i++ {
		_, err := svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: types.ID(fmt.Sprintf("m%d", i))})
		require.NoError(t, err)
	}

	n, err := svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "X", Pickup: "Hostel", Dropoff: "Library"})
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFull, got.Status)
	assertInvariant(t, got)

	_, err = svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "Y"})
	assert.ErrorIs(t, err, ErrFull)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err = svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Passengers, 6)
	assert.Equal(t, []types.ID{p.ID}, rec.full)
}

func TestLeave_ReopensFullPool(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()
	p := createPool(t, svc, 2)
	_, err := svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, svc.Leave(ctx, LeaveCommand{PoolID: p.ID, UserID: "u1"}))
	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, []types.ID{"creator"}, got.Passengers)
	assertInvariant(t, got)

	assert.ErrorIs(t, svc.Leave(ctx, LeaveCommand{PoolID: p.ID, UserID: "u1"}), ErrNotMember)
}

func TestLeave_CreatorCancelsPool(t *testing.T) {
	svc, rec := newTestService(t, 0)
	ctx := context.Background()
	p := createPool(t, svc, 4)
	_, err := svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, svc.Leave(ctx, LeaveCommand{PoolID: p.ID, UserID: "creator"}))
	_, err = svc.Get(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []types.ID{p.ID}, rec.cancelled)
}

func TestCancel_OnlyCreator(t *testing.T) {
	svc, rec := newTestService(t, 0)
	ctx := context.Background()
	p := createPool(t, svc, 4)

	err := svc.Cancel(ctx, CancelCommand{PoolID: p.ID, RequesterID: "someone"})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	require.NoError(t, svc.Cancel(ctx, CancelCommand{PoolID: p.ID, RequesterID: "creator"}))
	_, err = svc.Get(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, rec.cancelled, 1)
}

func TestDepart_BlocksMembershipChanges(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()
	p := createPool(t, svc, 3)
	_, err := svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, svc.Depart(ctx, p.ID, "ride-1"))
	require.NoError(t, svc.Depart(ctx, p.ID, "ride-1"))

	_, err = svc.Join(ctx, JoinCommand{PoolID: p.ID, UserID: "u2"})
	assert.ErrorIs(t, err, ErrDeparted)
	assert.ErrorIs(t, svc.Leave(ctx, LeaveCommand{PoolID: p.ID, UserID: "u1"}), ErrDeparted)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ID("ride-1"), got.RideID)
}

func TestListOpen_OrderedByDeparture(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()
	base := time.Now().Add(time.Hour)
	mk := func(name string, at time.Time, capacity int) *Pool {
		p, err := svc.Create(ctx, CreateCommand{CreatorID: "c", Name: name, Route: Route{From: "A", To: "B"}, DepartureTime: at, Capacity: capacity})
		require.NoError(t, err)
		return p
	}
	late := mk("late", base.Add(2*time.Hour), 3)
	early := mk("early", base, 3)
	mk("solo", base.Add(time.Minute), 1)

	pools, err := svc.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, early.ID, pools[0].ID)
	assert.Equal(t, late.ID, pools[1].ID)
}
