package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/apperr"
	"campusride/internal/docstore"
	"campusride/internal/identity"
	"campusride/internal/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(NewStore(docstore.NewMemory(nil)), 4, nil)
	c := &clock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc.now = c.now
	return svc
}

type fakePusher struct {
	mu     sync.Mutex
	tokens []string
}

func (p *fakePusher) Push(_ context.Context, token, _, _ string, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, token)
	return nil
}

func TestRender_Catalogue(t *testing.T) {
	c, err := Render(TypeRideStarted, nil)
	require.NoError(t, err)
	assert.Equal(t, "Ride Started", c.Title)
	assert.Equal(t, CategoryRide, c.Category)

	c, err = Render(TypeDriverArriving, map[string]string{"eta": "4"})
	require.NoError(t, err)
	assert.Equal(t, "Your driver will arrive in 4 minutes.", c.Message)
	assert.Equal(t, CategoryAlert, c.Category)

	c, err = Render(TypeRideAccepted, map[string]string{"driverName": "Ravi"})
	require.NoError(t, err)
	assert.Equal(t, "Ravi has accepted your ride request.", c.Message)

	c, err = Render(TypePoolJoined, map[string]string{"poolName": "Library run"})
	require.NoError(t, err)
	assert.Equal(t, "You've joined the Library run pool.", c.Message)

	_, err = Render("bogus", nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestCreate_SameEventAndUserIsDeduplicated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	cmd := CreateCommand{UserID: "p1", Title: "Ride Started", Category: CategoryRide, EventID: "ride-1/en_route"}

	id1, err := svc.Create(ctx, cmd)
	require.NoError(t, err)
	id2, err := svc.Create(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, NotificationID("ride-1/en_route", "p1"), id1)

	list, err := svc.List(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	other, err := svc.Create(ctx, CreateCommand{UserID: "p2", Title: "Ride Started", Category: CategoryRide, EventID: "ride-1/en_route"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(context.Background(), CreateCommand{UserID: "p1", Title: "x", Category: "weird"})
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestNotify_OnePerRecipientAndReadIsPerUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ev := Event{Type: TypeRideStarted, EventID: "ride-9/en_route", Recipients: []types.ID{"p1", "p2", "p1"}}

	require.NoError(t, svc.Notify(ctx, ev))
	require.NoError(t, svc.Notify(ctx, ev))

	for _, uid := range []types.ID{"p1", "p2"} {
		list, err := svc.List(ctx, uid)
		require.NoError(t, err)
		require.Len(t, list, 1, uid)
		assert.Equal(t, "Ride Started", list[0].Title)
		assert.Equal(t, "ride_started", list[0].Data["notificationType"])
	}

	p1List, _ := svc.List(ctx, "p1")
	require.NoError(t, svc.MarkRead(ctx, p1List[0].ID, "p1"))

	n1, err := svc.UnreadCount(ctx, "p1")
	require.NoError(t, err)
	n2, err := svc.UnreadCount(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 0, n1)
	assert.Equal(t, 1, n2)
}

func TestMarkRead_Idempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	id, err := svc.Create(ctx, CreateCommand{UserID: "p1", Title: "hi", Category: CategorySystem})
	require.NoError(t, err)

	require.NoError(t, svc.MarkRead(ctx, id, "p1"))
	require.NoError(t, svc.MarkRead(ctx, id, "p1"))

	n, err := svc.store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, n.Read)

	assert.ErrorIs(t, svc.MarkRead(ctx, id, "intruder"), ErrForbidden)
	assert.ErrorIs(t, svc.MarkRead(ctx, "missing", ""), ErrNotFound)
}

func TestMarkAllRead_OnlyUnreadAtCallTime(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, CreateCommand{UserID: "p1", Title: "n", Category: CategoryPool})
		require.NoError(t, err)
	}

	marked, err := svc.MarkAllRead(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, marked)

	_, err = svc.Create(ctx, CreateCommand{UserID: "p1", Title: "late", Category: CategoryPool})
	require.NoError(t, err)
	unread, err := svc.UnreadCount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	marked, err = svc.MarkAllRead(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
}

func TestSubscribe_NewestFirstAndIndependent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var a, b []Notification
	ha, err := svc.Subscribe(ctx, "p1", func(l []Notification) { mu.Lock(); a = l; mu.Unlock() })
	require.NoError(t, err)
	hb, err := svc.Subscribe(ctx, "p1", func(l []Notification) { mu.Lock(); b = l; mu.Unlock() })
	require.NoError(t, err)
	defer hb.Cancel()

	for _, title := range []string{"first", "second", "third"} {
		_, err := svc.Create(ctx, CreateCommand{UserID: "p1", Title: title, Category: CategorySystem})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(a) == 3 && len(b) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"third", "second", "first"}, titles(b))
	for i := 1; i < len(b); i++ {
		assert.GreaterOrEqual(t, b[i-1].CreatedAt, b[i].CreatedAt)
	}
	mu.Unlock()

	ha.Cancel()
	<-ha.Done()
	_, err = svc.Create(ctx, CreateCommand{UserID: "p1", Title: "fourth", Category: CategorySystem})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(b) == 4
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Len(t, a, 3)
	mu.Unlock()
}

func TestWatch_ToastsEachNewUnreadOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, CreateCommand{UserID: "p1", Title: "backlog", Category: CategorySystem})
	require.NoError(t, err)

	var mu sync.Mutex
	var toasts []string
	lists := 0
	feed, err := svc.Watch(ctx, "p1", FeedOptions{
		OnList:  func([]Notification) { mu.Lock(); lists++; mu.Unlock() },
		OnToast: func(n Notification) { mu.Lock(); toasts = append(toasts, n.Title); mu.Unlock() },
	})
	require.NoError(t, err)
	defer feed.Cancel()
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return lists >= 1 }, 2*time.Second, 5*time.Millisecond)

	newID, err := svc.Create(ctx, CreateCommand{UserID: "p1", Title: "new", Category: CategoryRide})
	require.NoError(t, err)
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(toasts) == 1 }, 2*time.Second, 5*time.Millisecond)

	// an older record backfilled below the existing ones
	svc.now = func() time.Time { return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC) }
	_, err = svc.Create(ctx, CreateCommand{UserID: "p1", Title: "backfilled", Category: CategoryPool})
	require.NoError(t, err)
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(toasts) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.MarkRead(ctx, newID, "p1"))
	_, err = svc.Create(ctx, CreateCommand{UserID: "p2", Title: "someone else", Category: CategoryRide})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"new", "backfilled"}, toasts)
}

func TestWatch_ToastBacklog(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, CreateCommand{UserID: "p1", Title: "backlog", Category: CategorySystem})
	require.NoError(t, err)

	toasted := make(chan string, 4)
	feed, err := svc.Watch(ctx, "p1", FeedOptions{ToastBacklog: true, OnToast: func(n Notification) { toasted <- n.Title }})
	require.NoError(t, err)
	defer feed.Cancel()

	select {
	case title := <-toasted:
		assert.Equal(t, "backlog", title)
	case <-time.After(2 * time.Second):
		t.Fatal("expected backlog toast")
	}
}

func TestSession_FollowsIdentity(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	provider := identity.NewSession()

	toasted := make(chan types.ID, 8)
	sess := svc.NewSession(ctx, provider, FeedOptions{OnToast: func(n Notification) { toasted <- n.UserID }})
	defer sess.Close()
	assert.Equal(t, types.ID(""), sess.UserID())

	provider.SignIn(identity.Identity{UID: "p1"})
	assert.Equal(t, types.ID("p1"), sess.UserID())
	time.Sleep(30 * time.Millisecond)

	provider.SignIn(identity.Identity{UID: "p2"})
	time.Sleep(30 * time.Millisecond)
	_, err := svc.Create(ctx, CreateCommand{UserID: "p1", Title: "for p1", Category: CategoryRide})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateCommand{UserID: "p2", Title: "for p2", Category: CategoryRide})
	require.NoError(t, err)

	select {
	case uid := <-toasted:
		assert.Equal(t, types.ID("p2"), uid)
	case <-time.After(2 * time.Second):
		t.Fatal("expected toast for p2")
	}

	provider.SignOut()
	assert.Equal(t, types.ID(""), sess.UserID())
}

func TestCreate_PushesToRegisteredDevice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	p := &fakePusher{}
	svc.SetPusher(p)

	require.NoError(t, svc.RegisterDevice(ctx, "p1", "token-1"))
	require.NoError(t, svc.RegisterDevice(ctx, "p1", "token-2"))

	cmd := CreateCommand{UserID: "p1", Title: "hi", Category: CategorySystem, EventID: "e1"}
	_, err := svc.Create(ctx, cmd)
	require.NoError(t, err)
	_, err = svc.Create(ctx, cmd)
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateCommand{UserID: "p2", Title: "hi", Category: CategorySystem})
	require.NoError(t, err)

	assert.Equal(t, []string{"token-2"}, p.tokens)
}

func titles(list []Notification) []string {
	out := make([]string, 0, len(list))
	for _, n := range list {
		out = append(out, n.Title)
	}
	return out
}
