package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/apperr"
	"campusride/internal/testutil"
)

type item struct {
	Owner     string   `json:"owner"`
	Rank      int      `json:"rank"`
	Open      bool     `json:"open"`
	Tags      []string `json:"tags"`
	CreatedAt int64    `json:"createdAt"`
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemory(nil)}
	if db := testutil.OptionalPostgres(t, "documents"); db != nil {
		out["postgres"] = NewPostgres(db, nil)
	}
	return out
}

func mustCreate(t *testing.T, s Store, coll, id string, v any) Document {
	t.Helper()
	data, err := Encode(v)
	require.NoError(t, err)
	doc, err := s.Create(context.Background(), coll, id, data)
	require.NoError(t, err)
	return doc
}

func TestStore_CreateGetUpdate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			doc := mustCreate(t, s, "items", "", item{Owner: "u1", Rank: 3})
			assert.NotEmpty(t, doc.ID)
			assert.Equal(t, int64(1), doc.Version)

			got, err := s.Get(ctx, "items", doc.ID)
			require.NoError(t, err)
			var it item
			require.NoError(t, Decode(got, &it))
			assert.Equal(t, "u1", it.Owner)
			assert.Equal(t, 3, it.Rank)

			updated, err := s.Update(ctx, "items", doc.ID, map[string]any{"rank": 4}, doc.Version)
			require.NoError(t, err)
			assert.Equal(t, int64(2), updated.Version)
			assert.Equal(t, float64(4), updated.Data["rank"])
			assert.Equal(t, "u1", updated.Data["owner"])
		})
	}
}

func TestStore_UpdateVersionConflict(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			doc := mustCreate(t, s, "items", "", item{Owner: "u1"})

			_, err := s.Update(ctx, "items", doc.ID, map[string]any{"rank": 1}, doc.Version)
			require.NoError(t, err)

			_, err = s.Update(ctx, "items", doc.ID, map[string]any{"rank": 2}, doc.Version)
			assert.ErrorIs(t, err, ErrConflict)
			assert.ErrorIs(t, err, apperr.ErrConflict)

			_, err = s.Update(ctx, "items", doc.ID, map[string]any{"rank": 2}, AnyVersion)
			assert.NoError(t, err)

			_, err = s.Update(ctx, "items", "missing", map[string]any{"rank": 2}, 1)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_CreateExplicitIDIsIdempotencyGuard(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			mustCreate(t, s, "items", "fixed-id", item{Owner: "u1"})
			data, _ := Encode(item{Owner: "u2"})
			_, err := s.Create(context.Background(), "items", "fixed-id", data)
			assert.ErrorIs(t, err, ErrAlreadyExists)

			got, err := s.Get(context.Background(), "items", "fixed-id")
			require.NoError(t, err)
			assert.Equal(t, "u1", got.Data["owner"])
		})
	}
}

func TestStore_DeleteWithVersion(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			doc := mustCreate(t, s, "items", "", item{Owner: "u1"})

			assert.ErrorIs(t, s.Delete(ctx, "items", doc.ID, doc.Version+1), ErrConflict)
			require.NoError(t, s.Delete(ctx, "items", doc.ID, doc.Version))
			assert.ErrorIs(t, s.Delete(ctx, "items", doc.ID, AnyVersion), ErrNotFound)

			_, err := s.Get(ctx, "items", doc.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_QueryFilterAndOrder(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := mustCreate(t, s, "q", "a", item{Owner: "u1", Open: true, CreatedAt: 100, Tags: []string{"x"}})
			b := mustCreate(t, s, "q", "b", item{Owner: "u1", Open: false, CreatedAt: 300, Tags: []string{"x", "y"}})
			c := mustCreate(t, s, "q", "c", item{Owner: "u1", Open: true, CreatedAt: 300})
			mustCreate(t, s, "q", "d", item{Owner: "u2", Open: true, CreatedAt: 200})

			docs, err := s.Query(ctx, "q", Where("owner", OpEq, "u1").Sort("createdAt", true))
			require.NoError(t, err)
			require.Len(t, docs, 3)
			// equal createdAt falls back to id ascending
			assert.Equal(t, []string{b.ID, c.ID, a.ID}, ids(docs))

			docs, err = s.Query(ctx, "q", Where("owner", OpEq, "u1").And("open", OpEq, true))
			require.NoError(t, err)
			assert.Equal(t, []string{a.ID, c.ID}, ids(docs))

			docs, err = s.Query(ctx, "q", Where("tags", OpArrayContains, "y"))
			require.NoError(t, err)
			assert.Equal(t, []string{b.ID}, ids(docs))

			q := Where("open", OpEq, true).Sort("createdAt", false)
			q.Limit = 2
			docs, err = s.Query(ctx, "q", q)
			require.NoError(t, err)
			assert.Len(t, docs, 2)
		})
	}
}

func TestStore_SubscribeQueryDeliversChanges(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var mu sync.Mutex
			var last []Document
			deliveries := 0

			h, err := s.SubscribeQuery(ctx, "feed", Where("owner", OpEq, "u1"), func(docs []Document) {
				mu.Lock()
				defer mu.Unlock()
				last = docs
				deliveries++
			})
			require.NoError(t, err)
			defer h.Cancel()

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return deliveries >= 1
			}, 2*time.Second, 10*time.Millisecond)

			mustCreate(t, s, "feed", "n1", item{Owner: "u1"})
			mustCreate(t, s, "feed", "n2", item{Owner: "u2"})

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(last) == 1 && last[0].ID == "n1"
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestStore_SubscribeDocAndCancel(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			doc := mustCreate(t, s, "docs", "", item{Owner: "u1", Rank: 1})

			var mu sync.Mutex
			var seen []int64
			exists := true
			h, err := s.SubscribeDoc(ctx, "docs", doc.ID, func(d Document, ok bool) {
				mu.Lock()
				defer mu.Unlock()
				exists = ok
				if ok {
					seen = append(seen, d.Version)
				}
			})
			require.NoError(t, err)

			_, err = s.Update(ctx, "docs", doc.ID, map[string]any{"rank": 2}, AnyVersion)
			require.NoError(t, err)
			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(seen) > 0 && seen[len(seen)-1] == 2
			}, 2*time.Second, 10*time.Millisecond)

			require.NoError(t, s.Delete(ctx, "docs", doc.ID, AnyVersion))
			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return !exists
			}, 2*time.Second, 10*time.Millisecond)

			h.Cancel()
			<-h.Done()
			mu.Lock()
			n := len(seen)
			mu.Unlock()

			_, _ = s.Create(ctx, "docs", doc.ID, map[string]any{"owner": "u1"})
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, n, len(seen), "no callback after cancel")
		})
	}
}

func TestBuildSQL(t *testing.T) {
	q := Where("userId", OpEq, "u1").And("passengers", OpArrayContains, "p1").Sort("createdAt", true)
	q.Limit = 20
	sql, args, err := buildSQL("notifications", q)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT id, version, data FROM documents WHERE collection = $1 AND data->$2 = $3::jsonb AND data->$4 @> $5::jsonb ORDER BY data->$6 DESC, id ASC LIMIT $7`,
		sql)
	assert.Equal(t, []any{"notifications", "userId", `"u1"`, "passengers", `["p1"]`, "createdAt", 20}, args)

	_, _, err = buildSQL("x", Query{Filters: []Filter{{Field: "a", Op: "<", Value: 1}}})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func ids(docs []Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}
