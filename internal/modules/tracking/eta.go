package tracking

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"campusride/internal/maps"
	"campusride/internal/types"
)

// Router is the routing collaborator (maps.RouteService in production).
type Router interface {
	Route(ctx context.Context, origin, destination types.Point, mode maps.Mode) (maps.Route, error)
}

const (
	etaCacheTTL  = 10 * time.Minute
	etaCacheSize = 512
)

type etaEntry struct {
	text    string
	expires time.Time
}

// ETAResolver collapses concurrent requests for one (pickup, dropoff) pair
// into a single router call and keeps successful answers for a while.
// Failures are not kept; a session asks once per pair, so a later session
// gets a fresh attempt.
type ETAResolver struct {
	router  Router
	timeout time.Duration
	log     *zap.Logger
	ttl     time.Duration
	size    int
	now     func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]etaEntry
}

func NewETAResolver(router Router, timeout time.Duration, log *zap.Logger) *ETAResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &ETAResolver{
		router:  router,
		timeout: timeout,
		log:     log,
		ttl:     etaCacheTTL,
		size:    etaCacheSize,
		now:     time.Now,
		cache:   make(map[string]etaEntry),
	}
}

// Resolve returns the display duration, or ok=false when no ETA is available.
func (r *ETAResolver) Resolve(ctx context.Context, pickup, dropoff types.Point) (string, bool) {
	if r == nil || r.router == nil || !pickup.Valid() || !dropoff.Valid() || pickup.IsZero() || dropoff.IsZero() {
		return "", false
	}
	key := pickup.String() + "|" + dropoff.String()
	if text, ok := r.get(key); ok {
		return text, true
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if text, ok := r.get(key); ok {
			return text, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		route, err := r.router.Route(rctx, pickup, dropoff, maps.ModeDriving)
		if err != nil {
			r.log.Warn("eta unavailable", zap.String("pickup", pickup.String()), zap.String("dropoff", dropoff.String()), zap.Error(err))
			return "", err
		}
		if route.DurationText == "" {
			return "", nil
		}
		r.put(key, route.DurationText)
		return route.DurationText, nil
	})
	if err != nil {
		return "", false
	}
	text := v.(string)
	return text, text != ""
}

func (r *ETAResolver) get(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok {
		return "", false
	}
	if !r.now().Before(e.expires) {
		delete(r.cache, key)
		return "", false
	}
	return e.text, true
}

// put stores a success. When full it drops expired entries first, then the
// entry closest to expiry.
func (r *ETAResolver) put(key, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if _, ok := r.cache[key]; !ok && len(r.cache) >= r.size {
		oldest := ""
		for k, e := range r.cache {
			if !now.Before(e.expires) {
				delete(r.cache, k)
				continue
			}
			if oldest == "" || e.expires.Before(r.cache[oldest].expires) {
				oldest = k
			}
		}
		if len(r.cache) >= r.size && oldest != "" {
			delete(r.cache, oldest)
		}
	}
	r.cache[key] = etaEntry{text: text, expires: now.Add(r.ttl)}
}
