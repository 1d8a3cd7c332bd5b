// README: Bench cases; environment checks, HTTP API checks, pool capacity races and throughput.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"campusride/internal/docstore"
	"campusride/internal/modules/pool"
	"campusride/internal/types"
)

const (
	statusPass    = "PASS"
	statusFail    = "FAIL"
	statusPending = "PENDING"
	statusSkip    = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Focus: "document store and event log reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusSkip, Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Env: Redis connect",
			Focus: "live stream and driver index reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusSkip, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Migration: apply (optional)",
			Focus: "apply migration SQL",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: statusSkip, Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Migration: tables exist",
			Focus: "tables from the migration file exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusSkip, Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
					if !exists {
						return Result{Status: statusFail, Note: "missing table: " + t}
					}
				}
				return Result{Status: statusPass}
			},
		},

		httpCase("API: health", http.MethodGet, base+"/health", "", nil, []int{200}),
		httpCase("API: metrics exposed", http.MethodGet, base+"/metrics", "", nil, []int{200}),
		httpCase("API: pools require a token", http.MethodGet, base+"/api/pools", "", nil, []int{401}),
		httpCase("API: websocket requires a token", http.MethodGet, base+"/ws/notifications", "", nil, []int{401}),

		{
			Name:  "Pool: capacity race (memory)",
			Focus: "concurrent joins never exceed capacity",
			Run: func(ctx context.Context, r *Runner) Result {
				return poolRace(ctx, docstore.NewMemory(nil), r.cfg.PoolCapacity, r.cfg.Concurrency)
			},
		},
		{
			Name:  "Pool: capacity race (postgres)",
			Focus: "version CAS holds on the SQL document store",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusSkip, Note: "db not configured"}
				}
				return poolRace(ctx, docstore.NewPostgres(r.db, nil), r.cfg.PoolCapacity, r.cfg.Concurrency)
			},
		},
		{
			Name:  "Pool: capacity race (http)",
			Focus: "one success per free seat, 409 for the rest",
			Run: func(ctx context.Context, r *Runner) Result {
				return httpPoolRace(ctx, r, base)
			},
		},

		manualCase("Tracking: marker smoothing", "watch /ws/rides/:id/track while a driver publishes"),
		manualCase("Notifications: device push", "register a device token and complete a ride"),

		{
			Name:  "Perf: open pool listing throughput",
			Focus: "read path under load",
			Run: func(ctx context.Context, r *Runner) Result {
				if len(r.cfg.Tokens) == 0 {
					return Result{Status: statusSkip, Note: "no tokens"}
				}
				return perfLoad(ctx, r, http.MethodGet, base+"/api/pools", r.cfg.Tokens[0])
			},
		},
	}
}

func httpCase(name, method, url, token string, body any, okStatuses []int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "HTTP API",
		Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			status, _, err := r.call(ctx, method, url, token, body)
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			latency := time.Since(start)
			if slices.Contains(okStatuses, status) {
				return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
			}
			if status == http.StatusNotFound || status == http.StatusNotImplemented {
				return Result{Status: statusPending, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
			}
			return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
		},
	}
}

func manualCase(name, note string) TestCase {
	return TestCase{
		Name:  name,
		Focus: "Manual",
		Run: func(ctx context.Context, r *Runner) Result {
			return Result{Status: statusSkip, Note: note}
		},
	}
}

func (r *Runner) call(ctx context.Context, method, url, token string, body any) (int, map[string]any, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, out, nil
}

// poolRace creates one pool and lets joiners race for its seats through the
// service, then checks the stored member list against the reported outcomes.
func poolRace(ctx context.Context, docs docstore.Store, capacity, joiners int) Result {
	svc := pool.NewService(pool.NewStore(docs), joiners, nil)
	p, err := svc.Create(ctx, pool.CreateCommand{
		CreatorID:     "bench-creator",
		Name:          "bench race",
		Route:         pool.Route{From: "Main Gate", To: "Library"},
		DepartureTime: time.Now().Add(time.Hour),
		Capacity:      capacity,
	})
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}

	var joined, full, busy atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < joiners; i++ {
		uid := types.ID(fmt.Sprintf("bench-user-%d", i))
		g.Go(func() error {
			_, err := svc.Join(gctx, pool.JoinCommand{PoolID: p.ID, UserID: uid})
			switch {
			case err == nil:
				joined.Add(1)
			case errors.Is(err, pool.ErrFull):
				full.Add(1)
			case errors.Is(err, pool.ErrBusy):
				busy.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	latency := time.Since(start)

	final, err := svc.Get(ctx, p.ID)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	note := fmt.Sprintf("joined=%d full=%d busy=%d members=%d/%d", joined.Load(), full.Load(), busy.Load(), len(final.Passengers), capacity)
	if len(final.Passengers) > capacity || int64(len(final.Passengers)) != joined.Load()+1 {
		return Result{Status: statusFail, Latency: latency, Note: note}
	}
	return Result{Status: statusPass, Latency: latency, Note: note}
}

func httpPoolRace(ctx context.Context, r *Runner, base string) Result {
	if len(r.cfg.Tokens) < 2 {
		return Result{Status: statusSkip, Note: "need at least two tokens"}
	}
	status, body, err := r.call(ctx, http.MethodPost, base+"/api/pools", r.cfg.Tokens[0], map[string]any{
		"name":          "bench race",
		"from":          "Main Gate",
		"to":            "Library",
		"departureTime": time.Now().Add(time.Hour).UnixMilli(),
		"capacity":      r.cfg.PoolCapacity,
	})
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if status != http.StatusCreated {
		return Result{Status: statusFail, Note: fmt.Sprintf("create status=%d", status)}
	}
	id, _ := body["id"].(string)

	var mu sync.Mutex
	counts := map[int]int{}
	var wg sync.WaitGroup
	start := time.Now()
	for _, token := range r.cfg.Tokens[1:] {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			status, _, err := r.call(ctx, http.MethodPost, base+"/api/pools/"+id+"/join", token, nil)
			if err != nil {
				status = -1
			}
			mu.Lock()
			counts[status]++
			mu.Unlock()
		}(token)
	}
	wg.Wait()

	note := fmt.Sprintf("ok=%d conflict=%d other=%d", counts[200], counts[409], len(r.cfg.Tokens)-1-counts[200]-counts[409])
	if counts[200] > r.cfg.PoolCapacity-1 {
		return Result{Status: statusFail, Latency: time.Since(start), Note: note}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: note}
}

func perfLoad(ctx context.Context, r *Runner, method, url, token string) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				if _, _, err := r.call(ctx, method, url, token, nil); err != nil {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}()
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
