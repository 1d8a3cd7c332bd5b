// README: Bench runner for the campus ride API; executes HTTP, DB, Redis and pool race checks and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, pending, skipped := 0, 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		case statusPending:
			pending++
		case statusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d PENDING=%d SKIP=%d\n", pass, fail, pending, skipped)

	if fail > 0 || (cfg.Strict && pending > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
	PoolCapacity   int
	// Tokens are Firebase ID tokens of distinct student accounts; the first
	// one creates pools.
	Tokens []string
}

func loadConfig() Config {
	var cfg Config
	var tokens string
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("CAMPUSRIDE_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.DSN, "dsn", envOrDefault("CAMPUSRIDE_DB_DSN", ""), "Postgres DSN")
	flag.StringVar(&cfg.RedisAddr, "redis", envOrDefault("CAMPUSRIDE_REDIS_ADDR", ""), "Redis address")
	flag.StringVar(&cfg.MigrationPath, "migration", envOrDefault("CAMPUSRIDE_BENCH_MIGRATION", "migrations/0001_init.sql"), "Migration SQL path")
	flag.BoolVar(&cfg.ApplyMigration, "apply-migration", envOrDefaultBool("CAMPUSRIDE_BENCH_APPLY_MIGRATION", false), "Apply migration SQL before tests")
	flag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("CAMPUSRIDE_BENCH_STRICT", false), "Fail on pending tests")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("CAMPUSRIDE_BENCH_TIMEOUT", 60*time.Second), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", envOrDefaultInt("CAMPUSRIDE_BENCH_CONCURRENCY", 20), "Concurrent joiners / perf workers")
	flag.DurationVar(&cfg.Duration, "duration", envOrDefaultDuration("CAMPUSRIDE_BENCH_DURATION", 10*time.Second), "Duration for perf tests")
	flag.IntVar(&cfg.PoolCapacity, "capacity", envOrDefaultInt("CAMPUSRIDE_BENCH_POOL_CAPACITY", 4), "Capacity of race pools")
	flag.StringVar(&tokens, "tokens", os.Getenv("CAMPUSRIDE_BENCH_TOKENS"), "Comma separated student ID tokens")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	for _, t := range strings.Split(tokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.Tokens = append(cfg.Tokens, t)
		}
	}
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
