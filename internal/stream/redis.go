package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campusride/internal/apperr"
	"campusride/internal/live"
)

// Redis keeps each path as a string key and announces changes on a
// per-path pub/sub channel.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
	retry  live.RetryConfig
}

var _ Stream = (*Redis)(nil)

// NewRedis stores keys under prefix. A positive ttl bounds how long an
// abandoned path survives without being rewritten.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, log: log, retry: live.DefaultRetry}
}

func (r *Redis) key(path string) string { return r.prefix + path }
func (r *Redis) channel(path string) string { return r.prefix + "changes:" + path }

func (r *Redis) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(path), raw, r.ttl)
		p.Publish(ctx, r.channel(path), "set")
		return nil
	})
	return apperr.Unavailable("redis", err)
}

func (r *Redis) Read(ctx context.Context, path string, out any) (bool, error) {
	raw, err := r.client.Get(ctx, r.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Unavailable("redis", err)
	}
	return true, json.Unmarshal(raw, out)
}

func (r *Redis) Remove(ctx context.Context, path string) error {
	keys := []string{r.key(path)}
	iter := r.client.Scan(ctx, 0, r.key(path)+"/*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return apperr.Unavailable("redis", err)
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		for _, k := range keys {
			p.Publish(ctx, r.channel(k[len(r.prefix):]), "del")
		}
		return nil
	})
	return apperr.Unavailable("redis", err)
}

func (r *Redis) Subscribe(ctx context.Context, path string, fn func(json.RawMessage, bool)) (*live.Handle, error) {
	h := live.NewHandle(ctx)
	live.Run(h, "redis:"+path, r.log, r.retry, func(ctx context.Context, attempt int) error {
		sub := r.client.Subscribe(ctx, r.channel(path))
		defer sub.Close()
		if _, err := sub.Receive(ctx); err != nil {
			return r.streamErr(ctx, err)
		}
		deliver := func() error {
			raw, err := r.client.Get(ctx, r.key(path)).Bytes()
			if errors.Is(err, redis.Nil) {
				h.Dispatch(func() { fn(nil, false) })
				return nil
			}
			if err != nil {
				return err
			}
			h.Dispatch(func() { fn(raw, true) })
			return nil
		}
		if err := deliver(); err != nil {
			return r.streamErr(ctx, err)
		}
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-ch:
				if !ok {
					return r.streamErr(ctx, errors.New("pubsub channel closed"))
				}
				if err := deliver(); err != nil {
					return r.streamErr(ctx, err)
				}
			}
		}
	})
	return h, nil
}

func (r *Redis) streamErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return apperr.Unavailable("redis", err)
}
