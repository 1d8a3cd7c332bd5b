package stream

import (
	"context"
	"encoding/json"
	"time"

	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"

	"campusride/internal/apperr"
	"campusride/internal/live"
)

// Firebase writes to the Realtime Database. The Admin SDK has no listeners,
// so Subscribe polls with ETag-conditional reads.
type Firebase struct {
	client   *db.Client
	interval time.Duration
	log      *zap.Logger
	retry    live.RetryConfig
}

var _ Stream = (*Firebase)(nil)

func NewFirebase(client *db.Client, interval time.Duration, log *zap.Logger) *Firebase {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Firebase{client: client, interval: interval, log: log, retry: live.DefaultRetry}
}

func (f *Firebase) Write(ctx context.Context, path string, value any) error {
	return apperr.Unavailable("rtdb", f.client.NewRef(path).Set(ctx, value))
}

func (f *Firebase) Read(ctx context.Context, path string, out any) (bool, error) {
	var raw json.RawMessage
	if err := f.client.NewRef(path).Get(ctx, &raw); err != nil {
		return false, apperr.Unavailable("rtdb", err)
	}
	if isNull(raw) {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (f *Firebase) Remove(ctx context.Context, path string) error {
	return apperr.Unavailable("rtdb", f.client.NewRef(path).Delete(ctx))
}

func (f *Firebase) Subscribe(ctx context.Context, path string, fn func(json.RawMessage, bool)) (*live.Handle, error) {
	h := live.NewHandle(ctx)
	ref := f.client.NewRef(path)
	live.Run(h, "rtdb:"+path, f.log, f.retry, func(ctx context.Context, attempt int) error {
		var raw json.RawMessage
		etag, err := ref.GetWithETag(ctx, &raw)
		if err != nil {
			return f.streamErr(ctx, err)
		}
		f.deliver(h, raw, fn)

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			var next json.RawMessage
			changed, newTag, err := ref.GetIfChanged(ctx, etag, &next)
			if err != nil {
				return f.streamErr(ctx, err)
			}
			if !changed {
				continue
			}
			etag = newTag
			f.deliver(h, next, fn)
		}
	})
	return h, nil
}

func (f *Firebase) deliver(h *live.Handle, raw json.RawMessage, fn func(json.RawMessage, bool)) {
	if isNull(raw) {
		h.Dispatch(func() { fn(nil, false) })
		return
	}
	h.Dispatch(func() { fn(raw, true) })
}

func (f *Firebase) streamErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return apperr.Unavailable("rtdb", err)
}
