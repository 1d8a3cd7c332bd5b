package notification

import (
	"context"

	"campusride/internal/live"
	"campusride/internal/observability"
	"campusride/internal/types"
)

type FeedOptions struct {
	// OnList receives every snapshot of the user's notifications.
	OnList func([]Notification)
	// OnToast fires once per unread notification id for the lifetime of
	// the feed.
	OnToast func(Notification)
	// ToastBacklog also toasts what is already unread in the first snapshot.
	ToastBacklog bool
}

// Feed is one client session's view of a user's notifications.
type Feed struct {
	handle *live.Handle
	opts   FeedOptions
	seen   map[types.ID]struct{}
	primed bool
}

// Watch subscribes to userID's notifications and raises toasts for unread
// records it has not seen before. Newness is decided by id, never by
// position in the list.
func (s *Service) Watch(ctx context.Context, userID types.ID, opts FeedOptions) (*Feed, error) {
	f := &Feed{opts: opts, seen: make(map[types.ID]struct{})}
	h, err := s.Subscribe(ctx, userID, f.observe)
	if err != nil {
		return nil, err
	}
	f.handle = h
	return f, nil
}

// observe runs on the subscription's dispatch path, one call at a time.
func (f *Feed) observe(list []Notification) {
	if f.opts.OnList != nil {
		f.opts.OnList(list)
	}
	toast := f.primed || f.opts.ToastBacklog
	f.primed = true
	for _, n := range list {
		if _, ok := f.seen[n.ID]; ok {
			continue
		}
		f.seen[n.ID] = struct{}{}
		if n.Read || !toast || f.opts.OnToast == nil {
			continue
		}
		observability.NotificationToasts.Inc()
		f.opts.OnToast(n)
	}
}

func (f *Feed) Cancel() { f.handle.Cancel() }

func (f *Feed) Done() <-chan struct{} { return f.handle.Done() }
