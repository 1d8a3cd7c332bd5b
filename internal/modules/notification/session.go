package notification

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"campusride/internal/identity"
	"campusride/internal/types"
)

// Session keeps one Feed open for whoever is signed in, replacing it when the
// identity changes and closing it on sign-out.
type Session struct {
	svc  *Service
	opts FeedOptions
	log  *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	userID  types.ID
	feed    *Feed
	stopped bool
	unwatch func()
}

func (s *Service) NewSession(ctx context.Context, provider identity.Provider, opts FeedOptions) *Session {
	sess := &Session{svc: s, opts: opts, log: s.log, ctx: ctx}
	sess.unwatch = provider.OnChange(sess.switchTo)
	if id, ok := provider.Current(); ok {
		sess.switchTo(id, true)
	}
	return sess
}

func (s *Session) UserID() types.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) switchTo(id identity.Identity, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	uid := types.ID(id.UID)
	if !ok {
		uid = ""
	}
	if uid == s.userID && s.feed != nil {
		return
	}
	if s.feed != nil {
		s.feed.Cancel()
		s.feed = nil
	}
	s.userID = uid
	if uid == "" {
		if s.opts.OnList != nil {
			s.opts.OnList(nil)
		}
		return
	}
	feed, err := s.svc.Watch(s.ctx, uid, s.opts)
	if err != nil {
		s.log.Error("open notification feed", zap.String("user_id", string(uid)), zap.Error(err))
		return
	}
	s.feed = feed
}

// Close stops following identity changes and cancels the open feed.
func (s *Session) Close() {
	s.unwatch()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.feed != nil {
		s.feed.Cancel()
		s.feed = nil
	}
}
