// README: Current-user identity and change notification for a client session.
package identity

import "sync"

type Role string

const (
	RoleStudent Role = "student"
	RoleDriver  Role = "driver"
	RoleAdmin   Role = "admin"
)

// ParseRole maps a token claim onto a Role, defaulting to student.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleDriver, RoleAdmin:
		return Role(s)
	}
	return RoleStudent
}

type Identity struct {
	UID  string `json:"uid"`
	Role Role   `json:"role"`
}

// Provider exposes the signed-in user. OnChange callbacks receive ok=false on
// sign-out and are never called after their cancel func returns.
type Provider interface {
	Current() (Identity, bool)
	OnChange(fn func(id Identity, ok bool)) (cancel func())
}

// Session is the in-process Provider. The HTTP layer sets it from a verified
// token; tests set it directly.
type Session struct {
	mu        sync.Mutex
	current   Identity
	signedIn  bool
	listeners map[int]func(Identity, bool)
	next      int
}

var _ Provider = (*Session)(nil)

func NewSession() *Session {
	return &Session{listeners: make(map[int]func(Identity, bool))}
}

func (s *Session) Current() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.signedIn
}

func (s *Session) OnChange(fn func(Identity, bool)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// SignIn replaces the current identity. Signing in as the same identity again
// does not notify.
func (s *Session) SignIn(id Identity) {
	s.set(id, true)
}

func (s *Session) SignOut() {
	s.set(Identity{}, false)
}

func (s *Session) set(id Identity, ok bool) {
	s.mu.Lock()
	if s.signedIn == ok && s.current == id {
		s.mu.Unlock()
		return
	}
	s.current, s.signedIn = id, ok
	fns := make([]func(Identity, bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(id, ok)
	}
}
