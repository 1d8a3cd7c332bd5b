// README: Pool service enforces capacity and membership with compare-and-swap retries.
package pool

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"campusride/internal/observability"
	"campusride/internal/types"
)

// Observer is told about committed membership changes. Calls happen after
// the write succeeded and never affect the caller's result.
type Observer interface {
	MemberJoined(ctx context.Context, p Pool, userID types.ID)
	PoolFull(ctx context.Context, p Pool)
	PoolCancelled(ctx context.Context, p Pool, by types.ID)
}

type Service struct {
	store    *Store
	attempts int
	observer Observer
	log      *zap.Logger
	now      func() time.Time
}

func NewService(store *Store, attempts int, log *zap.Logger) *Service {
	if attempts <= 0 {
		attempts = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, attempts: attempts, log: log, now: time.Now}
}

func (s *Service) SetObserver(o Observer) { s.observer = o }

type CreateCommand struct {
	CreatorID     types.ID
	Name          string
	Route         Route
	DepartureTime time.Time
	Capacity      int
}

type JoinCommand struct {
	PoolID  types.ID
	UserID  types.ID
	Pickup  string
	Dropoff string
}

type LeaveCommand struct {
	PoolID types.ID
	UserID types.ID
}

type CancelCommand struct {
	PoolID      types.ID
	RequesterID types.ID
}

// Create opens a pool with the creator as its first member.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Pool, error) {
	if cmd.CreatorID == "" || strings.TrimSpace(cmd.Name) == "" || cmd.Capacity <= 0 || cmd.DepartureTime.IsZero() {
		return nil, ErrBadRequest
	}
	if cmd.Route.From == "" || cmd.Route.From == cmd.Route.To {
		return nil, ErrInvalidRoute
	}
	now := s.now()
	p := &Pool{
		Name:          strings.TrimSpace(cmd.Name),
		Route:         cmd.Route,
		DepartureTime: types.MillisOf(cmd.DepartureTime),
		Capacity:      cmd.Capacity,
		Passengers:    []types.ID{cmd.CreatorID},
		Stops: []Stop{{
			UserID:   cmd.CreatorID,
			Pickup:   cmd.Route.From,
			Dropoff:  cmd.Route.To,
			JoinedAt: types.MillisOf(now),
		}},
		CreatedBy: cmd.CreatorID,
		Status:    statusFor(1, cmd.Capacity),
		CreatedAt: types.MillisOf(now),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info("pool created", zap.String("pool_id", string(p.ID)), zap.String("user_id", string(cmd.CreatorID)), zap.Int("capacity", p.Capacity))
	if p.Status == StatusFull && s.observer != nil {
		s.observer.PoolFull(ctx, *p)
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Pool, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns pools that still have seats, soonest departure first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Pool, error) {
	return s.store.ListOpen(ctx, limit)
}

func (s *Service) ListByMember(ctx context.Context, userID types.ID) ([]*Pool, error) {
	return s.store.ListByMember(ctx, userID)
}

// Join appends the user and returns the new member count. The membership and
// capacity checks are re-evaluated against the stored version on every
// attempt, so of two joins racing for the last seat exactly one wins and the
// other sees ErrFull.
func (s *Service) Join(ctx context.Context, cmd JoinCommand) (int, error) {
	if cmd.Pickup != "" && cmd.Pickup == cmd.Dropoff {
		observability.PoolJoinsTotal.WithLabelValues("invalid_route").Inc()
		return 0, ErrInvalidRoute
	}
	stop := Stop{UserID: cmd.UserID, Pickup: cmd.Pickup, Dropoff: cmd.Dropoff}

	var joined Pool
	err := s.retry(ctx, cmd.PoolID, func(cur *Pool) (bool, error) {
		stop.JoinedAt = types.MillisOf(s.now())
		next, err := cur.withMember(stop)
		if err != nil {
			return false, err
		}
		ok, err := s.store.Update(ctx, cur, next.membershipPatch())
		if ok {
			next.Version = cur.Version
			joined = next
		}
		return ok, err
	})
	if err != nil {
		observability.PoolJoinsTotal.WithLabelValues(outcome(err)).Inc()
		return 0, err
	}
	observability.PoolJoinsTotal.WithLabelValues("ok").Inc()
	s.log.Info("pool joined",
		zap.String("pool_id", string(cmd.PoolID)), zap.String("user_id", string(cmd.UserID)),
		zap.Int("members", len(joined.Passengers)), zap.String("status", string(joined.Status)))

	if s.observer != nil {
		s.observer.MemberJoined(ctx, joined, cmd.UserID)
		if joined.Status == StatusFull {
			s.observer.PoolFull(ctx, joined)
		}
	}
	return len(joined.Passengers), nil
}

// Leave removes the user. When the creator leaves, the pool is cancelled for
// everyone instead.
func (s *Service) Leave(ctx context.Context, cmd LeaveCommand) error {
	var cancelled *Pool
	err := s.retry(ctx, cmd.PoolID, func(cur *Pool) (bool, error) {
		if cur.CreatedBy == cmd.UserID {
			if cur.Status == StatusDeparted {
				return false, ErrDeparted
			}
			ok, err := s.store.Delete(ctx, cur)
			if ok {
				cancelled = cur
			}
			return ok, err
		}
		next, err := cur.withoutMember(cmd.UserID)
		if err != nil {
			return false, err
		}
		return s.store.Update(ctx, cur, next.membershipPatch())
	})
	if err != nil {
		return err
	}
	if cancelled != nil {
		s.cancelled(ctx, *cancelled, cmd.UserID)
		return nil
	}
	s.log.Info("pool left", zap.String("pool_id", string(cmd.PoolID)), zap.String("user_id", string(cmd.UserID)))
	return nil
}

// Cancel removes the pool. Only its creator may do so.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) error {
	var removed *Pool
	err := s.retry(ctx, cmd.PoolID, func(cur *Pool) (bool, error) {
		if cur.CreatedBy != cmd.RequesterID {
			return false, ErrForbidden
		}
		if cur.Status == StatusDeparted {
			return false, ErrDeparted
		}
		ok, err := s.store.Delete(ctx, cur)
		if ok {
			removed = cur
		}
		return ok, err
	})
	if err != nil {
		return err
	}
	s.cancelled(ctx, *removed, cmd.RequesterID)
	return nil
}

// Depart closes the pool to membership changes and links it to its ride.
func (s *Service) Depart(ctx context.Context, poolID, rideID types.ID) error {
	return s.retry(ctx, poolID, func(cur *Pool) (bool, error) {
		if cur.Status == StatusDeparted {
			return true, nil
		}
		return s.store.Update(ctx, cur, map[string]any{"status": StatusDeparted, "rideId": rideID})
	})
}

// AttachRide records the ride created for a full pool.
func (s *Service) AttachRide(ctx context.Context, poolID, rideID types.ID) error {
	return s.retry(ctx, poolID, func(cur *Pool) (bool, error) {
		if cur.RideID == rideID {
			return true, nil
		}
		return s.store.Update(ctx, cur, map[string]any{"rideId": rideID})
	})
}

func (s *Service) cancelled(ctx context.Context, p Pool, by types.ID) {
	s.log.Info("pool cancelled", zap.String("pool_id", string(p.ID)), zap.String("user_id", string(by)), zap.Int("members", len(p.Passengers)))
	if s.observer != nil {
		s.observer.PoolCancelled(ctx, p, by)
	}
}

// retry re-reads the pool and calls apply until apply's conditional write
// lands, apply returns an error, or the attempt budget runs out.
func (s *Service) retry(ctx context.Context, id types.ID, apply func(cur *Pool) (bool, error)) error {
	for attempt := 0; attempt < s.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		ok, err := apply(cur)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		observability.PoolCASRetries.Inc()
		s.log.Debug("pool version conflict", zap.String("pool_id", string(id)), zap.Int("attempt", attempt+1))
	}
	return ErrBusy
}

func outcome(err error) string {
	switch err {
	case ErrFull:
		return "full"
	case ErrAlreadyMember:
		return "already_member"
	case ErrNotFound:
		return "not_found"
	case ErrDeparted:
		return "departed"
	case ErrBusy:
		return "busy"
	default:
		return "error"
	}
}
