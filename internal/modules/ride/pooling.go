package ride

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"campusride/internal/docstore"
	"campusride/internal/modules/notification"
	"campusride/internal/modules/pool"
	"campusride/internal/types"
)

// Assignment is the driver chosen for a ride.
type Assignment struct {
	DriverID   types.ID
	DriverName string
	VehicleID  string
}

// Assigner picks and reserves a driver for a pending ride. Hold keeps the
// driver reserved while the ride is scheduled or en route; Release frees it.
type Assigner interface {
	Assign(ctx context.Context, r Ride) (Assignment, error)
	Hold(ctx context.Context, driverID, rideID types.ID) error
	Release(ctx context.Context, driverID, rideID types.ID) error
}

var _ pool.Observer = (*Service)(nil)

// MemberJoined confirms the join to the new member.
func (s *Service) MemberJoined(ctx context.Context, p pool.Pool, userID types.ID) {
	var joinedAt types.Millis
	for _, st := range p.Stops {
		if st.UserID == userID {
			joinedAt = st.JoinedAt
		}
	}
	s.notifyUsers(ctx, []types.ID{userID}, notification.TypePoolJoined,
		fmt.Sprintf("pool/%s/joined/%s/%d", p.ID, userID, joinedAt),
		map[string]string{"poolId": string(p.ID), "poolName": p.Name})
}

// PoolFull turns a full pool into its pending ride, whose id is the pool's,
// and asks the assigner for a driver. A pool that fills again after a leave
// refreshes the passengers of the ride it already has.
func (s *Service) PoolFull(ctx context.Context, p pool.Pool) {
	r := &Ride{
		ID:            p.ID,
		PoolID:        p.ID,
		Pickup:        Place{Name: p.Route.From, Point: p.Route.FromPoint},
		Dropoff:       Place{Name: p.Route.To, Point: p.Route.ToPoint},
		ScheduledTime: p.DepartureTime,
		Status:        StatusPending,
		CreatedBy:     p.CreatedBy,
		Passengers:    append([]types.ID(nil), p.Passengers...),
		CreatedAt:     types.MillisOf(s.now()),
	}
	err := s.store.Create(ctx, r)
	switch {
	case errors.Is(err, docstore.ErrAlreadyExists):
		existing, err := s.store.Get(ctx, p.ID)
		if err != nil {
			s.log.Warn("load pool ride", zap.String("pool_id", string(p.ID)), zap.Error(err))
			return
		}
		if existing.Status.Terminal() || existing.Status == StatusEnRoute {
			return
		}
		if _, err := s.store.update(ctx, existing, map[string]any{"passengers": p.Passengers}); err != nil {
			s.log.Warn("sync pool ride passengers", zap.String("ride_id", string(existing.ID)), zap.Error(err))
		}
		existing.Passengers = p.Passengers
		r = existing
	case err != nil:
		s.log.Error("create pool ride", zap.String("pool_id", string(p.ID)), zap.Error(err))
		return
	default:
		s.record(ctx, Event{RideID: r.ID, From: StatusNone, To: StatusPending, ActorID: p.CreatedBy, CreatedAt: s.now()})
		s.log.Info("pool ride created", zap.String("ride_id", string(r.ID)), zap.Int("passengers", len(r.Passengers)))
	}

	if s.pools != nil && p.RideID != r.ID {
		if err := s.pools.AttachRide(ctx, p.ID, r.ID); err != nil {
			s.log.Warn("attach ride to pool", zap.String("pool_id", string(p.ID)), zap.Error(err))
		}
	}
	if r.Status == StatusPending {
		s.assign(ctx, r)
	}
}

// PoolCancelled tells every member, the creator included, and withdraws the
// pool's ride if it had not started.
func (s *Service) PoolCancelled(ctx context.Context, p pool.Pool, by types.ID) {
	s.notifyUsers(ctx, p.Passengers, notification.TypePoolCancelled, fmt.Sprintf("pool/%s/cancelled", p.ID),
		map[string]string{"poolId": string(p.ID), "poolName": p.Name, "cancelledBy": string(by)})

	rideID := p.RideID
	if rideID == "" {
		rideID = p.ID
	}
	_, err := s.cancel(ctx, CancelCommand{RideID: rideID, ActorID: p.CreatedBy, Reason: "pool cancelled"})
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.log.Warn("cancel pool ride", zap.String("ride_id", string(rideID)), zap.Error(err))
	}
}

// assign asks the assigner for a driver and schedules the ride. Without a
// driver the ride stays pending for drivers to accept.
func (s *Service) assign(ctx context.Context, r *Ride) {
	if s.assigner == nil {
		return
	}
	a, err := s.assigner.Assign(ctx, *r)
	if err != nil {
		s.log.Info("ride left pending", zap.String("ride_id", string(r.ID)), zap.Error(err))
		return
	}
	_, err = s.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: a.DriverID, DriverName: a.DriverName, VehicleID: a.VehicleID})
	if err != nil {
		s.log.Warn("scheduling assigned ride failed", zap.String("ride_id", string(r.ID)), zap.String("driver_id", string(a.DriverID)), zap.Error(err))
		s.release(ctx, a.DriverID, r.ID)
	}
}

func (s *Service) release(ctx context.Context, driverID, rideID types.ID) {
	if s.assigner == nil || driverID == "" {
		return
	}
	if err := s.assigner.Release(ctx, driverID, rideID); err != nil {
		s.log.Warn("release driver", zap.String("driver_id", string(driverID)), zap.String("ride_id", string(rideID)), zap.Error(err))
	}
}

func (s *Service) notifyUsers(ctx context.Context, users []types.ID, t notification.Type, id string, data map[string]string) {
	if s.notifier == nil || len(users) == 0 {
		return
	}
	if err := s.notifier.Notify(ctx, notification.Event{Type: t, EventID: id, Recipients: users, Data: data}); err != nil {
		s.log.Warn("notification failed", zap.String("type", string(t)), zap.String("event_id", id), zap.Error(err))
	}
}
