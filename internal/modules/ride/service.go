// README: Ride orchestrator: guarded status transitions, live sessions and passenger notifications.
package ride

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"campusride/internal/modules/notification"
	"campusride/internal/modules/pool"
	"campusride/internal/modules/tracking"
	"campusride/internal/observability"
	"campusride/internal/types"
)

type Notifier interface {
	Notify(ctx context.Context, ev notification.Event) error
}

// LiveSessions opens and closes the streamed location of en-route rides.
type LiveSessions interface {
	Open(ctx context.Context, ls tracking.LiveSession) error
	Close(ctx context.Context, rideID types.ID, status tracking.SessionStatus) error
}

type Pools interface {
	Get(ctx context.Context, id types.ID) (*pool.Pool, error)
	Depart(ctx context.Context, poolID, rideID types.ID) error
	AttachRide(ctx context.Context, poolID, rideID types.ID) error
}

// EventSink receives every committed transition. Sink errors are logged and
// never undo the transition.
type EventSink interface {
	Append(ctx context.Context, ev Event) error
}

type Service struct {
	store    *Store
	notifier Notifier
	sessions LiveSessions
	pools    Pools
	assigner Assigner
	sinks    []EventSink
	log      *zap.Logger
	now      func() time.Time
}

func NewService(store *Store, notifier Notifier, sessions LiveSessions, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, notifier: notifier, sessions: sessions, log: log, now: time.Now}
}

func (s *Service) SetPools(p Pools)       { s.pools = p }
func (s *Service) SetAssigner(a Assigner) { s.assigner = a }
func (s *Service) AddSink(sink EventSink) { s.sinks = append(s.sinks, sink) }

type CreateCommand struct {
	CreatorID     types.ID
	Pickup        Place
	Dropoff       Place
	ScheduledTime time.Time
	// Passengers besides the creator.
	Passengers []types.ID
}

type AcceptCommand struct {
	RideID     types.ID
	DriverID   types.ID
	DriverName string
	VehicleID  string
}

type StartCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type CompleteCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type CancelCommand struct {
	RideID  types.ID
	ActorID types.ID
	Reason  string
}

type ArrivingCommand struct {
	RideID     types.ID
	DriverID   types.ID
	ETAMinutes int
}

// Create records a pending ride with the creator as its first passenger.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Ride, error) {
	if cmd.CreatorID == "" || cmd.ScheduledTime.IsZero() || strings.TrimSpace(cmd.Pickup.Name) == "" || strings.TrimSpace(cmd.Dropoff.Name) == "" {
		return nil, ErrBadRequest
	}
	if cmd.Pickup.Name == cmd.Dropoff.Name || (!cmd.Pickup.Point.IsZero() && cmd.Pickup.Point == cmd.Dropoff.Point) {
		return nil, ErrInvalidRoute
	}
	passengers := []types.ID{cmd.CreatorID}
	for _, id := range cmd.Passengers {
		if id != "" && !slices.Contains(passengers, id) {
			passengers = append(passengers, id)
		}
	}
	r := &Ride{
		Pickup:        cmd.Pickup,
		Dropoff:       cmd.Dropoff,
		ScheduledTime: types.MillisOf(cmd.ScheduledTime),
		Status:        StatusPending,
		CreatedBy:     cmd.CreatorID,
		Passengers:    passengers,
		CreatedAt:     types.MillisOf(s.now()),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.record(ctx, Event{RideID: r.ID, From: StatusNone, To: StatusPending, ActorID: cmd.CreatorID, CreatedAt: s.now()})
	s.log.Info("ride created", zap.String("ride_id", string(r.ID)), zap.String("user_id", string(cmd.CreatorID)))
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID types.ID) ([]*Ride, error) {
	return s.store.ListByUser(ctx, userID)
}

func (s *Service) ListByDriver(ctx context.Context, driverID types.ID) ([]*Ride, error) {
	return s.store.ListByDriver(ctx, driverID)
}

func (s *Service) ListPending(ctx context.Context, limit int) ([]*Ride, error) {
	return s.store.ListPending(ctx, limit)
}

// Accept assigns a driver to a pending ride and schedules it. The driver
// stays reserved until the ride completes or is cancelled.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*Ride, error) {
	if cmd.DriverID == "" {
		return nil, ErrNoAssignment
	}
	if s.assigner != nil {
		if err := s.assigner.Hold(ctx, cmd.DriverID, cmd.RideID); err != nil {
			return nil, err
		}
	}
	now := s.now()
	r, err := s.transition(ctx, cmd.RideID, StatusScheduled, cmd.DriverID, func(r *Ride) (map[string]any, error) {
		r.DriverID, r.DriverName, r.VehicleID = cmd.DriverID, cmd.DriverName, cmd.VehicleID
		r.ScheduledAt = types.MillisOf(now)
		return map[string]any{
			"driverId":    cmd.DriverID,
			"driverName":  cmd.DriverName,
			"vehicleId":   cmd.VehicleID,
			"scheduledAt": r.ScheduledAt,
		}, nil
	})
	if err != nil {
		if cur, gerr := s.store.Get(ctx, cmd.RideID); gerr != nil || cur.DriverID != cmd.DriverID || cur.Status.Terminal() {
			s.release(ctx, cmd.DriverID, cmd.RideID)
		}
		return nil, err
	}
	data := map[string]string{"rideId": string(r.ID)}
	if cmd.DriverName != "" {
		data["driverName"] = cmd.DriverName
	}
	s.notify(ctx, r, notification.TypeRideAccepted, eventID(r.ID, StatusScheduled), data)
	return r, nil
}

// Start puts a scheduled ride en route and opens its live session. Retrying
// a Start that committed but failed to open the session reopens it.
func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Ride, error) {
	cur, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusEnRoute && cur.DriverID == cmd.DriverID && cmd.DriverID != "" {
		return cur, s.openSession(ctx, cur)
	}

	now := s.now()
	r, err := s.transition(ctx, cmd.RideID, StatusEnRoute, cmd.DriverID, func(r *Ride) (map[string]any, error) {
		if r.DriverID == "" || r.DriverID != cmd.DriverID {
			return nil, ErrNotDriver
		}
		r.StartedAt = types.MillisOf(now)
		patch := map[string]any{"startedAt": r.StartedAt}
		if members := s.poolMembers(ctx, r.PoolID); len(members) > 0 {
			r.Passengers = members
			patch["passengers"] = members
		}
		return patch, nil
	})
	if err != nil {
		return nil, err
	}
	if r.PoolID != "" && s.pools != nil {
		if err := s.pools.Depart(ctx, r.PoolID, r.ID); err != nil {
			s.log.Warn("pool depart failed", zap.String("ride_id", string(r.ID)), zap.String("pool_id", string(r.PoolID)), zap.Error(err))
		} else {
			s.notify(ctx, r, notification.TypePoolDeparted, fmt.Sprintf("pool/%s/departed", r.PoolID), map[string]string{"poolId": string(r.PoolID), "rideId": string(r.ID)})
		}
	}
	s.notify(ctx, r, notification.TypeRideStarted, eventID(r.ID, StatusEnRoute), map[string]string{"rideId": string(r.ID)})
	return r, s.openSession(ctx, r)
}

// Complete finishes an en-route ride. Its live session is closed and its
// location keys are removed after the tracker's grace period.
func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*Ride, error) {
	cur, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusCompleted && cur.DriverID == cmd.DriverID && cmd.DriverID != "" {
		s.release(ctx, cur.DriverID, cur.ID)
		return cur, s.closeSession(ctx, cur, tracking.SessionCompleted)
	}

	now := s.now()
	r, err := s.transition(ctx, cmd.RideID, StatusCompleted, cmd.DriverID, func(r *Ride) (map[string]any, error) {
		if r.DriverID != cmd.DriverID {
			return nil, ErrNotDriver
		}
		r.CompletedAt = types.MillisOf(now)
		return map[string]any{"completedAt": r.CompletedAt}, nil
	})
	if err != nil {
		return nil, err
	}
	s.release(ctx, r.DriverID, r.ID)
	s.notify(ctx, r, notification.TypeRideCompleted, eventID(r.ID, StatusCompleted), map[string]string{"rideId": string(r.ID)})
	return r, s.closeSession(ctx, r, tracking.SessionCompleted)
}

// Cancel is allowed to the creator or the assigned driver before the ride
// is en route.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	r, err := s.cancel(ctx, cmd)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, r, notification.TypeRideCancelled, eventID(r.ID, StatusCancelled), map[string]string{"rideId": string(r.ID)})
	return r, nil
}

func (s *Service) cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	now := s.now()
	r, err := s.transition(ctx, cmd.RideID, StatusCancelled, cmd.ActorID, func(r *Ride) (map[string]any, error) {
		if cmd.ActorID == "" || (cmd.ActorID != r.CreatedBy && cmd.ActorID != r.DriverID) {
			return nil, ErrNotAllowed
		}
		r.CancelledAt, r.CancelledBy, r.CancelReason = types.MillisOf(now), cmd.ActorID, cmd.Reason
		return map[string]any{
			"cancelledAt":  r.CancelledAt,
			"cancelledBy":  cmd.ActorID,
			"cancelReason": cmd.Reason,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.release(ctx, r.DriverID, r.ID)
	return r, nil
}

// DriverArriving tells every passenger of an en-route ride how far away the
// driver is. Repeating the same estimate does not notify twice.
func (s *Service) DriverArriving(ctx context.Context, cmd ArrivingCommand) error {
	if cmd.ETAMinutes < 0 {
		return ErrBadRequest
	}
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return err
	}
	if r.Status != StatusEnRoute {
		return ErrInvalidState
	}
	if r.DriverID != cmd.DriverID {
		return ErrNotDriver
	}
	eta := strconv.Itoa(cmd.ETAMinutes)
	s.notify(ctx, r, notification.TypeDriverArriving, fmt.Sprintf("%s/driver_arriving/%s", r.ID, eta),
		map[string]string{"rideId": string(r.ID), "eta": eta})
	return nil
}

// transition loads the ride, checks the edge, lets prepare validate the
// actor and build the patch, then writes conditionally on the loaded
// version. A lost race is ErrConflict, never a silent overwrite.
func (s *Service) transition(ctx context.Context, id types.ID, to Status, actorID types.ID, prepare func(r *Ride) (map[string]any, error)) (*Ride, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := r.Status
	if !CanTransition(from, to) {
		return nil, ErrInvalidState
	}
	patch, err := prepare(r)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.UpdateStatus(ctx, r, to, patch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	r.Status = to

	observability.RideTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.record(ctx, Event{RideID: r.ID, From: from, To: to, ActorID: actorID, CreatedAt: s.now()})
	s.log.Info("ride transition",
		zap.String("ride_id", string(r.ID)), zap.String("from", string(from)), zap.String("to", string(to)), zap.String("actor_id", string(actorID)))
	return r, nil
}

func (s *Service) record(ctx context.Context, ev Event) {
	for _, sink := range s.sinks {
		if err := sink.Append(ctx, ev); err != nil {
			s.log.Warn("append ride event", zap.String("ride_id", string(ev.RideID)), zap.String("to", string(ev.To)), zap.Error(err))
		}
	}
}

func (s *Service) notify(ctx context.Context, r *Ride, t notification.Type, id string, data map[string]string) {
	s.notifyUsers(ctx, r.Passengers, t, id, data)
}

func (s *Service) openSession(ctx context.Context, r *Ride) error {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.Open(ctx, tracking.LiveSession{
		RideID:   r.ID,
		DriverID: r.DriverID,
		Pickup:   r.Pickup.Point,
		Dropoff:  r.Dropoff.Point,
	})
}

func (s *Service) closeSession(ctx context.Context, r *Ride, status tracking.SessionStatus) error {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.Close(ctx, r.ID, status)
}

// poolMembers returns the current members of the ride's pool, or nil when
// there is no pool to sync from.
func (s *Service) poolMembers(ctx context.Context, poolID types.ID) []types.ID {
	if poolID == "" || s.pools == nil {
		return nil
	}
	p, err := s.pools.Get(ctx, poolID)
	if err != nil {
		s.log.Warn("load pool members", zap.String("pool_id", string(poolID)), zap.Error(err))
		return nil
	}
	return p.Passengers
}

// eventID is the notification idempotency key of a transition.
func eventID(rideID types.ID, to Status) string {
	return string(rideID) + "/" + string(to)
}
