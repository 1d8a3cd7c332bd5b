// README: Matching service tracks online drivers and assigns the nearest free one to a ride.
package matching

import (
	"context"
	"time"

	"go.uber.org/zap"

	"campusride/internal/config"
	"campusride/internal/modules/ride"
	"campusride/internal/observability"
	"campusride/internal/stream"
	"campusride/internal/types"
)

type Service struct {
	index  Index
	stream stream.Stream
	cfg    config.MatchingConfig
	log    *zap.Logger
	now    func() time.Time
}

func NewService(index Index, st stream.Stream, cfg config.MatchingConfig, log *zap.Logger) *Service {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = 3
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{index: index, stream: st, cfg: cfg, log: log, now: time.Now}
}

var _ ride.Assigner = (*Service)(nil)

type OnlineCommand struct {
	DriverID  types.ID
	Name      string
	VehicleID string
	Position  types.Point
}

// GoOnline indexes the driver at its position and publishes its status.
func (s *Service) GoOnline(ctx context.Context, cmd OnlineCommand) error {
	if cmd.DriverID == "" {
		return ErrBadRequest
	}
	if !cmd.Position.Valid() {
		return ErrBadPosition
	}
	if err := s.index.AddDriver(ctx, Driver{ID: cmd.DriverID, Name: cmd.Name, VehicleID: cmd.VehicleID, Position: cmd.Position}); err != nil {
		return err
	}
	was, _, err := s.Status(ctx, cmd.DriverID)
	if err != nil {
		return err
	}
	if err := s.writeStatus(ctx, cmd.DriverID, DriverStatus{Online: true, Name: cmd.Name, VehicleID: cmd.VehicleID}); err != nil {
		return err
	}
	if !was.Online {
		observability.DriversOnline.Inc()
		s.log.Info("driver online", zap.String("driver_id", string(cmd.DriverID)))
	}
	return nil
}

// GoOffline removes the driver from assignment and marks it offline.
func (s *Service) GoOffline(ctx context.Context, driverID types.ID) error {
	if err := s.index.RemoveDriver(ctx, driverID); err != nil {
		return err
	}
	was, _, err := s.Status(ctx, driverID)
	if err != nil {
		return err
	}
	online := was.Online
	was.Online = false
	if err := s.writeStatus(ctx, driverID, was); err != nil {
		return err
	}
	if online {
		observability.DriversOnline.Dec()
	}
	s.log.Info("driver offline", zap.String("driver_id", string(driverID)))
	return nil
}

// Heartbeat moves an online driver and refreshes lastSeen.
func (s *Service) Heartbeat(ctx context.Context, driverID types.ID, p types.Point) error {
	if !p.Valid() {
		return ErrBadPosition
	}
	d, ok, err := s.index.Driver(ctx, driverID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoDriver
	}
	d.Position = p
	if err := s.index.AddDriver(ctx, d); err != nil {
		return err
	}
	return s.writeStatus(ctx, driverID, DriverStatus{Online: true, Name: d.Name, VehicleID: d.VehicleID})
}

func (s *Service) Status(ctx context.Context, driverID types.ID) (DriverStatus, bool, error) {
	var st DriverStatus
	ok, err := s.stream.Read(ctx, stream.DriverStatusPath(string(driverID)), &st)
	return st, ok, err
}

// Assign reserves the nearest online driver to the ride's pickup whose lock
// is free. The lock expires on its own unless Hold makes it permanent.
func (s *Service) Assign(ctx context.Context, r ride.Ride) (ride.Assignment, error) {
	pickup := r.Pickup.Point
	if pickup.IsZero() {
		return ride.Assignment{}, ErrNoDriver
	}
	ids, err := s.index.NearbyDrivers(ctx, pickup, s.cfg.RadiusKm)
	if err != nil {
		return ride.Assignment{}, err
	}
	for _, id := range ids {
		ok, err := s.index.AcquireLock(ctx, id, r.ID, s.cfg.LockTTL)
		if err != nil {
			return ride.Assignment{}, err
		}
		if !ok {
			continue
		}
		d, found, err := s.index.Driver(ctx, id)
		if err != nil || !found {
			_ = s.index.ReleaseLock(ctx, id, r.ID)
			if err != nil {
				return ride.Assignment{}, err
			}
			continue
		}
		s.log.Info("driver assigned",
			zap.String("ride_id", string(r.ID)), zap.String("driver_id", string(id)),
			zap.Float64("distance_km", types.DistanceKm(pickup, d.Position)))
		return ride.Assignment{DriverID: id, DriverName: d.Name, VehicleID: d.VehicleID}, nil
	}
	return ride.Assignment{}, ErrNoDriver
}

// Hold keeps the driver reserved for rideID until Release, so a scheduled
// or en-route driver is never offered to another ride.
func (s *Service) Hold(ctx context.Context, driverID, rideID types.ID) error {
	ok, err := s.index.HoldLock(ctx, driverID, rideID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDriverBusy
	}
	return nil
}

func (s *Service) Release(ctx context.Context, driverID, rideID types.ID) error {
	return s.index.ReleaseLock(ctx, driverID, rideID)
}

func (s *Service) writeStatus(ctx context.Context, driverID types.ID, st DriverStatus) error {
	st.LastSeen = types.MillisOf(s.now())
	return s.stream.Write(ctx, stream.DriverStatusPath(string(driverID)), st)
}
