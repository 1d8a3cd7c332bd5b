// README: Driver-side location publishing and live session lifecycle for rides.
package tracking

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"campusride/internal/stream"
	"campusride/internal/types"
)

// Publisher owns the live keys of rides. Only the driver of an en-route
// session may write a ride's current location.
type Publisher struct {
	stream stream.Stream
	cfg    Config
	log    *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[types.ID]*rate.Limiter
	removals map[types.ID]*time.Timer
}

func NewPublisher(st stream.Stream, cfg Config, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		stream:   st,
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
		limiters: make(map[types.ID]*rate.Limiter),
		removals: make(map[types.ID]*time.Timer),
	}
}

// Open writes the live session record for a ride that just went en route.
func (p *Publisher) Open(ctx context.Context, ls LiveSession) error {
	p.mu.Lock()
	if t, ok := p.removals[ls.RideID]; ok {
		t.Stop()
		delete(p.removals, ls.RideID)
	}
	p.mu.Unlock()

	ls.Status = SessionEnRoute
	if ls.StartedAt == 0 {
		ls.StartedAt = types.MillisOf(p.now())
	}
	if err := p.stream.Write(ctx, stream.SessionPath(string(ls.RideID)), ls); err != nil {
		return err
	}
	p.log.Info("live session opened", zap.String("ride_id", string(ls.RideID)), zap.String("driver_id", string(ls.DriverID)))
	return nil
}

// Close marks the session terminal and removes the ride's live keys after
// the grace period, so viewers can render the final position first.
func (p *Publisher) Close(ctx context.Context, rideID types.ID, status SessionStatus) error {
	var ls LiveSession
	ok, err := p.stream.Read(ctx, stream.SessionPath(string(rideID)), &ls)
	if err != nil {
		return err
	}
	if !ok {
		ls = LiveSession{RideID: rideID}
	}
	ls.Status = status
	ls.EndedAt = types.MillisOf(p.now())
	if err := p.stream.Write(ctx, stream.SessionPath(string(rideID)), ls); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.limiters, rideID)
	if t, ok := p.removals[rideID]; ok {
		t.Stop()
	}
	p.removals[rideID] = time.AfterFunc(p.cfg.EndGrace, func() { p.remove(rideID) })
	p.mu.Unlock()

	p.log.Info("live session closed", zap.String("ride_id", string(rideID)), zap.String("status", string(status)), zap.Duration("remove_after", p.cfg.EndGrace))
	return nil
}

func (p *Publisher) remove(rideID types.ID) {
	p.mu.Lock()
	delete(p.removals, rideID)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.stream.Remove(ctx, stream.LiveRidePath(string(rideID))); err != nil {
		p.log.Warn("remove live ride keys", zap.String("ride_id", string(rideID)), zap.Error(err))
	}
}

// Shutdown removes every pending ride immediately.
func (p *Publisher) Shutdown() {
	p.mu.Lock()
	pending := make([]types.ID, 0, len(p.removals))
	for id, t := range p.removals {
		t.Stop()
		pending = append(pending, id)
	}
	p.mu.Unlock()
	for _, id := range pending {
		p.remove(id)
	}
}

// Publish records the driver's position for an en-route ride. Writes beyond
// the per-ride rate are dropped and reported as written=false.
func (p *Publisher) Publish(ctx context.Context, rideID, driverID types.ID, smp Sample) (bool, error) {
	if !smp.Point().Valid() {
		return false, ErrBadSample
	}
	var ls LiveSession
	ok, err := p.stream.Read(ctx, stream.SessionPath(string(rideID)), &ls)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNoSession
	}
	if ls.DriverID != driverID {
		return false, ErrNotRideOwner
	}
	if ls.Status != SessionEnRoute {
		return false, ErrSessionEnded
	}
	if !p.limiter(rideID).Allow() {
		return false, nil
	}
	if smp.Timestamp == 0 {
		smp.Timestamp = types.MillisOf(p.now())
	}
	if err := p.stream.Write(ctx, stream.CurrentLocationPath(string(rideID)), smp); err != nil {
		return false, err
	}
	return true, nil
}

// Current returns the last published sample of a ride.
func (p *Publisher) Current(ctx context.Context, rideID types.ID) (Sample, bool, error) {
	var smp Sample
	ok, err := p.stream.Read(ctx, stream.CurrentLocationPath(string(rideID)), &smp)
	return smp, ok, err
}

// Session returns the live session record of a ride.
func (p *Publisher) Session(ctx context.Context, rideID types.ID) (LiveSession, bool, error) {
	var ls LiveSession
	ok, err := p.stream.Read(ctx, stream.SessionPath(string(rideID)), &ls)
	return ls, ok, err
}

func (p *Publisher) limiter(rideID types.ID) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[rideID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.WritesPerSecond), 1)
		p.limiters[rideID] = l
	}
	return l
}
