// README: Rider-side tracking: subscribes to a ride's live keys, smooths positions and detects staleness.
package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"campusride/internal/live"
	"campusride/internal/observability"
	"campusride/internal/stream"
	"campusride/internal/types"
)

type Tracker struct {
	stream stream.Stream
	eta    *ETAResolver
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func NewTracker(st stream.Stream, eta *ETAResolver, cfg Config, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{stream: st, eta: eta, cfg: cfg.withDefaults(), log: log, now: time.Now}
}

// View receives a tracking session's output. All callbacks are optional and
// may be called from different goroutines, but never after Close returns.
type View struct {
	OnPosition func(types.Point)
	OnState    func(State)
	OnETA      func(text string)
}

// Session follows one ride until Close or until the ride ends.
type Session struct {
	t      *Tracker
	rideID types.ID
	view   View

	ctx    context.Context
	cancel context.CancelFunc
	alive  *live.Handle

	smoother *Smoother

	mu        sync.Mutex
	state     State
	lastStamp types.Millis
	lastGen   uint64
	seenLive  bool
	etaKey    string
	closed    bool

	subs []*live.Handle
	loc  *live.Handle
	wg   sync.WaitGroup
	once sync.Once
}

// Track opens a session for rideID. The first position shown is the current
// sample, without interpolation.
func (t *Tracker) Track(ctx context.Context, rideID types.ID, view View) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		t:      t,
		rideID: rideID,
		view:   view,
		ctx:    ctx,
		cancel: cancel,
		alive:  live.NewHandle(ctx),
		state:  StateWaiting,
	}
	s.smoother = NewSmoother(t.cfg.Steps, t.cfg.StepInterval, func(p types.Point) {
		s.alive.Dispatch(func() {
			if view.OnPosition != nil {
				view.OnPosition(p)
			}
		})
	})

	observability.TrackingSessionsActive.Inc()
	// Registered before subscribing: a terminal first record closes the
	// session from inside the callback.
	s.spawn(s.watchdog)

	sessSub, err := t.stream.Subscribe(ctx, stream.SessionPath(string(rideID)), s.onSession)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.keep(sessSub, false)
	locSub, err := t.stream.Subscribe(ctx, stream.CurrentLocationPath(string(rideID)), func(raw json.RawMessage, ok bool) {
		s.onSample(raw, ok, locGeneration(s))
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.keep(locSub, true)
	t.log.Debug("tracking started", zap.String("ride_id", string(rideID)))
	return s, nil
}

// keep registers a subscription for Close, or cancels it when the session
// already closed.
func (s *Session) keep(h *live.Handle, loc bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.Cancel()
		return
	}
	s.subs = append(s.subs, h)
	if loc {
		s.loc = h
	}
	s.mu.Unlock()
}

// spawn runs fn on its own goroutine unless the session is closed. Close
// waits for it.
func (s *Session) spawn(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// locGeneration reads the location subscription's restart count; 0 until
// Track has stored the handle.
func locGeneration(s *Session) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		return 0
	}
	return s.loc.Generation()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close cancels both subscriptions and the smoother. No View callback runs
// after Close returns.
func (s *Session) Close() {
	s.once.Do(func() {
		s.alive.Cancel()
		s.mu.Lock()
		s.closed = true
		subs := s.subs
		s.mu.Unlock()
		for _, h := range subs {
			h.Cancel()
		}
		s.cancel()
		s.smoother.Close()
		s.wg.Wait()
		observability.TrackingSessionsActive.Dec()
		s.t.log.Debug("tracking stopped", zap.String("ride_id", string(s.rideID)))
	})
}

func (s *Session) onSession(raw json.RawMessage, ok bool) {
	if !ok {
		s.mu.Lock()
		ended := s.seenLive
		s.mu.Unlock()
		if ended {
			s.end()
		}
		return
	}
	var ls LiveSession
	if err := json.Unmarshal(raw, &ls); err != nil {
		s.t.log.Warn("bad live session record", zap.String("ride_id", string(s.rideID)), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.seenLive = true
	s.mu.Unlock()
	if ls.Status.Terminal() {
		s.end()
		return
	}
	s.resolveETA(ls.Pickup, ls.Dropoff)
}

func (s *Session) onSample(raw json.RawMessage, ok bool, gen uint64) {
	if !ok {
		return
	}
	var smp Sample
	if err := json.Unmarshal(raw, &smp); err != nil {
		s.t.log.Warn("bad location sample", zap.String("ride_id", string(s.rideID)), zap.Error(err))
		return
	}

	if smp.Timestamp == 0 {
		smp.Timestamp = types.MillisOf(s.t.now())
	}

	s.mu.Lock()
	if s.state == StateEnded || smp.Timestamp < s.lastStamp {
		s.mu.Unlock()
		return
	}
	restarted := gen != s.lastGen
	s.lastGen = gen
	s.lastStamp = smp.Timestamp
	stale := s.isStaleLocked()
	prev := s.state
	if stale {
		s.mu.Unlock()
		s.setState(StateLost)
		return
	}
	s.mu.Unlock()

	if restarted || prev == StateLost {
		s.smoother.Reset()
	}
	s.setState(StateLive)
	s.smoother.Push(smp.Point())
}

func (s *Session) isStaleLocked() bool {
	if s.lastStamp == 0 {
		return false
	}
	return s.t.now().Sub(s.lastStamp.Time()) > s.t.cfg.StaleAfter
}

func (s *Session) watchdog() {
	tick := s.t.cfg.StaleAfter / 4
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		stale := s.state == StateLive && s.isStaleLocked()
		s.mu.Unlock()
		if stale {
			s.setState(StateLost)
		}
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	if st == StateLost {
		observability.TrackingLost.Inc()
		s.t.log.Info("tracking lost", zap.String("ride_id", string(s.rideID)))
	}
	s.alive.Dispatch(func() {
		if s.view.OnState != nil {
			s.view.OnState(st)
		}
	})
}

// end reports the terminal state and stops delivering anything else.
func (s *Session) end() {
	s.setState(StateEnded)
	s.alive.Cancel()
	go s.Close()
}

func (s *Session) resolveETA(pickup, dropoff types.Point) {
	key := pickup.String() + "|" + dropoff.String()
	s.mu.Lock()
	if key == s.etaKey {
		s.mu.Unlock()
		return
	}
	s.etaKey = key
	s.mu.Unlock()

	s.spawn(func() {
		text, ok := s.t.eta.Resolve(s.ctx, pickup, dropoff)
		if !ok {
			return
		}
		s.alive.Dispatch(func() {
			if s.view.OnETA != nil {
				s.view.OnETA(text)
			}
		})
	})
}
