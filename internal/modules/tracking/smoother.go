package tracking

import (
	"sync"
	"time"

	"campusride/internal/types"
)

// Smoother turns sparse position targets into evenly spaced display points.
// Each new target starts a run of Steps points, one every Interval, from the
// last displayed point to the target. A target arriving mid-run preempts the
// run. The first target after construction or Reset is shown immediately.
type Smoother struct {
	steps    int
	interval time.Duration
	emit     func(types.Point)

	pushMu sync.Mutex

	mu       sync.Mutex
	shown    types.Point
	hasShown bool
	target   types.Point
	stop     chan struct{}
	done     chan struct{}
	closed   bool
}

// NewSmoother calls emit for every displayed point. emit must not call back
// into the Smoother's Push, Reset or Close.
func NewSmoother(steps int, interval time.Duration, emit func(types.Point)) *Smoother {
	if steps <= 0 {
		steps = 1
	}
	return &Smoother{steps: steps, interval: interval, emit: emit}
}

func (s *Smoother) Push(target types.Point) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.hasShown && target == s.target {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.halt()

	s.mu.Lock()
	if !s.hasShown {
		s.shown, s.target, s.hasShown = target, target, true
		s.mu.Unlock()
		s.emit(target)
		return
	}
	from := s.shown
	s.target = target
	stop, done := make(chan struct{}), make(chan struct{})
	s.stop, s.done = stop, done
	s.mu.Unlock()

	go s.run(from, target, stop, done)
}

// Position returns the last displayed point.
func (s *Smoother) Position() (types.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shown, s.hasShown
}

// Reset abandons any run; the next Push snaps.
func (s *Smoother) Reset() {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	s.halt()
	s.mu.Lock()
	s.hasShown = false
	s.mu.Unlock()
}

func (s *Smoother) Close() {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.halt()
}

// halt stops the running interpolation and waits for it to exit, so shown is
// exactly the last emitted point afterwards.
func (s *Smoother) halt() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Smoother) run(from, to types.Point, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i := 1; i <= s.steps; i++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		p := to
		if i < s.steps {
			f := float64(i) / float64(s.steps)
			p = types.Point{
				Lat: from.Lat + (to.Lat-from.Lat)*f,
				Lng: from.Lng + (to.Lng-from.Lng)*f,
			}
		}
		s.emit(p)
		s.mu.Lock()
		s.shown = p
		s.mu.Unlock()
	}
}
