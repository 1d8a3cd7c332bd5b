// README: Live location samples, live ride sessions and tracker display states.
package tracking

import (
	"time"

	"campusride/internal/apperr"
	"campusride/internal/types"
)

// Sample is one raw position report from a driver device.
type Sample struct {
	Lat       float64      `json:"lat"`
	Lng       float64      `json:"lng"`
	Timestamp types.Millis `json:"timestamp"`
	Heading   *float64     `json:"heading,omitempty"`
	Speed     *float64     `json:"speed,omitempty"`
}

func (s Sample) Point() types.Point { return types.Point{Lat: s.Lat, Lng: s.Lng} }

type SessionStatus string

const (
	SessionEnRoute   SessionStatus = "en_route"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// LiveSession is the record kept next to a ride's current location while
// the ride is being streamed.
type LiveSession struct {
	RideID    types.ID      `json:"rideId"`
	DriverID  types.ID      `json:"driverId"`
	Status    SessionStatus `json:"status"`
	Pickup    types.Point   `json:"pickup"`
	Dropoff   types.Point   `json:"dropoff"`
	ETAText   string        `json:"etaText,omitempty"`
	StartedAt types.Millis  `json:"startedAt"`
	EndedAt   types.Millis  `json:"endedAt,omitempty"`
}

// State is what a tracking view should show.
type State string

const (
	StateWaiting State = "waiting"
	StateLive    State = "live"
	StateLost    State = "lost"
	StateEnded   State = "ended"
)

type Config struct {
	Steps        int
	StepInterval time.Duration
	StaleAfter   time.Duration
	EndGrace     time.Duration
	ETATimeout   time.Duration
	// WritesPerSecond throttles driver location writes per ride.
	WritesPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.Steps <= 0 {
		c.Steps = 15
	}
	if c.StepInterval <= 0 {
		c.StepInterval = 60 * time.Millisecond
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.EndGrace <= 0 {
		c.EndGrace = time.Minute
	}
	if c.ETATimeout <= 0 {
		c.ETATimeout = 5 * time.Second
	}
	if c.WritesPerSecond <= 0 {
		c.WritesPerSecond = 2
	}
	return c
}

var (
	ErrNoSession    = apperr.NotFound("no_live_session", "ride has no live session")
	ErrNotRideOwner = apperr.Forbidden("not_session_driver", "only the assigned driver may publish this ride's location")
	ErrSessionEnded = apperr.Conflict("session_not_en_route", "ride is not en route")
	ErrBadSample    = apperr.InvalidArgument("bad_sample", "latitude or longitude out of range")
)
