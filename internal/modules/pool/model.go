// README: Pool aggregate, membership rules and status definitions.
package pool

import (
	"slices"

	"campusride/internal/apperr"
	"campusride/internal/types"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusFull     Status = "full"
	StatusDeparted Status = "departed"
)

var (
	ErrNotFound      = apperr.NotFound("pool_not_found", "pool not found")
	ErrNotMember     = apperr.NotFound("not_pool_member", "user is not a member of this pool")
	ErrAlreadyMember = apperr.Conflict("already_member", "user already joined this pool")
	ErrFull          = apperr.Conflict("pool_full", "pool just filled up, refresh to see other pools")
	ErrDeparted      = apperr.Conflict("pool_departed", "pool has already departed")
	ErrBusy          = apperr.Conflict("pool_busy", "pool is changing too quickly, retry")
	ErrInvalidRoute  = apperr.InvalidArgument("invalid_route", "pickup and dropoff must differ")
	ErrBadRequest    = apperr.InvalidArgument("bad_pool_request", "name, capacity and departure time are required")
	ErrForbidden     = apperr.Forbidden("not_pool_creator", "only the pool creator can cancel it")
)

// Route is the pool's shared origin and destination.
type Route struct {
	From      string      `json:"from"`
	To        string      `json:"to"`
	FromPoint types.Point `json:"fromPoint"`
	ToPoint   types.Point `json:"toPoint"`
}

// Stop records where one member boards and leaves.
type Stop struct {
	UserID   types.ID     `json:"userId"`
	Pickup   string       `json:"pickup"`
	Dropoff  string       `json:"dropoff"`
	JoinedAt types.Millis `json:"joinedAt"`
}

type Pool struct {
	ID            types.ID     `json:"-"`
	Version       int64        `json:"-"`
	Name          string       `json:"name"`
	Route         Route        `json:"route"`
	DepartureTime types.Millis `json:"departureTime"`
	Capacity      int          `json:"capacity"`
	// Passengers is in join order; Stops is kept index-aligned with it.
	Passengers []types.ID   `json:"passengers"`
	Stops      []Stop       `json:"stops"`
	CreatedBy  types.ID     `json:"createdBy"`
	Status     Status       `json:"status"`
	RideID     types.ID     `json:"rideId,omitempty"`
	CreatedAt  types.Millis `json:"createdAt"`
}

func (p *Pool) IsMember(userID types.ID) bool {
	return slices.Contains(p.Passengers, userID)
}

func (p *Pool) SeatsLeft() int {
	return p.Capacity - len(p.Passengers)
}

// statusFor derives open/full from the member count.
func statusFor(members, capacity int) Status {
	if members >= capacity {
		return StatusFull
	}
	return StatusOpen
}

// withMember returns a copy of p with s appended, or the reason it cannot be.
// A stop without pickup or dropoff takes the pool's route end.
func (p Pool) withMember(s Stop) (Pool, error) {
	if s.Pickup == "" {
		s.Pickup = p.Route.From
	}
	if s.Dropoff == "" {
		s.Dropoff = p.Route.To
	}
	if s.Pickup == s.Dropoff {
		return p, ErrInvalidRoute
	}
	if p.Status == StatusDeparted {
		return p, ErrDeparted
	}
	if p.IsMember(s.UserID) {
		return p, ErrAlreadyMember
	}
	if len(p.Passengers) >= p.Capacity {
		return p, ErrFull
	}
	p.Passengers = append(slices.Clone(p.Passengers), s.UserID)
	p.Stops = append(slices.Clone(p.Stops), s)
	p.Status = statusFor(len(p.Passengers), p.Capacity)
	return p, nil
}

// withoutMember returns a copy of p without userID.
func (p Pool) withoutMember(userID types.ID) (Pool, error) {
	if p.Status == StatusDeparted {
		return p, ErrDeparted
	}
	idx := slices.Index(p.Passengers, userID)
	if idx < 0 {
		return p, ErrNotMember
	}
	p.Passengers = slices.Delete(slices.Clone(p.Passengers), idx, idx+1)
	p.Stops = slices.DeleteFunc(slices.Clone(p.Stops), func(s Stop) bool { return s.UserID == userID })
	p.Status = statusFor(len(p.Passengers), p.Capacity)
	return p, nil
}

func (p Pool) membershipPatch() map[string]any {
	return map[string]any{
		"passengers": p.Passengers,
		"stops":      p.Stops,
		"status":     p.Status,
	}
}
