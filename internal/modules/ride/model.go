// README: Ride aggregate, forward-only status flow and transition events.
package ride

import (
	"slices"
	"time"

	"campusride/internal/apperr"
	"campusride/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusEnRoute   Status = "en_route"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// AllowedTransitions represents the ride state flow as code. There are no
// back edges and nothing leaves completed or cancelled.
var AllowedTransitions = map[Status][]Status{
	StatusPending:   {StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusEnRoute, StatusCancelled},
	StatusEnRoute:   {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	return slices.Contains(AllowedTransitions[from], to)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var (
	ErrNotFound     = apperr.NotFound("ride_not_found", "ride not found")
	ErrInvalidState = apperr.Conflict("invalid_ride_transition", "ride cannot move to that status from its current one")
	ErrConflict     = apperr.Conflict("ride_state_conflict", "ride changed concurrently, refresh and retry")
	ErrNotDriver    = apperr.Forbidden("not_assigned_driver", "only the assigned driver can do this")
	ErrNotAllowed   = apperr.Forbidden("cancel_not_allowed", "only the ride creator or its driver can cancel it")
	ErrNoAssignment = apperr.InvalidArgument("no_assignment", "scheduling a ride requires a driver")
	ErrInvalidRoute = apperr.InvalidArgument("invalid_route", "pickup and dropoff must differ")
	ErrBadRequest   = apperr.InvalidArgument("bad_ride_request", "creator, pickup, dropoff and scheduled time are required")
)

// Place is a named coordinate.
type Place struct {
	Name  string      `json:"name"`
	Point types.Point `json:"point"`
}

type Ride struct {
	ID            types.ID     `json:"-"`
	Version       int64        `json:"-"`
	PoolID        types.ID     `json:"poolId,omitempty"`
	Pickup        Place        `json:"pickup"`
	Dropoff       Place        `json:"dropoff"`
	ScheduledTime types.Millis `json:"scheduledTime"`
	Status        Status       `json:"status"`
	CreatedBy     types.ID     `json:"createdBy"`
	Passengers    []types.ID   `json:"passengers"`
	DriverID      types.ID     `json:"driverId,omitempty"`
	DriverName    string       `json:"driverName,omitempty"`
	VehicleID     string       `json:"vehicleId,omitempty"`
	CreatedAt     types.Millis `json:"createdAt"`
	ScheduledAt   types.Millis `json:"scheduledAt,omitempty"`
	StartedAt     types.Millis `json:"startedAt,omitempty"`
	CompletedAt   types.Millis `json:"completedAt,omitempty"`
	CancelledAt   types.Millis `json:"cancelledAt,omitempty"`
	CancelledBy   types.ID     `json:"cancelledBy,omitempty"`
	CancelReason  string       `json:"cancelReason,omitempty"`
}

func (r *Ride) IsPassenger(userID types.ID) bool {
	return slices.Contains(r.Passengers, userID)
}

// Event is one committed status change.
type Event struct {
	RideID    types.ID
	From      Status
	To        Status
	ActorID   types.ID
	CreatedAt time.Time
}
