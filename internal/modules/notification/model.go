// README: Notification record, categories and the typed event catalogue.
package notification

import (
	"fmt"

	"campusride/internal/apperr"
	"campusride/internal/types"
)

type Category string

const (
	CategoryRide   Category = "ride"
	CategoryPool   Category = "pool"
	CategorySystem Category = "system"
	CategoryAlert  Category = "alert"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryRide, CategoryPool, CategorySystem, CategoryAlert:
		return true
	}
	return false
}

// Type names a domain event that produces a notification.
type Type string

const (
	TypeRideAccepted   Type = "ride_accepted"
	TypeRideStarted    Type = "ride_started"
	TypeRideCompleted  Type = "ride_completed"
	TypeRideCancelled  Type = "ride_cancelled"
	TypeDriverArriving Type = "driver_arriving"
	TypePoolJoined     Type = "pool_joined"
	TypePoolDeparted   Type = "pool_departed"
	TypePoolCancelled  Type = "pool_cancelled"
	TypeSystemUpdate   Type = "system_update"
)

var (
	ErrNotFound    = apperr.NotFound("notification_not_found", "notification not found")
	ErrForbidden   = apperr.Forbidden("not_notification_owner", "notification belongs to another user")
	ErrBadRequest  = apperr.InvalidArgument("bad_notification", "user, title and a valid category are required")
	ErrUnknownType = apperr.InvalidArgument("unknown_notification_type", "unknown notification type")
)

type Notification struct {
	ID       types.ID `json:"-"`
	UserID   types.ID `json:"userId"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Category Category `json:"type"`
	Read     bool     `json:"read"`
	// EventID together with UserID is the idempotency key.
	EventID   string            `json:"eventId,omitempty"`
	CreatedAt types.Millis      `json:"createdAt"`
	Data      map[string]string `json:"data,omitempty"`
}

// Content is the rendered text of a typed event.
type Content struct {
	Title    string
	Message  string
	Category Category
}

// Render fills the catalogue entry for t. Optional data keys: driverName,
// eta (minutes), poolName, message.
func Render(t Type, data map[string]string) (Content, error) {
	switch t {
	case TypeRideAccepted:
		msg := "Your ride request has been accepted."
		if name := data["driverName"]; name != "" {
			msg = name + " has accepted your ride request."
		}
		return Content{"Ride Accepted!", msg, CategoryRide}, nil
	case TypeRideStarted:
		return Content{"Ride Started", "Your driver is on the way. Track your ride in real-time.", CategoryRide}, nil
	case TypeRideCompleted:
		return Content{"Ride Completed", "You've arrived at your destination. Thanks for riding!", CategoryRide}, nil
	case TypeRideCancelled:
		return Content{"Ride Cancelled", "Your ride has been cancelled.", CategoryRide}, nil
	case TypeDriverArriving:
		msg := "Your driver is almost there!"
		if eta := data["eta"]; eta != "" {
			msg = fmt.Sprintf("Your driver will arrive in %s minutes.", eta)
		}
		return Content{"Driver Arriving Soon!", msg, CategoryAlert}, nil
	case TypePoolJoined:
		msg := "You've successfully joined the pool."
		if name := data["poolName"]; name != "" {
			msg = fmt.Sprintf("You've joined the %s pool.", name)
		}
		return Content{"Pool Joined!", msg, CategoryPool}, nil
	case TypePoolDeparted:
		return Content{"Pool Departed", "Your pool has departed. Enjoy your ride!", CategoryPool}, nil
	case TypePoolCancelled:
		msg := "A pool you joined was cancelled by its creator."
		if name := data["poolName"]; name != "" {
			msg = fmt.Sprintf("The %s pool was cancelled by its creator.", name)
		}
		return Content{"Pool Cancelled", msg, CategoryPool}, nil
	case TypeSystemUpdate:
		msg := data["message"]
		if msg == "" {
			msg = "There's an update to the CampusRide app."
		}
		return Content{"System Update", msg, CategorySystem}, nil
	}
	return Content{}, ErrUnknownType
}
