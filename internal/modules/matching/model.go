// README: Driver availability, the geo index of online drivers and ride assignment locks.
package matching

import (
	"context"
	"time"

	"campusride/internal/apperr"
	"campusride/internal/types"
)

// Driver is an online driver as indexed for assignment.
type Driver struct {
	ID        types.ID
	Name      string
	VehicleID string
	Position  types.Point
}

// DriverStatus is mirrored to the location stream for riders and admins.
type DriverStatus struct {
	Online    bool         `json:"online"`
	LastSeen  types.Millis `json:"lastSeen"`
	Name      string       `json:"name,omitempty"`
	VehicleID string       `json:"vehicleId,omitempty"`
}

var (
	ErrNoDriver    = apperr.NotFound("no_driver_available", "no driver available near the pickup")
	ErrBadPosition = apperr.InvalidArgument("bad_position", "latitude or longitude out of range")
	ErrBadRequest  = apperr.InvalidArgument("bad_driver_request", "driver id is required")
	ErrDriverBusy  = apperr.Conflict("driver_busy", "driver is already assigned to another ride")
)

// Index is the set of online drivers with their last position, plus a
// per-driver lock that keeps one driver from being assigned two rides at once.
type Index interface {
	AddDriver(ctx context.Context, d Driver) error
	RemoveDriver(ctx context.Context, id types.ID) error
	Driver(ctx context.Context, id types.ID) (Driver, bool, error)
	// NearbyDrivers returns driver ids within radiusKm of p, nearest first.
	NearbyDrivers(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error)
	AcquireLock(ctx context.Context, driverID, rideID types.ID, ttl time.Duration) (bool, error)
	// HoldLock takes or keeps the lock for rideID with no expiry. It reports
	// false when another ride holds it.
	HoldLock(ctx context.Context, driverID, rideID types.ID) (bool, error)
	// ReleaseLock frees the lock only if rideID still holds it.
	ReleaseLock(ctx context.Context, driverID, rideID types.ID) error
}
