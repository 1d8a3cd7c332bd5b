// README: Low-latency key-path store for live ride positions and driver status.
package stream

import (
	"context"
	"encoding/json"
	"strings"

	"campusride/internal/live"
)

// Stream is a hierarchical key-path store. Removing a path removes every path
// below it, and subscribers of those paths observe the removal.
type Stream interface {
	Write(ctx context.Context, path string, value any) error
	// Read decodes the value at path into out and reports whether it exists.
	Read(ctx context.Context, path string, out any) (bool, error)
	// Subscribe delivers the current value once and then every change.
	Subscribe(ctx context.Context, path string, fn func(raw json.RawMessage, exists bool)) (*live.Handle, error)
	Remove(ctx context.Context, path string) error
}

func LiveRidePath(rideID string) string { return "liveRides/" + rideID }
func SessionPath(rideID string) string { return LiveRidePath(rideID) + "/session" }
func CurrentLocationPath(rideID string) string { return LiveRidePath(rideID) + "/currentLocation" }
func DriverStatusPath(driverID string) string { return "drivers/" + driverID + "/status" }

// within reports whether path is root or lies below it.
func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
