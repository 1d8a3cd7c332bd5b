// README: Routing collaborator backed by the Google Maps Directions API.
package maps

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"campusride/internal/apperr"
	"campusride/internal/observability"
	"campusride/internal/types"
)

type Mode string

const (
	ModeDriving Mode = "driving"
	ModeWalking Mode = "walking"
)

// Route is the first route the Directions API returned.
type Route struct {
	Path         []types.Point
	Duration     time.Duration
	DurationText string
	DistanceText string
}

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// Route asks for directions between two coordinates. Any failure, including
// an empty result, is reported as Unavailable.
func (s *RouteService) Route(ctx context.Context, origin, destination types.Point, mode Mode) (Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      origin.String(),
		Destination: destination.String(),
		Mode:        travelMode(mode),
	}

	started := time.Now()
	routes, _, err := s.client.Directions(ctx, r)
	observability.RouteLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		return Route{}, apperr.Unavailable("routing", fmt.Errorf("maps api error: %w", err))
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, apperr.Unavailable("routing", fmt.Errorf("no route found"))
	}

	leg := routes[0].Legs[0]
	out := Route{
		Duration:     leg.Duration,
		DurationText: FormatDuration(leg.Duration),
		DistanceText: leg.Distance.HumanReadable,
	}
	if pts, err := routes[0].OverviewPolyline.Decode(); err == nil {
		out.Path = make([]types.Point, 0, len(pts))
		for _, p := range pts {
			out.Path = append(out.Path, types.Point{Lat: p.Lat, Lng: p.Lng})
		}
	}
	return out, nil
}

func travelMode(m Mode) maps.Mode {
	if m == ModeWalking {
		return maps.TravelModeWalking
	}
	return maps.TravelModeDriving
}

// FormatDuration renders d the way the Directions API words durations,
// rounded to the nearest minute: "1 min", "12 mins", "1 hour 5 mins".
func FormatDuration(d time.Duration) string {
	mins := int((d + 30*time.Second) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	hours, mins := mins/60, mins%60
	switch {
	case hours == 0:
		return plural(mins, "min")
	case mins == 0:
		return plural(hours, "hour")
	default:
		return plural(hours, "hour") + " " + plural(mins, "min")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
