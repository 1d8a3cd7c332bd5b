// README: Driver availability and live location publishing.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/http/middleware"
	"campusride/internal/modules/matching"
	"campusride/internal/modules/ride"
	"campusride/internal/modules/tracking"
	"campusride/internal/types"
)

type DriverHandler struct {
	matching  *matching.Service
	publisher *tracking.Publisher
	ride      *ride.Service
}

func NewDriverHandler(matchingSvc *matching.Service, publisher *tracking.Publisher, rideSvc *ride.Service) *DriverHandler {
	return &DriverHandler{matching: matchingSvc, publisher: publisher, ride: rideSvc}
}

type onlineReq struct {
	Name      string  `json:"name"`
	VehicleID string  `json:"vehicleId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
}

type sampleReq struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Timestamp int64    `json:"timestamp"`
	Heading   *float64 `json:"heading"`
	Speed     *float64 `json:"speed"`
}

func (h *DriverHandler) Online(c *gin.Context) {
	var req onlineReq
	if !bindJSON(c, &req) {
		return
	}
	err := h.matching.GoOnline(c.Request.Context(), matching.OnlineCommand{
		DriverID:  middleware.CallerUID(c),
		Name:      req.Name,
		VehicleID: req.VehicleID,
		Position:  types.Point{Lat: req.Lat, Lng: req.Lng},
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"online": true})
}

func (h *DriverHandler) Offline(c *gin.Context) {
	if err := h.matching.GoOffline(c.Request.Context(), middleware.CallerUID(c)); err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"online": false})
}

func (h *DriverHandler) Heartbeat(c *gin.Context) {
	var req pointReq
	if !bindJSON(c, &req) {
		return
	}
	if err := h.matching.Heartbeat(c.Request.Context(), middleware.CallerUID(c), req.point()); err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "ok"})
}

// Status is readable by anyone signed in.
func (h *DriverHandler) Status(c *gin.Context) {
	st, ok, err := h.matching.Status(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeAppError(c, err)
		return
	}
	if !ok {
		writeJSON(c, http.StatusOK, matching.DriverStatus{})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// PublishLocation writes the caller's position for an en-route ride. Only
// the session's driver may write; extra samples beyond the throttle are
// acknowledged with written=false.
func (h *DriverHandler) PublishLocation(c *gin.Context) {
	var req sampleReq
	if !bindJSON(c, &req) {
		return
	}
	written, err := h.publisher.Publish(c.Request.Context(), types.ID(c.Param("id")), middleware.CallerUID(c), tracking.Sample{
		Lat:       req.Lat,
		Lng:       req.Lng,
		Timestamp: types.Millis(req.Timestamp),
		Heading:   req.Heading,
		Speed:     req.Speed,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"written": written})
}

// CurrentLocation returns the last sample of a ride the caller takes part in.
func (h *DriverHandler) CurrentLocation(c *gin.Context) {
	r, ok := loadVisible(c, h.ride, types.ID(c.Param("id")))
	if !ok {
		return
	}
	smp, found, err := h.publisher.Current(c.Request.Context(), r.ID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	if !found {
		writeAppError(c, tracking.ErrNoSession)
		return
	}
	writeJSON(c, http.StatusOK, smp)
}
