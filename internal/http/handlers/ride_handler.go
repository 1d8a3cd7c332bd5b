// README: Ride handlers for riders and drivers; every status change goes through the orchestrator.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"campusride/internal/apperr"
	"campusride/internal/http/middleware"
	"campusride/internal/identity"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

var errNotParticipant = apperr.Forbidden("not_ride_participant", "ride belongs to other users")

// RideHistory reads a ride's recorded transitions.
type RideHistory interface {
	History(ctx context.Context, rideID types.ID) ([]ride.Event, error)
}

type RideHandler struct {
	ride    *ride.Service
	history RideHistory
}

func NewRideHandler(svc *ride.Service, history RideHistory) *RideHandler {
	return &RideHandler{ride: svc, history: history}
}

type placeReq struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

func (p placeReq) place() ride.Place {
	return ride.Place{Name: p.Name, Point: types.Point{Lat: p.Lat, Lng: p.Lng}}
}

type createRideReq struct {
	Pickup        placeReq   `json:"pickup"`
	Dropoff       placeReq   `json:"dropoff"`
	ScheduledTime int64      `json:"scheduledTime"`
	Passengers    []types.ID `json:"passengers"`
}

type acceptRideReq struct {
	DriverName string `json:"driverName"`
	VehicleID  string `json:"vehicleId"`
}

type cancelRideReq struct {
	Reason string `json:"reason"`
}

type arrivingReq struct {
	ETAMinutes int `json:"etaMinutes"`
}

type rideResp struct {
	ID            types.ID     `json:"id"`
	PoolID        types.ID     `json:"poolId,omitempty"`
	Pickup        ride.Place   `json:"pickup"`
	Dropoff       ride.Place   `json:"dropoff"`
	ScheduledTime types.Millis `json:"scheduledTime"`
	Status        ride.Status  `json:"status"`
	CreatedBy     types.ID     `json:"createdBy"`
	Passengers    []types.ID   `json:"passengers"`
	DriverID      types.ID     `json:"driverId,omitempty"`
	DriverName    string       `json:"driverName,omitempty"`
	VehicleID     string       `json:"vehicleId,omitempty"`
	StartedAt     types.Millis `json:"startedAt,omitempty"`
	CompletedAt   types.Millis `json:"completedAt,omitempty"`
	CancelledAt   types.Millis `json:"cancelledAt,omitempty"`
}

func toRideResp(r *ride.Ride) rideResp {
	return rideResp{
		ID:            r.ID,
		PoolID:        r.PoolID,
		Pickup:        r.Pickup,
		Dropoff:       r.Dropoff,
		ScheduledTime: r.ScheduledTime,
		Status:        r.Status,
		CreatedBy:     r.CreatedBy,
		Passengers:    r.Passengers,
		DriverID:      r.DriverID,
		DriverName:    r.DriverName,
		VehicleID:     r.VehicleID,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		CancelledAt:   r.CancelledAt,
	}
}

func toRideList(list []*ride.Ride) []rideResp {
	out := make([]rideResp, 0, len(list))
	for _, r := range list {
		out = append(out, toRideResp(r))
	}
	return out
}

// canView reports whether the caller may read the ride and its live data.
func canView(caller identity.Identity, r *ride.Ride) bool {
	uid := types.ID(caller.UID)
	return caller.Role == identity.RoleAdmin || r.DriverID == uid || r.IsPassenger(uid)
}

// loadVisible fetches a ride and checks the caller may see it.
func loadVisible(c *gin.Context, svc *ride.Service, id types.ID) (*ride.Ride, bool) {
	r, err := svc.Get(c.Request.Context(), id)
	if err != nil {
		writeAppError(c, err)
		return nil, false
	}
	if !canView(middleware.Caller(c), r) {
		writeAppError(c, errNotParticipant)
		return nil, false
	}
	return r, true
}

func (h *RideHandler) Create(c *gin.Context) {
	var req createRideReq
	if !bindJSON(c, &req) {
		return
	}
	r, err := h.ride.Create(c.Request.Context(), ride.CreateCommand{
		CreatorID:     middleware.CallerUID(c),
		Pickup:        req.Pickup.place(),
		Dropoff:       req.Dropoff.place(),
		ScheduledTime: millisTime(req.ScheduledTime),
		Passengers:    req.Passengers,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toRideResp(r))
}

func (h *RideHandler) Mine(c *gin.Context) {
	list, err := h.ride.ListByUser(c.Request.Context(), middleware.CallerUID(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rides": toRideList(list)})
}

func (h *RideHandler) Get(c *gin.Context) {
	r, ok := loadVisible(c, h.ride, types.ID(c.Param("id")))
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, toRideResp(r))
}

func (h *RideHandler) Cancel(c *gin.Context) {
	var req cancelRideReq
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	r, err := h.ride.Cancel(c.Request.Context(), ride.CancelCommand{
		RideID:  types.ID(c.Param("id")),
		ActorID: middleware.CallerUID(c),
		Reason:  req.Reason,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResp(r))
}

func (h *RideHandler) History(c *gin.Context) {
	r, ok := loadVisible(c, h.ride, types.ID(c.Param("id")))
	if !ok {
		return
	}
	if h.history == nil {
		writeJSON(c, http.StatusOK, map[string]any{"events": []any{}})
		return
	}
	events, err := h.history.History(c.Request.Context(), r.ID)
	if err != nil {
		writeAppError(c, apperr.Unavailable("event log", err))
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{
			"from":    e.From,
			"to":      e.To,
			"actorId": e.ActorID,
			"at":      types.MillisOf(e.CreatedAt),
		})
	}
	writeJSON(c, http.StatusOK, map[string]any{"events": out})
}

// Pending lists rides waiting for a driver.
func (h *RideHandler) Pending(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.ride.ListPending(c.Request.Context(), limit)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rides": toRideList(list)})
}

func (h *RideHandler) Assigned(c *gin.Context) {
	list, err := h.ride.ListByDriver(c.Request.Context(), middleware.CallerUID(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rides": toRideList(list)})
}

func (h *RideHandler) Accept(c *gin.Context) {
	var req acceptRideReq
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	r, err := h.ride.Accept(c.Request.Context(), ride.AcceptCommand{
		RideID:     types.ID(c.Param("id")),
		DriverID:   middleware.CallerUID(c),
		DriverName: req.DriverName,
		VehicleID:  req.VehicleID,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResp(r))
}

func (h *RideHandler) Start(c *gin.Context) {
	r, err := h.ride.Start(c.Request.Context(), ride.StartCommand{
		RideID:   types.ID(c.Param("id")),
		DriverID: middleware.CallerUID(c),
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResp(r))
}

func (h *RideHandler) Complete(c *gin.Context) {
	r, err := h.ride.Complete(c.Request.Context(), ride.CompleteCommand{
		RideID:   types.ID(c.Param("id")),
		DriverID: middleware.CallerUID(c),
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResp(r))
}

func (h *RideHandler) Arriving(c *gin.Context) {
	var req arrivingReq
	if !bindJSON(c, &req) {
		return
	}
	err := h.ride.DriverArriving(c.Request.Context(), ride.ArrivingCommand{
		RideID:     types.ID(c.Param("id")),
		DriverID:   middleware.CallerUID(c),
		ETAMinutes: req.ETAMinutes,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "sent"})
}
