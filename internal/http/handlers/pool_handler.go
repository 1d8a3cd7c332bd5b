// README: Pool handlers: create, browse, join, leave and cancel.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"campusride/internal/http/middleware"
	"campusride/internal/modules/pool"
	"campusride/internal/types"
)

type PoolHandler struct {
	pool *pool.Service
}

func NewPoolHandler(svc *pool.Service) *PoolHandler {
	return &PoolHandler{pool: svc}
}

type pointReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p pointReq) point() types.Point { return types.Point{Lat: p.Lat, Lng: p.Lng} }

type createPoolReq struct {
	Name          string   `json:"name"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	FromPoint     pointReq `json:"fromPoint"`
	ToPoint       pointReq `json:"toPoint"`
	DepartureTime int64    `json:"departureTime"`
	Capacity      int      `json:"capacity"`
}

type joinPoolReq struct {
	Pickup  string `json:"pickup"`
	Dropoff string `json:"dropoff"`
}

type poolResp struct {
	ID            types.ID     `json:"id"`
	Name          string       `json:"name"`
	Route         pool.Route   `json:"route"`
	DepartureTime types.Millis `json:"departureTime"`
	Capacity      int          `json:"capacity"`
	SeatsLeft     int          `json:"seatsLeft"`
	Passengers    []types.ID   `json:"passengers"`
	Stops         []pool.Stop  `json:"stops"`
	CreatedBy     types.ID     `json:"createdBy"`
	Status        pool.Status  `json:"status"`
	RideID        types.ID     `json:"rideId,omitempty"`
}

func toPoolResp(p *pool.Pool) poolResp {
	return poolResp{
		ID:            p.ID,
		Name:          p.Name,
		Route:         p.Route,
		DepartureTime: p.DepartureTime,
		Capacity:      p.Capacity,
		SeatsLeft:     p.SeatsLeft(),
		Passengers:    p.Passengers,
		Stops:         p.Stops,
		CreatedBy:     p.CreatedBy,
		Status:        p.Status,
		RideID:        p.RideID,
	}
}

func toPoolList(list []*pool.Pool) []poolResp {
	out := make([]poolResp, 0, len(list))
	for _, p := range list {
		out = append(out, toPoolResp(p))
	}
	return out
}

func (h *PoolHandler) Create(c *gin.Context) {
	var req createPoolReq
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.pool.Create(c.Request.Context(), pool.CreateCommand{
		CreatorID: middleware.CallerUID(c),
		Name:      req.Name,
		Route: pool.Route{
			From:      req.From,
			To:        req.To,
			FromPoint: req.FromPoint.point(),
			ToPoint:   req.ToPoint.point(),
		},
		DepartureTime: millisTime(req.DepartureTime),
		Capacity:      req.Capacity,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toPoolResp(p))
}

func (h *PoolHandler) ListOpen(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.pool.ListOpen(c.Request.Context(), limit)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"pools": toPoolList(list)})
}

func (h *PoolHandler) Mine(c *gin.Context) {
	list, err := h.pool.ListByMember(c.Request.Context(), middleware.CallerUID(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"pools": toPoolList(list)})
}

func (h *PoolHandler) Get(c *gin.Context) {
	p, err := h.pool.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toPoolResp(p))
}

func (h *PoolHandler) Join(c *gin.Context) {
	var req joinPoolReq
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	n, err := h.pool.Join(c.Request.Context(), pool.JoinCommand{
		PoolID:  types.ID(c.Param("id")),
		UserID:  middleware.CallerUID(c),
		Pickup:  req.Pickup,
		Dropoff: req.Dropoff,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"members": n})
}

func (h *PoolHandler) Leave(c *gin.Context) {
	err := h.pool.Leave(c.Request.Context(), pool.LeaveCommand{
		PoolID: types.ID(c.Param("id")),
		UserID: middleware.CallerUID(c),
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "left"})
}

func (h *PoolHandler) Cancel(c *gin.Context) {
	err := h.pool.Cancel(c.Request.Context(), pool.CancelCommand{
		PoolID:      types.ID(c.Param("id")),
		RequesterID: middleware.CallerUID(c),
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "cancelled"})
}

func millisTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
