// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campusride/internal/http/handlers"
	"campusride/internal/http/middleware"
	"campusride/internal/identity"
)

func NewRouter(deps ServerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.Auth(deps.Verifier)
	driverOnly := middleware.RequireRole(identity.RoleDriver, identity.RoleAdmin)

	var history handlers.RideHistory
	if deps.History != nil {
		history = deps.History
	}

	api := r.Group("/api", auth)

	poolHandler := handlers.NewPoolHandler(deps.Pool)
	api.POST("/pools", poolHandler.Create)
	api.GET("/pools", poolHandler.ListOpen)
	api.GET("/pools/mine", poolHandler.Mine)
	api.GET("/pools/:id", poolHandler.Get)
	api.POST("/pools/:id/join", poolHandler.Join)
	api.POST("/pools/:id/leave", poolHandler.Leave)
	api.POST("/pools/:id/cancel", poolHandler.Cancel)

	rideHandler := handlers.NewRideHandler(deps.Ride, history)
	api.POST("/rides", rideHandler.Create)
	api.GET("/rides/mine", rideHandler.Mine)
	api.GET("/rides/:id", rideHandler.Get)
	api.GET("/rides/:id/history", rideHandler.History)
	api.POST("/rides/:id/cancel", rideHandler.Cancel)

	notificationHandler := handlers.NewNotificationHandler(deps.Notification)
	api.GET("/notifications", notificationHandler.List)
	api.GET("/notifications/unread_count", notificationHandler.UnreadCount)
	api.POST("/notifications/:id/read", notificationHandler.MarkRead)
	api.POST("/notifications/read_all", notificationHandler.MarkAllRead)
	api.POST("/devices", notificationHandler.RegisterDevice)

	driverHandler := handlers.NewDriverHandler(deps.Matching, deps.Publisher, deps.Ride)
	api.GET("/rides/:id/location", driverHandler.CurrentLocation)

	drivers := api.Group("/driver", driverOnly)
	drivers.POST("/online", driverHandler.Online)
	drivers.POST("/offline", driverHandler.Offline)
	drivers.POST("/heartbeat", driverHandler.Heartbeat)
	drivers.GET("/status/:id", driverHandler.Status)
	drivers.GET("/rides/pending", rideHandler.Pending)
	drivers.GET("/rides/assigned", rideHandler.Assigned)
	drivers.POST("/rides/:id/accept", rideHandler.Accept)
	drivers.POST("/rides/:id/start", rideHandler.Start)
	drivers.POST("/rides/:id/complete", rideHandler.Complete)
	drivers.POST("/rides/:id/arriving", rideHandler.Arriving)
	drivers.PUT("/rides/:id/location", driverHandler.PublishLocation)

	realtime := handlers.NewRealtimeHandler(deps.Notification, deps.Tracker, deps.Ride, deps.Log)
	ws := r.Group("/ws", auth)
	ws.GET("/notifications", realtime.Notifications)
	ws.GET("/rides/:id/track", realtime.Track)

	return r
}
