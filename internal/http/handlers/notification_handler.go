// README: Notification handlers: list, unread count, read state and device registration.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/http/middleware"
	"campusride/internal/modules/notification"
	"campusride/internal/types"
)

type NotificationHandler struct {
	notes *notification.Service
}

func NewNotificationHandler(svc *notification.Service) *NotificationHandler {
	return &NotificationHandler{notes: svc}
}

type notificationResp struct {
	ID        types.ID              `json:"id"`
	Title     string                `json:"title"`
	Message   string                `json:"message"`
	Category  notification.Category `json:"type"`
	Read      bool                  `json:"read"`
	CreatedAt types.Millis          `json:"createdAt"`
	Data      map[string]string     `json:"data,omitempty"`
}

func toNotificationResp(n notification.Notification) notificationResp {
	return notificationResp{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Category:  n.Category,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
		Data:      n.Data,
	}
}

func toNotificationList(list []notification.Notification) []notificationResp {
	out := make([]notificationResp, 0, len(list))
	for _, n := range list {
		out = append(out, toNotificationResp(n))
	}
	return out
}

func (h *NotificationHandler) List(c *gin.Context) {
	list, err := h.notes.List(c.Request.Context(), middleware.CallerUID(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"notifications": toNotificationList(list)})
}

func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	n, err := h.notes.UnreadCount(c.Request.Context(), middleware.CallerUID(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"unread": n})
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	err := h.notes.MarkRead(c.Request.Context(), types.ID(c.Param("id")), middleware.CallerUID(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"read": true})
}

func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	n, err := h.notes.MarkAllRead(c.Request.Context(), middleware.CallerUID(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"marked": n})
}

type deviceTokenReq struct {
	Token string `json:"token"`
}

func (h *NotificationHandler) RegisterDevice(c *gin.Context) {
	var req deviceTokenReq
	if !bindJSON(c, &req) {
		return
	}
	if err := h.notes.RegisterDevice(c.Request.Context(), middleware.CallerUID(c), req.Token); err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "registered"})
}
