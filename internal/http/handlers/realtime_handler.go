// README: WebSocket feeds for notifications and ride tracking.
package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"campusride/internal/http/middleware"
	"campusride/internal/modules/notification"
	"campusride/internal/modules/ride"
	"campusride/internal/modules/tracking"
	"campusride/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	outBuffer  = 64
)

type RealtimeHandler struct {
	notes    *notification.Service
	tracker  *tracking.Tracker
	ride     *ride.Service
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewRealtimeHandler(notes *notification.Service, tracker *tracking.Tracker, rideSvc *ride.Service, log *zap.Logger) *RealtimeHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &RealtimeHandler{
		notes:   notes,
		tracker: tracker,
		ride:    rideSvc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// frame is every message written to a client.
type frame struct {
	Type         string             `json:"type"`
	Notification *notificationResp  `json:"notification,omitempty"`
	List         []notificationResp `json:"notifications,omitempty"`
	Position     *types.Point       `json:"position,omitempty"`
	State        tracking.State     `json:"state,omitempty"`
	ETA          string             `json:"eta,omitempty"`
}

// starter begins producing frames. It returns a stop func that must cancel
// every callback before returning.
type starter func(ctx context.Context, send func(frame), end func()) (stop func(), err error)

// Notifications streams the caller's list on every change plus one toast
// frame per new unread notification.
func (h *RealtimeHandler) Notifications(c *gin.Context) {
	uid := middleware.CallerUID(c)
	h.serve(c, func(ctx context.Context, send func(frame), _ func()) (func(), error) {
		feed, err := h.notes.Watch(ctx, uid, notification.FeedOptions{
			OnList: func(list []notification.Notification) {
				send(frame{Type: "list", List: toNotificationList(list)})
			},
			OnToast: func(n notification.Notification) {
				resp := toNotificationResp(n)
				send(frame{Type: "toast", Notification: &resp})
			},
			ToastBacklog: c.Query("backlog") == "true",
		})
		if err != nil {
			return nil, err
		}
		return feed.Cancel, nil
	})
}

// Track streams smoothed positions, tracking state and the ETA of a ride the
// caller takes part in. The socket closes after the ended state.
func (h *RealtimeHandler) Track(c *gin.Context) {
	r, ok := loadVisible(c, h.ride, types.ID(c.Param("id")))
	if !ok {
		return
	}
	h.serve(c, func(ctx context.Context, send func(frame), end func()) (func(), error) {
		sess, err := h.tracker.Track(ctx, r.ID, tracking.View{
			OnPosition: func(p types.Point) { send(frame{Type: "position", Position: &p}) },
			OnState: func(s tracking.State) {
				send(frame{Type: "state", State: s})
				if s == tracking.StateEnded {
					end()
				}
			},
			OnETA: func(text string) { send(frame{Type: "eta", ETA: text}) },
		})
		if err != nil {
			return nil, err
		}
		return sess.Close, nil
	})
}

func (h *RealtimeHandler) serve(c *gin.Context, start starter) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	out := make(chan frame, outBuffer)
	ended := make(chan struct{})
	var endOnce sync.Once
	send := func(f frame) {
		select {
		case out <- f:
		case <-ctx.Done():
		}
	}
	end := func() { endOnce.Do(func() { close(ended) }) }

	stop, err := start(ctx, send, end)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"), time.Now().Add(writeWait))
		h.log.Warn("websocket feed failed", zap.String("path", c.FullPath()), zap.Error(err))
		return
	}
	// cancel first so callbacks blocked in send return before stop waits on them
	defer func() {
		cancel()
		stop()
	}()

	// reader: only to notice the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			if !h.write(conn, f) {
				return
			}
		case <-ended:
			// flush what the feed produced before it ended
		flush:
			for {
				select {
				case f := <-out:
					if !h.write(conn, f) {
						return
					}
				default:
					break flush
				}
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "ride ended"), time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *RealtimeHandler) write(conn *websocket.Conn, f frame) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(f); err != nil {
		h.log.Debug("websocket write failed", zap.Error(err))
		return false
	}
	return true
}
