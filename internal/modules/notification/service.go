// README: Notification dispatcher: idempotent creation, typed fan-out, live feeds and read state.
package notification

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"campusride/internal/live"
	"campusride/internal/observability"
	"campusride/internal/types"
)

// idNamespace derives notification ids from idempotency keys.
var idNamespace = uuid.MustParse("6f1c2a8e-4b7d-5e21-9c3a-0d8b7f6e5a41")

// Pusher delivers a notification to a device. Delivery is best effort.
type Pusher interface {
	Push(ctx context.Context, deviceToken, title, body string, data map[string]string) error
}

type Service struct {
	store       *Store
	pusher      Pusher
	parallelism int
	log         *zap.Logger
	now         func() time.Time
}

func NewService(store *Store, parallelism int, log *zap.Logger) *Service {
	if parallelism <= 0 {
		parallelism = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, parallelism: parallelism, log: log, now: time.Now}
}

// SetPusher enables device push for newly created notifications.
func (s *Service) SetPusher(p Pusher) { s.pusher = p }

type CreateCommand struct {
	UserID   types.ID
	Title    string
	Message  string
	Category Category
	// EventID identifies the triggering event. Creating twice for the same
	// event and user yields one record.
	EventID string
	Data    map[string]string
}

// Event is a typed domain event addressed to several users.
type Event struct {
	Type       Type
	EventID    string
	Recipients []types.ID
	Data       map[string]string
}

// NotificationID is the record id used for an (event, user) pair.
func NotificationID(eventID string, userID types.ID) types.ID {
	return types.ID(uuid.NewSHA1(idNamespace, []byte(eventID+"/"+string(userID))).String())
}

// Create persists an unread notification and returns its id. A repeated
// create for the same EventID and user returns the existing id.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (types.ID, error) {
	if cmd.UserID == "" || strings.TrimSpace(cmd.Title) == "" || !cmd.Category.Valid() {
		return "", ErrBadRequest
	}
	id := types.ID(uuid.NewString())
	if cmd.EventID != "" {
		id = NotificationID(cmd.EventID, cmd.UserID)
	}
	n := &Notification{
		ID:        id,
		UserID:    cmd.UserID,
		Title:     cmd.Title,
		Message:   cmd.Message,
		Category:  cmd.Category,
		EventID:   cmd.EventID,
		CreatedAt: types.MillisOf(s.now()),
		Data:      cmd.Data,
	}
	created, err := s.store.Create(ctx, n)
	if err != nil {
		return "", err
	}
	if !created {
		observability.NotificationsDeduplicated.Inc()
		s.log.Debug("notification already exists", zap.String("notification_id", string(id)), zap.String("event_id", cmd.EventID))
		return id, nil
	}
	observability.NotificationsCreated.WithLabelValues(string(cmd.Category)).Inc()
	s.log.Info("notification created",
		zap.String("notification_id", string(id)), zap.String("user_id", string(cmd.UserID)), zap.String("event_id", cmd.EventID))
	s.push(ctx, n)
	return id, nil
}

// Notify renders a typed event and creates one notification per recipient.
// Duplicate recipients are collapsed; the first failure is returned after
// every recipient was attempted.
func (s *Service) Notify(ctx context.Context, ev Event) error {
	content, err := Render(ev.Type, ev.Data)
	if err != nil {
		return err
	}
	data := map[string]string{"notificationType": string(ev.Type)}
	for k, v := range ev.Data {
		data[k] = v
	}

	seen := make(map[types.ID]struct{}, len(ev.Recipients))
	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for _, uid := range ev.Recipients {
		if _, dup := seen[uid]; dup || uid == "" {
			continue
		}
		seen[uid] = struct{}{}
		g.Go(func() error {
			_, err := s.Create(ctx, CreateCommand{
				UserID:   uid,
				Title:    content.Title,
				Message:  content.Message,
				Category: content.Category,
				EventID:  ev.EventID,
				Data:     data,
			})
			if err != nil {
				s.log.Warn("notify recipient failed", zap.String("user_id", string(uid)), zap.String("event_id", ev.EventID), zap.Error(err))
			}
			return err
		})
	}
	return g.Wait()
}

// Subscribe registers a live feed of the user's notifications, newest first.
// Every subscription is independent.
func (s *Service) Subscribe(ctx context.Context, userID types.ID, onChange func([]Notification)) (*live.Handle, error) {
	return s.store.Subscribe(ctx, userID, func(list []Notification, err error) {
		if err != nil {
			s.log.Error("decode notification feed", zap.String("user_id", string(userID)), zap.Error(err))
			return
		}
		onChange(list)
	})
}

func (s *Service) List(ctx context.Context, userID types.ID) ([]Notification, error) {
	return s.store.ListByUser(ctx, userID)
}

func (s *Service) UnreadCount(ctx context.Context, userID types.ID) (int, error) {
	list, err := s.store.ListUnread(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// MarkRead is idempotent. A non-empty userID must own the notification.
func (s *Service) MarkRead(ctx context.Context, id, userID types.ID) error {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if userID != "" && n.UserID != userID {
		return ErrForbidden
	}
	if n.Read {
		return nil
	}
	return s.store.SetRead(ctx, id)
}

// MarkAllRead marks the notifications that are unread at call time and
// returns how many there were. Notifications created meanwhile stay unread.
func (s *Service) MarkAllRead(ctx context.Context, userID types.ID) (int, error) {
	unread, err := s.store.ListUnread(ctx, userID)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, n := range unread {
		g.Go(func() error {
			return s.store.SetRead(gctx, n.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(unread), nil
}

func (s *Service) RegisterDevice(ctx context.Context, userID types.ID, token string) error {
	if userID == "" || token == "" {
		return ErrBadRequest
	}
	return s.store.SetDeviceToken(ctx, userID, token)
}

func (s *Service) push(ctx context.Context, n *Notification) {
	if s.pusher == nil {
		return
	}
	token, err := s.store.DeviceToken(ctx, n.UserID)
	if err != nil || token == "" {
		return
	}
	data := map[string]string{"notificationId": string(n.ID), "type": string(n.Category)}
	for k, v := range n.Data {
		data[k] = v
	}
	if err := s.pusher.Push(ctx, token, n.Title, n.Message, data); err != nil {
		s.log.Warn("push failed", zap.String("notification_id", string(n.ID)), zap.Error(err))
	}
}
