// README: Notification and device-token persistence over the document store.
package notification

import (
	"context"
	"errors"

	"campusride/internal/docstore"
	"campusride/internal/live"
	"campusride/internal/types"
)

const (
	Collection      = "notifications"
	usersCollection = "users"
)

type Store struct {
	docs docstore.Store
}

func NewStore(docs docstore.Store) *Store {
	return &Store{docs: docs}
}

// Create inserts n under n.ID. It reports created=false when a record with
// that id already exists.
func (s *Store) Create(ctx context.Context, n *Notification) (bool, error) {
	data, err := docstore.Encode(n)
	if err != nil {
		return false, err
	}
	_, err = s.docs.Create(ctx, Collection, string(n.ID), data)
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Notification, error) {
	doc, err := s.docs.Get(ctx, Collection, string(id))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(doc)
}

// SetRead flips the read flag. read never goes back to false, so no version
// check is needed.
func (s *Store) SetRead(ctx context.Context, id types.ID) error {
	_, err := s.docs.Update(ctx, Collection, string(id), map[string]any{"read": true}, docstore.AnyVersion)
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Store) ListByUser(ctx context.Context, userID types.ID) ([]Notification, error) {
	return s.list(ctx, byUser(userID))
}

func (s *Store) ListUnread(ctx context.Context, userID types.ID) ([]Notification, error) {
	return s.list(ctx, docstore.Where("userId", docstore.OpEq, userID).And("read", docstore.OpEq, false).Sort("createdAt", true))
}

func (s *Store) Subscribe(ctx context.Context, userID types.ID, fn func([]Notification, error)) (*live.Handle, error) {
	return s.docs.SubscribeQuery(ctx, Collection, byUser(userID), func(docs []docstore.Document) {
		fn(decodeAll(docs))
	})
}

func (s *Store) SetDeviceToken(ctx context.Context, userID types.ID, token string) error {
	_, err := s.docs.Update(ctx, usersCollection, string(userID), map[string]any{"fcmToken": token}, docstore.AnyVersion)
	if errors.Is(err, docstore.ErrNotFound) {
		_, err = s.docs.Create(ctx, usersCollection, string(userID), map[string]any{"fcmToken": token})
		if errors.Is(err, docstore.ErrAlreadyExists) {
			_, err = s.docs.Update(ctx, usersCollection, string(userID), map[string]any{"fcmToken": token}, docstore.AnyVersion)
		}
	}
	return err
}

func (s *Store) DeviceToken(ctx context.Context, userID types.ID) (string, error) {
	doc, err := s.docs.Get(ctx, usersCollection, string(userID))
	if errors.Is(err, docstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	token, _ := doc.Data["fcmToken"].(string)
	return token, nil
}

// byUser is the feed order: newest first, ties broken by id.
func byUser(userID types.ID) docstore.Query {
	return docstore.Where("userId", docstore.OpEq, userID).Sort("createdAt", true)
}

func (s *Store) list(ctx context.Context, q docstore.Query) ([]Notification, error) {
	docs, err := s.docs.Query(ctx, Collection, q)
	if err != nil {
		return nil, err
	}
	return decodeAll(docs)
}

func decodeAll(docs []docstore.Document) ([]Notification, error) {
	out := make([]Notification, 0, len(docs))
	for _, d := range docs {
		n, err := decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, nil
}

func decode(doc docstore.Document) (*Notification, error) {
	var n Notification
	if err := docstore.Decode(doc, &n); err != nil {
		return nil, err
	}
	n.ID = types.ID(doc.ID)
	return &n, nil
}
