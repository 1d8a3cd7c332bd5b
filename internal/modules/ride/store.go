// README: Ride persistence over the document store; status writes are version-checked.
package ride

import (
	"context"
	"errors"

	"campusride/internal/docstore"
	"campusride/internal/types"
)

const Collection = "rides"

type Store struct {
	docs docstore.Store
}

func NewStore(docs docstore.Store) *Store {
	return &Store{docs: docs}
}

// Create stores r. With a preset ID an existing ride is reported as
// docstore.ErrAlreadyExists.
func (s *Store) Create(ctx context.Context, r *Ride) error {
	data, err := docstore.Encode(r)
	if err != nil {
		return err
	}
	doc, err := s.docs.Create(ctx, Collection, string(r.ID), data)
	if err != nil {
		return err
	}
	r.ID = types.ID(doc.ID)
	r.Version = doc.Version
	return nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Ride, error) {
	doc, err := s.docs.Get(ctx, Collection, string(id))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(doc)
}

// UpdateStatus moves r to status `to` together with patch, only if r is still
// at r.Version. It reports false when another writer got there first.
func (s *Store) UpdateStatus(ctx context.Context, r *Ride, to Status, patch map[string]any) (bool, error) {
	if patch == nil {
		patch = map[string]any{}
	}
	patch["status"] = to
	return s.update(ctx, r, patch)
}

func (s *Store) update(ctx context.Context, r *Ride, patch map[string]any) (bool, error) {
	doc, err := s.docs.Update(ctx, Collection, string(r.ID), patch, r.Version)
	switch {
	case errors.Is(err, docstore.ErrConflict):
		return false, nil
	case errors.Is(err, docstore.ErrNotFound):
		return false, ErrNotFound
	case err != nil:
		return false, err
	}
	r.Version = doc.Version
	return true, nil
}

// ListByUser returns the rides the user is a passenger of, latest scheduled
// time first.
func (s *Store) ListByUser(ctx context.Context, userID types.ID) ([]*Ride, error) {
	return s.list(ctx, docstore.Where("passengers", docstore.OpArrayContains, userID).Sort("scheduledTime", true))
}

func (s *Store) ListByDriver(ctx context.Context, driverID types.ID) ([]*Ride, error) {
	return s.list(ctx, docstore.Where("driverId", docstore.OpEq, driverID).Sort("scheduledTime", true))
}

// ListPending returns unassigned rides, soonest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*Ride, error) {
	q := docstore.Where("status", docstore.OpEq, StatusPending).Sort("scheduledTime", false)
	q.Limit = limit
	return s.list(ctx, q)
}

func (s *Store) list(ctx context.Context, q docstore.Query) ([]*Ride, error) {
	docs, err := s.docs.Query(ctx, Collection, q)
	if err != nil {
		return nil, err
	}
	out := make([]*Ride, 0, len(docs))
	for _, d := range docs {
		r, err := decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func decode(doc docstore.Document) (*Ride, error) {
	var r Ride
	if err := docstore.Decode(doc, &r); err != nil {
		return nil, err
	}
	r.ID = types.ID(doc.ID)
	r.Version = doc.Version
	return &r, nil
}
