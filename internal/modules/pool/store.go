// README: Pool persistence over the document store; every write is version-checked.
package pool

import (
	"context"
	"errors"

	"campusride/internal/docstore"
	"campusride/internal/types"
)

const Collection = "pools"

type Store struct {
	docs docstore.Store
}

func NewStore(docs docstore.Store) *Store {
	return &Store{docs: docs}
}

func (s *Store) Create(ctx context.Context, p *Pool) error {
	data, err := docstore.Encode(p)
	if err != nil {
		return err
	}
	doc, err := s.docs.Create(ctx, Collection, string(p.ID), data)
	if err != nil {
		return err
	}
	p.ID = types.ID(doc.ID)
	p.Version = doc.Version
	return nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Pool, error) {
	doc, err := s.docs.Get(ctx, Collection, string(id))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(doc)
}

// Update applies patch only if the pool is still at p.Version. It reports
// false when another writer got there first.
func (s *Store) Update(ctx context.Context, p *Pool, patch map[string]any) (bool, error) {
	doc, err := s.docs.Update(ctx, Collection, string(p.ID), patch, p.Version)
	switch {
	case errors.Is(err, docstore.ErrConflict):
		return false, nil
	case errors.Is(err, docstore.ErrNotFound):
		return false, ErrNotFound
	case err != nil:
		return false, err
	}
	p.Version = doc.Version
	return true, nil
}

func (s *Store) Delete(ctx context.Context, p *Pool) (bool, error) {
	err := s.docs.Delete(ctx, Collection, string(p.ID), p.Version)
	switch {
	case errors.Is(err, docstore.ErrConflict):
		return false, nil
	case errors.Is(err, docstore.ErrNotFound):
		return false, ErrNotFound
	case err != nil:
		return false, err
	}
	return true, nil
}

func (s *Store) ListOpen(ctx context.Context, limit int) ([]*Pool, error) {
	q := docstore.Where("status", docstore.OpEq, StatusOpen).Sort("departureTime", false)
	q.Limit = limit
	return s.list(ctx, q)
}

func (s *Store) ListByMember(ctx context.Context, userID types.ID) ([]*Pool, error) {
	q := docstore.Where("passengers", docstore.OpArrayContains, userID).Sort("departureTime", false)
	return s.list(ctx, q)
}

func (s *Store) list(ctx context.Context, q docstore.Query) ([]*Pool, error) {
	docs, err := s.docs.Query(ctx, Collection, q)
	if err != nil {
		return nil, err
	}
	out := make([]*Pool, 0, len(docs))
	for _, d := range docs {
		p, err := decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func decode(doc docstore.Document) (*Pool, error) {
	var p Pool
	if err := docstore.Decode(doc, &p); err != nil {
		return nil, err
	}
	p.ID = types.ID(doc.ID)
	p.Version = doc.Version
	return &p, nil
}
