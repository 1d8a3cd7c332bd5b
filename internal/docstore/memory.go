package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campusride/internal/live"
)

type memRecord struct {
	version int64
	raw     []byte
}

type memSub struct {
	collection string
	docID      string
	wake       chan struct{}
}

// Memory is an in-process Store. Records are kept as JSON so readers never
// share maps with the store.
type Memory struct {
	mu    sync.Mutex
	colls map[string]map[string]memRecord
	subs  map[*memSub]struct{}
	log   *zap.Logger
}

var _ Store = (*Memory)(nil)

func NewMemory(log *zap.Logger) *Memory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{
		colls: make(map[string]map[string]memRecord),
		subs:  make(map[*memSub]struct{}),
		log:   log,
	}
}

func (m *Memory) Create(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	if id == "" {
		id = uuid.NewString()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Document{}, err
	}

	m.mu.Lock()
	coll := m.colls[collection]
	if coll == nil {
		coll = make(map[string]memRecord)
		m.colls[collection] = coll
	}
	if _, ok := coll[id]; ok {
		m.mu.Unlock()
		return Document{}, ErrAlreadyExists
	}
	rec := memRecord{version: 1, raw: raw}
	coll[id] = rec
	m.notifyLocked(collection, id)
	m.mu.Unlock()

	return rec.document(id)
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	rec, ok := m.colls[collection][id]
	m.mu.Unlock()
	if !ok {
		return Document{}, ErrNotFound
	}
	return rec.document(id)
}

func (m *Memory) Update(ctx context.Context, collection, id string, patch map[string]any, expectedVersion int64) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.colls[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	if expectedVersion >= 0 && rec.version != expectedVersion {
		return Document{}, ErrConflict
	}
	var data map[string]any
	if err := json.Unmarshal(rec.raw, &data); err != nil {
		return Document{}, err
	}
	for k, v := range patch {
		data[k] = v
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Document{}, err
	}
	rec = memRecord{version: rec.version + 1, raw: raw}
	m.colls[collection][id] = rec
	m.notifyLocked(collection, id)
	return rec.document(id)
}

func (m *Memory) Delete(ctx context.Context, collection, id string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.colls[collection][id]
	if !ok {
		return ErrNotFound
	}
	if expectedVersion >= 0 && rec.version != expectedVersion {
		return ErrConflict
	}
	delete(m.colls[collection], id)
	m.notifyLocked(collection, id)
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	m.mu.Lock()
	docs := make([]Document, 0, len(m.colls[collection]))
	for id, rec := range m.colls[collection] {
		d, err := rec.document(id)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		docs = append(docs, d)
	}
	m.mu.Unlock()
	return applyQuery(docs, q), nil
}

func (m *Memory) SubscribeQuery(ctx context.Context, collection string, q Query, fn func([]Document)) (*live.Handle, error) {
	return m.subscribe(ctx, &memSub{collection: collection, wake: make(chan struct{}, 1)}, func(ctx context.Context) (func(), error) {
		docs, err := m.Query(ctx, collection, q)
		if err != nil {
			return nil, err
		}
		return func() { fn(docs) }, nil
	})
}

func (m *Memory) SubscribeDoc(ctx context.Context, collection, id string, fn func(Document, bool)) (*live.Handle, error) {
	return m.subscribe(ctx, &memSub{collection: collection, docID: id, wake: make(chan struct{}, 1)}, func(ctx context.Context) (func(), error) {
		doc, err := m.Get(ctx, collection, id)
		switch {
		case errors.Is(err, ErrNotFound):
			return func() { fn(Document{ID: id}, false) }, nil
		case err != nil:
			return nil, err
		}
		return func() { fn(doc, true) }, nil
	})
}

// subscribe runs one delivery goroutine per subscriber. Wakeups coalesce, so
// a slow consumer sees the latest snapshot rather than every intermediate one.
func (m *Memory) subscribe(ctx context.Context, sub *memSub, snapshot func(context.Context) (func(), error)) (*live.Handle, error) {
	h := live.NewHandle(ctx)
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	sub.wake <- struct{}{}

	go func() {
		defer h.Finish()
		defer func() {
			m.mu.Lock()
			delete(m.subs, sub)
			m.mu.Unlock()
		}()
		for {
			select {
			case <-h.Context().Done():
				return
			case <-sub.wake:
			}
			deliver, err := snapshot(h.Context())
			if err != nil {
				m.log.Error("memory snapshot failed", zap.String("collection", sub.collection), zap.Error(err))
				continue
			}
			h.Dispatch(deliver)
		}
	}()
	return h, nil
}

func (m *Memory) notifyLocked(collection, id string) {
	for sub := range m.subs {
		if sub.collection != collection || (sub.docID != "" && sub.docID != id) {
			continue
		}
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

func (r memRecord) document(id string) (Document, error) {
	var data map[string]any
	if err := json.Unmarshal(r.raw, &data); err != nil {
		return Document{}, err
	}
	return Document{ID: id, Version: r.version, Data: data}, nil
}
