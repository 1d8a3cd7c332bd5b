package docstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"campusride/internal/apperr"
	"campusride/internal/live"
)

// versionField holds the document version next to the user data.
const versionField = "_v"

// Firestore stores documents in Cloud Firestore collections of the same name.
type Firestore struct {
	client *firestore.Client
	log    *zap.Logger
	retry  live.RetryConfig
}

var _ Store = (*Firestore)(nil)

func NewFirestore(client *firestore.Client, log *zap.Logger) *Firestore {
	if log == nil {
		log = zap.NewNop()
	}
	return &Firestore{client: client, log: log, retry: live.DefaultRetry}
}

func (f *Firestore) Create(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	coll := f.client.Collection(collection)
	ref := coll.NewDoc()
	if id != "" {
		ref = coll.Doc(id)
	}
	stored := make(map[string]any, len(data)+1)
	for k, v := range data {
		stored[k] = v
	}
	stored[versionField] = int64(1)
	if _, err := ref.Create(ctx, stored); err != nil {
		return Document{}, firestoreErr(err)
	}
	return Document{ID: ref.ID, Version: 1, Data: normalizeMap(data)}, nil
}

func (f *Firestore) Get(ctx context.Context, collection, id string) (Document, error) {
	snap, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		return Document{}, firestoreErr(err)
	}
	return snapshotDocument(snap), nil
}

func (f *Firestore) Update(ctx context.Context, collection, id string, patch map[string]any, expectedVersion int64) (Document, error) {
	ref := f.client.Collection(collection).Doc(id)
	var out Document
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return firestoreErr(err)
		}
		cur := snapshotDocument(snap)
		if expectedVersion >= 0 && cur.Version != expectedVersion {
			return ErrConflict
		}
		updates := make([]firestore.Update, 0, len(patch)+1)
		for k, v := range patch {
			updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{k}, Value: v})
			cur.Data[k] = v
		}
		cur.Version++
		updates = append(updates, firestore.Update{Path: versionField, Value: cur.Version})
		if err := tx.Update(ref, updates); err != nil {
			return err
		}
		out = Document{ID: id, Version: cur.Version, Data: normalizeMap(cur.Data)}
		return nil
	})
	if err != nil {
		return Document{}, firestoreErr(err)
	}
	return out, nil
}

func (f *Firestore) Delete(ctx context.Context, collection, id string, expectedVersion int64) error {
	ref := f.client.Collection(collection).Doc(id)
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return firestoreErr(err)
		}
		if expectedVersion >= 0 && snapshotDocument(snap).Version != expectedVersion {
			return ErrConflict
		}
		return tx.Delete(ref)
	})
	return firestoreErr(err)
}

func (f *Firestore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	snaps, err := f.buildQuery(collection, q).Documents(ctx).GetAll()
	if err != nil {
		return nil, firestoreErr(err)
	}
	docs := make([]Document, 0, len(snaps))
	for _, s := range snaps {
		docs = append(docs, snapshotDocument(s))
	}
	return docs, nil
}

func (f *Firestore) SubscribeQuery(ctx context.Context, collection string, q Query, fn func([]Document)) (*live.Handle, error) {
	h := live.NewHandle(ctx)
	fq := f.buildQuery(collection, q)
	live.Run(h, "firestore:"+collection, f.log, f.retry, func(ctx context.Context, attempt int) error {
		it := fq.Snapshots(ctx)
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				return streamErr(ctx, err)
			}
			snaps, err := qs.Documents.GetAll()
			if err != nil {
				return streamErr(ctx, err)
			}
			docs := make([]Document, 0, len(snaps))
			for _, s := range snaps {
				docs = append(docs, snapshotDocument(s))
			}
			h.Dispatch(func() { fn(docs) })
		}
	})
	return h, nil
}

func (f *Firestore) SubscribeDoc(ctx context.Context, collection, id string, fn func(Document, bool)) (*live.Handle, error) {
	h := live.NewHandle(ctx)
	ref := f.client.Collection(collection).Doc(id)
	live.Run(h, "firestore:"+collection, f.log, f.retry, func(ctx context.Context, attempt int) error {
		it := ref.Snapshots(ctx)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				return streamErr(ctx, err)
			}
			if !snap.Exists() {
				h.Dispatch(func() { fn(Document{ID: id}, false) })
				continue
			}
			doc := snapshotDocument(snap)
			h.Dispatch(func() { fn(doc, true) })
		}
	})
	return h, nil
}

func (f *Firestore) buildQuery(collection string, q Query) firestore.Query {
	fq := f.client.Collection(collection).Query
	for _, flt := range q.Filters {
		fq = fq.Where(flt.Field, string(flt.Op), normalizeValue(flt.Value))
	}
	for _, o := range q.OrderBy {
		dir := firestore.Asc
		if o.Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(o.Field, dir)
	}
	fq = fq.OrderBy(firestore.DocumentID, firestore.Asc)
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq
}

func snapshotDocument(snap *firestore.DocumentSnapshot) Document {
	data := snap.Data()
	var version int64
	if v, ok := data[versionField].(int64); ok {
		version = v
	}
	delete(data, versionField)
	return Document{ID: snap.Ref.ID, Version: version, Data: normalizeMap(data)}
}

// normalizeMap maps Firestore values (int64, time.Time) onto the JSON value space.
func normalizeMap(m map[string]any) map[string]any {
	out, err := Encode(m)
	if err != nil {
		return m
	}
	return out
}

func streamErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
		return nil
	}
	return apperr.Unavailable("firestore", err)
}

func firestoreErr(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		return ErrNotFound
	case codes.AlreadyExists:
		return ErrAlreadyExists
	case codes.Aborted, codes.FailedPrecondition:
		return ErrConflict
	}
	return apperr.Unavailable("firestore", fmt.Errorf("firestore: %w", err))
}
