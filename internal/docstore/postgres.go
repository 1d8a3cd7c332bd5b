package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"campusride/internal/apperr"
	"campusride/internal/live"
)

// notifyChannel carries "collection/id" payloads for every committed write.
const notifyChannel = "docstore_changes"

// Postgres keeps every collection in the documents table (see migrations).
type Postgres struct {
	db    *pgxpool.Pool
	log   *zap.Logger
	retry live.RetryConfig
}

var _ Store = (*Postgres)(nil)

func NewPostgres(db *pgxpool.Pool, log *zap.Logger) *Postgres {
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{db: db, log: log, retry: live.DefaultRetry}
}

func (p *Postgres) Create(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	if id == "" {
		id = uuid.NewString()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Document{}, err
	}
	var created bool
	err = p.inTx(ctx, collection, id, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO documents (collection, id, version, data, created_at, updated_at)
			VALUES ($1, $2, 1, $3, NOW(), NOW())
			ON CONFLICT (collection, id) DO NOTHING`,
			collection, id, raw,
		)
		if err != nil {
			return err
		}
		created = tag.RowsAffected() == 1
		if !created {
			return ErrAlreadyExists
		}
		return nil
	})
	if err != nil {
		return Document{}, pgErr(err)
	}
	return Document{ID: id, Version: 1, Data: normalizeMap(data)}, nil
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	row := p.db.QueryRow(ctx, `
		SELECT id, version, data FROM documents
		WHERE collection = $1 AND id = $2`, collection, id)
	doc, err := scanDocument(row)
	if err != nil {
		return Document{}, pgErr(err)
	}
	return doc, nil
}

func (p *Postgres) Update(ctx context.Context, collection, id string, patch map[string]any, expectedVersion int64) (Document, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	err = p.inTx(ctx, collection, id, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE documents
			SET data = data || $3::jsonb,
			    version = version + 1,
			    updated_at = NOW()
			WHERE collection = $1 AND id = $2 AND ($4::bigint < 0 OR version = $4::bigint)
			RETURNING id, version, data`,
			collection, id, raw, expectedVersion,
		)
		var err error
		doc, err = scanDocument(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return p.missOrConflict(ctx, tx, collection, id)
		}
		return err
	})
	if err != nil {
		return Document{}, pgErr(err)
	}
	return doc, nil
}

func (p *Postgres) Delete(ctx context.Context, collection, id string, expectedVersion int64) error {
	err := p.inTx(ctx, collection, id, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM documents
			WHERE collection = $1 AND id = $2 AND ($3::bigint < 0 OR version = $3::bigint)`,
			collection, id, expectedVersion,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return p.missOrConflict(ctx, tx, collection, id)
		}
		return nil
	})
	return pgErr(err)
}

func (p *Postgres) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	sql, args, err := buildSQL(collection, q)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, pgErr(err)
		}
		docs = append(docs, doc)
	}
	return docs, pgErr(rows.Err())
}

func (p *Postgres) SubscribeQuery(ctx context.Context, collection string, q Query, fn func([]Document)) (*live.Handle, error) {
	h := live.NewHandle(ctx)
	p.listen(h, collection, "", func(ctx context.Context) error {
		docs, err := p.Query(ctx, collection, q)
		if err != nil {
			return err
		}
		h.Dispatch(func() { fn(docs) })
		return nil
	})
	return h, nil
}

func (p *Postgres) SubscribeDoc(ctx context.Context, collection, id string, fn func(Document, bool)) (*live.Handle, error) {
	h := live.NewHandle(ctx)
	p.listen(h, collection, id, func(ctx context.Context) error {
		doc, err := p.Get(ctx, collection, id)
		switch {
		case errors.Is(err, ErrNotFound):
			h.Dispatch(func() { fn(Document{ID: id}, false) })
			return nil
		case err != nil:
			return err
		}
		h.Dispatch(func() { fn(doc, true) })
		return nil
	})
	return h, nil
}

// listen holds a dedicated connection on LISTEN and reloads on every matching
// notification. A reload always happens right after (re)attaching so nothing
// committed while the connection was down is missed.
func (p *Postgres) listen(h *live.Handle, collection, id string, reload func(context.Context) error) {
	live.Run(h, "postgres:"+collection, p.log, p.retry, func(ctx context.Context, attempt int) error {
		conn, err := p.db.Acquire(ctx)
		if err != nil {
			return streamErr(ctx, err)
		}
		defer conn.Release()

		if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
			return streamErr(ctx, err)
		}
		if err := reload(ctx); err != nil {
			return streamErr(ctx, err)
		}
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return streamErr(ctx, err)
			}
			coll, docID, _ := strings.Cut(n.Payload, "/")
			if coll != collection || (id != "" && docID != id) {
				continue
			}
			if err := reload(ctx); err != nil {
				return streamErr(ctx, err)
			}
		}
	})
}

// inTx runs fn and publishes the change notification in the same transaction.
func (p *Postgres) inTx(ctx context.Context, collection, id string, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, collection+"/"+id)
		return err
	})
}

func (p *Postgres) missOrConflict(ctx context.Context, tx pgx.Tx, collection, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM documents WHERE collection = $1 AND id = $2)`,
		collection, id,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func buildSQL(collection string, q Query) (string, []any, error) {
	var b strings.Builder
	args := []any{collection}
	b.WriteString(`SELECT id, version, data FROM documents WHERE collection = $1`)

	for _, f := range q.Filters {
		val := normalizeValue(f.Value)
		if f.Op == OpArrayContains {
			val = []any{val}
		} else if f.Op != OpEq {
			return "", nil, apperr.InvalidArgument("unsupported_filter", "unsupported filter operator "+string(f.Op))
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return "", nil, err
		}
		args = append(args, f.Field, string(raw))
		if f.Op == OpEq {
			fmt.Fprintf(&b, " AND data->$%d = $%d::jsonb", len(args)-1, len(args))
		} else {
			fmt.Fprintf(&b, " AND data->$%d @> $%d::jsonb", len(args)-1, len(args))
		}
	}

	b.WriteString(" ORDER BY ")
	for _, o := range q.OrderBy {
		args = append(args, o.Field)
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, "data->$%d %s, ", len(args), dir)
	}
	b.WriteString("id ASC")

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args, nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var doc Document
	var raw []byte
	if err := row.Scan(&doc.ID, &doc.Version, &raw); err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal(raw, &doc.Data); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func pgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Unavailable("postgres", err)
}
