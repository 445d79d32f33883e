package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot with its server timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// QueryBuilder narrows a collection query.
type QueryBuilder func(firestore.Query) firestore.Query

// BaseRepository is typed access to one collection. Every method runs inside the transaction on
// ctx when there is one.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
}

func NewBaseRepository[T any](provider *Provider, collection string) *BaseRepository[T] {
	return &BaseRepository[T]{provider: provider, collection: strings.TrimSpace(collection)}
}

// Create fails with a conflict when the document exists.
func (r *BaseRepository[T]) Create(ctx context.Context, id string, value T) error {
	return r.write(ctx, "create", id,
		func(tx *firestore.Transaction, doc *firestore.DocumentRef) error { return tx.Create(doc, value) },
		func(doc *firestore.DocumentRef) error { _, err := doc.Create(ctx, value); return err })
}

func (r *BaseRepository[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) error {
	return r.write(ctx, "set", id,
		func(tx *firestore.Transaction, doc *firestore.DocumentRef) error { return tx.Set(doc, value, opts...) },
		func(doc *firestore.DocumentRef) error { _, err := doc.Set(ctx, value, opts...); return err })
}

// Update fails with not found when the document is missing.
func (r *BaseRepository[T]) Update(ctx context.Context, id string, updates []firestore.Update) error {
	return r.write(ctx, "update", id,
		func(tx *firestore.Transaction, doc *firestore.DocumentRef) error { return tx.Update(doc, updates) },
		func(doc *firestore.DocumentRef) error { _, err := doc.Update(ctx, updates); return err })
}

// Delete succeeds for missing documents.
func (r *BaseRepository[T]) Delete(ctx context.Context, id string) error {
	return r.write(ctx, "delete", id,
		func(tx *firestore.Transaction, doc *firestore.DocumentRef) error { return tx.Delete(doc) },
		func(doc *firestore.DocumentRef) error { _, err := doc.Delete(ctx); return err })
}

func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	doc, err := r.doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	var snap *firestore.DocumentSnapshot
	if tx, ok := TxFromContext(ctx); ok {
		snap, err = tx.Get(doc)
	} else {
		snap, err = doc.Get(ctx)
	}
	if err != nil {
		return Document[T]{}, WrapError(r.op("get"), err)
	}
	return decode[T](snap)
}

// Query returns every document build selects, in query order.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := r.coll(ctx)
	if err != nil {
		return nil, err
	}
	q := coll.Query
	if build != nil {
		q = build(q)
	}
	var it *firestore.DocumentIterator
	if tx, ok := TxFromContext(ctx); ok {
		it = tx.Documents(q)
	} else {
		it = q.Documents(ctx)
	}
	defer it.Stop()

	var out []Document[T]
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(r.op("query"), err)
		}
		d, err := decode[T](snap)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
}

func (r *BaseRepository[T]) write(
	ctx context.Context,
	action, id string,
	inTx func(*firestore.Transaction, *firestore.DocumentRef) error,
	direct func(*firestore.DocumentRef) error,
) error {
	doc, err := r.doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TxFromContext(ctx); ok {
		return WrapError(r.op(action), inTx(tx, doc))
	}
	return WrapError(r.op(action), direct(doc))
}

func (r *BaseRepository[T]) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(r.op("doc"), errors.New("firestore: document id is required"))
	}
	coll, err := r.coll(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (r *BaseRepository[T]) coll(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil || r.collection == "" {
		return nil, errors.New("firestore: repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection), nil
}

func (r *BaseRepository[T]) op(action string) string {
	return r.collection + "." + action
}

func decode[T any](snap *firestore.DocumentSnapshot) (Document[T], error) {
	var v T
	if err := snap.DataTo(&v); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s/%s: %w", snap.Ref.Parent.ID, snap.Ref.ID, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: v, CreateTime: snap.CreateTime, UpdateTime: snap.UpdateTime}, nil
}
