// Package docstore provides the document store the engine persists into: a
// small Mongo-style surface (find/insert/update/remove/unique index) with a
// Postgres JSONB implementation and an in-memory one, plus the query
// translator and the per-instance locker built on top of it.
package docstore

import (
	"context"
	"errors"
)

// Collection names used by the engine.
const (
	CollectionInstances   = "instances"
	CollectionLocks       = "locks"
	CollectionDefinitions = "definitions"
	CollectionArchives    = "archives"
)

var (
	// ErrNotFound is returned when a lookup expecting one document finds none.
	ErrNotFound = errors.New("docstore: not found")
	// ErrAmbiguous is returned when a lookup expecting one document finds more.
	ErrAmbiguous = errors.New("docstore: more than one match")
	// ErrDuplicate is returned when an insert violates a unique index.
	ErrDuplicate = errors.New("docstore: duplicate key")
)

// Query is a Mongo-style condition document. Supported operators: $or, $nor,
// $gt, $gte, $lt, $lte, $eq, $exists, $in, $elemMatch.
type Query = map[string]interface{}

// Store is the document store surface the engine consumes.
type Store interface {
	// Find returns documents matching query. projection lists field names to
	// keep; nil keeps everything. A leading "-" excludes a field instead.
	Find(ctx context.Context, collection string, query Query, projection []string) ([]map[string]interface{}, error)
	Insert(ctx context.Context, collection string, docs []map[string]interface{}) error
	// Update applies update (a {"$set": {...}} document) to all matches.
	// With upsert it inserts the $set fields when nothing matches.
	Update(ctx context.Context, collection string, query Query, update map[string]interface{}, upsert bool) (int64, error)
	Remove(ctx context.Context, collection string, query Query) (int64, error)
	CreateIndex(ctx context.Context, collection, field string, unique bool) error
	Close()
}

func applyProjection(doc map[string]interface{}, projection []string) map[string]interface{} {
	if len(projection) == 0 {
		return doc
	}
	exclude := projection[0][0] == '-'
	out := make(map[string]interface{})
	if exclude {
		for k, v := range doc {
			out[k] = v
		}
		for _, p := range projection {
			delete(out, p[1:])
		}
		return out
	}
	for _, p := range projection {
		if v, ok := doc[p]; ok {
			out[p] = v
		}
	}
	return out
}
