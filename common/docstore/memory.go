package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lyzr/bpmnserver/common/logger"
)

// MemoryStore is an in-memory document store. It backs tests and
// single-process deployments and shares the condition evaluator with the
// Postgres store so both behave identically.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]map[string]interface{}
	unique      map[string][]string
	log         *logger.Logger
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		collections: make(map[string][]map[string]interface{}),
		unique:      make(map[string][]string),
		log:         log,
	}
}

func deepCopy(doc map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return doc
	}
	return out
}

// Find returns matching documents
func (s *MemoryStore) Find(ctx context.Context, collection string, query Query, projection []string) ([]map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []map[string]interface{}
	for _, doc := range s.collections[collection] {
		if Matches(doc, query) {
			out = append(out, applyProjection(deepCopy(doc), projection))
		}
	}
	s.log.Debug("docstore FIND", "collection", collection, "matches", len(out))
	return out, nil
}

// Insert adds documents, enforcing unique indexes
func (s *MemoryStore) Insert(ctx context.Context, collection string, docs []map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		for _, field := range s.unique[collection] {
			val := doc[field]
			if val == nil {
				continue
			}
			for _, existing := range s.collections[collection] {
				if looseEqual(existing[field], val) {
					return fmt.Errorf("%w: %s=%v in %s", ErrDuplicate, field, val, collection)
				}
			}
		}
		s.collections[collection] = append(s.collections[collection], deepCopy(doc))
	}
	s.log.Debug("docstore INSERT", "collection", collection, "count", len(docs))
	return nil
}

// Update applies a $set document to all matches, optionally upserting
func (s *MemoryStore) Update(ctx context.Context, collection string, query Query, update map[string]interface{}, upsert bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, _ := update["$set"].(map[string]interface{})
	if set == nil {
		set = update
	}

	var count int64
	for i, doc := range s.collections[collection] {
		if !Matches(doc, query) {
			continue
		}
		merged := deepCopy(doc)
		for k, v := range set {
			merged[k] = v
		}
		s.collections[collection][i] = merged
		count++
	}

	if count == 0 && upsert {
		s.collections[collection] = append(s.collections[collection], deepCopy(set))
		count = 1
	}

	s.log.Debug("docstore UPDATE", "collection", collection, "count", count, "upsert", upsert)
	return count, nil
}

// Remove deletes all matches
func (s *MemoryStore) Remove(ctx context.Context, collection string, query Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.collections[collection][:0]
	var removed int64
	for _, doc := range s.collections[collection] {
		if Matches(doc, query) {
			removed++
			continue
		}
		kept = append(kept, doc)
	}
	s.collections[collection] = kept
	s.log.Debug("docstore REMOVE", "collection", collection, "count", removed)
	return removed, nil
}

// CreateIndex registers a unique index; non-unique indexes are a no-op here
func (s *MemoryStore) CreateIndex(ctx context.Context, collection, field string, unique bool) error {
	if !unique {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.unique[collection] {
		if f == field {
			return nil
		}
	}
	s.unique[collection] = append(s.unique[collection], field)
	return nil
}

// Close releases the store
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string][]map[string]interface{})
}
