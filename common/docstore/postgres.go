package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lyzr/bpmnserver/common/config"
	"github.com/lyzr/bpmnserver/common/logger"
)

var collectionName = regexp.MustCompile(`^[a-z_]+$`)

// PostgresStore stores one JSONB document per row, one table per collection.
// Simple top-level equality predicates are pushed down; everything else runs
// through the shared condition evaluator after retrieval, which keeps the
// query semantics identical to the in-memory store.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresStore creates a new Postgres-backed document store
func NewPostgresStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("document store connected", "host", cfg.Database.Host, "db", cfg.Database.Database)

	return &PostgresStore{pool: pool, log: log}, nil
}

func (s *PostgresStore) ensureCollection(ctx context.Context, collection string) error {
	if !collectionName.MatchString(collection) {
		return fmt.Errorf("invalid collection name: %s", collection)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (doc JSONB NOT NULL)`, collection))
	if err != nil {
		return fmt.Errorf("create collection %s: %w", collection, err)
	}
	return nil
}

// pushdown extracts top-level scalar equality predicates that can run as
// doc->>'key' comparisons; the remainder of the query is evaluated in memory.
func pushdown(query Query) (string, []interface{}) {
	clause := ""
	var args []interface{}
	for key, val := range query {
		switch val.(type) {
		case string, float64, int, bool:
			if key[0] == '$' {
				continue
			}
			args = append(args, fmt.Sprintf("%v", val))
			clause += fmt.Sprintf(" AND doc->>'%s' = $%d", key, len(args))
		}
	}
	if clause == "" {
		return "TRUE", nil
	}
	return "TRUE" + clause, args
}

// Find returns matching documents
func (s *PostgresStore) Find(ctx context.Context, collection string, query Query, projection []string) ([]map[string]interface{}, error) {
	if err := s.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}

	where, args := pushdown(query)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE %s`, collection, where), args...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode doc: %w", err)
		}
		if Matches(doc, query) {
			out = append(out, applyProjection(doc, projection))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate docs: %w", err)
	}

	s.log.Debug("docstore FIND", "collection", collection, "matches", len(out))
	return out, nil
}

// Insert adds documents
func (s *PostgresStore) Insert(ctx context.Context, collection string, docs []map[string]interface{}) error {
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}
	for _, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode doc: %w", err)
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (doc) VALUES ($1)`, collection), raw); err != nil {
			return fmt.Errorf("%w: insert into %s: %v", ErrDuplicate, collection, err)
		}
	}
	s.log.Debug("docstore INSERT", "collection", collection, "count", len(docs))
	return nil
}

// Update applies a $set document to all matches, optionally upserting
func (s *PostgresStore) Update(ctx context.Context, collection string, query Query, update map[string]interface{}, upsert bool) (int64, error) {
	if err := s.ensureCollection(ctx, collection); err != nil {
		return 0, err
	}

	set, _ := update["$set"].(map[string]interface{})
	if set == nil {
		set = update
	}
	patch, err := json.Marshal(set)
	if err != nil {
		return 0, fmt.Errorf("encode update: %w", err)
	}

	// JSONB || merges top-level keys, which matches the $set contract for the
	// whole-document updates the engine issues.
	where, args := pushdown(query)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET doc = doc || $%d::jsonb WHERE %s`, collection, len(args)+1, where),
		append(args, patch)...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", collection, err)
	}

	count := tag.RowsAffected()
	if count == 0 && upsert {
		if err := s.Insert(ctx, collection, []map[string]interface{}{set}); err != nil {
			return 0, err
		}
		count = 1
	}

	s.log.Debug("docstore UPDATE", "collection", collection, "count", count, "upsert", upsert)
	return count, nil
}

// Remove deletes all matches
func (s *PostgresStore) Remove(ctx context.Context, collection string, query Query) (int64, error) {
	if err := s.ensureCollection(ctx, collection); err != nil {
		return 0, err
	}
	where, args := pushdown(query)
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, collection, where), args...)
	if err != nil {
		return 0, fmt.Errorf("remove from %s: %w", collection, err)
	}
	s.log.Debug("docstore REMOVE", "collection", collection, "count", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// CreateIndex creates an expression index on a top-level document field
func (s *PostgresStore) CreateIndex(ctx context.Context, collection, field string, unique bool) error {
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}
	kind := ""
	if unique {
		kind = "UNIQUE "
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE %sINDEX IF NOT EXISTS idx_%s_%s ON %s ((doc->>'%s'))`,
		kind, collection, sanitizeField(field), collection, field))
	if err != nil {
		return fmt.Errorf("create index on %s.%s: %w", collection, field, err)
	}
	return nil
}

func sanitizeField(field string) string {
	out := make([]rune, 0, len(field))
	for _, r := range field {
		if r == '.' {
			r = '_'
		}
		out = append(out, r)
	}
	return string(out)
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	s.log.Info("closing document store connection pool")
	s.pool.Close()
}
