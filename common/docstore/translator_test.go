package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/lyzr/bpmnserver/common/logger"
)

func TestTranslateCriteriaRewritesChildKeys(t *testing.T) {
	trans := NewTranslator("items")

	query := Query{
		"items.status": "wait",
		"name":         "Buy Used Car",
		"$or": []interface{}{
			map[string]interface{}{"items.candidateGroups": "Owner"},
			map[string]interface{}{"items.candidateUsers": "User1"},
		},
	}

	translated := trans.TranslateCriteria(query)

	assert.Equal(t, "Buy Used Car", translated["name"])

	match, ok := translated["items"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"status": "wait"}, match["$elemMatch"])

	preds, ok := translated["$or"].([]interface{})
	require.True(t, ok)
	require.Len(t, preds, 2)
	first := preds[0].(map[string]interface{})
	em := first["items"].(map[string]interface{})["$elemMatch"].(map[string]interface{})
	assert.Equal(t, "Owner", em["candidateGroups"])
}

func TestFilterItemAgreesWithQuery(t *testing.T) {
	trans := NewTranslator("items")
	translated := trans.TranslateCriteria(Query{
		"items.status":    "wait",
		"items.elementId": "task_1",
	})

	matching := map[string]interface{}{"status": "wait", "elementId": "task_1"}
	other := map[string]interface{}{"status": "end", "elementId": "task_1"}

	assert.True(t, trans.FilterItem(matching, translated))
	assert.False(t, trans.FilterItem(other, translated))
}

func TestFilterItemNestedPathAndOperators(t *testing.T) {
	trans := NewTranslator("items")
	translated := trans.TranslateCriteria(Query{
		"items.vars.caseId": "case-9",
		"items.seq":         map[string]interface{}{"$gte": float64(2)},
	})

	item := map[string]interface{}{
		"seq":  float64(3),
		"vars": map[string]interface{}{"caseId": "case-9"},
	}
	assert.True(t, trans.FilterItem(item, translated))

	item["seq"] = float64(1)
	assert.False(t, trans.FilterItem(item, translated))
}

func TestMatchesOperators(t *testing.T) {
	doc := map[string]interface{}{
		"id":     "a",
		"count":  float64(5),
		"labels": []interface{}{"x", "y"},
	}

	assert.True(t, Matches(doc, Query{"count": map[string]interface{}{"$gt": float64(4)}}))
	assert.False(t, Matches(doc, Query{"count": map[string]interface{}{"$lt": float64(5)}}))
	assert.True(t, Matches(doc, Query{"count": map[string]interface{}{"$exists": true}}))
	assert.True(t, Matches(doc, Query{"missing": map[string]interface{}{"$exists": false}}))
	assert.True(t, Matches(doc, Query{"labels": "x"}))
	assert.True(t, Matches(doc, Query{"count": map[string]interface{}{"$in": []interface{}{float64(5), float64(7)}}}))
	assert.True(t, Matches(doc, Query{"$or": []interface{}{
		map[string]interface{}{"id": "b"},
		map[string]interface{}{"id": "a"},
	}}))
	assert.False(t, Matches(doc, Query{"$nor": []interface{}{
		map[string]interface{}{"id": "a"},
	}}))
}

func TestMemoryStoreCRUDAndUniqueIndex(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger.Discard())

	require.NoError(t, store.CreateIndex(ctx, "instances", "id", true))
	require.NoError(t, store.Insert(ctx, "instances", []map[string]interface{}{
		{"id": "i1", "status": "wait"},
	}))

	err := store.Insert(ctx, "instances", []map[string]interface{}{{"id": "i1"}})
	assert.ErrorIs(t, err, ErrDuplicate)

	count, err := store.Update(ctx, "instances",
		Query{"id": "i1"}, map[string]interface{}{"$set": map[string]interface{}{"status": "end"}}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	docs, err := store.Find(ctx, "instances", Query{"id": "i1"}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "end", docs[0]["status"])

	// upsert inserts when nothing matches
	count, err = store.Update(ctx, "locks",
		Query{"id": "i2"}, map[string]interface{}{"$set": map[string]interface{}{"id": "i2"}}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	removed, err := store.Remove(ctx, "instances", Query{"id": "i1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestLockerLockReleaseSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger.Discard())
	locker := NewLocker(store, logger.Discard())
	require.NoError(t, locker.Install(ctx))

	require.NoError(t, locker.Lock(ctx, "inst-1"))
	locked, err := locker.IsLocked(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, locked)

	// a second acquire refreshes rather than failing
	require.NoError(t, locker.Lock(ctx, "inst-1"))

	require.NoError(t, locker.Release(ctx, "inst-1"))
	locked, err = locker.IsLocked(ctx, "inst-1")
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, locker.Lock(ctx, "inst-2"))
	swept, err := locker.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)
}
