package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeDataTopLevel(t *testing.T) {
	data := map[string]interface{}{}
	MergeData(data, map[string]interface{}{"a": 1, "b": "x"}, nil, "")

	assert.Equal(t, 1, data["a"])
	assert.Equal(t, "x", data["b"])
}

func TestMergeDataCreatesNestedPath(t *testing.T) {
	data := map[string]interface{}{}
	MergeData(data, map[string]interface{}{"val": 7}, nil, "sub.inner")

	sub := data["sub"].(map[string]interface{})
	inner := sub["inner"].(map[string]interface{})
	assert.Equal(t, 7, inner["val"])
}

func TestMergeDataArrayAppend(t *testing.T) {
	data := map[string]interface{}{}
	MergeData(data, map[string]interface{}{"n": 1}, nil, "results[]")
	MergeData(data, map[string]interface{}{"n": 2}, nil, "results[]")

	results := data["results"].([]interface{})
	assert.Len(t, results, 2)
	assert.Equal(t, map[string]interface{}{"n": 2}, results[1])
}

func TestMergeDataPathIsolation(t *testing.T) {
	data := map[string]interface{}{
		"other": map[string]interface{}{"keep": true},
	}
	MergeData(data, map[string]interface{}{"x": 1}, nil, "scope.a")

	// nothing outside the path prefix may change
	assert.Equal(t, map[string]interface{}{"keep": true}, data["other"])
	assert.Equal(t, 1, data["scope"].(map[string]interface{})["a"].(map[string]interface{})["x"])
}

func TestGetData(t *testing.T) {
	data := map[string]interface{}{
		"a": map[string]interface{}{"b": map[string]interface{}{"c": 42}},
	}

	assert.Equal(t, 42, GetData(data, "a.b.c"))
	assert.Equal(t, data, GetData(data, ""))
	assert.Nil(t, GetData(data, "a.missing.c"))
	assert.Nil(t, GetData(data, "a.b.c.d"))
}
