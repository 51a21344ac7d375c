package scripting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateExpressionComparison(t *testing.T) {
	handler := NewDefaultHandler()
	scope := Scope{Data: map[string]interface{}{"a": float64(20)}}

	val, err := handler.EvaluateExpression(scope, "data.a > 10.0")
	require.NoError(t, err)
	assert.Equal(t, true, val)

	scope.Data["a"] = float64(5)
	val, err = handler.EvaluateExpression(scope, "data.a > 10.0")
	require.NoError(t, err)
	assert.Equal(t, false, val)
}

func TestEvaluateExpressionStripsDollarPrefix(t *testing.T) {
	handler := NewDefaultHandler()
	scope := Scope{Data: map[string]interface{}{"name": "order-7"}}

	val, err := handler.EvaluateExpression(scope, "$data.name")
	require.NoError(t, err)
	assert.Equal(t, "order-7", val)
}

func TestEvaluateExpressionCachesPrograms(t *testing.T) {
	handler := NewDefaultHandler()
	scope := Scope{Data: map[string]interface{}{"n": float64(1)}}

	for i := 0; i < 3; i++ {
		_, err := handler.EvaluateExpression(scope, "data.n + 1.0")
		require.NoError(t, err)
	}
	assert.Len(t, handler.expressions.cache, 1)
}

func TestExecuteScriptMutatesData(t *testing.T) {
	handler := NewDefaultHandler()
	data := map[string]interface{}{"y": float64(2)}
	scope := Scope{Data: data, Input: map[string]interface{}{}}

	_, err := handler.ExecuteScript(scope, "data.x = data.y + 1")
	require.NoError(t, err)
	assert.Equal(t, float64(3), data["x"])
}

func TestExecuteScriptErrorConvention(t *testing.T) {
	handler := NewDefaultHandler()
	scope := Scope{Data: map[string]interface{}{}}

	result, err := handler.ExecuteScript(scope, `({bpmnError: "ERR_42"})`)
	require.NoError(t, err)
	assert.Equal(t, "ERR_42", result.BpmnError)

	result, err = handler.ExecuteScript(scope, `({escalation: "ESC_1"})`)
	require.NoError(t, err)
	assert.Equal(t, "ESC_1", result.Escalation)
}

func TestExecuteScriptSyntaxError(t *testing.T) {
	handler := NewDefaultHandler()
	_, err := handler.ExecuteScript(Scope{}, "this is not javascript")
	assert.Error(t, err)
}
