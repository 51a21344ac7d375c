package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/lyzr/bpmnserver/common/config"
	"github.com/lyzr/bpmnserver/common/docstore"
	"github.com/lyzr/bpmnserver/common/logger"
	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/elements"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
                  xmlns:camunda="http://camunda.org/schema/1.0/bpmn" id="defs">`

const straightLineXML = xmlHeader + `
  <bpmn:process id="proc" isExecutable="true">
    <bpmn:startEvent id="start"/>
    <bpmn:scriptTask id="calc">
      <bpmn:script>data.x = data.y + 1</bpmn:script>
    </bpmn:scriptTask>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="calc"/>
    <bpmn:sequenceFlow id="f2" sourceRef="calc" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const exclusiveXML = xmlHeader + `
  <bpmn:process id="proc" isExecutable="true">
    <bpmn:startEvent id="start"/>
    <bpmn:exclusiveGateway id="xor" default="toT2"/>
    <bpmn:scriptTask id="t1"><bpmn:script>data.took = "t1"</bpmn:script></bpmn:scriptTask>
    <bpmn:scriptTask id="t2"><bpmn:script>data.took = "t2"</bpmn:script></bpmn:scriptTask>
    <bpmn:endEvent id="end1"/>
    <bpmn:endEvent id="end2"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="xor"/>
    <bpmn:sequenceFlow id="toT1" sourceRef="xor" targetRef="t1">
      <bpmn:conditionExpression>data.a > 10.0</bpmn:conditionExpression>
    </bpmn:sequenceFlow>
    <bpmn:sequenceFlow id="toT2" sourceRef="xor" targetRef="t2"/>
    <bpmn:sequenceFlow id="f4" sourceRef="t1" targetRef="end1"/>
    <bpmn:sequenceFlow id="f5" sourceRef="t2" targetRef="end2"/>
  </bpmn:process>
</bpmn:definitions>`

const forkJoinXML = xmlHeader + `
  <bpmn:process id="proc" isExecutable="true">
    <bpmn:startEvent id="start"/>
    <bpmn:parallelGateway id="fork"/>
    <bpmn:userTask id="a"/>
    <bpmn:userTask id="b"/>
    <bpmn:parallelGateway id="join"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="fork"/>
    <bpmn:sequenceFlow id="f2" sourceRef="fork" targetRef="a"/>
    <bpmn:sequenceFlow id="f3" sourceRef="fork" targetRef="b"/>
    <bpmn:sequenceFlow id="f4" sourceRef="a" targetRef="join"/>
    <bpmn:sequenceFlow id="f5" sourceRef="b" targetRef="join"/>
    <bpmn:sequenceFlow id="f6" sourceRef="join" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const userTaskXML = xmlHeader + `
  <bpmn:process id="proc" isExecutable="true">
    <bpmn:startEvent id="start"/>
    <bpmn:userTask id="approve"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="approve"/>
    <bpmn:sequenceFlow id="f2" sourceRef="approve" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const timerBoundaryXML = xmlHeader + `
  <bpmn:process id="proc" isExecutable="true">
    <bpmn:startEvent id="start"/>
    <bpmn:userTask id="slow"/>
    <bpmn:boundaryEvent id="deadline" attachedToRef="slow">
      <bpmn:timerEventDefinition>
        <bpmn:timeDuration>PT10S</bpmn:timeDuration>
      </bpmn:timerEventDefinition>
    </bpmn:boundaryEvent>
    <bpmn:scriptTask id="escape"><bpmn:script>data.escaped = true</bpmn:script></bpmn:scriptTask>
    <bpmn:endEvent id="end"/>
    <bpmn:endEvent id="endEscape"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="slow"/>
    <bpmn:sequenceFlow id="f2" sourceRef="slow" targetRef="end"/>
    <bpmn:sequenceFlow id="f3" sourceRef="deadline" targetRef="escape"/>
    <bpmn:sequenceFlow id="f4" sourceRef="escape" targetRef="endEscape"/>
  </bpmn:process>
</bpmn:definitions>`

const multiInstanceXML = xmlHeader + `
  <bpmn:process id="proc" isExecutable="true">
    <bpmn:startEvent id="start"/>
    <bpmn:scriptTask id="each">
      <bpmn:multiInstanceLoopCharacteristics camunda:collection="$data.items"/>
      <bpmn:script>data.marked = true</bpmn:script>
    </bpmn:scriptTask>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="each"/>
    <bpmn:sequenceFlow id="f2" sourceRef="each" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const messageCatchXML = xmlHeader + `
  <bpmn:message id="msgPay" name="paymentDone"/>
  <bpmn:process id="proc" isExecutable="true">
    <bpmn:startEvent id="start"/>
    <bpmn:intermediateCatchEvent id="waitPay">
      <bpmn:messageEventDefinition messageRef="msgPay"/>
    </bpmn:intermediateCatchEvent>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="waitPay"/>
    <bpmn:sequenceFlow id="f2" sourceRef="waitPay" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const messageStartXML = xmlHeader + `
  <bpmn:message id="msgOrder" name="orderReceived"/>
  <bpmn:process id="proc" isExecutable="true">
    <bpmn:startEvent id="start">
      <bpmn:messageEventDefinition messageRef="msgOrder"/>
    </bpmn:startEvent>
    <bpmn:userTask id="handle"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="handle"/>
    <bpmn:sequenceFlow id="f2" sourceRef="handle" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const signalCatchXML = xmlHeader + `
  <bpmn:signal id="sigStop" name="stopAll"/>
  <bpmn:process id="proc" isExecutable="true">
    <bpmn:startEvent id="start"/>
    <bpmn:intermediateCatchEvent id="waitStop">
      <bpmn:signalEventDefinition signalRef="sigStop"/>
    </bpmn:intermediateCatchEvent>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="waitStop"/>
    <bpmn:sequenceFlow id="f2" sourceRef="waitStop" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const eventGatewayXML = xmlHeader + `
  <bpmn:message id="m1" name="route1"/>
  <bpmn:message id="m2" name="route2"/>
  <bpmn:process id="proc" isExecutable="true">
    <bpmn:startEvent id="start"/>
    <bpmn:eventBasedGateway id="race"/>
    <bpmn:intermediateCatchEvent id="catch1">
      <bpmn:messageEventDefinition messageRef="m1"/>
    </bpmn:intermediateCatchEvent>
    <bpmn:intermediateCatchEvent id="catch2">
      <bpmn:messageEventDefinition messageRef="m2"/>
    </bpmn:intermediateCatchEvent>
    <bpmn:endEvent id="end1"/>
    <bpmn:endEvent id="end2"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="race"/>
    <bpmn:sequenceFlow id="f2" sourceRef="race" targetRef="catch1"/>
    <bpmn:sequenceFlow id="f3" sourceRef="race" targetRef="catch2"/>
    <bpmn:sequenceFlow id="f4" sourceRef="catch1" targetRef="end1"/>
    <bpmn:sequenceFlow id="f5" sourceRef="catch2" targetRef="end2"/>
  </bpmn:process>
</bpmn:definitions>`

func testConfig() *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{Name: "test", Port: 8080, LogLevel: "error"},
		Database: config.DatabaseConfig{InMemory: true, MaxConns: 1},
		Engine: config.EngineConfig{
			SaveLogs:     true,
			SaveSource:   true,
			LockSweepAge: 24 * time.Hour,
		},
		Timers: config.TimerConfig{Precision: time.Second},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	store := docstore.NewMemoryStore(logger.Discard())
	eng := NewEngine(&EngineOpts{
		Config: cfg,
		Logger: logger.Discard(),
		Store:  store,
	})
	require.NoError(t, eng.Install(context.Background()))
	return eng
}

func nodeItems(execution *Execution) []*elements.Item {
	var out []*elements.Item
	for _, item := range execution.Items() {
		if item.ElementType() != models.TypeSequenceFlow {
			out = append(out, item)
		}
	}
	return out
}

func elementIDs(items []*elements.Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ElementID())
	}
	return out
}

func TestStraightLineExecution(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	execution, err := eng.Start(ctx, "straight", straightLineXML,
		map[string]interface{}{"y": float64(2)}, "", "", "", false)
	require.NoError(t, err)
	require.NotNil(t, execution)

	assert.Equal(t, models.ExecutionEnd, execution.Status())
	assert.Equal(t, float64(3), execution.InstanceData()["x"])
	assert.Equal(t, []string{"start", "calc", "end"}, elementIDs(nodeItems(execution)))
}

func TestItemSequenceMonotonicAndUnique(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	execution, err := eng.Start(ctx, "straight", straightLineXML,
		map[string]interface{}{"y": float64(1)}, "", "", "", false)
	require.NoError(t, err)

	seen := map[int]bool{}
	prev := -1
	for _, item := range execution.Items() {
		assert.Greater(t, item.Seq, prev)
		assert.False(t, seen[item.Seq], "seq %d duplicated", item.Seq)
		seen[item.Seq] = true
		prev = item.Seq
	}
}

func TestExclusiveGatewayConditionAndDefault(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	low, err := eng.Start(ctx, "xor", exclusiveXML,
		map[string]interface{}{"a": float64(5)}, "", "", "", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionEnd, low.Status())
	assert.Equal(t, "t2", low.InstanceData()["took"])

	high, err := eng.Start(ctx, "xor", exclusiveXML,
		map[string]interface{}{"a": float64(20)}, "", "", "", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionEnd, high.Status())
	assert.Equal(t, "t1", high.InstanceData()["took"])

	for _, execution := range []*Execution{low, high} {
		ends := 0
		for _, item := range nodeItems(execution) {
			if item.ElementType() == models.TypeEndEvent {
				ends++
			}
		}
		assert.Equal(t, 1, ends)
	}
}

func TestParallelForkJoin(t *testing.T) {
	for _, order := range [][]string{{"a", "b"}, {"b", "a"}} {
		eng := newTestEngine(t, nil)
		ctx := context.Background()

		execution, err := eng.Start(ctx, "forkjoin", forkJoinXML, nil, "", "", "", false)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionWait, execution.Status())

		first, err := eng.Invoke(ctx,
			docstore.Query{"items.elementId": order[0], "items.status": "wait"},
			map[string]interface{}{order[0] + "Result": "done"}, "", false, false, false)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, models.ExecutionWait, first.Status(), "join must wait for the second branch")

		second, err := eng.Invoke(ctx,
			docstore.Query{"items.elementId": order[1], "items.status": "wait"},
			map[string]interface{}{order[1] + "Result": "done"}, "", false, false, false)
		require.NoError(t, err)
		require.NotNil(t, second)

		assert.Equal(t, models.ExecutionEnd, second.Status())
		assert.Equal(t, "done", second.InstanceData()["aResult"])
		assert.Equal(t, "done", second.InstanceData()["bResult"])
	}
}

func TestUserTaskWaitAndComplete(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	execution, err := eng.Start(ctx, "approval", userTaskXML, nil, "", "", "", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionWait, execution.Status())

	var waiting *elements.Item
	for _, item := range execution.Items() {
		if item.ElementID() == "approve" {
			waiting = item
		}
	}
	require.NotNil(t, waiting)
	assert.Equal(t, models.ItemWait, waiting.Status)

	completed, err := eng.Invoke(ctx,
		docstore.Query{"items.elementId": "approve"},
		map[string]interface{}{"result": "ok"}, "", false, false, false)
	require.NoError(t, err)
	require.NotNil(t, completed)

	assert.Equal(t, models.ExecutionEnd, completed.Status())
	assert.Equal(t, "ok", completed.InstanceData()["result"])
}

func TestRestoreRoundTrip(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	execution, err := eng.Start(ctx, "approval", userTaskXML,
		map[string]interface{}{"caseId": "c-1"}, "", "", "", false)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionWait, execution.Status())

	originalState := execution.GetState()
	doc, err := models.ToDoc(originalState)
	require.NoError(t, err)
	var reloaded models.InstanceRecord
	require.NoError(t, models.FromDoc(doc, &reloaded))

	restored, err := RestoreExecution(ctx, &reloaded, eng.environment(), "")
	require.NoError(t, err)

	assert.Equal(t, execution.ID(), restored.ID())
	assert.Equal(t, execution.Status(), restored.Status())
	assert.Equal(t, execution.InstanceData(), restored.InstanceData())
	require.Len(t, restored.Tokens(), len(execution.Tokens()))
	require.Len(t, restored.Items(), len(execution.Items()))
	for i, item := range restored.Items() {
		assert.Equal(t, execution.Items()[i].ID, item.ID)
		assert.Equal(t, execution.Items()[i].Seq, item.Seq)
		assert.Equal(t, execution.Items()[i].Status, item.Status)
	}

	// re-saving the restored execution produces an equivalent document
	restoredDoc, err := models.ToDoc(restored.GetState())
	require.NoError(t, err)
	assert.Equal(t, doc["items"], restoredDoc["items"])
	assert.Equal(t, doc["tokens"], restoredDoc["tokens"])
	assert.Equal(t, doc["data"], restoredDoc["data"])
}

func TestRestoreFromStorageAndComplete(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	execution, err := eng.Start(ctx, "approval", userTaskXML, nil, "", "", "", false)
	require.NoError(t, err)
	instanceID := execution.ID()

	// force the storage path instead of the live cache
	eng.Cache().Remove(instanceID)

	completed, err := eng.Invoke(ctx,
		docstore.Query{"items.elementId": "approve"},
		map[string]interface{}{"result": "restored"}, "", false, false, false)
	require.NoError(t, err)
	require.NotNil(t, completed)
	assert.Equal(t, instanceID, completed.ID())
	assert.Equal(t, models.ExecutionEnd, completed.Status())
	assert.Equal(t, "restored", completed.InstanceData()["result"])
}

func TestTimerBoundaryInterrupts(t *testing.T) {
	cfg := testConfig()
	cfg.Timers.ForceDelay = 50 * time.Millisecond
	eng := newTestEngine(t, cfg)
	ctx := context.Background()

	execution, err := eng.Start(ctx, "deadline", timerBoundaryXML, nil, "", "", "", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionWait, execution.Status())

	require.Eventually(t, func() bool {
		instance, err := eng.DataStore().FindInstance(ctx, docstore.Query{"id": execution.ID()}, "full")
		if err != nil {
			return false
		}
		return instance.Status == models.ExecutionEnd
	}, 3*time.Second, 50*time.Millisecond)

	instance, err := eng.DataStore().FindInstance(ctx, docstore.Query{"id": execution.ID()}, "full")
	require.NoError(t, err)
	assert.Equal(t, true, instance.Data["escaped"])

	var slowItem *models.ItemRecord
	escaped := false
	for i := range instance.Items {
		switch instance.Items[i].ElementID {
		case "slow":
			slowItem = &instance.Items[i]
		case "escape":
			escaped = true
		}
	}
	require.NotNil(t, slowItem)
	assert.Equal(t, models.ItemEnd, slowItem.Status)
	assert.Nil(t, slowItem.EndedAt, "a cancelled item keeps ended_at unset")
	assert.True(t, escaped)
}

func TestParallelMultiInstance(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	execution, err := eng.Start(ctx, "mi", multiInstanceXML,
		map[string]interface{}{"items": []interface{}{float64(1), float64(2), float64(3)}},
		"", "", "", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionEnd, execution.Status())

	instances := 0
	for _, token := range execution.Tokens() {
		if token.Type() == models.TokenInstance {
			instances++
			assert.Contains(t,
				[]models.TokenStatus{models.TokenEnd, models.TokenTerminated}, token.Status())
		}
	}
	assert.Equal(t, 3, instances)

	for _, key := range []string{"1", "2", "3"} {
		scoped, ok := GetData(execution.InstanceData(), "each."+key).(map[string]interface{})
		require.True(t, ok, "iteration scope each.%s missing", key)
		assert.Equal(t, true, scoped["marked"])
	}
}

func TestThrowMessageInvokesWaitingItemWithCorrelation(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := eng.Start(ctx, "pay", messageCatchXML,
		map[string]interface{}{"caseId": "A"}, "", "", "", false)
	require.NoError(t, err)
	second, err := eng.Start(ctx, "pay", messageCatchXML,
		map[string]interface{}{"caseId": "B"}, "", "", "", false)
	require.NoError(t, err)

	result, err := eng.ThrowMessage(ctx, "paymentDone",
		map[string]interface{}{"paid": true},
		docstore.Query{"items.data.caseId": "B"})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, second.ID(), result.ID())
	assert.Equal(t, models.ExecutionEnd, result.Status())
	assert.Equal(t, models.ExecutionWait, first.Status(), "uncorrelated instance keeps waiting")
}

func TestThrowMessageNoTargetIsNoOp(t *testing.T) {
	eng := newTestEngine(t, nil)
	result, err := eng.ThrowMessage(context.Background(), "unknownMessage", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestThrowMessageStartsInstanceFromStartEvent(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.ModelStore().Save(ctx, "orders", messageStartXML, "")
	require.NoError(t, err)

	result, err := eng.ThrowMessage(ctx, "orderReceived",
		map[string]interface{}{"orderId": "o-1"}, nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "orders", result.Name())
	assert.Equal(t, models.ExecutionWait, result.Status())

	items, err := eng.DataStore().FindItems(ctx,
		docstore.Query{"items.elementId": "handle", "items.status": "wait"})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestThrowSignalBroadcasts(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := eng.Start(ctx, "sig", signalCatchXML, nil, "", "", "", false)
	require.NoError(t, err)
	second, err := eng.Start(ctx, "sig", signalCatchXML, nil, "", "", "", false)
	require.NoError(t, err)

	targets, err := eng.ThrowSignal(ctx, "stopAll", nil, nil)
	require.NoError(t, err)
	assert.Len(t, targets, 2)

	for _, id := range []string{first.ID(), second.ID()} {
		instance, err := eng.DataStore().FindInstance(ctx, docstore.Query{"id": id}, "summary")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionEnd, instance.Status)
	}
}

func TestEventBasedGatewayRace(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	execution, err := eng.Start(ctx, "race", eventGatewayXML, nil, "", "", "", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionWait, execution.Status())

	result, err := eng.ThrowMessage(ctx, "route1", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.ExecutionEnd, result.Status())

	var catch2 *elements.Item
	reachedEnd2 := false
	for _, item := range result.Items() {
		switch item.ElementID() {
		case "catch2":
			catch2 = item
		case "end2":
			reachedEnd2 = true
		}
	}
	require.NotNil(t, catch2)
	assert.Contains(t,
		[]models.ItemStatus{models.ItemEnd, models.ItemTerminated, models.ItemCancelled},
		catch2.Status)
	assert.False(t, reachedEnd2, "the losing branch must not continue")
}

func TestTerminateCancelsAllDescendants(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	execution, err := eng.Start(ctx, "forkjoin", forkJoinXML, nil, "", "", "", false)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionWait, execution.Status())

	require.NoError(t, execution.Terminate(ctx))

	for _, token := range execution.Tokens() {
		assert.Contains(t,
			[]models.TokenStatus{models.TokenEnd, models.TokenTerminated}, token.Status())
	}
	for _, item := range execution.Items() {
		assert.Contains(t,
			[]models.ItemStatus{models.ItemEnd, models.ItemTerminated, models.ItemCancelled, models.ItemDiscard},
			item.Status)
	}
}

func TestNodeEndIsIdempotent(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	execution, err := eng.Start(ctx, "straight", straightLineXML,
		map[string]interface{}{"y": float64(0)}, "", "", "", false)
	require.NoError(t, err)

	items := nodeItems(execution)
	require.NotEmpty(t, items)
	item := items[len(items)-1]
	endedAt := item.EndedAt

	require.NoError(t, item.Node().End(ctx, item, false))
	assert.Equal(t, endedAt, item.EndedAt)
	assert.Equal(t, models.ItemEnd, item.Status)
}

func TestLockReleasedAfterOperations(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	execution, err := eng.Start(ctx, "approval", userTaskXML, nil, "", "", "", false)
	require.NoError(t, err)

	locked, err := eng.DataStore().Locker.IsLocked(ctx, execution.ID())
	require.NoError(t, err)
	assert.False(t, locked)

	_, err = eng.Invoke(ctx, docstore.Query{"items.elementId": "approve"},
		map[string]interface{}{}, "", false, false, false)
	require.NoError(t, err)

	locked, err = eng.DataStore().Locker.IsLocked(ctx, execution.ID())
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRestartEndedInstanceRewindsToSavePoint(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.EnableSavePoints = true
	eng := newTestEngine(t, cfg)
	ctx := context.Background()

	execution, err := eng.Start(ctx, "approval", userTaskXML, nil, "", "", "", false)
	require.NoError(t, err)
	approveID := itemID(execution, "approve")
	require.NotEmpty(t, approveID)

	completed, err := eng.Invoke(ctx, docstore.Query{"items.elementId": "approve"},
		map[string]interface{}{"result": "first"}, "", false, false, false)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionEnd, completed.Status())

	// restart rewinds to the save point where the item was waiting
	restarted, err := eng.Restart(ctx,
		docstore.Query{"items.id": approveID},
		map[string]interface{}{}, "operator")
	require.NoError(t, err)
	require.NotNil(t, restarted)
	assert.Equal(t, execution.ID(), restarted.ID())
	assert.Equal(t, models.ExecutionWait, restarted.Status())

	// the rewound instance completes again with new data
	again, err := eng.Invoke(ctx, docstore.Query{"items.elementId": "approve", "items.status": "wait"},
		map[string]interface{}{"result": "second"}, "", false, false, false)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, models.ExecutionEnd, again.Status())
	assert.Equal(t, "second", again.InstanceData()["result"])
}

func itemID(execution *Execution, elementID string) string {
	for _, item := range execution.Items() {
		if item.ElementID() == elementID {
			return item.ID
		}
	}
	return ""
}
