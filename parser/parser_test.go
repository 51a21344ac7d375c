package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
                  xmlns:camunda="http://camunda.org/schema/1.0/bpmn"
                  id="defs_1">
  <bpmn:message id="msg_1" name="orderReceived"/>
  <bpmn:error id="err_1" name="paymentFailed" errorCode="PAY_ERR"/>
  <bpmn:process id="proc_1" isExecutable="true">
    <bpmn:startEvent id="start_1"/>
    <bpmn:userTask id="task_1" name="Review" camunda:assignee="alice"/>
    <bpmn:boundaryEvent id="bound_1" attachedToRef="task_1" cancelActivity="false">
      <bpmn:timerEventDefinition>
        <bpmn:timeDuration>PT5S</bpmn:timeDuration>
      </bpmn:timerEventDefinition>
    </bpmn:boundaryEvent>
    <bpmn:endEvent id="end_1"/>
    <bpmn:sequenceFlow id="flow_1" sourceRef="start_1" targetRef="task_1"/>
    <bpmn:sequenceFlow id="flow_2" sourceRef="task_1" targetRef="end_1">
      <bpmn:conditionExpression>data.approved</bpmn:conditionExpression>
    </bpmn:sequenceFlow>
  </bpmn:process>
</bpmn:definitions>`

func TestParseBuildsTypedTree(t *testing.T) {
	result, err := Parse(sampleXML)
	require.NoError(t, err)

	require.Len(t, result.Processes, 1)
	proc := result.Processes[0]
	assert.Equal(t, "bpmn:Process", proc.Type)
	assert.Equal(t, "proc_1", proc.ID)

	task := result.ElementsByID["task_1"]
	require.NotNil(t, task)
	assert.Equal(t, "bpmn:UserTask", task.Type)
	assert.Equal(t, "Review", task.Name)
	assert.Equal(t, "alice", task.Attr("camunda:assignee"))

	bound := result.ElementsByID["bound_1"]
	require.NotNil(t, bound)
	assert.Equal(t, "task_1", bound.Attr("attachedToRef"))
	timer := bound.Get("bpmn:TimerEventDefinition")
	require.NotNil(t, timer)
	assert.Equal(t, "PT5S", timer.Get("bpmn:TimeDuration").Body)

	flow := result.ElementsByID["flow_2"]
	require.NotNil(t, flow)
	cond := flow.Get("bpmn:ConditionExpression")
	require.NotNil(t, cond)
	assert.Equal(t, "data.approved", cond.Body)
}

func TestParseResolvesDeclaredRefs(t *testing.T) {
	result, err := Parse(sampleXML)
	require.NoError(t, err)

	assert.Equal(t, "orderReceived", result.Messages["msg_1"])
	assert.Equal(t, "PAY_ERR", result.Errors["err_1"].Code)
	assert.Equal(t, "paymentFailed", result.Errors["err_1"].Name)
}

func TestParseRejectsNonDefinitionsRoot(t *testing.T) {
	_, err := Parse(`<other/>`)
	assert.Error(t, err)
}
