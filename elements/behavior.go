package elements

import (
	"context"
	"strings"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/parser"
)

// Behavior names, matching the parsed element tags they attach from.
const (
	BehaviorTimerEventDefinition      = "bpmn:TimerEventDefinition"
	BehaviorMessageEventDefinition    = "bpmn:MessageEventDefinition"
	BehaviorSignalEventDefinition     = "bpmn:SignalEventDefinition"
	BehaviorErrorEventDefinition      = "bpmn:ErrorEventDefinition"
	BehaviorEscalationEventDefinition = "bpmn:EscalationEventDefinition"
	BehaviorCancelEventDefinition     = "bpmn:CancelEventDefinition"
	BehaviorCompensateEventDefinition = "bpmn:CompensateEventDefinition"
	BehaviorTerminateEventDefinition  = "bpmn:TerminateEventDefinition"
	BehaviorLoopCharacteristics       = "loopCharacteristics"
	BehaviorIO                        = "camunda:inputOutput"
	BehaviorFormData                  = "camunda:formData"
	BehaviorExecutionListener         = "camunda:executionListener"
	BehaviorTaskListener              = "camunda:taskListener"
)

// Behavior specializes a node for one BPMN construct. Behaviors are stateless
// across instances; per-item state lives on the Item.
type Behavior interface {
	Name() string
	Enter(ctx context.Context, item *Item) error
	Start(ctx context.Context, item *Item) (models.NodeAction, error)
	End(ctx context.Context, item *Item) error
	Exit(ctx context.Context, item *Item) error
	Resume(item *Item)
	Restored(item *Item)
}

// BaseBehavior provides no-op defaults for behavior hooks.
type BaseBehavior struct {
	name string
	node INode
	def  *parser.Element
}

func (b *BaseBehavior) Name() string                                                      { return b.name }
func (b *BaseBehavior) Enter(ctx context.Context, item *Item) error                       { return nil }
func (b *BaseBehavior) Start(ctx context.Context, item *Item) (models.NodeAction, error)  { return models.ActionNone, nil }
func (b *BaseBehavior) End(ctx context.Context, item *Item) error                         { return nil }
func (b *BaseBehavior) Exit(ctx context.Context, item *Item) error                        { return nil }
func (b *BaseBehavior) Resume(item *Item)                                                 {}
func (b *BaseBehavior) Restored(item *Item)                                               {}

type behaviorFactory func(node INode, def *parser.Element, result *parser.Result) Behavior

var behaviorRegistry = map[string]behaviorFactory{
	BehaviorTimerEventDefinition: func(node INode, def *parser.Element, _ *parser.Result) Behavior {
		return newTimerBehavior(node, def)
	},
	BehaviorMessageEventDefinition: func(node INode, def *parser.Element, result *parser.Result) Behavior {
		return newMessageBehavior(node, def, result)
	},
	BehaviorSignalEventDefinition: func(node INode, def *parser.Element, result *parser.Result) Behavior {
		return newSignalBehavior(node, def, result)
	},
	BehaviorErrorEventDefinition: func(node INode, def *parser.Element, result *parser.Result) Behavior {
		return newErrorBehavior(node, def, result)
	},
	BehaviorEscalationEventDefinition: func(node INode, def *parser.Element, result *parser.Result) Behavior {
		return newEscalationBehavior(node, def, result)
	},
	BehaviorCancelEventDefinition: func(node INode, def *parser.Element, _ *parser.Result) Behavior {
		return newCancelBehavior(node, def)
	},
	BehaviorCompensateEventDefinition: func(node INode, def *parser.Element, _ *parser.Result) Behavior {
		return newCompensateBehavior(node, def)
	},
	BehaviorTerminateEventDefinition: func(node INode, def *parser.Element, _ *parser.Result) Behavior {
		return newTerminateBehavior(node, def)
	},
}

// LoadBehaviors inspects a node's parsed definition and attaches a behavior
// for every recognized construct: event definitions, loop characteristics,
// IO mappings, listeners and forms.
func LoadBehaviors(node INode, result *parser.Result) {
	def := node.Def()

	for _, child := range def.Children {
		if strings.HasSuffix(child.Type, "EventDefinition") {
			if factory, ok := behaviorRegistry[child.Type]; ok {
				node.AddBehavior(child.Type, factory(node, child, result))
			}
			continue
		}
		switch child.Type {
		case "bpmn:MultiInstanceLoopCharacteristics", "bpmn:StandardLoopCharacteristics":
			node.AddBehavior(BehaviorLoopCharacteristics, newLoopBehavior(node, child))
		case "bpmn:ExtensionElements":
			for _, ext := range child.Children {
				switch ext.Type {
				case BehaviorIO:
					node.AddBehavior(BehaviorIO, newIOBehavior(node, ext))
				case BehaviorFormData:
					node.AddBehavior(BehaviorFormData, newFormBehavior(node, ext))
				case BehaviorExecutionListener, BehaviorTaskListener:
					attachListenerScripts(node, ext)
				}
			}
		}
	}
}

// attachListenerScripts stores listener script bodies keyed by event name;
// node.DoEvent executes them when the event fires.
func attachListenerScripts(node INode, def *parser.Element) {
	event := def.Attr("event")
	if event == "" {
		return
	}
	for _, child := range def.GetAll("camunda:script") {
		if child.Body != "" {
			node.Scripts()[event] = append(node.Scripts()[event], child.Body)
		}
	}
}
