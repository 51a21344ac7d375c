package elements

import (
	"github.com/lyzr/bpmnserver/parser"
)

// LoopBehavior exposes a node's loop characteristics: standard loops and
// sequential or parallel multi-instance markers.
type LoopBehavior struct {
	BaseBehavior
	standard   bool
	sequential bool
	collection string
	condition  string
}

func newLoopBehavior(node INode, def *parser.Element) *LoopBehavior {
	b := &LoopBehavior{
		BaseBehavior: BaseBehavior{name: BehaviorLoopCharacteristics, node: node, def: def},
	}
	b.standard = def.Type == "bpmn:StandardLoopCharacteristics"
	b.sequential = def.Attr("isSequential") == "true"
	b.collection = def.Attr("camunda:collection")
	if b.collection == "" {
		if c := def.Get("bpmn:LoopCardinality"); c != nil {
			b.collection = c.Body
		}
	}
	if cond := def.Get("bpmn:CompletionCondition"); cond != nil {
		b.condition = cond.Body
	} else if cond := def.Get("bpmn:LoopCondition"); cond != nil {
		b.condition = cond.Body
	}
	return b
}

// IsStandard reports a standard (condition-driven) loop.
func (b *LoopBehavior) IsStandard() bool { return b.standard }

// IsSequential reports a sequential multi-instance marker.
func (b *LoopBehavior) IsSequential() bool { return b.sequential }

// Collection is the expression producing the iterated collection, or a
// cardinality count.
func (b *LoopBehavior) Collection() string { return b.collection }

// Condition is the loop/completion condition expression, if any.
func (b *LoopBehavior) Condition() string { return b.condition }
