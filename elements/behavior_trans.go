package elements

import (
	"context"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/parser"
)

// CancelBehavior handles transaction cancel events.
type CancelBehavior struct {
	BaseBehavior
}

func newCancelBehavior(node INode, def *parser.Element) *CancelBehavior {
	node.SetSubType(models.SubtypeCancel)
	return &CancelBehavior{
		BaseBehavior: BaseBehavior{name: BehaviorCancelEventDefinition, node: node, def: def},
	}
}

// Start waits when catching; when throwing it cancels the enclosing
// transaction and aborts this path.
func (b *CancelBehavior) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	if b.node.IsCatching() {
		return models.ActionWait, nil
	}

	item.Token.Log("cancel event throwing")

	var transItem *Item
	if parent := item.Token.ParentToken(); parent != nil {
		transItem = parent.OriginItem()
	}

	if err := item.Token.ProcessCancel(ctx, item); err != nil {
		return models.ActionError, err
	}

	if transItem != nil {
		if err := CancelTransaction(ctx, transItem); err != nil {
			return models.ActionError, err
		}
	}

	return models.ActionError, nil
}

// CompensateBehavior fires compensation boundary events of completed
// activities inside a transaction.
type CompensateBehavior struct {
	BaseBehavior
	activityRef string
}

func newCompensateBehavior(node INode, def *parser.Element) *CompensateBehavior {
	node.SetSubType(models.SubtypeCompensate)
	return &CompensateBehavior{
		BaseBehavior: BaseBehavior{name: BehaviorCompensateEventDefinition, node: node, def: def},
		activityRef:  def.Attr("activityRef"),
	}
}

// Start is inert when catching; when throwing it locates the referenced
// transaction item and compensates it.
func (b *CompensateBehavior) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	if b.node.IsCatching() {
		return models.ActionContinue, nil
	}

	item.Token.Log("compensate event", "activity_ref", b.activityRef)

	var transItem *Item
	for _, token := range item.Context().Tokens() {
		for _, visited := range token.Path() {
			if visited.ElementID() == b.activityRef {
				transItem = visited
				break
			}
		}
		if transItem != nil {
			break
		}
	}

	if transItem != nil {
		if err := CompensateTransaction(ctx, transItem); err != nil {
			return models.ActionError, err
		}
	}

	return models.ActionContinue, nil
}

// TerminateBehavior terminates every token in the execution when its node
// ends.
type TerminateBehavior struct {
	BaseBehavior
}

func newTerminateBehavior(node INode, def *parser.Element) *TerminateBehavior {
	node.SetSubType(models.SubtypeTerminate)
	return &TerminateBehavior{
		BaseBehavior: BaseBehavior{name: BehaviorTerminateEventDefinition, node: node, def: def},
	}
}

// End terminates the whole execution.
func (b *TerminateBehavior) End(ctx context.Context, item *Item) error {
	return item.Context().Terminate(ctx)
}

// FormBehavior exposes form fields for external UIs; it carries data only.
type FormBehavior struct {
	BaseBehavior
	fields []*parser.Element
}

func newFormBehavior(node INode, def *parser.Element) *FormBehavior {
	return &FormBehavior{
		BaseBehavior: BaseBehavior{name: BehaviorFormData, node: node, def: def},
		fields:       def.Children,
	}
}

// Fields returns the declared form fields.
func (b *FormBehavior) Fields() []*parser.Element { return b.fields }
