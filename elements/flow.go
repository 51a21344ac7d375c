package elements

import (
	"context"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/parser"
)

// Flow is a directed edge between two nodes. Sequence flows may carry a
// condition expression; message flows cross process boundaries.
type Flow struct {
	id   string
	typ  models.BpmnType
	def  *parser.Element
	From INode
	To   INode
}

// NewFlow creates a flow between two nodes.
func NewFlow(typ models.BpmnType, def *parser.Element, from, to INode) *Flow {
	return &Flow{
		id:   def.ID,
		typ:  typ,
		def:  def,
		From: from,
		To:   to,
	}
}

// ElementID returns the flow id.
func (f *Flow) ElementID() string { return f.id }

// ElementType returns the flow's BPMN type tag.
func (f *Flow) ElementType() models.BpmnType { return f.typ }

// ElementName returns the flow name or its id.
func (f *Flow) ElementName() string {
	if f.def.Name != "" {
		return f.def.Name
	}
	return f.id
}

// Def returns the parsed element definition.
func (f *Flow) Def() *parser.Element { return f.def }

// Run evaluates the flow condition and reports take or discard.
func (f *Flow) Run(ctx context.Context, item *Item) (models.FlowAction, error) {
	ok, err := f.EvaluateCondition(item)
	if err != nil {
		return models.FlowDiscard, err
	}
	if !ok {
		item.Status = models.ItemDiscard
		item.Context().DoItemEvent(ctx, item, models.EventFlowDiscard, "", map[string]interface{}{"flow": f.id})
		return models.FlowDiscard, nil
	}
	item.Context().DoItemEvent(ctx, item, models.EventFlowTake, "", map[string]interface{}{"flow": f.id})
	return models.FlowTake, nil
}

// EvaluateCondition evaluates the conditionExpression, if present.
func (f *Flow) EvaluateCondition(item *Item) (bool, error) {
	cond := f.def.Get("bpmn:ConditionExpression")
	if cond == nil || cond.Body == "" {
		return true, nil
	}
	val, err := item.Context().ScriptHandler().EvaluateExpression(ItemScope(item), cond.Body)
	if err != nil {
		return false, err
	}
	result, ok := val.(bool)
	if !ok {
		return val != nil, nil
	}
	return result, nil
}

// Execute is a no-op for sequence flows; message flows deliver cross-process.
func (f *Flow) Execute(ctx context.Context, item *Item) error {
	if f.typ != models.TypeMessageFlow {
		return nil
	}

	execution := item.Context()
	item.Token.Log("message flow", "flow_id", f.id, "to_node", f.To.ElementID())

	for _, token := range execution.Tokens() {
		if token.CurrentNode() != nil && token.CurrentNode().ElementID() == f.To.ElementID() {
			return token.Signal(ctx, nil, SignalOptions{})
		}
	}

	_, err := execution.StartToken(ctx, TokenSpec{
		Type:      models.TokenPrimary,
		StartNode: f.To,
	})
	return err
}
