package elements

import (
	"context"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/parser"
)

// ErrorBehavior catches or throws BPMN errors. A throwing error event
// propagates up the token chain; unhandled errors terminate the execution.
type ErrorBehavior struct {
	BaseBehavior
	errorCode string
}

func newErrorBehavior(node INode, def *parser.Element, result *parser.Result) *ErrorBehavior {
	b := &ErrorBehavior{
		BaseBehavior: BaseBehavior{name: BehaviorErrorEventDefinition, node: node, def: def},
	}
	if ref := def.Attr("errorRef"); ref != "" {
		if errDef, ok := result.Errors[ref]; ok {
			b.errorCode = errDef.Code
			if b.errorCode == "" {
				b.errorCode = errDef.Name
			}
		} else {
			b.errorCode = ref
		}
	}
	node.SetSubType(models.SubtypeError)
	return b
}

// ErrorCode returns the declared error code, or "" to catch any.
func (b *ErrorBehavior) ErrorCode() string { return b.errorCode }

// Start waits when catching; when throwing it propagates the error, cancels
// an enclosing transaction, and aborts this path.
func (b *ErrorBehavior) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	if b.node.IsCatching() {
		return models.ActionWait, nil
	}

	item.Token.Log("error event throwing", "error_code", b.errorCode)

	var transItem *Item
	if origin := item.Token.OriginItem(); origin != nil && origin.ElementType() == models.TypeTransaction {
		transItem = origin
	} else if parent := item.Token.ParentToken(); parent != nil && parent.OriginItem() != nil {
		if parent.OriginItem().ElementType() == models.TypeTransaction {
			transItem = parent.OriginItem()
		}
	}

	if err := item.Token.ProcessError(ctx, b.errorCode, item); err != nil {
		return models.ActionError, err
	}

	if transItem != nil {
		if err := CancelTransaction(ctx, transItem); err != nil {
			return models.ActionError, err
		}
		transItem.Token.SetStatus(models.TokenTerminated)
		if err := transItem.Node().End(ctx, transItem, true); err != nil {
			return models.ActionError, err
		}
	}

	if err := item.Node().End(ctx, item, false); err != nil {
		return models.ActionError, err
	}
	return models.ActionError, nil
}

// EscalationBehavior is the non-terminating analogue of ErrorBehavior:
// unhandled escalations are only logged.
type EscalationBehavior struct {
	BaseBehavior
	escalationCode string
}

func newEscalationBehavior(node INode, def *parser.Element, result *parser.Result) *EscalationBehavior {
	b := &EscalationBehavior{
		BaseBehavior: BaseBehavior{name: BehaviorEscalationEventDefinition, node: node, def: def},
	}
	if ref := def.Attr("escalationRef"); ref != "" {
		if escDef, ok := result.Escalations[ref]; ok {
			b.escalationCode = escDef.Code
			if b.escalationCode == "" {
				b.escalationCode = escDef.Name
			}
		} else {
			b.escalationCode = ref
		}
	}
	node.SetSubType(models.SubtypeEscalation)
	return b
}

// EscalationCode returns the declared escalation code, or "" to catch any.
func (b *EscalationBehavior) EscalationCode() string { return b.escalationCode }

// Start waits when catching; when throwing it escalates and continues.
func (b *EscalationBehavior) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	if b.node.IsCatching() {
		return models.ActionWait, nil
	}
	item.Token.Log("escalation event throwing", "escalation_code", b.escalationCode)
	if err := item.Token.ProcessEscalation(ctx, b.escalationCode, item); err != nil {
		return models.ActionError, err
	}
	return models.ActionContinue, nil
}
