package elements

import (
	"context"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/parser"
)

// MessageBehavior registers catching nodes for correlation and delivers
// thrown messages through the app delegate.
type MessageBehavior struct {
	BaseBehavior
	messageID string
}

func newMessageBehavior(node INode, def *parser.Element, result *parser.Result) *MessageBehavior {
	b := &MessageBehavior{
		BaseBehavior: BaseBehavior{name: BehaviorMessageEventDefinition, node: node, def: def},
	}
	ref := def.Attr("messageRef")
	if name, ok := result.Messages[ref]; ok && name != "" {
		b.messageID = name
	} else {
		b.messageID = ref
	}
	node.SetMessageID(b.messageID)
	node.SetSubType(models.SubtypeMessage)
	return b
}

// Start registers the message id for catching nodes, or throws the message
// through the app delegate.
func (b *MessageBehavior) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	if b.node.IsCatching() {
		item.MessageID = b.messageID
		return models.ActionNone, nil
	}

	matchingKey := item.Context().MatchingKey()
	item.Token.Log("throwing message", "message_id", b.messageID)
	if err := item.Context().Delegate().MessageThrown(ctx, b.messageID, item.Output, matchingKey, item); err != nil {
		return models.ActionError, err
	}
	return models.ActionNone, nil
}

// SignalBehavior is the broadcast analogue of MessageBehavior.
type SignalBehavior struct {
	BaseBehavior
	signalID string
}

func newSignalBehavior(node INode, def *parser.Element, result *parser.Result) *SignalBehavior {
	b := &SignalBehavior{
		BaseBehavior: BaseBehavior{name: BehaviorSignalEventDefinition, node: node, def: def},
	}
	ref := def.Attr("signalRef")
	if name, ok := result.Signals[ref]; ok && name != "" {
		b.signalID = name
	} else {
		b.signalID = ref
	}
	node.SetSignalID(b.signalID)
	node.SetSubType(models.SubtypeSignal)
	return b
}

// Start registers the signal id for catching nodes, or broadcasts the signal
// through the app delegate.
func (b *SignalBehavior) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	if b.node.IsCatching() {
		item.SignalID = b.signalID
		return models.ActionNone, nil
	}

	matchingKey := item.Context().MatchingKey()
	item.Token.Log("throwing signal", "signal_id", b.signalID)
	if err := item.Context().Delegate().SignalThrown(ctx, b.signalID, item.Output, matchingKey, item); err != nil {
		return models.ActionError, err
	}
	return models.ActionNone, nil
}
