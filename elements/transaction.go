package elements

import (
	"context"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/parser"
)

// Transaction is a sub-process whose children support compensate and cancel
// end events.
type Transaction struct {
	SubProcess
}

func newTransaction(typ models.BpmnType, def *parser.Element, process *Process) *Transaction {
	return &Transaction{SubProcess: *newSubProcess(typ, def, process)}
}

// IsTransaction marks the node as a transaction scope.
func (t *Transaction) IsTransaction() bool { return true }

// Items collects every item executed inside the transaction's token tree,
// excluding sequence flows.
func (t *Transaction) Items(item *Item) []*Item {
	return itemsForToken(item.Token)
}

func itemsForToken(token IToken) []*Item {
	var items []*Item
	for _, child := range token.ChildrenTokens() {
		for _, visited := range child.Path() {
			if visited.ElementType() != models.TypeSequenceFlow {
				items = append(items, visited)
			}
		}
		items = append(items, itemsForToken(child)...)
	}
	return items
}

// CancelTransaction compensates a transaction item.
func CancelTransaction(ctx context.Context, transItem *Item) error {
	return CompensateTransaction(ctx, transItem)
}

// CompensateTransaction fires the compensate boundary event of every
// completed activity inside the transaction.
func CompensateTransaction(ctx context.Context, transItem *Item) error {
	trans, ok := transItem.Node().(*Transaction)
	if !ok {
		return nil
	}

	for _, item := range trans.Items(transItem) {
		if item.Status != models.ItemEnd {
			continue
		}
		for _, event := range item.Node().Attachments() {
			if event.SubType() != models.SubtypeCompensate {
				continue
			}
			newToken, err := item.Context().StartToken(ctx, TokenSpec{
				Type:        models.TokenBoundaryEvent,
				StartNode:   event,
				ParentToken: item.Token,
				OriginItem:  item,
			})
			if err != nil {
				return err
			}
			if current := newToken.CurrentItem(); current != nil {
				if err := item.Context().SignalItem(ctx, current.ID, nil, SignalOptions{}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
