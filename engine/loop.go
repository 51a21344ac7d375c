package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/elements"
)

// Loop manages one multi-instance or standard-loop execution: the iterated
// collection, the next index, and completion accounting.
type Loop struct {
	id         string
	node       elements.INode
	ownerToken *Token
	definition *elements.LoopBehavior
	dataPath   string
	items      []interface{}
	fetched    bool
	completed  int
	sequence   int
	endFlag    bool
}

func newLoop(node elements.INode, token *Token) *Loop {
	loop := &Loop{
		id:         strconv.Itoa(token.execution.NewSequence("loop")),
		node:       node,
		ownerToken: token,
		definition: node.LoopDefinition(),
		completed:  1,
	}
	if token.DataPath() != "" {
		loop.dataPath = token.DataPath() + "." + node.ElementID()
	} else {
		loop.dataPath = node.ElementID()
	}
	return loop
}

// LoopID implements elements.ILoop.
func (l *Loop) LoopID() string { return l.id }

// LoopNode implements elements.ILoop.
func (l *Loop) LoopNode() elements.INode { return l.node }

// LoopDataPath implements elements.ILoop.
func (l *Loop) LoopDataPath() string { return l.dataPath }

// End flags a standard loop as finished.
func (l *Loop) End() { l.endFlag = true }

func (l *Loop) isSequential() bool { return l.definition != nil && l.definition.IsSequential() }
func (l *Loop) isStandard() bool   { return l.definition != nil && l.definition.IsStandard() }

// getItems evaluates the collection expression once. An integer result turns
// into the range [0, n).
func (l *Loop) getItems() ([]interface{}, error) {
	if l.fetched {
		return l.items, nil
	}
	if l.definition == nil {
		return nil, fmt.Errorf("node %s has no loop definition", l.node.ElementID())
	}

	scope := elements.ExecutionScope(l.ownerToken.execution)
	scope.Data = l.ownerToken.Data()
	val, err := l.ownerToken.execution.ScriptHandler().EvaluateExpression(scope, l.definition.Collection())
	if err != nil {
		return nil, fmt.Errorf("evaluate loop collection: %w", err)
	}

	switch v := val.(type) {
	case []interface{}:
		l.items = v
	case int64:
		for i := int64(0); i < v; i++ {
			l.items = append(l.items, i)
		}
	case float64:
		for i := 0; i < int(v); i++ {
			l.items = append(l.items, i)
		}
	default:
		return nil, fmt.Errorf("loop collection %q is not iterable", l.definition.Collection())
	}
	l.fetched = true
	return l.items, nil
}

func (l *Loop) isDone() (bool, error) {
	items, err := l.getItems()
	if err != nil {
		return false, err
	}
	return l.sequence > len(items)-1, nil
}

// getNext returns the next collection element and advances the sequence.
func (l *Loop) getNext() (interface{}, bool, error) {
	items, err := l.getItems()
	if err != nil {
		return nil, false, err
	}
	if l.sequence >= len(items) {
		return nil, false, nil
	}
	val := items[l.sequence]
	l.sequence++
	return val, true, nil
}

// Record serializes the loop for persistence.
func (l *Loop) Record() models.LoopRecord {
	return models.LoopRecord{
		ID:           l.id,
		NodeID:       l.node.ElementID(),
		OwnerTokenID: l.ownerToken.ID(),
		DataPath:     l.dataPath,
		Items:        l.items,
		Completed:    l.completed,
		Sequence:     l.sequence,
		EndFlag:      l.endFlag,
	}
}

// loadLoop reconstructs a loop from its persisted record.
func loadLoop(execution *Execution, rec models.LoopRecord) *Loop {
	node := execution.GetNodeByID(rec.NodeID)
	owner, _ := execution.GetToken(rec.OwnerTokenID).(*Token)
	loop := &Loop{
		id:         rec.ID,
		node:       node,
		ownerToken: owner,
		dataPath:   rec.DataPath,
		items:      rec.Items,
		fetched:    rec.Items != nil,
		completed:  rec.Completed,
		sequence:   rec.Sequence,
		endFlag:    rec.EndFlag,
	}
	if node != nil {
		loop.definition = node.LoopDefinition()
	}
	return loop
}

// checkLoopStart runs the loop guard before a node with loop characteristics
// executes. It returns false when iteration tokens were spawned and the
// owning token must not execute the node itself.
func checkLoopStart(ctx context.Context, token *Token) (bool, error) {
	loopDefinition := token.CurrentNode().LoopDefinition()
	if loopDefinition == nil {
		return true, nil
	}

	// Iteration tokens pass straight through to the node.
	if token.loop != nil && token.loop.node.ElementID() == token.CurrentNode().ElementID() {
		return true, nil
	}

	loop := newLoop(token.CurrentNode(), token)

	switch {
	case loop.isSequential():
		seq, ok, err := loop.getNext()
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		_, err = startToken(ctx, token.execution, elements.TokenSpec{
			Type:        models.TokenInstance,
			StartNode:   token.CurrentNode(),
			DataPath:    loop.dataPath + "." + keyString(seq),
			ParentToken: token,
			OriginItem:  token.CurrentItem(),
			Loop:        loop,
			Data:        map[string]interface{}{},
			ItemsKey:    keyString(seq),
			HasItemsKey: true,
		})
		return false, err

	case loop.isStandard():
		token.Log("standard loop")
		seq := loop.sequence
		loop.sequence++
		_, err := startToken(ctx, token.execution, elements.TokenSpec{
			Type:        models.TokenInstance,
			StartNode:   token.CurrentNode(),
			DataPath:    loop.dataPath + "." + strconv.Itoa(seq),
			ParentToken: token,
			OriginItem:  token.CurrentItem(),
			Loop:        loop,
			Data:        map[string]interface{}{},
			ItemsKey:    strconv.Itoa(seq),
			HasItemsKey: true,
		})
		return false, err

	default: // parallel multi-instance
		items, err := loop.getItems()
		if err != nil {
			return false, err
		}
		if len(items) == 0 {
			token.execution.ReportError(ctx, "loop has no items")
			return false, nil
		}

		var spawned []*Token
		for _, seq := range items {
			newToken, err := startToken(ctx, token.execution, elements.TokenSpec{
				Type:        models.TokenInstance,
				StartNode:   token.CurrentNode(),
				DataPath:    loop.dataPath + "." + keyString(seq),
				ParentToken: token,
				OriginItem:  token.CurrentItem(),
				Loop:        loop,
				Data:        map[string]interface{}{},
				NoExecute:   true,
				ItemsKey:    keyString(seq),
				HasItemsKey: true,
			})
			if err != nil {
				return false, err
			}
			spawned = append(spawned, newToken)
		}
		for _, t := range spawned {
			if err := t.Execute(ctx, nil); err != nil {
				return false, err
			}
		}
		token.Log("parallel loop fired all iterations", "count", len(spawned))
		return false, nil
	}
}

// checkLoopNext consults the loop when an iteration token leaves its node.
// It returns false when the caller must not advance (a sibling iteration was
// spawned or the parent resumed instead).
func checkLoopNext(ctx context.Context, token *Token) (bool, error) {
	if token.loop == nil || token.CurrentNode() == nil ||
		token.CurrentNode().ElementID() != token.loop.node.ElementID() {
		return true, nil
	}

	loop := token.loop

	switch {
	case loop.isSequential():
		done, err := loop.isDone()
		if err != nil {
			return false, err
		}
		if done {
			if err := token.End(ctx, false); err != nil {
				return false, err
			}
			if token.parentToken != nil {
				if err := token.parentToken.GoNext(ctx); err != nil {
					return false, err
				}
			}
			return false, nil
		}

		if err := token.CurrentNode().End(ctx, token.CurrentItem(), false); err != nil {
			return false, err
		}
		if err := token.End(ctx, false); err != nil {
			return false, err
		}
		seq, ok, err := loop.getNext()
		if err != nil || !ok {
			return false, err
		}
		var originItem *elements.Item
		if token.parentToken != nil {
			originItem = token.parentToken.CurrentItem()
		}
		_, err = startToken(ctx, token.execution, elements.TokenSpec{
			Type:        models.TokenInstance,
			StartNode:   token.CurrentNode(),
			DataPath:    loop.dataPath + "." + keyString(seq),
			ParentToken: token.parentToken,
			OriginItem:  originItem,
			Loop:        loop,
			Data:        map[string]interface{}{},
			ItemsKey:    keyString(seq),
			HasItemsKey: true,
		})
		return false, err

	case loop.isStandard():
		if err := token.End(ctx, false); err != nil {
			return false, err
		}
		if loop.endFlag {
			if token.parentToken != nil {
				if err := token.parentToken.GoNext(ctx); err != nil {
					return false, err
				}
			}
			return true, nil
		}
		loop.completed++
		seq := loop.sequence
		loop.sequence++
		_, err := startToken(ctx, token.execution, elements.TokenSpec{
			Type:        models.TokenInstance,
			StartNode:   token.CurrentNode(),
			DataPath:    loop.dataPath + "." + strconv.Itoa(seq),
			ParentToken: token.parentToken,
			OriginItem:  token.CurrentItem(),
			Loop:        loop,
			Data:        map[string]interface{}{},
			ItemsKey:    strconv.Itoa(seq),
			HasItemsKey: true,
		})
		return false, err

	default: // parallel
		if err := token.End(ctx, false); err != nil {
			return false, err
		}
		loop.completed++
		items, err := loop.getItems()
		if err != nil {
			return false, err
		}
		if loop.completed == len(items)+1 {
			if token.parentToken != nil {
				if err := token.parentToken.GoNext(ctx); err != nil {
					return false, err
				}
			}
		}
		return false, nil
	}
}

// cancelLoop terminates the sibling iterations of a cancelled loop item and
// ends the loop's owner at its current node.
func cancelLoop(ctx context.Context, fromItem *elements.Item) error {
	if fromItem == nil {
		return nil
	}
	token, ok := fromItem.Token.(*Token)
	if !ok || token.loop == nil {
		return nil
	}

	currentLoopID := token.loop.id
	if token.parentToken != nil && token.parentToken.loop != nil && token.parentToken.loop.id == currentLoopID {
		return nil
	}

	var loopFirstToken *Token
	var toTerminate []*Token

	token.Log("cancelling loop", "loop_id", currentLoopID)

	for _, t := range token.execution.tokenList() {
		if t.loop != nil && t.loop.id == currentLoopID && t.ID() != token.ID() {
			if loopFirstToken == nil {
				loopFirstToken = t
			}
			toTerminate = append(toTerminate, t)
		}
	}

	if loopFirstToken == nil {
		return nil
	}

	for _, t := range toTerminate {
		if t.Status() != models.TokenTerminated {
			if err := t.Terminate(ctx); err != nil {
				return err
			}
		}
	}

	if loopFirstToken.parentToken != nil && loopFirstToken.parentToken.CurrentNode() != nil {
		parent := loopFirstToken.parentToken
		if err := parent.CurrentNode().End(ctx, parent.CurrentItem(), false); err != nil {
			return err
		}
	}
	return nil
}

func keyString(v interface{}) string {
	return fmt.Sprintf("%v", v)
}
