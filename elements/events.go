package elements

import (
	"context"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/parser"
)

// Event is the shared base of all BPMN event nodes.
type Event struct {
	Node
}

func newEvent(typ models.BpmnType, def *parser.Element, process *Process) Event {
	e := Event{Node: newNode(typ, def, process)}
	e.canBeInvoked = true
	return e
}

// TerminateAttachedActivity ends the activity an interrupting boundary event
// is attached to: the activity's item is marked end with ended_at unset,
// its child tokens are cancelled, and any multi-instance siblings sharing the
// loop are terminated.
func TerminateAttachedActivity(ctx context.Context, item *Item) error {
	parent := item.Token.ParentToken()
	if parent == nil {
		return nil
	}

	item.Token.Log("boundary event cancelling attached activity", "parent_token", parent.ID())

	if parentItem := parent.CurrentItem(); parentItem != nil {
		parentItem.Status = models.ItemEnd
	}
	item.Status = models.ItemEnd

	if attached := item.Node().AttachedTo(); attached != nil && attached.LoopDefinition() != nil {
		if err := item.Context().CancelLoop(ctx, item); err != nil {
			return err
		}
	}

	// A boundary event on a looped sub-process cancels the iteration token.
	if parent.Type() == models.TokenSubProcess && parent.ParentToken() != nil &&
		parent.ParentToken().Type() == models.TokenInstance {
		if err := parent.ParentToken().Terminate(ctx); err != nil {
			return err
		}
	} else {
		if err := parent.Terminate(ctx); err != nil {
			return err
		}
	}

	if origin := parent.OriginItem(); origin != nil {
		if attached := item.Node().AttachedTo(); attached != nil && origin.ElementID() == attached.ElementID() {
			if err := origin.Node().End(ctx, origin, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// CatchEvent is an intermediate catch event; it waits for its trigger.
type CatchEvent struct {
	Event
}

func newCatchEvent(typ models.BpmnType, def *parser.Element, process *Process) *CatchEvent {
	e := &CatchEvent{Event: newEvent(typ, def, process)}
	e.isCatching = true
	e.requiresWait = true
	return e
}

// BoundaryEvent catches asynchronously on the activity it is attached to.
type BoundaryEvent struct {
	Event
	isCancelling bool
}

func newBoundaryEvent(typ models.BpmnType, def *parser.Element, process *Process) *BoundaryEvent {
	e := &BoundaryEvent{Event: newEvent(typ, def, process)}
	e.isCatching = true
	e.requiresWait = true
	e.isCancelling = def.Attr("cancelActivity") != "false"
	return e
}

// IsCancelling reports whether the boundary event interrupts its activity.
func (e *BoundaryEvent) IsCancelling() bool { return e.isCancelling }

// Run terminates the attached activity when the boundary event interrupts.
func (e *BoundaryEvent) Run(ctx context.Context, item *Item) (models.NodeAction, error) {
	ret, err := e.Node.Run(ctx, item)
	if err != nil {
		return ret, err
	}

	if e.isCancelling {
		item.Token.SetStatus(models.TokenTerminated)
		if err := TerminateAttachedActivity(ctx, item); err != nil {
			return models.ActionError, err
		}
		item.Token.SetStatus(models.TokenRunning)
	}

	return ret, nil
}

// ThrowEvent is an intermediate throw event.
type ThrowEvent struct {
	Event
}

func newThrowEvent(typ models.BpmnType, def *parser.Element, process *Process) *ThrowEvent {
	e := &ThrowEvent{Event: newEvent(typ, def, process)}
	e.canBeInvoked = false
	return e
}

// EndEvent completes its token; inside a sub-process it ends the sub-process
// token as well.
type EndEvent struct {
	Event
}

func newEndEvent(typ models.BpmnType, def *parser.Element, process *Process) *EndEvent {
	e := &EndEvent{Event: newEvent(typ, def, process)}
	e.canBeInvoked = false
	return e
}

// End completes the enclosing sub-process token before the item itself.
func (e *EndEvent) End(ctx context.Context, item *Item, cancel bool) error {
	if sub := item.Token.GetSubProcessToken(); sub != nil && item.Status != models.ItemEnd {
		if err := sub.End(ctx, cancel); err != nil {
			return err
		}
	}
	return e.Node.End(ctx, item, cancel)
}

// StartEvent begins a process or event sub-process.
type StartEvent struct {
	Event
	initiator string
}

func newStartEvent(typ models.BpmnType, def *parser.Element, process *Process) *StartEvent {
	e := &StartEvent{Event: newEvent(typ, def, process)}
	e.isCatching = true
	e.initiator = def.Attr("camunda:initiator")
	return e
}

// Start stamps the initiator variable before the default start.
func (e *StartEvent) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	if e.initiator != "" {
		if data := item.Token.Data(); data != nil {
			data[e.initiator] = item.UserName
		}
	}
	return e.Node.Start(ctx, item)
}
