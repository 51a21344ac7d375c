package elements

import (
	"context"
	"time"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/parser"
)

// INode is the dispatch surface of a BPMN node. The base Node provides the
// default lifecycle; subtypes embed it and override the phases they
// specialize.
type INode interface {
	Element
	Process() *Process
	Def() *parser.Element
	SubType() models.NodeSubtype
	SetSubType(sub models.NodeSubtype)
	Inbounds() []*Flow
	Outbounds() []*Flow
	AddInbound(f *Flow)
	AddOutbound(f *Flow)
	Attachments() []INode
	AddAttachment(event INode)
	AttachedTo() INode
	SetAttachedTo(owner INode)
	Lane() string
	SetLane(lane string)
	MessageID() string
	SetMessageID(id string)
	SignalID() string
	SetSignalID(id string)
	Scripts() map[string][]string
	Behaviors() []Behavior
	GetBehavior(name string) Behavior
	HasBehavior(name string) bool
	AddBehavior(name string, b Behavior)
	LoopDefinition() *LoopBehavior
	ChildProcess() *Process
	SetChildProcess(p *Process)
	RequiresWait() bool
	CanBeInvoked() bool
	IsCatching() bool
	IsTransaction() bool

	Enter(item *Item)
	Start(ctx context.Context, item *Item) (models.NodeAction, error)
	Run(ctx context.Context, item *Item) (models.NodeAction, error)
	End(ctx context.Context, item *Item, cancel bool) error
	Resume(item *Item)
	Restored(ctx context.Context, item *Item)
	GetOutbounds(ctx context.Context, item *Item) ([]*Item, error)
	SetInput(ctx context.Context, item *Item, input map[string]interface{}) error
	Validate(ctx context.Context, item *Item) error
	DoEvent(ctx context.Context, item *Item, event string, newStatus models.ItemStatus, details map[string]interface{}) error
	StartBoundaryEvents(ctx context.Context, item *Item, token IToken) error
}

// Node is the base implementation shared by every BPMN element type.
type Node struct {
	id        string
	typ       models.BpmnType
	def       *parser.Element
	process   *Process
	subType   models.NodeSubtype
	inbounds  []*Flow
	outbounds []*Flow
	attachments []INode
	attachedTo  INode
	lane      string
	messageID string
	signalID  string
	scripts   map[string][]string
	behaviors map[string]Behavior
	behaviorOrder []string
	childProcess  *Process

	requiresWait bool
	canBeInvoked bool
	isCatching   bool
}

func newNode(typ models.BpmnType, def *parser.Element, process *Process) Node {
	return Node{
		id:        def.ID,
		typ:       typ,
		def:       def,
		process:   process,
		scripts:   make(map[string][]string),
		behaviors: make(map[string]Behavior),
	}
}

// ElementID returns the node id.
func (n *Node) ElementID() string { return n.id }

// ElementType returns the node's BPMN type tag.
func (n *Node) ElementType() models.BpmnType { return n.typ }

// ElementName returns the node name.
func (n *Node) ElementName() string { return n.def.Name }

// Process returns the owning process.
func (n *Node) Process() *Process { return n.process }

// Def returns the parsed element definition.
func (n *Node) Def() *parser.Element { return n.def }

func (n *Node) SubType() models.NodeSubtype       { return n.subType }
func (n *Node) SetSubType(sub models.NodeSubtype) { n.subType = sub }
func (n *Node) Inbounds() []*Flow                 { return n.inbounds }
func (n *Node) Outbounds() []*Flow                { return n.outbounds }
func (n *Node) AddInbound(f *Flow)                { n.inbounds = append(n.inbounds, f) }
func (n *Node) AddOutbound(f *Flow)               { n.outbounds = append(n.outbounds, f) }
func (n *Node) Attachments() []INode              { return n.attachments }
func (n *Node) AddAttachment(event INode)         { n.attachments = append(n.attachments, event) }
func (n *Node) AttachedTo() INode                 { return n.attachedTo }
func (n *Node) SetAttachedTo(owner INode)         { n.attachedTo = owner }
func (n *Node) Lane() string                      { return n.lane }
func (n *Node) SetLane(lane string)               { n.lane = lane }
func (n *Node) MessageID() string                 { return n.messageID }
func (n *Node) SetMessageID(id string)            { n.messageID = id }
func (n *Node) SignalID() string                  { return n.signalID }
func (n *Node) SetSignalID(id string)             { n.signalID = id }
func (n *Node) Scripts() map[string][]string      { return n.scripts }
func (n *Node) ChildProcess() *Process            { return n.childProcess }
func (n *Node) SetChildProcess(p *Process)        { n.childProcess = p }
func (n *Node) RequiresWait() bool                { return n.requiresWait }
func (n *Node) CanBeInvoked() bool                { return n.canBeInvoked }
func (n *Node) IsCatching() bool                  { return n.isCatching }
func (n *Node) IsTransaction() bool               { return false }

// Behaviors returns the attached behaviors in attachment order.
func (n *Node) Behaviors() []Behavior {
	out := make([]Behavior, 0, len(n.behaviorOrder))
	for _, name := range n.behaviorOrder {
		out = append(out, n.behaviors[name])
	}
	return out
}

func (n *Node) GetBehavior(name string) Behavior { return n.behaviors[name] }
func (n *Node) HasBehavior(name string) bool     { _, ok := n.behaviors[name]; return ok }

func (n *Node) AddBehavior(name string, b Behavior) {
	if _, ok := n.behaviors[name]; !ok {
		n.behaviorOrder = append(n.behaviorOrder, name)
	}
	n.behaviors[name] = b
}

// LoopDefinition returns the loop characteristics behavior, if any.
func (n *Node) LoopDefinition() *LoopBehavior {
	if b, ok := n.behaviors[BehaviorLoopCharacteristics].(*LoopBehavior); ok {
		return b
	}
	return nil
}

// DoEvent updates the item status, runs listener scripts registered for the
// event, and emits the item event on the execution.
func (n *Node) DoEvent(ctx context.Context, item *Item, event string, newStatus models.ItemStatus, details map[string]interface{}) error {
	if newStatus != "" {
		item.Status = newStatus
	}

	for _, script := range n.scripts[event] {
		item.Token.Log("executing listener script", "event", event, "element_id", n.id)
		ret, err := item.Context().ScriptHandler().ExecuteScript(ItemScope(item), script)
		if err != nil {
			item.Context().ReportError(ctx, "listener script failed: "+err.Error())
			continue
		}
		if ret.Escalation != "" {
			if err := item.Token.ProcessEscalation(ctx, ret.Escalation, item); err != nil {
				return err
			}
		}
		if ret.BpmnError != "" {
			if err := item.Token.ProcessError(ctx, ret.BpmnError, item); err != nil {
				return err
			}
		}
		if event == models.EventNodeValidate {
			if m, ok := ret.Value.(map[string]interface{}); ok {
				if msg, ok := m["error"].(string); ok {
					item.Context().ReportError(ctx, "validation failed: "+msg)
				}
			}
		}
	}

	item.Context().DoItemEvent(ctx, item, event, "", details)
	return nil
}

// Validate runs node_validate listeners against the item.
func (n *Node) Validate(ctx context.Context, item *Item) error {
	return n.DoEvent(ctx, item, models.EventNodeValidate, "", nil)
}

// SetInput transforms and merges input data into the token's scope.
func (n *Node) SetInput(ctx context.Context, item *Item, input map[string]interface{}) error {
	item.Input = input
	if err := n.DoEvent(ctx, item, models.EventTransformInput, "", nil); err != nil {
		return err
	}
	item.Token.AppendData(item.Input, item)
	return nil
}

// GetOutput returns the item's transformed output.
func (n *Node) GetOutput(ctx context.Context, item *Item) map[string]interface{} {
	return item.Output
}

// Enter records the node entry.
func (n *Node) Enter(item *Item) {
	now := time.Now().UTC()
	item.StartedAt = &now
}

// Start begins node execution; boundary events attach here.
func (n *Node) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	if err := n.StartBoundaryEvents(ctx, item, item.Token); err != nil {
		return models.ActionError, err
	}
	if n.requiresWait {
		return models.ActionWait, nil
	}
	return models.ActionContinue, nil
}

// Run performs the node's work.
func (n *Node) Run(ctx context.Context, item *Item) (models.NodeAction, error) {
	return models.ActionEnd, nil
}

// Resume is called when the owning instance resumes.
func (n *Node) Resume(item *Item) {}

// Restored is called after the owning instance is restored from storage.
func (n *Node) Restored(ctx context.Context, item *Item) {
	for _, b := range n.Behaviors() {
		b.Restored(item)
	}
}

// End completes the item. It is idempotent; with cancel it is invoked by a
// terminating path and must not emit outbound sequence flows.
func (n *Node) End(ctx context.Context, item *Item, cancel bool) error {
	if item == nil || item.Status == models.ItemEnd {
		return nil
	}

	item.Token.Log("node end", "element_id", n.id, "item_id", item.ID, "cancel", cancel)

	for _, b := range n.Behaviors() {
		if err := b.End(ctx, item); err != nil {
			return err
		}
	}

	if err := n.DoEvent(ctx, item, models.EventNodeEnd, models.ItemEnd, map[string]interface{}{"cancel": cancel}); err != nil {
		return err
	}

	for _, b := range n.Behaviors() {
		if err := b.Exit(ctx, item); err != nil {
			return err
		}
	}

	if err := n.CancelBoundaryEvents(ctx, item); err != nil {
		return err
	}

	if !cancel {
		if err := n.cancelEventGateway(ctx, item); err != nil {
			return err
		}
	}

	for _, flow := range n.outbounds {
		if flow.ElementType() == models.TypeMessageFlow {
			flowItem := NewItem(flow, item.Token, models.ItemStart)
			if err := flow.Execute(ctx, flowItem); err != nil {
				return err
			}
		}
	}

	item.Status = models.ItemEnd
	if cancel {
		item.EndedAt = nil
	} else {
		now := time.Now().UTC()
		item.EndedAt = &now
	}
	return nil
}

// cancelEventGateway cancels sibling branches when this node was spawned from
// an event-based gateway.
func (n *Node) cancelEventGateway(ctx context.Context, item *Item) error {
	origin := item.Token.OriginItem()
	if origin == nil {
		return nil
	}
	if ebg, ok := origin.Node().(*EventBasedGateway); ok {
		return ebg.CancelAllBranched(ctx, item)
	}
	return nil
}

// CancelBoundaryEvents terminates the still-waiting boundary event tokens of
// this node.
func (n *Node) CancelBoundaryEvents(ctx context.Context, item *Item) error {
	for _, boundaryEvent := range n.attachments {
		var childrenTokens []IToken
		switch n.typ {
		case models.TypeSubProcess, models.TypeAdHocSubProcess, models.TypeTransaction:
			for _, tok := range item.Context().Tokens() {
				if tok.OriginItem() != nil && tok.OriginItem().ID == item.ID && tok.Type() == models.TokenSubProcess {
					childrenTokens = tok.ChildrenTokens()
				}
			}
		default:
			childrenTokens = item.Token.ChildrenTokens()
		}

		for _, token := range childrenTokens {
			first := token.FirstItem()
			if first == nil {
				continue
			}
			if token.StartNodeID() == boundaryEvent.ElementID() && first.Status != models.ItemEnd {
				if err := token.Terminate(ctx); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// GetOutbounds evaluates each outbound sequence flow's condition and returns
// the flow items to take.
func (n *Node) GetOutbounds(ctx context.Context, item *Item) ([]*Item, error) {
	var outbounds []*Item
	for _, flow := range n.outbounds {
		if flow.ElementType() == models.TypeMessageFlow {
			continue
		}
		flowItem := NewItem(flow, item.Token, models.ItemStart)
		action, err := flow.Run(ctx, flowItem)
		if err != nil {
			return nil, err
		}
		if action == models.FlowTake {
			outbounds = append(outbounds, flowItem)
		}
	}
	return outbounds, nil
}

// StartBoundaryEvents spawns a BoundaryEvent token per attachment; compensate
// events fire only on compensation.
func (n *Node) StartBoundaryEvents(ctx context.Context, item *Item, token IToken) error {
	for _, event := range n.attachments {
		if event.SubType() == models.SubtypeCompensate {
			continue
		}
		_, err := item.Context().StartToken(ctx, TokenSpec{
			Type:        models.TokenBoundaryEvent,
			StartNode:   event,
			ParentToken: token,
			OriginItem:  item,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ExecuteNode drives the node lifecycle for one item:
// enter -> start -> (wait | run) -> end. Behaviors observe each phase; the
// strongest action wins between the node and its behaviors.
func ExecuteNode(ctx context.Context, n INode, item *Item) (models.NodeAction, error) {
	if err := n.DoEvent(ctx, item, models.EventNodeEnter, models.ItemEnter, nil); err != nil {
		return models.ActionError, err
	}
	n.Enter(item)

	behaviors := n.Behaviors()
	for _, b := range behaviors {
		if err := b.Enter(ctx, item); err != nil {
			return models.ActionError, err
		}
	}

	if err := n.DoEvent(ctx, item, models.EventNodeStart, models.ItemStart, nil); err != nil {
		return models.ActionError, err
	}

	ret, err := n.Start(ctx, item)
	if err != nil {
		return models.ActionError, err
	}

	for _, b := range behaviors {
		bret, err := b.Start(ctx, item)
		if err != nil {
			return models.ActionError, err
		}
		ret = ret.Max(bret)
	}

	switch ret {
	case models.ActionError, models.ActionAbort:
		return ret, nil
	case models.ActionWait:
		if err := n.DoEvent(ctx, item, models.EventNodeWait, models.ItemWait, nil); err != nil {
			return models.ActionError, err
		}
		return ret, nil
	case models.ActionEnd:
		if err := n.DoEvent(ctx, item, models.EventNodeEnd, models.ItemEnd, nil); err != nil {
			return models.ActionError, err
		}
		return ret, nil
	}

	// The state is about to change in ways a crash should not lose.
	if err := item.Context().Save(ctx); err != nil {
		return models.ActionError, err
	}

	ret, err = n.Run(ctx, item)
	if err != nil {
		return models.ActionError, err
	}
	if ret == models.ActionError || ret == models.ActionAbort {
		return ret, nil
	}

	if err := n.End(ctx, item, false); err != nil {
		return models.ActionError, err
	}
	return models.ActionContinue, nil
}
