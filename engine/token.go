package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/elements"
)

// Token is a unit of execution pointer in the process graph. Multiple tokens
// coexist for parallel paths; parents hold while children run.
type Token struct {
	id          string
	typ         models.TokenType
	status      models.TokenStatus
	execution   *Execution
	startNodeID string
	currentNode elements.INode
	parentToken *Token
	originItem  *elements.Item
	dataPath    string
	itemsKey    string
	path        []*elements.Item
	loop        *Loop
}

func newToken(typ models.TokenType, execution *Execution, startNode elements.INode, dataPath string, parentToken *Token, originItem *elements.Item) *Token {
	return &Token{
		id:          uuid.NewString(),
		typ:         typ,
		status:      models.TokenRunning,
		execution:   execution,
		startNodeID: startNode.ElementID(),
		currentNode: startNode,
		parentToken: parentToken,
		originItem:  originItem,
		dataPath:    dataPath,
	}
}

// startToken creates a token, inherits loop and items-key scope from the
// parent, merges initial data, and executes unless NoExecute.
func startToken(ctx context.Context, execution *Execution, spec elements.TokenSpec) (*Token, error) {
	parent, _ := spec.ParentToken.(*Token)
	token := newToken(spec.Type, execution, spec.StartNode, spec.DataPath, parent, spec.OriginItem)

	if spec.HasItemsKey {
		if parent != nil && parent.itemsKey != "" {
			token.itemsKey = parent.itemsKey + "." + spec.ItemsKey
		} else {
			token.itemsKey = spec.ItemsKey
		}
	} else if parent != nil {
		token.itemsKey = parent.itemsKey
	}

	if loop, ok := spec.Loop.(*Loop); ok && loop != nil {
		token.loop = loop
	} else if parent != nil {
		token.loop = parent.loop
	}

	token.Log("starting new token", "type", spec.Type, "start_node", spec.StartNode.ElementID())

	execution.addToken(token)
	token.AppendData(spec.Data, spec.OriginItem)

	if !spec.NoExecute {
		if err := token.Execute(ctx, spec.Data); err != nil {
			return token, err
		}
	}
	return token, nil
}

// ID returns the token id.
func (t *Token) ID() string { return t.id }

// Type returns the token type.
func (t *Token) Type() models.TokenType { return t.typ }

// Status returns the token status.
func (t *Token) Status() models.TokenStatus { return t.status }

// SetStatus sets the token status.
func (t *Token) SetStatus(status models.TokenStatus) { t.status = status }

// Execution returns the owning execution.
func (t *Token) Execution() elements.IExecution { return t.execution }

// CurrentNode returns the node the token points at.
func (t *Token) CurrentNode() elements.INode { return t.currentNode }

// SetCurrentNode repoints the token; gateway convergence uses this to
// restart a parent at the converging node.
func (t *Token) SetCurrentNode(node elements.INode) { t.currentNode = node }

// StartNodeID returns the node the token was created at.
func (t *Token) StartNodeID() string { return t.startNodeID }

// DataPath returns the dotted prefix this token writes under.
func (t *Token) DataPath() string { return t.dataPath }

// ItemsKey identifies this iteration within nested loops.
func (t *Token) ItemsKey() string { return t.itemsKey }

// Loop returns the loop this token iterates, if any.
func (t *Token) Loop() elements.ILoop {
	if t.loop == nil {
		return nil
	}
	return t.loop
}

// Path returns the ordered items this token traversed.
func (t *Token) Path() []*elements.Item { return t.path }

// CurrentItem returns the last item of the path.
func (t *Token) CurrentItem() *elements.Item {
	if len(t.path) == 0 {
		return nil
	}
	return t.path[len(t.path)-1]
}

// FirstItem returns the first item of the path.
func (t *Token) FirstItem() *elements.Item {
	if len(t.path) == 0 {
		return nil
	}
	return t.path[0]
}

// OriginItem returns the item that spawned this token.
func (t *Token) OriginItem() *elements.Item { return t.originItem }

// ParentToken returns the parent, or nil for root tokens.
func (t *Token) ParentToken() elements.IToken {
	if t.parentToken == nil {
		return nil
	}
	return t.parentToken
}

// ChildrenTokens returns tokens whose parent is this token.
func (t *Token) ChildrenTokens() []elements.IToken {
	var children []elements.IToken
	for _, tok := range t.execution.tokenList() {
		if tok.parentToken != nil && tok.parentToken.id == t.id {
			children = append(children, tok)
		}
	}
	return children
}

func (t *Token) childTokens() []*Token {
	var children []*Token
	for _, tok := range t.execution.tokenList() {
		if tok.parentToken != nil && tok.parentToken.id == t.id {
			children = append(children, tok)
		}
	}
	return children
}

// GetSubProcessToken walks up to the nearest sub-process token.
func (t *Token) GetSubProcessToken() elements.IToken {
	if t.typ == models.TokenSubProcess || t.typ == models.TokenAdHoc {
		return t
	}
	if t.parentToken == nil {
		return nil
	}
	return t.parentToken.GetSubProcessToken()
}

// Data returns the token's scoped view of the instance data.
func (t *Token) Data() map[string]interface{} {
	data, _ := t.execution.GetData(t.dataPath).(map[string]interface{})
	return data
}

// AppendData merges input under the token's data path.
func (t *Token) AppendData(input map[string]interface{}, item *elements.Item) {
	if input == nil {
		return
	}
	t.execution.AppendData(input, item, t.dataPath)
}

// AddItemToPath appends an item and repoints the token at its node.
func (t *Token) AddItemToPath(item *elements.Item) {
	t.path = append(t.path, item)
	if node := item.Node(); node != nil {
		t.currentNode = node
	}
}

// Execute advances the token one node: run the loop guard, create the item,
// drive the node lifecycle, and continue to the outbounds unless suspended.
func (t *Token) Execute(ctx context.Context, input map[string]interface{}) error {
	if t.status == models.TokenEnd {
		t.Log("token already ended, skipping execute")
		return nil
	}

	t.status = models.TokenRunning

	proceed, err := checkLoopStart(ctx, t)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	item := elements.NewItem(t.currentNode, t, models.ItemStart)
	if input != nil {
		item.Input = input
	}
	t.AddItemToPath(item)
	t.Log("executing node", "element_id", t.currentNode.ElementID(), "item_seq", item.Seq)

	if input != nil {
		if err := t.currentNode.SetInput(ctx, item, input); err != nil {
			return err
		}
	}

	ret, err := elements.ExecuteNode(ctx, t.currentNode, item)
	if err != nil {
		return err
	}

	switch ret {
	case models.ActionWait:
		t.status = models.TokenWait
		return nil
	case models.ActionAbort:
		return t.execution.Terminate(ctx)
	case models.ActionError:
		return nil
	case models.ActionEnd:
		t.status = models.TokenEnd
		return nil
	}

	// A reentrant signal (a child that completed synchronously) may already
	// have advanced and ended this token.
	if t.status == models.TokenEnd || t.status == models.TokenTerminated {
		return nil
	}

	return t.GoNext(ctx)
}

// Signal resumes a waiting item: apply input, run and complete the node,
// then advance.
func (t *Token) Signal(ctx context.Context, data map[string]interface{}, opts elements.SignalOptions) error {
	item := t.CurrentItem()
	if item == nil {
		return nil
	}

	t.Log("signal", "element_id", t.currentNode.ElementID(), "item_status", item.Status)

	if data != nil {
		if err := t.currentNode.SetInput(ctx, item, data); err != nil {
			return err
		}
	}

	switch {
	case opts.Restart:
		if item.Status == models.ItemWait {
			return nil
		}
		if _, err := t.currentNode.Run(ctx, item); err != nil {
			return err
		}
		if err := t.currentNode.End(ctx, item, false); err != nil {
			return err
		}
		return t.GoNext(ctx)

	case item.Status == models.ItemWait || opts.Recover:
		if err := t.currentNode.Validate(ctx, item); err != nil {
			return err
		}
		if _, err := t.currentNode.Run(ctx, item); err != nil {
			return err
		}
		if err := t.currentNode.End(ctx, item, false); err != nil {
			return err
		}
		if opts.NoWait {
			return nil
		}
		return t.GoNext(ctx)

	default:
		t.Log("cannot signal item outside wait state",
			"element_id", item.ElementID(), "item_id", item.ID, "status", item.Status)
		return nil
	}
}

// ProcessError searches up the token chain for a matching error catch; when
// none exists the execution terminates.
func (t *Token) ProcessError(ctx context.Context, code string, callingEvent *elements.Item) error {
	handler := t.scopeCatchEvent(models.SubtypeError, code)
	if handler == nil {
		if item := t.CurrentItem(); item != nil {
			item.StatusDetails = map[string]interface{}{
				"bpmnError":    code,
				"callingEvent": callingEvent.ID,
			}
		}
		t.Log("unhandled bpmn error, terminating execution", "error_code", code)
		return t.execution.Terminate(ctx)
	}

	if item := t.CurrentItem(); item != nil {
		details := map[string]interface{}{
			"bpmnError":    code,
			"callingEvent": callingEvent.ID,
		}
		if handlerItem := handler.CurrentItem(); handlerItem != nil {
			details["errorHandler"] = handlerItem.ID
		}
		item.StatusDetails = details
	}

	t.Log("bpmn error directed to handler",
		"error_code", code, "handler_node", handler.CurrentNode().ElementID())

	if err := handler.Signal(ctx, map[string]interface{}{"errorCode": code}, elements.SignalOptions{}); err != nil {
		return err
	}
	if item := t.CurrentItem(); item != nil {
		item.Status = models.ItemEnd
	}
	return t.End(ctx, true)
}

// ProcessEscalation is like ProcessError but non-terminating on miss.
func (t *Token) ProcessEscalation(ctx context.Context, code string, callingEvent *elements.Item) error {
	handler := t.scopeCatchEvent(models.SubtypeEscalation, code)
	if handler == nil {
		t.Log("escalation has no handler", "escalation_code", code, "calling_item", callingEvent.Seq)
		return nil
	}
	t.Log("escalation directed to handler", "escalation_code", code)
	return handler.Signal(ctx, nil, elements.SignalOptions{})
}

// ProcessCancel routes a transaction cancel to its catch, if any.
func (t *Token) ProcessCancel(ctx context.Context, callingEvent *elements.Item) error {
	handler := t.scopeCatchEvent(models.SubtypeCancel, "")
	if handler == nil {
		return nil
	}
	return handler.Signal(ctx, nil, elements.SignalOptions{})
}

// scopeCatchEvent finds a waiting catch-event token for a subtype and code in
// this token's scope: boundary events on the chain of ancestors first, then
// event sub-process starts.
func (t *Token) scopeCatchEvent(subType models.NodeSubtype, code string) *Token {
	for scope := t; scope != nil; scope = scope.parentToken {
		for _, candidate := range scope.childTokens() {
			if match := matchCatchToken(candidate, subType, code); match != nil {
				return match
			}
		}
	}
	for _, candidate := range t.execution.tokenList() {
		if candidate.typ != models.TokenEventSubProcess {
			continue
		}
		if match := matchCatchToken(candidate, subType, code); match != nil {
			return match
		}
	}
	return nil
}

func matchCatchToken(candidate *Token, subType models.NodeSubtype, code string) *Token {
	if candidate.status != models.TokenWait {
		return nil
	}
	node := candidate.currentNode
	if node == nil || node.SubType() != subType || !node.IsCatching() {
		return nil
	}
	if code == "" {
		return candidate
	}
	switch subType {
	case models.SubtypeError:
		if b, ok := node.GetBehavior(elements.BehaviorErrorEventDefinition).(interface{ ErrorCode() string }); ok {
			if b.ErrorCode() != "" && b.ErrorCode() != code {
				return nil
			}
		}
	case models.SubtypeEscalation:
		if b, ok := node.GetBehavior(elements.BehaviorEscalationEventDefinition).(interface{ EscalationCode() string }); ok {
			if b.EscalationCode() != "" && b.EscalationCode() != code {
				return nil
			}
		}
	}
	return candidate
}

// Terminate is idempotent: end the current item with cancel, cancel the loop,
// and terminate all child tokens recursively.
func (t *Token) Terminate(ctx context.Context) error {
	if t.status == models.TokenTerminated {
		return nil
	}

	t.Log("terminating token")
	if err := t.End(ctx, true); err != nil {
		return err
	}
	t.status = models.TokenTerminated

	if item := t.CurrentItem(); item != nil {
		if err := cancelLoop(ctx, item); err != nil {
			return err
		}
	}

	for _, child := range t.childTokens() {
		t.Log("terminating child token", "child_id", child.id)
		if err := child.Terminate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// End completes the token. Sub-process tokens signal their parent unless the
// end was a cancel.
func (t *Token) End(ctx context.Context, cancel bool) error {
	if t.status == models.TokenEnd || t.status == models.TokenTerminated {
		return nil
	}

	t.status = models.TokenEnd
	if item := t.CurrentItem(); item != nil {
		if err := t.currentNode.End(ctx, item, cancel); err != nil {
			return err
		}
	}

	for _, child := range t.childTokens() {
		ownerScoped := t.typ == models.TokenSubProcess || t.typ == models.TokenAdHoc ||
			t.typ == models.TokenEventSubProcess || t.typ == models.TokenInstance
		childScoped := child.typ == models.TokenInstance || child.typ == models.TokenAdHoc
		if ownerScoped || childScoped {
			if err := child.Terminate(ctx); err != nil {
				return err
			}
		}
	}

	if t.typ == models.TokenSubProcess {
		if item := t.CurrentItem(); item != nil {
			item.Status = models.ItemEnd
		}
		t.Log("sub-process token ended")
		if !cancel && t.parentToken != nil {
			return t.parentToken.Signal(ctx, nil, elements.SignalOptions{})
		}
	}

	return nil
}

// GoNext advances the token past its completed node: evaluate outbounds, end
// on none, move on one, diverge on several.
func (t *Token) GoNext(ctx context.Context) error {
	if len(t.path) == 0 {
		if children := t.childTokens(); len(children) > 0 {
			if first := children[0]; len(first.path) > 0 {
				t.AddItemToPath(first.path[0])
			}
		}
	}

	item := t.CurrentItem()
	if item == nil {
		return nil
	}

	t.Log("go next", "element_id", t.currentNode.ElementID(), "item_status", item.Status)

	if item.Status == models.ItemWait {
		return nil
	}

	if t.status == models.TokenTerminated {
		return t.End(ctx, true)
	}

	proceed, err := checkLoopNext(ctx, t)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	outbounds, err := t.currentNode.GetOutbounds(ctx, item)
	if err != nil {
		return err
	}
	if len(outbounds) == 0 {
		t.Log("no outbounds, ending token")
		return t.End(ctx, false)
	}

	diverging := len(outbounds) > 1 || len(t.currentNode.Outbounds()) > 1
	thisItem := item

	if diverging {
		type spawn struct {
			next elements.INode
		}
		var spawns []spawn
		for _, flowItem := range outbounds {
			flowItem.Status = models.ItemEnd
			t.AddItemToPath(flowItem)
			if flow, ok := flowItem.Element.(*elements.Flow); ok && flow.To != nil {
				spawns = append(spawns, spawn{next: flow.To})
			}
		}
		if t.typ != models.TokenSubProcess {
			if err := t.End(ctx, false); err != nil {
				return err
			}
		}
		for _, s := range spawns {
			if _, err := startToken(ctx, t.execution, elements.TokenSpec{
				Type:        models.TokenDiverge,
				StartNode:   s.next,
				ParentToken: t,
				OriginItem:  thisItem,
			}); err != nil {
				return err
			}
		}
		return nil
	}

	flowItem := outbounds[0]
	flowItem.Status = models.ItemEnd
	t.AddItemToPath(flowItem)
	if flow, ok := flowItem.Element.(*elements.Flow); ok && flow.To != nil {
		t.currentNode = flow.To
		return t.Execute(ctx, nil)
	}
	return nil
}

// Resume re-enters the current node after an instance resume.
func (t *Token) Resume(item *elements.Item) {
	if current := t.CurrentItem(); current != nil {
		t.currentNode.Resume(current)
	}
}

// Restored notifies every visited element after a restore.
func (t *Token) Restored(ctx context.Context) {
	for _, item := range t.path {
		if node := item.Node(); node != nil {
			node.Restored(ctx, item)
		}
	}
}

// Record serializes the token for persistence.
func (t *Token) Record() models.TokenRecord {
	rec := models.TokenRecord{
		ID:          t.id,
		Type:        t.typ,
		Status:      t.status,
		DataPath:    t.dataPath,
		StartNodeID: t.startNodeID,
		ItemsKey:    t.itemsKey,
	}
	if t.currentNode != nil {
		rec.CurrentNode = t.currentNode.ElementID()
	}
	if t.parentToken != nil {
		rec.ParentToken = t.parentToken.id
	}
	if t.originItem != nil {
		rec.OriginItem = t.originItem.ID
	}
	if t.loop != nil {
		rec.LoopID = t.loop.id
	}
	return rec
}

// loadToken reconstructs a token from its persisted record; origin items are
// resolved afterwards.
func loadToken(execution *Execution, rec models.TokenRecord) *Token {
	var parent *Token
	if rec.ParentToken != "" {
		parent, _ = execution.GetToken(rec.ParentToken).(*Token)
	}
	token := &Token{
		id:          rec.ID,
		typ:         rec.Type,
		status:      rec.Status,
		execution:   execution,
		startNodeID: rec.StartNodeID,
		currentNode: execution.GetNodeByID(rec.CurrentNode),
		parentToken: parent,
		dataPath:    rec.DataPath,
		itemsKey:    rec.ItemsKey,
	}
	return token
}

// Log logs through the execution with the token id attached.
func (t *Token) Log(msg string, args ...interface{}) {
	t.execution.Log().Debug(msg, append([]interface{}{"token_id", t.id}, args...)...)
}
