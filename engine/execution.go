package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/bpmnserver/common/config"
	"github.com/lyzr/bpmnserver/common/docstore"
	"github.com/lyzr/bpmnserver/common/logger"
	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/common/scripting"
	"github.com/lyzr/bpmnserver/elements"
)

// Environment bundles the collaborators every execution consumes. The engine
// owns one and threads it through; there is no global state.
type Environment struct {
	Log       *logger.Logger
	Scripts   scripting.Handler
	Scheduler elements.Scheduler
	Delegate  elements.AppDelegate
	Engine    elements.EngineAPI
	DataStore *docstore.DataStore
	Emitter   *Emitter
	Config    *config.Config
}

// Execution is one running process instance: the definition, the token set,
// the data tree, and the per-instance sequence counters.
type Execution struct {
	env        *Environment
	instance   *models.InstanceRecord
	definition *elements.Definition
	tokens     []*Token
	tokensByID map[string]*Token
	loops      map[string]*Loop
	uids       map[string]int
	isLocked   bool
	userName   string
	operation  string
	matchingKey map[string]interface{}
	process    *elements.Process
	ending     bool
	worker     chan struct{}
}

// NewExecution creates a fresh execution for a model source.
func NewExecution(name, source string, env *Environment) *Execution {
	return &Execution{
		env: env,
		instance: &models.InstanceRecord{
			ID:     uuid.NewString(),
			Name:   name,
			Status: models.ExecutionRunning,
			Data:   map[string]interface{}{},
			Source: source,
		},
		definition: elements.NewDefinition(name, source, env.Log),
		tokensByID: make(map[string]*Token),
		loops:      make(map[string]*Loop),
		uids:       make(map[string]int),
	}
}

// ID returns the instance id.
func (e *Execution) ID() string { return e.instance.ID }

// Name returns the model name.
func (e *Execution) Name() string { return e.instance.Name }

// Status returns the instance status.
func (e *Execution) Status() models.ExecutionStatus { return e.instance.Status }

// Definition returns the loaded definition.
func (e *Execution) Definition() *elements.Definition { return e.definition }

// Instance returns the live instance record.
func (e *Execution) Instance() *models.InstanceRecord { return e.instance }

// IsLocked mirrors the external lock state.
func (e *Execution) IsLocked() bool { return e.isLocked }

// SetLocked updates the mirrored lock state.
func (e *Execution) SetLocked(locked bool) { e.isLocked = locked }

// Tokens returns the token set in creation order.
func (e *Execution) Tokens() []elements.IToken {
	out := make([]elements.IToken, 0, len(e.tokens))
	for _, t := range e.tokens {
		out = append(out, t)
	}
	return out
}

func (e *Execution) tokenList() []*Token {
	return append([]*Token(nil), e.tokens...)
}

func (e *Execution) addToken(t *Token) {
	e.tokens = append(e.tokens, t)
	e.tokensByID[t.id] = t
	if t.loop != nil {
		e.loops[t.loop.id] = t.loop
	}
}

// GetToken returns a token by id, or nil.
func (e *Execution) GetToken(id string) elements.IToken {
	t, ok := e.tokensByID[id]
	if !ok {
		return nil
	}
	return t
}

// GetNodeByID resolves a node in the definition.
func (e *Execution) GetNodeByID(id string) elements.INode {
	return e.definition.GetNodeByID(id)
}

// InstanceData returns the root data tree.
func (e *Execution) InstanceData() map[string]interface{} { return e.instance.Data }

// AppendData merges input into the data tree at dataPath.
func (e *Execution) AppendData(input map[string]interface{}, item *elements.Item, dataPath string) {
	MergeData(e.instance.Data, input, item, dataPath)
}

// GetData reads the data tree at a dotted path.
func (e *Execution) GetData(dataPath string) interface{} {
	return GetData(e.instance.Data, dataPath)
}

// NewSequence returns the next monotonically increasing number in a scope.
func (e *Execution) NewSequence(scope string) int {
	val := e.uids[scope]
	e.uids[scope] = val + 1
	return val
}

// ScriptHandler returns the expression/script evaluator.
func (e *Execution) ScriptHandler() scripting.Handler { return e.env.Scripts }

// Scheduler returns the timer scheduler.
func (e *Execution) Scheduler() elements.Scheduler { return e.env.Scheduler }

// Delegate returns the app delegate.
func (e *Execution) Delegate() elements.AppDelegate { return e.env.Delegate }

// EngineAPI returns the engine facade.
func (e *Execution) EngineAPI() elements.EngineAPI { return e.env.Engine }

// MatchingKey returns the correlation key of the in-flight operation.
func (e *Execution) MatchingKey() map[string]interface{} { return e.matchingKey }

// SetMatchingKey stores the correlation key for throw behaviors.
func (e *Execution) SetMatchingKey(key map[string]interface{}) { e.matchingKey = key }

// UserName returns the acting user of the in-flight operation.
func (e *Execution) UserName() string { return e.userName }

// ParentItemID links a call-activity child back to its parent item.
func (e *Execution) ParentItemID() string { return e.instance.ParentItemID }

// TimerForceDelay returns the configured override for all timer durations.
func (e *Execution) TimerForceDelay() time.Duration {
	if e.env.Config == nil {
		return 0
	}
	return e.env.Config.Timers.ForceDelay
}

// Log returns the environment logger scoped to this instance.
func (e *Execution) Log() *logger.Logger {
	return e.env.Log.WithInstanceID(e.instance.ID)
}

// ReportError logs an error, appends it to the instance log and emits
// process_error.
func (e *Execution) ReportError(ctx context.Context, msg string) {
	e.Log().Error(msg)
	e.instance.Logs = append(e.instance.Logs, msg)
	e.DoExecutionEvent(ctx, models.EventProcessError, map[string]interface{}{"error": msg})
}

// DoExecutionEvent emits an execution-scoped event.
func (e *Execution) DoExecutionEvent(ctx context.Context, event string, details map[string]interface{}) {
	if e.env.Emitter == nil {
		return
	}
	e.env.Emitter.Emit(ctx, EventPayload{Event: event, Context: e, Details: details})
}

// DoItemEvent emits an item-scoped event.
func (e *Execution) DoItemEvent(ctx context.Context, item *elements.Item, event string, newStatus models.ItemStatus, details map[string]interface{}) {
	if newStatus != "" {
		item.Status = newStatus
	}
	if e.env.Emitter == nil {
		return
	}
	e.env.Emitter.Emit(ctx, EventPayload{Event: event, Context: e, Item: item, Details: details})
}

// StartToken implements elements.IExecution.
func (e *Execution) StartToken(ctx context.Context, spec elements.TokenSpec) (elements.IToken, error) {
	return startToken(ctx, e, spec)
}

// CancelLoop implements elements.IExecution.
func (e *Execution) CancelLoop(ctx context.Context, item *elements.Item) error {
	return cancelLoop(ctx, item)
}

// Execute starts the instance at a start node and drives it to quiescence.
func (e *Execution) Execute(ctx context.Context, startNodeID string, input map[string]interface{}, userName string) error {
	e.operation = "execute"
	e.userName = userName

	if input == nil {
		input = map[string]interface{}{}
	}

	if err := e.definition.Load(); err != nil {
		return err
	}
	e.DoExecutionEvent(ctx, models.EventProcessLoaded, nil)

	e.instance.Status = models.ExecutionRunning
	e.env.Delegate.ExecutionStarted(ctx, e)

	e.instance.Data = copyData(input)
	now := time.Now().UTC()
	e.instance.StartedAt = &now

	var startNode elements.INode
	if startNodeID != "" {
		startNode = e.GetNodeByID(startNodeID)
	} else {
		startNode = e.definition.GetStartNode()
	}
	if startNode == nil {
		e.ReportError(ctx, "no start node")
		return nil
	}

	e.process = startNode.Process()
	e.DoExecutionEvent(ctx, models.EventProcessStart, nil)
	e.Log().Info("starting execution", "start_node", startNode.ElementID())

	token, err := startToken(ctx, e, elements.TokenSpec{
		Type:      models.TokenPrimary,
		StartNode: startNode,
		Data:      input,
		NoExecute: true,
	})
	if err != nil {
		return err
	}

	if err := e.process.Start(ctx, e, token); err != nil {
		return err
	}
	if err := token.Execute(ctx, input); err != nil {
		return err
	}
	if err := e.checkEnd(ctx); err != nil {
		return err
	}

	e.DoExecutionEvent(ctx, models.EventProcessWait, nil)
	return e.Save(ctx)
}

// SignalItem resumes the waiting item with the given id.
func (e *Execution) SignalItem(ctx context.Context, itemID string, data map[string]interface{}, opts elements.SignalOptions) error {
	e.operation = "signal"
	e.Log().Debug("signal item", "item_id", itemID)

	if e.process == nil && len(e.tokens) > 0 {
		if first := e.tokens[0].FirstItem(); first != nil && first.Node() != nil {
			e.process = first.Node().Process()
		}
	}

	e.env.Delegate.ExecutionStarted(ctx, e)
	e.DoExecutionEvent(ctx, models.EventProcessInvoke, nil)

	var token *Token
	for _, t := range e.tokenList() {
		if current := t.CurrentItem(); current != nil && current.ID == itemID {
			token = t
			break
		}
	}

	if token != nil {
		if err := token.Signal(ctx, data, opts); err != nil {
			return err
		}
		if opts.NoWait {
			return nil
		}
	}

	if err := e.checkEnd(ctx); err != nil {
		return err
	}
	e.DoExecutionEvent(ctx, models.EventProcessInvoked, nil)
	return e.Save(ctx)
}

// SignalEvent signals a node by id: a waiting token on that node, or a
// secondary start event that has not started yet.
func (e *Execution) SignalEvent(ctx context.Context, elementID string, data map[string]interface{}, userName string, opts elements.SignalOptions) error {
	e.operation = "signal"
	e.userName = userName

	e.env.Delegate.ExecutionStarted(ctx, e)
	e.DoExecutionEvent(ctx, models.EventProcessInvoke, nil)

	var token *Token
	for _, t := range e.tokenList() {
		if t.CurrentNode() != nil && t.CurrentNode().ElementID() == elementID {
			token = t
			break
		}
	}

	if token != nil {
		if err := token.Signal(ctx, data, opts); err != nil {
			return err
		}
	} else {
		var startedNodeID string
		if len(e.tokens) > 0 {
			if first := e.tokens[0].FirstItem(); first != nil {
				startedNodeID = first.ElementID()
			}
		}

		if e.instance.Status == models.ExecutionEnd && !opts.Restart {
			e.ReportError(ctx, "cannot start a completed process")
			return e.Save(ctx)
		}

		var node elements.INode
		for _, proc := range e.definition.Processes {
			for _, start := range proc.StartNodes() {
				if start.ElementID() != startedNodeID && start.ElementID() == elementID {
					node = start
					break
				}
			}
			if node != nil {
				break
			}
		}

		if node == nil {
			e.ReportError(ctx, "element id is not signalable: "+elementID)
			return e.Save(ctx)
		}

		if opts.Restart {
			e.instance.Status = models.ExecutionRunning
			e.instance.EndedAt = nil
		}

		if _, err := startToken(ctx, e, elements.TokenSpec{
			Type:      models.TokenPrimary,
			StartNode: node,
			Data:      data,
		}); err != nil {
			return err
		}
	}

	if err := e.checkEnd(ctx); err != nil {
		return err
	}
	return e.Save(ctx)
}

// SignalRepeatTimer spawns a fresh BoundaryEvent token for a cycle timer
// firing again on the same activity.
func (e *Execution) SignalRepeatTimer(ctx context.Context, prevItem *elements.Item, data map[string]interface{}) error {
	e.operation = "signal_repeat_timer"
	e.env.Delegate.ExecutionStarted(ctx, e)
	e.DoExecutionEvent(ctx, models.EventProcessInvoke, nil)

	prevToken, _ := prevItem.Token.(*Token)
	newToken, err := startToken(ctx, e, elements.TokenSpec{
		Type:        models.TokenBoundaryEvent,
		StartNode:   prevItem.Node(),
		ParentToken: prevToken,
		OriginItem:  prevItem,
	})
	if err != nil {
		return err
	}
	if newItem := newToken.CurrentItem(); newItem != nil {
		newItem.TimerCount = prevItem.TimerCount + 1
	}

	if err := e.checkEnd(ctx); err != nil {
		return err
	}
	return e.Save(ctx)
}

// Assign mutates assignment fields on a waiting item, fires node_assign,
// validates and persists.
func (e *Execution) Assign(ctx context.Context, itemID string, data map[string]interface{}, assignment map[string]interface{}, userName string) error {
	e.operation = "assign"
	e.userName = userName

	var item *elements.Item
	for _, i := range e.items() {
		if i.ID == itemID {
			item = i
			break
		}
	}
	if item == nil {
		e.ReportError(ctx, "assign target item not found: "+itemID)
		return nil
	}

	applyAssignment(item, assignment)
	e.AppendData(data, item, "")

	node := item.Node()
	if err := node.DoEvent(ctx, item, models.EventNodeAssign, "", nil); err != nil {
		return err
	}
	if err := node.Validate(ctx, item); err != nil {
		return err
	}

	e.Log().Info("task assigned", "element_id", item.ElementID(), "assigned_by", userName)
	return e.Save(ctx)
}

func applyAssignment(item *elements.Item, assignment map[string]interface{}) {
	for key, val := range assignment {
		switch key {
		case "assignee":
			item.Assignee, _ = val.(string)
		case "candidateUsers":
			item.CandidateUsers = toStringSlice(val)
		case "candidateGroups":
			item.CandidateGroups = toStringSlice(val)
		case "priority":
			item.Priority, _ = val.(string)
		case "dueDate":
			if s, ok := val.(string); ok {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					item.DueDate = &t
				}
			}
		case "followUpDate":
			if s, ok := val.(string); ok {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					item.FollowUpDate = &t
				}
			}
		}
	}
}

func toStringSlice(val interface{}) []string {
	switch v := val.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// Restart flips an ended instance back to running and re-signals an item.
func (e *Execution) Restart(ctx context.Context, itemID string, data map[string]interface{}, userName string) error {
	e.operation = "signal"
	e.userName = userName

	if e.instance.Status != models.ExecutionEnd {
		e.ReportError(ctx, "restart requires an instance in end status, current: "+string(e.instance.Status))
	}

	e.instance.Status = models.ExecutionRunning
	e.instance.EndedAt = nil

	return e.SignalItem(ctx, itemID, data, elements.SignalOptions{Restart: true})
}

// Terminate terminates every token in the execution.
func (e *Execution) Terminate(ctx context.Context) error {
	for _, t := range e.tokenList() {
		if err := t.Terminate(ctx); err != nil {
			return err
		}
	}
	e.instance.Status = models.ExecutionTerminated
	e.DoExecutionEvent(ctx, models.EventProcessTerminated, nil)
	return nil
}

// checkEnd ends the execution when no live token remains outside event
// sub-processes.
func (e *Execution) checkEnd(ctx context.Context) error {
	active := 0
	for _, t := range e.tokens {
		if t.status != models.TokenEnd && t.status != models.TokenTerminated && t.typ != models.TokenEventSubProcess {
			active++
		}
	}
	if active > 0 {
		if e.instance.Status == models.ExecutionRunning {
			e.instance.Status = models.ExecutionWait
		}
		return nil
	}
	return e.end(ctx)
}

func (e *Execution) end(ctx context.Context) error {
	if e.ending {
		return nil
	}
	e.ending = true
	defer func() { e.ending = false }()

	e.Log().Info("execution ended")
	now := time.Now().UTC()
	e.instance.EndedAt = &now
	if e.instance.Status != models.ExecutionTerminated {
		e.instance.Status = models.ExecutionEnd
	}

	if e.instance.ParentItemID != "" {
		if _, err := e.env.Engine.InvokeItem(ctx,
			map[string]interface{}{"items.id": e.instance.ParentItemID}, e.instance.Data); err != nil {
			e.Log().Warn("parent call activity invoke failed", "error", err)
		}
	}

	if e.process != nil {
		if err := e.process.End(ctx, e); err != nil {
			return err
		}
	}
	e.DoExecutionEvent(ctx, models.EventProcessEnd, nil)
	return nil
}

// items returns every item of every token ordered by seq.
func (e *Execution) items() []*elements.Item {
	var items []*elements.Item
	for _, t := range e.tokens {
		items = append(items, t.path...)
	}
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j-1].Seq > items[j].Seq; j-- {
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
	return items
}

// Items exposes the ordered item list.
func (e *Execution) Items() []*elements.Item { return e.items() }

// GetState snapshots the execution into its persistable record.
func (e *Execution) GetState() *models.InstanceRecord {
	var tokens []models.TokenRecord
	loops := map[string]models.LoopRecord{}
	for _, t := range e.tokens {
		if t.loop != nil {
			loops[t.loop.id] = t.loop.Record()
		}
		tokens = append(tokens, t.Record())
	}

	var loopRecords []models.LoopRecord
	for _, rec := range loops {
		loopRecords = append(loopRecords, rec)
	}

	var items []models.ItemRecord
	for _, item := range e.items() {
		items = append(items, item.Record())
	}

	e.instance.Tokens = tokens
	e.instance.Loops = loopRecords
	e.instance.Items = items
	return e.instance
}

// Save persists the execution snapshot.
func (e *Execution) Save(ctx context.Context) error {
	state := e.GetState()
	e.DoExecutionEvent(ctx, models.EventProcessSaving, nil)
	return e.env.DataStore.SaveInstance(ctx, state)
}

// Restored fires process_restored and notifies every token.
func (e *Execution) Restored(ctx context.Context) {
	e.DoExecutionEvent(ctx, models.EventProcessRestored, nil)
	for _, t := range e.tokenList() {
		t.Restored(ctx)
	}
}

// Resume fires process_resumed and resumes every token.
func (e *Execution) Resume(ctx context.Context) {
	e.DoExecutionEvent(ctx, models.EventProcessResumed, nil)
	for _, t := range e.tokenList() {
		t.Resume(nil)
	}
}

// RestoreExecution reconstructs a live execution from a persisted record:
// tokens first, then loops, then items into their tokens' paths, then origin
// item back-references.
func RestoreExecution(ctx context.Context, state *models.InstanceRecord, env *Environment, itemID string) (*Execution, error) {
	stateTokens := state.Tokens
	stateItems := state.Items
	stateLoops := state.Loops

	if itemID != "" {
		if sp := findSavePoint(state, itemID); sp != nil {
			stateTokens = sp.Tokens
			stateItems = sp.Items
			stateLoops = sp.Loops
			state.Data = sp.Data
		} else {
			env.Log.Error("no save point found for item", "item_id", itemID)
		}
	}

	execution := &Execution{
		env:        env,
		instance:   state,
		definition: elements.NewDefinition(state.Name, state.Source, env.Log),
		tokensByID: make(map[string]*Token),
		loops:      make(map[string]*Loop),
		uids:       make(map[string]int),
	}
	if err := execution.definition.Load(); err != nil {
		return nil, err
	}

	// Tokens: two passes so parents resolve regardless of order.
	for _, rec := range stateTokens {
		token := loadToken(execution, rec)
		execution.tokens = append(execution.tokens, token)
		execution.tokensByID[token.id] = token
	}
	for _, rec := range stateTokens {
		if rec.ParentToken != "" {
			if token := execution.tokensByID[rec.ID]; token != nil {
				token.parentToken = execution.tokensByID[rec.ParentToken]
			}
		}
	}

	for _, rec := range stateLoops {
		execution.loops[rec.ID] = loadLoop(execution, rec)
	}
	for _, rec := range stateTokens {
		if rec.LoopID != "" {
			if token := execution.tokensByID[rec.ID]; token != nil {
				token.loop = execution.loops[rec.LoopID]
			}
		}
	}

	var itemsList []*elements.Item
	for _, rec := range stateItems {
		token := execution.tokensByID[rec.TokenID]
		if token == nil {
			continue
		}
		var el elements.Element
		if node := execution.GetNodeByID(rec.ElementID); node != nil {
			el = node
		} else {
			el = findFlow(execution.definition, rec.ElementID)
		}
		if el == nil {
			env.Log.Warn("restored item references unknown element", "element_id", rec.ElementID)
			continue
		}
		item := elements.LoadItem(el, token, rec)
		token.path = append(token.path, item)
		itemsList = append(itemsList, item)
	}

	for _, rec := range stateTokens {
		if rec.OriginItem == "" {
			continue
		}
		token := execution.tokensByID[rec.ID]
		for _, item := range itemsList {
			if item.ID == rec.OriginItem {
				token.originItem = item
				break
			}
		}
	}

	// Sequence counters resume past the highest persisted seq.
	maxSeq := 0
	for _, rec := range stateItems {
		if rec.Seq >= maxSeq {
			maxSeq = rec.Seq + 1
		}
	}
	execution.uids["item"] = maxSeq
	execution.uids["loop"] = len(stateLoops)

	execution.Log().Debug("restore completed")
	execution.Restored(ctx)
	return execution, nil
}

func findFlow(definition *elements.Definition, id string) elements.Element {
	for _, flow := range definition.Flows {
		if flow.ElementID() == id {
			return flow
		}
	}
	return nil
}

func findSavePoint(state *models.InstanceRecord, itemID string) *models.SavePoint {
	if sp, ok := state.SavePoints[itemID]; ok {
		return &sp
	}
	for _, sp := range state.SavePoints {
		for _, item := range sp.Items {
			if item.ID == itemID {
				return &sp
			}
		}
	}
	return nil
}

func copyData(data map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(data)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
