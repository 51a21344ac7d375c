package elements

import (
	"context"
	"strings"
	"time"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/parser"
)

// Task is the shared base of plain task nodes.
type Task struct {
	Node
}

func newTask(typ models.BpmnType, def *parser.Element, process *Process) Task {
	return Task{Node: newNode(typ, def, process)}
}

// ScriptTask runs its script body through the script handler.
type ScriptTask struct {
	Task
	script string
}

func newScriptTask(typ models.BpmnType, def *parser.Element, process *Process) *ScriptTask {
	t := &ScriptTask{Task: newTask(typ, def, process)}
	if s := def.Get("bpmn:Script"); s != nil {
		t.script = s.Body
	}
	return t
}

// Run executes the script; the {escalation, bpmnError} convention routes
// through the token.
func (t *ScriptTask) Run(ctx context.Context, item *Item) (models.NodeAction, error) {
	if t.script == "" {
		return models.ActionEnd, nil
	}

	item.Token.Log("executing script task", "element_id", t.ElementID())
	ret, err := item.Context().ScriptHandler().ExecuteScript(ItemScope(item), t.script)
	if err != nil {
		item.Context().ReportError(ctx, "script task failed: "+err.Error())
		return models.ActionError, err
	}
	if ret.Escalation != "" {
		if err := item.Token.ProcessEscalation(ctx, ret.Escalation, item); err != nil {
			return models.ActionError, err
		}
	}
	if ret.BpmnError != "" {
		if err := item.Token.ProcessError(ctx, ret.BpmnError, item); err != nil {
			return models.ActionError, err
		}
		return models.ActionError, nil
	}
	return models.ActionEnd, nil
}

// ServiceTask dispatches to the app delegate's services map.
type ServiceTask struct {
	Task
	implementation string
}

func newServiceTask(typ models.BpmnType, def *parser.Element, process *Process) *ServiceTask {
	t := &ServiceTask{Task: newTask(typ, def, process)}
	for _, attr := range []string{"implementation", "camunda:expression", "camunda:delegateExpression", "camunda:class"} {
		if v := def.Attr(attr); v != "" {
			t.implementation = v
			break
		}
	}
	return t
}

// ServiceName returns the service the task dispatches to.
func (t *ServiceTask) ServiceName() string { return t.implementation }

// Run invokes the named service, falling back to the generic service-called
// delegate hook.
func (t *ServiceTask) Run(ctx context.Context, item *Item) (models.NodeAction, error) {
	delegate := item.Context().Delegate()
	item.Token.Log("invoking service", "service", t.implementation)

	var (
		out map[string]interface{}
		err error
	)
	if fn := delegate.Service(t.implementation); fn != nil {
		out, err = fn(ctx, item.Input, item)
	} else {
		out, err = delegate.ServiceCalled(ctx, item.Input, item)
	}
	if err != nil {
		item.Context().ReportError(ctx, "service call failed: "+err.Error())
		return models.ActionError, err
	}

	item.Output = out
	if out != nil {
		if esc, ok := out["escalation"].(string); ok && esc != "" {
			if err := item.Token.ProcessEscalation(ctx, esc, item); err != nil {
				return models.ActionError, err
			}
		}
		if code, ok := out["bpmnError"].(string); ok && code != "" {
			if err := item.Token.ProcessError(ctx, code, item); err != nil {
				return models.ActionError, err
			}
			return models.ActionError, nil
		}
	}

	return models.ActionEnd, nil
}

// BusinessRuleTask evaluates a decision through the app delegate's services;
// the decision evaluator itself is a peripheral collaborator.
type BusinessRuleTask struct {
	Task
	decisionRef string
}

func newBusinessRuleTask(typ models.BpmnType, def *parser.Element, process *Process) *BusinessRuleTask {
	return &BusinessRuleTask{
		Task:        newTask(typ, def, process),
		decisionRef: def.Attr("camunda:decisionRef"),
	}
}

// Run dispatches the decision reference to a delegate service.
func (t *BusinessRuleTask) Run(ctx context.Context, item *Item) (models.NodeAction, error) {
	if t.decisionRef == "" {
		return models.ActionEnd, nil
	}
	item.Token.Log("invoking business rule", "decision_ref", t.decisionRef)
	if fn := item.Context().Delegate().Service(t.decisionRef); fn != nil {
		out, err := fn(ctx, item.Input, item)
		if err != nil {
			return models.ActionError, err
		}
		item.Output = out
	}
	return models.ActionEnd, nil
}

// SendTask runs like a plain task; a message behavior attached to it throws
// the message when the node starts.
type SendTask struct {
	Task
}

func newSendTask(typ models.BpmnType, def *parser.Element, process *Process) *SendTask {
	return &SendTask{Task: newTask(typ, def, process)}
}

// ReceiveTask waits for an external message.
type ReceiveTask struct {
	Task
}

func newReceiveTask(typ models.BpmnType, def *parser.Element, process *Process) *ReceiveTask {
	t := &ReceiveTask{Task: newTask(typ, def, process)}
	t.requiresWait = true
	t.canBeInvoked = true
	t.isCatching = true
	return t
}

// ManualTask is performed outside the engine and completes immediately.
type ManualTask struct {
	Task
}

func newManualTask(typ models.BpmnType, def *parser.Element, process *Process) *ManualTask {
	return &ManualTask{Task: newTask(typ, def, process)}
}

// UserTask waits for a human; assignment attributes are expressions, lists or
// literals resolved at start.
type UserTask struct {
	Task
}

func newUserTask(typ models.BpmnType, def *parser.Element, process *Process) *UserTask {
	t := &UserTask{Task: newTask(typ, def, process)}
	t.requiresWait = true
	t.canBeInvoked = true
	return t
}

// Start resolves assignment attributes, stamps the lane as a candidate group,
// then runs the default start.
func (t *UserTask) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	if val, err := t.assignValue(item, "camunda:assignee"); err == nil && val != "" {
		item.Assignee = val
	}
	if vals, err := t.assignList(item, "camunda:candidateGroups"); err == nil {
		item.CandidateGroups = append(item.CandidateGroups, vals...)
	}
	if vals, err := t.assignList(item, "camunda:candidateUsers"); err == nil {
		item.CandidateUsers = append(item.CandidateUsers, vals...)
	}
	if due, err := t.assignDate(item, "camunda:dueDate"); err == nil && due != nil {
		item.DueDate = due
	}
	if followUp, err := t.assignDate(item, "camunda:followUpDate"); err == nil && followUp != nil {
		item.FollowUpDate = followUp
	}
	if val, err := t.assignValue(item, "camunda:priority"); err == nil && val != "" {
		item.Priority = val
	}

	if t.Lane() != "" {
		item.CandidateGroups = append(item.CandidateGroups, t.Lane())
	}

	return t.Node.Start(ctx, item)
}

func (t *UserTask) assignValue(item *Item, attr string) (string, error) {
	exp := t.Def().Attr(attr)
	if exp == "" {
		return "", nil
	}
	if exp[0] == '$' {
		val, err := item.Context().ScriptHandler().EvaluateExpression(ItemScope(item), exp)
		if err != nil {
			return "", err
		}
		if s, ok := val.(string); ok {
			return s, nil
		}
		return "", nil
	}
	return exp, nil
}

func (t *UserTask) assignList(item *Item, attr string) ([]string, error) {
	val, err := t.assignValue(item, attr)
	if err != nil || val == "" {
		return nil, err
	}
	if strings.Contains(val, ",") {
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
	return []string{val}, nil
}

func (t *UserTask) assignDate(item *Item, attr string) (*time.Time, error) {
	val, err := t.assignValue(item, attr)
	if err != nil || val == "" {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return nil, nil
	}
	return &parsed, nil
}

// SubProcess owns a child process; its token waits until the child ends.
type SubProcess struct {
	Task
}

func newSubProcess(typ models.BpmnType, def *parser.Element, process *Process) *SubProcess {
	t := &SubProcess{Task: newTask(typ, def, process)}
	t.requiresWait = true
	return t
}

// Start spawns the SubProcess token at the child's start event, starts the
// child's event sub-processes, and suspends the parent item.
func (t *SubProcess) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	token := item.Token
	token.Log("starting sub process", "element_id", t.ElementID())

	child := t.ChildProcess()
	if child == nil {
		return models.ActionContinue, nil
	}

	starts := child.StartNodes()
	if len(starts) == 0 {
		return models.ActionContinue, nil
	}
	item.Status = models.ItemWait

	dataPath := t.ElementID()
	if token.Loop() != nil && len(token.Path()) == 1 {
		dataPath = token.DataPath()
	} else if token.DataPath() != "" {
		dataPath = token.DataPath() + "." + t.ElementID()
	}

	newToken, err := item.Context().StartToken(ctx, TokenSpec{
		Type:        models.TokenSubProcess,
		StartNode:   starts[0],
		DataPath:    dataPath,
		ParentToken: token,
		OriginItem:  item,
		NoExecute:   true,
	})
	if err != nil {
		return models.ActionError, err
	}

	if err := child.Start(ctx, item.Context(), newToken); err != nil {
		return models.ActionError, err
	}
	if err := t.StartBoundaryEvents(ctx, item, newToken); err != nil {
		return models.ActionError, err
	}
	if err := newToken.Execute(ctx, nil); err != nil {
		return models.ActionError, err
	}

	if item.Status == models.ItemWait {
		return models.ActionWait, nil
	}
	return models.ActionContinue, nil
}

// AdHocSubProcess starts every unconnected child node at once.
type AdHocSubProcess struct {
	Task
}

func newAdHocSubProcess(typ models.BpmnType, def *parser.Element, process *Process) *AdHocSubProcess {
	t := &AdHocSubProcess{Task: newTask(typ, def, process)}
	t.requiresWait = true
	return t
}

// AdHocNodes lists the child nodes with no inbound flows.
func (t *AdHocSubProcess) AdHocNodes() []INode {
	child := t.ChildProcess()
	if child == nil {
		return nil
	}
	var adHocs []INode
	for _, node := range child.ChildrenNodes() {
		if node.ElementType() == models.TypeEndEvent {
			continue
		}
		if len(node.Inbounds()) == 0 {
			adHocs = append(adHocs, node)
		}
	}
	return adHocs
}

// Start spawns the SubProcess token at the first ad-hoc node and an AdHoc
// token for each of the rest.
func (t *AdHocSubProcess) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	token := item.Token
	token.Log("starting ad-hoc sub process", "element_id", t.ElementID())

	child := t.ChildProcess()
	if child == nil {
		return models.ActionContinue, nil
	}

	nodes := t.AdHocNodes()
	if len(nodes) == 0 {
		return models.ActionContinue, nil
	}

	item.Status = models.ItemWait

	newToken, err := item.Context().StartToken(ctx, TokenSpec{
		Type:        models.TokenSubProcess,
		StartNode:   nodes[0],
		DataPath:    t.ElementID(),
		ParentToken: token,
		OriginItem:  item,
		NoExecute:   true,
	})
	if err != nil {
		return models.ActionError, err
	}

	if err := child.Start(ctx, item.Context(), newToken); err != nil {
		return models.ActionError, err
	}
	if err := t.StartBoundaryEvents(ctx, item, newToken); err != nil {
		return models.ActionError, err
	}
	if err := newToken.Execute(ctx, nil); err != nil {
		return models.ActionError, err
	}

	for _, node := range nodes[1:] {
		if _, err := item.Context().StartToken(ctx, TokenSpec{
			Type:        models.TokenAdHoc,
			StartNode:   node,
			DataPath:    t.ElementID(),
			ParentToken: token,
			OriginItem:  item,
		}); err != nil {
			return models.ActionError, err
		}
	}

	return models.ActionWait, nil
}

// End ends remaining AdHoc child tokens with the sub-process.
func (t *AdHocSubProcess) End(ctx context.Context, item *Item, cancel bool) error {
	if err := t.Node.End(ctx, item, cancel); err != nil {
		return err
	}
	for _, tok := range item.Token.ChildrenTokens() {
		if tok.Type() == models.TokenAdHoc {
			if err := tok.End(ctx, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// CallActivity starts a new top-level execution and waits for it.
type CallActivity struct {
	Task
	calledElement string
}

func newCallActivity(typ models.BpmnType, def *parser.Element, process *Process) *CallActivity {
	t := &CallActivity{
		Task:          newTask(typ, def, process),
		calledElement: def.Attr("calledElement"),
	}
	t.requiresWait = true
	return t
}

// CalledElement is the model name the activity invokes.
func (t *CallActivity) CalledElement() string { return t.calledElement }

// Start launches the called model with parent_item_id pointing back here;
// the engine signals this item when the child execution ends.
func (t *CallActivity) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	if t.calledElement == "" {
		return models.ActionContinue, nil
	}

	item.Token.Log("call activity starting", "called_element", t.calledElement)

	child, err := item.Context().EngineAPI().StartProcess(ctx, t.calledElement, item.Input, "", "", item.ID, false)
	if err != nil {
		return models.ActionError, err
	}

	if child != nil && child.Status() == models.ExecutionEnd {
		return models.ActionContinue, nil
	}
	return models.ActionWait, nil
}
