package elements

import (
	"context"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/common/scripting"
	"github.com/lyzr/bpmnserver/parser"
)

// Process is one BPMN <process>, <subProcess> or <transaction>. It holds its
// child nodes and the event sub-processes triggered alongside it.
type Process struct {
	id                string
	name              string
	isExecutable      bool
	def               *parser.Element
	parent            *Process
	childrenNodes     []INode
	eventSubProcesses []*Process
	scripts           map[string][]string

	candidateStarterGroups string
	candidateStarterUsers  string
}

// NewProcess creates a process from its parsed definition.
func NewProcess(def *parser.Element, parent *Process) *Process {
	return &Process{
		id:           def.ID,
		name:         def.Name,
		isExecutable: def.Attr("isExecutable") != "false",
		def:          def,
		parent:       parent,
		scripts:      make(map[string][]string),
		candidateStarterGroups: def.Attr("camunda:candidateStarterGroups"),
		candidateStarterUsers:  def.Attr("camunda:candidateStarterUsers"),
	}
}

// ID returns the process id.
func (p *Process) ID() string { return p.id }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// SetName overrides the process name (the root takes the model name).
func (p *Process) SetName(name string) { p.name = name }

// IsExecutable reports whether the process is marked executable.
func (p *Process) IsExecutable() bool { return p.isExecutable }

// Parent returns the enclosing process, if any.
func (p *Process) Parent() *Process { return p.parent }

// ChildrenNodes returns the process's direct child nodes.
func (p *Process) ChildrenNodes() []INode { return p.childrenNodes }

// EventSubProcesses returns the child processes flagged triggered-by-event.
func (p *Process) EventSubProcesses() []*Process { return p.eventSubProcesses }

// Init wires the process's children after loading.
func (p *Process) Init(children []INode, eventSubProcesses []*Process) {
	p.childrenNodes = children
	p.eventSubProcesses = eventSubProcesses
}

// Start runs the process start scripts and spawns one EventSubProcess token
// per event start node.
func (p *Process) Start(ctx context.Context, execution IExecution, parentToken IToken) error {
	p.doEvent(ctx, execution, models.EventProcessStarted)

	var events []INode
	for _, sub := range p.eventSubProcesses {
		events = append(events, sub.StartNodes()...)
	}

	for _, start := range events {
		execution.Log().Debug("starting event sub-process", "start_node", start.ElementID())
		if _, err := execution.StartToken(ctx, TokenSpec{
			Type:        models.TokenEventSubProcess,
			StartNode:   start,
			ParentToken: parentToken,
		}); err != nil {
			return err
		}
	}
	return nil
}

// End terminates the remaining root event sub-process tokens. The owning
// execution emits process_end itself.
func (p *Process) End(ctx context.Context, execution IExecution) error {
	p.runScripts(ctx, execution, models.EventProcessEnd)

	for _, token := range execution.Tokens() {
		if token.Type() == models.TokenEventSubProcess && token.ParentToken() == nil {
			if err := token.Terminate(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// StartNode returns the first start node.
func (p *Process) StartNode() INode {
	nodes := p.StartNodes()
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

// StartNodes returns the process's start events.
func (p *Process) StartNodes() []INode {
	var starts []INode
	for _, node := range p.childrenNodes {
		if node.ElementType() == models.TypeStartEvent {
			starts = append(starts, node)
		}
	}
	return starts
}

// UserStartNodes returns start events a user may invoke directly, excluding
// timer/message/signal/error starts owned by correlation.
func (p *Process) UserStartNodes() []INode {
	var starts []INode
	for _, node := range p.StartNodes() {
		switch node.SubType() {
		case models.SubtypeTimer, models.SubtypeError, models.SubtypeMessage, models.SubtypeSignal:
			continue
		}
		starts = append(starts, node)
	}
	return starts
}

func (p *Process) doEvent(ctx context.Context, execution IExecution, event string) {
	p.runScripts(ctx, execution, event)
	execution.DoExecutionEvent(ctx, event, nil)
}

func (p *Process) runScripts(ctx context.Context, execution IExecution, event string) {
	for _, script := range p.scripts[event] {
		if _, err := execution.ScriptHandler().ExecuteScript(ExecutionScope(execution), script); err != nil {
			execution.ReportError(ctx, "process script failed: "+err.Error())
		}
	}
}

// ExecutionScope builds the evaluation scope for execution-level scripts.
func ExecutionScope(execution IExecution) scripting.Scope {
	return scripting.Scope{
		Data: execution.InstanceData(),
		Instance: map[string]interface{}{
			"id":   execution.ID(),
			"name": execution.Name(),
		},
	}
}
