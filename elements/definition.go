package elements

import (
	"fmt"

	"github.com/lyzr/bpmnserver/common/logger"
	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/parser"
)

// Definition is the in-memory behavioral model of one BPMN source: processes
// and sub-processes recursively materialized, nodes and flows fully
// cross-linked, behaviors attached. Immutable after Load; shared read-only
// across live instances.
type Definition struct {
	Name      string
	Source    string
	Processes map[string]*Process
	Flows     []*Flow
	nodes     map[string]INode
	parsed    *parser.Result
	log       *logger.Logger
	loaded    bool
}

// NewDefinition creates an unloaded definition.
func NewDefinition(name, source string, log *logger.Logger) *Definition {
	return &Definition{
		Name:      name,
		Source:    source,
		Processes: make(map[string]*Process),
		nodes:     make(map[string]INode),
		log:       log,
	}
}

// Load parses the source and materializes the node graph.
func (d *Definition) Load() error {
	if d.loaded {
		return nil
	}
	if d.Source == "" {
		return fmt.Errorf("definition %s has no source", d.Name)
	}

	result, err := parser.Parse(d.Source)
	if err != nil {
		return fmt.Errorf("load definition %s: %w", d.Name, err)
	}
	d.parsed = result

	for _, processEl := range result.Processes {
		proc := d.loadProcess(processEl, nil, result)
		proc.SetName(d.Name)
		d.Processes[processEl.ID] = proc
	}

	d.linkReferences(result)
	d.loaded = true
	return nil
}

// loadProcess materializes one process element; sub-processes recurse.
func (d *Definition) loadProcess(processEl *parser.Element, parent *Process, result *parser.Result) *Process {
	process := NewProcess(processEl, parent)

	var children []INode
	var eventSubProcesses []*Process

	for _, child := range processEl.Children {
		typ := models.BpmnType(child.Type)
		if !isNodeTag(typ) {
			continue
		}
		switch typ {
		case models.TypeSubProcess, models.TypeAdHocSubProcess, models.TypeTransaction:
			node := NewNode(typ, child, process)
			childProcess := d.loadProcess(child, process, result)
			node.SetChildProcess(childProcess)
			if child.Attr("triggeredByEvent") == "true" {
				eventSubProcesses = append(eventSubProcesses, childProcess)
			}
			LoadBehaviors(node, result)
			d.nodes[child.ID] = node
			children = append(children, node)
		default:
			node := NewNode(typ, child, process)
			LoadBehaviors(node, result)
			d.nodes[child.ID] = node
			children = append(children, node)
		}
	}

	process.Init(children, eventSubProcesses)

	// Lanes stamp every referenced child node.
	for _, laneSet := range processEl.GetAll("bpmn:LaneSet") {
		for _, lane := range laneSet.GetAll("bpmn:Lane") {
			for _, ref := range lane.GetAll("bpmn:FlowNodeRef") {
				if target := d.nodes[ref.Body]; target != nil {
					target.SetLane(lane.Name)
				}
			}
		}
	}

	return process
}

// linkReferences cross-links sequence flows, message flows and boundary
// events. Missing referenced nodes are logged and skipped.
func (d *Definition) linkReferences(result *parser.Result) {
	link := func(el *parser.Element, typ models.BpmnType) {
		fromNode := d.nodes[el.Attr("sourceRef")]
		toNode := d.nodes[el.Attr("targetRef")]
		if fromNode == nil || toNode == nil {
			d.log.Warn("skipping flow with missing endpoint", "flow_id", el.ID,
				"source", el.Attr("sourceRef"), "target", el.Attr("targetRef"))
			return
		}
		flow := NewFlow(typ, el, fromNode, toNode)
		d.Flows = append(d.Flows, flow)
		fromNode.AddOutbound(flow)
		toNode.AddInbound(flow)
	}

	for _, el := range result.ElementsByID {
		switch models.BpmnType(el.Type) {
		case models.TypeSequenceFlow:
			link(el, models.TypeSequenceFlow)
		case models.TypeBoundaryEvent:
			owner := d.nodes[el.Attr("attachedToRef")]
			event := d.nodes[el.ID]
			if owner == nil || event == nil {
				d.log.Warn("skipping boundary event with missing activity", "event_id", el.ID,
					"attached_to", el.Attr("attachedToRef"))
				continue
			}
			event.SetAttachedTo(owner)
			owner.AddAttachment(event)
		}
	}

	for _, el := range result.MessageFlows {
		link(el, models.TypeMessageFlow)
	}
}

// GetNodeByID looks up a node in the flat node map.
func (d *Definition) GetNodeByID(id string) INode {
	return d.nodes[id]
}

// Nodes returns the flat node map.
func (d *Definition) Nodes() map[string]INode {
	return d.nodes
}

// GetStartNode returns the first start node of any process.
func (d *Definition) GetStartNode() INode {
	nodes := d.GetStartNodes()
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

// GetStartNodes returns every process's start events.
func (d *Definition) GetStartNodes() []INode {
	var starts []INode
	for _, proc := range d.Processes {
		if proc.Parent() != nil {
			continue
		}
		starts = append(starts, proc.StartNodes()...)
	}
	return starts
}

// StartableEvents describes the definition's message/signal/timer start
// events for correlation and cron scheduling.
func (d *Definition) StartableEvents() []models.EventData {
	var events []models.EventData
	for _, proc := range d.Processes {
		for _, node := range proc.StartNodes() {
			switch node.SubType() {
			case models.SubtypeMessage, models.SubtypeSignal:
				events = append(events, models.EventData{
					ElementID: node.ElementID(),
					Type:      node.ElementType(),
					SubType:   node.SubType(),
					MessageID: node.MessageID(),
					SignalID:  node.SignalID(),
				})
			case models.SubtypeTimer:
				event := models.EventData{
					ElementID: node.ElementID(),
					Type:      node.ElementType(),
					SubType:   models.SubtypeTimer,
				}
				if timer, ok := node.GetBehavior(BehaviorTimerEventDefinition).(*TimerBehavior); ok {
					event.Expression = timer.Spec()
				}
				events = append(events, event)
			}
		}
	}
	return events
}

func isNodeTag(typ models.BpmnType) bool {
	switch typ {
	case models.TypeUserTask, models.TypeScriptTask, models.TypeServiceTask,
		models.TypeBusinessRuleTask, models.TypeSendTask, models.TypeReceiveTask,
		models.TypeManualTask, "bpmn:Task",
		models.TypeSubProcess, models.TypeAdHocSubProcess, models.TypeTransaction,
		models.TypeCallActivity,
		models.TypeExclusiveGateway, models.TypeInclusiveGateway,
		models.TypeParallelGateway, models.TypeEventBasedGateway,
		models.TypeStartEvent, models.TypeEndEvent,
		models.TypeIntermediateCatchEvent, models.TypeIntermediateThrowEvent,
		models.TypeBoundaryEvent:
		return true
	}
	return false
}

// NewNode instantiates the node subtype matching a BPMN type tag. Unknown
// activity-like tags fall back to a plain task so best-effort graphs load.
func NewNode(typ models.BpmnType, def *parser.Element, process *Process) INode {
	switch typ {
	case models.TypeUserTask:
		return newUserTask(typ, def, process)
	case models.TypeScriptTask:
		return newScriptTask(typ, def, process)
	case models.TypeServiceTask:
		return newServiceTask(typ, def, process)
	case models.TypeBusinessRuleTask:
		return newBusinessRuleTask(typ, def, process)
	case models.TypeSendTask:
		return newSendTask(typ, def, process)
	case models.TypeReceiveTask:
		return newReceiveTask(typ, def, process)
	case models.TypeManualTask:
		return newManualTask(typ, def, process)
	case models.TypeSubProcess:
		return newSubProcess(typ, def, process)
	case models.TypeAdHocSubProcess:
		return newAdHocSubProcess(typ, def, process)
	case models.TypeTransaction:
		return newTransaction(typ, def, process)
	case models.TypeCallActivity:
		return newCallActivity(typ, def, process)
	case models.TypeExclusiveGateway:
		return newExclusiveGateway(typ, def, process)
	case models.TypeInclusiveGateway, models.TypeParallelGateway:
		return newGateway(typ, def, process)
	case models.TypeEventBasedGateway:
		return newEventBasedGateway(typ, def, process)
	case models.TypeStartEvent:
		return newStartEvent(typ, def, process)
	case models.TypeEndEvent:
		return newEndEvent(typ, def, process)
	case models.TypeIntermediateCatchEvent:
		return newCatchEvent(typ, def, process)
	case models.TypeIntermediateThrowEvent:
		return newThrowEvent(typ, def, process)
	case models.TypeBoundaryEvent:
		return newBoundaryEvent(typ, def, process)
	default:
		t := newTask(typ, def, process)
		return &t
	}
}
