// Package elements holds the behavioral model of a BPMN definition: the node
// taxonomy, flows, processes and the behavior extension points. The engine
// package implements the token/execution interfaces declared here.
package elements

import (
	"context"
	"time"

	"github.com/lyzr/bpmnserver/common/logger"
	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/common/scripting"
)

// Element is anything an Item can point at: a node or a flow.
type Element interface {
	ElementID() string
	ElementType() models.BpmnType
	ElementName() string
}

// IToken is the engine-side execution pointer as seen by elements code.
type IToken interface {
	ID() string
	Type() models.TokenType
	Status() models.TokenStatus
	SetStatus(status models.TokenStatus)
	Execution() IExecution
	CurrentNode() INode
	SetCurrentNode(node INode)
	CurrentItem() *Item
	FirstItem() *Item
	Path() []*Item
	AddItemToPath(item *Item)
	OriginItem() *Item
	ParentToken() IToken
	ChildrenTokens() []IToken
	StartNodeID() string
	DataPath() string
	ItemsKey() string
	Loop() ILoop
	Data() map[string]interface{}
	AppendData(input map[string]interface{}, item *Item)
	Execute(ctx context.Context, input map[string]interface{}) error
	Signal(ctx context.Context, data map[string]interface{}, opts SignalOptions) error
	End(ctx context.Context, cancel bool) error
	Terminate(ctx context.Context) error
	GoNext(ctx context.Context) error
	ProcessError(ctx context.Context, code string, callingEvent *Item) error
	ProcessEscalation(ctx context.Context, code string, callingEvent *Item) error
	ProcessCancel(ctx context.Context, callingEvent *Item) error
	GetSubProcessToken() IToken
	Log(msg string, args ...interface{})
}

// SignalOptions modify how a token signal is applied.
type SignalOptions struct {
	Restart bool
	Recover bool
	NoWait  bool
}

// ILoop is the loop metadata a token iteration carries.
type ILoop interface {
	LoopID() string
	LoopNode() INode
	LoopDataPath() string
}

// TokenSpec describes a token to spawn.
type TokenSpec struct {
	Type        models.TokenType
	StartNode   INode
	DataPath    string
	ParentToken IToken
	OriginItem  *Item
	Loop        ILoop
	Data        map[string]interface{}
	NoExecute   bool
	ItemsKey    string
	HasItemsKey bool
}

// Scheduler wakes waiting timer items at their due time.
type Scheduler interface {
	ScheduleItem(instanceID, itemID string, due time.Time)
	CancelItem(itemID string)
}

// AppDelegate receives application-facing engine callbacks.
type AppDelegate interface {
	MessageThrown(ctx context.Context, messageID string, output map[string]interface{}, matchingKey map[string]interface{}, item *Item) error
	SignalThrown(ctx context.Context, signalID string, output map[string]interface{}, matchingKey map[string]interface{}, item *Item) error
	ServiceCalled(ctx context.Context, input map[string]interface{}, item *Item) (map[string]interface{}, error)
	Service(name string) ServiceFunc
	ExecutionStarted(ctx context.Context, execution IExecution)
	StartUp(ctx context.Context)
}

// ServiceFunc is one entry of the app delegate's services map, dispatched by
// ServiceTask implementation names.
type ServiceFunc func(ctx context.Context, input map[string]interface{}, item *Item) (map[string]interface{}, error)

// EngineAPI is the subset of the engine facade reachable from node code
// (call activities, timers, boundary repeats).
type EngineAPI interface {
	StartProcess(ctx context.Context, name string, data map[string]interface{}, startNodeID, userName, parentItemID string, noWait bool) (IExecution, error)
	InvokeItem(ctx context.Context, itemQuery map[string]interface{}, data map[string]interface{}) (IExecution, error)
	StartRepeatTimerEvent(ctx context.Context, instanceID string, prevItem *Item, data map[string]interface{}) error
}

// IExecution is the engine-side process instance as seen by elements code.
type IExecution interface {
	ID() string
	Name() string
	Status() models.ExecutionStatus
	Definition() *Definition
	Tokens() []IToken
	GetToken(id string) IToken
	GetNodeByID(id string) INode
	InstanceData() map[string]interface{}
	AppendData(input map[string]interface{}, item *Item, dataPath string)
	GetData(dataPath string) interface{}
	NewSequence(scope string) int
	DoExecutionEvent(ctx context.Context, event string, details map[string]interface{})
	DoItemEvent(ctx context.Context, item *Item, event string, newStatus models.ItemStatus, details map[string]interface{})
	ScriptHandler() scripting.Handler
	Scheduler() Scheduler
	Delegate() AppDelegate
	EngineAPI() EngineAPI
	MatchingKey() map[string]interface{}
	UserName() string
	ParentItemID() string
	TimerForceDelay() time.Duration
	Save(ctx context.Context) error
	Terminate(ctx context.Context) error
	SignalItem(ctx context.Context, itemID string, data map[string]interface{}, opts SignalOptions) error
	StartToken(ctx context.Context, spec TokenSpec) (IToken, error)
	CancelLoop(ctx context.Context, item *Item) error
	ReportError(ctx context.Context, msg string)
	Log() *logger.Logger
}

// ItemScope builds the evaluation scope for an item.
func ItemScope(item *Item) scripting.Scope {
	return scripting.Scope{
		Data:   item.Token.Data(),
		Input:  item.Input,
		Output: item.Output,
		Vars:   item.Vars,
		Item: map[string]interface{}{
			"id":        item.ID,
			"seq":       item.Seq,
			"elementId": item.ElementID(),
		},
		Instance: map[string]interface{}{
			"id":   item.Token.Execution().ID(),
			"name": item.Token.Execution().Name(),
		},
	}
}
