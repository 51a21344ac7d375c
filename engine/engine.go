package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/lyzr/bpmnserver/common/config"
	"github.com/lyzr/bpmnserver/common/docstore"
	"github.com/lyzr/bpmnserver/common/logger"
	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/common/modelstore"
	"github.com/lyzr/bpmnserver/common/scripting"
	"github.com/lyzr/bpmnserver/elements"
)

// Engine is the public facade over executions. Every operation acquires the
// per-instance lock and releases it on return or failure.
type Engine struct {
	config     *config.Config
	log        *logger.Logger
	dataStore  *docstore.DataStore
	modelStore *modelstore.Store
	cache      *Cache
	emitter    *Emitter
	scheduler  *Scheduler
	scripts    scripting.Handler
	delegate   elements.AppDelegate

	runningCounter atomic.Int64
	callsCounter   atomic.Int64
}

// EngineOpts contains options for creating an engine
type EngineOpts struct {
	Config     *config.Config
	Logger     *logger.Logger
	Store      docstore.Store
	Scripts    scripting.Handler
	Delegate   elements.AppDelegate
}

// NewEngine creates an engine and wires its collaborators
func NewEngine(opts *EngineOpts) *Engine {
	e := &Engine{
		config:  opts.Config,
		log:     opts.Logger,
		cache:   NewCache(),
		emitter: NewEmitter(),
		scripts: opts.Scripts,
	}

	e.dataStore = docstore.NewDataStore(opts.Store, docstore.DataStoreOptions{
		EnableSavePoints: opts.Config.Engine.EnableSavePoints,
		SaveLogs:         opts.Config.Engine.SaveLogs,
		SaveSource:       opts.Config.Engine.SaveSource,
	}, opts.Logger)
	e.modelStore = modelstore.New(opts.Store, opts.Logger)
	e.scheduler = NewScheduler(e, opts.Logger)

	if opts.Scripts == nil {
		e.scripts = scripting.NewDefaultHandler()
	}
	if opts.Delegate != nil {
		e.delegate = opts.Delegate
	} else {
		e.delegate = NewDefaultDelegate(e)
	}

	// Live instances leave the cache when their process ends.
	e.emitter.On(models.EventProcessEnd, func(ctx context.Context, payload EventPayload) {
		if payload.Context != nil {
			e.cache.Remove(payload.Context.ID())
		}
	})

	return e
}

// Emitter exposes the engine event registry.
func (e *Engine) Emitter() *Emitter { return e.emitter }

// DataStore exposes the instance data store.
func (e *Engine) DataStore() *docstore.DataStore { return e.dataStore }

// ModelStore exposes the model store.
func (e *Engine) ModelStore() *modelstore.Store { return e.modelStore }

// Scheduler exposes the timer scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Cache exposes the live-instance cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Install creates indexes, sweeps stale locks, starts persisted timers and
// notifies the delegate.
func (e *Engine) Install(ctx context.Context) error {
	if err := e.dataStore.Install(ctx); err != nil {
		return err
	}
	if err := e.modelStore.Install(ctx); err != nil {
		return err
	}
	if _, err := e.dataStore.Locker.Sweep(ctx, e.config.Engine.LockSweepAge); err != nil {
		return err
	}
	if err := e.scheduler.StartTimers(ctx); err != nil {
		e.log.Warn("timer startup failed", "error", err)
	}
	e.delegate.StartUp(ctx)
	return nil
}

func (e *Engine) environment() *Environment {
	return &Environment{
		Log:       e.log,
		Scripts:   e.scripts,
		Scheduler: e.scheduler,
		Delegate:  e.delegate,
		Engine:    e,
		DataStore: e.dataStore,
		Emitter:   e.emitter,
		Config:    e.config,
	}
}

// Status reports the engine's running and total call counters
func (e *Engine) Status() map[string]int64 {
	return map[string]int64{
		"running": e.runningCounter.Load(),
		"calls":   e.callsCounter.Load(),
	}
}

func (e *Engine) lock(ctx context.Context, instanceID string) error {
	e.log.Debug("locking instance", "instance_id", instanceID)
	return e.dataStore.Locker.Lock(ctx, instanceID)
}

func (e *Engine) release(ctx context.Context, execution *Execution, instanceID string) {
	if execution != nil {
		instanceID = execution.ID()
	}
	e.log.Debug("unlocking instance", "instance_id", instanceID)
	if err := e.dataStore.Locker.Release(ctx, instanceID); err != nil {
		e.log.Error("lock release failed", "instance_id", instanceID, "error", err)
	}
	if execution != nil {
		execution.SetLocked(false)
	}
}

// exception logs a failure, emits process_exception, and swallows the error
// so persisted state stays the source of truth.
func (e *Engine) exception(ctx context.Context, err error, execution *Execution) {
	if execution != nil {
		execution.DoExecutionEvent(ctx, models.EventProcessException, map[string]interface{}{"error": err.Error()})
	}
	e.log.Error("engine operation failed", "error", err)
}

// Start creates a new execution for a model and drives it to its first wait
// point. With noWait the execution is returned immediately while a
// background task advances it; the lock is released when that task is done.
func (e *Engine) Start(ctx context.Context, name, source string, data map[string]interface{}, startNodeID, userName, parentItemID string, noWait bool) (*Execution, error) {
	e.runningCounter.Add(1)
	defer e.runningCounter.Add(-1)
	e.callsCounter.Add(1)

	e.log.Info("engine start", "name", name)

	if source == "" {
		var err error
		source, err = e.modelStore.GetSource(ctx, name)
		if err != nil {
			e.log.Error("model source not found", "name", name, "error", err)
			return nil, err
		}
	}

	execution := NewExecution(name, source, e.environment())
	execution.instance.ParentItemID = parentItemID
	execution.userName = userName

	e.cache.Add(execution)

	if err := e.lock(ctx, execution.ID()); err != nil {
		return nil, err
	}
	execution.SetLocked(true)

	if noWait {
		done := make(chan struct{})
		execution.worker = done
		go func() {
			bg := context.Background()
			defer close(done)
			defer e.release(bg, execution, "")
			if err := execution.Execute(bg, startNodeID, data, userName); err != nil {
				e.exception(bg, err, execution)
			}
		}()
		return execution, nil
	}

	defer func() {
		if execution.IsLocked() {
			e.release(ctx, execution, "")
		}
	}()

	if err := execution.Execute(ctx, startNodeID, data, userName); err != nil {
		e.exception(ctx, err, execution)
		return nil, nil
	}

	e.log.Info("engine start ended", "name", name, "instance_id", execution.ID())
	return execution, nil
}

// Restore loads an instance under its lock, preferring the live cache.
func (e *Engine) Restore(ctx context.Context, instanceID, itemID string) (*Execution, error) {
	if err := e.lock(ctx, instanceID); err != nil {
		return nil, err
	}

	if live := e.cache.Get(instanceID); live != nil {
		live.SetLocked(true)
		return live, nil
	}

	instance, err := e.dataStore.FindInstance(ctx, docstore.Query{"id": instanceID}, "full")
	if err != nil {
		e.release(ctx, nil, instanceID)
		return nil, err
	}

	if instance.Source == "" {
		source, err := e.modelStore.GetSource(ctx, instance.Name)
		if err != nil {
			e.release(ctx, nil, instanceID)
			return nil, err
		}
		instance.Source = source
	}

	execution, err := RestoreExecution(ctx, instance, e.environment(), itemID)
	if err != nil {
		e.release(ctx, nil, instanceID)
		return nil, err
	}
	execution.SetLocked(true)
	e.cache.Add(execution)
	return execution, nil
}

// Get restores an instance read-only and releases the lock immediately.
func (e *Engine) Get(ctx context.Context, instanceQuery docstore.Query) (*Execution, error) {
	instance, err := e.dataStore.FindInstance(ctx, instanceQuery, "full")
	if err != nil {
		return nil, err
	}
	execution, err := e.Restore(ctx, instance.ID, "")
	if err != nil {
		return nil, err
	}
	e.release(ctx, execution, "")
	return execution, nil
}

// Invoke finds a single waiting item and signals it with data. restart lets
// the caller re-invoke a non-wait item; recover forces execution from any
// state; noWait returns while a background task drives the instance on.
func (e *Engine) Invoke(ctx context.Context, itemQuery docstore.Query, data map[string]interface{}, userName string, restart, recover, noWait bool) (*Execution, error) {
	e.runningCounter.Add(1)
	defer e.runningCounter.Add(-1)
	e.callsCounter.Add(1)

	e.log.Info("engine invoke", "query", fmt.Sprintf("%v", itemQuery))

	items, err := e.dataStore.FindItems(ctx, itemQuery)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		e.log.Error("invoke query produced no items", "query", fmt.Sprintf("%v", itemQuery))
		return nil, nil
	}
	if len(items) > 1 {
		e.log.Error("invoke query produced more than one item", "count", len(items))
	}

	item := items[0]
	if item.Status != models.ItemWait {
		e.log.Info("invoked item is not in wait state",
			"status", item.Status, "element_id", item.ElementID, "process", item.ProcessName)
	}

	execution, err := e.Restore(ctx, item.InstanceID, "")
	if err != nil {
		return nil, err
	}

	opts := elements.SignalOptions{Restart: restart, Recover: recover, NoWait: noWait}

	if noWait {
		done := make(chan struct{})
		execution.worker = done
		go func() {
			bg := context.Background()
			defer close(done)
			defer e.release(bg, execution, "")
			if err := execution.SignalItem(bg, item.ID, data, elements.SignalOptions{Restart: restart, Recover: recover}); err != nil {
				e.exception(bg, err, execution)
			}
		}()
		return execution, nil
	}

	defer func() {
		if execution.IsLocked() {
			e.release(ctx, execution, "")
		}
	}()

	if err := execution.SignalItem(ctx, item.ID, data, opts); err != nil {
		e.exception(ctx, err, execution)
		return nil, nil
	}
	return execution, nil
}

// Assign mutates assignment fields on a waiting item.
func (e *Engine) Assign(ctx context.Context, itemQuery docstore.Query, data, assignment map[string]interface{}, userName string) (*Execution, error) {
	e.callsCounter.Add(1)
	e.log.Info("engine assign", "query", fmt.Sprintf("%v", itemQuery))

	items, err := e.dataStore.FindItems(ctx, itemQuery)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		e.log.Error("assign query produced no items", "query", fmt.Sprintf("%v", itemQuery))
		return nil, nil
	}
	if len(items) > 1 {
		e.log.Error("assign query produced more than one item", "count", len(items))
	}

	item := items[0]
	execution, err := e.Restore(ctx, item.InstanceID, "")
	if err != nil {
		return nil, err
	}
	defer func() {
		if execution.IsLocked() {
			e.release(ctx, execution, "")
		}
	}()

	if err := execution.Assign(ctx, item.ID, data, assignment, userName); err != nil {
		e.exception(ctx, err, execution)
		return nil, nil
	}
	return execution, nil
}

// Restart rewinds an ended instance to an item and re-signals it.
func (e *Engine) Restart(ctx context.Context, itemQuery docstore.Query, data map[string]interface{}, userName string) (*Execution, error) {
	e.callsCounter.Add(1)
	e.log.Info("engine restart")

	item, err := e.dataStore.FindItem(ctx, itemQuery)
	if err != nil {
		e.log.Error("restart item lookup failed", "error", err)
		return nil, nil
	}

	execution, err := e.Restore(ctx, item.InstanceID, item.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if execution.IsLocked() {
			e.release(ctx, execution, "")
		}
	}()

	if err := execution.Restart(ctx, item.ID, data, userName); err != nil {
		e.exception(ctx, err, execution)
		return nil, nil
	}
	return execution, nil
}

// StartEvent signals a specific node of a live instance, used for secondary
// start events.
func (e *Engine) StartEvent(ctx context.Context, instanceID, elementID string, data map[string]interface{}, userName string, restart, recover bool) (*Execution, error) {
	e.callsCounter.Add(1)

	execution, err := e.Restore(ctx, instanceID, "")
	if err != nil {
		return nil, err
	}
	defer func() {
		if execution.IsLocked() {
			e.release(ctx, execution, "")
		}
	}()

	if err := execution.SignalEvent(ctx, elementID, data, userName, elements.SignalOptions{Restart: restart, Recover: recover}); err != nil {
		e.exception(ctx, err, execution)
		return nil, nil
	}
	return execution, nil
}

// ThrowMessage routes a message: a matching start event starts a new
// instance; otherwise the first waiting item with the message id and a
// matching correlation key is invoked.
func (e *Engine) ThrowMessage(ctx context.Context, messageID string, data map[string]interface{}, matchingQuery docstore.Query) (*Execution, error) {
	e.log.Info("engine throw message", "message_id", messageID)
	if messageID == "" {
		return nil, nil
	}

	events, err := e.modelStore.FindEvents(ctx, docstore.Query{"events.messageId": messageID})
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		event := events[0]
		e.log.Info("message starts new instance", "model", event.ModelName, "element_id", event.ElementID)
		return e.Start(ctx, event.ModelName, "", data, event.ElementID, "", "", false)
	}

	itemsQuery := docstore.Query{}
	for k, v := range matchingQuery {
		itemsQuery[k] = v
	}
	itemsQuery["items.messageId"] = messageID
	itemsQuery["items.status"] = string(models.ItemWait)

	items, err := e.dataStore.FindItems(ctx, itemsQuery)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		e.log.Info("throw message found no target", "message_id", messageID)
		return nil, nil
	}

	item := items[0]
	e.log.Info("message invokes waiting item", "process", item.ProcessName, "item_id", item.ID)
	return e.Invoke(ctx, docstore.Query{"items.id": item.ID}, data, "", false, false, false)
}

// ThrowSignal broadcasts: start an instance for every matching start event
// and invoke every matching waiting item.
func (e *Engine) ThrowSignal(ctx context.Context, signalID string, data map[string]interface{}, matchingQuery docstore.Query) ([]map[string]interface{}, error) {
	e.log.Info("engine throw signal", "signal_id", signalID)
	if signalID == "" {
		return nil, nil
	}

	var targets []map[string]interface{}

	events, err := e.modelStore.FindEvents(ctx, docstore.Query{"events.signalId": signalID})
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		execution, err := e.Start(ctx, event.ModelName, "", data, event.ElementID, "", "", false)
		if err != nil || execution == nil {
			continue
		}
		targets = append(targets, map[string]interface{}{"instanceId": execution.ID()})
	}

	itemsQuery := docstore.Query{}
	for k, v := range matchingQuery {
		itemsQuery[k] = v
	}
	itemsQuery["items.signalId"] = signalID
	itemsQuery["items.status"] = string(models.ItemWait)

	items, err := e.dataStore.FindItems(ctx, itemsQuery)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		execution, err := e.Invoke(ctx, docstore.Query{"items.id": item.ID}, data, "", false, false, false)
		if err != nil || execution == nil {
			continue
		}
		targets = append(targets, map[string]interface{}{"instanceId": execution.ID(), "itemId": item.ID})
	}

	return targets, nil
}

// Upgrade replaces the stored source of every instance of a model that has
// not yet reached any of the given nodes. Returns the upgraded ids.
func (e *Engine) Upgrade(ctx context.Context, model string, afterNodeIDs []string) ([]string, error) {
	query := docstore.Query{"name": model}
	if len(afterNodeIDs) > 0 {
		var nors []interface{}
		for _, node := range afterNodeIDs {
			nors = append(nors, map[string]interface{}{
				"items": map[string]interface{}{
					"$elemMatch": map[string]interface{}{"elementId": node},
				},
			})
		}
		query["$nor"] = nors
	}

	instances, err := e.dataStore.FindInstances(ctx, query, "summary")
	if err != nil {
		return nil, err
	}
	source, err := e.modelStore.GetSource(ctx, model)
	if err != nil {
		return nil, err
	}

	var upgraded []string
	for _, inst := range instances {
		if err := e.lock(ctx, inst.ID); err != nil {
			return upgraded, err
		}
		_, err := e.dataStore.Store().Update(ctx, docstore.CollectionInstances,
			docstore.Query{"id": inst.ID},
			map[string]interface{}{"$set": map[string]interface{}{"source": source}}, false)
		e.release(ctx, nil, inst.ID)
		if err != nil {
			return upgraded, err
		}
		upgraded = append(upgraded, inst.ID)
	}
	return upgraded, nil
}

// StartRepeatTimerEvent re-arms a cycle timer on a fresh boundary token.
func (e *Engine) StartRepeatTimerEvent(ctx context.Context, instanceID string, prevItem *elements.Item, data map[string]interface{}) error {
	execution, err := e.Restore(ctx, instanceID, "")
	if err != nil {
		return err
	}
	defer func() {
		if execution.IsLocked() {
			e.release(ctx, execution, "")
		}
	}()
	if err := execution.SignalRepeatTimer(ctx, prevItem, data); err != nil {
		e.exception(ctx, err, execution)
	}
	return nil
}

// StartProcess implements elements.EngineAPI.
func (e *Engine) StartProcess(ctx context.Context, name string, data map[string]interface{}, startNodeID, userName, parentItemID string, noWait bool) (elements.IExecution, error) {
	execution, err := e.Start(ctx, name, "", data, startNodeID, userName, parentItemID, noWait)
	if execution == nil {
		return nil, err
	}
	return execution, err
}

// InvokeItem implements elements.EngineAPI.
func (e *Engine) InvokeItem(ctx context.Context, itemQuery map[string]interface{}, data map[string]interface{}) (elements.IExecution, error) {
	execution, err := e.Invoke(ctx, itemQuery, data, "", false, false, false)
	if execution == nil {
		return nil, err
	}
	return execution, err
}
