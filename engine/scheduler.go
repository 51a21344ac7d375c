package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/lyzr/bpmnserver/common/docstore"
	"github.com/lyzr/bpmnserver/common/logger"
	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/common/timeutil"
	"github.com/lyzr/bpmnserver/elements"
)

// Scheduler wakes waiting timer items at their due time and fires timer
// start events on their cron or cycle schedule.
type Scheduler struct {
	engine *Engine
	log    *logger.Logger
	cron   *cron.Cron

	mu     sync.Mutex
	timers map[string]*time.Timer
	started bool
}

// NewScheduler creates the timer scheduler
func NewScheduler(engine *Engine, log *logger.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		log:    log,
		cron:   cron.New(),
		timers: make(map[string]*time.Timer),
	}
}

// ScheduleItem arms a wake-up for a waiting item.
func (s *Scheduler) ScheduleItem(instanceID, itemID string, due time.Time) {
	delay := time.Until(due)
	if delay < 0 {
		delay = 100 * time.Millisecond
	}

	s.mu.Lock()
	if existing, ok := s.timers[itemID]; ok {
		existing.Stop()
	}
	s.timers[itemID] = time.AfterFunc(delay, func() {
		s.itemTimerExpired(instanceID, itemID)
	})
	s.mu.Unlock()

	s.log.Debug("item timer scheduled", "item_id", itemID, "due", due)
}

// CancelItem disarms a pending item wake-up.
func (s *Scheduler) CancelItem(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[itemID]; ok {
		timer.Stop()
		delete(s.timers, itemID)
	}
}

func (s *Scheduler) itemTimerExpired(instanceID, itemID string) {
	ctx := context.Background()
	s.mu.Lock()
	delete(s.timers, itemID)
	s.mu.Unlock()

	s.log.Info("item timer expired", "item_id", itemID)

	execution, err := s.engine.Invoke(ctx, docstore.Query{"items.id": itemID}, map[string]interface{}{}, "", false, false, false)
	if err != nil || execution == nil {
		return
	}

	// Re-arm cycle timers until their repeat count is exhausted.
	for _, item := range execution.Items() {
		if item.ID != itemID || item.Node() == nil {
			continue
		}
		timer, ok := item.Node().GetBehavior(elements.BehaviorTimerEventDefinition).(*elements.TimerBehavior)
		if !ok {
			continue
		}
		if timer.Repeat() > 1 && timer.Repeat() > item.TimerCount+1 {
			if err := s.engine.StartRepeatTimerEvent(ctx, execution.ID(), item, nil); err != nil {
				s.log.Error("repeat timer restart failed", "item_id", itemID, "error", err)
			}
		}
		break
	}
}

// StartTimers arms persisted timers after startup: timer start events from
// the model store and due wake-ups for items already waiting.
func (s *Scheduler) StartTimers(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	events, err := s.engine.ModelStore().FindEvents(ctx, docstore.Query{"events.subType": string(models.SubtypeTimer)})
	if err != nil {
		return err
	}
	for _, event := range events {
		if event.Expression != "" {
			s.scheduleProcessEvent(event)
		}
	}

	items, err := s.engine.DataStore().FindItems(ctx, docstore.Query{
		"items.timeDue": map[string]interface{}{"$exists": true},
		"items.status":  string(models.ItemWait),
	})
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.TimeDue != nil {
			s.log.Info("re-arming persisted item timer", "item_id", item.ID, "due", item.TimeDue)
			s.ScheduleItem(item.InstanceID, item.ID, *item.TimeDue)
		}
	}

	s.cron.Start()
	return nil
}

// scheduleProcessEvent schedules a timer start event. Cron expressions run
// on the cron runner; durations and cycles arm one-shot timers, and cycles
// re-arm after each fire until their repeat count is used up.
func (s *Scheduler) scheduleProcessEvent(event models.EventData) {
	spec := strings.TrimSpace(event.Expression)
	modelName := event.ModelName
	elementID := event.ElementID

	fire := func() {
		ctx := context.Background()
		s.log.Info("timer start event fired", "model", modelName, "element_id", elementID)
		if _, err := s.engine.Start(ctx, modelName, "", nil, elementID, "", "", false); err != nil {
			s.log.Error("timer start event failed", "model", modelName, "error", err)
		}
	}

	if !strings.HasPrefix(spec, "P") && !strings.HasPrefix(spec, "R") {
		if _, err := s.cron.AddFunc(spec, fire); err == nil {
			s.log.Info("timer start event on cron schedule", "model", modelName, "spec", spec)
			return
		}
	}

	due, err := timeutil.TimeDue(spec, time.Now().UTC())
	if err != nil {
		s.log.Warn("unschedulable timer start event", "model", modelName, "spec", spec, "error", err)
		return
	}

	remaining := timeutil.Repeat(spec)
	var arm func(due time.Time, remaining int)
	arm = func(due time.Time, remaining int) {
		delay := time.Until(due)
		if delay < 0 {
			delay = 100 * time.Millisecond
		}
		time.AfterFunc(delay, func() {
			fire()
			if remaining > 1 {
				if next, err := timeutil.TimeDue(spec, time.Now().UTC()); err == nil {
					arm(next, remaining-1)
				}
			}
		})
	}
	arm(due, remaining)
	s.log.Info("timer start event scheduled", "model", modelName, "due", due)
}

// Stop halts the cron runner and every pending item timer.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
