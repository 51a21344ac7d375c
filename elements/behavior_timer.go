package elements

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/common/timeutil"
	"github.com/lyzr/bpmnserver/parser"
)

// TimerBehavior arms a timer when its node starts. Duration, cycle and date
// specs may be expressions; cycles re-arm through the engine until the
// repeat count is exhausted.
type TimerBehavior struct {
	BaseBehavior
	duration  string
	timeCycle string
	timeDate  string
}

func newTimerBehavior(node INode, def *parser.Element) *TimerBehavior {
	b := &TimerBehavior{
		BaseBehavior: BaseBehavior{name: BehaviorTimerEventDefinition, node: node, def: def},
	}
	node.SetSubType(models.SubtypeTimer)

	if d := def.Get("bpmn:TimeDuration"); d != nil {
		b.duration = d.Body
	} else if c := def.Get("bpmn:TimeCycle"); c != nil {
		b.timeCycle = c.Body
	} else if t := def.Get("bpmn:TimeDate"); t != nil {
		b.timeDate = t.Body
	}
	return b
}

// Spec returns the raw timer expression.
func (b *TimerBehavior) Spec() string {
	switch {
	case b.duration != "":
		return b.duration
	case b.timeCycle != "":
		return b.timeCycle
	default:
		return b.timeDate
	}
}

// Repeat is the number of times a cycle timer fires.
func (b *TimerBehavior) Repeat() int {
	if b.timeCycle == "" {
		return 1
	}
	return timeutil.Repeat(b.timeCycle)
}

// TimeDue resolves the timer's due time for an item.
func (b *TimerBehavior) TimeDue(item *Item) (time.Time, error) {
	if force := item.Context().TimerForceDelay(); force > 0 {
		return time.Now().UTC().Add(force), nil
	}

	spec := b.Spec()
	if spec == "" {
		return time.Time{}, fmt.Errorf("timer on %s has no specification", b.node.ElementID())
	}
	if spec[0] == '$' {
		val, err := item.Context().ScriptHandler().EvaluateExpression(ItemScope(item), spec)
		if err != nil {
			return time.Time{}, err
		}
		resolved, ok := val.(string)
		if !ok {
			return time.Time{}, fmt.Errorf("timer expression %q did not produce a string", spec)
		}
		spec = resolved
	}

	return timeutil.TimeDue(spec, time.Now().UTC())
}

// Start arms the timer and suspends the token. Start events are fired by the
// external scheduler instead.
func (b *TimerBehavior) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	if b.node.ElementType() == models.TypeStartEvent {
		return models.ActionContinue, nil
	}

	due, err := b.TimeDue(item)
	if err != nil {
		return models.ActionError, err
	}

	item.TimeDue = &due
	item.TimerCount = 0
	item.Token.Log("timer armed", "element_id", b.node.ElementID(), "due", due)
	item.Context().Scheduler().ScheduleItem(item.Context().ID(), item.ID, due)

	return models.ActionWait, nil
}

// End disarms the timer.
func (b *TimerBehavior) End(ctx context.Context, item *Item) error {
	item.TimeDue = nil
	item.Context().Scheduler().CancelItem(item.ID)
	return nil
}

// Restored re-arms a still-waiting timer after a restore.
func (b *TimerBehavior) Restored(item *Item) {
	if item.Status == models.ItemWait && item.TimeDue != nil {
		item.Context().Scheduler().ScheduleItem(item.Context().ID(), item.ID, *item.TimeDue)
	}
}
