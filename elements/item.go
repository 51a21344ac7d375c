package elements

import (
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/bpmnserver/common/models"
)

// Item records one step of one token on one element, including any
// human-facing state while the element waits.
type Item struct {
	ID            string
	Seq           int
	ItemKey       string
	Element       Element
	Token         IToken
	Status        models.ItemStatus
	StatusDetails map[string]interface{}
	UserName      string
	StartedAt     *time.Time
	EndedAt       *time.Time
	TimeDue       *time.Time
	TimerCount    int
	MessageID     string
	SignalID      string
	Assignee      string
	CandidateGroups []string
	CandidateUsers  []string
	DueDate       *time.Time
	FollowUpDate  *time.Time
	Priority      string
	Vars          map[string]interface{}
	Input         map[string]interface{}
	Output        map[string]interface{}
	Data          interface{}
	InstanceID    string
}

// NewItem creates an item for a token visiting an element.
func NewItem(el Element, token IToken, status models.ItemStatus) *Item {
	item := &Item{
		ID:      uuid.NewString(),
		Seq:     token.Execution().NewSequence("item"),
		Element: el,
		Token:   token,
		Status:  status,
		ItemKey: token.ItemsKey(),
		UserName: token.Execution().UserName(),
		Vars:    map[string]interface{}{},
		Input:   map[string]interface{}{},
		Output:  map[string]interface{}{},
	}
	now := time.Now().UTC()
	item.StartedAt = &now
	if node, ok := el.(INode); ok {
		item.MessageID = node.MessageID()
		item.SignalID = node.SignalID()
	}
	return item
}

// ElementID returns the visited element's id.
func (i *Item) ElementID() string { return i.Element.ElementID() }

// ElementType returns the visited element's BPMN type tag.
func (i *Item) ElementType() models.BpmnType { return i.Element.ElementType() }

// ElementName returns the visited element's name.
func (i *Item) ElementName() string { return i.Element.ElementName() }

// Node returns the visited element as a node; nil for flows.
func (i *Item) Node() INode {
	if node, ok := i.Element.(INode); ok {
		return node
	}
	return nil
}

// Context returns the owning execution.
func (i *Item) Context() IExecution { return i.Token.Execution() }

// SetData merges a value into the token's scoped data.
func (i *Item) SetData(val map[string]interface{}) {
	i.Token.AppendData(val, i)
}

// Record serializes the item for persistence.
func (i *Item) Record() models.ItemRecord {
	return models.ItemRecord{
		ID:              i.ID,
		Seq:             i.Seq,
		ItemKey:         i.ItemKey,
		TokenID:         i.Token.ID(),
		ElementID:       i.ElementID(),
		ElementName:     i.ElementName(),
		ElementType:     i.ElementType(),
		Status:          i.Status,
		StatusDetails:   i.StatusDetails,
		UserName:        i.UserName,
		StartedAt:       i.StartedAt,
		EndedAt:         i.EndedAt,
		TimeDue:         i.TimeDue,
		TimerCount:      i.TimerCount,
		MessageID:       i.MessageID,
		SignalID:        i.SignalID,
		Assignee:        i.Assignee,
		CandidateGroups: i.CandidateGroups,
		CandidateUsers:  i.CandidateUsers,
		DueDate:         i.DueDate,
		FollowUpDate:    i.FollowUpDate,
		Priority:        i.Priority,
		Vars:            i.Vars,
		Output:          i.Output,
		Data:            i.Token.Data(),
	}
}

// LoadItem reconstructs an item from its persisted record.
func LoadItem(el Element, token IToken, rec models.ItemRecord) *Item {
	item := &Item{
		ID:              rec.ID,
		Seq:             rec.Seq,
		ItemKey:         rec.ItemKey,
		Element:         el,
		Token:           token,
		Status:          rec.Status,
		StatusDetails:   rec.StatusDetails,
		UserName:        rec.UserName,
		StartedAt:       rec.StartedAt,
		EndedAt:         rec.EndedAt,
		TimeDue:         rec.TimeDue,
		TimerCount:      rec.TimerCount,
		MessageID:       rec.MessageID,
		SignalID:        rec.SignalID,
		Assignee:        rec.Assignee,
		CandidateGroups: rec.CandidateGroups,
		CandidateUsers:  rec.CandidateUsers,
		DueDate:         rec.DueDate,
		FollowUpDate:    rec.FollowUpDate,
		Priority:        rec.Priority,
		Vars:            rec.Vars,
		Output:          rec.Output,
		Data:            rec.Data,
	}
	if item.Vars == nil {
		item.Vars = map[string]interface{}{}
	}
	if item.Input == nil {
		item.Input = map[string]interface{}{}
	}
	if item.Output == nil {
		item.Output = map[string]interface{}{}
	}
	return item
}
