package models

import (
	"encoding/json"
	"time"
)

// TokenRecord is the persisted form of one execution token.
type TokenRecord struct {
	ID          string      `json:"id"`
	Type        TokenType   `json:"type"`
	Status      TokenStatus `json:"status"`
	DataPath    string      `json:"dataPath,omitempty"`
	LoopID      string      `json:"loopId,omitempty"`
	ParentToken string      `json:"parentToken,omitempty"`
	OriginItem  string      `json:"originItem,omitempty"`
	StartNodeID string      `json:"startNodeId"`
	CurrentNode string      `json:"currentNode"`
	ItemsKey    string      `json:"itemsKey,omitempty"`
}

// ItemRecord is the persisted form of one node visit. When returned from an
// item query it is augmented with instance-level context (ProcessName,
// InstanceID, Data) so callers can route back to the owning instance.
type ItemRecord struct {
	ID              string                 `json:"id"`
	Seq             int                    `json:"seq"`
	ItemKey         string                 `json:"itemKey,omitempty"`
	TokenID         string                 `json:"tokenId"`
	ElementID       string                 `json:"elementId"`
	ElementName     string                 `json:"elementName,omitempty"`
	ElementType     BpmnType               `json:"elementType"`
	Status          ItemStatus             `json:"status"`
	StatusDetails   map[string]interface{} `json:"statusDetails,omitempty"`
	UserName        string                 `json:"userName,omitempty"`
	StartedAt       *time.Time             `json:"startedAt,omitempty"`
	EndedAt         *time.Time             `json:"endedAt,omitempty"`
	TimeDue         *time.Time             `json:"timeDue,omitempty"`
	TimerCount      int                    `json:"timerCount,omitempty"`
	MessageID       string                 `json:"messageId,omitempty"`
	SignalID        string                 `json:"signalId,omitempty"`
	Assignee        string                 `json:"assignee,omitempty"`
	CandidateGroups []string               `json:"candidateGroups,omitempty"`
	CandidateUsers  []string               `json:"candidateUsers,omitempty"`
	DueDate         *time.Time             `json:"dueDate,omitempty"`
	FollowUpDate    *time.Time             `json:"followUpDate,omitempty"`
	Priority        string                 `json:"priority,omitempty"`
	Vars            map[string]interface{} `json:"vars,omitempty"`
	Input           map[string]interface{} `json:"input,omitempty"`
	Output          map[string]interface{} `json:"output,omitempty"`

	// Augmented on query results only.
	ProcessName     string                 `json:"processName,omitempty"`
	InstanceID      string                 `json:"instanceId,omitempty"`
	InstanceVersion int                    `json:"instanceVersion,omitempty"`
	Data            interface{}            `json:"data,omitempty"`
}

// LoopRecord is the persisted form of one multi-instance or standard loop.
type LoopRecord struct {
	ID           string        `json:"id"`
	NodeID       string        `json:"nodeId"`
	OwnerTokenID string        `json:"ownerTokenId"`
	DataPath     string        `json:"dataPath"`
	Items        []interface{} `json:"items,omitempty"`
	Completed    int           `json:"completed"`
	Sequence     int           `json:"sequence"`
	EndFlag      bool          `json:"endFlag,omitempty"`
}

// SavePoint snapshots the execution state at a specific item so restart can
// rewind to it.
type SavePoint struct {
	ID     string                 `json:"id"`
	Items  []ItemRecord           `json:"items"`
	Loops  []LoopRecord           `json:"loops"`
	Tokens []TokenRecord          `json:"tokens"`
	Data   map[string]interface{} `json:"data"`
}

// InstanceRecord is the persisted form of one Execution, one document in the
// instances collection.
type InstanceRecord struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Status       ExecutionStatus        `json:"status"`
	Version      int                    `json:"version"`
	Data         map[string]interface{} `json:"data"`
	Items        []ItemRecord           `json:"items"`
	Tokens       []TokenRecord          `json:"tokens"`
	Loops        []LoopRecord           `json:"loops"`
	Logs         []string               `json:"logs,omitempty"`
	Source       string                 `json:"source,omitempty"`
	SavePoints   map[string]SavePoint   `json:"savePoints,omitempty"`
	ParentItemID string                 `json:"parentItemId,omitempty"`
	StartedAt    *time.Time             `json:"startedAt,omitempty"`
	EndedAt      *time.Time             `json:"endedAt,omitempty"`
	Saved        *time.Time             `json:"saved,omitempty"`
}

// EventData describes a startable event of a stored model, used for
// message/signal/timer start-event correlation.
type EventData struct {
	ElementID  string      `json:"elementId"`
	Type       BpmnType    `json:"type"`
	SubType    NodeSubtype `json:"subType,omitempty"`
	MessageID  string      `json:"messageId,omitempty"`
	SignalID   string      `json:"signalId,omitempty"`
	Expression string      `json:"expression,omitempty"`
	// Set when the event row is returned from a model query.
	ModelName         string  `json:"modelName,omitempty"`
	ReferenceDateTime *time.Time `json:"referenceDateTime,omitempty"`
}

// ModelRecord is one stored BPMN model document.
type ModelRecord struct {
	Name      string      `json:"name"`
	Source    string      `json:"source"`
	SVG       string      `json:"svg,omitempty"`
	Processes []string    `json:"processes,omitempty"`
	Events    []EventData `json:"events,omitempty"`
	Saved     *time.Time  `json:"saved,omitempty"`
}

// ToDoc converts a record to the generic document form the store operates on.
func ToDoc(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FromDoc converts a generic document back into a typed record.
func FromDoc(doc map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
