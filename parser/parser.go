// Package parser materializes BPMN XML into a typed element tree. It is the
// collaborator the definition loader consumes: a generic element record per
// XML node plus id-resolved message/signal/error/escalation dictionaries.
package parser

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Element is one parsed XML element.
type Element struct {
	Type     string            // normalized tag, e.g. "bpmn:UserTask", "camunda:inputOutput"
	ID       string
	Name     string
	Attrs    map[string]string // attribute name -> value, namespace prefix preserved
	Body     string            // trimmed character data
	Children []*Element
}

// Attr returns an attribute value or "".
func (e *Element) Attr(name string) string {
	return e.Attrs[name]
}

// Get returns the first child with the given type.
func (e *Element) Get(typ string) *Element {
	for _, c := range e.Children {
		if c.Type == typ {
			return c
		}
	}
	return nil
}

// GetAll returns all children with the given type.
func (e *Element) GetAll(typ string) []*Element {
	var out []*Element
	for _, c := range e.Children {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

// ErrorDef is a declared <error> element.
type ErrorDef struct {
	Name string
	Code string
}

// EscalationDef is a declared <escalation> element.
type EscalationDef struct {
	Name string
	Code string
}

// Result is the parsed definition tree.
type Result struct {
	Processes    []*Element
	MessageFlows []*Element
	ElementsByID map[string]*Element
	Messages     map[string]string // message id -> name
	Signals      map[string]string // signal id -> name
	Errors       map[string]ErrorDef
	Escalations  map[string]EscalationDef
}

type rawNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Body    string     `xml:",chardata"`
	Nodes   []rawNode  `xml:",any"`
}

// Parse parses BPMN XML source into a Result.
func Parse(source string) (*Result, error) {
	var root rawNode
	if err := xml.Unmarshal([]byte(source), &root); err != nil {
		return nil, fmt.Errorf("parse BPMN XML: %w", err)
	}
	if localName(root.XMLName) != "definitions" {
		return nil, fmt.Errorf("unexpected root element: %s", root.XMLName.Local)
	}

	result := &Result{
		ElementsByID: make(map[string]*Element),
		Messages:     make(map[string]string),
		Signals:      make(map[string]string),
		Errors:       make(map[string]ErrorDef),
		Escalations:  make(map[string]EscalationDef),
	}

	for _, child := range root.Nodes {
		el := convert(child)
		switch el.Type {
		case "bpmn:Process":
			result.Processes = append(result.Processes, el)
			index(result, el)
		case "bpmn:Collaboration":
			result.MessageFlows = append(result.MessageFlows, el.GetAll("bpmn:MessageFlow")...)
			index(result, el)
		case "bpmn:Message":
			result.Messages[el.ID] = el.Name
		case "bpmn:Signal":
			result.Signals[el.ID] = el.Name
		case "bpmn:Error":
			result.Errors[el.ID] = ErrorDef{Name: el.Name, Code: el.Attr("errorCode")}
		case "bpmn:Escalation":
			result.Escalations[el.ID] = EscalationDef{Name: el.Name, Code: el.Attr("escalationCode")}
		}
	}

	return result, nil
}

func index(result *Result, el *Element) {
	if el.ID != "" {
		result.ElementsByID[el.ID] = el
	}
	for _, c := range el.Children {
		index(result, c)
	}
}

func convert(node rawNode) *Element {
	el := &Element{
		Type:  normalizeTag(node.XMLName),
		Attrs: make(map[string]string, len(node.Attrs)),
	}
	for _, attr := range node.Attrs {
		name := attr.Name.Local
		if prefix := nsPrefix(attr.Name.Space); prefix != "" {
			name = prefix + ":" + attr.Name.Local
		}
		el.Attrs[name] = attr.Value
	}
	el.ID = el.Attrs["id"]
	el.Name = el.Attrs["name"]
	el.Body = strings.TrimSpace(node.Body)
	for _, child := range node.Nodes {
		el.Children = append(el.Children, convert(child))
	}
	return el
}

const (
	bpmnNamespace    = "http://www.omg.org/spec/BPMN/20100524/MODEL"
	camundaNamespace = "http://camunda.org/schema/1.0/bpmn"
)

func nsPrefix(space string) string {
	switch space {
	case bpmnNamespace:
		return "bpmn"
	case camundaNamespace:
		return "camunda"
	}
	return ""
}

func localName(n xml.Name) string {
	return n.Local
}

// normalizeTag maps an XML name to the canonical tag used across the server:
// BPMN model elements are upper-camel with a bpmn: prefix, camunda extension
// elements keep their lower-camel local name.
func normalizeTag(n xml.Name) string {
	switch n.Space {
	case camundaNamespace:
		return "camunda:" + n.Local
	case bpmnNamespace, "":
		return "bpmn:" + upperFirst(n.Local)
	}
	return n.Local
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
