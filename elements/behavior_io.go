package elements

import (
	"context"

	"github.com/lyzr/bpmnserver/parser"
)

// IOParameter is one input or output parameter of an IO mapping: a literal,
// list, map, script, or $-expression.
type IOParameter struct {
	typ     string
	name    string
	subType string
	value   interface{}
}

func newIOParameter(def *parser.Element) *IOParameter {
	p := &IOParameter{
		typ:  def.Type,
		name: def.Attr("name"),
	}
	if def.Body != "" {
		p.value = def.Body
		return p
	}
	for _, detail := range def.Children {
		p.subType = detail.Type
		switch detail.Type {
		case "camunda:list":
			var entries []interface{}
			for _, entry := range detail.Children {
				entries = append(entries, entry.Body)
			}
			p.value = entries
		case "camunda:map":
			entries := map[string]interface{}{}
			for _, entry := range detail.Children {
				entries[entry.Attr("key")] = entry.Body
			}
			p.value = entries
		case "camunda:script":
			p.value = detail.Body
		default:
			p.value = detail.Body
		}
	}
	return p
}

func (p *IOParameter) isInput() bool  { return p.typ == "camunda:inputParameter" }
func (p *IOParameter) isOutput() bool { return p.typ == "camunda:outputParameter" }

func (p *IOParameter) evaluate(item *Item) (interface{}, error) {
	handler := item.Context().ScriptHandler()
	switch p.subType {
	case "camunda:list":
		entries, _ := p.value.([]interface{})
		out := make([]interface{}, 0, len(entries))
		for _, entry := range entries {
			s, _ := entry.(string)
			val, err := handler.EvaluateExpression(ItemScope(item), s)
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	case "camunda:map":
		entries, _ := p.value.(map[string]interface{})
		out := make(map[string]interface{}, len(entries))
		for key, entry := range entries {
			s, _ := entry.(string)
			val, err := handler.EvaluateExpression(ItemScope(item), s)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	case "camunda:script":
		s, _ := p.value.(string)
		return handler.EvaluateExpression(ItemScope(item), s)
	default:
		if s, ok := p.value.(string); ok && len(s) > 0 && s[0] == '$' {
			return handler.EvaluateExpression(ItemScope(item), s[1:])
		}
		return p.value, nil
	}
}

// IOBehavior evaluates input parameters into item.input on enter and output
// parameters into the token's data on exit.
type IOBehavior struct {
	BaseBehavior
	parameters []*IOParameter
}

func newIOBehavior(node INode, def *parser.Element) *IOBehavior {
	b := &IOBehavior{
		BaseBehavior: BaseBehavior{name: BehaviorIO, node: node, def: def},
	}
	for _, io := range def.Children {
		b.parameters = append(b.parameters, newIOParameter(io))
	}
	return b
}

// Enter evaluates inputs into item.input; when no inputs are defined,
// outputs are evaluated into item.output instead.
func (b *IOBehavior) Enter(ctx context.Context, item *Item) error {
	hasInput := false
	for _, param := range b.parameters {
		if !param.isInput() {
			continue
		}
		hasInput = true
		val, err := param.evaluate(item)
		if err != nil {
			return err
		}
		item.Input[param.name] = val
	}

	if !hasInput {
		for _, param := range b.parameters {
			if !param.isOutput() {
				continue
			}
			val, err := param.evaluate(item)
			if err != nil {
				return err
			}
			item.Output[param.name] = val
		}
	}
	return nil
}

// Exit evaluates outputs into the token's data under the parameter name, or
// stores the item's whole output when the parameter has no value.
func (b *IOBehavior) Exit(ctx context.Context, item *Item) error {
	handler := item.Context().ScriptHandler()
	data := item.Token.Data()
	if data == nil {
		return nil
	}
	for _, param := range b.parameters {
		if !param.isOutput() {
			continue
		}
		if s, ok := param.value.(string); ok && s != "" {
			val, err := handler.EvaluateExpression(ItemScope(item), s)
			if err != nil {
				return err
			}
			data[param.name] = val
		} else {
			data[param.name] = item.Output
		}
	}
	return nil
}
