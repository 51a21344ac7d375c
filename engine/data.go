package engine

import (
	"strings"

	"github.com/lyzr/bpmnserver/elements"
)

// MergeData merges input into the instance data tree at dataPath. A path
// ending in "[]" (or a list input) appends to an array target; keys prefixed
// "vars." are routed to the item's vars instead of the data tree.
func MergeData(instanceData map[string]interface{}, input interface{}, item *elements.Item, dataPath string) {
	asArray := false
	if _, isList := input.([]interface{}); isList || strings.HasSuffix(dataPath, "[]") {
		asArray = true
	}

	target := GetAndCreateData(instanceData, dataPath, asArray)
	if target == nil {
		if item != nil {
			item.Token.Log("data merge target is not defined", "data_path", dataPath)
		}
		return
	}

	if input == nil {
		return
	}

	if asArray {
		if at, ok := target.(*appendTarget); ok {
			at.append(input)
		}
		return
	}

	inputMap, ok := input.(map[string]interface{})
	if !ok {
		return
	}
	targetMap, ok := target.(map[string]interface{})
	if !ok {
		return
	}
	for key, val := range inputMap {
		if strings.HasPrefix(key, "vars.") {
			if item != nil {
				item.Vars[strings.TrimPrefix(key, "vars.")] = val
			}
			continue
		}
		targetMap[key] = val
	}
}

// GetData resolves a dotted path against the data tree; missing segments
// yield nil.
func GetData(instanceData map[string]interface{}, dataPath string) interface{} {
	var target interface{} = instanceData
	if dataPath == "" {
		return target
	}

	for _, segment := range strings.Split(dataPath, ".") {
		name := strings.ReplaceAll(segment, "[]", "")
		if name == "" {
			continue
		}
		m, ok := target.(map[string]interface{})
		if !ok {
			return nil
		}
		target, ok = m[name]
		if !ok {
			return nil
		}
	}
	return target
}

// GetAndCreateData resolves a dotted path, creating missing intermediate
// maps. With asArray the leaf is created as an array and returned by pointer
// so appends persist.
func GetAndCreateData(instanceData map[string]interface{}, dataPath string, asArray bool) interface{} {
	if dataPath == "" {
		return instanceData
	}

	target := instanceData
	parts := strings.Split(dataPath, ".")
	for i, part := range parts {
		name := strings.ReplaceAll(part, "[]", "")
		if name == "" {
			continue
		}
		last := i == len(parts)-1

		if last && asArray {
			if _, ok := target[name].([]interface{}); !ok {
				target[name] = []interface{}{}
			}
			arr := target[name].([]interface{})
			// return a pointer bound back into the parent map
			ptr := &arr
			target[name] = arr
			return &appendTarget{parent: target, key: name, slice: ptr}
		}

		next, ok := target[name].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			target[name] = next
		}
		target = next
	}
	return target
}

// appendTarget keeps array appends visible through the parent map.
type appendTarget struct {
	parent map[string]interface{}
	key    string
	slice  *[]interface{}
}

func (t *appendTarget) append(val interface{}) {
	*t.slice = append(*t.slice, val)
	t.parent[t.key] = *t.slice
}
