package docstore

import (
	"strings"
)

// Translator rewrites nested child-collection queries into store-executable
// form and re-filters retrieved sub-documents in memory. A key like
// "items.status" becomes {"items": {"$elemMatch": {"status": ...}}} for the
// store; because $elemMatch matches documents that have any matching element,
// FilterItem must then be applied to each sub-document of the result.
type Translator struct {
	childName string
}

// NewTranslator creates a translator for the given child collection key
// (e.g. "items" or "events").
func NewTranslator(childName string) *Translator {
	return &Translator{childName: childName}
}

// TranslateCriteria rewrites child-prefixed keys into $elemMatch clauses.
func (t *Translator) TranslateCriteria(query Query) Query {
	match := map[string]interface{}{}
	newQuery := Query{}

	for key, val := range query {
		switch {
		case key == "$or" || key == "$nor":
			preds := []interface{}{}
			if list, ok := val.([]interface{}); ok {
				for _, p := range list {
					if q, ok := p.(map[string]interface{}); ok {
						preds = append(preds, map[string]interface{}(t.TranslateCriteria(q)))
					}
				}
			}
			newQuery[key] = preds
		case strings.HasPrefix(key, t.childName+"."):
			match[strings.TrimPrefix(key, t.childName+".")] = val
		default:
			newQuery[key] = val
		}
	}

	if len(match) > 0 {
		newQuery[t.childName] = map[string]interface{}{"$elemMatch": match}
	}

	return newQuery
}

// FilterItem applies the translated query against one sub-document.
func (t *Translator) FilterItem(item map[string]interface{}, query Query) bool {
	for key, cond := range query {
		var pass bool
		switch key {
		case t.childName:
			condMap, _ := cond.(map[string]interface{})
			em, _ := condMap["$elemMatch"].(map[string]interface{})
			pass = Matches(item, em)
		case "$or":
			pass = t.filterAny(item, cond)
		case "$nor":
			pass = !t.filterAny(item, cond)
		default:
			pass = matchValue(lookupPath(item, key), cond)
		}
		if !pass {
			return false
		}
	}
	return true
}

func (t *Translator) filterAny(item map[string]interface{}, cond interface{}) bool {
	preds, ok := cond.([]interface{})
	if !ok {
		return false
	}
	for _, p := range preds {
		if q, ok := p.(map[string]interface{}); ok && t.FilterItem(item, q) {
			return true
		}
	}
	return false
}
