package docstore

import (
	"strings"
)

// Matches reports whether doc satisfies the condition document. The same
// evaluator backs the in-memory store, the Postgres store's post-filter and
// the query translator's item filter, so the filter is guaranteed to agree
// with the query sent to the store.
func Matches(doc map[string]interface{}, query Query) bool {
	for key, cond := range query {
		switch key {
		case "$or":
			if !matchAny(doc, cond) {
				return false
			}
		case "$nor":
			if matchAny(doc, cond) {
				return false
			}
		default:
			if !matchValue(lookupPath(doc, key), cond) {
				return false
			}
		}
	}
	return true
}

func matchAny(doc map[string]interface{}, cond interface{}) bool {
	preds, ok := cond.([]interface{})
	if !ok {
		if typed, ok2 := cond.([]Query); ok2 {
			for _, p := range typed {
				if Matches(doc, p) {
					return true
				}
			}
		}
		return false
	}
	for _, p := range preds {
		if q, ok := p.(map[string]interface{}); ok && Matches(doc, q) {
			return true
		}
	}
	return false
}

// lookupPath resolves a dotted key against nested maps.
func lookupPath(doc map[string]interface{}, key string) interface{} {
	if !strings.Contains(key, ".") {
		return doc[key]
	}
	var val interface{} = doc
	for _, part := range strings.Split(key, ".") {
		m, ok := val.(map[string]interface{})
		if !ok {
			return nil
		}
		val = m[part]
	}
	return val
}

func matchValue(val, cond interface{}) bool {
	if condMap, ok := cond.(map[string]interface{}); ok {
		if em, ok := condMap["$elemMatch"]; ok {
			return matchElem(val, em)
		}
		return matchOperators(val, condMap)
	}

	if list, ok := val.([]interface{}); ok {
		if condList, ok := cond.([]interface{}); ok {
			for _, v := range list {
				for _, c := range condList {
					if looseEqual(v, c) {
						return true
					}
				}
			}
			return false
		}
		for _, v := range list {
			if looseEqual(v, cond) {
				return true
			}
		}
		return false
	}

	return looseEqual(val, cond)
}

func matchElem(val, cond interface{}) bool {
	condMap, ok := cond.(map[string]interface{})
	if !ok {
		return false
	}
	list, ok := val.([]interface{})
	if !ok {
		return false
	}
	for _, el := range list {
		elMap, ok := el.(map[string]interface{})
		if !ok {
			continue
		}
		if Matches(elMap, condMap) {
			return true
		}
	}
	return false
}

func matchOperators(val interface{}, ops map[string]interface{}) bool {
	for op, term := range ops {
		var ok bool
		switch op {
		case "$eq":
			ok = looseEqual(val, term)
		case "$gt":
			cmp, comparable := compare(val, term)
			ok = comparable && cmp > 0
		case "$gte":
			cmp, comparable := compare(val, term)
			ok = comparable && cmp >= 0
		case "$lt":
			cmp, comparable := compare(val, term)
			ok = comparable && cmp < 0
		case "$lte":
			cmp, comparable := compare(val, term)
			ok = comparable && cmp <= 0
		case "$exists":
			want, _ := term.(bool)
			ok = (val != nil) == want
		case "$in":
			list, isList := term.([]interface{})
			if isList {
				for _, c := range list {
					if looseEqual(val, c) {
						ok = true
						break
					}
				}
			} else if valList, isValList := val.([]interface{}); isValList {
				for _, v := range valList {
					if looseEqual(v, term) {
						ok = true
						break
					}
				}
			}
		default:
			ok = false
		}
		if !ok {
			return false
		}
	}
	return true
}

// looseEqual compares with numeric coercion so 3 == 3.0 after a JSON round
// trip.
func looseEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func compare(a, b interface{}) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
