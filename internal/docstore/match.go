package docstore

import (
	"reflect"
	"sort"
)

func matches(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		got, ok := data[f.Field]
		if !ok {
			return false
		}
		want := normalizeValue(f.Value)
		switch f.Op {
		case OpEq:
			if !reflect.DeepEqual(got, want) {
				return false
			}
		case OpArrayContains:
			arr, ok := got.([]any)
			if !ok {
				return false
			}
			found := false
			for _, el := range arr {
				if reflect.DeepEqual(el, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compareValues orders missing < bool < number < string, like Firestore.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func sortDocuments(docs []Document, orders []Order) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range orders {
			c := compareValues(docs[i].Data[o.Field], docs[j].Data[o.Field])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return docs[i].ID < docs[j].ID
	})
}

// applyQuery filters, sorts and limits an unordered result set.
func applyQuery(docs []Document, q Query) []Document {
	out := docs[:0]
	for _, d := range docs {
		if matches(d.Data, q.Filters) {
			out = append(out, d)
		}
	}
	sortDocuments(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
