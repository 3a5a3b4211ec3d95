// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package docstore

import (
	"fmt"
	"sort"
	"time"
)

// Apply filters, orders and limits docs in memory. It is used by stores
// that cannot push the query down to a server.
func Apply(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if q.Filter.Matches(doc) {
			out = append(out, doc)
		}
	}
	if len(q.Order) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.Order {
				cmp := compareField(out[i], out[j], o.Field)
				if cmp == 0 {
					continue
				}
				if o.Descending {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func compareField(a, b Document, field string) int {
	if field == "id" {
		return compareStrings(a.ID, b.ID)
	}
	if ia, ok := a.Int(field); ok {
		if ib, ok := b.Int(field); ok {
			switch {
			case ia < ib:
				return -1
			case ia > ib:
				return 1
			}
			return 0
		}
	}
	if ta, ok := a.Fields[field].(time.Time); ok {
		if tb, ok := b.Fields[field].(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	return compareStrings(fmt.Sprint(a.Fields[field]), fmt.Sprint(b.Fields[field]))
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
