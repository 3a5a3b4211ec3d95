// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tillpoint/backoffice/core/docstore"
)

const idField = "_id"

func fieldName(field string) string {
	if field == "id" {
		return idField
	}
	return field
}

func toBSON(fields map[string]any) bson.M {
	doc := make(bson.M, len(fields))
	for k, v := range fields {
		if k == idField {
			continue
		}
		doc[k] = v
	}
	return doc
}

func filterToBSON(f docstore.Filter) bson.M {
	filter := make(bson.M, len(f))
	for k, v := range f {
		filter[fieldName(k)] = v
	}
	return filter
}

func findOptions(q docstore.Query) *options.FindOptions {
	opts := options.Find()
	if len(q.Order) > 0 {
		sort := make(bson.D, 0, len(q.Order))
		for _, o := range q.Order {
			dir := 1
			if o.Descending {
				dir = -1
			}
			sort = append(sort, bson.E{Key: fieldName(o.Field), Value: dir})
		}
		opts.SetSort(sort)
	} else {
		opts.SetSort(bson.D{{Key: idField, Value: 1}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return opts
}

// fromBSON turns a decoded document into a docstore.Document, replacing
// the driver's types with plain Go ones.
func fromBSON(raw bson.M) docstore.Document {
	doc := docstore.Document{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		if k == idField {
			switch id := v.(type) {
			case string:
				doc.ID = id
			case primitive.ObjectID:
				doc.ID = id.Hex()
			}
			continue
		}
		doc.Fields[k] = plain(v)
	}
	return doc
}

func plain(v any) any {
	switch v := v.(type) {
	case primitive.DateTime:
		return v.Time().UTC()
	case primitive.M:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = plain(e)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(v))
		for _, e := range v {
			out[e.Key] = plain(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = plain(e)
		}
		return out
	case int32:
		return int64(v)
	case primitive.ObjectID:
		return v.Hex()
	}
	return v
}
