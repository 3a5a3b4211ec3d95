// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo_test

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	gc "gopkg.in/check.v1"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/internal/docstore/mongo"
)

type convertSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&convertSuite{})

func (s *convertSuite) TestValidateConfig(c *gc.C) {
	_, err := mongo.Open(context.Background(), mongo.Config{Database: "x", Clock: clock.WallClock})
	c.Check(err, gc.ErrorMatches, "empty URI not valid")
}

func (s *convertSuite) TestFilterMapsID(c *gc.C) {
	filter := mongo.FilterToBSON(docstore.Filter{"id": "s1", "status": "active"})
	c.Check(filter, jc.DeepEquals, bson.M{"_id": "s1", "status": "active"})
}

func (s *convertSuite) TestFindOptions(c *gc.C) {
	opts := mongo.FindOptions(docstore.Query{
		Order: []docstore.Order{{Field: "created-at", Descending: true}, {Field: "id"}},
		Limit: 20,
	})
	c.Check(opts.Sort, jc.DeepEquals, bson.D{{Key: "created-at", Value: -1}, {Key: "_id", Value: 1}})
	c.Assert(opts.Limit, gc.NotNil)
	c.Check(*opts.Limit, gc.Equals, int64(20))

	opts = mongo.FindOptions(docstore.Query{})
	c.Check(opts.Sort, jc.DeepEquals, bson.D{{Key: "_id", Value: 1}})
	c.Check(opts.Limit, gc.IsNil)
}

func (s *convertSuite) TestFromBSON(c *gc.C) {
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	doc := mongo.FromBSON(bson.M{
		"_id":        "sale-1",
		"total":      int32(1250),
		"created-at": primitive.NewDateTimeFromTime(at),
		"lines": primitive.A{
			primitive.M{"sku": "A1", "qty": int32(2)},
		},
		"meta": primitive.D{{Key: "till", Value: "2"}},
	})
	c.Check(doc.ID, gc.Equals, "sale-1")
	c.Check(doc.Fields, jc.DeepEquals, map[string]any{
		"total":      int64(1250),
		"created-at": at,
		"lines": []any{
			map[string]any{"sku": "A1", "qty": int64(2)},
		},
		"meta": map[string]any{"till": "2"},
	})

	oid := primitive.NewObjectID()
	c.Check(mongo.FromBSON(bson.M{"_id": oid}).ID, gc.Equals, oid.Hex())
}

func (s *convertSuite) TestStoreError(c *gc.C) {
	c.Check(mongo.StoreError(nil), jc.ErrorIsNil)

	err := mongo.StoreError(context.DeadlineExceeded)
	c.Check(errors.Is(err, docstore.ErrUnavailable), jc.IsTrue)
	c.Check(errors.Is(err, context.DeadlineExceeded), jc.IsTrue)

	err = mongo.StoreError(mongodriver.ErrClientDisconnected)
	c.Check(errors.Is(err, docstore.ErrUnavailable), jc.IsTrue)

	err = mongo.StoreError(errors.New("boom"))
	c.Check(errors.Is(err, docstore.ErrUnavailable), jc.IsFalse)
}
