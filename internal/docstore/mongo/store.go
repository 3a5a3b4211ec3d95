// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongo is a docstore.ConditionalStore backed by MongoDB. Watches
// are built on change streams, so the server must run as a replica set.
package mongo

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/tillpoint/backoffice/core/docstore"
)

var logger = loggo.GetLogger("backoffice.docstore.mongo")

// DefaultConnectTimeout bounds the initial connection.
const DefaultConnectTimeout = 10 * time.Second

// Config holds what is needed to open a Store.
type Config struct {
	URI            string
	Database       string
	Clock          clock.Clock
	ConnectTimeout time.Duration
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.URI == "" {
		return errors.NotValidf("empty URI")
	}
	if config.Database == "" {
		return errors.NotValidf("empty Database")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Store is a MongoDB document store.
type Store struct {
	client *mongodriver.Client
	db     *mongodriver.Database
	clock  clock.Clock
}

var _ docstore.ConditionalStore = (*Store)(nil)

// Open connects to MongoDB. The server does not have to be reachable:
// the driver keeps trying in the background and calls fail with
// docstore.ErrUnavailable until it is.
func Open(ctx context.Context, config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	opts := options.Client().
		ApplyURI(config.URI).
		SetConnectTimeout(config.ConnectTimeout).
		SetServerSelectionTimeout(config.ConnectTimeout)
	client, err := mongodriver.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Annotate(err, "connecting to mongo")
	}
	logger.Infof("using mongo database %q", config.Database)
	return &Store{
		client: client,
		db:     client.Database(config.Database),
		clock:  config.Clock,
	}, nil
}

// Close disconnects from the server.
func (s *Store) Close(ctx context.Context) error {
	return errors.Trace(s.client.Disconnect(ctx))
}

// Ping is a connectivity.Prober.
func (s *Store) Ping(ctx context.Context) error {
	return storeError(s.client.Ping(ctx, readpref.Primary()))
}

// Create is part of the docstore.Store interface.
func (s *Store) Create(ctx context.Context, collection, id string, fields map[string]any) (string, error) {
	if id == "" {
		id = primitive.NewObjectID().Hex()
	}
	doc := toBSON(fields)
	doc[idField] = id
	if _, err := s.db.Collection(collection).InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return "", errors.AlreadyExistsf("%s document %q", collection, id)
		}
		return "", storeError(err)
	}
	return id, nil
}

// Update is part of the docstore.Store interface.
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	res, err := s.db.Collection(collection).UpdateOne(ctx,
		bson.M{idField: id},
		bson.M{"$set": toBSON(fields)},
	)
	if err != nil {
		return storeError(err)
	}
	if res.MatchedCount == 0 {
		return errors.NotFoundf("%s document %q", collection, id)
	}
	return nil
}

// UpdateIf is part of the docstore.ConditionalStore interface.
func (s *Store) UpdateIf(ctx context.Context, collection, id string, expect docstore.Filter, fields map[string]any) error {
	filter := filterToBSON(expect)
	filter[idField] = id
	coll := s.db.Collection(collection)
	res, err := coll.UpdateOne(ctx, filter, bson.M{"$set": toBSON(fields)})
	if err != nil {
		return storeError(err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := coll.CountDocuments(ctx, bson.M{idField: id})
	if err != nil {
		return storeError(err)
	}
	if n == 0 {
		return errors.NotFoundf("%s document %q", collection, id)
	}
	return errors.Annotatef(docstore.ErrConflict, "%s document %q", collection, id)
}

// Delete is part of the docstore.Store interface.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{idField: id})
	if err != nil {
		return storeError(err)
	}
	if res.DeletedCount == 0 {
		return errors.NotFoundf("%s document %q", collection, id)
	}
	return nil
}

// Get is part of the docstore.Store interface.
func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{idField: id}).Decode(&raw)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return docstore.Document{}, errors.NotFoundf("%s document %q", collection, id)
	} else if err != nil {
		return docstore.Document{}, storeError(err)
	}
	return fromBSON(raw), nil
}

// Query is part of the docstore.Store interface.
func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	cursor, err := s.db.Collection(collection).Find(ctx, filterToBSON(q.Filter), findOptions(q))
	if err != nil {
		return nil, storeError(err)
	}
	defer cursor.Close(ctx)

	var docs []docstore.Document
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, errors.Annotatef(err, "decoding %s document", collection)
		}
		docs = append(docs, fromBSON(raw))
	}
	if err := cursor.Err(); err != nil {
		return nil, storeError(err)
	}
	return docs, nil
}

func (s *Store) snapshot(ctx context.Context, collection string, q docstore.Query) (docstore.Snapshot, error) {
	docs, err := s.Query(ctx, collection, q)
	if err != nil {
		return docstore.Snapshot{}, errors.Trace(err)
	}
	return docstore.Snapshot{
		Collection: collection,
		Documents:  docs,
		ReadAt:     s.clock.Now(),
	}, nil
}

// storeError marks transport failures as docstore.ErrUnavailable.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	if mongodriver.IsNetworkError(err) ||
		mongodriver.IsTimeout(err) ||
		errors.Is(err, mongodriver.ErrClientDisconnected) {
		return errors.WithType(err, docstore.ErrUnavailable)
	}
	return errors.Trace(err)
}
