// Package mongo implements obs.Sink on MongoDB: the durable append target
// behind the observability bus. Events are insert-only; History reads them
// back in push order using the timestamp index.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/stewardhq/steward/runtime/obs"
)

const (
	defaultCollection = "events"
	defaultOpTimeout  = 5 * time.Second
	sinkName          = "obs-mongo"
)

type (
	// Options configures the Mongo event sink.
	Options struct {
		// Client is the connected MongoDB client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the default collection name.
		Collection string
		// Timeout bounds each sink operation.
		Timeout time.Duration
		// TTL expires persisted events after the given duration. Zero keeps
		// them forever.
		TTL time.Duration
	}

	// Sink implements obs.Sink backed by MongoDB.
	Sink struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}
)

var (
	_ obs.Sink      = (*Sink)(nil)
	_ health.Pinger = (*Sink)(nil)
)

// New returns a Sink backed by MongoDB and ensures its indexes.
func New(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Sink{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx, opts.TTL); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Sink) Name() string { return sinkName }

// Ping implements health.Pinger.
func (s *Sink) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Append implements obs.Sink.
func (s *Sink) Append(ctx context.Context, e *obs.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, e)
	return err
}

// History implements obs.Sink. Events come back in push order.
func (s *Sink) History(ctx context.Context, since, until time.Time, limit int) ([]*obs.Event, error) {
	filter := bson.M{}
	ts := bson.M{}
	if !since.IsZero() {
		ts["$gte"] = since.UTC()
	}
	if !until.IsZero() {
		ts["$lte"] = until.UTC()
	}
	if len(ts) > 0 {
		filter["timestamp"] = ts
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*obs.Event
	for cur.Next(ctx) {
		var e obs.Event
		if err := cur.Decode(&e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Sink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Sink) ensureIndexes(ctx context.Context, ttl time.Duration) error {
	if _, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "timestamp", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "context.conversation_id", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	}); err != nil {
		return err
	}
	if ttl > 0 {
		if _, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds())),
		}); err != nil {
			return err
		}
	}
	return nil
}
