// Package mongo implements dispatch.Directory on MongoDB. Agent definitions
// live in one collection; lookup resolves org-scoped agents first and falls
// back to global ones so shared agents need no per-org copies.
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

	"github.com/stewardhq/steward/runtime/dispatch"
	"github.com/stewardhq/steward/runtime/runner"
)

const (
	defaultCollection = "agents"
	defaultOpTimeout  = 5 * time.Second
	directoryName     = "directory-mongo"
)

type (
	// Options configures the Mongo agent directory.
	Options struct {
		// Client is the connected MongoDB client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the default collection name.
		Collection string
		// Timeout bounds each directory operation.
		Timeout time.Duration
	}

	// Directory implements dispatch.Directory backed by MongoDB.
	Directory struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}
)

var (
	_ dispatch.Directory = (*Directory)(nil)
	_ health.Pinger      = (*Directory)(nil)
)

// New returns a Directory backed by MongoDB and ensures its indexes.
func New(opts Options) (*Directory, error) {
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
	d := &Directory{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Name implements health.Pinger.
func (d *Directory) Name() string { return directoryName }

// Ping implements health.Pinger.
func (d *Directory) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return d.mongo.Ping(ctx, readpref.Primary())
}

// FindAgent implements dispatch.Directory. Org-scoped definitions shadow
// global ones with the same slug.
func (d *Directory) FindAgent(ctx context.Context, orgSlug, slug string) (*runner.Agent, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	var a runner.Agent
	err := d.coll.FindOne(ctx, bson.M{"org_slug": orgSlug, "slug": slug}).Decode(&a)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, err
	}
	err = d.coll.FindOne(ctx, bson.M{"global": true, "slug": slug}).Decode(&a)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, dispatch.ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertAgent creates or replaces an agent definition keyed by org and slug.
// Global agents use an empty org slug.
func (d *Directory) UpsertAgent(ctx context.Context, a *runner.Agent) error {
	if a == nil || a.Slug == "" {
		return errors.New("agent with a slug is required")
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.coll.ReplaceOne(ctx,
		bson.M{"org_slug": a.OrgSlug, "slug": a.Slug},
		a,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (d *Directory) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *Directory) ensureIndexes(ctx context.Context) error {
	if _, err := d.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "org_slug", Value: 1}, {Key: "slug", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := d.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "global", Value: 1}, {Key: "slug", Value: 1}},
	})
	return err
}
