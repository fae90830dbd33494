// Package mongo implements artifact.Store on MongoDB. Heads, versions,
// conversations, and tasks each live in their own collection; optimistic
// record revisions and the write-once terminal rule are enforced with
// filtered updates so concurrent writers never clobber each other.
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

	"github.com/stewardhq/steward/runtime/artifact"
)

const (
	defaultArtifactsCollection     = "artifacts"
	defaultVersionsCollection      = "artifact_versions"
	defaultConversationsCollection = "conversations"
	defaultTasksCollection         = "tasks"
	defaultOpTimeout               = 5 * time.Second
	storeName                      = "artifact-mongo"
)

type (
	// Options configures the Mongo artifact store.
	Options struct {
		// Client is the connected MongoDB client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides. Empty values use the defaults.
		ArtifactsCollection     string
		VersionsCollection      string
		ConversationsCollection string
		TasksCollection         string
		// Timeout bounds each store operation.
		Timeout time.Duration
	}

	// Store implements artifact.Store backed by MongoDB. It also implements
	// health.Pinger so it can participate in readiness checks.
	Store struct {
		mongo         *mongodriver.Client
		artifacts     *mongodriver.Collection
		versions      *mongodriver.Collection
		conversations *mongodriver.Collection
		tasks         *mongodriver.Collection
		timeout       time.Duration
	}
)

var (
	_ artifact.Store = (*Store)(nil)
	_ health.Pinger  = (*Store)(nil)
)

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:         opts.Client,
		artifacts:     db.Collection(name(opts.ArtifactsCollection, defaultArtifactsCollection)),
		versions:      db.Collection(name(opts.VersionsCollection, defaultVersionsCollection)),
		conversations: db.Collection(name(opts.ConversationsCollection, defaultConversationsCollection)),
		tasks:         db.Collection(name(opts.TasksCollection, defaultTasksCollection)),
		timeout:       timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// liveFilter matches only records that are not soft-deleted.
func live(filter bson.M) bson.M {
	filter["deleted_at"] = nil
	return filter
}

// InsertArtifact implements artifact.Store. The head is persisted with Rev 1.
func (s *Store) InsertArtifact(ctx context.Context, a *artifact.Artifact) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	a.Rev = 1
	_, err := s.artifacts.InsertOne(ctx, a)
	return err
}

// GetArtifact implements artifact.Store.
func (s *Store) GetArtifact(ctx context.Context, kind artifact.Kind, id string) (*artifact.Artifact, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var a artifact.Artifact
	err := s.artifacts.FindOne(ctx, live(bson.M{"_id": id, "kind": kind})).Decode(&a)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, artifact.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetCurrent implements artifact.Store.
func (s *Store) GetCurrent(ctx context.Context, kind artifact.Kind, conversationID string) (*artifact.Artifact, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var a artifact.Artifact
	err := s.artifacts.FindOne(ctx, live(bson.M{"conversation_id": conversationID, "kind": kind})).Decode(&a)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, artifact.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// UpdateArtifact implements artifact.Store. The update applies only when the
// persisted revision still equals a.Rev; the revision is bumped atomically in
// the same write.
func (s *Store) UpdateArtifact(ctx context.Context, a *artifact.Artifact) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.artifacts.UpdateOne(ctx,
		live(bson.M{"_id": a.ID, "rev": a.Rev}),
		bson.M{
			"$set": bson.M{
				"title":              a.Title,
				"type":               a.Type,
				"current_version_id": a.CurrentVersionID,
				"max_version":        a.MaxVersion,
			},
			"$inc": bson.M{"rev": 1},
		})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		// Stale revision and missing record need different answers.
		if err := s.artifacts.FindOne(ctx, live(bson.M{"_id": a.ID})).Err(); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return artifact.ErrNotFound
			}
			return err
		}
		return artifact.ErrRevMismatch
	}
	return nil
}

// SoftDeleteArtifact implements artifact.Store. The head and all its live
// versions are marked deleted.
func (s *Store) SoftDeleteArtifact(ctx context.Context, kind artifact.Kind, id string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.artifacts.UpdateOne(ctx,
		live(bson.M{"_id": id, "kind": kind}),
		bson.M{"$set": bson.M{"deleted_at": at.UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return artifact.ErrNotFound
	}
	_, err = s.versions.UpdateMany(ctx,
		live(bson.M{"artifact_id": id}),
		bson.M{"$set": bson.M{"deleted_at": at.UTC()}})
	return err
}

// InsertVersion implements artifact.Store.
func (s *Store) InsertVersion(ctx context.Context, v *artifact.Version) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.versions.InsertOne(ctx, v)
	return err
}

// GetVersion implements artifact.Store.
func (s *Store) GetVersion(ctx context.Context, id string) (*artifact.Version, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var v artifact.Version
	err := s.versions.FindOne(ctx, live(bson.M{"_id": id})).Decode(&v)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, artifact.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// ListVersions implements artifact.Store. Versions come back number-descending.
func (s *Store) ListVersions(ctx context.Context, artifactID string) ([]*artifact.Version, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.versions.Find(ctx,
		live(bson.M{"artifact_id": artifactID}),
		options.Find().SetSort(bson.D{{Key: "number", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*artifact.Version
	for cur.Next(ctx) {
		var v artifact.Version
		if err := cur.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteVersion implements artifact.Store.
func (s *Store) DeleteVersion(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.versions.UpdateOne(ctx,
		live(bson.M{"_id": id}),
		bson.M{"$set": bson.M{"deleted_at": at.UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return artifact.ErrNotFound
	}
	return nil
}

// GetConversation implements artifact.Store.
func (s *Store) GetConversation(ctx context.Context, id string) (*artifact.Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var c artifact.Conversation
	err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, artifact.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// UpsertConversation implements artifact.Store. Inserts keep their original
// start time; re-upserts only refresh the last-active timestamp.
func (s *Store) UpsertConversation(ctx context.Context, c *artifact.Conversation) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": c.ID},
		bson.M{
			"$set": bson.M{
				"user_id":        c.UserID,
				"agent_slug":     c.AgentSlug,
				"last_active_at": c.LastActiveAt.UTC(),
			},
			"$setOnInsert": bson.M{
				"started_at": c.StartedAt.UTC(),
			},
		},
		options.Update().SetUpsert(true))
	return err
}

// InsertTask implements artifact.Store.
func (s *Store) InsertTask(ctx context.Context, t *artifact.Task) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.tasks.InsertOne(ctx, t)
	return err
}

// GetTask implements artifact.Store.
func (s *Store) GetTask(ctx context.Context, id string) (*artifact.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var t artifact.Task
	err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, artifact.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// UpdateTaskStatus implements artifact.Store. The filter only matches tasks
// still in a non-terminal status, which makes terminal statuses write-once
// without a transaction.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status artifact.TaskStatus, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	set := bson.M{"status": status}
	if status.Terminal() {
		set["completed_at"] = at.UTC()
	}
	res, err := s.tasks.UpdateOne(ctx,
		bson.M{
			"_id":    id,
			"status": bson.M{"$in": []artifact.TaskStatus{artifact.TaskPending, artifact.TaskRunning}},
		},
		bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Err(); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return artifact.ErrNotFound
			}
			return err
		}
		return artifact.ErrTerminal
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.artifacts.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "kind", Value: 1},
		},
	}); err != nil {
		return err
	}
	if _, err := s.versions.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "artifact_id", Value: 1},
			{Key: "number", Value: -1},
		},
	}); err != nil {
		return err
	}
	_, err := s.tasks.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}},
	})
	return err
}
