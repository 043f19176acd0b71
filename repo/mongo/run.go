package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/repo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	RunsCollection     = "runs"
	CountersCollection = "counters"
)

var _ repo.RunRepoer = new(RunRepoerMongo)

func NewRunRepoer(db *mongo.Database) repo.RunRepoer {
	return &RunRepoerMongo{
		runs:     db.Collection(RunsCollection),
		counters: db.Collection(CountersCollection),
	}
}

// Connect opens the client and checks the server is reachable.
func Connect(ctx context.Context, uri, database string) (*mongo.Database, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("pinging mongo: %w", err)
	}
	return client.Database(database), client.Disconnect, nil
}

type RunRepoerMongo struct {
	runs     *mongo.Collection
	counters *mongo.Collection
}

// NextBuildNumber increments the pipeline counter atomically, so concurrent
// runners never share a number.
func (r *RunRepoerMongo) NextBuildNumber(ctx context.Context, pipeline string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": pipeline},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

func (r *RunRepoerMongo) InsertRun(ctx context.Context, run *model.Run) error {
	_, err := r.runs.InsertOne(ctx, run)
	if mongo.IsDuplicateKeyError(err) {
		return repo.ErrAlreadyExists
	}
	return err
}

func (r *RunRepoerMongo) UpdateRun(ctx context.Context, run *model.Run) error {
	result, err := r.runs.ReplaceOne(ctx, bson.M{"_id": run.ID}, run)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *RunRepoerMongo) GetRunByID(ctx context.Context, id string) (*model.Run, error) {
	run := new(model.Run)
	err := r.runs.FindOne(ctx, bson.M{"_id": id}).Decode(run)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repo.ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

func (r *RunRepoerMongo) ListRuns(ctx context.Context, pipeline string, limit int64) ([]*model.Run, error) {
	opts := options.Find().SetSort(bson.D{{Key: "descriptor.number", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := r.runs.Find(ctx, bson.M{"pipeline": pipeline}, opts)
	if err != nil {
		return nil, err
	}
	runs := make([]*model.Run, 0)
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}
