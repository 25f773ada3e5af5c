package taskqueue

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/conductor/internal/clock"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:         string,   // call key, one queued task per activity call
//	  task_key:    string,
//	  payload:     []byte,   // msgpack-encoded Task
//	  enqueued_at: int64,    // unix nanoseconds
//	  not_before:  int64,    // unix nanoseconds
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	clock        clock.Clock
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "conductor", collName to "activity_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string, opts ...Option) *MongoQueue {
	if dbName == "" {
		dbName = "conductor"
	}
	if collName == "" {
		collName = "activity_tasks"
	}
	o := buildOptions(100*time.Millisecond, opts)
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		clock:        o.clock,
		pollInterval: o.pollInterval,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	CallKey    string `bson:"_id"`
	TaskKey    string `bson:"task_key"`
	Payload    []byte `bson:"payload"`
	EnqueuedAt int64  `bson:"enqueued_at"`
	NotBefore  int64  `bson:"not_before"`
}

// Enqueue inserts a document for the given Task. A duplicate call key means
// the call is queued already.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	stamp(&t, q.clock.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.coll.InsertOne(ctx, mongoQueueDoc{
		CallKey:    t.CallKey(),
		TaskKey:    t.ID,
		Payload:    data,
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
		NotBefore:  t.NotBefore.UnixNano(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// Dequeue blocks (via polling) until a due task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var doc mongoQueueDoc
		err := q.coll.FindOneAndDelete(
			ctx,
			bson.M{"not_before": bson.M{"$lte": q.clock.Now().UnixNano()}},
			options.FindOneAndDelete().SetSort(bson.D{
				{Key: "not_before", Value: 1},
				{Key: "enqueued_at", Value: 1},
			}),
		).Decode(&doc)

		if err == nil {
			return DecodeTask(doc.Payload)
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		if err := sleep(ctx, q.clock, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0
	}
	return int(n)
}
