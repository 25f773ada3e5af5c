package persistence

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/conductor/pkg/api"
)

// MongoStore implements InstanceStore, HistoryStore and EntityStore on MongoDB.
// It uses three collections: instances, history and entities. History
// documents carry a unique (instance_id, execution, seq) index, which turns a
// concurrent duplicate append into ErrConflict.
type MongoStore struct {
	instances *mongo.Collection
	history   *mongo.Collection
	entities  *mongo.Collection
}

// Ensure MongoStore implements the interfaces.
var (
	_ InstanceStore = (*MongoStore)(nil)
	_ HistoryStore  = (*MongoStore)(nil)
	_ EntityStore   = (*MongoStore)(nil)
)

type mongoInstanceDoc struct {
	ID           string `bson:"_id"`
	Name         string `bson:"name"`
	Execution    int    `bson:"execution"`
	Status       string `bson:"status"`
	Input        []byte `bson:"input,omitempty"`
	Output       []byte `bson:"output,omitempty"`
	CustomStatus []byte `bson:"custom_status,omitempty"`
	Failure      []byte `bson:"failure,omitempty"`
	CreatedAt    int64  `bson:"created_at"`
	UpdatedAt    int64  `bson:"updated_at"`

	Buffered map[string][]byte `bson:"buffered,omitempty"`
}

type mongoHistoryDoc struct {
	InstanceID string `bson:"instance_id"`
	Execution  int    `bson:"execution"`
	Seq        int    `bson:"seq"`
	Type       string `bson:"type"`
	Data       []byte `bson:"data"`
}

type mongoEntityDoc struct {
	ID        string `bson:"_id"`
	Type      string `bson:"type"`
	Key       string `bson:"key"`
	State     []byte `bson:"state,omitempty"`
	UpdatedAt int64  `bson:"updated_at"`
}

// NewMongoStore creates a Mongo-backed store and ensures its indexes.
// dbName defaults to "conductor" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "conductor"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		instances: db.Collection("instances"),
		history:   db.Collection("history"),
		entities:  db.Collection("entities"),
	}

	if _, err := s.history.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "instance_id", Value: 1}, {Key: "execution", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, wrapSchemaErr("mongo", err)
	}
	if _, err := s.instances.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return nil, wrapSchemaErr("mongo", err)
	}
	if _, err := s.entities.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "type", Value: 1}, {Key: "key", Value: 1}},
	}); err != nil {
		return nil, wrapSchemaErr("mongo", err)
	}
	return s, nil
}

// NewMongoPersistence returns a Persistence backed by a single MongoStore.
func NewMongoPersistence(ctx context.Context, client *mongo.Client, dbName string) (*Persistence, error) {
	s, err := NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return &Persistence{Instances: s, History: s, Entities: s}, nil
}

func toMongoInstance(rec *InstanceRecord) (mongoInstanceDoc, error) {
	failure, err := EncodeFailure(rec.Failure)
	if err != nil {
		return mongoInstanceDoc{}, err
	}
	return mongoInstanceDoc{
		ID:           rec.ID,
		Name:         rec.Name,
		Execution:    rec.Execution,
		Status:       string(rec.Status),
		Input:        rec.Input,
		Output:       rec.Output,
		CustomStatus: rec.CustomStatus,
		Failure:      failure,
		CreatedAt:    unixNano(rec.CreatedAt),
		UpdatedAt:    unixNano(rec.UpdatedAt),
		Buffered:     rec.Buffered,
	}, nil
}

func (d mongoInstanceDoc) record() (*InstanceRecord, error) {
	failure, err := DecodeFailure(d.Failure)
	if err != nil {
		return nil, err
	}
	return &InstanceRecord{
		ID:           d.ID,
		Name:         d.Name,
		Execution:    d.Execution,
		Status:       api.Status(d.Status),
		Input:        d.Input,
		Output:       d.Output,
		CustomStatus: d.CustomStatus,
		Failure:      failure,
		CreatedAt:    fromUnixNano(d.CreatedAt),
		UpdatedAt:    fromUnixNano(d.UpdatedAt),
		Buffered:     d.Buffered,
	}, nil
}

func (s *MongoStore) CreateInstance(ctx context.Context, rec *InstanceRecord) error {
	doc, err := toMongoInstance(rec)
	if err != nil {
		return err
	}
	_, err = s.instances.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrInstanceExists
	}
	return err
}

func (s *MongoStore) UpdateInstance(ctx context.Context, rec *InstanceRecord) error {
	doc, err := toMongoInstance(rec)
	if err != nil {
		return err
	}
	res, err := s.instances.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	var doc mongoInstanceDoc
	if err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.record()
}

func (s *MongoStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	q := bson.M{}
	if filter.Name != "" {
		q["name"] = filter.Name
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.instances.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*InstanceRecord
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := doc.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

func (s *MongoStore) AppendEvents(ctx context.Context, instanceID string, execution int, events []api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	n, err := s.history.CountDocuments(ctx, bson.M{"instance_id": instanceID, "execution": execution})
	if err != nil {
		return err
	}
	if err := checkSequence(int(n), events); err != nil {
		return err
	}

	docs := make([]any, len(events))
	for i, ev := range events {
		data, err := EncodeEvent(ev)
		if err != nil {
			return err
		}
		docs[i] = mongoHistoryDoc{
			InstanceID: instanceID,
			Execution:  execution,
			Seq:        ev.Seq,
			Type:       string(ev.Type),
			Data:       data,
		}
	}

	// Ordered inserts stop at the first duplicate, so a lost race never
	// leaves a gap behind the winner's events.
	_, err = s.history.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (s *MongoStore) LoadHistory(ctx context.Context, instanceID string, execution int) ([]api.HistoryEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := s.history.Find(ctx, bson.M{"instance_id": instanceID, "execution": execution}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.HistoryEvent
	for cur.Next(ctx) {
		var doc mongoHistoryDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ev, err := DecodeEvent(doc.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, cur.Err()
}

func (s *MongoStore) LoadEntity(ctx context.Context, id api.EntityID) (*EntityRecord, error) {
	var doc mongoEntityDoc
	if err := s.entities.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	return &EntityRecord{ID: id, State: doc.State, UpdatedAt: fromUnixNano(doc.UpdatedAt)}, nil
}

func (s *MongoStore) SaveEntity(ctx context.Context, rec *EntityRecord) error {
	doc := mongoEntityDoc{
		ID:        rec.ID.String(),
		Type:      rec.ID.Type,
		Key:       rec.ID.Key,
		State:     rec.State,
		UpdatedAt: unixNano(rec.UpdatedAt),
	}
	_, err := s.entities.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) DeleteEntity(ctx context.Context, id api.EntityID) error {
	_, err := s.entities.DeleteOne(ctx, bson.M{"_id": id.String()})
	return err
}

func (s *MongoStore) ListEntities(ctx context.Context, entityType string) ([]*EntityRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "key", Value: 1}})
	cur, err := s.entities.Find(ctx, bson.M{"type": entityType}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*EntityRecord
	for cur.Next(ctx) {
		var doc mongoEntityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, &EntityRecord{
			ID:        api.EntityID{Type: doc.Type, Key: doc.Key},
			State:     doc.State,
			UpdatedAt: fromUnixNano(doc.UpdatedAt),
		})
	}
	return out, cur.Err()
}
