package etl

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BartekS5/possync/pkg/logger"
	"github.com/BartekS5/possync/pkg/models"
	"github.com/BartekS5/possync/pkg/utils"
)

const mongoTimeout = 30 * time.Second

// MongoLoader upserts records into one collection per table.
type MongoLoader struct {
	Client   *mongo.Client
	Database string
	log      *logger.Logger
}

// NewMongoLoader creates a loader writing into the given database.
func NewMongoLoader(client *mongo.Client, database string, log *logger.Logger) *MongoLoader {
	return &MongoLoader{Client: client, Database: database, log: log}
}

func keyFilter(primaryKey []string, values map[string]any) (bson.D, bool) {
	filter := make(bson.D, 0, len(primaryKey))
	for _, f := range primaryKey {
		v, ok := values[f]
		if !ok || v == nil {
			return nil, false
		}
		filter = append(filter, bson.E{Key: f, Value: utils.NativeValue(v)})
	}
	return filter, true
}

func toDocument(rec models.Record) bson.M {
	doc := make(bson.M, len(rec))
	for k, v := range rec {
		doc[k] = utils.NativeValue(v)
	}
	return doc
}

// Upsert writes records keyed by their primary key.
func (m *MongoLoader) Upsert(ctx context.Context, table string, primaryKey []string, records []models.Record) error {
	coll := m.Client.Database(m.Database).Collection(table)
	writes := make([]mongo.WriteModel, 0, len(records))

	for _, rec := range records {
		filter, ok := keyFilter(primaryKey, rec)
		if !ok {
			m.log.Errorf("%s: skipping document with missing primary key", table)
			continue
		}
		model := mongo.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(bson.M{"$set": toDocument(rec)}).
			SetUpsert(true)
		writes = append(writes, model)
	}
	if len(writes) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	res, err := coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return err
	}
	m.log.Infof("%s: Mongo BulkWrite matched %d, modified %d, upserted %d", table, res.MatchedCount, res.ModifiedCount, res.UpsertedCount)
	return nil
}

// Delete removes documents by primary key.
func (m *MongoLoader) Delete(ctx context.Context, table string, primaryKey []string, keys []models.PrimaryKey) error {
	coll := m.Client.Database(m.Database).Collection(table)
	writes := make([]mongo.WriteModel, 0, len(keys))
	for _, pk := range keys {
		filter, ok := keyFilter(primaryKey, pk)
		if !ok {
			continue
		}
		writes = append(writes, mongo.NewDeleteOneModel().SetFilter(filter))
	}
	if len(writes) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	res, err := coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return err
	}
	m.log.Infof("%s: Mongo deleted %d documents", table, res.DeletedCount)
	return nil
}

// Close disconnects the client.
func (m *MongoLoader) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

const stateDocumentID = "state"

// MongoStateStore keeps the protocol state in a single document.
type MongoStateStore struct {
	coll *mongo.Collection
}

// NewMongoStateStore stores state in database.collection.
func NewMongoStateStore(client *mongo.Client, database, collection string) *MongoStateStore {
	return &MongoStateStore{coll: client.Database(database).Collection(collection)}
}

type stateDocument struct {
	ID       string            `bson:"_id"`
	Entities map[string]string `bson:"entities"`
	SavedAt  time.Time         `bson:"savedAt"`
}

// Load returns the stored state, or an empty state on first run.
func (s *MongoStateStore) Load(ctx context.Context) (models.State, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc stateDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": stateDocumentID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.State{}, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.Entities == nil {
		return models.State{}, nil
	}
	return models.State(doc.Entities), nil
}

// Save replaces the stored state.
func (s *MongoStateStore) Save(ctx context.Context, state models.State) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	doc := stateDocument{ID: stateDocumentID, Entities: state, SavedAt: time.Now().UTC()}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": stateDocumentID}, doc, options.Replace().SetUpsert(true))
	return err
}
