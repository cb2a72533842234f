package etl

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/BartekS5/possync/pkg/logger"
	"github.com/BartekS5/possync/pkg/models"
)

func TestKeyFilter(t *testing.T) {
	filter, ok := keyFilter([]string{"articleId", "warehouseId"}, map[string]any{
		"articleId": json.Number("5"), "warehouseId": "W1", "quantity": 3,
	})
	require.True(t, ok)
	assert.Equal(t, bson.D{{Key: "articleId", Value: int64(5)}, {Key: "warehouseId", Value: "W1"}}, filter)

	_, ok = keyFilter([]string{"id"}, map[string]any{"id": nil})
	assert.False(t, ok)
}

func TestToDocumentConvertsNumbers(t *testing.T) {
	doc := toDocument(models.Record{"id": json.Number("1"), "price": json.Number("2.5"), "name": "Cola"})
	assert.Equal(t, bson.M{"id": int64(1), "price": 2.5, "name": "Cola"}, doc)
}

func TestMongoLoader(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("upsert", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}, bson.E{Key: "nModified", Value: 2}))
		loader := NewMongoLoader(mt.Client, "possync", logger.Nop())

		err := loader.Upsert(context.Background(), "article", []string{"id"}, []models.Record{
			{"id": json.Number("1"), "name": "Cola"},
			{"id": json.Number("2"), "name": "Water"},
		})
		require.NoError(t, err)

		started := mt.GetStartedEvent()
		require.NotNil(t, started)
		assert.Equal(t, "update", started.CommandName)
	})

	mt.Run("upsert without keys is a no-op", func(mt *mtest.T) {
		loader := NewMongoLoader(mt.Client, "possync", logger.Nop())
		require.NoError(t, loader.Upsert(context.Background(), "article", []string{"id"}, []models.Record{{"name": "orphan"}}))
		assert.Nil(t, mt.GetStartedEvent())
	})

	mt.Run("delete", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		loader := NewMongoLoader(mt.Client, "possync", logger.Nop())

		err := loader.Delete(context.Background(), "article", []string{"id"}, []models.PrimaryKey{{"id": json.Number("9")}})
		require.NoError(t, err)
		assert.Equal(t, "delete", mt.GetStartedEvent().CommandName)
	})
}

func TestMongoStateStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("first run", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "possync.sync_state", mtest.FirstBatch))
		store := NewMongoStateStore(mt.Client, "possync", "sync_state")

		state, err := store.Load(context.Background())
		require.NoError(t, err)
		assert.Empty(t, state)
	})

	mt.Run("stored state", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "possync.sync_state", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "state"},
			{Key: "entities", Value: bson.D{{Key: "article", Value: "2024-01-01T00:00:00Z"}}},
		}))
		store := NewMongoStateStore(mt.Client, "possync", "sync_state")

		state, err := store.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.State{"article": "2024-01-01T00:00:00Z"}, state)
	})

	mt.Run("save", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		store := NewMongoStateStore(mt.Client, "possync", "sync_state")

		require.NoError(t, store.Save(context.Background(), models.State{"sale": "17"}))
		assert.Equal(t, "update", mt.GetStartedEvent().CommandName)
	})
}
