package etl

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/possync/pkg/logger"
	"github.com/BartekS5/possync/pkg/models"
)

type scriptedSyncer struct {
	responses []*models.SyncResponse
	requests  []models.SyncRequest
}

func (s *scriptedSyncer) Sync(_ context.Context, req models.SyncRequest) *models.SyncResponse {
	s.requests = append(s.requests, req)
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp
}

type recordingLoader struct {
	upserts map[string]int
	deletes map[string]int
	err     error
}

func newRecordingLoader() *recordingLoader {
	return &recordingLoader{upserts: map[string]int{}, deletes: map[string]int{}}
}

func (l *recordingLoader) Upsert(_ context.Context, table string, _ []string, records []models.Record) error {
	if l.err != nil {
		return l.err
	}
	l.upserts[table] += len(records)
	return nil
}

func (l *recordingLoader) Delete(_ context.Context, table string, _ []string, keys []models.PrimaryKey) error {
	l.deletes[table] += len(keys)
	return nil
}

func (l *recordingLoader) Close(context.Context) error { return nil }

type memoryState struct {
	state models.State
	saves int
}

func (m *memoryState) Load(context.Context) (models.State, error) { return m.state.Clone(), nil }

func (m *memoryState) Save(_ context.Context, s models.State) error {
	m.state = s.Clone()
	m.saves++
	return nil
}

func tables(table string) ([]string, bool) {
	switch table {
	case "article", "sale":
		return []string{"id"}, true
	}
	return nil, false
}

func response(state models.State, hasMore bool, articles int) *models.SyncResponse {
	resp := models.NewSyncResponse(state)
	for i := 0; i < articles; i++ {
		resp.Insert["article"] = append(resp.Insert["article"], models.Record{"id": json.Number("1")})
	}
	resp.Delete["sale"] = []models.PrimaryKey{{"id": json.Number("9")}}
	resp.HasMore = hasMore
	return resp
}

func TestPipelineRunsUntilNoMore(t *testing.T) {
	syncer := &scriptedSyncer{responses: []*models.SyncResponse{
		response(models.State{"article": "2024-01-01T00:00:00Z"}, true, 3),
		response(models.State{"article": "2024-01-02T00:00:00Z"}, false, 2),
	}}
	loader := newRecordingLoader()
	store := &memoryState{state: models.State{"article": "2023-12-31T00:00:00Z"}}

	p := NewPipeline(syncer, loader, store, tables, logger.Nop())
	p.Entities = []string{"article", "sale"}
	stats, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Rounds: 2, Inserted: 5, Deleted: 2}, stats)
	assert.Equal(t, 5, loader.upserts["article"])
	assert.Equal(t, 2, loader.deletes["sale"])
	assert.Equal(t, "2024-01-02T00:00:00Z", store.state["article"])
	assert.Equal(t, 2, store.saves)

	require.Len(t, syncer.requests, 2)
	assert.Equal(t, models.OperationSync, syncer.requests[0].Operation)
	assert.Equal(t, "2023-12-31T00:00:00Z", syncer.requests[0].State["article"])
	assert.Equal(t, "2024-01-01T00:00:00Z", syncer.requests[1].State["article"])
	assert.Equal(t, []string{"article", "sale"}, syncer.requests[1].Entities)
}

func TestPipelineStopsAtMaxRounds(t *testing.T) {
	syncer := &scriptedSyncer{responses: []*models.SyncResponse{response(models.State{}, true, 1)}}
	p := NewPipeline(syncer, newRecordingLoader(), &memoryState{state: models.State{}}, tables, logger.Nop())
	p.MaxRounds = 3

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Rounds)
	assert.True(t, stats.HasMore)
}

func TestPipelineDryRunSkipsLoaderAndState(t *testing.T) {
	syncer := &scriptedSyncer{responses: []*models.SyncResponse{response(models.State{"article": "x"}, false, 4)}}
	loader := newRecordingLoader()
	store := &memoryState{state: models.State{}}

	p := NewPipeline(syncer, loader, store, tables, logger.Nop())
	p.DryRun = true
	stats, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Inserted)
	assert.Empty(t, loader.upserts)
	assert.Equal(t, 0, store.saves)
}

func TestPipelineErrorResponseKeepsState(t *testing.T) {
	failed := models.NewSyncResponse(models.State{})
	failed.Error = "authentication: invalid credentials"
	store := &memoryState{state: models.State{"article": "old"}}

	p := NewPipeline(&scriptedSyncer{responses: []*models.SyncResponse{failed}}, newRecordingLoader(), store, tables, logger.Nop())
	_, err := p.Run(context.Background())
	require.EqualError(t, err, "authentication: invalid credentials")
	assert.Equal(t, "old", store.state["article"])
	assert.Equal(t, 0, store.saves)
}

func TestPipelineLoaderFailureKeepsState(t *testing.T) {
	loader := newRecordingLoader()
	loader.err = errors.New("connection reset")
	store := &memoryState{state: models.State{"article": "old"}}
	syncer := &scriptedSyncer{responses: []*models.SyncResponse{response(models.State{"article": "new"}, false, 1)}}

	_, err := NewPipeline(syncer, loader, store, tables, logger.Nop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert article")
	assert.Equal(t, "old", store.state["article"])
}

func TestPipelineUnknownTable(t *testing.T) {
	resp := models.NewSyncResponse(models.State{})
	resp.Insert["mystery"] = []models.Record{{"id": 1}}
	syncer := &scriptedSyncer{responses: []*models.SyncResponse{resp}}

	_, err := NewPipeline(syncer, newRecordingLoader(), &memoryState{}, tables, logger.Nop()).Run(context.Background())
	assert.ErrorContains(t, err, `unknown table "mystery"`)
}

func TestFileStateStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStateStore(path)

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state)

	require.NoError(t, store.Save(context.Background(), models.State{"article": "2024-01-01T00:00:00Z", "sale": "17"}))
	state, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.State{"article": "2024-01-01T00:00:00Z", "sale": "17"}, state)
}
