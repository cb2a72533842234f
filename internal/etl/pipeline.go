package etl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BartekS5/possync/pkg/logger"
	"github.com/BartekS5/possync/pkg/models"
)

// TableResolver returns the primary key of a destination table.
type TableResolver func(table string) ([]string, bool)

// Pipeline drives repeated sync calls against a sink, the way the warehouse
// scheduler would, persisting state after every applied response.
type Pipeline struct {
	Syncer    Syncer
	Loader    Loader
	State     StateStore
	Tables    TableResolver
	Entities  []string
	DryRun    bool
	MaxRounds int
	log       *logger.Logger
}

// Stats summarizes a pipeline run.
type Stats struct {
	Rounds   int
	Inserted int
	Deleted  int
	HasMore  bool
}

func NewPipeline(syncer Syncer, loader Loader, state StateStore, tables TableResolver, log *logger.Logger) *Pipeline {
	return &Pipeline{
		Syncer:    syncer,
		Loader:    loader,
		State:     state,
		Tables:    tables,
		MaxRounds: 10,
		log:       log,
	}
}

func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	state, err := p.State.Load(ctx)
	if err != nil {
		return stats, fmt.Errorf("load state: %w", err)
	}
	p.log.Infof("Starting pipeline. Entities: %v, DryRun: %v, State: %v", p.Entities, p.DryRun, state)

	startTime := time.Now()
	for stats.Rounds < p.MaxRounds {
		req := models.SyncRequest{
			Operation: models.OperationSync,
			State:     state,
			Entities:  p.Entities,
		}
		resp := p.Syncer.Sync(ctx, req)
		stats.Rounds++
		if resp.Error != "" {
			return stats, errors.New(resp.Error)
		}

		inserted, deleted := countRows(resp)
		if p.DryRun {
			p.log.Infof("[DRY RUN] Would upsert %d rows and delete %d keys", inserted, deleted)
		} else {
			if err := p.apply(ctx, resp); err != nil {
				return stats, err
			}
			if err := p.State.Save(ctx, resp.State); err != nil {
				return stats, fmt.Errorf("save state: %w", err)
			}
		}

		stats.Inserted += inserted
		stats.Deleted += deleted
		stats.HasMore = resp.HasMore
		state = resp.State

		duration := time.Since(startTime)
		rate := 0.0
		if duration.Seconds() > 0 {
			rate = float64(stats.Inserted) / duration.Seconds()
		}
		p.log.Infof("Round %d done. Total: %d. Rate: %.2f rows/sec. HasMore: %v", stats.Rounds, stats.Inserted, rate, resp.HasMore)

		if !resp.HasMore {
			break
		}
	}
	if stats.HasMore {
		p.log.Warnf("Stopped after %d rounds with more data pending", stats.Rounds)
	}
	p.log.Infof("Pipeline finished successfully.")
	return stats, nil
}

func (p *Pipeline) apply(ctx context.Context, resp *models.SyncResponse) error {
	for _, table := range sortedKeys(resp.Insert) {
		pk, ok := p.Tables(table)
		if !ok {
			return fmt.Errorf("unknown table %q in response", table)
		}
		if err := p.Loader.Upsert(ctx, table, pk, resp.Insert[table]); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	for _, table := range sortedKeys(resp.Delete) {
		pk, ok := p.Tables(table)
		if !ok {
			return fmt.Errorf("unknown table %q in response", table)
		}
		if err := p.Loader.Delete(ctx, table, pk, resp.Delete[table]); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

func countRows(resp *models.SyncResponse) (inserted, deleted int) {
	for _, rows := range resp.Insert {
		inserted += len(rows)
	}
	for _, keys := range resp.Delete {
		deleted += len(keys)
	}
	return inserted, deleted
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
