package connector

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/BartekS5/possync/internal/etl"
	"github.com/BartekS5/possync/internal/syncerr"
	"github.com/BartekS5/possync/pkg/models"
)

// Test authenticates and reads a single record of the first selected entity.
// It reports failures in the response and never touches state.
func (c *Connector) Test(ctx context.Context, req models.SyncRequest) *models.TestResponse {
	defs, err := c.catalog.Select(req.Entities)
	if err != nil {
		return &models.TestResponse{Message: describe(err)}
	}
	if len(defs) == 0 {
		return &models.TestResponse{Message: "catalog has no entities"}
	}
	sess, err := c.newSession(models.OperationTest, req.Credentials)
	if err != nil {
		return &models.TestResponse{Message: describe(err)}
	}

	ctx, cancel := c.budget(ctx)
	defer cancel()

	if _, err := sess.tokens.Token(ctx); err != nil {
		sess.log.Warnf("connection test failed: %v", err)
		return &models.TestResponse{Message: "authentication failed: " + describe(err)}
	}

	target := defs[0]
	target.PageSize = 1
	it := sess.extractor.Extract(target, "")
	it.Next(ctx)
	if err := it.Err(); err != nil {
		sess.log.Warnf("connection test failed: %v", err)
		return &models.TestResponse{Message: fmt.Sprintf("cannot read %s: %s", target.Name, describe(err))}
	}
	return &models.TestResponse{
		Success: true,
		Message: fmt.Sprintf("connected to %s, read %d %s record(s)", sess.tokens.BaseURL(), len(it.Page()), target.Name),
	}
}

type schemaResult struct {
	def     models.EntityDefinition
	schema  etl.Schema
	sample  []models.Record
	created bool
	err     error
}

// Schema samples every selected entity, infers a schema where none is
// registered and returns the destination tables. Entities whose sample cannot
// be fetched are left out; authentication failures fail the call.
func (c *Connector) Schema(ctx context.Context, req models.SyncRequest) *models.SchemaResponse {
	fail := func(err error) *models.SchemaResponse {
		return &models.SchemaResponse{Schema: map[string]models.TableSchema{}, Error: err.Error()}
	}

	defs, err := c.catalog.Select(req.Entities)
	if err != nil {
		return fail(err)
	}
	sess, err := c.newSession(models.OperationSchema, req.Credentials)
	if err != nil {
		return fail(err)
	}

	ctx, cancel := c.budget(ctx)
	defer cancel()

	if _, err := sess.tokens.Token(ctx); err != nil {
		sess.log.Errorf("authentication failed: %v", err)
		return fail(syncerr.Wrap(syncerr.KindAuthentication, err, "authentication failed"))
	}

	results := make([]schemaResult, len(defs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.cfg.Sync.Workers, 1))
	for i, def := range defs {
		i, def := i, def
		g.Go(func() error {
			results[i] = c.sampleSchema(gctx, sess, def)
			if err := results[i].err; err != nil && syncerr.IsFatal(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	resp := &models.SchemaResponse{Schema: make(map[string]models.TableSchema)}
	created := false
	for _, r := range results {
		if r.err != nil {
			sess.log.Warnf("%s: omitted from schema: %v", r.def.Name, r.err)
			c.metrics.ObserveFailure(r.def.Name, r.err)
			continue
		}
		created = created || r.created
		resp.Schema[r.def.Name] = models.TableSchema{
			PrimaryKey: r.def.PrimaryKey,
			Columns:    c.columns(sess, r.def, r.schema, r.sample),
		}
		for _, agg := range r.def.Aggregates {
			resp.Schema[agg.Table] = models.TableSchema{
				PrimaryKey:  []string{agg.KeyColumn()},
				Columns:     etl.Columns(agg),
				Description: etl.Description(agg),
			}
		}
	}

	if created && sess.persist && c.cfg.Sync.SchemaDir != "" {
		if err := sess.registry.Save(c.cfg.Sync.SchemaDir); err != nil {
			sess.log.Warnf("cannot persist schemas to %s: %v", c.cfg.Sync.SchemaDir, err)
		}
	}
	return resp
}

func (c *Connector) sampleSchema(ctx context.Context, sess *session, def models.EntityDefinition) schemaResult {
	res := schemaResult{def: def}

	target := def
	target.PageSize = max(c.cfg.Sync.SampleSize, 1)
	it := sess.extractor.Extract(target, "")
	it.Next(ctx)
	if err := it.Err(); err != nil {
		res.err = err
		return res
	}
	res.sample = it.Page()

	if s, ok := sess.registry.Lookup(def.Name); ok {
		res.schema = s
		return res
	}
	if len(res.sample) == 0 {
		res.err = syncerr.New(syncerr.KindEntityExtraction, "no sample records to infer a schema from").ForEntity(def.Name)
		return res
	}
	res.schema = sess.registry.InferSchema(def.Name, res.sample)
	if err := sess.registry.Register(def.Name, res.schema); err != nil {
		res.err = err
		return res
	}
	res.created = true
	return res
}

// columns maps schema properties to column types and adds the fields the
// enhancer derives for this entity.
func (c *Connector) columns(sess *session, def models.EntityDefinition, s etl.Schema, sample []models.Record) map[string]string {
	cols := make(map[string]string, len(s.Properties))
	for name, prop := range s.Properties {
		cols[name] = columnType(prop)
	}

	if len(sample) > 0 {
		enhanced := make([]models.Record, len(sample))
		for i, rec := range sample {
			enhanced[i] = rec.Clone()
		}
		c.enhancer.Enhance(def.Name, enhanced)
		derived := sess.registry.InferSchema(def.Name, enhanced)
		for name, prop := range derived.Properties {
			if _, ok := cols[name]; !ok {
				cols[name] = columnType(prop)
			}
		}
	}

	for _, pk := range def.PrimaryKey {
		if _, ok := cols[pk]; !ok {
			cols[pk] = "string"
		}
	}
	return cols
}

func columnType(p etl.Property) string {
	if p.Format == "date-time" {
		return "timestamp"
	}
	switch t := p.Type.Primary(); t {
	case "number", "integer", "boolean", "string":
		return t
	}
	return "string"
}
