package connector

import (
	"context"

	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	"github.com/BartekS5/possync/internal/syncerr"
	"github.com/BartekS5/possync/pkg/models"
	"github.com/BartekS5/possync/pkg/utils"
)

// entityResult is the output slot of one entity worker.
type entityResult struct {
	entity     string
	inserts    []models.Record
	deletes    []models.PrimaryKey
	aggregates map[string][]models.Record
	watermark  string
	resume     *models.Resume
	truncated  bool
	err        error
}

// Sync extracts every selected entity and assembles insert/delete/state.
// Entity failures are contained; only authentication and protocol errors
// produce an error response, which echoes the incoming state untouched.
func (c *Connector) Sync(ctx context.Context, req models.SyncRequest) *models.SyncResponse {
	incoming := req.State.Clone()
	fail := func(err error) *models.SyncResponse {
		resp := models.NewSyncResponse(incoming)
		resp.Error = err.Error()
		return resp
	}

	defs, err := c.catalog.Select(req.Entities)
	if err != nil {
		c.log.Warnf("sync rejected: %v", err)
		return fail(err)
	}
	sess, err := c.newSession(models.OperationSync, req.Credentials)
	if err != nil {
		c.log.Warnf("sync rejected: %v", err)
		return fail(err)
	}

	ctx, cancel := c.budget(ctx)
	defer cancel()

	if _, err := sess.tokens.Token(ctx); err != nil {
		sess.log.Errorf("authentication failed: %v", err)
		return fail(syncerr.Wrap(syncerr.KindAuthentication, err, "authentication failed"))
	}

	workers := c.cfg.Sync.Workers
	if workers <= 0 {
		workers = 1
	}
	results := make([]entityResult, len(defs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, def := range defs {
		i, def := i, def
		g.Go(func() error {
			results[i] = c.syncEntity(gctx, sess, def, incoming)
			if err := results[i].err; err != nil && syncerr.IsFatal(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		sess.log.Errorf("sync aborted: %v", err)
		return fail(err)
	}

	resp := models.NewSyncResponse(incoming)
	for _, r := range results {
		if r.err != nil {
			sess.log.Warnf("%s: skipped, watermark stays at %q: %v", r.entity, incoming[r.entity], r.err)
			c.metrics.ObserveFailure(r.entity, r.err)
			continue
		}
		if len(r.inserts) > 0 {
			resp.Insert[r.entity] = r.inserts
		}
		if len(r.deletes) > 0 {
			resp.Delete[r.entity] = r.deletes
		}
		for table, rows := range r.aggregates {
			resp.Insert[table] = rows
		}
		if r.watermark != "" {
			resp.State[r.entity] = r.watermark
		}
		resp.State.SetResume(r.entity, r.resume)
		if r.truncated {
			resp.HasMore = true
			sess.log.Infof("%s: %d upserts, %d deletes, watermark held at %q until page %d is read",
				r.entity, len(r.inserts), len(r.deletes), r.watermark, r.resume.Page)
			continue
		}
		sess.log.Infof("%s: %d upserts, %d deletes, watermark %q", r.entity, len(r.inserts), len(r.deletes), r.watermark)
	}
	return resp
}

func (c *Connector) syncEntity(ctx context.Context, sess *session, def models.EntityDefinition, state models.State) entityResult {
	res := entityResult{entity: def.Name}
	since := state[def.Name]
	resume, resuming := state.Resume(def.Name)
	if err := ctx.Err(); err != nil {
		res.err = syncerr.Wrap(syncerr.KindEntityExtraction, err, "not started within the execution budget").ForEntity(def.Name)
		return res
	}

	start := 1
	if resuming {
		start = resume.Page
		sess.log.Infof("%s: resuming at page %d", def.Name, start)
	}
	it := sess.extractor.ExtractFrom(def, since, start)
	var records []models.Record
	for it.Next(ctx) {
		records = append(records, it.Page()...)
	}
	if err := it.Err(); err != nil {
		res.err = err
		return res
	}
	res.truncated = it.Truncated()

	records = c.withPrimaryKey(sess, def, records)
	valid := sess.registry.ValidateBatch(def.Name, records)
	c.metrics.ObserveRejected(def.Name, len(records)-len(valid))
	valid = dedupe(def, valid)

	// Rows past the cap may carry values below anything read so far, so the
	// watermark only moves once the whole window has been read.
	if res.truncated {
		res.watermark = since
		res.resume = &models.Resume{Page: it.NextPage(), Max: highest(def, resume.Max, valid)}
	} else {
		res.watermark = c.watermark(def, laterOf(since, resume.Max), valid)
	}

	inserts := make([]models.Record, 0, len(valid))
	for _, rec := range valid {
		if isDeleted(def, rec) {
			pk, _ := rec.KeyOf(def.PrimaryKey)
			res.deletes = append(res.deletes, pk)
			continue
		}
		inserts = append(inserts, rec)
	}
	res.inserts = c.enhancer.Enhance(def.Name, inserts)

	for _, agg := range def.Aggregates {
		if rows := c.aggregator.Aggregate(res.inserts, agg); len(rows) > 0 {
			if res.aggregates == nil {
				res.aggregates = make(map[string][]models.Record)
			}
			res.aggregates[agg.Table] = rows
		}
	}
	return res
}

// withPrimaryKey drops records that cannot be upserted.
func (c *Connector) withPrimaryKey(sess *session, def models.EntityDefinition, records []models.Record) []models.Record {
	out := records[:0]
	dropped := 0
	for _, rec := range records {
		if _, ok := rec.KeyOf(def.PrimaryKey); !ok {
			dropped++
			continue
		}
		out = append(out, rec)
	}
	if dropped > 0 {
		sess.log.Warnf("%s: dropped %d records without primary key %v", def.Name, dropped, def.PrimaryKey)
		c.metrics.ObserveRejected(def.Name, dropped)
	}
	return out
}

// dedupe keeps one record per primary key; a later occurrence replaces the
// earlier one in its original position.
func dedupe(def models.EntityDefinition, records []models.Record) []models.Record {
	index := make(map[string]int, len(records))
	out := make([]models.Record, 0, len(records))
	for _, rec := range records {
		pk, _ := rec.KeyOf(def.PrimaryKey)
		fp := pk.Fingerprint(def.PrimaryKey)
		if i, seen := index[fp]; seen {
			out[i] = rec
			continue
		}
		index[fp] = len(out)
		out = append(out, rec)
	}
	return out
}

func isDeleted(def models.EntityDefinition, rec models.Record) bool {
	if def.DeletedField == "" {
		return false
	}
	v, ok := rec[def.DeletedField]
	if !ok || v == nil {
		return false
	}
	deleted, err := cast.ToBoolE(utils.NativeValue(v))
	return err == nil && deleted
}

// watermark returns the outgoing checkpoint. It never moves backwards: an
// empty batch or older records keep the incoming value. Entities without an
// incremental field are stamped with the current time.
func (c *Connector) watermark(def models.EntityDefinition, since string, records []models.Record) string {
	if !def.Incremental() {
		return utils.FormatWatermark(c.clock.Now())
	}
	return highest(def, since, records)
}

// highest returns the largest incremental value of records, or floor.
func highest(def models.EntityDefinition, floor string, records []models.Record) string {
	if !def.Incremental() {
		return floor
	}
	best := floor
	for _, rec := range records {
		if w, ok := utils.WatermarkString(rec[def.IncrementalField]); ok {
			best = laterOf(best, w)
		}
	}
	return best
}

func laterOf(a, b string) string {
	if a == "" || (b != "" && utils.CompareWatermarks(b, a) > 0) {
		return b
	}
	return a
}
