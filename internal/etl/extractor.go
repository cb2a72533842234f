package etl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BartekS5/possync/internal/source"
	"github.com/BartekS5/possync/internal/syncerr"
	"github.com/BartekS5/possync/pkg/logger"
	"github.com/BartekS5/possync/pkg/models"
	"github.com/BartekS5/possync/pkg/utils"
)

// ExtractorConfig bounds pagination and retries.
type ExtractorConfig struct {
	// MaxPages stops pagination regardless of what the API reports.
	MaxPages int
	// MaxRetries for transient failures of a single page request.
	MaxRetries int
	// BaseDelay is the first backoff delay; attempt n waits BaseDelay * 2^n.
	BaseDelay time.Duration
	// Overlap is subtracted from timestamp watermarks to catch late writes.
	Overlap time.Duration
}

// PageObserver is notified of every fetched page, used for metrics.
type PageObserver func(entity string, records int)

// RetryObserver is notified before every backoff wait.
type RetryObserver func(entity string, wait time.Duration)

// Extractor fetches one entity page by page from the source API.
type Extractor struct {
	fetcher  PageFetcher
	tokens   TokenSource
	cfg      ExtractorConfig
	log      *logger.Logger
	observer PageObserver
	retries  RetryObserver
}

// NewExtractor creates an extractor.
func NewExtractor(fetcher PageFetcher, tokens TokenSource, cfg ExtractorConfig, log *logger.Logger) *Extractor {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Extractor{fetcher: fetcher, tokens: tokens, cfg: cfg, log: log}
}

// OnPage registers an observer for fetched pages.
func (e *Extractor) OnPage(fn PageObserver) {
	e.observer = fn
}

// OnRetry registers an observer for backoff waits.
func (e *Extractor) OnRetry(fn RetryObserver) {
	e.retries = fn
}

// Extract starts a lazy page sequence for the entity. The sequence is finite
// and not restartable; call Extract again to start over from page 1.
func (e *Extractor) Extract(entity models.EntityDefinition, since string) *PageIterator {
	return e.ExtractFrom(entity, since, 1)
}

// ExtractFrom starts the sequence at the given page. The page cap counts
// pages fetched by this sequence, not the page number.
func (e *Extractor) ExtractFrom(entity models.EntityDefinition, since string, page int) *PageIterator {
	if page < 1 {
		page = 1
	}
	return &PageIterator{e: e, entity: entity, since: since, next: page}
}

// PageIterator walks the pages of one extraction.
type PageIterator struct {
	e      *Extractor
	entity models.EntityDefinition
	since  string

	next      int
	page      []models.Record
	fetched   int
	done      bool
	truncated bool
	err       error
}

// Next fetches the next page. It returns false when the sequence is exhausted
// or failed; check Err to tell the two apart.
func (it *PageIterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	if it.fetched >= it.e.cfg.MaxPages {
		it.done = true
		it.truncated = true
		it.e.log.Warnf("%s: stopped after %d pages, more data may remain from page %d", it.entity.Name, it.fetched, it.next)
		return false
	}

	records, err := it.e.fetchPage(ctx, it.entity, it.since, it.next)
	if err != nil {
		it.done = true
		it.err = err
		return false
	}

	it.fetched++
	it.next++
	it.page = records
	if it.e.observer != nil {
		it.e.observer(it.entity.Name, len(records))
	}
	if len(records) < it.entity.PageSize {
		it.done = true
	}
	return len(records) > 0
}

// Page returns the records of the current page.
func (it *PageIterator) Page() []models.Record {
	return it.page
}

// Err returns the error that ended the sequence, if any.
func (it *PageIterator) Err() error {
	return it.err
}

// Truncated reports whether the page cap ended the sequence.
func (it *PageIterator) Truncated() bool {
	return it.truncated
}

// NextPage returns the page a truncated sequence would continue from.
func (it *PageIterator) NextPage() int {
	return it.next
}

// Fetched returns the number of page requests that succeeded.
func (it *PageIterator) Fetched() int {
	return it.fetched
}

// Query builds the page request parameters.
func (e *Extractor) Query(entity models.EntityDefinition, since string, page int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pagesize", strconv.Itoa(entity.PageSize))
	if since != "" && entity.Incremental() {
		q.Set(entity.IncrementalField+"_gt", e.applyOverlap(since))
	}
	return q
}

func (e *Extractor) applyOverlap(since string) string {
	if e.cfg.Overlap <= 0 || utils.IsNumeric(since) {
		return since
	}
	t, ok := utils.ParseTime(since)
	if !ok {
		return since
	}
	return utils.FormatWatermark(t.Add(-e.cfg.Overlap))
}

func (e *Extractor) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0
	b.InitialInterval = e.cfg.BaseDelay
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxRetries)), ctx)
}

// fetchPage requests one page, retrying transient failures with exponential
// backoff. A 401 triggers one immediate re-authentication that does not count
// against the retry budget.
func (e *Extractor) fetchPage(ctx context.Context, entity models.EntityDefinition, since string, page int) ([]models.Record, error) {
	query := e.Query(entity, since, page)
	attempt := 0

	op := func() ([]byte, error) {
		attempt++
		body, err := e.getWithReauth(ctx, entity, query)
		switch {
		case err == nil:
			return body, nil
		case syncerr.Is(err, syncerr.KindAuthentication):
			return nil, backoff.Permanent(err)
		case source.IsTransient(err):
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		e.log.Warnf("%s: page %d attempt %d failed (%v), retrying in %s", entity.Name, page, attempt, err, wait)
		if e.retries != nil {
			e.retries(entity.Name, wait)
		}
	}

	body, err := backoff.RetryNotifyWithData(op, e.newBackoff(ctx), notify)
	if err != nil {
		if syncerr.Is(err, syncerr.KindAuthentication) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, syncerr.Wrap(syncerr.KindEntityExtraction, ctxErr, "page %d interrupted", page).ForEntity(entity.Name)
		}
		if source.IsTransient(err) {
			return nil, syncerr.Wrap(syncerr.KindEntityExtraction, err, "page %d failed after %d attempts", page, attempt).ForEntity(entity.Name)
		}
		return nil, syncerr.Wrap(syncerr.KindEntityExtraction, err, "page %d failed", page).ForEntity(entity.Name)
	}

	normalized, err := NormalizePage(body)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindEntityExtraction, err, "page %d", page).ForEntity(entity.Name)
	}
	if len(normalized.Collisions) > 0 {
		e.log.Warnf("%s: page %d dropped nested fields that clash with existing keys: %v", entity.Name, page, normalized.Collisions)
	}
	e.log.Debugf("%s: page %d carried %d records (%s envelope)", entity.Name, page, len(normalized.Records), normalized.Envelope)
	return normalized.Records, nil
}

func (e *Extractor) getWithReauth(ctx context.Context, entity models.EntityDefinition, query url.Values) ([]byte, error) {
	body, err := e.get(ctx, entity, query)
	if err == nil || !source.IsUnauthorized(err) {
		return body, err
	}

	e.log.Infof("%s: token rejected, re-authenticating", entity.Name)
	e.tokens.Invalidate()
	body, err = e.get(ctx, entity, query)
	if err != nil && source.IsUnauthorized(err) {
		return nil, syncerr.Wrap(syncerr.KindAuthentication, err, "token rejected after re-authentication")
	}
	return body, err
}

func (e *Extractor) get(ctx context.Context, entity models.EntityDefinition, query url.Values) ([]byte, error) {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		if syncerr.Is(err, syncerr.KindTransientNetwork) {
			return nil, err
		}
		return nil, syncerr.Wrap(syncerr.KindAuthentication, err, "cannot obtain token")
	}
	return e.fetcher.GetPage(ctx, token, source.JoinURL(e.tokens.BaseURL(), entity.RemotePath), query)
}

// Envelope tags which response shape a page arrived in.
type Envelope int

const (
	EnvelopeList Envelope = iota
	EnvelopeData
	EnvelopeItems
)

func (e Envelope) String() string {
	switch e {
	case EnvelopeData:
		return "data"
	case EnvelopeItems:
		return "items"
	default:
		return "list"
	}
}

// NormalizedPage is a page after envelope unwrapping and flattening.
type NormalizedPage struct {
	Envelope Envelope
	Records  []models.Record
	// Collisions lists flattened keys dropped because a shallower key of the
	// same name was already present.
	Collisions []string
}

var errUnknownEnvelope = errors.New("unrecognized response envelope")

// NormalizePage decodes a response body (bare list, {data: [...]} or
// {items: [...]}) into flat records.
func NormalizePage(body []byte) (NormalizedPage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return NormalizedPage{}, nil
	}

	var raw any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return NormalizedPage{}, fmt.Errorf("decode response: %w", err)
	}

	items, env, err := unwrap(raw)
	if err != nil {
		return NormalizedPage{}, err
	}

	page := NormalizedPage{Envelope: env, Records: make([]models.Record, 0, len(items))}
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return NormalizedPage{}, fmt.Errorf("item %d is %T, expected an object", i, item)
		}
		rec := make(models.Record, len(obj))
		page.Collisions = flatten(rec, "", obj, page.Collisions)
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func unwrap(raw any) ([]any, Envelope, error) {
	switch v := raw.(type) {
	case nil:
		return nil, EnvelopeList, nil
	case []any:
		return v, EnvelopeList, nil
	case map[string]any:
		if data, ok := v["data"]; ok {
			if list, ok := data.([]any); ok || data == nil {
				return list, EnvelopeData, nil
			}
		}
		if items, ok := v["items"]; ok {
			if list, ok := items.([]any); ok || items == nil {
				return list, EnvelopeItems, nil
			}
		}
	}
	return nil, EnvelopeList, errUnknownEnvelope
}

// flatten turns nested objects into parent_child keys and arrays into JSON
// strings so every record value is a scalar. Scalars of a level are written
// before its nested objects, so on a name clash the shallower key wins and
// the dropped key is appended to collisions.
func flatten(dst models.Record, prefix string, obj map[string]any, collisions []string) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var nested []string
	for _, k := range keys {
		if _, ok := obj[k].(map[string]any); ok {
			nested = append(nested, k)
			continue
		}
		key := joinKey(prefix, k)
		if _, taken := dst[key]; taken {
			collisions = append(collisions, key)
			continue
		}
		dst[key] = scalar(obj[k])
	}
	for _, k := range nested {
		collisions = flatten(dst, joinKey(prefix, k), obj[k].(map[string]any), collisions)
	}
	return collisions
}

func joinKey(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "_" + k
}

func scalar(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	return string(encoded)
}
