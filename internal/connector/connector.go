// Package connector implements the protocol operations (test, schema, sync)
// on top of the source client, extractor and record pipeline.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/BartekS5/possync/internal/catalog"
	"github.com/BartekS5/possync/internal/config"
	"github.com/BartekS5/possync/internal/etl"
	"github.com/BartekS5/possync/internal/metrics"
	"github.com/BartekS5/possync/internal/source"
	"github.com/BartekS5/possync/internal/syncerr"
	"github.com/BartekS5/possync/pkg/logger"
	"github.com/BartekS5/possync/pkg/models"
)

// Options carries the collaborators of a Connector. Zero fields get defaults.
type Options struct {
	Catalog  *catalog.Catalog
	Registry *etl.SchemaRegistry
	Clock    clockwork.Clock
	Metrics  *metrics.Metrics
	Logger   *logger.Logger

	// Transport replaces the HTTP transport of every source client.
	Transport http.RoundTripper
}

// Connector serves protocol requests. It holds configuration only; every
// invocation builds its own token manager and extractor.
type Connector struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	// registry belongs to the configured tenant and is the one persisted to
	// the schema directory. Requests naming another tenant get their own.
	registry   *etl.SchemaRegistry
	tenantsMu  sync.Mutex
	tenants    map[string]*etl.SchemaRegistry
	enhancer   *etl.Enhancer
	aggregator *etl.Aggregator
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	log        *logger.Logger
	transport  http.RoundTripper
}

func New(cfg *config.Config, opts Options) *Connector {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = etl.NewSchemaRegistry(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Connector{
		cfg:        cfg,
		catalog:    opts.Catalog,
		registry:   opts.Registry,
		tenants:    make(map[string]*etl.SchemaRegistry),
		enhancer:   etl.NewEnhancer(opts.Clock),
		aggregator: etl.NewAggregator(opts.Logger),
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		transport:  opts.Transport,
	}
}

// FromConfig builds a connector with the catalog and persisted schemas the
// configuration points at. Catalog and Registry in opts are replaced.
func FromConfig(cfg *config.Config, opts Options) (*Connector, error) {
	cat, err := BuildCatalog(cfg)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	registry := etl.NewSchemaRegistry(opts.Logger)
	if cfg.Sync.SchemaDir != "" {
		if err := registry.LoadDir(cfg.Sync.SchemaDir); err != nil {
			return nil, err
		}
	}
	opts.Catalog = cat
	opts.Registry = registry
	return New(cfg, opts), nil
}

// BuildCatalog applies the catalog file and page-size overrides to the
// built-in entities.
func BuildCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	cat := catalog.Default()
	if cfg.Sync.CatalogFile != "" {
		var err error
		if cat, err = cat.LoadFile(cfg.Sync.CatalogFile); err != nil {
			return nil, err
		}
	}
	if len(cfg.Sync.PageSizes) > 0 {
		return cat.WithPageSizes(cfg.Sync.PageSizes)
	}
	return cat, nil
}

func (c *Connector) Catalog() *catalog.Catalog {
	return c.catalog
}

// Handle decodes a raw protocol request and dispatches it. The result is
// always a JSON-encodable response, never an error.
func (c *Connector) Handle(ctx context.Context, raw []byte) any {
	var req models.SyncRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		c.log.Warnf("malformed request: %v", err)
		return &models.ErrorResponse{Error: syncerr.Wrap(syncerr.KindProtocol, err, "malformed request").Error()}
	}
	return c.Dispatch(ctx, req)
}

// Dispatch runs the operation named by the request.
func (c *Connector) Dispatch(ctx context.Context, req models.SyncRequest) any {
	start := time.Now()
	switch req.Operation {
	case models.OperationTest:
		resp := c.Test(ctx, req)
		c.metrics.ObserveOperation(string(req.Operation), resp.Success, time.Since(start))
		return resp
	case models.OperationSchema:
		resp := c.Schema(ctx, req)
		c.metrics.ObserveOperation(string(req.Operation), resp.Error == "", time.Since(start))
		return resp
	case models.OperationSync:
		resp := c.Sync(ctx, req)
		c.metrics.ObserveOperation(string(req.Operation), resp.Error == "", time.Since(start))
		return resp
	}
	err := syncerr.New(syncerr.KindProtocol, "unknown operation %q", req.Operation)
	c.log.Warnf("%v", err)
	return &models.ErrorResponse{Error: err.Error()}
}

// session is the per-invocation wiring: one client, one token manager.
type session struct {
	id        string
	log       *logger.Logger
	tokens    *source.TokenManager
	extractor *etl.Extractor
	registry  *etl.SchemaRegistry
	// persist is set when registry may be written to the schema directory.
	persist bool
}

func (c *Connector) newSession(op models.Operation, creds models.Credentials) (*session, error) {
	creds = creds.Merge(c.cfg.Credentials())
	if !creds.Complete() {
		return nil, syncerr.New(syncerr.KindProtocol, "incomplete credentials: apiKey, secret, authUrl and apiUrl are required")
	}

	id := uuid.NewString()
	log := c.log.With("invocation", id, "operation", string(op))
	src := c.cfg.Source
	client := source.NewClient(source.ClientConfig{
		Timeout:   src.RequestTimeout,
		RateLimit: src.RateLimit,
		RateBurst: src.RateBurst,
		Transport: c.transport,
	})
	tokens := source.NewTokenManager(source.AuthConfig{
		AuthURL:      creds.AuthURL,
		APIURL:       creds.APIURL,
		APIKey:       creds.APIKey,
		Secret:       creds.Secret,
		DefaultTTL:   src.TokenTTL,
		SafetyMargin: src.TokenSafetyMargin,
	}, client, c.clock, log)
	extractor := etl.NewExtractor(client, tokens, etl.ExtractorConfig{
		MaxPages:   c.cfg.Sync.MaxPages,
		MaxRetries: c.cfg.Sync.MaxRetries,
		BaseDelay:  c.cfg.Sync.RetryBaseDelay,
		Overlap:    c.cfg.Sync.WatermarkOverlap,
	}, log)
	extractor.OnPage(c.metrics.ObservePage)
	extractor.OnRetry(c.metrics.ObserveRetry)

	sess := &session{id: id, log: log, tokens: tokens, extractor: extractor}
	sess.registry, sess.persist = c.registryFor(creds)
	return sess, nil
}

// registryFor returns the schema registry of the tenant the credentials
// address, identified by API URL and key.
func (c *Connector) registryFor(creds models.Credentials) (*etl.SchemaRegistry, bool) {
	home := c.cfg.Credentials()
	if creds.APIURL == home.APIURL && creds.APIKey == home.APIKey {
		return c.registry, true
	}

	key := creds.APIURL + "\x00" + creds.APIKey
	c.tenantsMu.Lock()
	defer c.tenantsMu.Unlock()
	r, ok := c.tenants[key]
	if !ok {
		r = etl.NewSchemaRegistry(c.log)
		c.tenants[key] = r
	}
	return r, false
}

// budget bounds one invocation by the configured execution budget.
func (c *Connector) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Sync.ExecutionBudget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Sync.ExecutionBudget)
}

func describe(err error) string {
	return fmt.Sprintf("%s: %v", syncerr.KindOf(err), err)
}
