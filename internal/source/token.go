package source

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/BartekS5/possync/internal/syncerr"
	"github.com/BartekS5/possync/pkg/logger"
	"github.com/BartekS5/possync/pkg/utils"
)

// Token payload shapes seen from the auth endpoint, in priority order.
var tokenPaths = [][]string{
	{"token", "token", "value"},
	{"token", "value"},
	{"access_token"},
}

var ttlPaths = [][]string{
	{"expires_in"},
	{"expiresIn"},
	{"token", "expiresIn"},
	{"token", "expires_in"},
}

var baseURLPaths = [][]string{
	{"baseUrl"},
	{"token", "baseUrl"},
	{"base_url"},
}

// AuthConfig configures the token manager.
type AuthConfig struct {
	AuthURL string
	APIURL  string
	APIKey  string
	Secret  string

	// DefaultTTL caps the server TTL and applies when the server sends none.
	DefaultTTL time.Duration

	// SafetyMargin is subtracted from the expiry so a token never runs out
	// in the middle of a request.
	SafetyMargin time.Duration
}

// TokenManager acquires and caches the bearer token of one invocation.
type TokenManager struct {
	cfg    AuthConfig
	client *Client
	clock  clockwork.Clock
	log    *logger.Logger

	mu      sync.Mutex
	token   string
	expiry  time.Time
	baseURL string
}

// NewTokenManager creates a token manager. A nil clock means the real clock.
func NewTokenManager(cfg AuthConfig, client *Client, clock clockwork.Clock, log *logger.Logger) *TokenManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = time.Hour
	}
	return &TokenManager{cfg: cfg, client: client, clock: clock, log: log, baseURL: cfg.APIURL}
}

// Token returns a valid token, authenticating on first use or after expiry.
// Failures are returned as they are; retry policy belongs to the caller.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && m.clock.Now().Before(m.expiry) {
		return m.token, nil
	}
	return m.authenticate(ctx)
}

// Invalidate drops the cached token so the next Token call re-authenticates.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
}

// BaseURL returns the API base URL, honouring a tenant override from the
// auth response.
func (m *TokenManager) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseURL
}

func (m *TokenManager) authenticate(ctx context.Context) (string, error) {
	url := JoinURL(m.cfg.AuthURL, "token")
	body, err := m.client.postJSON(ctx, url, map[string]string{
		"apiKey": m.cfg.APIKey,
		"secret": m.cfg.Secret,
	})
	if err != nil {
		if IsTransient(err) {
			return "", syncerr.Wrap(syncerr.KindTransientNetwork, err, "token endpoint unavailable")
		}
		return "", syncerr.Wrap(syncerr.KindAuthentication, err, "authentication failed")
	}

	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return "", syncerr.Wrap(syncerr.KindAuthentication, err, "token response is not a JSON object")
	}

	token, ok := firstString(payload, tokenPaths)
	if !ok {
		return "", syncerr.New(syncerr.KindAuthentication, "token response has no recognized token field")
	}

	now := m.clock.Now()
	ttl := m.cfg.DefaultTTL
	if raw, ok := firstValue(payload, ttlPaths); ok {
		if secs, ok := utils.ToFloat(raw); ok && secs > 0 {
			if serverTTL := time.Duration(secs * float64(time.Second)); serverTTL < ttl {
				ttl = serverTTL
			}
		}
	}
	m.token = token
	m.expiry = now.Add(ttl - m.cfg.SafetyMargin)

	if override, ok := firstString(payload, baseURLPaths); ok && override != m.baseURL {
		m.log.Infof("Auth response redirects API calls to %s", override)
		m.baseURL = override
	}

	m.log.Debugf("Authenticated against %s, token valid until %s", m.cfg.AuthURL, m.expiry.Format(time.RFC3339))
	return m.token, nil
}

func lookup(payload map[string]any, path []string) (any, bool) {
	var cur any = payload
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func firstValue(payload map[string]any, paths [][]string) (any, bool) {
	for _, p := range paths {
		if v, ok := lookup(payload, p); ok {
			return v, true
		}
	}
	return nil, false
}

func firstString(payload map[string]any, paths [][]string) (string, bool) {
	for _, p := range paths {
		if v, ok := lookup(payload, p); ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
