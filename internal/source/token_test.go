package source

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/possync/internal/syncerr"
	"github.com/BartekS5/possync/pkg/logger"
)

const (
	testAuthURL = "https://auth.pos.test"
	testAPIURL  = "https://api.pos.test/v1"
)

func newTestManager(t *testing.T, clock clockwork.Clock) (*TokenManager, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	client := NewClient(ClientConfig{Transport: mt, RateLimit: 1000, RateBurst: 100})
	m := NewTokenManager(AuthConfig{
		AuthURL:      testAuthURL,
		APIURL:       testAPIURL,
		APIKey:       "key",
		Secret:       "secret",
		DefaultTTL:   time.Hour,
		SafetyMargin: time.Minute,
	}, client, clock, logger.Nop())
	return m, mt
}

func TestTokenShapes(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"nested twice", map[string]any{"token": map[string]any{"token": map[string]any{"value": "deep"}}}, "deep"},
		{"nested once", map[string]any{"token": map[string]any{"value": "mid"}}, "mid"},
		{"oauth style", map[string]any{"access_token": "flat"}, "flat"},
		{"priority order", map[string]any{
			"token":        map[string]any{"value": "mid", "token": map[string]any{"value": "deep"}},
			"access_token": "flat",
		}, "deep"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m, mt := newTestManager(t, clockwork.NewFakeClock())
			mt.RegisterResponder(http.MethodPost, testAuthURL+"/token", httpmock.NewJsonResponderOrPanic(200, c.payload))

			token, err := m.Token(context.Background())
			require.NoError(t, err)
			assert.Equal(t, c.want, token)
		})
	}
}

func TestTokenUnrecognizedShape(t *testing.T) {
	m, mt := newTestManager(t, clockwork.NewFakeClock())
	mt.RegisterResponder(http.MethodPost, testAuthURL+"/token", httpmock.NewJsonResponderOrPanic(200, map[string]any{"jwt": "x"}))

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncerr.KindAuthentication, syncerr.KindOf(err))
}

func TestTokenRejectedCredentials(t *testing.T) {
	m, mt := newTestManager(t, clockwork.NewFakeClock())
	mt.RegisterResponder(http.MethodPost, testAuthURL+"/token", httpmock.NewStringResponder(401, `{"error":"bad key"}`))

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsFatal(err))
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, 1, mt.GetTotalCallCount(), "auth failures are not retried internally")
}

func TestTokenServerErrorIsTransient(t *testing.T) {
	m, mt := newTestManager(t, clockwork.NewFakeClock())
	mt.RegisterResponder(http.MethodPost, testAuthURL+"/token", httpmock.NewStringResponder(503, `down`))

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncerr.KindTransientNetwork, syncerr.KindOf(err))
}

func TestTokenCachedUntilExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, mt := newTestManager(t, clock)
	mt.RegisterResponder(http.MethodPost, testAuthURL+"/token", func(req *http.Request) (*http.Response, error) {
		return httpmock.NewJsonResponse(200, map[string]any{"access_token": "t", "expires_in": 600})
	})

	ctx := context.Background()
	_, err := m.Token(ctx)
	require.NoError(t, err)
	_, err = m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mt.GetTotalCallCount())

	// server TTL 600s wins over the 1h default, minus the 60s margin
	clock.Advance(539 * time.Second)
	_, err = m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mt.GetTotalCallCount())

	clock.Advance(2 * time.Second)
	_, err = m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, mt.GetTotalCallCount())
}

func TestTokenDefaultTTLCapsServerTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, mt := newTestManager(t, clock)
	mt.RegisterResponder(http.MethodPost, testAuthURL+"/token",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"access_token": "t", "expires_in": 86400}))

	ctx := context.Background()
	_, err := m.Token(ctx)
	require.NoError(t, err)

	clock.Advance(time.Hour - time.Minute)
	_, err = m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, mt.GetTotalCallCount())
}

func TestTokenInvalidate(t *testing.T) {
	m, mt := newTestManager(t, clockwork.NewFakeClock())
	mt.RegisterResponder(http.MethodPost, testAuthURL+"/token",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"access_token": "t"}))

	ctx := context.Background()
	_, _ = m.Token(ctx)
	m.Invalidate()
	_, _ = m.Token(ctx)
	assert.Equal(t, 2, mt.GetTotalCallCount())
}

func TestTokenBaseURLOverride(t *testing.T) {
	m, mt := newTestManager(t, clockwork.NewFakeClock())
	assert.Equal(t, testAPIURL, m.BaseURL())

	mt.RegisterResponder(http.MethodPost, testAuthURL+"/token", httpmock.NewJsonResponderOrPanic(200, map[string]any{
		"token": map[string]any{"value": "t", "baseUrl": "https://tenant-7.pos.test/v1"},
	}))

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://tenant-7.pos.test/v1", m.BaseURL())
}
