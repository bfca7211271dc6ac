package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/store"
)

var testSession = &domain.Session{UID: "uid-1", AccessToken: "access-1", RefreshToken: "refresh-1"}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *clock) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New(Options{
		BaseURL:    srv.URL + "/api/",
		AppVersion: "browser-vpn@1.2.3",
		Cache:      store.NewCache(store.NewMemory(), clk.now),
		RetryMax:   1,
	})
	return c, clk
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestIssueCredentials(t *testing.T) {
	t.Parallel()

	c, clk := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/vpn/v1/browser/token", r.URL.Path)
		assert.Equal(t, "1800", r.URL.Query().Get("Duration"))
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		assert.Equal(t, "uid-1", r.Header.Get("x-pm-uid"))
		assert.Equal(t, "browser-vpn@1.2.3", r.Header.Get("x-pm-appversion"))
		writeJSON(w, http.StatusOK, map[string]any{"Code": 1000, "Username": "u", "Password": "p", "Expire": 3600})
	})

	creds, err := c.IssueCredentials(context.Background(), testSession, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "u", creds.Username)
	assert.Equal(t, "p", creds.Password)
	assert.Equal(t, "uid-1", creds.SessionUID)
	assert.Equal(t, clk.t, creds.IssuedAt)
	assert.Equal(t, clk.t.Add(time.Hour), creds.ExpiresAt)
}

func TestAPIErrorClassification(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"Code": 401, "Error": "Invalid access token"})
	})

	_, err := c.VPNInfo(context.Background(), testSession)
	require.Error(t, err)
	assert.True(t, domain.IsInvalidToken(err))
	var ae *domain.APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, RouteVPNInfo, ae.Route)
	assert.Equal(t, "Invalid access token", ae.Message)
}

func TestNonSuccessCodeOn200IsError(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"Code": domain.CodeDeviceLimit, "Error": "too many devices"})
	})

	_, err := c.IssueCredentials(context.Background(), testSession, time.Hour)
	require.Error(t, err)
	assert.True(t, domain.IsBlocking(err))
}

func TestRetryAfterShortCircuitsRoute(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c, clk := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/api/vpn/loads" {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"Code": domain.CodeTooManyRequests, "Error": "slow down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"Code": 1000, "VPN": map[string]any{"MaxTier": 2}})
	})
	ctx := context.Background()

	_, err := c.Loads(ctx, testSession)
	require.True(t, domain.IsRateLimited(err))
	_, err = c.Loads(ctx, testSession)
	require.True(t, domain.IsRateLimited(err))
	assert.Equal(t, int32(1), hits.Load(), "second call must be served from the retry-after cache")

	info, err := c.VPNInfo(ctx, testSession)
	require.NoError(t, err, "other routes are not affected")
	assert.Equal(t, 2, info.Tier)

	clk.t = clk.t.Add(61 * time.Second)
	_, err = c.Loads(ctx, testSession)
	require.Error(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestNeedsUpdateShortCircuitsUntilVersionChanges(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("x-pm-appversion") == "browser-vpn@1.0.0" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"Code": domain.CodeAppVersionOutdated, "Error": "update required"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"Code": 1000, "ProxyPort": 4443})
	}))
	t.Cleanup(srv.Close)
	cache := store.NewCache(store.NewMemory(), nil)
	ctx := context.Background()

	old := New(Options{BaseURL: srv.URL, AppVersion: "browser-vpn@1.0.0", Cache: cache})
	_, err := old.ClientConfig(ctx, testSession)
	require.True(t, domain.IsNeedsUpdate(err))
	_, err = old.VPNInfo(ctx, testSession)
	require.True(t, domain.IsNeedsUpdate(err), "every route short-circuits")
	assert.Equal(t, int32(1), hits.Load())

	upgraded := New(Options{BaseURL: srv.URL, AppVersion: "browser-vpn@1.1.0", Cache: cache})
	cfg, err := upgraded.ClientConfig(ctx, testSession)
	require.NoError(t, err)
	assert.Equal(t, 4443, cfg.ProxyPort)
}

func TestNeedsUpdateHoldsOnDowngrade(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]any{"Code": domain.CodeAppVersionOutdated, "Error": "update required"})
	}))
	t.Cleanup(srv.Close)
	cache := store.NewCache(store.NewMemory(), nil)
	ctx := context.Background()

	current := New(Options{BaseURL: srv.URL, AppVersion: "browser-vpn@1.2.0", Cache: cache})
	_, err := current.ClientConfig(ctx, testSession)
	require.True(t, domain.IsNeedsUpdate(err))

	older := New(Options{BaseURL: srv.URL, AppVersion: "browser-vpn@1.1.0", Cache: cache})
	_, err = older.ClientConfig(ctx, testSession)
	require.True(t, domain.IsNeedsUpdate(err))
	assert.Equal(t, int32(1), hits.Load(), "an older build stays blocked without a request")
}

func TestLogicalsConditionalFetch(t *testing.T) {
	t.Parallel()

	lastModified := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ims := r.Header.Get("If-Modified-Since"); ims != "" {
			since, err := http.ParseTime(ims)
			if err == nil && !since.Before(lastModified) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
		w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
		writeJSON(w, http.StatusOK, map[string]any{
			"Code": 1000,
			"LogicalServers": []map[string]any{
				{"ID": "l1", "Name": "CH#1", "ExitCountry": "CH", "Tier": 0, "Score": 1.5, "Status": 1,
					"Servers": []map[string]any{{"ID": "s1", "Domain": "node-ch-01.example.net", "Status": 1}}},
			},
		})
	})
	ctx := context.Background()

	list, err := c.Logicals(ctx, testSession, time.Time{})
	require.NoError(t, err)
	require.Len(t, list.Logicals, 1)
	assert.Equal(t, "CH#1", list.Logicals[0].Name)
	assert.True(t, list.Logicals[0].IsUp())
	assert.True(t, list.LastModified.Equal(lastModified))

	_, err = c.Logicals(ctx, testSession, list.LastModified)
	assert.ErrorIs(t, err, domain.ErrNotModified)
}

func TestAlternativesAndLoads(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/vpn/v1/logicals/l%2F1/alternatives", "/api/vpn/v1/logicals/l/1/alternatives":
			writeJSON(w, http.StatusOK, map[string]any{"Code": 1000, "LogicalServers": []map[string]any{{"ID": "l2"}}})
		case "/api/vpn/loads":
			writeJSON(w, http.StatusOK, map[string]any{"Code": 1000, "LogicalServers": []map[string]any{{"ID": "l1", "Load": 40, "Score": 2.5, "Status": 1}}})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	alts, err := c.Alternatives(ctx, testSession, "l/1")
	require.NoError(t, err)
	require.Len(t, alts, 1)
	assert.Equal(t, "l2", alts[0].ID)

	loads, err := c.Loads(ctx, testSession)
	require.NoError(t, err)
	require.Len(t, loads, 1)
	assert.Equal(t, 40, loads[0].Load)
}

func TestRefreshSendsRefreshToken(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body refreshRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh-1", body.RefreshToken)
		assert.Equal(t, "refresh_token", body.GrantType)
		assert.Equal(t, "uid-1", r.Header.Get("x-pm-uid"))
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"Code": 1000, "AccessToken": "access-2", "RefreshToken": "refresh-2"})
	})

	pair, err := c.Refresh(context.Background(), "uid-1", "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", pair.AccessToken)
	assert.Equal(t, "refresh-2", pair.RefreshToken)
}

func TestNetworkErrorAfterTransportRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Options{BaseURL: url, RetryMax: 1})
	_, err := c.VPNInfo(context.Background(), testSession)
	require.Error(t, err)
	var ne *domain.NetworkError
	assert.True(t, errors.As(err, &ne))
	assert.True(t, domain.IsRetriable(err))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until, ok := parseRetryAfter("30", now)
	require.True(t, ok)
	assert.Equal(t, now.Add(30*time.Second), until)

	until, ok = parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), until)

	_, ok = parseRetryAfter("", now)
	assert.False(t, ok)
	_, ok = parseRetryAfter("0", now)
	assert.False(t, ok)
}
