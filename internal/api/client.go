// Package api is the client of the VPN directory and account REST API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/log"
	"github.com/koltyakov/proxyvpn/internal/metrics"
	"github.com/koltyakov/proxyvpn/internal/store"
	"github.com/koltyakov/proxyvpn/internal/versionutil"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultRetryMax = 2
)

// Options configures [New].
type Options struct {
	BaseURL    string
	AppVersion string
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	RetryMax   int
	// Cache persists Retry-After windows and the needs-update marker.
	Cache   *store.Cache
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Transport replaces the base transport under the retrying layer.
	Transport http.RoundTripper
}

// Client issues REST calls. HTTP statuses and API codes are classified into
// [domain.APIError]; transport failures become [domain.NetworkError] after
// the retrying transport gave up.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	cache   *store.Cache
	version string
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New builds a client over resty with a retryablehttp transport.
func New(opts Options) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	if rc.RetryMax <= 0 {
		rc.RetryMax = defaultRetryMax
	}
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.CheckRetry = retryTransportErrors
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.Transport != nil {
		rc.HTTPClient.Transport = opts.Transport
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.Burst, 1))
	}
	cache := opts.Cache
	if cache == nil {
		cache = store.NewCache(store.NewMemory(), nil)
	}

	r := resty.New().
		SetTransport(rc.StandardClient().Transport).
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("x-pm-appversion", opts.AppVersion)

	return &Client{
		http:    r,
		limiter: limiter,
		cache:   cache,
		version: opts.AppVersion,
		log:     log.OrDefault(opts.Logger),
		metrics: opts.Metrics,
	}
}

// retryTransportErrors retries only when no response was received.
func retryTransportErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type envelope struct {
	Code    int            `json:"Code"`
	Error   string         `json:"Error"`
	Details map[string]any `json:"Details"`
}

type call struct {
	route   string
	method  string
	path    string
	session *domain.Session
	query   map[string]string
	header  map[string]string
	body    any
}

type cachedError struct {
	Until      time.Time `json:"until,omitempty"`
	Version    string    `json:"version,omitempty"`
	HTTPStatus int       `json:"httpStatus"`
	Code       int       `json:"code"`
	Message    string    `json:"message"`
	Route      string    `json:"route"`
}

func (e cachedError) err() *domain.APIError {
	return &domain.APIError{HTTPStatus: e.HTTPStatus, Code: e.Code, Message: e.Message, RetryAfter: e.Until, Route: e.Route}
}

func fromAPIError(ae *domain.APIError) cachedError {
	return cachedError{Until: ae.RetryAfter, HTTPStatus: ae.HTTPStatus, Code: ae.Code, Message: ae.Message, Route: ae.Route}
}

// short returns the cached error that blocks c, if any. The needs-update
// marker holds until the client is upgraded past the rejected version.
func (c *Client) short(ctx context.Context, route string) error {
	var nu cachedError
	if _, err := c.cache.Load(ctx, store.KeyNeedsUpdate, &nu); err == nil {
		if !versionutil.Upgraded(nu.Version, c.version) {
			return nu.err()
		}
		c.log.Info("app version upgraded; clearing needs-update", "from", nu.Version, "to", c.version)
		_ = c.cache.Remove(ctx, store.KeyNeedsUpdate)
	}
	var ra cachedError
	if _, err := c.cache.Load(ctx, store.KeyRetryAfterPrefix+route, &ra); err == nil {
		if c.cache.Now().Before(ra.Until) {
			return ra.err()
		}
		_ = c.cache.Remove(ctx, store.KeyRetryAfterPrefix+route)
	}
	return nil
}

func (c *Client) do(ctx context.Context, cl call, out any) (*resty.Response, error) {
	if err := c.short(ctx, cl.route); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx).SetQueryParams(cl.query).SetHeaders(cl.header)
	if cl.session != nil {
		req.SetHeader("x-pm-uid", cl.session.UID).SetAuthToken(cl.session.AccessToken)
	}
	if cl.body != nil {
		req.SetBody(cl.body)
	}
	resp, err := req.Execute(cl.method, cl.path)
	if err != nil {
		c.metrics.APIRequest(cl.route, "error")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.NetworkError{Op: cl.route, Err: err}
	}
	c.metrics.APIRequest(cl.route, statusClass(resp.StatusCode()))

	if resp.StatusCode() == http.StatusNotModified {
		return resp, domain.ErrNotModified
	}

	var env envelope
	decodeErr := json.Unmarshal(resp.Body(), &env)
	if !resp.IsSuccess() || (decodeErr == nil && env.Code != 0 && env.Code != domain.CodeSuccess && env.Code != domain.CodeMultiSuccess) {
		return resp, c.fail(ctx, cl.route, resp, env)
	}
	if decodeErr != nil {
		return resp, fmt.Errorf("%s: decode response: %w", cl.route, decodeErr)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return resp, fmt.Errorf("%s: decode response: %w", cl.route, err)
		}
	}
	return resp, nil
}

func (c *Client) fail(ctx context.Context, route string, resp *resty.Response, env envelope) error {
	ae := &domain.APIError{
		HTTPStatus: resp.StatusCode(),
		Code:       env.Code,
		Message:    env.Error,
		Details:    env.Details,
		Route:      route,
	}
	if ae.Message == "" {
		ae.Message = http.StatusText(ae.HTTPStatus)
	}
	if domain.IsRateLimited(ae) {
		if until, ok := parseRetryAfter(resp.Header().Get("Retry-After"), c.cache.Now()); ok {
			ae.RetryAfter = until
			if err := c.cache.Save(ctx, store.KeyRetryAfterPrefix+route, fromAPIError(ae)); err != nil {
				c.log.Warn("failed to persist retry-after", "route", route, "err", err)
			}
		}
	}
	if domain.IsNeedsUpdate(ae) {
		nu := fromAPIError(ae)
		nu.Version = c.version
		if err := c.cache.Save(ctx, store.KeyNeedsUpdate, nu); err != nil {
			c.log.Warn("failed to persist needs-update", "err", err)
		}
	}
	return ae
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return time.Time{}, false
		}
		return now.Add(time.Duration(secs) * time.Second), true
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t, true
	}
	return time.Time{}, false
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
