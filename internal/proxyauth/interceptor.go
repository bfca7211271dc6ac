// Package proxyauth answers proxy authentication challenges with the
// current credentials and reacts to proxy-level request failures.
package proxyauth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koltyakov/proxyvpn/internal/backoff"
	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/log"
	"github.com/koltyakov/proxyvpn/internal/metrics"
	"github.com/koltyakov/proxyvpn/internal/platform"
	"github.com/koltyakov/proxyvpn/internal/timing"
)

const (
	// DefaultMaxTries is the number of challenges answered per request
	// before further ones are cancelled.
	DefaultMaxTries  = 10
	maxChallengeWait = 20 * time.Second

	retryBackoffKey  = "proxy-error"
	retryBackoffBase = 5 * time.Second
	retryTimeout     = 30 * time.Second
)

// Credentials is the credential source used on the challenge path.
type Credentials interface {
	Synchronous() (domain.Credentials, bool)
	Get(ctx context.Context, tryReAuth bool) (domain.Credentials, error)
	Warm()
	Duration() time.Duration
}

// Reconnector re-applies the connection after a proxy-level failure.
type Reconnector interface {
	// RetryCredentials refetches credentials and re-applies the proxy.
	RetryCredentials(ctx context.Context) error
	// Abort tears the connection down after a failed retry.
	Abort(err error)
}

// Options configures [New].
type Options struct {
	Credentials Credentials
	Reconnector Reconnector
	Backoff     *backoff.Backoff
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	MaxTries    int
}

// request is the challenge history of one request id. A new credential
// pair does not reset tries; only completion, error or [Interceptor.Reset]
// forget the request.
type request struct {
	pending  bool
	tries    int
	reauthed bool
}

// Interceptor tracks outstanding challenges by request id.
type Interceptor struct {
	creds     Credentials
	reconnect Reconnector
	backoff   *backoff.Backoff
	log       *slog.Logger
	metrics   *metrics.Metrics
	maxTries  int
	retrying  atomic.Bool

	mu       sync.Mutex
	requests map[string]*request
}

// New returns an Interceptor.
func New(opts Options) *Interceptor {
	i := &Interceptor{
		creds:     opts.Credentials,
		reconnect: opts.Reconnector,
		backoff:   opts.Backoff,
		log:       log.OrDefault(opts.Logger),
		metrics:   opts.Metrics,
		maxTries:  opts.MaxTries,
		requests:  make(map[string]*request),
	}
	if i.maxTries <= 0 {
		i.maxTries = DefaultMaxTries
	}
	return i
}

// Timeout bounds the asynchronous part of answering one challenge.
func (i *Interceptor) Timeout() time.Duration {
	d := i.creds.Duration()
	if d <= 0 || d > maxChallengeWait {
		return maxChallengeWait
	}
	return d
}

// OnChallenge answers a challenge for requestID. A duplicate challenge
// while the first is still being answered, or one past the try budget of
// the request, is cancelled. The first re-challenge of a request forces a
// credential refetch; later ones reuse the current pair.
func (i *Interceptor) OnChallenge(ctx context.Context, requestID string) platform.AuthAnswer {
	i.mu.Lock()
	r := i.requests[requestID]
	if r == nil {
		r = &request{}
		i.requests[requestID] = r
	}
	if r.pending || r.tries >= i.maxTries {
		pending, tries := r.pending, r.tries
		i.mu.Unlock()
		i.log.Debug("proxy auth challenge cancelled", "request_id", requestID, "pending", pending, "tries", tries)
		i.metrics.AuthChallenge("cancelled")
		return platform.Cancel
	}
	rejected := r.tries > 0
	reauth := rejected && !r.reauthed
	if reauth {
		r.reauthed = true
	}
	r.pending = true
	r.tries++
	i.mu.Unlock()

	creds, err := i.resolve(ctx, reauth)

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.requests[requestID] == r {
		r.pending = false
	}
	if err != nil {
		i.log.Warn("no credentials for proxy auth challenge", "request_id", requestID, "err", err)
		i.metrics.AuthChallenge("failed")
		return platform.Cancel
	}
	i.metrics.AuthChallenge("answered")
	return platform.AuthAnswer{Username: creds.Username, Password: creds.Password}
}

// resolve returns credentials without blocking when possible. reauth asks
// for a fresh pair because the last answer was rejected.
func (i *Interceptor) resolve(ctx context.Context, reauth bool) (domain.Credentials, error) {
	if !reauth {
		if c, ok := i.creds.Synchronous(); ok {
			return c, nil
		}
	}
	return timing.TimeoutAfter(ctx, i.Timeout(), "proxy auth challenge", nil, func(ctx context.Context) (domain.Credentials, error) {
		return i.creds.Get(ctx, reauth)
	})
}

// OnCompleted forgets requestID.
func (i *Interceptor) OnCompleted(requestID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.requests, requestID)
}

// OnError clears requestID and, for network changes and proxy connection
// failures, starts the backoff-guarded credential retry. Connection
// failures escalate to [Reconnector.Abort] when the retry fails.
func (i *Interceptor) OnError(requestID string, code platform.ErrorCode) {
	i.mu.Lock()
	delete(i.requests, requestID)
	i.mu.Unlock()

	switch {
	case code.Recoverable():
		go i.retry(code, false)
	case code.ConnectionFailure():
		go i.retry(code, true)
	}
}

func (i *Interceptor) retry(code platform.ErrorCode, escalate bool) {
	if i.reconnect == nil || !i.retrying.CompareAndSwap(false, true) {
		return
	}
	defer i.retrying.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), retryTimeout)
	defer cancel()
	if i.backoff != nil {
		if i.backoff.IsSuspended(ctx, retryBackoffKey) {
			i.log.Debug("proxy error retry suspended", "code", code)
			return
		}
		if _, err := i.backoff.Suspend(ctx, retryBackoffKey, retryBackoffBase); err != nil {
			i.log.Debug("failed to record proxy error backoff", "err", err)
		}
	}

	i.log.Info("retrying credentials after proxy error", "code", code, "escalate", escalate)
	err := i.reconnect.RetryCredentials(ctx)
	if err == nil {
		return
	}
	i.log.Warn("credential retry after proxy error failed", "code", code, "err", err)
	if escalate {
		i.reconnect.Abort(err)
	}
}

// KeepWarm is run for every outgoing request while connected.
func (i *Interceptor) KeepWarm() {
	i.creds.Warm()
}

// Reset forgets all request state; called when the connection changes.
func (i *Interceptor) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	clear(i.requests)
}

// Tries is the number of challenges answered for requestID.
func (i *Interceptor) Tries(requestID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if r := i.requests[requestID]; r != nil {
		return r.tries
	}
	return 0
}
