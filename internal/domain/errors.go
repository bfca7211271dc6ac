package domain

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrNotFound is returned by stores when a key is absent.
	ErrNotFound = errors.New("not found")

	// ErrNotLoggedIn means no valid session is available.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrNoServer means no logical matched the requested choice.
	ErrNoServer = errors.New("no server available")

	// ErrMustLogOut marks failures that invalidate the session.
	ErrMustLogOut = errors.New("session is no longer valid; sign in again")

	// ErrTimeout is matched by every [TimeoutError].
	ErrTimeout = errors.New("operation timed out")

	// ErrTransactionInProgress is returned when a cache transaction is
	// re-entered on the same key before the previous one finished.
	ErrTransactionInProgress = errors.New("transaction already in progress")

	// ErrRetriesExhausted means the credential fetch gave up.
	ErrRetriesExhausted = errors.New("credential retries exhausted")

	// ErrProxyApply means the platform refused the proxy configuration.
	ErrProxyApply = errors.New("failed to apply proxy configuration")

	// ErrProxyOverridden means another application took over proxy settings.
	ErrProxyOverridden = errors.New("proxy settings are controlled by another application")

	// ErrNotModified is returned by conditional fetches when nothing changed.
	ErrNotModified = errors.New("not modified")

	// ErrConnectTimeout means the connection was not confirmed in time.
	ErrConnectTimeout = errors.New("connection attempt timed out")
)

// Well-known API response codes.
const (
	CodeSuccess      = 1000
	CodeMultiSuccess = 1001

	CodeInvalidAccessToken  = 401
	CodeInvalidRefreshToken = 10013
	CodeRevokedRefreshToken = 10004
	CodeAppVersionBad       = 5003
	CodeAppVersionOutdated  = 5005
	CodeDeviceLimit         = 86114
	CodeNeedsUpgrade        = 86151
	CodeTooManyRequests     = 85131
	CodeServiceUnavailable  = 503
)

// Kind groups errors by how the controller reacts to them.
type Kind int

const (
	KindGeneric Kind = iota
	KindNetwork
	KindAPI
	KindRefresh
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAPI:
		return "api"
	case KindRefresh:
		return "refresh"
	case KindTimeout:
		return "timeout"
	default:
		return "generic"
	}
}

// APIError is a structured failure returned by the REST API.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
	Details    map[string]any
	RetryAfter time.Time
	Route      string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	if e.Route != "" {
		return fmt.Sprintf("%s: %s (http %d, code %d)", e.Route, msg, e.HTTPStatus, e.Code)
	}
	return fmt.Sprintf("%s (http %d, code %d)", msg, e.HTTPStatus, e.Code)
}

// ID identifies the error for user-facing deduplication.
func (e *APIError) ID() string {
	return fmt.Sprintf("api-%d-%d", e.HTTPStatus, e.Code)
}

// NetworkError wraps transport-level failures (dial, DNS, TLS).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RefreshTokenError means the refresh token was rejected. It always matches
// [ErrMustLogOut].
type RefreshTokenError struct {
	Err error
}

func (e *RefreshTokenError) Error() string {
	return fmt.Sprintf("refresh token rejected: %v", e.Err)
}

func (e *RefreshTokenError) Unwrap() error {
	return e.Err
}

func (e *RefreshTokenError) Is(target error) bool {
	return target == ErrMustLogOut
}

// TimeoutError is produced by bounded waits.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindGeneric
	}
	var rte *RefreshTokenError
	if errors.As(err, &rte) {
		return KindRefresh
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return KindTimeout
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return KindAPI
	}
	if IsNetworkError(err) {
		return KindNetwork
	}
	return KindGeneric
}

// IsNetworkError reports whether err is a transport failure, either by type
// or, for errors that lost their type, by message.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "networkerror") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "tls handshake")
}

func asAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsUnauthorized reports an HTTP 401.
func IsUnauthorized(err error) bool {
	ae, ok := asAPIError(err)
	return ok && ae.HTTPStatus == 401
}

// IsInvalidToken reports a 401 whose code asks for an access-token refresh.
func IsInvalidToken(err error) bool {
	ae, ok := asAPIError(err)
	return ok && IsUnauthorized(err) && ae.Code == CodeInvalidAccessToken
}

// IsInvalidRefreshToken reports a terminal refresh failure.
func IsInvalidRefreshToken(err error) bool {
	ae, ok := asAPIError(err)
	if !ok {
		return false
	}
	return ae.Code == CodeInvalidRefreshToken || ae.Code == CodeRevokedRefreshToken
}

// IsForbidden reports an HTTP 403.
func IsForbidden(err error) bool {
	ae, ok := asAPIError(err)
	return ok && ae.HTTPStatus == 403
}

// IsRateLimited reports HTTP 429/503 backpressure.
func IsRateLimited(err error) bool {
	ae, ok := asAPIError(err)
	return ok && (ae.HTTPStatus == 429 || ae.HTTPStatus == 503)
}

// IsNeedsUpdate reports that the app version is no longer accepted.
func IsNeedsUpdate(err error) bool {
	ae, ok := asAPIError(err)
	return ok && (ae.Code == CodeAppVersionBad || ae.Code == CodeAppVersionOutdated)
}

// IsBlocking reports errors that replace the primary action in the UI
// (device limit, plan upgrade, forced update) and must not be retried.
func IsBlocking(err error) bool {
	ae, ok := asAPIError(err)
	if !ok {
		return false
	}
	switch ae.Code {
	case CodeDeviceLimit, CodeNeedsUpgrade, CodeAppVersionBad, CodeAppVersionOutdated:
		return true
	}
	return false
}

// IsRetriable reports transient failures worth retrying.
func IsRetriable(err error) bool {
	if err == nil || IsBlocking(err) || errors.Is(err, ErrMustLogOut) {
		return false
	}
	if IsRateLimited(err) || IsNetworkError(err) || errors.Is(err, ErrTimeout) {
		return true
	}
	ae, ok := asAPIError(err)
	return ok && ae.HTTPStatus >= 500
}

// errorSlugs names the sentinels that key [ErrorID], most specific first.
var errorSlugs = []struct {
	err  error
	slug string
}{
	{ErrRetriesExhausted, "retries-exhausted"},
	{ErrProxyOverridden, "proxy-overridden"},
	{ErrProxyApply, "proxy-apply"},
	{ErrConnectTimeout, "connect-timeout"},
	{ErrNoServer, "no-server"},
	{ErrNotLoggedIn, "not-logged-in"},
	{ErrMustLogOut, "must-log-out"},
	{ErrTimeout, "timed-out"},
}

// ErrorID returns a stable identifier used to deduplicate user-facing
// errors. API errors are keyed by status and code; anything else by kind
// and the first matching sentinel, so varying detail in the message does
// not change the id.
func ErrorID(err error) string {
	if err == nil {
		return ""
	}
	if ae, ok := asAPIError(err); ok {
		return ae.ID()
	}
	kind := KindOf(err)
	for _, s := range errorSlugs {
		if !errors.Is(err, s.err) {
			continue
		}
		if kind == KindGeneric {
			return s.slug
		}
		return kind.String() + "-" + s.slug
	}
	return kind.String()
}
