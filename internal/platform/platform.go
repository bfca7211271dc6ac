// Package platform abstracts the host's proxy layer: where proxy settings
// are stored, how outgoing requests are routed, and how proxy
// authentication challenges are answered.
package platform

import (
	"context"

	"github.com/koltyakov/proxyvpn/internal/domain"
)

// Mode is the kind of proxy configuration in effect.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeFixed  Mode = "fixed"
)

// ProxyConfig is the proxy setting owned by the controller.
type ProxyConfig struct {
	Mode   Mode               `json:"mode"`
	Server domain.ProxyServer `json:"server"`
	Bypass []string           `json:"bypass,omitempty"`
	// Controlled is false when another party owns the proxy settings.
	Controlled bool `json:"controlled"`
}

// Active reports whether traffic is routed through a proxy server.
func (c ProxyConfig) Active() bool {
	return c.Mode == ModeFixed && c.Server.Host != ""
}

// Request describes an outgoing request before it is routed.
type Request struct {
	ID     string
	Method string
	Host   string
}

// DecisionType tells the proxy layer how to route a request.
type DecisionType string

const (
	DecisionDirect DecisionType = "direct"
	DecisionHTTPS  DecisionType = "https"
	DecisionHTTP   DecisionType = "http"
)

// Decision is the routing of one request.
type Decision struct {
	Type     DecisionType
	Host     string
	Port     int
	Username string
	Password string
}

// Direct is the decision for requests that bypass the proxy.
var Direct = Decision{Type: DecisionDirect}

// AuthAnswer answers a proxy authentication challenge.
type AuthAnswer struct {
	Username string
	Password string
	Cancel   bool
}

// Cancel is the answer that gives up on a challenge.
var Cancel = AuthAnswer{Cancel: true}

// ErrorCode is a request failure reported by the proxy layer.
type ErrorCode string

const (
	CodeNetworkChanged         ErrorCode = "net::ERR_NETWORK_CHANGED"
	CodeConnectionSuspended    ErrorCode = "net::ERR_NETWORK_IO_SUSPENDED"
	CodeTunnelConnectionFailed ErrorCode = "net::ERR_TUNNEL_CONNECTION_FAILED"
	CodeProxyConnectionFailed  ErrorCode = "net::ERR_PROXY_CONNECTION_FAILED"
	CodeProxyAuthFailed        ErrorCode = "net::ERR_PROXY_AUTH_UNSUPPORTED"
)

// Recoverable reports codes that call for a credential retry without
// tearing the connection down.
func (c ErrorCode) Recoverable() bool {
	return c == CodeNetworkChanged || c == CodeConnectionSuspended
}

// ConnectionFailure reports codes that call for a retry and, if that
// fails, a disconnect.
func (c ErrorCode) ConnectionFailure() bool {
	return c == CodeTunnelConnectionFailed || c == CodeProxyConnectionFailed
}

// Hooks are the callbacks the proxy layer invokes. Nil hooks are skipped.
type Hooks struct {
	OnRequest          func(Request) Decision
	OnAuthChallenge    func(ctx context.Context, requestID string) AuthAnswer
	OnRequestCompleted func(requestID string)
	OnRequestError     func(requestID string, code ErrorCode)
}

// Adapter is the host proxy layer. Only the controller writes proxy
// settings.
type Adapter interface {
	ProxyConfig(ctx context.Context) (ProxyConfig, error)
	SetProxyConfig(ctx context.Context, cfg ProxyConfig) error
	ClearProxyConfig(ctx context.Context) error
	SetHooks(h Hooks)
}
