package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/koltyakov/proxyvpn/internal/domain"
)

// Route names used for Retry-After bookkeeping and metrics.
const (
	RouteToken        = "vpn/v1/browser/token"
	RouteLogicals     = "vpn/v1/logicals"
	RouteLoads        = "vpn/loads"
	RouteAlternatives = "vpn/v1/logicals/alternatives"
	RouteRefresh      = "auth/refresh"
	RouteVPNInfo      = "vpn/v2"
	RouteClientConfig = "vpn/v2/clientconfig"
)

type tokenResponse struct {
	Username string `json:"Username"`
	Password string `json:"Password"`
	Expire   int64  `json:"Expire"`
}

// IssueCredentials requests a proxy token pair valid for duration. The
// returned expiry is anchored on the local clock at response time.
func (c *Client) IssueCredentials(ctx context.Context, sess *domain.Session, duration time.Duration) (domain.Credentials, error) {
	var out tokenResponse
	_, err := c.do(ctx, call{
		route:   RouteToken,
		method:  http.MethodPost,
		path:    RouteToken,
		session: sess,
		query:   map[string]string{"Duration": strconv.Itoa(int(duration / time.Second))},
	}, &out)
	if err != nil {
		return domain.Credentials{}, err
	}
	expire := out.Expire
	if expire <= 0 {
		expire = int64(duration / time.Second)
	}
	issued := c.cache.Now()
	return domain.Credentials{
		Username:   out.Username,
		Password:   out.Password,
		Expire:     expire,
		SessionUID: sess.UID,
		IssuedAt:   issued,
		ExpiresAt:  issued.Add(time.Duration(expire) * time.Second),
	}, nil
}

type logicalsResponse struct {
	LogicalServers []domain.Logical `json:"LogicalServers"`
}

// Logicals fetches the full directory. A non-zero since makes the request
// conditional and yields [domain.ErrNotModified] when nothing changed.
func (c *Client) Logicals(ctx context.Context, sess *domain.Session, since time.Time) (domain.LogicalList, error) {
	header := map[string]string{}
	if !since.IsZero() {
		header["If-Modified-Since"] = since.UTC().Format(http.TimeFormat)
	}
	var out logicalsResponse
	resp, err := c.do(ctx, call{
		route:   RouteLogicals,
		method:  http.MethodGet,
		path:    RouteLogicals,
		session: sess,
		header:  header,
	}, &out)
	if err != nil {
		return domain.LogicalList{}, err
	}
	list := domain.LogicalList{Logicals: out.LogicalServers, LastModified: c.cache.Now()}
	if lm, perr := http.ParseTime(resp.Header().Get("Last-Modified")); perr == nil {
		list.LastModified = lm
	}
	return list, nil
}

type loadsResponse struct {
	LogicalServers []domain.LogicalLoad `json:"LogicalServers"`
}

// Loads fetches load, score and status for every logical.
func (c *Client) Loads(ctx context.Context, sess *domain.Session) ([]domain.LogicalLoad, error) {
	var out loadsResponse
	_, err := c.do(ctx, call{route: RouteLoads, method: http.MethodGet, path: RouteLoads, session: sess}, &out)
	return out.LogicalServers, err
}

// Alternatives returns the curated substitutes of logical id.
func (c *Client) Alternatives(ctx context.Context, sess *domain.Session, id string) ([]domain.Logical, error) {
	var out logicalsResponse
	_, err := c.do(ctx, call{
		route:   RouteAlternatives,
		method:  http.MethodGet,
		path:    "vpn/v1/logicals/" + url.PathEscape(id) + "/alternatives",
		session: sess,
	}, &out)
	return out.LogicalServers, err
}

type refreshRequest struct {
	ResponseType string `json:"ResponseType"`
	GrantType    string `json:"GrantType"`
	RefreshToken string `json:"RefreshToken"`
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, uid, refreshToken string) (domain.TokenPair, error) {
	var out domain.TokenPair
	_, err := c.do(ctx, call{
		route:  RouteRefresh,
		method: http.MethodPost,
		path:   RouteRefresh,
		header: map[string]string{"x-pm-uid": uid},
		body: refreshRequest{
			ResponseType: "token",
			GrantType:    "refresh_token",
			RefreshToken: refreshToken,
		},
	}, &out)
	return out, err
}

type vpnInfoResponse struct {
	VPN domain.VPNInfo `json:"VPN"`
}

// VPNInfo fetches the account tier and connection allowance.
func (c *Client) VPNInfo(ctx context.Context, sess *domain.Session) (domain.VPNInfo, error) {
	var out vpnInfoResponse
	_, err := c.do(ctx, call{route: RouteVPNInfo, method: http.MethodGet, path: RouteVPNInfo, session: sess}, &out)
	return out.VPN, err
}

// ClientConfig fetches server-side client tuning.
func (c *Client) ClientConfig(ctx context.Context, sess *domain.Session) (domain.ClientConfig, error) {
	var out domain.ClientConfig
	_, err := c.do(ctx, call{route: RouteClientConfig, method: http.MethodGet, path: RouteClientConfig, session: sess}, &out)
	return out, err
}
