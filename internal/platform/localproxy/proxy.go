// Package localproxy is the shipped platform adapter: a local HTTP forward
// proxy the browser points at. Requests are routed by the controller's hooks
// and forwarded through the upstream HTTPS proxy with short-lived
// credentials.
package localproxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/log"
	"github.com/koltyakov/proxyvpn/internal/netutil"
	"github.com/koltyakov/proxyvpn/internal/platform"
)

const (
	shutdownTimeout    = 5 * time.Second
	defaultDialTimeout = 10 * time.Second
	maxReplayBody      = 8 << 20
	// maxAuthRounds stops a misbehaving auth hook from looping forever.
	maxAuthRounds = 16
)

// Options configures [New].
type Options struct {
	Addr        string
	Logger      *slog.Logger
	DialTimeout time.Duration
	// TLSConfig is used for connections to HTTPS upstream proxies.
	TLSConfig *tls.Config
}

// Proxy is a local forward proxy implementing [platform.Adapter].
type Proxy struct {
	addr    string
	log     *slog.Logger
	dialer  *net.Dialer
	tlsConf *tls.Config
	tr      *http.Transport

	mu     sync.RWMutex
	cfg    platform.ProxyConfig
	bypass *netutil.BypassMatcher
	hooks  platform.Hooks

	ln      net.Listener
	srv     *http.Server
	serving atomic.Bool
}

var _ platform.Adapter = (*Proxy)(nil)

// New returns an unstarted Proxy.
func New(opts Options) *Proxy {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	p := &Proxy{
		addr:    opts.Addr,
		log:     log.OrDefault(opts.Logger),
		dialer:  &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second},
		tlsConf: opts.TLSConfig,
		cfg:     platform.ProxyConfig{Mode: platform.ModeDirect},
	}
	p.tr = &http.Transport{
		Proxy:                 upstreamURL,
		DialContext:           p.dialer.DialContext,
		TLSClientConfig:       p.tlsConf,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	return p
}

// Start binds the listener and serves until ctx is cancelled. It returns
// once the listener is bound so address conflicts fail fast.
func (p *Proxy) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.addr, err)
	}
	p.ln = ln
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.serving.Store(true)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = p.srv.Shutdown(shutdownCtx)
		p.tr.CloseIdleConnections()
	}()
	go func() {
		p.log.Info("local proxy listening", "addr", ln.Addr().String())
		err := p.srv.Serve(ln)
		p.serving.Store(false)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("local proxy stopped", "err", err)
		}
	}()
	return nil
}

// Addr is the bound listen address, or the configured one before Start.
func (p *Proxy) Addr() string {
	if p.ln != nil {
		return p.ln.Addr().String()
	}
	return p.addr
}

// ProxyConfig reports the active configuration. Controlled is false once
// the listener stops, since the browser is then no longer routed through
// this process.
func (p *Proxy) ProxyConfig(context.Context) (platform.ProxyConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg := p.cfg
	cfg.Bypass = append([]string(nil), p.cfg.Bypass...)
	cfg.Controlled = p.serving.Load()
	return cfg, nil
}

func (p *Proxy) SetProxyConfig(_ context.Context, cfg platform.ProxyConfig) error {
	if !p.serving.Load() {
		return fmt.Errorf("%w: local proxy is not listening", domain.ErrProxyApply)
	}
	var matcher *netutil.BypassMatcher
	if len(cfg.Bypass) > 0 {
		matcher = netutil.NewBypassMatcher(cfg.Bypass)
	}
	p.mu.Lock()
	p.cfg = cfg
	p.bypass = matcher
	p.mu.Unlock()
	p.log.Debug("proxy configuration applied", "mode", cfg.Mode, "server", cfg.Server.Host, "bypass", len(cfg.Bypass))
	return nil
}

func (p *Proxy) ClearProxyConfig(context.Context) error {
	p.mu.Lock()
	p.cfg = platform.ProxyConfig{Mode: platform.ModeDirect}
	p.bypass = nil
	p.mu.Unlock()
	p.tr.CloseIdleConnections()
	return nil
}

func (p *Proxy) SetHooks(h platform.Hooks) {
	p.mu.Lock()
	p.hooks = h
	p.mu.Unlock()
}

func (p *Proxy) state() (platform.ProxyConfig, *netutil.BypassMatcher, platform.Hooks) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg, p.bypass, p.hooks
}

// route decides how the request to host is sent.
func (p *Proxy) route(id, method, host string) (platform.Decision, platform.Hooks) {
	cfg, bypass, hooks := p.state()
	if !cfg.Active() || bypass.Bypassed(host) {
		return platform.Direct, hooks
	}
	if hooks.OnRequest != nil {
		return hooks.OnRequest(platform.Request{ID: id, Method: method, Host: host}), hooks
	}
	return platform.Decision{Type: platform.DecisionHTTPS, Host: cfg.Server.Host, Port: cfg.Server.Port}, hooks
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	host := r.Host
	if r.Method != http.MethodConnect {
		if !r.URL.IsAbs() {
			http.Error(w, "this is a forward proxy; absolute request URI required", http.StatusBadRequest)
			return
		}
		host = r.URL.Host
	}
	dec, hooks := p.route(id, r.Method, host)
	if r.Method == http.MethodConnect {
		p.serveConnect(w, r, id, dec, hooks)
		return
	}
	p.serveHTTP(w, r, id, dec, hooks)
}

func (p *Proxy) serveConnect(w http.ResponseWriter, r *http.Request, id string, dec platform.Decision, hooks platform.Hooks) {
	ctx := r.Context()
	authority := netutil.HostPort(r.Host, "443")

	var upstream net.Conn
	if dec.Type == platform.DecisionDirect {
		conn, err := p.dialer.DialContext(ctx, "tcp", authority)
		if err != nil {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		upstream = conn
	} else {
		user, pass := dec.Username, dec.Password
		for round := 0; ; round++ {
			conn, resp, err := p.dialTunnel(ctx, dec, authority, user, pass)
			if err != nil {
				p.fail(hooks, id, err)
				http.Error(w, "proxy connection failed", http.StatusBadGateway)
				return
			}
			if resp.StatusCode == http.StatusOK {
				upstream = conn
				break
			}
			_ = conn.Close()
			if resp.StatusCode != http.StatusProxyAuthRequired {
				p.log.Debug("upstream refused tunnel", "request_id", id, "status", resp.StatusCode)
				failWith(hooks, id, platform.CodeTunnelConnectionFailed)
				http.Error(w, "tunnel connection failed", http.StatusBadGateway)
				return
			}
			ans := challenge(ctx, hooks, id, round)
			if ans.Cancel {
				failWith(hooks, id, platform.CodeProxyAuthFailed)
				proxyAuthRequired(w)
				return
			}
			user, pass = ans.Username, ans.Password
		}
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		_ = upstream.Close()
		return
	}
	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		return
	}
	complete(hooks, id)
	pipe(client, buf.Reader, upstream)
}

// pipe copies both directions until either side closes.
func pipe(client net.Conn, clientReader io.Reader, upstream net.Conn) {
	var g errgroup.Group
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	g.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(upstream, clientReader)
		return err
	})
	g.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(client, upstream)
		return err
	})
	_ = g.Wait()
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// dialTunnel opens a CONNECT tunnel to authority through the upstream
// proxy described by dec.
func (p *Proxy) dialTunnel(ctx context.Context, dec platform.Decision, authority, user, pass string) (net.Conn, *http.Response, error) {
	proxyAddr := net.JoinHostPort(dec.Host, strconv.Itoa(dec.Port))
	conn, err := p.dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, nil, err
	}
	if dec.Type == platform.DecisionHTTPS {
		cfg := p.tlsConf.Clone()
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = dec.Host
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		conn = tlsConn
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: authority},
		Host:   authority,
		Header: make(http.Header),
	}
	if user != "" {
		req.Header.Set("Proxy-Authorization", netutil.ProxyAuthorization(user, pass))
	}

	_ = conn.SetDeadline(time.Now().Add(p.dialer.Timeout))
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	// A 200 to CONNECT has no body; the tunnel starts right after the
	// headers, so the body must not be drained.
	_ = conn.SetDeadline(time.Time{})
	return &bufferedConn{Conn: conn, r: br}, resp, nil
}

type decisionKey struct{}

// upstreamURL is the transport's Proxy func; it reads the decision stored
// on the request context.
func upstreamURL(r *http.Request) (*url.URL, error) {
	dec, _ := r.Context().Value(decisionKey{}).(platform.Decision)
	if dec.Type == "" || dec.Type == platform.DecisionDirect {
		return nil, nil
	}
	u := &url.URL{Scheme: string(dec.Type), Host: net.JoinHostPort(dec.Host, strconv.Itoa(dec.Port))}
	if dec.Username != "" {
		u.User = url.UserPassword(dec.Username, dec.Password)
	}
	return u, nil
}

func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request, id string, dec platform.Decision, hooks platform.Hooks) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxReplayBody+1))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if len(b) > maxReplayBody {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		body = b
	}

	for round := 0; ; round++ {
		out := r.Clone(context.WithValue(r.Context(), decisionKey{}, dec))
		out.RequestURI = ""
		out.Header.Del("Proxy-Authorization")
		netutil.RemoveHopByHopHeaders(out.Header)
		if body != nil {
			out.Body = io.NopCloser(bytes.NewReader(body))
			out.ContentLength = int64(len(body))
		} else {
			out.Body = http.NoBody
		}

		resp, err := p.tr.RoundTrip(out)
		if err != nil {
			if dec.Type != platform.DecisionDirect {
				p.fail(hooks, id, err)
			}
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		if resp.StatusCode == http.StatusProxyAuthRequired && dec.Type != platform.DecisionDirect {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			ans := challenge(r.Context(), hooks, id, round)
			if ans.Cancel {
				failWith(hooks, id, platform.CodeProxyAuthFailed)
				proxyAuthRequired(w)
				return
			}
			dec.Username, dec.Password = ans.Username, ans.Password
			continue
		}

		netutil.RemoveHopByHopHeaders(resp.Header)
		for k, vv := range resp.Header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		_ = resp.Body.Close()
		if dec.Type != platform.DecisionDirect {
			complete(hooks, id)
		}
		return
	}
}

func challenge(ctx context.Context, hooks platform.Hooks, id string, round int) platform.AuthAnswer {
	if hooks.OnAuthChallenge == nil || round >= maxAuthRounds {
		return platform.Cancel
	}
	return hooks.OnAuthChallenge(ctx, id)
}

func complete(hooks platform.Hooks, id string) {
	if hooks.OnRequestCompleted != nil {
		hooks.OnRequestCompleted(id)
	}
}

func failWith(hooks platform.Hooks, id string, code platform.ErrorCode) {
	if hooks.OnRequestError != nil {
		hooks.OnRequestError(id, code)
	}
}

func (p *Proxy) fail(hooks platform.Hooks, id string, err error) {
	code := errorCode(err)
	p.log.Debug("upstream proxy request failed", "request_id", id, "code", code, "err", err)
	failWith(hooks, id, code)
}

// errorCode maps a dial or transport failure to a platform error code.
func errorCode(err error) platform.ErrorCode {
	switch {
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.ENETDOWN), errors.Is(err, syscall.EADDRNOTAVAIL):
		return platform.CodeNetworkChanged
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return platform.CodeTunnelConnectionFailed
	}
	return platform.CodeProxyConnectionFailed
}

func proxyAuthRequired(w http.ResponseWriter) {
	w.Header().Set("Proxy-Authenticate", `Basic realm="proxyvpn"`)
	http.Error(w, "proxy authentication required", http.StatusProxyAuthRequired)
}
