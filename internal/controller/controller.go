// Package controller owns the connection state machine: which proxy
// configuration is active, when credentials are fetched, and how the
// connection recovers from failures.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/koltyakov/proxyvpn/internal/backoff"
	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/log"
	"github.com/koltyakov/proxyvpn/internal/metrics"
	"github.com/koltyakov/proxyvpn/internal/netutil"
	"github.com/koltyakov/proxyvpn/internal/platform"
	"github.com/koltyakov/proxyvpn/internal/proxyauth"
	"github.com/koltyakov/proxyvpn/internal/servers"
	"github.com/koltyakov/proxyvpn/internal/session"
	"github.com/koltyakov/proxyvpn/internal/store"
	"github.com/koltyakov/proxyvpn/internal/timing"
)

const (
	defaultCheckupInterval = 3 * time.Minute
	defaultLoadsInterval   = 15 * time.Minute
	defaultReconnectGrace  = 3 * time.Second
	defaultConnectTimeout  = 30 * time.Second
	defaultWatchInterval   = time.Second
)

// ErrSuperseded is returned by a connection attempt that lost to a newer
// state transition.
var ErrSuperseded = errors.New("superseded by a newer state transition")

// Sessions is the account session store.
type Sessions interface {
	session.Source
	Save(ctx context.Context, s *domain.Session) error
	Clear(ctx context.Context) error
	OnMustLogOut(fn func(error))
}

// Credentials is the proxy credential source.
type Credentials interface {
	proxyauth.Credentials
	Restore(ctx context.Context) bool
	Clear(ctx context.Context) error
	CancelRenewal()
	OnGiveUp(fn func(error))
	OnRenewed(fn func(domain.Credentials))
	NextRenewal() time.Time
}

// Directory is the server directory.
type Directory interface {
	Logicals(ctx context.Context) ([]domain.Logical, error)
	Refresh(ctx context.Context) ([]domain.Logical, error)
	RefreshLoads(ctx context.Context) error
	IsLogicalUp(ctx context.Context, id string) (bool, error)
	Alternative(ctx context.Context, excludeID string, tier int) (domain.Logical, error)
}

// Account reads the account entitlement and client tuning.
type Account interface {
	VPNInfo(ctx context.Context, sess *domain.Session) (domain.VPNInfo, error)
	ClientConfig(ctx context.Context, sess *domain.Session) (domain.ClientConfig, error)
}

// Options configures [New].
type Options struct {
	Platform    platform.Adapter
	Sessions    Sessions
	Credentials Credentials
	Directory   Directory
	Account     Account
	Cache       *store.Cache
	Backoff     *backoff.Backoff
	Events      Events
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Clock       timing.Clock

	// SplitTunnel lists hosts and CIDRs reached directly.
	SplitTunnel []string
	// APIHost is bypassed when BypassAPI is set.
	APIHost     string
	BypassAPI   bool
	AutoConnect bool

	CheckupInterval time.Duration
	LoadsInterval   time.Duration
	ReconnectGrace  time.Duration
	ConnectTimeout  time.Duration
	WatchInterval   time.Duration
}

// Controller is the single writer of the proxy settings.
type Controller struct {
	platform    platform.Adapter
	sessions    Sessions
	creds       Credentials
	dir         Directory
	account     Account
	cache       *store.Cache
	events      Events
	log         *slog.Logger
	metrics     *metrics.Metrics
	clock       timing.Clock
	interceptor *proxyauth.Interceptor

	apiHost     string
	bypassAPI   bool
	autoConnect bool

	checkupInterval time.Duration
	loadsInterval   time.Duration
	grace           time.Duration
	connectTimeout  time.Duration
	watchInterval   time.Duration

	// proxyMu serializes writes to the platform proxy settings.
	proxyMu sync.Mutex

	mu          sync.Mutex
	state       State
	gen         uint64
	splitTunnel []string
	bypass      *netutil.BypassMatcher
	warning     error
	tier        int
	tierKnown   bool
	port        int
	lastCheckup time.Time
	lastLoads   time.Time
	lastErrorID string
	dismissedID string

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New returns a Controller in no state; [Controller.Start] picks the
// initial one.
func New(opts Options) *Controller {
	c := &Controller{
		platform:        opts.Platform,
		sessions:        opts.Sessions,
		creds:           opts.Credentials,
		dir:             opts.Directory,
		account:         opts.Account,
		cache:           opts.Cache,
		events:          opts.Events,
		log:             log.OrDefault(opts.Logger),
		metrics:         opts.Metrics,
		clock:           opts.Clock,
		apiHost:         opts.APIHost,
		bypassAPI:       opts.BypassAPI,
		autoConnect:     opts.AutoConnect,
		checkupInterval: orDefault(opts.CheckupInterval, defaultCheckupInterval),
		loadsInterval:   orDefault(opts.LoadsInterval, defaultLoadsInterval),
		grace:           orDefault(opts.ReconnectGrace, defaultReconnectGrace),
		connectTimeout:  orDefault(opts.ConnectTimeout, defaultConnectTimeout),
		watchInterval:   orDefault(opts.WatchInterval, defaultWatchInterval),
	}
	if c.events == nil {
		c.events = discardEvents{}
	}
	if c.clock == nil && c.cache != nil {
		c.clock = c.cache.Now
	}
	c.setExclusionsLocked(opts.SplitTunnel)
	c.interceptor = proxyauth.New(proxyauth.Options{
		Credentials: opts.Credentials,
		Reconnector: c,
		Backoff:     opts.Backoff,
		Logger:      c.log,
		Metrics:     opts.Metrics,
	})

	c.creds.OnGiveUp(c.onGiveUp)
	c.creds.OnRenewed(func(domain.Credentials) { c.clearNetworkWarning() })
	c.sessions.OnMustLogOut(func(err error) {
		c.log.Warn("session ended by the server", "err", err)
		if lerr := c.LogOut(context.Background()); lerr != nil {
			c.log.Warn("logout after session end failed", "err", lerr)
		}
	})
	return c
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Start installs the platform hooks, picks the initial state from the
// persisted session, replays the last choice when auto-connect allows it,
// and starts the background watch loop.
func (c *Controller) Start(ctx context.Context) error {
	c.platform.SetHooks(platform.Hooks{
		OnRequest:          c.HandleProxyRequest,
		OnAuthChallenge:    c.HandleProxyAuthentication,
		OnRequestCompleted: c.interceptor.OnCompleted,
		OnRequestError:     c.handleRequestError,
	})

	var recovered *domain.ProxyServer
	var srv domain.ProxyServer
	if _, err := c.cache.Load(ctx, store.KeyConnectedServer, &srv); err == nil && srv.Host != "" {
		recovered = &srv
	}

	if !c.sessions.Current().Valid() {
		c.transition(ctx, 0, &StateLoggedOut{})
	} else {
		c.transition(ctx, 0, &StateOff{Server: recovered})
		c.loadAccount(ctx)
		c.startupConnect(ctx, recovered)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.wg.Add(1)
	go c.watch(loopCtx)
	return nil
}

// startupConnect reconnects a connection that was live when the process
// stopped. Settings restored by the host are left to the off-state
// auto-reconnect; otherwise the last choice is replayed.
func (c *Controller) startupConnect(ctx context.Context, recovered *domain.ProxyServer) {
	if recovered != nil {
		if cfg, err := c.platform.ProxyConfig(ctx); err == nil && cfg.Active() && cfg.Controlled {
			c.log.Info("proxy settings restored by host; waiting to reconnect", "server_id", recovered.ID)
			return
		}
	}
	if !c.autoConnect {
		return
	}
	choice, err := servers.LoadChoice(ctx, c.cache)
	if err != nil {
		if recovered == nil {
			return
		}
		choice = servers.Choice{Kind: servers.ChoiceServer, ServerID: recovered.ID}
	}
	c.creds.Restore(ctx)
	c.log.Info("auto-connecting", "choice", choice.String())
	if err := c.ConnectLogical(ctx, choice); err != nil {
		c.log.Warn("auto-connect failed", "choice", choice.String(), "err", err)
	}
}

// Close stops the watch loop and detaches the platform hooks. The proxy
// settings are left in place so a restart can recover the connection.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.platform.SetHooks(platform.Hooks{})
		c.creds.CancelRenewal()
	})
	return nil
}

// CurrentState returns the visible state.
func (c *Controller) CurrentState() Snapshot {
	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return Snapshot{State: domain.StateLoggedOut}
	}
	snap := snapshotOf(c.state, c.warning)
	c.mu.Unlock()
	if snap.Connected {
		snap.RenewAt = c.creds.NextRenewal()
	}
	return snap
}

// LogIn persists sess, leaves the logged-out state and refetches the
// server list for the new account.
func (c *Controller) LogIn(ctx context.Context, sess *domain.Session) error {
	if err := c.sessions.Save(ctx, sess); err != nil {
		return err
	}
	c.mu.Lock()
	c.tierKnown = false
	st := c.state
	c.mu.Unlock()
	if st == nil {
		c.transition(ctx, 0, &StateOff{})
	} else if _, out := st.(*StateLoggedOut); out {
		c.transition(ctx, st.base().gen, &StateOff{})
	}
	c.loadAccount(ctx)
	if _, err := c.dir.Refresh(ctx); err != nil {
		c.log.Warn("server list refresh after login failed", "err", err)
	}
	return nil
}

// LogOut drops the connection, the credentials and the session.
func (c *Controller) LogOut(ctx context.Context) error {
	c.transition(ctx, 0, &StateLoggedOut{})
	if err := c.sessions.Clear(ctx); err != nil {
		return err
	}
	return nil
}

// Disconnect moves to off. A nil err is an explicit user disconnect; any
// other err is recorded on the off state and broadcast.
func (c *Controller) Disconnect(ctx context.Context, err error) error {
	for {
		st := c.current()
		var next *StateOff
		switch s := st.(type) {
		case nil, *StateLoggedOut:
			return nil
		case *StateOff:
			if err == nil {
				return nil
			}
			next = &StateOff{Err: err, Server: s.Server}
		case *StateOn:
			server := s.Server
			next = &StateOff{Err: err, Server: &server}
		}
		if _, ok := c.transition(ctx, st.base().gen, next); ok {
			return nil
		}
	}
}

// DismissError hides the blocking error with id. The same id stays hidden
// until a different error is raised.
func (c *Controller) DismissError(id string) bool {
	c.mu.Lock()
	off, ok := c.state.(*StateOff)
	if !ok || off.Err == nil || domain.ErrorID(off.Err) != id {
		c.mu.Unlock()
		return false
	}
	off.Err = nil
	c.dismissedID = id
	c.mu.Unlock()
	c.publish(EventState, nil)
	return true
}

// LastErrorID is the id of the last error shown to the user.
func (c *Controller) LastErrorID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErrorID
}

// SetExclusions replaces the split-tunnel list and re-applies the proxy
// when connected.
func (c *Controller) SetExclusions(ctx context.Context, exclusions []string) error {
	c.mu.Lock()
	c.setExclusionsLocked(exclusions)
	c.mu.Unlock()
	st, gen, ok := c.onState()
	if !ok || st.Starting {
		return nil
	}
	if err := c.setProxy(ctx, gen, st.Server); err != nil && !errors.Is(err, ErrSuperseded) {
		return err
	}
	return nil
}

func (c *Controller) setExclusionsLocked(exclusions []string) {
	c.splitTunnel = append([]string(nil), exclusions...)
	c.bypass = netutil.NewBypassMatcher(c.bypassListLocked())
}

func (c *Controller) bypassListLocked() []string {
	return netutil.BuildBypass(c.splitTunnel, c.apiHost, c.bypassAPI)
}

// HandleProxyRequest routes one outgoing request: through the connected
// server with the current credentials, or directly.
func (c *Controller) HandleProxyRequest(req platform.Request) platform.Decision {
	c.mu.Lock()
	on, ok := c.state.(*StateOn)
	var server domain.ProxyServer
	if ok {
		server = on.Server
	}
	bypass := c.bypass
	c.mu.Unlock()
	if !ok || bypass.Bypassed(req.Host) {
		return platform.Direct
	}

	c.interceptor.KeepWarm()
	d := platform.Decision{Type: platform.DecisionHTTPS, Host: server.Host, Port: server.Port}
	if creds, ok := c.creds.Synchronous(); ok {
		d.Username, d.Password = creds.Username, creds.Password
	}
	return d
}

// HandleProxyAuthentication answers a proxy authentication challenge.
// Challenges outside the on state are cancelled.
func (c *Controller) HandleProxyAuthentication(ctx context.Context, requestID string) platform.AuthAnswer {
	if _, _, ok := c.onState(); !ok {
		return platform.Cancel
	}
	return c.interceptor.OnChallenge(ctx, requestID)
}

func (c *Controller) handleRequestError(requestID string, code platform.ErrorCode) {
	if _, _, ok := c.onState(); !ok {
		c.interceptor.OnCompleted(requestID)
		return
	}
	c.interceptor.OnError(requestID, code)
}

// onGiveUp disconnects a live connection. Transport failures only raise
// the network warning.
func (c *Controller) onGiveUp(err error) {
	if _, gen, ok := c.onState(); ok {
		if c.noteNetwork(err) {
			return
		}
		c.log.Warn("credential fetch gave up; disconnecting", "err", err)
		c.disconnectFrom(context.Background(), gen, err)
	}
}

// current returns a copy of the live state, or nil before Start.
func (c *Controller) current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch s := c.state.(type) {
	case *StateLoggedOut:
		cp := *s
		return &cp
	case *StateOff:
		cp := *s
		return &cp
	case *StateOn:
		cp := *s
		return &cp
	}
	return nil
}

func (c *Controller) onState() (StateOn, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	on, ok := c.state.(*StateOn)
	if !ok {
		return StateOn{}, 0, false
	}
	return *on, on.gen, true
}

func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != nil && c.state.base().gen == gen
}

func (c *Controller) publish(typ EventType, err error) {
	ev := Event{Type: typ, State: c.CurrentState()}
	if err != nil {
		ev.Error = err.Error()
	}
	c.events.Publish(ev)
}
