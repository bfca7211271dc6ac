package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/platform"
	"github.com/koltyakov/proxyvpn/internal/servers"
	"github.com/koltyakov/proxyvpn/internal/session"
	"github.com/koltyakov/proxyvpn/internal/store"
)

// ConnectLogical resolves choice against the directory, saves it as the
// last choice and connects to the resulting logical.
func (c *Controller) ConnectLogical(ctx context.Context, choice servers.Choice) error {
	if !c.sessions.Current().Valid() {
		return domain.ErrNotLoggedIn
	}
	list, err := c.dir.Logicals(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.report(err)
		return fmt.Errorf("load servers: %w", err)
	}
	logical, err := servers.Resolve(choice, list, c.userTier(ctx))
	if err != nil {
		c.report(err)
		return err
	}
	if err := servers.SaveChoice(ctx, c.cache, choice); err != nil {
		c.log.Warn("failed to save last choice", "err", err)
	}
	return c.connect(ctx, 0, logical, choice)
}

// connect enters on for logical and completes the connection unless a
// newer transition supersedes it. The caller's cancellation does not abort
// a started connection.
func (c *Controller) connect(ctx context.Context, from uint64, logical domain.Logical, choice servers.Choice) error {
	ctx = context.WithoutCancel(ctx)
	server, err := servers.ToProxyServer(logical, c.proxyPort(ctx))
	if err != nil {
		c.report(err)
		return err
	}
	gen, ok := c.transition(ctx, from, &StateOn{Server: server, Logical: logical, Choice: choice, Starting: true})
	if !ok {
		return ErrSuperseded
	}
	if !c.isCurrent(gen) {
		return ErrSuperseded
	}

	if _, err := c.creds.Get(ctx, false); err != nil {
		c.noteNetwork(err)
		c.disconnectFrom(ctx, gen, err)
		return fmt.Errorf("get credentials: %w", err)
	}
	if err := c.setProxy(ctx, gen, server); err != nil {
		if !errors.Is(err, ErrSuperseded) {
			c.disconnectFrom(ctx, gen, err)
		}
		return err
	}
	if err := c.cache.Save(ctx, store.KeyConnectedServer, server); err != nil {
		c.log.Warn("failed to persist connected server", "err", err)
	}
	c.confirm(ctx, gen)
	return nil
}

// setProxy and clearProxy are the only writers of the platform proxy
// settings. Both re-derive the bypass list and do nothing when gen is no
// longer the live state.
func (c *Controller) setProxy(ctx context.Context, gen uint64, server domain.ProxyServer) error {
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()
	c.mu.Lock()
	live := c.state != nil && c.state.base().gen == gen
	bypass := c.bypassListLocked()
	c.mu.Unlock()
	if !live {
		return ErrSuperseded
	}

	server.Bypass = bypass
	cfg := platform.ProxyConfig{Mode: platform.ModeFixed, Server: server, Bypass: bypass}
	if err := c.platform.SetProxyConfig(ctx, cfg); err != nil {
		if errors.Is(err, domain.ErrProxyApply) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrProxyApply, err)
	}
	c.log.Info("proxy applied", "server_id", server.ID, "host", server.Host, "port", server.Port, "bypass", len(bypass))
	return nil
}

func (c *Controller) clearProxy(ctx context.Context, gen uint64) {
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()
	if !c.isCurrent(gen) {
		return
	}
	if err := c.platform.ClearProxyConfig(ctx); err != nil {
		c.log.Warn("failed to clear proxy settings", "err", err)
	}
}

// confirm promotes a starting connection once the platform reports the
// proxy as applied and controlled by us.
func (c *Controller) confirm(ctx context.Context, gen uint64) bool {
	cfg, err := c.platform.ProxyConfig(ctx)
	if err != nil || !cfg.Active() || !cfg.Controlled {
		return false
	}
	c.mu.Lock()
	on, ok := c.state.(*StateOn)
	if !ok || on.gen != gen || !on.Starting {
		c.mu.Unlock()
		return ok && on.gen == gen
	}
	on.Starting = false
	server := on.Server
	c.mu.Unlock()
	c.log.Info("connected", "server_id", server.ID, "name", server.Name)
	c.publish(EventConnected, nil)
	return true
}

// RetryCredentials refetches credentials and re-applies the proxy of the
// live connection.
func (c *Controller) RetryCredentials(ctx context.Context) error {
	on, gen, ok := c.onState()
	if !ok {
		return nil
	}
	if _, err := c.creds.Get(ctx, true); err != nil {
		c.noteNetwork(err)
		return err
	}
	if err := c.setProxy(ctx, gen, on.Server); err != nil {
		if errors.Is(err, ErrSuperseded) {
			return nil
		}
		return err
	}
	c.clearNetworkWarning()
	return nil
}

// Abort disconnects after a failed credential retry.
func (c *Controller) Abort(err error) {
	if _, gen, ok := c.onState(); ok {
		c.disconnectFrom(context.Background(), gen, err)
	}
}

// userTier returns the account tier, loading it once per login.
func (c *Controller) userTier(ctx context.Context) int {
	c.mu.Lock()
	known := c.tierKnown
	c.mu.Unlock()
	if !known {
		c.loadAccount(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier
}

// proxyPort is the port advertised by the client config, or 0 for the
// default.
func (c *Controller) proxyPort(ctx context.Context) int {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port > 0 {
		return port
	}
	var cc domain.ClientConfig
	if _, err := c.cache.Load(ctx, store.KeyClientConfig, &cc); err == nil && cc.ProxyPort > 0 {
		c.mu.Lock()
		c.port = cc.ProxyPort
		c.mu.Unlock()
		return cc.ProxyPort
	}
	return 0
}

// loadAccount refreshes the tier and client config. Failures keep the
// previous values.
func (c *Controller) loadAccount(ctx context.Context) {
	if c.account == nil {
		return
	}
	info, err := session.Do(ctx, c.sessions, c.account.VPNInfo)
	if err != nil {
		if !c.noteNetwork(err) {
			c.log.Warn("failed to load account info", "err", err)
		}
	} else {
		c.mu.Lock()
		c.tier, c.tierKnown = info.Tier, true
		c.mu.Unlock()
	}

	cc, err := session.Do(ctx, c.sessions, c.account.ClientConfig)
	if err != nil {
		c.log.Debug("failed to load client config", "err", err)
		return
	}
	if err := c.cache.Save(ctx, store.KeyClientConfig, cc); err != nil {
		c.log.Warn("failed to persist client config", "err", err)
	}
	if cc.ProxyPort > 0 {
		c.mu.Lock()
		c.port = cc.ProxyPort
		c.mu.Unlock()
	}
}

// noteNetwork raises the non-fatal network warning for transport errors.
func (c *Controller) noteNetwork(err error) bool {
	if !domain.IsNetworkError(err) {
		return false
	}
	c.mu.Lock()
	c.warning = err
	c.mu.Unlock()
	c.log.Warn("network unreachable", "err", err)
	c.publish(EventNetworkWarning, err)
	return true
}

func (c *Controller) clearNetworkWarning() {
	c.mu.Lock()
	had := c.warning != nil
	c.warning = nil
	c.mu.Unlock()
	if had {
		c.publish(EventState, nil)
	}
}

// report broadcasts an error that does not change the state.
func (c *Controller) report(err error) {
	if c.noteNetwork(err) {
		return
	}
	c.publish(EventError, err)
}
