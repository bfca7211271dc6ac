package controller

import (
	"context"
	"time"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/servers"
)

func (c *Controller) watch(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs the periodic work of the live state.
func (c *Controller) tick(ctx context.Context) {
	switch st := c.current().(type) {
	case nil, *StateLoggedOut:
	case *StateOff:
		c.refreshLoads(ctx)
		c.autoReconnect(ctx, st)
	case *StateOn:
		if c.detectOverride(ctx, st) {
			return
		}
		if st.Starting {
			_ = c.CheckConnectingState(ctx, st.InitializedAt())
			return
		}
		c.checkup(ctx, st)
	}
}

// CheckConnectingState promotes a starting connection whose proxy is
// confirmed and disconnects one still unconfirmed after the connect
// timeout measured from started.
func (c *Controller) CheckConnectingState(ctx context.Context, started time.Time) error {
	on, gen, ok := c.onState()
	if !ok || !on.Starting {
		return nil
	}
	if c.confirm(ctx, gen) {
		return nil
	}
	if c.clock.Now().Sub(started) <= c.connectTimeout {
		return nil
	}
	c.log.Warn("connection not confirmed in time", "server_id", on.Server.ID, "timeout", c.connectTimeout)
	c.disconnectFrom(ctx, gen, domain.ErrConnectTimeout)
	return domain.ErrConnectTimeout
}

// detectOverride disconnects when another party took over the proxy
// settings.
func (c *Controller) detectOverride(ctx context.Context, on *StateOn) bool {
	cfg, err := c.platform.ProxyConfig(ctx)
	if err != nil {
		c.log.Debug("failed to read proxy settings", "err", err)
		return false
	}
	if cfg.Controlled {
		return false
	}
	c.log.Warn("proxy settings overridden", "server_id", on.Server.ID)
	return c.disconnectFrom(ctx, on.gen, domain.ErrProxyOverridden)
}

// checkup verifies, at most once per check-up interval, that the connected
// logical is still up and fails over to an alternative when it is not.
func (c *Controller) checkup(ctx context.Context, on *StateOn) {
	now := c.clock.Now()
	c.mu.Lock()
	due := c.lastCheckup.IsZero() || now.Sub(c.lastCheckup) >= c.checkupInterval
	if due {
		c.lastCheckup = now
	}
	c.mu.Unlock()
	if !due {
		return
	}

	id := on.Logical.ID
	up, err := c.dir.IsLogicalUp(ctx, id)
	if !c.isCurrent(on.gen) {
		return
	}
	if err != nil {
		if !c.noteNetwork(err) {
			c.log.Warn("server check-up failed", "server_id", id, "err", err)
		}
		return
	}
	c.clearNetworkWarning()
	if up {
		return
	}

	c.log.Warn("connected server is down; looking for an alternative", "server_id", id)
	alt, err := c.dir.Alternative(ctx, id, c.userTier(ctx))
	if err != nil {
		c.log.Warn("no alternative server", "server_id", id, "err", err)
		c.report(err)
		return
	}
	if err := c.connect(ctx, on.gen, alt, on.Choice); err != nil {
		c.log.Warn("failover failed", "from", id, "to", alt.ID, "err", err)
		return
	}
	c.log.Info("switched to alternative server", "from", id, "to", alt.ID)
}

// autoReconnect reconnects to the last server when the proxy settings are
// found applied again after the grace period in off.
func (c *Controller) autoReconnect(ctx context.Context, off *StateOff) {
	if off.Server == nil || c.clock.Now().Sub(off.InitializedAt()) < c.grace {
		return
	}
	if !c.sessions.Current().Valid() {
		return
	}
	cfg, err := c.platform.ProxyConfig(ctx)
	if err != nil || !cfg.Active() || !cfg.Controlled {
		return
	}

	id := off.Server.ID
	c.log.Info("proxy settings found applied; reconnecting", "server_id", id)
	choice := servers.Choice{Kind: servers.ChoiceServer, ServerID: id}
	tier := c.userTier(ctx)
	list, err := c.dir.Logicals(ctx)
	if err != nil {
		c.report(err)
		return
	}
	logical, err := servers.Resolve(choice, list, tier)
	if err != nil {
		if logical, err = c.dir.Alternative(ctx, id, tier); err != nil {
			c.report(err)
			return
		}
	}
	if err := c.connect(ctx, off.gen, logical, choice); err != nil {
		c.log.Warn("auto-reconnect failed", "server_id", id, "err", err)
	}
}

// refreshLoads keeps scores current while disconnected so a fastest pick
// uses recent data.
func (c *Controller) refreshLoads(ctx context.Context) {
	now := c.clock.Now()
	c.mu.Lock()
	due := now.Sub(c.lastLoads) >= c.loadsInterval
	if due {
		c.lastLoads = now
	}
	c.mu.Unlock()
	if !due {
		return
	}
	if err := c.dir.RefreshLoads(ctx); err != nil && !c.noteNetwork(err) {
		c.log.Debug("loads refresh failed", "err", err)
	}
}
