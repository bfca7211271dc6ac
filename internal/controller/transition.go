package controller

import (
	"context"
	"errors"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/store"
)

// transition replaces the live state with next when its generation still
// equals from (0 accepts any state), stamps next and runs its entry
// actions. It reports next's generation and whether it took effect.
func (c *Controller) transition(ctx context.Context, from uint64, next State) (uint64, bool) {
	c.mu.Lock()
	prev := c.state
	if from != 0 && (prev == nil || prev.base().gen != from) {
		c.mu.Unlock()
		return 0, false
	}
	c.gen++
	b := next.base()
	b.gen, b.at = c.gen, c.clock.Now()
	switch s := next.(type) {
	case *StateLoggedOut:
		c.warning = nil
		c.tierKnown = false
		c.port = 0
	case *StateOff:
		if s.Err != nil {
			c.recordErrorLocked(s)
		}
	}
	c.state = next
	c.mu.Unlock()

	prevName := "none"
	if prev != nil {
		prevName = prev.Name()
	}
	c.log.Info("connection state changed", "from", prevName, "to", next.Name(), "generation", b.gen)
	c.metrics.Transition(next.Name(), stateNames...)
	c.enter(ctx, prev, next)
	return b.gen, true
}

// recordErrorLocked applies the blocking-error deduplication to off.
func (c *Controller) recordErrorLocked(off *StateOff) {
	id := domain.ErrorID(off.Err)
	if domain.IsBlocking(off.Err) && id == c.dismissedID {
		c.log.Debug("suppressing dismissed error", "error_id", id)
		off.Err = nil
		return
	}
	c.lastErrorID = id
	if id != c.dismissedID {
		c.dismissedID = ""
	}
}

// enter runs the entry actions of next.
func (c *Controller) enter(ctx context.Context, prev, next State) {
	c.interceptor.Reset()
	gen := next.base().gen
	_, wasOn := prev.(*StateOn)

	switch st := next.(type) {
	case *StateLoggedOut:
		if err := c.creds.Clear(ctx); err != nil {
			c.log.Warn("failed to clear credentials", "err", err)
		}
		c.clearProxy(ctx, gen)
		c.forgetServer(ctx)
		c.publish(EventLoggedOut, nil)
	case *StateOff:
		c.creds.CancelRenewal()
		if wasOn {
			c.clearProxy(ctx, gen)
			c.forgetServer(ctx)
		}
		if st.Err != nil {
			c.log.Warn("disconnected", "err", st.Err, "error_id", domain.ErrorID(st.Err))
			c.publish(EventError, st.Err)
		}
	case *StateOn:
		if st.Server.Host == "" {
			c.transition(ctx, gen, &StateOff{Err: domain.ErrNoServer})
			return
		}
	}
	c.publish(EventState, nil)
}

func (c *Controller) forgetServer(ctx context.Context) {
	if err := c.cache.Remove(ctx, store.KeyConnectedServer); err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.log.Warn("failed to forget connected server", "err", err)
	}
}

// disconnectFrom moves the on state with generation gen to off.
func (c *Controller) disconnectFrom(ctx context.Context, gen uint64, err error) bool {
	c.mu.Lock()
	on, ok := c.state.(*StateOn)
	if !ok || on.gen != gen {
		c.mu.Unlock()
		return false
	}
	server := on.Server
	c.mu.Unlock()
	_, ok = c.transition(ctx, gen, &StateOff{Err: err, Server: &server})
	return ok
}
