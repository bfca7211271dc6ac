package platform

import (
	"context"
	"sync"
)

// Fake is an in-memory [Adapter] for tests.
type Fake struct {
	mu       sync.Mutex
	cfg      ProxyConfig
	hooks    Hooks
	sets     int
	clears   int
	setErr   error
	override bool
}

// NewFake returns a Fake holding a direct, controlled configuration.
func NewFake() *Fake {
	return &Fake{cfg: ProxyConfig{Mode: ModeDirect, Controlled: true}}
}

func (f *Fake) ProxyConfig(context.Context) (ProxyConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := f.cfg
	cfg.Controlled = !f.override
	return cfg, nil
}

func (f *Fake) SetProxyConfig(_ context.Context, cfg ProxyConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.sets++
	cfg.Controlled = true
	f.cfg = cfg
	return nil
}

func (f *Fake) ClearProxyConfig(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	f.cfg = ProxyConfig{Mode: ModeDirect, Controlled: true}
	return nil
}

func (f *Fake) SetHooks(h Hooks) {
	f.mu.Lock()
	f.hooks = h
	f.mu.Unlock()
}

// FailSet makes subsequent SetProxyConfig calls return err.
func (f *Fake) FailSet(err error) {
	f.mu.Lock()
	f.setErr = err
	f.mu.Unlock()
}

// Override simulates another application taking over the settings.
func (f *Fake) Override(v bool) {
	f.mu.Lock()
	f.override = v
	f.mu.Unlock()
}

// Restore installs cfg as if the host restored it on startup.
func (f *Fake) Restore(cfg ProxyConfig) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

// Counts returns the number of set and clear calls.
func (f *Fake) Counts() (sets, clears int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets, f.clears
}

func (f *Fake) currentHooks() Hooks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hooks
}

// Route runs the request hook.
func (f *Fake) Route(req Request) Decision {
	if h := f.currentHooks().OnRequest; h != nil {
		return h(req)
	}
	return Direct
}

// Challenge runs the auth hook.
func (f *Fake) Challenge(ctx context.Context, requestID string) AuthAnswer {
	if h := f.currentHooks().OnAuthChallenge; h != nil {
		return h(ctx, requestID)
	}
	return Cancel
}

// Complete runs the completion hook.
func (f *Fake) Complete(requestID string) {
	if h := f.currentHooks().OnRequestCompleted; h != nil {
		h(requestID)
	}
}

// Fail runs the error hook.
func (f *Fake) Fail(requestID string, code ErrorCode) {
	if h := f.currentHooks().OnRequestError; h != nil {
		h(requestID, code)
	}
}
