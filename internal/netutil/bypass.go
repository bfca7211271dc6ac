package netutil

import (
	"net/url"
	"strings"

	"golang.org/x/net/http/httpproxy"
)

// LocalNetwork lists hosts and ranges that never go through the VPN proxy.
var LocalNetwork = []string{
	"localhost",
	"127.0.0.0/8",
	"::1",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
	".local",
}

// BuildBypass returns the full bypass list: local network, then the user's
// split-tunnel exclusions, then apiHost when bypassAPI is set. Entries are
// normalized and deduplicated in order.
func BuildBypass(exclusions []string, apiHost string, bypassAPI bool) []string {
	out := make([]string, 0, len(LocalNetwork)+len(exclusions)+1)
	seen := make(map[string]struct{}, cap(out))
	add := func(v string) {
		v = normalizeBypassEntry(v)
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, v := range LocalNetwork {
		add(v)
	}
	for _, v := range exclusions {
		add(v)
	}
	if bypassAPI {
		add(apiHost)
	}
	return out
}

func normalizeBypassEntry(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	if strings.Contains(v, "/") {
		return v
	}
	if strings.HasPrefix(v, "*.") {
		return "." + NormalizeHost(v[2:])
	}
	if strings.HasPrefix(v, ".") {
		return "." + NormalizeHost(v[1:])
	}
	return NormalizeHost(v)
}

// BypassMatcher decides whether a destination skips the proxy.
type BypassMatcher struct {
	proxyFunc func(*url.URL) (*url.URL, error)
}

// NewBypassMatcher compiles a bypass list in NO_PROXY syntax.
func NewBypassMatcher(bypass []string) *BypassMatcher {
	cfg := httpproxy.Config{
		HTTPProxy:  "http://proxy.invalid",
		HTTPSProxy: "http://proxy.invalid",
		NoProxy:    strings.Join(bypass, ","),
	}
	return &BypassMatcher{proxyFunc: cfg.ProxyFunc()}
}

// Bypassed reports whether host (optionally host:port) must be reached
// directly. Loopback destinations are always bypassed.
func (m *BypassMatcher) Bypassed(host string) bool {
	if m == nil {
		return false
	}
	u := &url.URL{Scheme: "https", Host: host}
	p, err := m.proxyFunc(u)
	return err == nil && p == nil
}
