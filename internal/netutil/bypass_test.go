package netutil

import (
	"slices"
	"testing"
)

func TestBuildBypass(t *testing.T) {
	t.Parallel()

	got := BuildBypass([]string{"*.Corp.Example.", "intranet.example.com:443", "localhost", " "}, "vpn-api.example.net", true)
	tail := got[len(LocalNetwork):]
	want := []string{".corp.example", "intranet.example.com", "vpn-api.example.net"}
	if !slices.Equal(tail, want) {
		t.Fatalf("got %v, want %v", tail, want)
	}

	without := BuildBypass(nil, "vpn-api.example.net", false)
	if slices.Contains(without, "vpn-api.example.net") {
		t.Fatal("api host must only be bypassed when requested")
	}
}

func TestBypassMatcher(t *testing.T) {
	t.Parallel()

	m := NewBypassMatcher(BuildBypass([]string{".corp.example", "intranet.example.com"}, "", false))
	cases := map[string]bool{
		"localhost:8080":            true,
		"127.0.0.1":                 true,
		"192.168.1.20:443":          true,
		"10.1.2.3":                  true,
		"printer.local":             true,
		"git.corp.example":          true,
		"intranet.example.com":      true,
		"news.intranet.example.com": true,
		"www.example.com:443":       false,
		"8.8.8.8":                   false,
	}
	for host, want := range cases {
		if got := m.Bypassed(host); got != want {
			t.Fatalf("Bypassed(%q): got %v, want %v", host, got, want)
		}
	}

	var nilMatcher *BypassMatcher
	if nilMatcher.Bypassed("localhost") {
		t.Fatal("nil matcher must not bypass")
	}
}
