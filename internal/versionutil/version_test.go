package versionutil

import "testing"

func TestCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.3", 0},
		{"v1.2.3", "1.2.3", 0},
		{"1.2.3", "1.10.0", -1},
		{"2.0.0", "1.99.99", 1},
		{"1.2.3-rc1", "1.2.3", 0},
		{"dev", "dev", 0},
	}
	for _, tt := range tests {
		if got := Compare(tt.a, tt.b); got != tt.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestEnsureVPrefixAndAppVersion(t *testing.T) {
	t.Parallel()

	if got := EnsureVPrefix("1.0.0"); got != "v1.0.0" {
		t.Fatalf("got %q", got)
	}
	if got := EnsureVPrefix(""); got != "" {
		t.Fatalf("got %q", got)
	}
	if got := AppVersion("browser-vpn", "v3.1.0"); got != "browser-vpn@3.1.0" {
		t.Fatalf("got %q", got)
	}
}

func TestUpgraded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to string
		want     bool
	}{
		{"browser-vpn@1.0.0", "browser-vpn@1.1.0", true},
		{"browser-vpn@1.1.0", "browser-vpn@1.1.0", false},
		{"browser-vpn@1.1.0", "browser-vpn@1.0.9", false},
		{"browser-vpn@1.0.0", "other@2.0.0", false},
	}
	for _, tt := range tests {
		if got := Upgraded(tt.from, tt.to); got != tt.want {
			t.Errorf("Upgraded(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if c, v := SplitAppVersion(" proxyvpn@0.3.1 "); c != "proxyvpn" || v != "0.3.1" {
		t.Fatalf("got %q %q", c, v)
	}
}
