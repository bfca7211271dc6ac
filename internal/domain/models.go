// Package domain defines the core data types shared across the proxyvpn
// controller, credential, directory, and storage layers.
package domain

import "time"

// Connection state names.
const (
	StateLoggedOut = "loggedout"
	StateOff       = "off"
	StateOn        = "on"
)

// Logical feature bits as reported by the server directory.
const (
	FeatureSecureCore = 1 << 0
	FeatureTor        = 1 << 1
	FeatureP2P        = 1 << 2
	FeatureStreaming  = 1 << 3
	FeatureIPv6       = 1 << 4
	FeatureRestricted = 1 << 5
	FeaturePartner    = 1 << 6
)

// DefaultProxyPort is the HTTPS proxy port used when the client config does
// not advertise one.
const DefaultProxyPort = 4443

// ProxyServer is the endpoint the connection is routed through. It is never
// mutated after selection; reselecting builds a new value.
type ProxyServer struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	EntryCountry string   `json:"entryCountry"`
	ExitCountry  string   `json:"exitCountry"`
	ExitCity     string   `json:"exitCity,omitempty"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Bypass       []string `json:"bypass,omitempty"`
	SecureCore   bool     `json:"secureCore"`
	Tier         int      `json:"tier"`
}

// PhysicalServer is one machine behind a [Logical].
type PhysicalServer struct {
	ID      string `json:"ID"`
	EntryIP string `json:"EntryIP"`
	ExitIP  string `json:"ExitIP"`
	Domain  string `json:"Domain"`
	Label   string `json:"Label,omitempty"`
	Status  int    `json:"Status"`
}

// Logical is a named endpoint entry of the server directory.
type Logical struct {
	ID           string           `json:"ID"`
	Name         string           `json:"Name"`
	EntryCountry string           `json:"EntryCountry"`
	ExitCountry  string           `json:"ExitCountry"`
	City         string           `json:"City,omitempty"`
	Domain       string           `json:"Domain"`
	Tier         int              `json:"Tier"`
	Features     int              `json:"Features"`
	Load         int              `json:"Load"`
	Score        float64          `json:"Score"`
	Status       int              `json:"Status"`
	Servers      []PhysicalServer `json:"Servers"`
}

// IsUp reports whether the logical is enabled and at least one of its
// physical servers is responsive.
func (l Logical) IsUp() bool {
	if l.Status <= 0 {
		return false
	}
	for _, s := range l.Servers {
		if s.Status > 0 {
			return true
		}
	}
	return false
}

// HasFeature reports whether all bits of f are set.
func (l Logical) HasFeature(f int) bool {
	return l.Features&f == f
}

// SecureCore reports whether traffic enters through a different country.
func (l Logical) SecureCore() bool {
	return l.HasFeature(FeatureSecureCore)
}

// LogicalLoad carries the fields refreshed by the lightweight loads endpoint.
type LogicalLoad struct {
	ID     string  `json:"ID"`
	Load   int     `json:"Load"`
	Score  float64 `json:"Score"`
	Status int     `json:"Status"`
}

// LogicalList is a directory snapshot plus the server's Last-Modified stamp.
type LogicalList struct {
	Logicals     []Logical `json:"logicals"`
	LastModified time.Time `json:"lastModified"`
}

// Credentials is a short-lived proxy authentication token pair.
type Credentials struct {
	Username   string    `json:"username"`
	Password   string    `json:"password"`
	Expire     int64     `json:"expire"` // lifetime in seconds, as issued
	SessionUID string    `json:"sessionUid"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// IsZero reports whether no token is present.
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// HalfLife is the midpoint between issuance and expiry. Cached credentials
// are served until then and refreshed afterwards.
func (c Credentials) HalfLife() time.Time {
	return c.IssuedAt.Add(c.ExpiresAt.Sub(c.IssuedAt) / 2)
}

// Lifetime is the total validity window.
func (c Credentials) Lifetime() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// Replaces reports whether c may overwrite prev: either prev is absent, it
// belongs to another session, or c expires strictly later.
func (c Credentials) Replaces(prev *Credentials) bool {
	if prev == nil || prev.IsZero() {
		return true
	}
	if c.SessionUID != prev.SessionUID {
		return true
	}
	return c.ExpiresAt.After(prev.ExpiresAt)
}

// Session is the authenticated account session.
type Session struct {
	UID          string    `json:"uid"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Scopes       []string  `json:"scopes,omitempty"`
	Expiring     bool      `json:"expiring,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Valid reports whether the session carries usable tokens.
func (s *Session) Valid() bool {
	return s != nil && s.UID != "" && s.AccessToken != ""
}

// TokenPair is the result of a token refresh.
type TokenPair struct {
	AccessToken  string   `json:"AccessToken"`
	RefreshToken string   `json:"RefreshToken"`
	Scopes       []string `json:"Scopes,omitempty"`
}

// VPNInfo describes the account's VPN entitlement.
type VPNInfo struct {
	Tier       int    `json:"MaxTier"`
	MaxConnect int    `json:"MaxConnect"`
	PlanTitle  string `json:"PlanTitle,omitempty"`
}

// ClientConfig is the server-provided client tuning.
type ClientConfig struct {
	ProxyPort             int `json:"ProxyPort"`
	ServerRefreshInterval int `json:"ServerRefreshInterval"` // minutes
}
