// Package config loads proxyvpn settings from the environment, an optional
// .env file and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable, e.g. PROXYVPN_API_URL.
const EnvPrefix = "PROXYVPN"

// StoreConfig selects and secures the cache tiers.
type StoreConfig struct {
	DBPath        string `envconfig:"DB_PATH" default:"./proxyvpn.db"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisUsername string `envconfig:"REDIS_USERNAME"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	StoreKey      string `envconfig:"STORE_KEY"`
}

// ClientConfig drives `proxyvpn run`.
type ClientConfig struct {
	StoreConfig

	APIURL     string `envconfig:"API_URL"`
	AppVersion string `envconfig:"APP_VERSION"`

	ProxyListen   string `envconfig:"PROXY_LISTEN" default:"127.0.0.1:8118"`
	ControlListen string `envconfig:"CONTROL_LISTEN" default:"127.0.0.1:8119"`
	ControlToken  string `envconfig:"CONTROL_TOKEN"`
	DebugListen   string `envconfig:"DEBUG_LISTEN"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	HTTPTimeout   time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	APIRateLimit  float64       `envconfig:"API_RATE_LIMIT" default:"5"`
	APIBurst      int           `envconfig:"API_BURST" default:"10"`
	TokenDuration time.Duration `envconfig:"TOKEN_DURATION" default:"30m"`

	LogicalTTL         time.Duration `envconfig:"LOGICAL_TTL" default:"3h"`
	LogicalBlockingTTL time.Duration `envconfig:"LOGICAL_BLOCKING_TTL" default:"24h"`
	LoadsInterval      time.Duration `envconfig:"LOADS_INTERVAL" default:"15m"`
	CheckupInterval    time.Duration `envconfig:"CHECKUP_INTERVAL" default:"3m"`

	AutoConnect bool     `envconfig:"AUTO_CONNECT" default:"true"`
	SplitTunnel []string `envconfig:"SPLIT_TUNNEL"`
	BypassAPI   bool     `envconfig:"BYPASS_API" default:"false"`
}

// ControlConfig drives the commands that talk to a running instance.
type ControlConfig struct {
	ControlAddr  string        `envconfig:"CONTROL_LISTEN" default:"127.0.0.1:8119"`
	ControlToken string        `envconfig:"CONTROL_TOKEN"`
	Timeout      time.Duration `envconfig:"CONTROL_TIMEOUT" default:"10s"`
}

// LoginConfig drives `proxyvpn login`.
type LoginConfig struct {
	StoreConfig

	UID          string `envconfig:"UID"`
	AccessToken  string `envconfig:"ACCESS_TOKEN"`
	RefreshToken string `envconfig:"REFRESH_TOKEN"`
}

// LoadDotEnv copies PROXYVPN_* values from path into the environment
// without overriding variables that are already set. A missing file is
// not an error.
func LoadDotEnv(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	for key, value := range values {
		if !strings.HasPrefix(key, EnvPrefix+"_") {
			continue
		}
		if existing := strings.TrimSpace(os.Getenv(key)); existing != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
	return nil
}

func bindStoreFlags(fs *flag.FlagSet, cfg *StoreConfig) {
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Optional Redis address for the shared sync tier")
	fs.StringVar(&cfg.RedisUsername, "redis-username", cfg.RedisUsername, "Redis username")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	fs.StringVar(&cfg.StoreKey, "store-key", cfg.StoreKey, "Secret used to encrypt session and credentials at rest")
}

func (c StoreConfig) validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("missing --db or PROXYVPN_DB_PATH")
	}
	if c.RedisDB < 0 {
		return errors.New("redis db must be >= 0")
	}
	return nil
}

// ParseRunFlags builds the run configuration.
func ParseRunFlags(args []string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}

	var split stringList = cfg.SplitTunnel
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	bindStoreFlags(fs, &cfg.StoreConfig)
	fs.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "VPN REST API base URL")
	fs.StringVar(&cfg.AppVersion, "app-version", cfg.AppVersion, "Value of the x-pm-appversion header")
	fs.StringVar(&cfg.ProxyListen, "listen", cfg.ProxyListen, "Local proxy listen address")
	fs.StringVar(&cfg.ControlListen, "control-listen", cfg.ControlListen, "Control channel listen address")
	fs.StringVar(&cfg.DebugListen, "debug-listen", cfg.DebugListen, "Optional pprof and metrics listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "REST API request timeout")
	fs.DurationVar(&cfg.TokenDuration, "token-duration", cfg.TokenDuration, "Requested proxy credential lifetime")
	fs.DurationVar(&cfg.CheckupInterval, "checkup-interval", cfg.CheckupInterval, "Minimum interval between server health checks")
	fs.BoolVar(&cfg.AutoConnect, "auto-connect", cfg.AutoConnect, "Reconnect to the last choice on startup")
	fs.BoolVar(&cfg.BypassAPI, "bypass-api", cfg.BypassAPI, "Reach the VPN API directly instead of through the proxy")
	fs.Var(&split, "exclude", "Host or CIDR to reach directly (repeatable)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.SplitTunnel = split
	err := cfg.validate()
	return cfg, err
}

func (c *ClientConfig) validate() error {
	if err := c.StoreConfig.validate(); err != nil {
		return err
	}
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if c.APIURL == "" {
		return errors.New("missing --api-url or PROXYVPN_API_URL")
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("invalid api url %q", c.APIURL)
	}
	for name, addr := range map[string]string{"listen": c.ProxyListen, "control-listen": c.ControlListen} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid --%s address %q: %w", name, addr, err)
		}
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("http timeout must be > 0")
	}
	if c.APIRateLimit <= 0 || c.APIBurst <= 0 {
		return errors.New("api rate limit and burst must be > 0")
	}
	if c.TokenDuration < time.Minute {
		return errors.New("token duration must be at least 1m")
	}
	if c.LogicalTTL <= 0 || c.LogicalBlockingTTL < c.LogicalTTL {
		return errors.New("logical blocking ttl must be >= logical ttl > 0")
	}
	if c.LoadsInterval <= 0 || c.CheckupInterval <= 0 {
		return errors.New("loads and check-up intervals must be > 0")
	}
	return nil
}

// APIHost returns the API host, for bypass lists.
func (c ClientConfig) APIHost() string {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ParseControlFlags builds the configuration of a control command.
func ParseControlFlags(name string, args []string) (ControlConfig, *flag.FlagSet, error) {
	var cfg ControlConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, nil, fmt.Errorf("environment: %w", err)
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "Control channel address of the running instance")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Request timeout")
	return cfg, fs, nil
}

// ParseLoginFlags builds the login configuration.
func ParseLoginFlags(args []string) (LoginConfig, error) {
	var cfg LoginConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	bindStoreFlags(fs, &cfg.StoreConfig)
	fs.StringVar(&cfg.UID, "uid", cfg.UID, "Session UID")
	fs.StringVar(&cfg.AccessToken, "access-token", cfg.AccessToken, "Access token")
	fs.StringVar(&cfg.RefreshToken, "refresh-token", cfg.RefreshToken, "Refresh token")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.StoreConfig.validate(); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.UID) == "" || strings.TrimSpace(cfg.AccessToken) == "" || strings.TrimSpace(cfg.RefreshToken) == "" {
		return cfg, errors.New("login requires --uid, --access-token and --refresh-token")
	}
	return cfg, nil
}

// ParseStoreFlags builds a store-only configuration (logout, servers).
func ParseStoreFlags(name string, args []string) (StoreConfig, *flag.FlagSet, error) {
	var cfg StoreConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, nil, fmt.Errorf("environment: %w", err)
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	bindStoreFlags(fs, &cfg)
	return cfg, fs, nil
}

// Validate checks a store configuration after its flags were parsed.
func (c StoreConfig) Validate() error {
	return c.validate()
}

type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}
