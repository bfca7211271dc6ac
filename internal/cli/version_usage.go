package cli

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/koltyakov/proxyvpn/internal/versionutil"
)

func printUsage() {
	fmt.Println(`proxyvpn - proxy-based VPN client

Routes traffic through the VPN provider's authenticated HTTPS proxies and
keeps the connection alive: credential renewal, failover, reconnects.

Usage:
  proxyvpn run                          Start the local proxy and controller
  proxyvpn login --uid U --access-token A --refresh-token R
                                        Store a session
  proxyvpn logout                       Forget the session, credentials and caches
  proxyvpn status [--watch]             Print the state of a running instance
  proxyvpn connect [--country CH | --server ID | --city C | --random]
                                        Connect a running instance
  proxyvpn disconnect                   Disconnect a running instance
  proxyvpn dismiss ID                   Hide a blocking error
  proxyvpn servers [--country CH]       List cached servers
  proxyvpn version                      Print version
  proxyvpn help                         Show this help

Environment Variables:
  PROXYVPN_API_URL         VPN REST API base URL
  PROXYVPN_APP_VERSION     Value of the x-pm-appversion header (default proxyvpn@<version>)
  PROXYVPN_DB_PATH         SQLite database path (default: ./proxyvpn.db)
  PROXYVPN_REDIS_ADDR      Optional Redis address for the shared sync tier
  PROXYVPN_STORE_KEY       Secret encrypting session and credentials at rest
  PROXYVPN_PROXY_LISTEN    Local proxy address (default: 127.0.0.1:8118)
  PROXYVPN_CONTROL_LISTEN  Control channel address (default: 127.0.0.1:8119)
  PROXYVPN_CONTROL_TOKEN   Bearer token required on the control channel (optional)
  PROXYVPN_DEBUG_LISTEN    Optional metrics and pprof address
  PROXYVPN_AUTO_CONNECT    Replay the last choice on startup (default: true)
  PROXYVPN_SPLIT_TUNNEL    Comma-separated hosts and CIDRs reached directly
  PROXYVPN_LOG_LEVEL       Log level: debug|info|warn|error (default: info)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" {
		Version = versionutil.EnsureVPrefix(Version)
	}
}

func printVersion() {
	fmt.Println("proxyvpn", Version)
}

// defaultAppVersion is the x-pm-appversion sent when none is configured.
func defaultAppVersion() string {
	return versionutil.AppVersion("proxyvpn", Version)
}
