// Package cli implements the proxyvpn command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/koltyakov/proxyvpn/internal/config"
)

const dotEnvPath = ".env"

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadDotEnv(dotEnvPath); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}

	if len(args) == 0 {
		return runDaemon(ctx, nil)
	}

	switch args[0] {
	case "run":
		return runDaemon(ctx, args[1:])
	case "login":
		return runLogin(ctx, args[1:])
	case "logout":
		return runLogout(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "connect":
		return runConnect(ctx, args[1:])
	case "disconnect":
		return runDisconnect(ctx, args[1:])
	case "dismiss":
		return runDismiss(ctx, args[1:])
	case "servers":
		return runServers(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		return runDaemon(ctx, args)
	}
}
